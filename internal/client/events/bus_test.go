package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribePublish(t *testing.T) {
	bus := NewBus()

	var got []Event
	unsubscribe := bus.Subscribe(EventMessageAdded, func(e Event) {
		got = append(got, e)
	})

	bus.Publish(Event{Type: EventMessageAdded, ChatID: "c1"})
	bus.Publish(Event{Type: EventChatListChanged, ChatID: "c1"}) // different type, not delivered

	assert.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ChatID)

	unsubscribe()
	bus.Publish(Event{Type: EventMessageAdded, ChatID: "c2"})
	assert.Len(t, got, 1)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(EventConnectionState, func(Event) { count++ })
	bus.Subscribe(EventConnectionState, func(Event) { count++ })

	bus.Publish(Event{Type: EventConnectionState})
	assert.Equal(t, 2, count)
}
