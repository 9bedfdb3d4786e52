// Package events provides the observer bus the sync core writes UI
// notifications to. Consumers subscribe with a callback; the core never
// assumes any particular UI event mechanism exists.
package events

import "sync"

// Type tags an event on the bus.
type Type string

const (
	// EventChatListChanged fires after any mutation that affects the chat
	// list (title, draft, message, deletion). Caches are invalidated before
	// this event is published.
	EventChatListChanged Type = "chat_list_changed"

	// EventMessageAdded fires when a message is committed locally, whether
	// it originated here or arrived as a broadcast.
	EventMessageAdded Type = "message_added"

	// EventConnectionState fires on transport state transitions.
	EventConnectionState Type = "connection_state"

	// EventErrorNotification carries server-reported generic errors; they
	// surface as a single user-visible notification.
	EventErrorNotification Type = "error_notification"

	// EventReminderFired and EventMemoriesDialog relay server prompts the
	// UI renders; the core only forwards them.
	EventReminderFired   Type = "reminder_fired"
	EventMemoriesDialog  Type = "memories_dialog"
	EventMemoriesDismiss Type = "memories_dismiss"

	// EventSyncGaveUp fires when reconnection exceeded the attempt ceiling.
	EventSyncGaveUp Type = "sync_gave_up"
)

// Event is one notification published by the core.
type Event struct {
	Type    Type
	ChatID  string
	Payload any
}

// Handler receives published events.
type Handler func(Event)

// Bus is an in-process publish/subscribe fanout.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type]map[int]Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type]map[int]Handler)}
}

// Subscribe registers h for events of type t and returns an unsubscribe
// function.
func (b *Bus) Subscribe(t Type, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[t] == nil {
		b.subs[t] = make(map[int]Handler)
	}
	b.subs[t][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[t], id)
	}
}

// Publish delivers e to every subscriber of its type, synchronously and in
// unspecified order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Type]))
	for _, h := range b.subs[e.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
