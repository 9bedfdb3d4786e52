package sync

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/glowingkitty/matesync/internal/client/events"
	"github.com/glowingkitty/matesync/internal/client/models"
	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/cryptox"
	"github.com/glowingkitty/matesync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, msgType string, payload any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	return env
}

func TestMessageBroadcastIdempotent(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	_, chatKey := seedChat(t, e, "chat1")

	enc := encryptUnder(t, chatKey, "from another device")
	env := envelope(t, protocol.TypeChatMessageAdded, protocol.ChatMessageBroadcastPayload{
		ChatID:           "chat1",
		MessageID:        "m-1",
		Role:             string(models.RoleUser),
		EncryptedContent: *enc,
		MessagesV:        4,
		CreatedAt:        1000,
	})

	// applying the same broadcast twice must equal applying it once
	e.HandleEnvelope(env)
	e.HandleEnvelope(env)

	msgs, err := st.Messages.ListByChat(ctx, "chat1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.StatusSynced, msgs[0].Status)

	c, err := st.Chats.GetByID(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.MessagesV)
	assert.Equal(t, int64(1), c.UnreadCount)

	plaintext, err := e.DecryptMessage(ctx, &msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "from another device", plaintext)
}

func TestRedeliveryReportsDuplicate(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	_, chatKey := seedChat(t, e, "chat1")
	enc := encryptUnder(t, chatKey, "again")

	require.NoError(t, e.insertIfUnseen(ctx, st.Messages, "chat1", "m-1", string(models.RoleUser), *enc, 100))

	err := e.insertIfUnseen(ctx, st.Messages, "chat1", "m-1", string(models.RoleUser), *enc, 100)
	assert.ErrorIs(t, err, common.ErrDuplicateDelivery)

	msgs, err := st.Messages.ListByChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestPendingAIResponseDeduplicatesAgainstBroadcast(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	_, chatKey := seedChat(t, e, "chat1")
	enc := encryptUnder(t, chatKey, "assistant reply")

	e.HandleEnvelope(envelope(t, protocol.TypeChatMessageAdded, protocol.ChatMessageBroadcastPayload{
		ChatID: "chat1", MessageID: "m-ai", Role: string(models.RoleAssistant),
		EncryptedContent: *enc, MessagesV: 2, CreatedAt: 500,
	}))
	e.HandleEnvelope(envelope(t, protocol.TypePendingAIResponse, protocol.PendingAIResponsePayload{
		ChatID: "chat1", MessageID: "m-ai",
		EncryptedContent: *enc, MessagesV: 2, CreatedAt: 500,
	}))

	msgs, err := st.Messages.ListByChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestTitleBroadcastLastWriterWins(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	c, chatKey := seedChat(t, e, "chat1")
	c.Title = "Local"
	c.TitleV = 3
	require.NoError(t, st.Chats.CreateOrUpdate(ctx, c))

	// stale broadcast loses
	e.HandleEnvelope(envelope(t, protocol.TypeChatTitleUpdated, protocol.ChatTitleUpdatedPayload{
		ChatID: "chat1", EncryptedTitle: *encryptUnder(t, chatKey, "Stale"), TitleV: 2,
	}))
	got, err := st.Chats.GetByID(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, "Local", got.Title)
	assert.Equal(t, int64(3), got.TitleV)

	// newer broadcast wins and its counter is adopted
	e.HandleEnvelope(envelope(t, protocol.TypeChatTitleUpdated, protocol.ChatTitleUpdatedPayload{
		ChatID: "chat1", EncryptedTitle: *encryptUnder(t, chatKey, "Remote"), TitleV: 5,
	}))
	got, err = st.Chats.GetByID(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, "Remote", got.Title)
	assert.Equal(t, int64(5), got.TitleV)
}

func TestDraftBroadcastNilMeansDeleted(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	c, _ := seedChat(t, e, "chat1")
	c.Draft = "typing..."
	c.DraftV = 1
	require.NoError(t, st.Chats.CreateOrUpdate(ctx, c))

	e.HandleEnvelope(envelope(t, protocol.TypeChatDraftUpdated, protocol.ChatDraftUpdatedPayload{
		ChatID: "chat1", EncryptedDraft: nil, DraftV: 2,
	}))

	got, err := st.Chats.GetByID(ctx, "chat1")
	require.NoError(t, err)
	assert.Empty(t, got.Draft)
	assert.Equal(t, int64(2), got.DraftV)
}

func TestInitialSyncMergesPerCounter(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	c, chatKey := seedChat(t, e, "chat1")
	c.Title = "Local Title"
	c.TitleV = 4
	c.DraftV = 1
	require.NoError(t, st.Chats.CreateOrUpdate(ctx, c))

	// server knows an older title but a newer draft; counters are merged
	// independently so the local title survives while the draft updates
	e.HandleEnvelope(envelope(t, protocol.TypeInitialSyncResponse, protocol.InitialSyncResponsePayload{
		Chats: []protocol.ChatSnapshot{{
			ChatID:         "chat1",
			EncryptedTitle: encryptUnder(t, chatKey, "Old Title"),
			EncryptedDraft: encryptUnder(t, chatKey, "server draft"),
			Versions:       protocol.ChatVersions{Messages: 9, Title: 2, Draft: 3},
			LastEdited:     2000,
		}},
		Messages: []protocol.MessageSnapshot{{
			MessageID: "m-1", ChatID: "chat1", Role: string(models.RoleUser),
			EncryptedContent: *encryptUnder(t, chatKey, "missed message"), CreatedAt: 1500,
		}},
	}))

	got, err := st.Chats.GetByID(ctx, "chat1")
	require.NoError(t, err)
	assert.Equal(t, "Local Title", got.Title)
	assert.Equal(t, int64(4), got.TitleV)
	assert.Equal(t, "server draft", got.Draft)
	assert.Equal(t, int64(3), got.DraftV)
	assert.Equal(t, int64(9), got.MessagesV)

	msgs, err := st.Messages.ListByChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestInitialSyncCreatesUnknownChat(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()

	masterKey, err := e.session.MasterKey()
	require.NoError(t, err)
	chatKey := make([]byte, 32)
	for i := range chatKey {
		chatKey[i] = byte(i)
	}
	wrapped, err := cryptox.Wrap(chatKey, masterKey)
	require.NoError(t, err)

	e.HandleEnvelope(envelope(t, protocol.TypeInitialSyncResponse, protocol.InitialSyncResponsePayload{
		Chats: []protocol.ChatSnapshot{{
			ChatID:         "brand-new",
			WrappedChatKey: wrapped,
			EncryptedTitle: encryptUnder(t, chatKey, "From elsewhere"),
			Versions:       protocol.ChatVersions{Messages: 1, Title: 1},
			LastEdited:     100,
		}},
	}))

	got, err := st.Chats.GetByID(ctx, "brand-new")
	require.NoError(t, err)
	assert.Equal(t, "From elsewhere", got.Title)
	assert.Equal(t, int64(1), got.MessagesV)
	assert.NotEmpty(t, got.WrappedChatKey)
}

func TestInitialSyncDeletedChat(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	seedChat(t, e, "chat1")
	_, err := e.SendMessage(ctx, "chat1", "soon gone")
	require.NoError(t, err)

	e.HandleEnvelope(envelope(t, protocol.TypeInitialSyncResponse, protocol.InitialSyncResponsePayload{
		Chats: []protocol.ChatSnapshot{{ChatID: "chat1", Deleted: true}},
	}))

	_, err = st.Chats.GetByID(ctx, "chat1")
	assert.Error(t, err)
	msgs, err := st.Messages.ListByChat(ctx, "chat1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestChatDeletedBroadcast(t *testing.T) {
	e, _, st := newTestEngine(t)
	ctx := context.Background()
	seedChat(t, e, "chat1")

	e.HandleEnvelope(envelope(t, protocol.TypeChatDeleted, protocol.ChatDeletedPayload{ChatID: "chat1"}))

	_, err := st.Chats.GetByID(ctx, "chat1")
	assert.Error(t, err)

	// deleting a chat this device never had is a no-op, not a failure
	e.HandleEnvelope(envelope(t, protocol.TypeChatDeleted, protocol.ChatDeletedPayload{ChatID: "never-seen"}))
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.HandleEnvelope(protocol.Envelope{Type: "hologram_call", Payload: json.RawMessage(`{"x":1}`)})
}

func TestServerErrorPublishesNotification(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var got []events.Event
	e.bus.Subscribe(events.EventErrorNotification, func(ev events.Event) { got = append(got, ev) })

	e.HandleEnvelope(envelope(t, protocol.TypeError, protocol.ErrorPayload{Code: "rate_limited", Message: "slow down"}))

	require.Len(t, got, 1)
	p := got[0].Payload.(*protocol.ErrorPayload)
	assert.Equal(t, "rate_limited", p.Code)
}

func TestReminderAndMemoriesEventsForwarded(t *testing.T) {
	e, _, _ := newTestEngine(t)

	var reminders, dialogs, dismissals int
	e.bus.Subscribe(events.EventReminderFired, func(events.Event) { reminders++ })
	e.bus.Subscribe(events.EventMemoriesDialog, func(events.Event) { dialogs++ })
	e.bus.Subscribe(events.EventMemoriesDismiss, func(events.Event) { dismissals++ })

	e.HandleEnvelope(envelope(t, protocol.TypeReminderFired, protocol.ReminderFiredPayload{ReminderID: "r1", ChatID: "chat1", FiredAt: 1}))
	e.HandleEnvelope(envelope(t, protocol.TypeRequestMemories, protocol.RequestMemoriesPayload{RequestID: "q1"}))
	e.HandleEnvelope(envelope(t, protocol.TypeDismissMemoriesDialog, protocol.DismissMemoriesDialogPayload{}))

	assert.Equal(t, 1, reminders)
	assert.Equal(t, 1, dialogs)
	assert.Equal(t, 1, dismissals)
}
