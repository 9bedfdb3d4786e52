// Package sync implements the versioned synchronization engine: optimistic
// local mutations with per-chat monotonic counters, the dual-phase encrypted
// send pipeline, reconciliation of server broadcasts and the offline-change
// outbox.
package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glowingkitty/matesync/internal/client/cache"
	"github.com/glowingkitty/matesync/internal/client/events"
	"github.com/glowingkitty/matesync/internal/client/models"
	"github.com/glowingkitty/matesync/internal/client/repositories/chats"
	"github.com/glowingkitty/matesync/internal/client/repositories/messages"
	"github.com/glowingkitty/matesync/internal/client/session"
	"github.com/glowingkitty/matesync/internal/client/store"
	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/cryptox"
	"github.com/glowingkitty/matesync/internal/dbx"
	"github.com/glowingkitty/matesync/internal/logging"
	"github.com/glowingkitty/matesync/internal/protocol"
	"github.com/oklog/ulid/v2"
)

// Sender is the transport surface the engine depends on. A failed send
// returns common.ErrNotConnected, at which point the engine queues the
// mutation offline instead.
type Sender interface {
	Send(ctx context.Context, msgType string, payload any) error
}

// Engine coordinates the local store, the key hierarchy, the transport and
// the caches.
type Engine struct {
	log     logging.Logger
	bus     *events.Bus
	session *session.Session
	store   *store.Store
	cache   *cache.Cache
	sender  Sender

	mu           sync.Mutex
	inflight     map[string]bool // per-message marker guarding ai_response_completed
	hiddenSecret []byte          // combined secret, present only while hidden chats are unlocked

	now func() time.Time
}

// NewEngine wires the engine. The sender is bound separately because the
// transport needs the engine's envelope handler at construction time.
func NewEngine(st *store.Store, sess *session.Session, bus *events.Bus, c *cache.Cache, log logging.Logger) *Engine {
	return &Engine{
		log:      log,
		bus:      bus,
		session:  sess,
		store:    st,
		cache:    c,
		inflight: make(map[string]bool),
		now:      time.Now,
	}
}

// BindSender attaches the transport once it exists.
func (e *Engine) BindSender(s Sender) {
	e.sender = s
}

// UnlockHiddenChats derives and caches the combined secret so chat keys of
// hidden chats can be unwrapped for this run.
func (e *Engine) UnlockHiddenChats(pin []byte) error {
	masterKey, err := e.session.MasterKey()
	if err != nil {
		return err
	}
	secret, err := cryptox.HiddenChatSecret(masterKey, pin)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.hiddenSecret = secret
	e.mu.Unlock()
	return nil
}

// LockHiddenChats wipes the cached combined secret.
func (e *Engine) LockHiddenChats() {
	e.mu.Lock()
	cryptox.WipeKey(e.hiddenSecret)
	e.hiddenSecret = nil
	e.mu.Unlock()
}

// chatKey unwraps the chat key of c using whichever wrap target is active.
func (e *Engine) chatKey(c *models.Chat) ([]byte, error) {
	if c.Hidden {
		e.mu.Lock()
		secret := e.hiddenSecret
		e.mu.Unlock()
		if len(secret) == 0 {
			return nil, common.ErrKeyUnavailable
		}
		env := &cryptox.Envelope{Ciphertext: c.WrappedChatKeyHidden, Nonce: c.WrappedChatKeyHNonce}
		return cryptox.Unwrap(env, secret)
	}

	masterKey, err := e.session.MasterKey()
	if err != nil {
		return nil, err
	}
	env := &cryptox.Envelope{Ciphertext: c.WrappedChatKey, Nonce: c.WrappedChatKeyNonce}
	return cryptox.Unwrap(env, masterKey)
}

func (e *Engine) encryptField(plaintext string, key []byte) (*protocol.Encrypted, error) {
	ciphertext, nonce, err := cryptox.Encrypt([]byte(plaintext), key)
	if err != nil {
		return nil, err
	}
	return &protocol.Encrypted{Ciphertext: ciphertext, Nonce: nonce}, nil
}

func (e *Engine) nowMillis() int64 {
	return e.now().UnixMilli()
}

// newMessageID returns a globally unique, offline-derivable identifier.
func newMessageID() string {
	return ulid.Make().String()
}

// ---- chat reads (cache layer) ----

// ChatList returns the chat list, served from the snapshot cache unless
// force is set, the entry is dirty, or it expired.
func (e *Engine) ChatList(ctx context.Context, force bool) ([]models.Chat, error) {
	if cached := e.cache.ChatList(force); cached != nil {
		return cached, nil
	}
	list, err := e.store.Chats.ListByLastEdited(ctx)
	if err != nil {
		return nil, err
	}
	e.cache.SetChatList(list)
	return list, nil
}

// LastMessage returns the most recent message of a chat, cache-first.
// A chat without messages yields nil.
func (e *Engine) LastMessage(ctx context.Context, chatID string, force bool) (*models.Message, error) {
	if cached := e.cache.LastMessage(chatID, force); cached != nil {
		return cached, nil
	}
	m, err := e.store.Messages.LastByChat(ctx, chatID)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.cache.SetLastMessage(chatID, m)
	return m, nil
}

// GetChat loads one chat from the durable store.
func (e *Engine) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	return e.store.Chats.GetByID(ctx, chatID)
}

// DecryptMessage recovers the plaintext of a stored message.
func (e *Engine) DecryptMessage(ctx context.Context, m *models.Message) (string, error) {
	c, err := e.store.Chats.GetByID(ctx, m.ChatID)
	if err != nil {
		return "", err
	}
	key, err := e.chatKey(c)
	if err != nil {
		return "", err
	}
	defer cryptox.WipeKey(key)

	plaintext, err := cryptox.Decrypt(m.Ciphertext, m.Nonce, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// ---- chat mutations ----

// notifyChatChanged invalidates caches touching the chat and only then
// publishes the UI-refresh event, so a stale read cannot win the race.
func (e *Engine) notifyChatChanged(chatID string) {
	e.cache.InvalidateChat(chatID)
	e.bus.Publish(events.Event{Type: events.EventChatListChanged, ChatID: chatID})
}

// UpdateTitle optimistically renames a chat: the counter increment and the
// content change commit in one transaction before any network I/O; a failed
// send only delays propagation via the outbox, it never rolls the edit back.
func (e *Engine) UpdateTitle(ctx context.Context, chatID, title string) error {
	var (
		chat          *models.Chat
		versionBefore int64
	)
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, chatID)
		if err != nil {
			return err
		}
		versionBefore = c.TitleV
		c.Title = title
		c.TitleV++
		c.LastEdited = e.nowMillis()
		if err := repo.CreateOrUpdate(ctx, c); err != nil {
			return err
		}
		chat = c
		return nil
	})
	if err != nil {
		return err
	}

	e.notifyChatChanged(chatID)

	key, err := e.chatKey(chat)
	if err != nil {
		return err
	}
	defer cryptox.WipeKey(key)

	encTitle, err := e.encryptField(title, key)
	if err != nil {
		return err
	}

	payload := protocol.UpdateTitlePayload{ChatID: chatID, EncryptedTitle: *encTitle, TitleV: chat.TitleV}
	if err := e.sender.Send(ctx, protocol.TypeUpdateTitle, payload); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			return e.queueOffline(ctx, chatID, models.ChangeUpdateTitle, payload, versionBefore)
		}
		return err
	}
	return nil
}

// UpdateDraft optimistically updates the draft of a chat.
func (e *Engine) UpdateDraft(ctx context.Context, chatID, draft string) error {
	var (
		chat          *models.Chat
		versionBefore int64
	)
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, chatID)
		if err != nil {
			return err
		}
		versionBefore = c.DraftV
		c.Draft = draft
		c.DraftV++
		c.LastEdited = e.nowMillis()
		if err := repo.CreateOrUpdate(ctx, c); err != nil {
			return err
		}
		chat = c
		return nil
	})
	if err != nil {
		return err
	}

	e.notifyChatChanged(chatID)

	key, err := e.chatKey(chat)
	if err != nil {
		return err
	}
	defer cryptox.WipeKey(key)

	encDraft, err := e.encryptField(draft, key)
	if err != nil {
		return err
	}

	payload := protocol.UpdateDraftPayload{ChatID: chatID, EncryptedDraft: *encDraft, DraftV: chat.DraftV}
	if err := e.sender.Send(ctx, protocol.TypeUpdateDraft, payload); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			return e.queueOffline(ctx, chatID, models.ChangeUpdateDraft, payload, versionBefore)
		}
		return err
	}
	return nil
}

// DeleteDraft clears the draft of a chat.
func (e *Engine) DeleteDraft(ctx context.Context, chatID string) error {
	var (
		chat          *models.Chat
		versionBefore int64
	)
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, chatID)
		if err != nil {
			return err
		}
		versionBefore = c.DraftV
		c.Draft = ""
		c.DraftV++
		c.LastEdited = e.nowMillis()
		if err := repo.CreateOrUpdate(ctx, c); err != nil {
			return err
		}
		chat = c
		return nil
	})
	if err != nil {
		return err
	}

	e.notifyChatChanged(chatID)

	payload := protocol.DeleteDraftPayload{ChatID: chatID, DraftV: chat.DraftV}
	if err := e.sender.Send(ctx, protocol.TypeDeleteDraft, payload); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			return e.queueOffline(ctx, chatID, models.ChangeDeleteDraft, payload, versionBefore)
		}
		return err
	}
	return nil
}

// DeleteChat removes a chat and its messages locally and propagates the
// deletion to the server.
func (e *Engine) DeleteChat(ctx context.Context, chatID string) error {
	var versionBefore int64
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		chatRepo := chats.NewSQLiteRepository(tx)
		c, err := chatRepo.GetByID(ctx, chatID)
		if err != nil {
			return err
		}
		versionBefore = c.MessagesV
		if err := messages.NewSQLiteRepository(tx).DeleteByChat(ctx, chatID); err != nil {
			return err
		}
		return chatRepo.DeleteByID(ctx, chatID)
	})
	if err != nil {
		return err
	}

	e.notifyChatChanged(chatID)

	payload := protocol.DeleteChatPayload{ChatID: chatID}
	if err := e.sender.Send(ctx, protocol.TypeDeleteChat, payload); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			return e.queueOffline(ctx, chatID, models.ChangeDeleteChat, payload, versionBefore)
		}
		return err
	}
	return nil
}

// SetActiveChat tells the server which chat is in the foreground and clears
// the local unread counter. The notification is ephemeral: it is not queued
// when offline.
func (e *Engine) SetActiveChat(ctx context.Context, chatID string) error {
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, chatID)
		if err != nil {
			return err
		}
		if c.UnreadCount == 0 {
			return nil
		}
		c.UnreadCount = 0
		return repo.CreateOrUpdate(ctx, c)
	})
	if err != nil {
		return err
	}

	e.notifyChatChanged(chatID)

	err = e.sender.Send(ctx, protocol.TypeSetActiveChat, protocol.SetActiveChatPayload{ChatID: chatID})
	if errors.Is(err, common.ErrNotConnected) {
		return nil
	}
	return err
}

// CancelAITask asks the server to stop processing. Phase 1 data already sent
// is not retracted; only further processing stops.
func (e *Engine) CancelAITask(ctx context.Context, chatID, messageID string) error {
	return e.sender.Send(ctx, protocol.TypeCancelAITask, protocol.CancelAITaskPayload{ChatID: chatID, MessageID: messageID})
}

// HideChat re-wraps the chat key from the master key to the hidden-chat
// combined secret. Content is not re-encrypted; only the wrap target swaps.
func (e *Engine) HideChat(ctx context.Context, chatID string, pin []byte) error {
	masterKey, err := e.session.MasterKey()
	if err != nil {
		return err
	}
	secret, err := cryptox.HiddenChatSecret(masterKey, pin)
	if err != nil {
		return err
	}
	defer cryptox.WipeKey(secret)

	err = dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, chatID)
		if err != nil {
			return err
		}
		if c.Hidden {
			return nil
		}

		key, err := cryptox.Unwrap(&cryptox.Envelope{Ciphertext: c.WrappedChatKey, Nonce: c.WrappedChatKeyNonce}, masterKey)
		if err != nil {
			return err
		}
		defer cryptox.WipeKey(key)

		env, err := cryptox.Wrap(key, secret)
		if err != nil {
			return err
		}
		c.WrappedChatKeyHidden = env.Ciphertext
		c.WrappedChatKeyHNonce = env.Nonce
		c.Hidden = true
		return repo.CreateOrUpdate(ctx, c)
	})
	if err != nil {
		return err
	}

	e.notifyChatChanged(chatID)
	return nil
}

// UnhideChat swaps the wrap target back to the master key.
func (e *Engine) UnhideChat(ctx context.Context, chatID string, pin []byte) error {
	masterKey, err := e.session.MasterKey()
	if err != nil {
		return err
	}
	secret, err := cryptox.HiddenChatSecret(masterKey, pin)
	if err != nil {
		return err
	}
	defer cryptox.WipeKey(secret)

	err = dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, chatID)
		if err != nil {
			return err
		}
		if !c.Hidden {
			return nil
		}

		key, err := cryptox.Unwrap(&cryptox.Envelope{Ciphertext: c.WrappedChatKeyHidden, Nonce: c.WrappedChatKeyHNonce}, secret)
		if err != nil {
			return err
		}
		defer cryptox.WipeKey(key)

		env, err := cryptox.Wrap(key, masterKey)
		if err != nil {
			return err
		}
		c.WrappedChatKey = env.Ciphertext
		c.WrappedChatKeyNonce = env.Nonce
		c.WrappedChatKeyHidden = nil
		c.WrappedChatKeyHNonce = nil
		c.Hidden = false
		return repo.CreateOrUpdate(ctx, c)
	})
	if err != nil {
		return err
	}

	e.notifyChatChanged(chatID)
	return nil
}

// ConfirmMemories acknowledges a server memories prompt.
func (e *Engine) ConfirmMemories(ctx context.Context, requestID string, memoryIDs []string) error {
	return e.sender.Send(ctx, protocol.TypeMemoriesConfirmed, protocol.MemoriesConfirmedPayload{
		RequestID: requestID,
		MemoryIDs: memoryIDs,
	})
}

// RequestInitialSync reports local versions so the server responds with only
// what changed.
func (e *Engine) RequestInitialSync(ctx context.Context) error {
	list, err := e.store.Chats.ListByLastEdited(ctx)
	if err != nil {
		return err
	}
	versions := make(map[string]protocol.ChatVersions, len(list))
	for _, c := range list {
		versions[c.ID] = protocol.ChatVersions{Messages: c.MessagesV, Title: c.TitleV, Draft: c.DraftV}
	}
	return e.sender.Send(ctx, protocol.TypeInitialSyncRequest, protocol.InitialSyncRequestPayload{Versions: versions})
}

// OnConnected runs after every successful (re)connect: replay the outbox in
// one batch, resend messages stuck waiting for internet, then request the
// initial sync.
func (e *Engine) OnConnected(ctx context.Context) {
	if err := e.ReplayOutbox(ctx); err != nil {
		e.log.Error(ctx, "outbox replay failed", "error", err)
	}
	if err := e.resendPendingMessages(ctx); err != nil {
		e.log.Error(ctx, "resending pending messages failed", "error", err)
	}
	if err := e.RequestInitialSync(ctx); err != nil {
		e.log.Error(ctx, "initial sync request failed", "error", err)
	}
}
