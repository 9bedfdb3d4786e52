package sync

import (
	"context"
	"errors"

	"github.com/glowingkitty/matesync/internal/client/events"
	"github.com/glowingkitty/matesync/internal/client/models"
	"github.com/glowingkitty/matesync/internal/client/repositories/chats"
	"github.com/glowingkitty/matesync/internal/client/repositories/messages"
	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/dbx"
	"github.com/glowingkitty/matesync/internal/protocol"
)

// HandleEnvelope dispatches one server envelope. Unknown message types are
// logged and dropped so a newer server never takes the client down; handler
// failures likewise surface as log entries, the read loop keeps running.
func (e *Engine) HandleEnvelope(env protocol.Envelope) {
	ctx := context.Background()

	payload, err := protocol.DecodeServer(env)
	if err != nil {
		if errors.Is(err, common.ErrUnknownMessageType) {
			e.log.Warn(ctx, "ignoring unknown message type", "type", env.Type)
			return
		}
		e.log.Error(ctx, "malformed server payload", "type", env.Type, "error", err)
		return
	}

	switch p := payload.(type) {
	case *protocol.InitialSyncResponsePayload:
		err = e.applyInitialSync(ctx, p)
	case *protocol.ChatTitleUpdatedPayload:
		err = e.applyTitleUpdated(ctx, p)
	case *protocol.ChatDraftUpdatedPayload:
		err = e.applyDraftUpdated(ctx, p)
	case *protocol.ChatMessageBroadcastPayload:
		err = e.applyMessageBroadcast(ctx, p.ChatID, p.MessageID, p.Role, p.EncryptedContent, p.MessagesV, p.CreatedAt)
	case *protocol.PendingAIResponsePayload:
		err = e.applyMessageBroadcast(ctx, p.ChatID, p.MessageID, string(models.RoleAssistant), p.EncryptedContent, p.MessagesV, p.CreatedAt)
	case *protocol.ChatDeletedPayload:
		err = e.applyChatDeleted(ctx, p)
	case *protocol.OfflineSyncCompletePayload:
		err = e.applyOfflineSyncComplete(ctx, p)
	case *protocol.ErrorPayload:
		e.log.Warn(ctx, "server error", "code", p.Code, "message", p.Message)
		e.bus.Publish(events.Event{Type: events.EventErrorNotification, Payload: p})
	case *protocol.RequestMemoriesPayload:
		e.bus.Publish(events.Event{Type: events.EventMemoriesDialog, Payload: p})
	case *protocol.ReminderFiredPayload:
		e.bus.Publish(events.Event{Type: events.EventReminderFired, ChatID: p.ChatID, Payload: p})
	case *protocol.DismissMemoriesDialogPayload:
		e.bus.Publish(events.Event{Type: events.EventMemoriesDismiss})
	}

	if err != nil {
		e.log.Error(ctx, "applying server message failed", "type", env.Type, "error", err)
	}
}

// applyInitialSync merges the server's delta into the local store. Each
// counter is compared independently: a sub-resource is overwritten only when
// the server's counter is strictly newer, so concurrent local edits survive.
func (e *Engine) applyInitialSync(ctx context.Context, p *protocol.InitialSyncResponsePayload) error {
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		chatRepo := chats.NewSQLiteRepository(tx)
		msgRepo := messages.NewSQLiteRepository(tx)

		for _, snap := range p.Chats {
			if snap.Deleted {
				if err := deleteChatLocally(ctx, chatRepo, msgRepo, snap.ChatID); err != nil {
					return err
				}
				continue
			}
			if err := e.mergeChatSnapshot(ctx, chatRepo, snap); err != nil {
				return err
			}
		}

		for _, m := range p.Messages {
			err := e.insertIfUnseen(ctx, msgRepo, m.ChatID, m.MessageID, m.Role, m.EncryptedContent, m.CreatedAt)
			if errors.Is(err, common.ErrDuplicateDelivery) {
				e.log.Debug(ctx, "snapshot message already stored", "message_id", m.MessageID)
				continue
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.cache.InvalidateAll()
	e.bus.Publish(events.Event{Type: events.EventChatListChanged})
	return nil
}

func (e *Engine) mergeChatSnapshot(ctx context.Context, repo chats.Repository, snap protocol.ChatSnapshot) error {
	c, err := repo.GetByID(ctx, snap.ChatID)
	if errors.Is(err, common.ErrorNotFound) {
		// a chat delivered by the server already has its metadata there
		c = &models.Chat{ID: snap.ChatID, MetadataSent: true}
	} else if err != nil {
		return err
	}

	if snap.WrappedChatKey != nil && len(c.WrappedChatKey) == 0 {
		c.WrappedChatKey = snap.WrappedChatKey.Ciphertext
		c.WrappedChatKeyNonce = snap.WrappedChatKey.Nonce
	}
	if snap.WrappedChatKeyHidden != nil && len(c.WrappedChatKeyHidden) == 0 {
		c.WrappedChatKeyHidden = snap.WrappedChatKeyHidden.Ciphertext
		c.WrappedChatKeyHNonce = snap.WrappedChatKeyHidden.Nonce
		c.Hidden = true
	}

	if snap.Versions.Messages > c.MessagesV {
		c.MessagesV = snap.Versions.Messages
	}
	if snap.Versions.Title > c.TitleV {
		c.TitleV = snap.Versions.Title
		if snap.EncryptedTitle != nil {
			title, err := e.decryptWithChatKey(c, snap.EncryptedTitle)
			if err != nil {
				// hidden chats stay locked until the pin is entered; keep
				// the ciphertext version aligned and render no title
				e.log.Warn(ctx, "cannot decrypt title", "chat_id", c.ID, "error", err)
			} else {
				c.Title = title
			}
		}
	}
	if snap.Versions.Draft > c.DraftV {
		c.DraftV = snap.Versions.Draft
		c.Draft = ""
		if snap.EncryptedDraft != nil {
			draft, err := e.decryptWithChatKey(c, snap.EncryptedDraft)
			if err != nil {
				e.log.Warn(ctx, "cannot decrypt draft", "chat_id", c.ID, "error", err)
			} else {
				c.Draft = draft
			}
		}
	}

	if snap.LastEdited > c.LastEdited {
		c.LastEdited = snap.LastEdited
	}
	c.UnreadCount = snap.UnreadCount

	return repo.CreateOrUpdate(ctx, c)
}

// insertIfUnseen stores a message, reporting redelivery of an already-stored
// id as common.ErrDuplicateDelivery so callers can absorb it deliberately.
func (e *Engine) insertIfUnseen(ctx context.Context, repo messages.Repository, chatID, messageID, role string, enc protocol.Encrypted, createdAt int64) error {
	exists, err := repo.Exists(ctx, messageID)
	if err != nil {
		return err
	}
	if exists {
		return common.ErrDuplicateDelivery
	}
	return repo.Insert(ctx, &models.Message{
		ID:         messageID,
		ChatID:     chatID,
		Role:       models.Role(role),
		Ciphertext: enc.Ciphertext,
		Nonce:      enc.Nonce,
		Status:     models.StatusSynced,
		CreatedAt:  createdAt,
	})
}

// applyTitleUpdated applies a title broadcast, last writer wins by counter.
func (e *Engine) applyTitleUpdated(ctx context.Context, p *protocol.ChatTitleUpdatedPayload) error {
	changed := false
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, p.ChatID)
		if err != nil {
			return err
		}
		if p.TitleV <= c.TitleV {
			return nil
		}
		title, err := e.decryptWithChatKey(c, &p.EncryptedTitle)
		if err != nil {
			return err
		}
		c.Title = title
		c.TitleV = p.TitleV
		changed = true
		return repo.CreateOrUpdate(ctx, c)
	})
	if err != nil {
		return err
	}
	if changed {
		e.notifyChatChanged(p.ChatID)
	}
	return nil
}

// applyDraftUpdated applies a draft broadcast. A nil encrypted draft means
// the draft was deleted on another device.
func (e *Engine) applyDraftUpdated(ctx context.Context, p *protocol.ChatDraftUpdatedPayload) error {
	changed := false
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, p.ChatID)
		if err != nil {
			return err
		}
		if p.DraftV <= c.DraftV {
			return nil
		}
		c.Draft = ""
		if p.EncryptedDraft != nil {
			draft, err := e.decryptWithChatKey(c, p.EncryptedDraft)
			if err != nil {
				return err
			}
			c.Draft = draft
		}
		c.DraftV = p.DraftV
		changed = true
		return repo.CreateOrUpdate(ctx, c)
	})
	if err != nil {
		return err
	}
	if changed {
		e.notifyChatChanged(p.ChatID)
	}
	return nil
}

// applyMessageBroadcast stores a message relayed from another device or a
// pending AI response replay. De-duplication is by message id, so a replayed
// broadcast is a no-op and applying it twice equals applying it once.
func (e *Engine) applyMessageBroadcast(ctx context.Context, chatID, messageID, role string, enc protocol.Encrypted, messagesV, createdAt int64) error {
	inserted := false
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		msgRepo := messages.NewSQLiteRepository(tx)
		exists, err := msgRepo.Exists(ctx, messageID)
		if err != nil {
			return err
		}
		if exists {
			return common.ErrDuplicateDelivery
		}

		chatRepo := chats.NewSQLiteRepository(tx)
		c, err := chatRepo.GetByID(ctx, chatID)
		if errors.Is(err, common.ErrorNotFound) {
			// message for a chat this device has not synced yet; the chat
			// arrives with the next initial sync
			c = &models.Chat{ID: chatID, MetadataSent: true}
		} else if err != nil {
			return err
		}

		if err := msgRepo.Insert(ctx, &models.Message{
			ID:         messageID,
			ChatID:     chatID,
			Role:       models.Role(role),
			Ciphertext: enc.Ciphertext,
			Nonce:      enc.Nonce,
			Status:     models.StatusSynced,
			CreatedAt:  createdAt,
		}); err != nil {
			return err
		}

		if messagesV > c.MessagesV {
			c.MessagesV = messagesV
		}
		if createdAt > c.LastEdited {
			c.LastEdited = createdAt
		}
		c.UnreadCount++
		inserted = true
		return chatRepo.CreateOrUpdate(ctx, c)
	})
	if errors.Is(err, common.ErrDuplicateDelivery) {
		e.log.Debug(ctx, "duplicate broadcast absorbed", "message_id", messageID)
		return nil
	}
	if err != nil {
		return err
	}
	if inserted {
		e.notifyChatChanged(chatID)
		e.bus.Publish(events.Event{Type: events.EventMessageAdded, ChatID: chatID, Payload: messageID})
	}
	return nil
}

// applyChatDeleted removes a chat deleted on another device.
func (e *Engine) applyChatDeleted(ctx context.Context, p *protocol.ChatDeletedPayload) error {
	err := dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return deleteChatLocally(ctx, chats.NewSQLiteRepository(tx), messages.NewSQLiteRepository(tx), p.ChatID)
	})
	if err != nil {
		return err
	}
	e.notifyChatChanged(p.ChatID)
	return nil
}

// deleteChatLocally drops a chat and its messages, tolerating a chat that was
// never synced to this device.
func deleteChatLocally(ctx context.Context, chatRepo chats.Repository, msgRepo messages.Repository, chatID string) error {
	if err := msgRepo.DeleteByChat(ctx, chatID); err != nil {
		return err
	}
	if _, err := chatRepo.GetByID(ctx, chatID); errors.Is(err, common.ErrorNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return chatRepo.DeleteByID(ctx, chatID)
}
