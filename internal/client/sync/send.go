package sync

import (
	"context"
	"errors"

	"github.com/glowingkitty/matesync/internal/client/events"
	"github.com/glowingkitty/matesync/internal/client/models"
	"github.com/glowingkitty/matesync/internal/client/repositories/chats"
	"github.com/glowingkitty/matesync/internal/client/repositories/messages"
	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/cryptox"
	"github.com/glowingkitty/matesync/internal/dbx"
	"github.com/glowingkitty/matesync/internal/protocol"
	"github.com/google/uuid"
)

// SendMessage runs Phase 1 of the dual-phase pipeline for a user message:
// the message is encrypted and committed locally (counter bump and content
// in one transaction), then the plaintext plus structural metadata is sent
// so server-side processing can start immediately. No encrypted fields and
// no category travel in Phase 1.
//
// The chat is created on first use: a fresh chat key is generated and
// wrapped under the master key before anything is persisted. Absence of the
// master key aborts the whole operation; nothing is ever sent unencrypted.
func (e *Engine) SendMessage(ctx context.Context, chatID, content string) (*models.Message, error) {
	masterKey, err := e.session.MasterKey()
	if err != nil {
		return nil, err
	}

	var (
		msg            *models.Message
		messagesBefore int64
		chatHasTitle   bool
	)

	err = dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		chatRepo := chats.NewSQLiteRepository(tx)

		c, err := chatRepo.GetByID(ctx, chatID)
		if errors.Is(err, common.ErrorNotFound) {
			c, err = e.newChat(chatID, masterKey)
		}
		if err != nil {
			return err
		}

		key, err := e.chatKey(c)
		if err != nil {
			return err
		}
		defer cryptox.WipeKey(key)

		ciphertext, nonce, err := cryptox.Encrypt([]byte(content), key)
		if err != nil {
			return err
		}

		messagesBefore = c.MessagesV
		chatHasTitle = c.MessagesV > 0

		msg = &models.Message{
			ID:         newMessageID(),
			ChatID:     chatID,
			Role:       models.RoleUser,
			Content:    content,
			Ciphertext: ciphertext,
			Nonce:      nonce,
			Status:     models.StatusSending,
			CreatedAt:  e.nowMillis(),
		}
		if err := messages.NewSQLiteRepository(tx).Insert(ctx, msg); err != nil {
			return err
		}

		c.MessagesV++
		c.LastEdited = msg.CreatedAt
		return chatRepo.CreateOrUpdate(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	e.notifyChatChanged(chatID)
	e.bus.Publish(events.Event{Type: events.EventMessageAdded, ChatID: chatID, Payload: msg.ID})

	payload := protocol.ChatMessageAddedPayload{
		ChatID:       chatID,
		MessageID:    msg.ID,
		Role:         string(msg.Role),
		Content:      content,
		CreatedAt:    msg.CreatedAt,
		ChatHasTitle: chatHasTitle,
		MessagesV:    messagesBefore + 1,
	}
	if err := e.sender.Send(ctx, protocol.TypeChatMessageAdded, payload); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			if uerr := e.store.Messages.UpdateStatus(ctx, msg.ID, models.StatusWaitingForInternet); uerr != nil {
				return msg, uerr
			}
			msg.Status = models.StatusWaitingForInternet
			return msg, nil
		}
		_ = e.store.Messages.UpdateStatus(ctx, msg.ID, models.StatusFailed)
		msg.Status = models.StatusFailed
		return msg, err
	}

	return msg, nil
}

// newChat assembles a fresh chat with a generated chat key wrapped under the
// master key. The caller persists it inside its transaction.
func (e *Engine) newChat(chatID string, masterKey []byte) (*models.Chat, error) {
	chatKey, err := cryptox.GenerateChatKey()
	if err != nil {
		return nil, err
	}
	defer cryptox.WipeKey(chatKey)

	env, err := cryptox.Wrap(chatKey, masterKey)
	if err != nil {
		return nil, err
	}

	return &models.Chat{
		ID:                  chatID,
		WrappedChatKey:      env.Ciphertext,
		WrappedChatKeyNonce: env.Nonce,
	}, nil
}

// MessageMeta carries the optional Phase 2 metadata.
type MessageMeta struct {
	SenderName string
	Category   string
	ModelName  string
	Title      string
	Icon       string
	EmbedIDs   []string
}

// CompleteMessageSend runs Phase 2 once server-side processing finished: the
// fully encrypted package. Chat-level metadata (wrapped chat key, title,
// icon) ships only while the server has never received it; afterwards those
// fields stay absent so already-stored values are never overwritten. The
// handoff is tracked per chat rather than inferred from message counters,
// which keeps it correct when an assistant response lands before Phase 2.
func (e *Engine) CompleteMessageSend(ctx context.Context, messageID string, meta MessageMeta) error {
	msg, err := e.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	c, err := e.store.Chats.GetByID(ctx, msg.ChatID)
	if err != nil {
		return err
	}

	key, err := e.chatKey(c)
	if err != nil {
		return err
	}
	defer cryptox.WipeKey(key)

	payload := protocol.EncryptedChatMetadataPayload{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		EncryptedContent: protocol.Encrypted{
			Ciphertext: msg.Ciphertext,
			Nonce:      msg.Nonce,
		},
		Embeds: meta.EmbedIDs,
	}

	if meta.SenderName != "" {
		if payload.EncryptedSender, err = e.encryptField(meta.SenderName, key); err != nil {
			return err
		}
	}
	if meta.Category != "" {
		if payload.EncryptedCategory, err = e.encryptField(meta.Category, key); err != nil {
			return err
		}
	}
	if meta.ModelName != "" {
		if payload.EncryptedModelName, err = e.encryptField(meta.ModelName, key); err != nil {
			return err
		}
	}

	// brand-new chat: ship the wrapped chat key and encrypted chat metadata
	// exactly once
	if !c.MetadataSent {
		payload.WrappedChatKey = &cryptox.Envelope{
			Ciphertext: c.WrappedChatKey,
			Nonce:      c.WrappedChatKeyNonce,
		}
		title := meta.Title
		if title == "" {
			title = c.Title
		}
		if title != "" {
			if payload.EncryptedTitle, err = e.encryptField(title, key); err != nil {
				return err
			}
		}
		if meta.Icon != "" {
			if payload.EncryptedIcon, err = e.encryptField(meta.Icon, key); err != nil {
				return err
			}
		}
	}

	if err := e.sender.Send(ctx, protocol.TypeEncryptedChatMetadata, payload); err != nil {
		return err
	}

	if payload.WrappedChatKey != nil {
		// reread inside the transaction so a counter bumped since the
		// earlier load is not clobbered by the whole-row upsert
		err = dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
			chatRepo := chats.NewSQLiteRepository(tx)
			cur, err := chatRepo.GetByID(ctx, msg.ChatID)
			if err != nil {
				return err
			}
			cur.MetadataSent = true
			return chatRepo.CreateOrUpdate(ctx, cur)
		})
		if err != nil {
			return err
		}
	}

	if err := e.store.Messages.UpdateStatus(ctx, messageID, models.StatusSynced); err != nil {
		return err
	}
	e.cache.InvalidateChat(msg.ChatID)
	return nil
}

// CompleteAIResponse stores and ships a finished assistant response. It uses
// the ai_response_completed type so the server does not reinterpret the
// content as new input, and the client (not the server) increments
// messages_v, mirroring user-message versioning. A per-message in-flight
// marker prevents duplicate concurrent sends racing on the same identifier.
func (e *Engine) CompleteAIResponse(ctx context.Context, chatID, messageID, content, modelName string) error {
	e.mu.Lock()
	if e.inflight[messageID] {
		e.mu.Unlock()
		return nil
	}
	e.inflight[messageID] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, messageID)
		e.mu.Unlock()
	}()

	// redelivery guard: the response may already be stored
	exists, err := e.store.Messages.Exists(ctx, messageID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	var (
		msg       *models.Message
		messagesV int64
	)
	err = dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		chatRepo := chats.NewSQLiteRepository(tx)
		c, err := chatRepo.GetByID(ctx, chatID)
		if err != nil {
			return err
		}

		key, err := e.chatKey(c)
		if err != nil {
			return err
		}
		defer cryptox.WipeKey(key)

		ciphertext, nonce, err := cryptox.Encrypt([]byte(content), key)
		if err != nil {
			return err
		}

		msg = &models.Message{
			ID:         messageID,
			ChatID:     chatID,
			Role:       models.RoleAssistant,
			Ciphertext: ciphertext,
			Nonce:      nonce,
			Status:     models.StatusSending,
			CreatedAt:  e.nowMillis(),
		}
		if err := messages.NewSQLiteRepository(tx).Insert(ctx, msg); err != nil {
			return err
		}

		c.MessagesV++
		c.LastEdited = msg.CreatedAt
		messagesV = c.MessagesV
		return chatRepo.CreateOrUpdate(ctx, c)
	})
	if err != nil {
		return err
	}

	e.notifyChatChanged(chatID)
	e.bus.Publish(events.Event{Type: events.EventMessageAdded, ChatID: chatID, Payload: messageID})

	payload := protocol.AIResponseCompletedPayload{
		ChatID:           chatID,
		MessageID:        messageID,
		EncryptedContent: protocol.Encrypted{Ciphertext: msg.Ciphertext, Nonce: msg.Nonce},
		MessagesV:        messagesV,
		CreatedAt:        msg.CreatedAt,
	}
	if modelName != "" {
		c, err := e.store.Chats.GetByID(ctx, chatID)
		if err != nil {
			return err
		}
		key, err := e.chatKey(c)
		if err != nil {
			return err
		}
		payload.EncryptedModelName, err = e.encryptField(modelName, key)
		cryptox.WipeKey(key)
		if err != nil {
			return err
		}
	}

	if err := e.sender.Send(ctx, protocol.TypeAIResponseCompleted, payload); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			return e.store.Messages.UpdateStatus(ctx, messageID, models.StatusWaitingForInternet)
		}
		return err
	}
	return e.store.Messages.UpdateStatus(ctx, messageID, models.StatusSynced)
}

// StoreEmbed encrypts embed content under a fresh item key and ships both
// the content and the key envelopes: the item key wrapped under the master
// key for cross-chat reuse and under the chat key for single-chat sharing.
func (e *Engine) StoreEmbed(ctx context.Context, chatID string, content []byte) (string, error) {
	masterKey, err := e.session.MasterKey()
	if err != nil {
		return "", err
	}

	c, err := e.store.Chats.GetByID(ctx, chatID)
	if err != nil {
		return "", err
	}
	chatKey, err := e.chatKey(c)
	if err != nil {
		return "", err
	}
	defer cryptox.WipeKey(chatKey)

	itemKey, err := cryptox.GenerateItemKey()
	if err != nil {
		return "", err
	}
	defer cryptox.WipeKey(itemKey)

	ciphertext, nonce, err := cryptox.Encrypt(content, itemKey)
	if err != nil {
		return "", err
	}

	forMaster, err := cryptox.Wrap(itemKey, masterKey)
	if err != nil {
		return "", err
	}
	forChat, err := cryptox.Wrap(itemKey, chatKey)
	if err != nil {
		return "", err
	}

	embedID := uuid.NewString()

	err = e.sender.Send(ctx, protocol.TypeStoreEmbed, protocol.StoreEmbedPayload{
		EmbedID:          embedID,
		ChatID:           chatID,
		EncryptedContent: protocol.Encrypted{Ciphertext: ciphertext, Nonce: nonce},
	})
	if err != nil {
		return "", err
	}

	err = e.sender.Send(ctx, protocol.TypeStoreEmbedKeys, protocol.StoreEmbedKeysPayload{
		EmbedID:         embedID,
		KeyForMasterKey: *forMaster,
		KeyForChatKey:   forChat,
		ChatID:          chatID,
	})
	if err != nil {
		return "", err
	}

	return embedID, nil
}

// resendPendingMessages retries Phase 1 for messages stranded by a
// disconnect. Plaintext is transient and gone after a restart, so stranded
// messages whose plaintext is no longer available stay waiting for the user
// to retry explicitly.
func (e *Engine) resendPendingMessages(ctx context.Context) error {
	list, err := e.store.Chats.ListByLastEdited(ctx)
	if err != nil {
		return err
	}

	for _, c := range list {
		msgs, err := e.store.Messages.ListByChat(ctx, c.ID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Status != models.StatusWaitingForInternet {
				continue
			}

			if m.Role == models.RoleAssistant {
				// assistant responses replay through their own type so the
				// server does not treat them as new input
				if err := e.sender.Send(ctx, protocol.TypeAIResponseCompleted, protocol.AIResponseCompletedPayload{
					ChatID:           m.ChatID,
					MessageID:        m.ID,
					EncryptedContent: protocol.Encrypted{Ciphertext: m.Ciphertext, Nonce: m.Nonce},
					MessagesV:        c.MessagesV,
					CreatedAt:        m.CreatedAt,
				}); err != nil {
					return err
				}
				if err := e.store.Messages.UpdateStatus(ctx, m.ID, models.StatusSynced); err != nil {
					return err
				}
				continue
			}

			plaintext, err := e.DecryptMessage(ctx, &m)
			if err != nil {
				e.log.Warn(ctx, "cannot recover pending message plaintext", "message_id", m.ID, "error", err)
				if uerr := e.store.Messages.UpdateStatus(ctx, m.ID, models.StatusWaitingForUser); uerr != nil {
					return uerr
				}
				continue
			}

			if err := e.sender.Send(ctx, protocol.TypeChatMessageAdded, protocol.ChatMessageAddedPayload{
				ChatID:       m.ChatID,
				MessageID:    m.ID,
				Role:         string(m.Role),
				Content:      plaintext,
				CreatedAt:    m.CreatedAt,
				ChatHasTitle: c.MessagesV > 1,
				MessagesV:    c.MessagesV,
			}); err != nil {
				return err
			}
			if err := e.store.Messages.UpdateStatus(ctx, m.ID, models.StatusSending); err != nil {
				return err
			}
		}
	}
	return nil
}
