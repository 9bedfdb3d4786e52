package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glowingkitty/matesync/internal/client/events"
	"github.com/glowingkitty/matesync/internal/client/models"
	"github.com/glowingkitty/matesync/internal/client/repositories/chats"
	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/cryptox"
	"github.com/glowingkitty/matesync/internal/dbx"
	"github.com/glowingkitty/matesync/internal/protocol"
	"github.com/google/uuid"
)

// queueOffline persists a mutation that could not be sent. The local edit is
// already committed at this point; only its propagation is deferred.
func (e *Engine) queueOffline(ctx context.Context, chatID, changeType string, payload any, versionBefore int64) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	change := &models.OfflineChange{
		ID:                uuid.NewString(),
		ChatID:            chatID,
		Type:              changeType,
		Payload:           raw,
		VersionBeforeEdit: versionBefore,
		CreatedAt:         e.nowMillis(),
	}
	if err := e.store.Outbox.Insert(ctx, change); err != nil {
		return err
	}
	e.log.Info(ctx, "mutation queued offline", "chat_id", chatID, "type", changeType)
	return nil
}

// ReplayOutbox ships all queued changes in one sync_offline_changes batch.
// Entries stay in the queue until the server's offline_sync_complete names
// them; a crash or disconnect mid-replay therefore replays them again, which
// is safe because the server de-duplicates by change id.
func (e *Engine) ReplayOutbox(ctx context.Context) error {
	queued, err := e.store.Outbox.GetAll(ctx)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	items := make([]protocol.OfflineChangeItem, 0, len(queued))
	for _, c := range queued {
		items = append(items, protocol.OfflineChangeItem{
			ID:                c.ID,
			ChatID:            c.ChatID,
			Type:              c.Type,
			Payload:           c.Payload,
			VersionBeforeEdit: c.VersionBeforeEdit,
		})
	}

	e.log.Info(ctx, "replaying offline changes", "count", len(items))
	return e.sender.Send(ctx, protocol.TypeSyncOfflineChanges, protocol.SyncOfflineChangesPayload{Changes: items})
}

// applyOfflineSyncComplete processes the server's per-change verdicts.
// Accepted changes are simply removed from the queue. Rejected changes lost
// the write race while this client was away: the server's authoritative
// version and payload are adopted, never re-pushed.
func (e *Engine) applyOfflineSyncComplete(ctx context.Context, p *protocol.OfflineSyncCompletePayload) error {
	queued, err := e.store.Outbox.GetAll(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]models.OfflineChange, len(queued))
	for _, c := range queued {
		byID[c.ID] = c
	}

	touched := make(map[string]bool)

	for _, res := range p.Results {
		change, ok := byID[res.ChangeID]
		if !ok {
			e.log.Warn(ctx, "ack for unknown offline change", "change_id", res.ChangeID)
			continue
		}

		if !res.Accepted {
			conflict := fmt.Errorf("%w: offline %s superseded on chat %s",
				common.ErrVersionConflict, change.Type, change.ChatID)
			e.log.Warn(ctx, "offline change lost the write race",
				"change_id", res.ChangeID, "error", conflict)
			e.bus.Publish(events.Event{
				Type:    events.EventErrorNotification,
				ChatID:  change.ChatID,
				Payload: conflict,
			})
			if err := e.adoptServerVersion(ctx, change, res); err != nil {
				return err
			}
			touched[change.ChatID] = true
		}

		if err := e.store.Outbox.DeleteByID(ctx, res.ChangeID); err != nil {
			return err
		}
	}

	for chatID := range touched {
		e.notifyChatChanged(chatID)
	}
	return nil
}

// adoptServerVersion overwrites local state with the server's winning value
// for one rejected change.
func (e *Engine) adoptServerVersion(ctx context.Context, change models.OfflineChange, res protocol.OfflineChangeResult) error {
	return dbx.WithTx(ctx, e.store.DB, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := chats.NewSQLiteRepository(tx)
		c, err := repo.GetByID(ctx, change.ChatID)
		if errors.Is(err, common.ErrorNotFound) {
			// rejected change on a chat deleted elsewhere; nothing to adopt
			return nil
		}
		if err != nil {
			return err
		}

		switch change.Type {
		case models.ChangeUpdateTitle:
			c.TitleV = res.AuthoritativeVersion
			if res.EncryptedPayload != nil {
				title, err := e.decryptWithChatKey(c, res.EncryptedPayload)
				if err != nil {
					return err
				}
				c.Title = title
			}
		case models.ChangeUpdateDraft, models.ChangeDeleteDraft:
			c.DraftV = res.AuthoritativeVersion
			if res.EncryptedPayload != nil {
				draft, err := e.decryptWithChatKey(c, res.EncryptedPayload)
				if err != nil {
					return err
				}
				c.Draft = draft
			} else {
				c.Draft = ""
			}
		case models.ChangeDeleteChat:
			// the chat survived on the server; keep it and align messages_v
			c.MessagesV = res.AuthoritativeVersion
		default:
			e.log.Warn(ctx, "rejected change of unknown type", "type", change.Type)
			return nil
		}

		return repo.CreateOrUpdate(ctx, c)
	})
}

func (e *Engine) decryptWithChatKey(c *models.Chat, enc *protocol.Encrypted) (string, error) {
	key, err := e.chatKey(c)
	if err != nil {
		return "", err
	}
	defer cryptox.WipeKey(key)

	plaintext, err := cryptox.Decrypt(enc.Ciphertext, enc.Nonce, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
