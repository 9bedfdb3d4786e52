// Package protocol defines the wire contract between the sync client and the
// chat server: a type-tagged JSON envelope plus one payload struct per
// message type.
//
// The package is intentionally dependency-light. It is the single
// authoritative description of the protocol; adding a message type means
// adding a constant, a payload struct and a case in DecodeServer.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/cryptox"
)

// Client → server message types (wire-stable).
const (
	TypeInitialSyncRequest      = "initial_sync_request"
	TypeUpdateTitle             = "update_title"
	TypeUpdateDraft             = "update_draft"
	TypeDeleteDraft             = "delete_draft"
	TypeDeleteChat              = "delete_chat"
	TypeChatMessageAdded        = "chat_message_added"
	TypeEncryptedChatMetadata   = "encrypted_chat_metadata"
	TypeAIResponseCompleted     = "ai_response_completed"
	TypeSetActiveChat           = "set_active_chat"
	TypeCancelAITask            = "cancel_ai_task"
	TypeSyncOfflineChanges      = "sync_offline_changes"
	TypePing                    = "ping"
	TypeStoreEmbed              = "store_embed"
	TypeStoreEmbedKeys          = "store_embed_keys"
	TypeMemoriesConfirmed       = "app_settings_memories_confirmed"
)

// Server → client message types (wire-stable).
const (
	TypeInitialSyncResponse   = "initial_sync_response"
	TypeChatTitleUpdated      = "chat_title_updated"
	TypeChatDraftUpdated      = "chat_draft_updated"
	TypeChatDeleted           = "chat_deleted"
	TypeOfflineSyncComplete   = "offline_sync_complete"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeRequestMemories       = "request_app_settings_memories"
	TypePendingAIResponse     = "pending_ai_response"
	TypeReminderFired         = "reminder_fired"
	TypeDismissMemoriesDialog = "dismiss_app_settings_memories_dialog"
)

// Envelope is the canonical wire wrapper: a type tag plus a raw payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it with the given type tag.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Encrypted is AEAD ciphertext for a single field, with the nonce it was
// sealed under. The server stores and relays it opaquely.
type Encrypted struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// ChatVersions carries the three independent per-chat counters.
type ChatVersions struct {
	Messages int64 `json:"messages_v"`
	Title    int64 `json:"title_v"`
	Draft    int64 `json:"draft_v"`
}

// ---- Client → server payloads ----

// InitialSyncRequestPayload reports the client's last known versions so the
// server can respond with only what changed.
type InitialSyncRequestPayload struct {
	Versions map[string]ChatVersions `json:"versions"`
}

type UpdateTitlePayload struct {
	ChatID         string    `json:"chat_id"`
	EncryptedTitle Encrypted `json:"encrypted_title"`
	TitleV         int64     `json:"title_v"`
}

type UpdateDraftPayload struct {
	ChatID         string    `json:"chat_id"`
	EncryptedDraft Encrypted `json:"encrypted_draft"`
	DraftV         int64     `json:"draft_v"`
}

type DeleteDraftPayload struct {
	ChatID string `json:"chat_id"`
	DraftV int64  `json:"draft_v"`
}

type DeleteChatPayload struct {
	ChatID string `json:"chat_id"`
}

// ChatMessageAddedPayload is Phase 1 of the dual-phase send: plaintext
// content plus structural metadata only, so server-side processing can start
// immediately. No category and no encrypted fields travel in Phase 1.
type ChatMessageAddedPayload struct {
	ChatID       string `json:"chat_id"`
	MessageID    string `json:"message_id"`
	Role         string `json:"role"`
	Content      string `json:"content"`
	CreatedAt    int64  `json:"created_at"`
	ChatHasTitle bool   `json:"chat_has_title"`
	MessagesV    int64  `json:"messages_v"`
}

// EncryptedChatMetadataPayload is Phase 2: the fully encrypted package sent
// once server-side processing has completed. Chat-level fields are pointers
// and MUST stay nil for follow-up messages so the server never overwrites
// already-stored values; they are populated only for a brand-new chat.
type EncryptedChatMetadataPayload struct {
	ChatID             string            `json:"chat_id"`
	MessageID          string            `json:"message_id"`
	EncryptedContent   Encrypted         `json:"encrypted_content"`
	EncryptedSender    *Encrypted        `json:"encrypted_sender_name,omitempty"`
	EncryptedCategory  *Encrypted        `json:"encrypted_category,omitempty"`
	EncryptedModelName *Encrypted        `json:"encrypted_model_name,omitempty"`
	Embeds             []string          `json:"embeds,omitempty"`
	WrappedChatKey     *cryptox.Envelope `json:"wrapped_chat_key,omitempty"`
	EncryptedTitle     *Encrypted        `json:"encrypted_title,omitempty"`
	EncryptedIcon      *Encrypted        `json:"encrypted_icon,omitempty"`
}

// AIResponseCompletedPayload ships a finished assistant response through a
// type distinct from chat_message_added so the server does not reinterpret
// it as new input requiring processing.
type AIResponseCompletedPayload struct {
	ChatID             string     `json:"chat_id"`
	MessageID          string     `json:"message_id"`
	EncryptedContent   Encrypted  `json:"encrypted_content"`
	EncryptedModelName *Encrypted `json:"encrypted_model_name,omitempty"`
	MessagesV          int64      `json:"messages_v"`
	CreatedAt          int64      `json:"created_at"`
}

type SetActiveChatPayload struct {
	ChatID string `json:"chat_id"`
}

type CancelAITaskPayload struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// OfflineChangeItem is one queued mutation replayed after a reconnect.
// VersionBeforeEdit is the counter value observed before the edit; the
// server uses it for conflict detection.
type OfflineChangeItem struct {
	ID                string          `json:"id"`
	ChatID            string          `json:"chat_id"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	VersionBeforeEdit int64           `json:"version_before_edit"`
}

type SyncOfflineChangesPayload struct {
	Changes []OfflineChangeItem `json:"changes"`
}

type StoreEmbedPayload struct {
	EmbedID          string    `json:"embed_id"`
	ChatID           string    `json:"chat_id"`
	EncryptedContent Encrypted `json:"encrypted_content"`
}

// StoreEmbedKeysPayload ships both wrap targets of an item key: under the
// master key for cross-chat reuse by the owner, and under the chat key so
// chat collaborators can open the embed without the owner's master key.
type StoreEmbedKeysPayload struct {
	EmbedID          string            `json:"embed_id"`
	KeyForMasterKey  cryptox.Envelope  `json:"key_for_master_key"`
	KeyForChatKey    *cryptox.Envelope `json:"key_for_chat_key,omitempty"`
	ChatID           string            `json:"chat_id,omitempty"`
}

type MemoriesConfirmedPayload struct {
	RequestID string   `json:"request_id"`
	MemoryIDs []string `json:"memory_ids"`
}

// ---- Server → client payloads ----

// ChatSnapshot is the server's view of one chat in the initial sync.
type ChatSnapshot struct {
	ChatID               string            `json:"chat_id"`
	EncryptedTitle       *Encrypted        `json:"encrypted_title,omitempty"`
	EncryptedDraft       *Encrypted        `json:"encrypted_draft,omitempty"`
	Versions             ChatVersions      `json:"versions"`
	LastEdited           int64             `json:"last_edited"`
	UnreadCount          int64             `json:"unread_count"`
	WrappedChatKey       *cryptox.Envelope `json:"wrapped_chat_key,omitempty"`
	WrappedChatKeyHidden *cryptox.Envelope `json:"wrapped_chat_key_hidden,omitempty"`
	Deleted              bool              `json:"deleted,omitempty"`
}

// MessageSnapshot is one stored message relayed by the server.
type MessageSnapshot struct {
	MessageID        string    `json:"message_id"`
	ChatID           string    `json:"chat_id"`
	Role             string    `json:"role"`
	EncryptedContent Encrypted `json:"encrypted_content"`
	CreatedAt        int64     `json:"created_at"`
}

type InitialSyncResponsePayload struct {
	Chats    []ChatSnapshot    `json:"chats"`
	Messages []MessageSnapshot `json:"messages,omitempty"`
}

type ChatTitleUpdatedPayload struct {
	ChatID         string    `json:"chat_id"`
	EncryptedTitle Encrypted `json:"encrypted_title"`
	TitleV         int64     `json:"title_v"`
}

type ChatDraftUpdatedPayload struct {
	ChatID         string     `json:"chat_id"`
	EncryptedDraft *Encrypted `json:"encrypted_draft,omitempty"`
	DraftV         int64      `json:"draft_v"`
}

// ChatMessageBroadcastPayload is the server-side broadcast that shares the
// chat_message_added type tag with the Phase 1 request but carries the
// authoritative version and ciphertext instead of plaintext.
type ChatMessageBroadcastPayload struct {
	ChatID           string    `json:"chat_id"`
	MessageID        string    `json:"message_id"`
	Role             string    `json:"role"`
	EncryptedContent Encrypted `json:"encrypted_content"`
	MessagesV        int64     `json:"messages_v"`
	CreatedAt        int64     `json:"created_at"`
}

type ChatDeletedPayload struct {
	ChatID string `json:"chat_id"`
}

// OfflineChangeResult is the server's per-item verdict on a replayed change.
// When rejected, AuthoritativeVersion (and, where applicable, the current
// encrypted payload) reflect the winning state the client must adopt.
type OfflineChangeResult struct {
	ChangeID             string     `json:"change_id"`
	Accepted             bool       `json:"accepted"`
	AuthoritativeVersion int64      `json:"authoritative_version"`
	EncryptedPayload     *Encrypted `json:"encrypted_payload,omitempty"`
}

type OfflineSyncCompletePayload struct {
	Results []OfflineChangeResult `json:"results"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RequestMemoriesPayload struct {
	RequestID string `json:"request_id"`
}

// PendingAIResponsePayload replays an assistant response the client may have
// missed while disconnected. It can duplicate an earlier real-time
// broadcast, so handlers must de-duplicate by MessageID.
type PendingAIResponsePayload struct {
	ChatID           string    `json:"chat_id"`
	MessageID        string    `json:"message_id"`
	EncryptedContent Encrypted `json:"encrypted_content"`
	MessagesV        int64     `json:"messages_v"`
	CreatedAt        int64     `json:"created_at"`
}

type ReminderFiredPayload struct {
	ReminderID       string     `json:"reminder_id"`
	ChatID           string     `json:"chat_id"`
	EncryptedContent *Encrypted `json:"encrypted_content,omitempty"`
	FiredAt          int64      `json:"fired_at"`
}

type DismissMemoriesDialogPayload struct{}

// DecodeServer decodes a server → client envelope into its typed payload.
// Unrecognized types return common.ErrUnknownMessageType; callers log and
// ignore them rather than treating them as fatal.
func DecodeServer(env Envelope) (any, error) {
	switch env.Type {
	case TypeInitialSyncResponse:
		return decode[InitialSyncResponsePayload](env)
	case TypeChatTitleUpdated:
		return decode[ChatTitleUpdatedPayload](env)
	case TypeChatDraftUpdated:
		return decode[ChatDraftUpdatedPayload](env)
	case TypeChatMessageAdded:
		return decode[ChatMessageBroadcastPayload](env)
	case TypeChatDeleted:
		return decode[ChatDeletedPayload](env)
	case TypeOfflineSyncComplete:
		return decode[OfflineSyncCompletePayload](env)
	case TypePong:
		return decode[struct{}](env)
	case TypeError:
		return decode[ErrorPayload](env)
	case TypeRequestMemories:
		return decode[RequestMemoriesPayload](env)
	case TypePendingAIResponse:
		return decode[PendingAIResponsePayload](env)
	case TypeReminderFired:
		return decode[ReminderFiredPayload](env)
	case TypeDismissMemoriesDialog:
		return decode[DismissMemoriesDialogPayload](env)
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrUnknownMessageType, env.Type)
	}
}

func decode[T any](env Envelope) (*T, error) {
	var payload T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
		}
	}
	return &payload, nil
}
