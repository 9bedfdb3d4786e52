// Package models defines the client-side data model persisted in the local
// durable store: chats, messages and queued offline changes.
package models

// Role classifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// DeliveryStatus tracks a message through the send pipeline.
type DeliveryStatus string

const (
	StatusSending            DeliveryStatus = "sending"
	StatusSynced             DeliveryStatus = "synced"
	StatusFailed             DeliveryStatus = "failed"
	StatusWaitingForInternet DeliveryStatus = "waiting_for_internet"
	StatusWaitingForUser     DeliveryStatus = "waiting_for_user"
)

// Chat is one conversation. The three version counters are independent and
// monotonic; each increment corresponds to exactly one committed mutation of
// its sub-resource.
type Chat struct {
	// ID is a globally unique identifier for the chat.
	ID string

	// Title is the plaintext title for local display; it travels to the
	// server only encrypted under the chat key.
	Title string

	// MessagesV, TitleV and DraftV are the client-owned monotonic counters.
	MessagesV int64
	TitleV    int64
	DraftV    int64

	// LastEdited is the last-activity unix timestamp (ms), the secondary
	// ordering index for chat-list retrieval.
	LastEdited int64

	// WrappedChatKey is the chat key wrapped under the master key.
	// WrappedChatKeyHidden, when set, is the same chat key wrapped under the
	// hidden-chat combined secret; Hidden says which wrap target is active.
	WrappedChatKey       []byte
	WrappedChatKeyNonce  []byte
	WrappedChatKeyHidden []byte
	WrappedChatKeyHNonce []byte
	Hidden               bool

	// Draft is the plaintext draft for local display.
	Draft string

	UnreadCount int64

	// MetadataSent records that the server holds the wrapped chat key and
	// encrypted title, so follow-up sends can omit them.
	MetadataSent bool
}

// Message is one chat message. Plaintext content is transient (display and
// AI processing only); exactly one encrypted representation is persisted.
type Message struct {
	// ID is globally unique and derivable offline (ULID).
	ID string

	ChatID string
	Role   Role

	// Content is the transient plaintext. Never persisted.
	Content string `json:"-"`

	// Ciphertext and Nonce are the durable encrypted representation.
	Ciphertext []byte
	Nonce      []byte

	Status    DeliveryStatus
	CreatedAt int64
}

// Change types queued in the offline outbox.
const (
	ChangeUpdateTitle = "update_title"
	ChangeUpdateDraft = "update_draft"
	ChangeDeleteDraft = "delete_draft"
	ChangeDeleteChat  = "delete_chat"
)

// OfflineChange is a mutation made while disconnected, kept until the server
// acknowledges its replay.
type OfflineChange struct {
	// ID is a generated change identifier (UUID).
	ID string

	ChatID string

	// Type is one of the Change* constants.
	Type string

	// Payload is the type-specific JSON body sent on replay.
	Payload []byte

	// VersionBeforeEdit is the value of the target counter observed before
	// the edit, used by the server for conflict detection.
	VersionBeforeEdit int64

	CreatedAt int64
}
