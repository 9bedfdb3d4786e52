package protocol

import (
	"encoding/json"
	"testing"

	"github.com/glowingkitty/matesync/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeDeleteDraft, DeleteDraftPayload{ChatID: "c1", DraftV: 3})
	require.NoError(t, err)
	assert.Equal(t, TypeDeleteDraft, env.Type)

	var p DeleteDraftPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "c1", p.ChatID)
	assert.Equal(t, int64(3), p.DraftV)
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	env, err := NewEnvelope(TypePing, nil)
	require.NoError(t, err)
	assert.Equal(t, TypePing, env.Type)
	assert.Empty(t, env.Payload)
}

func TestDecodeServer_Broadcast(t *testing.T) {
	payload := ChatMessageBroadcastPayload{
		ChatID:           "c1",
		MessageID:        "m1",
		Role:             "assistant",
		EncryptedContent: Encrypted{Ciphertext: []byte{1}, Nonce: []byte{2}},
		MessagesV:        7,
	}
	env, err := NewEnvelope(TypeChatMessageAdded, payload)
	require.NoError(t, err)

	decoded, err := DecodeServer(env)
	require.NoError(t, err)

	got, ok := decoded.(*ChatMessageBroadcastPayload)
	require.True(t, ok)
	assert.Equal(t, payload, *got)
}

func TestDecodeServer_UnknownType(t *testing.T) {
	_, err := DecodeServer(Envelope{Type: "future_feature"})
	assert.ErrorIs(t, err, common.ErrUnknownMessageType)
}

func TestDecodeServer_MalformedPayload(t *testing.T) {
	env := Envelope{Type: TypeChatDeleted, Payload: json.RawMessage(`{"chat_id":`)}
	_, err := DecodeServer(env)
	assert.Error(t, err)
}

// Follow-up messages must serialize absent chat metadata as missing fields,
// never as empty strings, so the server does not overwrite stored values.
func TestEncryptedChatMetadata_FollowUpOmitsChatFields(t *testing.T) {
	payload := EncryptedChatMetadataPayload{
		ChatID:           "c1",
		MessageID:        "m2",
		EncryptedContent: Encrypted{Ciphertext: []byte{1}, Nonce: []byte{2}},
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	var asMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &asMap))
	assert.NotContains(t, asMap, "wrapped_chat_key")
	assert.NotContains(t, asMap, "encrypted_title")
	assert.NotContains(t, asMap, "encrypted_icon")
	assert.NotContains(t, asMap, "encrypted_category")
}
