// Package cryptox implements the three-tier key hierarchy of the sync
// engine: a master key derived from the user's passphrase, one chat key per
// conversation and one item key per embed. Chat and item keys only ever
// leave the process wrapped (encrypted) under another key of the hierarchy.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/glowingkitty/matesync/internal/common"
	"golang.org/x/crypto/argon2"
)

// KeySize is the size in bytes of every symmetric key in the hierarchy
// (AES-256).
const KeySize = 32

const nonceSize = 12

// Envelope is a wrapped (encrypted) key: AEAD ciphertext plus the nonce it
// was sealed with. Only envelopes are persisted or transmitted, never raw
// chat/item key material.
type Envelope struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// DeriveMasterKey derives the per-user master key from a passphrase and
// salt using argon2id. The same inputs always produce the same key, so the
// master key never needs to be stored anywhere.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// HiddenChatSecret derives the combined secret used as the wrap target for
// chat keys of hidden chats. Re-wrapping a chat key from the master key to
// this secret (or back) hides/unhides the chat without re-encrypting any of
// its content.
func HiddenChatSecret(masterKey []byte, pin []byte) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, common.ErrKeyUnavailable
	}
	return argon2.IDKey(pin, masterKey, 1, 64*1024, 4, KeySize), nil
}

// GenerateChatKey returns a fresh random per-conversation key.
func GenerateChatKey() ([]byte, error) {
	return randomKey()
}

// GenerateItemKey returns a fresh random per-embed key.
func GenerateItemKey() ([]byte, error) {
	return randomKey()
}

func randomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with AES-GCM. A new random nonce is
// generated on every call, so encrypting identical plaintext twice yields
// different ciphertext.
func Encrypt(plaintext []byte, key []byte) (ciphertext, nonce []byte, err error) {
	if len(key) == 0 {
		return nil, nil, common.ErrKeyUnavailable
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = aesgcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt. A key mismatch or corrupted
// input returns common.ErrDecryptFailed so callers can distinguish "wrong
// key" from "not yet available" (common.ErrKeyUnavailable).
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, common.ErrKeyUnavailable
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptFailed, err)
	}
	return plaintext, nil
}

// Wrap encrypts key under wrappingKey, producing an envelope safe to persist
// or transmit.
func Wrap(key []byte, wrappingKey []byte) (*Envelope, error) {
	ciphertext, nonce, err := Encrypt(key, wrappingKey)
	if err != nil {
		return nil, err
	}
	return &Envelope{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Unwrap recovers the key inside an envelope. Unwrapping with the wrong key
// returns common.ErrDecryptFailed.
func Unwrap(env *Envelope, wrappingKey []byte) ([]byte, error) {
	if env == nil {
		return nil, common.ErrKeyUnavailable
	}
	return Decrypt(env.Ciphertext, env.Nonce, wrappingKey)
}

// WipeKey overwrites key material with zeros. Nil slices are ignored.
func WipeKey(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
