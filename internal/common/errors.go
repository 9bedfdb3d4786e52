// Package common defines shared constants and sentinel errors used across
// the sync engine. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Transport-level errors.
	ErrNotConnected = errors.New("not connected")
	ErrUnauthorized = errors.New("unauthorized")

	// Crypto errors. ErrKeyUnavailable means the master key (or a chat/item
	// key) is not present in memory; the operation must abort rather than
	// fall back to sending unencrypted data.
	ErrKeyUnavailable = errors.New("key unavailable")
	ErrDecryptFailed  = errors.New("decrypt failed")

	// Protocol errors.
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrVersionConflict    = errors.New("version conflict")

	// Duplicate delivery is detected and absorbed, never surfaced to the
	// user; the sentinel exists so handlers can distinguish it in logs.
	ErrDuplicateDelivery = errors.New("duplicate delivery")
)
