// Package session holds the per-run security state of the client: the
// derived master key (memory only, never persisted) and the access token
// that gates the transport connection.
package session

import (
	"sync"
	"time"

	"github.com/glowingkitty/matesync/internal/common"
	"github.com/glowingkitty/matesync/internal/cryptox"
	"github.com/golang-jwt/jwt/v5"
)

// Session is read-mostly shared state: the master key is set once after
// derivation, the token whenever auth refreshes it.
type Session struct {
	mu          sync.RWMutex
	masterKey   []byte
	accessToken string
	tokenExp    time.Time

	userName string
}

// New returns an empty, unauthenticated session.
func New(userName string) *Session {
	return &Session{userName: userName}
}

// UserName returns the account name the session was opened for.
func (s *Session) UserName() string {
	return s.userName
}

// SetMasterKey installs the derived master key.
func (s *Session) SetMasterKey(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterKey = key
}

// MasterKey returns the master key, or common.ErrKeyUnavailable when it has
// not been derived. Operations requiring it must abort on that error rather
// than proceed unencrypted.
func (s *Session) MasterKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.masterKey) == 0 {
		return nil, common.ErrKeyUnavailable
	}
	return s.masterKey, nil
}

// SetAccessToken stores the token and caches its expiry claim. The signature
// is not verified here; the server is the verifier, the client only needs
// the exp claim to know when the session stops being authenticated.
func (s *Session) SetAccessToken(token string) error {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return common.ErrUnauthorized
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return common.ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = token
	s.tokenExp = exp.Time
	return nil
}

// AccessToken returns the current token ("" when unauthenticated).
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// Authenticated reports whether a non-expired access token is present.
// The transport consults this before any connection attempt.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken != "" && time.Now().Before(s.tokenExp)
}

// Clear wipes the master key and drops the token (logout).
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cryptox.WipeKey(s.masterKey)
	s.masterKey = nil
	s.accessToken = ""
	s.tokenExp = time.Time{}
}
