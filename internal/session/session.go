// Package session reports whether a user session is currently valid and
// which user it belongs to. Authentication itself happens elsewhere.
package session

import "sync"

// Provider is consulted before every sync cycle. UserID partitions the
// remote store.
type Provider interface {
	Valid() bool
	UserID() string
}

// Static is a Provider whose state is set explicitly.
type Static struct {
	mu     sync.RWMutex
	userID string
	valid  bool
}

// NewStatic returns a session for userID that is valid when userID is not
// empty.
func NewStatic(userID string) *Static {
	return &Static{userID: userID, valid: userID != ""}
}

// Valid implements Provider.
func (s *Static) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid && s.userID != ""
}

// UserID implements Provider.
func (s *Static) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// SignIn makes the session valid for userID.
func (s *Static) SignIn(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.valid = true
}

// SignOut invalidates the session but keeps the user id.
func (s *Static) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}
