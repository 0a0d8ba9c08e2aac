package deviceflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session statuses.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusTimeout   = "timeout"
	StatusError     = "error"
)

// Session is one in-flight device-code authorization. Sessions live in
// process memory only and expire after five minutes.
type Session struct {
	AuthID          string
	ClientID        string
	ClientSecret    string
	DeviceCode      string
	Interval        int
	ExpiresIn       int
	VerificationURI string
	UserCode        string
	StartTime       time.Time
	Status          string
	AccountID       string
	Err             string

	done chan struct{}
}

// Done closes when the session reaches a terminal status.
func (s *Session) Done() <-chan struct{} { return s.done }

// Sessions is the in-memory registry keyed by auth id.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewSessions builds an empty registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Session), now: time.Now}
}

// Create registers a pending session for a started flow.
func (s *Sessions) Create(reg *Registration, auth *DeviceAuthorization) *Session {
	session := &Session{
		AuthID:          uuid.New().String(),
		ClientID:        reg.ClientID,
		ClientSecret:    reg.ClientSecret,
		DeviceCode:      auth.DeviceCode,
		Interval:        auth.Interval,
		ExpiresIn:       auth.ExpiresIn,
		VerificationURI: auth.VerificationURIComplete,
		UserCode:        auth.UserCode,
		StartTime:       s.now(),
		Status:          StatusPending,
		done:            make(chan struct{}),
	}
	if session.VerificationURI == "" {
		session.VerificationURI = auth.VerificationURI
	}

	s.mu.Lock()
	s.sweepLocked()
	s.sessions[session.AuthID] = session
	s.mu.Unlock()
	return session
}

// Get looks a session up, sweeping expired ones first.
func (s *Sessions) Get(authID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	session, ok := s.sessions[authID]
	return session, ok
}

// Complete marks a session finished with its new account.
func (s *Sessions) Complete(authID, accountID string) {
	s.finish(authID, StatusCompleted, accountID, "")
}

// Fail marks a session terminal with an error status.
func (s *Sessions) Fail(authID, status, errMsg string) {
	s.finish(authID, status, "", errMsg)
}

func (s *Sessions) finish(authID, status, accountID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[authID]
	if !ok || session.Status != StatusPending {
		return
	}
	session.Status = status
	session.AccountID = accountID
	session.Err = errMsg
	close(session.done)
}

// sweepLocked times out pending sessions past the TTL and drops terminal
// ones after a second TTL so status polls can still observe the outcome.
func (s *Sessions) sweepLocked() {
	now := s.now()
	for id, session := range s.sessions {
		age := now.Sub(session.StartTime)
		if age > authCeiling && session.Status == StatusPending {
			session.Status = StatusTimeout
			close(session.done)
		}
		if age > 2*authCeiling {
			delete(s.sessions, id)
		}
	}
}
