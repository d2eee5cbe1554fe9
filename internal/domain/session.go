package domain

import (
	"errors"
	"sync"
	"time"
)

// ErrSessionClosed is returned when a closed connection tries to bind.
var ErrSessionClosed = errors.New("session is closed")

// ConnState is the lifecycle state of one connection.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateBound
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateBound:
		return "BOUND"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Session is the per-connection state: CONNECTING -> BOUND -> CLOSED.
type Session struct {
	ID           string
	identity     string
	state        ConnState
	CreatedAt    time.Time
	BoundAt      time.Time
	LastActiveAt time.Time
	mu           sync.RWMutex
}

func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		state:        StateConnecting,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Bind moves the session to BOUND with the given identity. Binding an
// already bound session rebinds it.
func (s *Session) Bind(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.identity = identity
	s.state = StateBound
	s.BoundAt = time.Now()
	s.LastActiveAt = s.BoundAt
	return nil
}

// Close moves the session to CLOSED. It reports false if it already was.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	return true
}

func (s *Session) GetState() ConnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) GetIdentity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Session) IsBound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateBound
}

func (s *Session) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}
