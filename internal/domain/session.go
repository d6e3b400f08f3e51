package domain

import (
	"fmt"
	"strings"
	"time"
)

type SessionID string
type SessionStatus string

const (
	SessionStatusIdle SessionStatus = "idle"
	SessionStatusBusy SessionStatus = "busy"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusIdle, SessionStatusBusy:
		return true
	default:
		return false
	}
}

// PooledSession is the store-side record of one leased automation resource.
// ResourceKey is informational only and never used for matching.
type PooledSession struct {
	ID          SessionID     `json:"sessionId"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"createdAt"`
	LastUsedAt  time.Time     `json:"lastUsedAt"`
	ResourceKey string        `json:"resourceKey,omitempty"`
}

func NewPooledSession(id SessionID, now time.Time, resourceKey string) PooledSession {
	return PooledSession{
		ID:          id,
		Status:      SessionStatusBusy,
		CreatedAt:   now,
		LastUsedAt:  now,
		ResourceKey: strings.TrimSpace(resourceKey),
	}
}

func (s PooledSession) Validate() error {
	if strings.TrimSpace(string(s.ID)) == "" {
		return fmt.Errorf("session id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("unsupported session status %q", s.Status)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("created at is required")
	}

	return nil
}

// MarkBusy flips the session to busy. An empty resourceKey keeps the previous one.
func (s *PooledSession) MarkBusy(now time.Time, resourceKey string) {
	if s == nil {
		return
	}

	s.Status = SessionStatusBusy
	s.LastUsedAt = now
	if trimmed := strings.TrimSpace(resourceKey); trimmed != "" {
		s.ResourceKey = trimmed
	}
}

func (s *PooledSession) MarkIdle(now time.Time) {
	if s == nil {
		return
	}

	s.Status = SessionStatusIdle
	s.LastUsedAt = now
}

// Lease is the outcome of a successful acquire.
type Lease struct {
	SessionID SessionID `json:"sessionId"`
	Reused    bool      `json:"reused"`
}
