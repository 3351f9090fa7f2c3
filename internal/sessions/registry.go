package sessions

import (
	"errors"
	"sync"
	"time"

	"langapp-coordinator/internal/metrics"
)

var (
	ErrSessionExists       = errors.New("session id already used")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session closed")
	ErrInvalidParticipants = errors.New("a session needs two distinct participants")
	ErrParticipantBusy     = errors.New("participant already in an active session")
	ErrUnauthorizedRelay   = errors.New("not a participant of this session")
)

type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Close reasons.
const (
	ReasonEnded      = "ended"
	ReasonDisconnect = "disconnect"
	ReasonIdle       = "idle"
	ReasonShutdown   = "shutdown"
)

type Session struct {
	ID             string    `json:"session_id"`
	MatchID        string    `json:"match_id,omitempty"`
	Participants   [2]string `json:"participants"`
	NativeLanguage string    `json:"native_language,omitempty"`
	TargetLanguage string    `json:"target_language,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivity   time.Time `json:"last_activity"`
	Status         Status    `json:"status"`
	ClosedAt       time.Time `json:"closed_at,omitempty"`
	CloseReason    string    `json:"close_reason,omitempty"`
	ClosedBy       string    `json:"closed_by,omitempty"`
}

func (s Session) Has(userID string) bool {
	return userID != "" && (s.Participants[0] == userID || s.Participants[1] == userID)
}

// Peer returns the other participant.
func (s Session) Peer(userID string) string {
	switch userID {
	case s.Participants[0]:
		return s.Participants[1]
	case s.Participants[1]:
		return s.Participants[0]
	}
	return ""
}

type OpenOption func(*Session)

// WithMatch records which match produced the session and the language pair
// as seen from the first participant.
func WithMatch(matchID, native, target string) OpenOption {
	return func(s *Session) {
		s.MatchID = matchID
		s.NativeLanguage = native
		s.TargetLanguage = target
	}
}

type RegistryConfig struct {
	IdleTimeout time.Duration
	Retention   time.Duration
}

// Registry tracks two-party sessions. Closed sessions stay as tombstones for
// the retention period so their ids are never handed out again.
type Registry struct {
	cfg RegistryConfig
	Now func() time.Time

	// OnClosed runs outside the registry lock, once per session.
	OnClosed func(Session)

	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string // user id -> active session id
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Registry{
		cfg:      cfg,
		Now:      time.Now,
		sessions: make(map[string]*Session),
		active:   make(map[string]string),
	}
}

func (r *Registry) Open(user1, user2, sessionID string, opts ...OpenOption) (Session, error) {
	if user1 == "" || user2 == "" || user1 == user2 {
		return Session{}, ErrInvalidParticipants
	}
	if sessionID == "" {
		return Session{}, ErrSessionNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; ok {
		return Session{}, ErrSessionExists
	}
	if _, busy := r.active[user1]; busy {
		return Session{}, ErrParticipantBusy
	}
	if _, busy := r.active[user2]; busy {
		return Session{}, ErrParticipantBusy
	}

	now := r.Now()
	s := &Session{
		ID:           sessionID,
		Participants: [2]string{user1, user2},
		StartedAt:    now,
		LastActivity: now,
		Status:       StatusActive,
	}
	for _, opt := range opts {
		opt(s)
	}
	r.sessions[sessionID] = s
	r.active[user1] = sessionID
	r.active[user2] = sessionID
	metrics.SessionsActive.Inc()
	return *s, nil
}

// Close ends the session. Closing an already closed session returns its
// final state without error.
func (r *Registry) Close(sessionID, reason, by string) (Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	if s.Status == StatusClosed {
		snap := *s
		r.mu.Unlock()
		return snap, nil
	}
	r.closeLocked(s, reason, by)
	snap := *s
	r.mu.Unlock()

	if r.OnClosed != nil {
		r.OnClosed(snap)
	}
	return snap, nil
}

func (r *Registry) closeLocked(s *Session, reason, by string) {
	s.Status = StatusClosed
	s.ClosedAt = r.Now()
	s.CloseReason = reason
	s.ClosedBy = by
	for _, u := range s.Participants {
		if r.active[u] == s.ID {
			delete(r.active, u)
		}
	}
	metrics.SessionsActive.Dec()
	metrics.SessionsClosed.WithLabelValues(reason).Inc()
}

func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// IsParticipant is true only for the two users of an active session.
func (r *Registry) IsParticipant(sessionID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return ok && s.Status == StatusActive && s.Has(userID)
}

// Peer returns the other participant of an active session.
func (r *Registry) Peer(sessionID, userID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.Has(userID) {
		return "", ErrUnauthorizedRelay
	}
	if s.Status != StatusActive {
		return "", ErrSessionClosed
	}
	return s.Peer(userID), nil
}

func (r *Registry) ActiveFor(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[userID]
	if !ok {
		return Session{}, false
	}
	return *r.sessions[id], true
}

// Touch records relay activity on an active session.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok && s.Status == StatusActive {
		s.LastActivity = r.Now()
	}
}

// SweepIdle closes active sessions without relay traffic for IdleTimeout.
func (r *Registry) SweepIdle(now time.Time) []Session {
	r.mu.Lock()
	var closed []Session
	for _, s := range r.sessions {
		if s.Status == StatusActive && now.Sub(s.LastActivity) >= r.cfg.IdleTimeout {
			r.closeLocked(s, ReasonIdle, "")
			closed = append(closed, *s)
		}
	}
	r.mu.Unlock()

	if r.OnClosed != nil {
		for _, s := range closed {
			r.OnClosed(s)
		}
	}
	return closed
}

// CloseAll closes every active session with the given reason.
func (r *Registry) CloseAll(reason string) []Session {
	r.mu.Lock()
	var closed []Session
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			r.closeLocked(s, reason, "")
			closed = append(closed, *s)
		}
	}
	r.mu.Unlock()

	if r.OnClosed != nil {
		for _, s := range closed {
			r.OnClosed(s)
		}
	}
	return closed
}

// PruneClosed drops tombstones older than the retention period.
func (r *Registry) PruneClosed(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, s := range r.sessions {
		if s.Status == StatusClosed && now.Sub(s.ClosedAt) > r.cfg.Retention {
			delete(r.sessions, id)
			pruned++
		}
	}
	return pruned
}

// Active counts open sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active) / 2
}
