package storage

import (
	"errors"
	"time"
)

var ErrProfileNotFound = errors.New("profile not found")

// Profile is the read-only snapshot of a user taken at authentication time.
type Profile struct {
	UserID          string    `json:"user_id" db:"user_id"`
	Email           string    `json:"email" db:"email"`
	DisplayName     string    `json:"display_name" db:"display_name"`
	NativeLanguage  string    `json:"native_language" db:"native_language"`
	TargetLanguages []string  `json:"target_languages" db:"target_languages"`
	Age             int       `json:"age" db:"age"`
	Gender          string    `json:"gender" db:"gender"`
	Banned          bool      `json:"banned" db:"banned"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// SessionRecord is the row written once a session is closed.
type SessionRecord struct {
	SessionID       string    `json:"session_id" db:"session_id"`
	MatchID         string    `json:"match_id" db:"match_id"`
	User1           string    `json:"user1" db:"user1_id"`
	User2           string    `json:"user2" db:"user2_id"`
	NativeLanguage  string    `json:"native_language" db:"native_language"`
	TargetLanguage  string    `json:"target_language" db:"target_language"`
	StartedAt       time.Time `json:"started_at" db:"started_at"`
	EndedAt         time.Time `json:"ended_at" db:"ended_at"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
	CloseReason     string    `json:"close_reason" db:"close_reason"`
	EndedBy         string    `json:"ended_by,omitempty" db:"ended_by"`
}

// Match event kinds published on a user's channel.
const (
	EventMatchFound    = "match_found"
	EventSessionClosed = "session_closed"
)
