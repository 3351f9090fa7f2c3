package events

import "encoding/json"

type AuthenticateData struct {
	Token string `json:"token"`
}

type AuthenticatedData struct {
	UserID string `json:"user_id"`
}

type AuthErrorData struct {
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

type QueueJoinResponseData struct {
	Success              bool    `json:"success"`
	Position             int     `json:"position,omitempty"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds,omitempty"`
	Error                string  `json:"error,omitempty"`
}

type ActionResponseData struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Removed *bool  `json:"removed,omitempty"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
}

type MatchRequestData struct {
	MatchID   string `json:"match_id"`
	SessionID string `json:"session_id,omitempty"`
}

type MatchFoundData struct {
	MatchID   string  `json:"match_id"`
	PartnerID string  `json:"partner_id"`
	SessionID string  `json:"session_id"`
	Score     float64 `json:"score"`
}

type MatchAcceptedData struct {
	MatchID    string `json:"match_id"`
	SessionID  string `json:"session_id"`
	AcceptedBy string `json:"accepted_by"`
}

type MatchRejectedData struct {
	MatchID    string `json:"match_id"`
	RejectedBy string `json:"rejected_by,omitempty"`
	Reason     string `json:"reason"`
}

type MatchTimeoutData struct {
	MatchID string `json:"match_id"`
}

type SessionStartedData struct {
	SessionID string `json:"session_id"`
	MatchID   string `json:"match_id"`
	PartnerID string `json:"partner_id"`
}

type SessionEndedData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	EndedBy   string `json:"ended_by,omitempty"`
}

type SessionRequestData struct {
	SessionID string `json:"session_id"`
}

// RelaySignalData is what a participant sends; Payload is never inspected.
type RelaySignalData struct {
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SignalData is what the other participant receives.
type SignalData struct {
	SessionID  string          `json:"session_id"`
	From       string          `json:"from"`
	SignalType string          `json:"signal_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type QueueTimeoutData struct {
	WaitedSeconds float64 `json:"waited_seconds"`
}

type RequeuedData struct {
	Priority             bool    `json:"priority"`
	Position             int     `json:"position"`
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds"`
}

type HeartbeatData struct {
	Timestamp int64 `json:"timestamp"`
}

type DisconnectData struct {
	Reason string `json:"reason"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}
