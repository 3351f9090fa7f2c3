package sessions

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"langapp-coordinator/internal/events"
	"langapp-coordinator/internal/metrics"
)

var (
	ErrInvalidSignal   = errors.New("signal type is required")
	ErrPeerUnreachable = errors.New("peer unreachable")
)

// Relay forwards signaling messages between the two participants of a
// session. Payloads are passed through untouched.
type Relay struct {
	registry *Registry
	notifier events.Notifier
	log      zerolog.Logger
}

func NewRelay(registry *Registry, notifier events.Notifier, log zerolog.Logger) *Relay {
	return &Relay{registry: registry, notifier: notifier, log: log}
}

func (r *Relay) Relay(sessionID, fromUserID, msgType string, payload json.RawMessage) error {
	peer, err := r.registry.Peer(sessionID, fromUserID)
	if errors.Is(err, ErrUnauthorizedRelay) {
		metrics.SignalsRelayed.WithLabelValues("unauthorized").Inc()
		r.log.Warn().
			Str("session_id", sessionID).
			Str("user_id", fromUserID).
			Str("signal_type", msgType).
			Msg("relay attempt by non-participant dropped")
		return err
	}
	if err != nil {
		metrics.SignalsRelayed.WithLabelValues("closed").Inc()
		return err
	}
	if strings.TrimSpace(msgType) == "" {
		metrics.SignalsRelayed.WithLabelValues("invalid").Inc()
		return ErrInvalidSignal
	}

	err = r.notifier.Send(peer, events.Signal, events.SignalData{
		SessionID:  sessionID,
		From:       fromUserID,
		SignalType: msgType,
		Payload:    payload,
	})
	if err != nil {
		metrics.SignalsRelayed.WithLabelValues("unreachable").Inc()
		r.log.Debug().Err(err).Str("session_id", sessionID).Str("peer", peer).Msg("signal dropped")
		return ErrPeerUnreachable
	}

	r.registry.Touch(sessionID)
	metrics.SignalsRelayed.WithLabelValues("delivered").Inc()
	return nil
}
