package coordinator

import (
	"context"
	"errors"
	"fmt"

	"langapp-coordinator/internal/auth"
	"langapp-coordinator/internal/events"
	"langapp-coordinator/internal/match"
	"langapp-coordinator/internal/metrics"
	"langapp-coordinator/internal/queue"
	"langapp-coordinator/internal/ratelimit"
	"langapp-coordinator/internal/sessions"
)

var (
	ErrBusy         = errors.New("user has a pending match or an active session")
	ErrUnknownEvent = errors.New("unknown event type")
	errBadRequest   = errors.New("bad request")
	errNotInSession = errors.New("not a participant of this session")
)

// eventClasses maps inbound event types to their rate-limit class.
var eventClasses = map[string]string{
	events.Authenticate: ratelimit.ClassAuth,
	events.JoinQueue:    ratelimit.ClassQueue,
	events.LeaveQueue:   ratelimit.ClassQueue,
	events.AcceptMatch:  ratelimit.ClassMatch,
	events.RejectMatch:  ratelimit.ClassMatch,
	events.RelaySignal:  ratelimit.ClassSignal,
	events.EndSession:   ratelimit.ClassSession,
	events.Heartbeat:    ratelimit.ClassHeartbeat,
}

// Connected implements sessions.Dispatcher.
func (c *Coordinator) Connected(client sessions.Client) {
	c.log.Debug().Str("user_id", client.UserID()).Msg("dispatcher attached")
}

// Disconnected implements sessions.Dispatcher. Queue membership goes first
// so no sweep can pair the user after this returns.
func (c *Coordinator) Disconnected(userID, reason string) {
	removed := c.queue.Leave(userID)
	if removed {
		metrics.QueueEntries.Set(float64(c.queue.Len()))
	}

	_, abandoned := c.negotiator.Abandon(userID, match.ReasonDisconnect)

	var closed string
	if s, ok := c.registry.ActiveFor(userID); ok {
		if _, err := c.registry.Close(s.ID, sessions.ReasonDisconnect, userID); err == nil {
			closed = s.ID
		}
	}

	c.log.Info().
		Str("user_id", userID).
		Str("reason", reason).
		Bool("left_queue", removed).
		Bool("abandoned_match", abandoned).
		Str("closed_session", closed).
		Msg("user cleaned up")
}

// Dispatch implements sessions.Dispatcher.
func (c *Coordinator) Dispatch(ctx context.Context, client sessions.Client, env events.Envelope) *events.Envelope {
	userID := client.UserID()

	class, ok := eventClasses[env.Type]
	if !ok {
		return c.fail(env.Type, ErrUnknownEvent)
	}
	if err := c.limiter.Check(userID, class); err != nil {
		metrics.RateLimited.WithLabelValues(class).Inc()
		c.log.Debug().Str("user_id", userID).Str("class", class).Msg("event rate limited")
		return c.fail(env.Type, err)
	}

	switch env.Type {
	case events.Authenticate:
		// the identity slot is write-once; a repeat just confirms it
		return c.reply(events.Authenticated, events.AuthenticatedData{UserID: userID})
	case events.JoinQueue:
		return c.joinQueue(client, env)
	case events.LeaveQueue:
		removed := c.queue.Leave(userID)
		metrics.QueueEntries.Set(float64(c.queue.Len()))
		return c.reply(events.ActionResponse, events.ActionResponseData{
			Action:  events.LeaveQueue,
			Success: true,
			Removed: &removed,
		})
	case events.AcceptMatch, events.RejectMatch:
		return c.answerMatch(userID, env)
	case events.RelaySignal:
		var data events.RelaySignalData
		if err := env.Decode(&data); err != nil {
			return c.fail(env.Type, fmt.Errorf("%w: %v", errBadRequest, err))
		}
		if err := c.relay.Relay(data.SessionID, userID, data.Type, data.Payload); err != nil {
			return c.fail(env.Type, err)
		}
		return nil
	case events.EndSession:
		return c.endSession(userID, env)
	case events.Heartbeat:
		return c.reply(events.Heartbeat, events.HeartbeatData{Timestamp: c.Now().UnixMilli()})
	}
	return c.fail(env.Type, ErrUnknownEvent)
}

func (c *Coordinator) joinQueue(client sessions.Client, env events.Envelope) *events.Envelope {
	var prefs queue.Preferences
	if len(env.Data) > 0 {
		if err := env.Decode(&prefs); err != nil {
			metrics.QueueJoins.WithLabelValues("bad_request").Inc()
			return c.fail(env.Type, fmt.Errorf("%w: %v", errBadRequest, err))
		}
	}
	prefs.UserID = client.UserID()
	if id := client.Identity(); id != nil {
		prefs.FillFromProfile(id.Profile)
	}

	if c.busy(prefs.UserID) {
		metrics.QueueJoins.WithLabelValues("busy").Inc()
		return c.fail(env.Type, ErrBusy)
	}

	res, err := c.queue.Join(prefs)
	if err != nil {
		metrics.QueueJoins.WithLabelValues(errorCode(err)).Inc()
		c.log.Debug().Err(err).Str("user_id", prefs.UserID).Msg("join rejected")
		return c.fail(env.Type, err)
	}
	metrics.QueueJoins.WithLabelValues("joined").Inc()
	metrics.QueueEntries.Set(float64(c.queue.Len()))

	c.log.Info().
		Str("user_id", prefs.UserID).
		Str("pair", prefs.Key().String()).
		Int("position", res.Position).
		Msg("user joined queue")

	return c.reply(events.QueueJoinResponse, events.QueueJoinResponseData{
		Success:              true,
		Position:             res.Position,
		EstimatedWaitSeconds: res.EstimatedWait.Seconds(),
	})
}

func (c *Coordinator) answerMatch(userID string, env events.Envelope) *events.Envelope {
	var data events.MatchRequestData
	if err := env.Decode(&data); err != nil || data.MatchID == "" {
		return c.fail(env.Type, fmt.Errorf("%w: match_id is required", errBadRequest))
	}

	var (
		m   match.PendingMatch
		err error
	)
	if env.Type == events.AcceptMatch {
		m, err = c.negotiator.Accept(data.MatchID, userID, data.SessionID)
	} else {
		m, err = c.negotiator.Reject(data.MatchID, userID)
	}
	if err != nil {
		return c.fail(env.Type, err)
	}
	return c.reply(events.ActionResponse, events.ActionResponseData{
		Action:  env.Type,
		Success: true,
		State:   string(m.State),
	})
}

func (c *Coordinator) endSession(userID string, env events.Envelope) *events.Envelope {
	var data events.SessionRequestData
	if err := env.Decode(&data); err != nil || data.SessionID == "" {
		return c.fail(env.Type, fmt.Errorf("%w: session_id is required", errBadRequest))
	}

	s, ok := c.registry.Get(data.SessionID)
	if !ok {
		return c.fail(env.Type, sessions.ErrSessionNotFound)
	}
	if !s.Has(userID) {
		return c.fail(env.Type, errNotInSession)
	}
	s, err := c.registry.Close(data.SessionID, sessions.ReasonEnded, userID)
	if err != nil {
		return c.fail(env.Type, err)
	}
	return c.reply(events.ActionResponse, events.ActionResponseData{
		Action:  events.EndSession,
		Success: true,
		State:   string(s.Status),
	})
}

// fail builds the error reply in the shape the client expects for the event.
func (c *Coordinator) fail(eventType string, err error) *events.Envelope {
	code := errorCode(err)
	switch eventType {
	case events.JoinQueue:
		return c.reply(events.QueueJoinResponse, events.QueueJoinResponseData{Error: code})
	case events.LeaveQueue, events.AcceptMatch, events.RejectMatch, events.EndSession:
		return c.reply(events.ActionResponse, events.ActionResponseData{Action: eventType, Error: code})
	}
	return c.reply(events.Error, events.ErrorData{Code: code, Message: err.Error(), Event: eventType})
}

func (c *Coordinator) reply(msgType string, data any) *events.Envelope {
	env, err := events.New(msgType, data)
	if err != nil {
		c.log.Error().Err(err).Str("type", msgType).Msg("failed to encode reply")
		return nil
	}
	return &env
}

// errorCode maps an error to its stable wire code.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrNoCredential),
		errors.Is(err, auth.ErrInvalidCredential),
		errors.Is(err, auth.ErrProfileMissing),
		errors.Is(err, auth.ErrAccountSuspended):
		return auth.Reason(err)
	case errors.Is(err, queue.ErrAlreadyQueued):
		return "already_queued"
	case errors.Is(err, queue.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, queue.ErrInvalidPreferences):
		return "invalid_preferences"
	case errors.Is(err, ErrBusy), errors.Is(err, sessions.ErrParticipantBusy):
		return "busy"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, sessions.ErrUnauthorizedRelay):
		return "unauthorized_relay"
	case errors.Is(err, sessions.ErrPeerUnreachable):
		return "peer_unreachable"
	case errors.Is(err, sessions.ErrInvalidSignal):
		return "invalid_signal"
	case errors.Is(err, match.ErrMatchNotFound):
		return "match_not_found"
	case errors.Is(err, match.ErrNotParticipant), errors.Is(err, errNotInSession):
		return "not_participant"
	case errors.Is(err, match.ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, sessions.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, sessions.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, errBadRequest), errors.Is(err, ErrUnknownEvent):
		return "bad_request"
	}
	return "internal_error"
}
