// Package match runs the two-phase accept/reject handshake for a proposed pair.
package match

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"langapp-coordinator/internal/events"
	"langapp-coordinator/internal/metrics"
	"langapp-coordinator/internal/queue"
)

var (
	ErrMatchNotFound   = errors.New("match not found")
	ErrNotParticipant  = errors.New("not a participant of this match")
	ErrSessionMismatch = errors.New("session id does not match")
)

type State string

const (
	Proposed          State = "proposed"
	AwaitingBoth      State = "awaiting_both"
	PartiallyAccepted State = "partially_accepted"
	Accepted          State = "accepted"
	Rejected          State = "rejected"
	TimedOut          State = "timed_out"
)

func (s State) Resolved() bool {
	return s == Accepted || s == Rejected || s == TimedOut
}

// Rejection reasons.
const (
	ReasonRejected   = "rejected"
	ReasonDisconnect = "disconnect"
	ReasonTimeout    = "timeout"
)

// PendingMatch is a snapshot; callers never see the live record.
type PendingMatch struct {
	ID         string    `json:"match_id"`
	User1      string    `json:"user1"`
	User2      string    `json:"user2"`
	SessionID  string    `json:"session_id"`
	Score      float64   `json:"score"`
	Accepted1  bool      `json:"accepted1"`
	Accepted2  bool      `json:"accepted2"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Partner returns the other participant, or "" if userID is not one.
func (m PendingMatch) Partner(userID string) string {
	switch userID {
	case m.User1:
		return m.User2
	case m.User2:
		return m.User1
	}
	return ""
}

// Outcome is delivered once per match when it resolves.
type Outcome struct {
	Match PendingMatch
	// Requeue holds the preferences of users who should go back to the queue.
	Requeue []queue.Preferences
	// Prefs holds both participants' preferences, keyed by user id.
	Prefs map[string]queue.Preferences
}

type Config struct {
	Timeout   time.Duration
	Retention time.Duration
}

type record struct {
	mu    sync.Mutex
	m     PendingMatch
	prefs map[string]queue.Preferences
}

type Negotiator struct {
	cfg      Config
	notifier events.Notifier
	log      zerolog.Logger
	Now      func() time.Time

	// OnResolved is called outside of any lock after a match resolves.
	OnResolved func(Outcome)

	mu      sync.RWMutex
	matches map[string]*record
	byUser  map[string]string // user id -> unresolved match id
}

func NewNegotiator(cfg Config, notifier events.Notifier, log zerolog.Logger) *Negotiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	return &Negotiator{
		cfg:      cfg,
		notifier: notifier,
		log:      log,
		Now:      time.Now,
		matches:  make(map[string]*record),
		byUser:   make(map[string]string),
	}
}

// Propose registers a match for the pair and tells both users about it. If a
// user turns out to be offline the match is resolved at once as a disconnect
// on their part, so the partner goes through OnResolved like any other reject.
func (n *Negotiator) Propose(pair queue.Pair) PendingMatch {
	r := &record{
		m: PendingMatch{
			ID:        uuid.NewString(),
			User1:     pair.A.UserID,
			User2:     pair.B.UserID,
			SessionID: uuid.NewString(),
			Score:     pair.Score,
			State:     Proposed,
			CreatedAt: n.Now(),
		},
		prefs: map[string]queue.Preferences{
			pair.A.UserID: pair.A.Prefs,
			pair.B.UserID: pair.B.Prefs,
		},
	}

	r.mu.Lock()

	n.mu.Lock()
	n.matches[r.m.ID] = r
	n.byUser[r.m.User1] = r.m.ID
	n.byUser[r.m.User2] = r.m.ID
	n.mu.Unlock()

	var gone string
	for _, u := range []string{r.m.User1, r.m.User2} {
		err := n.notifier.Send(u, events.MatchFound, events.MatchFoundData{
			MatchID:   r.m.ID,
			PartnerID: r.m.Partner(u),
			SessionID: r.m.SessionID,
			Score:     r.m.Score,
		})
		if err == nil {
			continue
		}
		n.log.Debug().Err(err).Str("user_id", u).Str("type", events.MatchFound).Msg("notification not delivered")
		if gone == "" && errors.Is(err, events.ErrNotConnected) {
			gone = u
		}
	}

	if gone != "" {
		out := n.rejectLocked(r, gone, ReasonDisconnect)
		r.mu.Unlock()

		n.log.Info().
			Str("match_id", out.Match.ID).
			Str("user_id", gone).
			Msg("match proposed to a disconnected user")
		n.finish(out)
		return out.Match
	}

	r.m.State = AwaitingBoth
	snap := r.m
	r.mu.Unlock()

	n.log.Info().
		Str("match_id", snap.ID).
		Str("user1", snap.User1).
		Str("user2", snap.User2).
		Float64("score", snap.Score).
		Msg("match proposed")
	return snap
}

func (n *Negotiator) get(matchID string) *record {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.matches[matchID]
}

// Accept records userID's acceptance. sessionID may be empty; when present it
// must equal the pre-allocated session id. Calls on a resolved match return
// its final state.
func (n *Negotiator) Accept(matchID, userID, sessionID string) (PendingMatch, error) {
	r := n.get(matchID)
	if r == nil {
		return PendingMatch{}, ErrMatchNotFound
	}

	r.mu.Lock()
	if r.m.Partner(userID) == "" {
		r.mu.Unlock()
		return PendingMatch{}, ErrNotParticipant
	}
	if r.m.State.Resolved() {
		snap := r.m
		r.mu.Unlock()
		return snap, nil
	}
	if sessionID != "" && sessionID != r.m.SessionID {
		r.mu.Unlock()
		return PendingMatch{}, ErrSessionMismatch
	}

	already := (userID == r.m.User1 && r.m.Accepted1) || (userID == r.m.User2 && r.m.Accepted2)
	if already {
		snap := r.m
		r.mu.Unlock()
		return snap, nil
	}
	if userID == r.m.User1 {
		r.m.Accepted1 = true
	} else {
		r.m.Accepted2 = true
	}

	accepted := events.MatchAcceptedData{MatchID: r.m.ID, SessionID: r.m.SessionID, AcceptedBy: userID}
	n.send(r.m.User1, events.MatchAccepted, accepted)
	n.send(r.m.User2, events.MatchAccepted, accepted)

	if !(r.m.Accepted1 && r.m.Accepted2) {
		r.m.State = PartiallyAccepted
		snap := r.m
		r.mu.Unlock()
		return snap, nil
	}

	n.resolveLocked(r, Accepted, "", "")
	out := Outcome{Match: r.m, Prefs: r.prefs}
	r.mu.Unlock()

	n.finish(out)
	return out.Match, nil
}

// Reject resolves the match as rejected. The partner is offered back to the queue.
func (n *Negotiator) Reject(matchID, userID string) (PendingMatch, error) {
	r := n.get(matchID)
	if r == nil {
		return PendingMatch{}, ErrMatchNotFound
	}

	r.mu.Lock()
	if r.m.Partner(userID) == "" {
		r.mu.Unlock()
		return PendingMatch{}, ErrNotParticipant
	}
	if r.m.State.Resolved() {
		snap := r.m
		r.mu.Unlock()
		return snap, nil
	}
	out := n.rejectLocked(r, userID, ReasonRejected)
	r.mu.Unlock()

	n.finish(out)
	return out.Match, nil
}

// Abandon rejects the user's unresolved match on their behalf, typically
// because the connection went away. It reports whether there was one.
func (n *Negotiator) Abandon(userID, reason string) (PendingMatch, bool) {
	n.mu.RLock()
	id, ok := n.byUser[userID]
	r := n.matches[id]
	n.mu.RUnlock()
	if !ok || r == nil {
		return PendingMatch{}, false
	}

	r.mu.Lock()
	if r.m.State.Resolved() {
		r.mu.Unlock()
		return PendingMatch{}, false
	}
	out := n.rejectLocked(r, userID, reason)
	r.mu.Unlock()

	n.finish(out)
	return out.Match, true
}

func (n *Negotiator) rejectLocked(r *record, userID, reason string) Outcome {
	n.resolveLocked(r, Rejected, userID, reason)

	data := events.MatchRejectedData{MatchID: r.m.ID, RejectedBy: userID, Reason: reason}
	n.send(r.m.User1, events.MatchRejected, data)
	n.send(r.m.User2, events.MatchRejected, data)

	partner := r.m.Partner(userID)
	return Outcome{
		Match:   r.m,
		Requeue: []queue.Preferences{r.prefs[partner]},
		Prefs:   r.prefs,
	}
}

// ExpireStale times out every unresolved match older than the negotiation
// timeout. Users who had already accepted are offered back to the queue.
func (n *Negotiator) ExpireStale(now time.Time) []PendingMatch {
	n.mu.RLock()
	var stale []*record
	for _, r := range n.matches {
		stale = append(stale, r)
	}
	n.mu.RUnlock()

	var expired []PendingMatch
	for _, r := range stale {
		r.mu.Lock()
		if r.m.State.Resolved() || now.Sub(r.m.CreatedAt) < n.cfg.Timeout {
			r.mu.Unlock()
			continue
		}
		n.resolveLocked(r, TimedOut, "", ReasonTimeout)
		data := events.MatchTimeoutData{MatchID: r.m.ID}
		n.send(r.m.User1, events.MatchTimeout, data)
		n.send(r.m.User2, events.MatchTimeout, data)

		out := Outcome{Match: r.m, Prefs: r.prefs}
		if r.m.Accepted1 {
			out.Requeue = append(out.Requeue, r.prefs[r.m.User1])
		}
		if r.m.Accepted2 {
			out.Requeue = append(out.Requeue, r.prefs[r.m.User2])
		}
		r.mu.Unlock()

		n.finish(out)
		expired = append(expired, out.Match)
	}
	return expired
}

// PruneResolved forgets resolved matches older than the retention period.
func (n *Negotiator) PruneResolved(now time.Time) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	pruned := 0
	for id, r := range n.matches {
		r.mu.Lock()
		drop := r.m.State.Resolved() && now.Sub(r.m.ResolvedAt) > n.cfg.Retention
		r.mu.Unlock()
		if drop {
			delete(n.matches, id)
			pruned++
		}
	}
	return pruned
}

func (n *Negotiator) resolveLocked(r *record, state State, by, reason string) {
	r.m.State = state
	r.m.ResolvedAt = n.Now()
	r.m.ResolvedBy = by
	r.m.Reason = reason
}

func (n *Negotiator) finish(out Outcome) {
	n.mu.Lock()
	for _, u := range []string{out.Match.User1, out.Match.User2} {
		if n.byUser[u] == out.Match.ID {
			delete(n.byUser, u)
		}
	}
	n.mu.Unlock()

	metrics.MatchOutcomes.WithLabelValues(string(out.Match.State)).Inc()
	n.log.Info().
		Str("match_id", out.Match.ID).
		Str("state", string(out.Match.State)).
		Str("resolved_by", out.Match.ResolvedBy).
		Str("reason", out.Match.Reason).
		Msg("match resolved")

	if n.OnResolved != nil {
		n.OnResolved(out)
	}
}

// Get returns a snapshot of the match.
func (n *Negotiator) Get(matchID string) (PendingMatch, bool) {
	r := n.get(matchID)
	if r == nil {
		return PendingMatch{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m, true
}

// PendingFor returns the id of the user's unresolved match.
func (n *Negotiator) PendingFor(userID string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	id, ok := n.byUser[userID]
	return id, ok
}

// Pending counts unresolved matches.
func (n *Negotiator) Pending() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	seen := make(map[string]struct{}, len(n.byUser)/2)
	for _, id := range n.byUser {
		seen[id] = struct{}{}
	}
	return len(seen)
}

func (n *Negotiator) send(userID, msgType string, data any) {
	if err := n.notifier.Send(userID, msgType, data); err != nil {
		n.log.Debug().Err(err).Str("user_id", userID).Str("type", msgType).Msg("notification not delivered")
	}
}
