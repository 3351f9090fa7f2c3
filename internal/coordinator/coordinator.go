// Package coordinator wires the queue, the negotiator, the session registry
// and the relay together and routes client events between them.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"langapp-coordinator/internal/events"
	"langapp-coordinator/internal/history"
	"langapp-coordinator/internal/match"
	"langapp-coordinator/internal/metrics"
	"langapp-coordinator/internal/queue"
	"langapp-coordinator/internal/ratelimit"
	"langapp-coordinator/internal/sessions"
	"langapp-coordinator/internal/storage"
)

// What happens to a user whose partner rejected, disconnected or let the
// negotiation time out.
const (
	PolicyRequeuePriority = "requeue_priority"
	PolicyRequeue         = "requeue"
	PolicyRematch         = "rematch"
	PolicyDrop            = "drop"
)

const backgroundTimeout = 10 * time.Second

// Publisher announces match and session events to other services.
type Publisher interface {
	PublishMatchEvent(ctx context.Context, userID, eventType, sessionID string) error
}

type Options struct {
	PartnerPolicy   string
	CleanupInterval time.Duration
}

type Dependencies struct {
	Queue      *queue.Manager
	Processor  *queue.Processor
	Negotiator *match.Negotiator
	Registry   *sessions.Registry
	Limiter    *ratelimit.Limiter
	Notifier   events.Notifier
	Recorder   history.Recorder
	// Publisher is optional.
	Publisher Publisher
}

type Coordinator struct {
	opts       Options
	queue      *queue.Manager
	processor  *queue.Processor
	negotiator *match.Negotiator
	registry   *sessions.Registry
	relay      *sessions.Relay
	limiter    *ratelimit.Limiter
	notifier   events.Notifier
	recorder   history.Recorder
	publisher  Publisher
	log        zerolog.Logger
	Now        func() time.Time

	cancel context.CancelFunc
	loops  sync.WaitGroup
	tasks  sync.WaitGroup
}

func New(opts Options, deps Dependencies, log zerolog.Logger) *Coordinator {
	if opts.PartnerPolicy == "" {
		opts.PartnerPolicy = PolicyRequeuePriority
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 10 * time.Second
	}
	if deps.Recorder == nil {
		deps.Recorder = history.Nop{}
	}

	c := &Coordinator{
		opts:       opts,
		queue:      deps.Queue,
		processor:  deps.Processor,
		negotiator: deps.Negotiator,
		registry:   deps.Registry,
		relay:      sessions.NewRelay(deps.Registry, deps.Notifier, log.With().Str("component", "relay").Logger()),
		limiter:    deps.Limiter,
		notifier:   deps.Notifier,
		recorder:   deps.Recorder,
		publisher:  deps.Publisher,
		log:        log,
		Now:        time.Now,
	}

	c.processor.OnPairs = c.pairsFormed
	c.processor.OnExpired = c.entriesExpired
	c.negotiator.OnResolved = c.matchResolved
	c.registry.OnClosed = c.sessionClosed
	return c
}

// Run starts the queue processor and the janitor. It returns immediately.
func (c *Coordinator) Run(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.processor.Start(ctx)

	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		ticker := time.NewTicker(c.opts.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunJanitor()
			}
		}
	}()

	c.log.Info().
		Str("partner_policy", c.opts.PartnerPolicy).
		Dur("cleanup_interval", c.opts.CleanupInterval).
		Msg("coordinator started")
}

// RunJanitor performs one pass of every timeout and retention sweep.
func (c *Coordinator) RunJanitor() {
	now := c.Now()

	expired := c.negotiator.ExpireStale(now)
	idle := c.registry.SweepIdle(now)
	prunedMatches := c.negotiator.PruneResolved(now)
	prunedSessions := c.registry.PruneClosed(now)
	counters := c.limiter.Sweep()

	if len(expired)+len(idle)+prunedMatches+prunedSessions+counters > 0 {
		c.log.Debug().
			Int("matches_timed_out", len(expired)).
			Int("sessions_idle", len(idle)).
			Int("matches_pruned", prunedMatches).
			Int("sessions_pruned", prunedSessions).
			Int("counters_swept", counters).
			Msg("janitor pass")
	}
}

// Shutdown stops the background loops, closes every active session and
// waits for pending history writes until ctx expires.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.processor.Stop()
	c.loops.Wait()

	closed := c.registry.CloseAll(sessions.ReasonShutdown)
	c.log.Info().Int("sessions", len(closed)).Msg("closed active sessions")

	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	Buckets        map[string]int `json:"buckets"`
	Queued         int            `json:"queued"`
	PendingMatches int            `json:"pending_matches"`
	ActiveSessions int            `json:"active_sessions"`
}

func (c *Coordinator) Status() Status {
	return Status{
		Buckets:        c.queue.Stats(),
		Queued:         c.queue.Len(),
		PendingMatches: c.negotiator.Pending(),
		ActiveSessions: c.registry.Active(),
	}
}

func (c *Coordinator) pairsFormed(pairs []queue.Pair) {
	for _, pair := range pairs {
		m := c.negotiator.Propose(pair)
		if m.State.Resolved() {
			// a participant left before the proposal reached them
			continue
		}
		c.publish(storage.EventMatchFound, m.SessionID, m.User1, m.User2)
	}
}

func (c *Coordinator) entriesExpired(entries []*queue.Entry) {
	now := c.queue.Now()
	for _, e := range entries {
		c.send(e.UserID, events.QueueTimeout, events.QueueTimeoutData{
			WaitedSeconds: now.Sub(e.EnqueuedAt).Seconds(),
		})
	}
}

func (c *Coordinator) matchResolved(out match.Outcome) {
	m := out.Match
	if m.State == match.Accepted {
		c.openSession(out)
		return
	}
	for _, prefs := range out.Requeue {
		c.requeue(prefs)
	}
}

func (c *Coordinator) openSession(out match.Outcome) {
	m := out.Match
	first := out.Prefs[m.User1]

	s, err := c.registry.Open(m.User1, m.User2, m.SessionID,
		sessions.WithMatch(m.ID, first.NativeLanguage, first.TargetLanguage))
	if err != nil {
		c.log.Error().Err(err).Str("match_id", m.ID).Str("session_id", m.SessionID).Msg("failed to open session")
		data := events.ErrorData{Code: errorCode(err), Message: "session could not be opened", Event: events.AcceptMatch}
		c.send(m.User1, events.Error, data)
		c.send(m.User2, events.Error, data)
		for _, u := range []string{m.User1, m.User2} {
			c.requeue(out.Prefs[u])
		}
		return
	}

	for _, u := range s.Participants {
		c.send(u, events.SessionStarted, events.SessionStartedData{
			SessionID: s.ID,
			MatchID:   m.ID,
			PartnerID: s.Peer(u),
		})
	}
	c.log.Info().
		Str("session_id", s.ID).
		Str("match_id", m.ID).
		Str("user1", s.Participants[0]).
		Str("user2", s.Participants[1]).
		Msg("session opened")
}

// requeue applies the partner policy to a user left without a partner.
func (c *Coordinator) requeue(prefs queue.Preferences) {
	if c.opts.PartnerPolicy == PolicyDrop {
		return
	}
	if c.busy(prefs.UserID) {
		return
	}

	priority := c.opts.PartnerPolicy != PolicyRequeue
	res, err := c.queue.Requeue(prefs, priority)
	if err != nil {
		c.log.Info().Err(err).Str("user_id", prefs.UserID).Msg("partner not requeued")
		return
	}

	err = c.notifier.Send(prefs.UserID, events.Requeued, events.RequeuedData{
		Priority:             priority,
		Position:             res.Position,
		EstimatedWaitSeconds: res.EstimatedWait.Seconds(),
	})
	if err != nil {
		// gone since the match resolved
		c.queue.Leave(prefs.UserID)
		return
	}
	metrics.QueueEntries.Set(float64(c.queue.Len()))

	if c.opts.PartnerPolicy == PolicyRematch {
		c.processor.SweepNow()
	}
}

func (c *Coordinator) sessionClosed(s sessions.Session) {
	for _, u := range s.Participants {
		if u == s.ClosedBy {
			continue
		}
		c.send(u, events.SessionEnded, events.SessionEndedData{
			SessionID: s.ID,
			Reason:    s.CloseReason,
			EndedBy:   s.ClosedBy,
		})
	}

	rec := storage.SessionRecord{
		SessionID:       s.ID,
		MatchID:         s.MatchID,
		User1:           s.Participants[0],
		User2:           s.Participants[1],
		NativeLanguage:  s.NativeLanguage,
		TargetLanguage:  s.TargetLanguage,
		StartedAt:       s.StartedAt,
		EndedAt:         s.ClosedAt,
		DurationSeconds: int(s.ClosedAt.Sub(s.StartedAt).Seconds()),
		CloseReason:     s.CloseReason,
		EndedBy:         s.ClosedBy,
	}
	c.background(func(ctx context.Context) {
		if err := c.recorder.Record(ctx, rec); err != nil {
			c.log.Error().Err(err).Str("session_id", s.ID).Msg("failed to record session")
		}
	})
	c.publish(storage.EventSessionClosed, s.ID, s.Participants[0], s.Participants[1])

	c.log.Info().
		Str("session_id", s.ID).
		Str("reason", s.CloseReason).
		Str("closed_by", s.ClosedBy).
		Dur("duration", s.ClosedAt.Sub(s.StartedAt)).
		Msg("session closed")
}

func (c *Coordinator) publish(eventType, sessionID string, users ...string) {
	if c.publisher == nil {
		return
	}
	c.background(func(ctx context.Context) {
		for _, u := range users {
			if err := c.publisher.PublishMatchEvent(ctx, u, eventType, sessionID); err != nil {
				c.log.Warn().Err(err).Str("user_id", u).Str("event", eventType).Msg("failed to publish match event")
			}
		}
	})
}

// background runs fn off the event path. Shutdown waits for it.
func (c *Coordinator) background(fn func(ctx context.Context)) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (c *Coordinator) busy(userID string) bool {
	if _, ok := c.negotiator.PendingFor(userID); ok {
		return true
	}
	_, ok := c.registry.ActiveFor(userID)
	return ok
}

func (c *Coordinator) send(userID, msgType string, data any) {
	if err := c.notifier.Send(userID, msgType, data); err != nil {
		c.log.Debug().Err(err).Str("user_id", userID).Str("type", msgType).Msg("notification not delivered")
	}
}

// Position reports where the user waits in their bucket.
func (c *Coordinator) Position(userID string) (int, bool) {
	return c.queue.Position(userID)
}
