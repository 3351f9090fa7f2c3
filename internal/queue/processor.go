package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"langapp-coordinator/internal/metrics"
)

// Processor drives the pairing sweep and the max-wait eviction on tickers.
type Processor struct {
	manager         *Manager
	interval        time.Duration
	cleanupInterval time.Duration
	log             zerolog.Logger

	// OnPairs receives every non-empty sweep result.
	OnPairs func([]Pair)
	// OnExpired receives entries evicted for waiting too long.
	OnExpired func([]*Entry)

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewProcessor(manager *Manager, interval, cleanupInterval time.Duration, log zerolog.Logger) *Processor {
	return &Processor{
		manager:         manager,
		interval:        interval,
		cleanupInterval: cleanupInterval,
		log:             log,
		trigger:         make(chan struct{}, 1),
	}
}

func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.startPeriodicMatching(ctx)
	go p.startPeriodicCleanup(ctx)

	p.log.Info().
		Dur("matching_interval", p.interval).
		Dur("cleanup_interval", p.cleanupInterval).
		Msg("queue processor started")
}

// Stop cancels both loops and waits for them to return.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// SweepNow asks the matching loop for an immediate sweep. Requests made
// while one is already pending are coalesced.
func (p *Processor) SweepNow() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// RunSweep performs one sweep synchronously and dispatches the result.
func (p *Processor) RunSweep() []Pair {
	start := time.Now()
	pairs := p.manager.Sweep(p.manager.Now())
	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	metrics.QueueEntries.Set(float64(p.manager.Len()))

	if len(pairs) == 0 {
		return nil
	}

	now := p.manager.Now()
	for _, pair := range pairs {
		metrics.QueueWaitSeconds.Observe(now.Sub(pair.A.EnqueuedAt).Seconds())
		metrics.QueueWaitSeconds.Observe(now.Sub(pair.B.EnqueuedAt).Seconds())
	}
	metrics.PairsFormed.Add(float64(len(pairs)))
	p.log.Debug().Int("pairs", len(pairs)).Dur("took", time.Since(start)).Msg("sweep")

	if p.OnPairs != nil {
		p.OnPairs(pairs)
	}
	return pairs
}

// RunCleanup evicts expired entries synchronously and dispatches them.
func (p *Processor) RunCleanup() []*Entry {
	expired := p.manager.EvictExpired(p.manager.Now())
	if len(expired) == 0 {
		return nil
	}
	metrics.QueueEvictions.Add(float64(len(expired)))
	metrics.QueueEntries.Set(float64(p.manager.Len()))
	p.log.Info().Int("evicted", len(expired)).Msg("evicted expired queue entries")

	if p.OnExpired != nil {
		p.OnExpired(expired)
	}
	return expired
}

func (p *Processor) startPeriodicMatching(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunSweep()
		case <-p.trigger:
			p.RunSweep()
		}
	}
}

func (p *Processor) startPeriodicCleanup(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RunCleanup()
		}
	}
}
