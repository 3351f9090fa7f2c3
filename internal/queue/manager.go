// Package queue holds waiting users in language-pair buckets and pairs them
// with a bounded periodic sweep.
package queue

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	BucketCapacity   int
	MaxWait          time.Duration
	MatchingInterval time.Duration
	SweepLimit       int
}

type bucket struct {
	mu      sync.Mutex
	key     PairKey
	entries []*Entry // priority entries first, each class in insertion order
}

func (b *bucket) insert(e *Entry) {
	if !e.Priority {
		b.entries = append(b.entries, e)
		return
	}
	i := sort.Search(len(b.entries), func(i int) bool { return !b.entries[i].Priority })
	b.entries = append(b.entries, nil)
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
}

func (b *bucket) remove(userID string) *Entry {
	for i, e := range b.entries {
		if e.UserID == userID {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return e
		}
	}
	return nil
}

func (b *bucket) position(userID string) int {
	for i, e := range b.entries {
		if e.UserID == userID {
			return i + 1
		}
	}
	return 0
}

// pairRate tracks an exponentially weighted average of the time between
// pairs for one reciprocal bucket pair.
type pairRate struct {
	last     time.Time
	interval time.Duration
}

const rateSmoothing = 0.3

// Manager owns every bucket and the membership index. Lock order is bucket
// (two buckets in key-string order) before membersMu.
type Manager struct {
	cfg     Config
	matcher *Matcher
	Now     func() time.Time

	bucketsMu sync.RWMutex
	buckets   map[PairKey]*bucket

	membersMu sync.Mutex
	members   map[string]PairKey

	ratesMu sync.Mutex
	rates   map[PairKey]*pairRate

	seq atomic.Uint64
}

func NewManager(cfg Config, scorer Scorer) *Manager {
	if cfg.BucketCapacity < 1 {
		cfg.BucketCapacity = 500
	}
	if cfg.SweepLimit < 1 {
		cfg.SweepLimit = 200
	}
	if cfg.MatchingInterval <= 0 {
		cfg.MatchingInterval = 2 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		matcher: NewMatcher(scorer),
		Now:     time.Now,
		buckets: make(map[PairKey]*bucket),
		members: make(map[string]PairKey),
		rates:   make(map[PairKey]*pairRate),
	}
}

func (m *Manager) bucket(key PairKey, create bool) *bucket {
	m.bucketsMu.RLock()
	b := m.buckets[key]
	m.bucketsMu.RUnlock()
	if b != nil || !create {
		return b
	}

	m.bucketsMu.Lock()
	defer m.bucketsMu.Unlock()
	if b = m.buckets[key]; b == nil {
		b = &bucket{key: key}
		m.buckets[key] = b
	}
	return b
}

// Join enqueues the user. Preferences are normalised and validated first.
func (m *Manager) Join(prefs Preferences) (JoinResult, error) {
	return m.enqueue(prefs, false)
}

// Requeue returns a user to the queue after a failed negotiation, optionally
// ahead of everyone who is not also prioritised.
func (m *Manager) Requeue(prefs Preferences, priority bool) (JoinResult, error) {
	return m.enqueue(prefs, priority)
}

func (m *Manager) enqueue(prefs Preferences, priority bool) (JoinResult, error) {
	prefs.Normalize()
	if err := prefs.Validate(); err != nil {
		return JoinResult{}, err
	}

	key := prefs.Key()
	b := m.bucket(key, true)

	b.mu.Lock()
	defer b.mu.Unlock()

	m.membersMu.Lock()
	defer m.membersMu.Unlock()

	if _, ok := m.members[prefs.UserID]; ok {
		return JoinResult{}, ErrAlreadyQueued
	}
	if len(b.entries) >= m.cfg.BucketCapacity {
		return JoinResult{}, ErrQueueFull
	}

	e := &Entry{
		UserID:     prefs.UserID,
		Prefs:      prefs,
		EnqueuedAt: m.Now(),
		Priority:   priority,
		seq:        m.seq.Add(1),
	}
	b.insert(e)
	m.members[prefs.UserID] = key

	pos := b.position(prefs.UserID)
	return JoinResult{Position: pos, EstimatedWait: m.estimate(key, pos)}, nil
}

// Leave removes the user's entry if there is one.
func (m *Manager) Leave(userID string) bool {
	for {
		m.membersMu.Lock()
		key, ok := m.members[userID]
		m.membersMu.Unlock()
		if !ok {
			return false
		}

		b := m.bucket(key, false)
		if b == nil {
			return false
		}

		b.mu.Lock()
		m.membersMu.Lock()
		current, still := m.members[userID]
		if still && current == key {
			b.remove(userID)
			delete(m.members, userID)
		}
		m.membersMu.Unlock()
		b.mu.Unlock()

		if !still {
			return false
		}
		if current == key {
			return true
		}
		// moved to another bucket between the lookups; try again
	}
}

// Contains reports whether the user has an entry.
func (m *Manager) Contains(userID string) bool {
	m.membersMu.Lock()
	defer m.membersMu.Unlock()
	_, ok := m.members[userID]
	return ok
}

// Position returns the user's 1-based position within their bucket.
func (m *Manager) Position(userID string) (int, bool) {
	m.membersMu.Lock()
	key, ok := m.members[userID]
	m.membersMu.Unlock()
	if !ok {
		return 0, false
	}
	b := m.bucket(key, false)
	if b == nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pos := b.position(userID)
	return pos, pos > 0
}

func (m *Manager) Len() int {
	m.membersMu.Lock()
	defer m.membersMu.Unlock()
	return len(m.members)
}

// Stats returns the number of waiting entries per non-empty bucket.
func (m *Manager) Stats() map[string]int {
	stats := make(map[string]int)
	for _, b := range m.snapshot() {
		b.mu.Lock()
		if n := len(b.entries); n > 0 {
			stats[b.key.String()] = n
		}
		b.mu.Unlock()
	}
	return stats
}

func (m *Manager) snapshot() []*bucket {
	m.bucketsMu.RLock()
	defer m.bucketsMu.RUnlock()
	out := make([]*bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key.String() < out[j].key.String() })
	return out
}

// Sweep pairs users across every reciprocal bucket pair. Each side
// contributes at most SweepLimit entries so bucket locks are held briefly.
// Paired entries leave both their bucket and the membership index before
// the locks are released.
func (m *Manager) Sweep(now time.Time) []Pair {
	var out []Pair
	for _, b := range m.snapshot() {
		rk := b.key.Reciprocal()
		if b.key.String() > rk.String() {
			continue
		}
		r := m.bucket(rk, false)
		if r == nil {
			continue
		}
		pairs := m.sweepPair(b, r)
		if len(pairs) > 0 {
			m.recordPairs(b.key, now, len(pairs))
			out = append(out, pairs...)
		}
	}
	return out
}

// sweepPair expects first.key to sort before second.key.
func (m *Manager) sweepPair(first, second *bucket) []Pair {
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	pairs := m.matcher.Pair(head(first.entries, m.cfg.SweepLimit), head(second.entries, m.cfg.SweepLimit))
	if len(pairs) == 0 {
		return nil
	}

	m.membersMu.Lock()
	defer m.membersMu.Unlock()
	for _, p := range pairs {
		for _, e := range []*Entry{p.A, p.B} {
			if e.Prefs.Key() == first.key {
				first.remove(e.UserID)
			} else {
				second.remove(e.UserID)
			}
			delete(m.members, e.UserID)
		}
	}
	return pairs
}

func head(entries []*Entry, n int) []*Entry {
	if len(entries) > n {
		entries = entries[:n]
	}
	out := make([]*Entry, len(entries))
	copy(out, entries)
	return out
}

// EvictExpired removes entries that waited longer than MaxWait.
func (m *Manager) EvictExpired(now time.Time) []*Entry {
	if m.cfg.MaxWait <= 0 {
		return nil
	}
	var evicted []*Entry
	for _, b := range m.snapshot() {
		b.mu.Lock()
		kept := b.entries[:0]
		var gone []*Entry
		for _, e := range b.entries {
			if now.Sub(e.EnqueuedAt) > m.cfg.MaxWait {
				gone = append(gone, e)
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(b.entries); i++ {
			b.entries[i] = nil
		}
		b.entries = kept
		if len(gone) > 0 {
			m.membersMu.Lock()
			for _, e := range gone {
				if m.members[e.UserID] == b.key {
					delete(m.members, e.UserID)
				}
			}
			m.membersMu.Unlock()
			evicted = append(evicted, gone...)
		}
		b.mu.Unlock()
	}
	return evicted
}

func rateKey(k PairKey) PairKey {
	if r := k.Reciprocal(); r.String() < k.String() {
		return r
	}
	return k
}

func (m *Manager) recordPairs(key PairKey, now time.Time, n int) {
	m.ratesMu.Lock()
	defer m.ratesMu.Unlock()

	rk := rateKey(key)
	r, ok := m.rates[rk]
	if !ok {
		m.rates[rk] = &pairRate{last: now}
		return
	}
	observed := now.Sub(r.last) / time.Duration(n)
	if r.interval == 0 {
		r.interval = observed
	} else {
		r.interval = time.Duration(rateSmoothing*float64(observed) + (1-rateSmoothing)*float64(r.interval))
	}
	r.last = now
}

// estimate projects the wait for a given position from the pair's history,
// falling back to one matching interval per position ahead.
func (m *Manager) estimate(key PairKey, position int) time.Duration {
	m.ratesMu.Lock()
	r := m.rates[rateKey(key)]
	m.ratesMu.Unlock()

	per := m.cfg.MatchingInterval
	if r != nil && r.interval > 0 {
		per = r.interval
	}
	return time.Duration(position) * per
}
