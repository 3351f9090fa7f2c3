package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(cfg Config) *Manager {
	if cfg.BucketCapacity == 0 {
		cfg.BucketCapacity = 100
	}
	if cfg.MatchingInterval == 0 {
		cfg.MatchingInterval = 2 * time.Second
	}
	m := NewManager(cfg, DefaultScorer())
	m.Now = func() time.Time { return t0 }
	return m
}

func prefs(user, native, target string, age int) Preferences {
	return Preferences{UserID: user, NativeLanguage: native, TargetLanguage: target, Age: age}
}

func intPtr(v int) *int { return &v }

func TestJoin_AlreadyQueued(t *testing.T) {
	m := newTestManager(Config{})

	_, err := m.Join(prefs("a", "en", "es", 30))
	require.NoError(t, err)

	_, err = m.Join(prefs("a", "en", "es", 30))
	assert.ErrorIs(t, err, ErrAlreadyQueued)

	// a different bucket does not get around the one-entry rule
	_, err = m.Join(prefs("a", "fr", "de", 30))
	assert.ErrorIs(t, err, ErrAlreadyQueued)
	assert.Equal(t, 1, m.Len())
}

func TestJoin_QueueFull(t *testing.T) {
	m := newTestManager(Config{BucketCapacity: 2})

	for _, u := range []string{"a", "b"} {
		_, err := m.Join(prefs(u, "en", "es", 30))
		require.NoError(t, err)
	}
	_, err := m.Join(prefs("c", "en", "es", 30))
	assert.ErrorIs(t, err, ErrQueueFull)

	// other buckets are unaffected
	_, err = m.Join(prefs("c", "es", "en", 30))
	assert.NoError(t, err)
}

func TestJoin_InvalidPreferences(t *testing.T) {
	m := newTestManager(Config{})

	tests := []struct {
		name  string
		prefs Preferences
	}{
		{"no user", prefs("", "en", "es", 30)},
		{"unsupported", prefs("a", "en", "xx", 30)},
		{"same language", prefs("a", "en", "EN", 30)},
		{"bad proficiency", Preferences{UserID: "a", NativeLanguage: "en", TargetLanguage: "es", Proficiency: 9}},
		{"inverted bounds", Preferences{UserID: "a", NativeLanguage: "en", TargetLanguage: "es", AgeMin: intPtr(40), AgeMax: intPtr(20)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Join(tt.prefs)
			assert.ErrorIs(t, err, ErrInvalidPreferences)
		})
	}
	assert.Zero(t, m.Len())
}

func TestJoin_NormalizesLanguageNames(t *testing.T) {
	m := newTestManager(Config{})
	_, err := m.Join(prefs("a", "English", " ES ", 30))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"en:es": 1}, m.Stats())
}

func TestJoin_PositionAndEstimate(t *testing.T) {
	m := newTestManager(Config{MatchingInterval: 2 * time.Second})

	r1, err := m.Join(prefs("a", "en", "es", 30))
	require.NoError(t, err)
	r2, err := m.Join(prefs("b", "en", "es", 30))
	require.NoError(t, err)
	assert.Equal(t, 1, r1.Position)
	assert.Equal(t, 2, r2.Position)
	assert.Equal(t, 4*time.Second, r2.EstimatedWait)

	r3, err := m.Requeue(prefs("c", "en", "es", 30), true)
	require.NoError(t, err)
	assert.Equal(t, 1, r3.Position)

	pos, ok := m.Position("a")
	require.True(t, ok)
	assert.Equal(t, 2, pos)
}

func TestLeave(t *testing.T) {
	m := newTestManager(Config{})

	assert.False(t, m.Leave("nobody"))

	_, err := m.Join(prefs("a", "en", "es", 30))
	require.NoError(t, err)
	assert.True(t, m.Leave("a"))
	assert.False(t, m.Leave("a"))
	assert.False(t, m.Contains("a"))

	// can join again after leaving
	_, err = m.Join(prefs("a", "en", "es", 30))
	assert.NoError(t, err)
}

func TestSweep_LeaverIsNeverPaired(t *testing.T) {
	m := newTestManager(Config{})
	_, _ = m.Join(prefs("a", "en", "es", 30))
	_, _ = m.Join(prefs("b", "es", "en", 28))
	require.True(t, m.Leave("b"))

	assert.Empty(t, m.Sweep(t0))
	assert.True(t, m.Contains("a"))
}

func TestSweep_ReciprocalPairScenario(t *testing.T) {
	m := newTestManager(Config{})
	_, err := m.Join(prefs("A", "en", "es", 30))
	require.NoError(t, err)
	_, err = m.Join(prefs("B", "es", "en", 28))
	require.NoError(t, err)

	pairs := m.Sweep(t0)
	require.Len(t, pairs, 1)

	p := pairs[0]
	assert.ElementsMatch(t, []string{"A", "B"}, []string{p.A.UserID, p.B.UserID})
	assert.Equal(t, p.A.Prefs.NativeLanguage, p.B.Prefs.TargetLanguage)
	assert.Equal(t, p.A.Prefs.TargetLanguage, p.B.Prefs.NativeLanguage)
	assert.Zero(t, m.Len())

	assert.Empty(t, m.Sweep(t0), "paired entries are gone")
}

func TestSweep_NonReciprocalBucketsDoNotPair(t *testing.T) {
	m := newTestManager(Config{})
	_, _ = m.Join(prefs("a", "en", "es", 30))
	_, _ = m.Join(prefs("b", "es", "fr", 30))
	_, _ = m.Join(prefs("c", "fr", "en", 30))

	assert.Empty(t, m.Sweep(t0))
	assert.Equal(t, 3, m.Len())
}

func TestSweep_GenderPreferenceExcludes(t *testing.T) {
	m := newTestManager(Config{})
	c := prefs("C", "en", "es", 30)
	c.GenderPreference = "female"
	_, _ = m.Join(c)

	d := prefs("D", "es", "en", 30)
	d.Gender = "male"
	_, _ = m.Join(d)

	assert.Empty(t, m.Sweep(t0))
	assert.True(t, m.Contains("C"))
	assert.True(t, m.Contains("D"))

	e := prefs("E", "es", "en", 45)
	e.Gender = "Female"
	_, _ = m.Join(e)

	pairs := m.Sweep(t0)
	require.Len(t, pairs, 1)
	assert.ElementsMatch(t, []string{"C", "E"}, []string{pairs[0].A.UserID, pairs[0].B.UserID})
	assert.True(t, m.Contains("D"))
}

func TestSweep_AgeBoundsBothWays(t *testing.T) {
	m := newTestManager(Config{})
	a := prefs("a", "en", "es", 30)
	a.AgeMin, a.AgeMax = intPtr(25), intPtr(35)
	_, _ = m.Join(a)

	// b is in a's range, but b only wants people over 40
	b := prefs("b", "es", "en", 28)
	b.AgeMin = intPtr(40)
	_, _ = m.Join(b)

	// c is outside a's range
	_, _ = m.Join(prefs("c", "es", "en", 50))

	assert.Empty(t, m.Sweep(t0))

	_, _ = m.Join(prefs("d", "es", "en", 33))
	pairs := m.Sweep(t0)
	require.Len(t, pairs, 1)
	assert.ElementsMatch(t, []string{"a", "d"}, []string{pairs[0].A.UserID, pairs[0].B.UserID})
}

func TestSweep_PriorityAnchorFirst(t *testing.T) {
	m := newTestManager(Config{})
	_, _ = m.Join(prefs("old", "en", "es", 30))
	_, _ = m.Join(prefs("partner", "es", "en", 30))
	_, _ = m.Requeue(prefs("prio", "en", "es", 30), true)

	pairs := m.Sweep(t0)
	require.Len(t, pairs, 1)
	assert.Equal(t, "prio", pairs[0].A.UserID)
	assert.Equal(t, "partner", pairs[0].B.UserID)
	assert.True(t, m.Contains("old"))
}

func TestSweep_BestScoreWins(t *testing.T) {
	m := newTestManager(Config{})
	_, _ = m.Join(prefs("a", "en", "es", 30))
	_, _ = m.Join(prefs("far", "es", "en", 60))
	_, _ = m.Join(prefs("close", "es", "en", 31))

	pairs := m.Sweep(t0)
	require.Len(t, pairs, 1)
	assert.Equal(t, "a", pairs[0].A.UserID)
	assert.Equal(t, "close", pairs[0].B.UserID)
}

func TestSweep_ScoreTieGoesToEarlierInsertion(t *testing.T) {
	m := newTestManager(Config{})
	_, _ = m.Join(prefs("a", "en", "es", 30))
	_, _ = m.Join(prefs("first", "es", "en", 28))
	_, _ = m.Join(prefs("second", "es", "en", 32))

	pairs := m.Sweep(t0)
	require.Len(t, pairs, 1)
	assert.Equal(t, "first", pairs[0].B.UserID)
}

func TestSweep_RespectsSweepLimit(t *testing.T) {
	m := newTestManager(Config{SweepLimit: 1})

	picky := prefs("picky", "en", "es", 30)
	picky.GenderPreference = "female"
	_, _ = m.Join(picky)
	_, _ = m.Join(prefs("easy", "en", "es", 30))

	other := prefs("other", "es", "en", 30)
	other.Gender = "male"
	_, _ = m.Join(other)

	// only the head of each bucket is scanned
	assert.Empty(t, m.Sweep(t0))

	require.True(t, m.Leave("picky"))
	assert.Len(t, m.Sweep(t0), 1)
}

func TestSweep_PairingRateFeedsEstimate(t *testing.T) {
	m := newTestManager(Config{MatchingInterval: time.Minute})

	_, _ = m.Join(prefs("a1", "en", "es", 30))
	_, _ = m.Join(prefs("b1", "es", "en", 30))
	require.Len(t, m.Sweep(t0), 1)

	for i := 0; i < 2; i++ {
		_, _ = m.Join(prefs(fmt.Sprintf("a%d", i+2), "en", "es", 30))
		_, _ = m.Join(prefs(fmt.Sprintf("b%d", i+2), "es", "en", 30))
	}
	require.Len(t, m.Sweep(t0.Add(10*time.Second)), 2)

	res, err := m.Join(prefs("next", "es", "en", 30))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, res.EstimatedWait)
}

func TestEvictExpired(t *testing.T) {
	m := newTestManager(Config{MaxWait: time.Minute})
	now := t0
	m.Now = func() time.Time { return now }

	_, _ = m.Join(prefs("old", "en", "es", 30))
	now = now.Add(45 * time.Second)
	_, _ = m.Join(prefs("new", "en", "es", 30))

	assert.Empty(t, m.EvictExpired(now))

	now = now.Add(30 * time.Second)
	evicted := m.EvictExpired(now)
	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].UserID)
	assert.False(t, m.Contains("old"))
	assert.True(t, m.Contains("new"))
}

func TestConcurrentJoinLeaveSweep(t *testing.T) {
	m := newTestManager(Config{BucketCapacity: 1000, SweepLimit: 50})

	const n = 200
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		left   = make(map[string]bool)
		paired = make(map[string]int)
	)

	stop := make(chan struct{})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, p := range m.Sweep(t0) {
				mu.Lock()
				paired[p.A.UserID]++
				paired[p.B.UserID]++
				mu.Unlock()
			}
		}
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			native, target := "en", "es"
			if i%2 == 1 {
				native, target = "es", "en"
			}
			user := fmt.Sprintf("u%d", i)
			if _, err := m.Join(prefs(user, native, target, 20+i%30)); err != nil {
				t.Errorf("join %s: %v", user, err)
				return
			}
			if i%5 == 0 && m.Leave(user) {
				mu.Lock()
				left[user] = true
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	<-sweeperDone

	for _, p := range m.Sweep(t0) {
		paired[p.A.UserID]++
		paired[p.B.UserID]++
	}

	for user, count := range paired {
		assert.Equal(t, 1, count, "user %s paired more than once", user)
		assert.False(t, left[user], "user %s left but was paired", user)
		assert.False(t, m.Contains(user))
	}
	assert.Equal(t, n, len(paired)+len(left)+m.Len())
}
