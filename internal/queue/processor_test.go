package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor_SweepNowDeliversPairs(t *testing.T) {
	m := newTestManager(Config{})
	p := NewProcessor(m, time.Hour, time.Hour, zerolog.Nop())

	got := make(chan []Pair, 1)
	p.OnPairs = func(pairs []Pair) { got <- pairs }

	p.Start(context.Background())
	defer p.Stop()

	_, _ = m.Join(prefs("a", "en", "es", 30))
	_, _ = m.Join(prefs("b", "es", "en", 30))
	p.SweepNow()

	select {
	case pairs := <-got:
		assert.Len(t, pairs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no pairs delivered")
	}
}

func TestProcessor_RunCleanupNotifies(t *testing.T) {
	m := newTestManager(Config{MaxWait: time.Second})
	now := t0
	m.Now = func() time.Time { return now }

	p := NewProcessor(m, time.Hour, time.Hour, zerolog.Nop())
	var mu sync.Mutex
	var expired []string
	p.OnExpired = func(entries []*Entry) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entries {
			expired = append(expired, e.UserID)
		}
	}

	_, err := m.Join(prefs("a", "en", "es", 30))
	require.NoError(t, err)
	now = now.Add(2 * time.Second)

	p.RunCleanup()
	assert.Equal(t, []string{"a"}, expired)
	assert.Nil(t, p.RunCleanup())
}

func TestProcessor_StopWithoutStart(t *testing.T) {
	p := NewProcessor(newTestManager(Config{}), time.Second, time.Second, zerolog.Nop())
	assert.NotPanics(t, p.Stop)
}
