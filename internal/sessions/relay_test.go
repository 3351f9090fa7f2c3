package sessions

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"langapp-coordinator/internal/events"
)

type delivery struct {
	user string
	typ  string
	data any
}

type fakeNotifier struct {
	mu        sync.Mutex
	online    map[string]bool
	delivered []delivery
}

func (f *fakeNotifier) Send(userID, msgType string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return events.ErrNotConnected
	}
	f.delivered = append(f.delivered, delivery{userID, msgType, data})
	return nil
}

func TestRelay(t *testing.T) {
	r, now := newTestRegistry()
	_, err := r.Open("a", "b", "s1")
	require.NoError(t, err)

	n := &fakeNotifier{online: map[string]bool{"a": true, "b": true}}
	relay := NewRelay(r, n, zerolog.Nop())

	payload := json.RawMessage(`{"sdp": "v=0\r\no=- 1 2 IN IP4 127.0.0.1", "extra": [1, 2]}`)
	*now = t0.Add(time.Minute)
	require.NoError(t, relay.Relay("s1", "a", "offer", payload))

	require.Len(t, n.delivered, 1)
	got := n.delivered[0]
	assert.Equal(t, "b", got.user)
	assert.Equal(t, events.Signal, got.typ)
	sig := got.data.(events.SignalData)
	assert.Equal(t, "a", sig.From)
	assert.Equal(t, "offer", sig.SignalType)
	assert.Equal(t, string(payload), string(sig.Payload))

	s, _ := r.Get("s1")
	assert.Equal(t, t0.Add(time.Minute), s.LastActivity)
}

func TestRelay_NonParticipantNeverDelivered(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Open("a", "b", "s1")
	n := &fakeNotifier{online: map[string]bool{"a": true, "b": true, "c": true}}
	relay := NewRelay(r, n, zerolog.Nop())

	assert.ErrorIs(t, relay.Relay("s1", "c", "offer", nil), ErrUnauthorizedRelay)
	assert.ErrorIs(t, relay.Relay("missing", "a", "offer", nil), ErrUnauthorizedRelay)
	assert.Empty(t, n.delivered)
}

func TestRelay_Errors(t *testing.T) {
	r, _ := newTestRegistry()
	_, _ = r.Open("a", "b", "s1")
	n := &fakeNotifier{online: map[string]bool{"a": true}}
	relay := NewRelay(r, n, zerolog.Nop())

	assert.ErrorIs(t, relay.Relay("s1", "a", " ", nil), ErrInvalidSignal)
	assert.ErrorIs(t, relay.Relay("s1", "a", "candidate", nil), ErrPeerUnreachable)

	_, _ = r.Close("s1", ReasonEnded, "a")
	assert.ErrorIs(t, relay.Relay("s1", "a", "candidate", nil), ErrSessionClosed)
}
