package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_KeepsRawPayloadVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"sdp":"v=0\r\n","odd":[1,2 ,3]}`)
	env, err := New(Signal, raw)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(env.Data))
	assert.False(t, env.Timestamp.IsZero())
}

func TestNew_NilData(t *testing.T) {
	env, err := New(Heartbeat, nil)
	require.NoError(t, err)
	assert.Empty(t, env.Data)
}

func TestDecode(t *testing.T) {
	env, err := New(AcceptMatch, MatchRequestData{MatchID: "m1", SessionID: "s1"})
	require.NoError(t, err)

	var got MatchRequestData
	require.NoError(t, env.Decode(&got))
	assert.Equal(t, "m1", got.MatchID)
	assert.Equal(t, "s1", got.SessionID)

	var untouched MatchRequestData
	require.NoError(t, Envelope{Type: LeaveQueue}.Decode(&untouched))
	assert.Empty(t, untouched.MatchID)
}

func TestEncode_DoesNotEscapeHTML(t *testing.T) {
	env, err := New(Signal, SignalData{SessionID: "s", From: "a", SignalType: "offer", Payload: json.RawMessage(`{"sdp":"a=<x>&y"}`)})
	require.NoError(t, err)

	b, err := env.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"payload":{"sdp":"a=<x>&y"}`)
	assert.NotContains(t, string(b), `\u003c`)
}
