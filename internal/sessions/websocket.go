// Package sessions tracks two-party sessions, relays signaling between their
// participants and owns the client websocket transport.
package sessions

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"langapp-coordinator/internal/auth"
	"langapp-coordinator/internal/events"
	"langapp-coordinator/internal/metrics"
)

// Disconnect reasons reported to the dispatcher and the client.
const (
	DisconnectClosed     = "closed"
	DisconnectSuperseded = "superseded"
	DisconnectShutdown   = "shutdown"
	DisconnectAuthFailed = "auth_failed"
)

// Client is the dispatcher's view of an authenticated connection.
type Client interface {
	UserID() string
	Identity() *auth.Identity
}

// Dispatcher handles events from authenticated connections.
type Dispatcher interface {
	Connected(c Client)
	// Dispatch handles one inbound event. A non-nil reply is sent back on
	// the same connection.
	Dispatch(ctx context.Context, c Client, env events.Envelope) *events.Envelope
	// Disconnected runs once per user connection, before a replacing
	// connection starts reading.
	Disconnected(userID, reason string)
}

type WSConfig struct {
	AllowedOrigins  []string
	AuthTimeout     time.Duration
	MaxAuthAttempts int
}

type WSManager struct {
	cfg        WSConfig
	auth       *auth.Authenticator
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	mu          sync.RWMutex
	connections map[string]*Conn // userID -> connection
	closing     bool
}

func NewWSManager(cfg WSConfig, authenticator *auth.Authenticator, log zerolog.Logger) *WSManager {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.MaxAuthAttempts < 1 {
		cfg.MaxAuthAttempts = 3
	}
	wm := &WSManager{
		cfg:         cfg,
		auth:        authenticator,
		log:         log,
		connections: make(map[string]*Conn),
	}
	wm.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     wm.checkOrigin,
	}
	return wm
}

// SetDispatcher must be called before the handler serves traffic.
func (wm *WSManager) SetDispatcher(d Dispatcher) {
	wm.dispatcher = d
}

func (wm *WSManager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(wm.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range wm.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type handshakeError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeHandshakeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(handshakeError{Error: http.StatusText(status), Reason: reason})
}

// HandleWebSocket upgrades the request and serves the connection until it
// closes. A token on the upgrade request is verified before upgrading;
// without one the client must send an authenticate event first.
func (wm *WSManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wm.mu.RLock()
	closing := wm.closing
	wm.mu.RUnlock()
	if closing {
		writeHandshakeError(w, http.StatusServiceUnavailable, DisconnectShutdown)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var identity *auth.Identity
	if token := auth.ExtractToken(r); token != "" {
		id, err := wm.auth.Authenticate(ctx, token)
		if err != nil {
			reason := auth.Reason(err)
			metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
			wm.log.Info().Err(err).Str("client_ip", clientIP(r)).Msg("handshake authentication failed")
			writeHandshakeError(w, auth.HTTPStatus(err), reason)
			return
		}
		identity = id
	}

	ws, err := wm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wm.log.Debug().Err(err).Str("client_ip", clientIP(r)).Msg("websocket upgrade failed")
		return
	}

	c := newConn(ws, clientIP(r), r.UserAgent(), wm.log)
	go c.writePump()
	ws.SetReadLimit(maxMessageSize)

	if identity != nil {
		c.slot.Attach(identity)
	} else if !wm.awaitAuthentication(ctx, c) {
		c.Close(DisconnectAuthFailed)
		return
	}
	c.Send(events.Authenticated, events.AuthenticatedData{UserID: c.UserID()})

	wm.register(c)
	reason := wm.readLoop(ctx, c)
	c.Close(reason)

	if wm.unregister(c) {
		wm.dispatcher.Disconnected(c.UserID(), reason)
	}
	wm.log.Info().
		Str("conn_id", c.ID).
		Str("user_id", c.UserID()).
		Str("reason", reason).
		Dur("duration", time.Since(c.ConnectedAt)).
		Int64("sent", c.sent.Load()).
		Int64("recv", c.recv.Load()).
		Msg("connection closed")
}

// awaitAuthentication reads until the client authenticates, the attempts
// run out, or the auth timeout passes.
func (wm *WSManager) awaitAuthentication(ctx context.Context, c *Conn) bool {
	deadline := time.Now().Add(wm.cfg.AuthTimeout)
	c.ws.SetReadDeadline(deadline)

	for attempt := 1; attempt <= wm.cfg.MaxAuthAttempts; attempt++ {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues("timeout").Inc()
			return false
		}
		c.recv.Add(1)

		var env events.Envelope
		var data events.AuthenticateData
		if json.Unmarshal(raw, &env) != nil || env.Type != events.Authenticate || env.Decode(&data) != nil {
			data.Token = ""
		}

		id, err := wm.auth.AuthenticateInto(ctx, &c.slot, data.Token)
		if err == nil && id != nil {
			return true
		}

		reason := auth.Reason(err)
		metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
		if !auth.Retryable(err) || attempt == wm.cfg.MaxAuthAttempts {
			c.CloseWith(reason)
			return false
		}
		c.Send(events.AuthError, events.AuthErrorData{Reason: reason, Attempts: attempt})
	}
	return false
}

func (wm *WSManager) readLoop(ctx context.Context, c *Conn) string {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if reason := c.CloseReason(); reason != "" {
				return reason
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("unexpected close")
			}
			return DisconnectClosed
		}
		c.recv.Add(1)

		var env events.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			c.Send(events.Error, events.ErrorData{Code: "bad_request", Message: "malformed event"})
			continue
		}

		if reply := wm.dispatcher.Dispatch(ctx, c, env); reply != nil {
			if reply.RequestID == "" {
				reply.RequestID = env.RequestID
			}
			c.SendEnvelope(*reply)
		}
	}
}

// register makes c the user's live connection. An older connection is
// closed and cleaned up before the new one is announced.
func (wm *WSManager) register(c *Conn) {
	userID := c.UserID()

	wm.mu.Lock()
	old := wm.connections[userID]
	wm.connections[userID] = c
	total := len(wm.connections)
	wm.mu.Unlock()

	if old != nil {
		old.CloseWith(DisconnectSuperseded)
		wm.dispatcher.Disconnected(userID, DisconnectSuperseded)
	} else {
		metrics.ConnectionsActive.Inc()
	}
	wm.dispatcher.Connected(c)

	wm.log.Info().
		Str("conn_id", c.ID).
		Str("user_id", userID).
		Str("client_ip", c.ClientIP).
		Int("connections", total).
		Msg("user connected")
}

// unregister removes c if it is still the user's live connection.
func (wm *WSManager) unregister(c *Conn) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.connections[c.UserID()] != c {
		return false
	}
	delete(wm.connections, c.UserID())
	metrics.ConnectionsActive.Dec()
	return true
}

// Send implements events.Notifier.
func (wm *WSManager) Send(userID, msgType string, data any) error {
	wm.mu.RLock()
	c := wm.connections[userID]
	wm.mu.RUnlock()
	if c == nil {
		return events.ErrNotConnected
	}
	return c.Send(msgType, data)
}

// CloseAll refuses new connections and closes every open one.
func (wm *WSManager) CloseAll(reason string) {
	wm.mu.Lock()
	wm.closing = true
	conns := make([]*Conn, 0, len(wm.connections))
	for _, c := range wm.connections {
		conns = append(conns, c)
	}
	wm.mu.Unlock()

	for _, c := range conns {
		c.CloseWith(reason)
	}
	wm.log.Info().Int("connections", len(conns)).Str("reason", reason).Msg("closed all connections")
}

func (wm *WSManager) IsConnected(userID string) bool {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	_, ok := wm.connections[userID]
	return ok
}

func (wm *WSManager) Count() int {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	return len(wm.connections)
}

// ConnectionMetrics returns a copy of per-connection counters.
func (wm *WSManager) ConnectionMetrics() []ConnectionMetrics {
	wm.mu.RLock()
	defer wm.mu.RUnlock()
	out := make([]ConnectionMetrics, 0, len(wm.connections))
	for _, c := range wm.connections {
		out = append(out, c.metrics())
	}
	return out
}

// clientIP expects chi's RealIP middleware to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
