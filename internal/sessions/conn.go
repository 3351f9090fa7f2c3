package sessions

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"langapp-coordinator/internal/auth"
	"langapp-coordinator/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Large enough for SDP offers with many candidates.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// Conn is one client websocket. Writes go through the buffered send channel
// and a single writer goroutine.
type Conn struct {
	ID          string
	ClientIP    string
	UserAgent   string
	ConnectedAt time.Time

	ws   *websocket.Conn
	slot auth.Slot
	send chan []byte
	done chan struct{}
	once sync.Once
	log  zerolog.Logger

	closeReason atomic.Value // string
	sent        atomic.Int64
	recv        atomic.Int64
	lastPong    atomic.Int64 // unix nanos
}

func newConn(ws *websocket.Conn, clientIP, userAgent string, log zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		ID:          id,
		ClientIP:    clientIP,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		log:         log.With().Str("conn_id", id).Logger(),
	}
}

// Identity returns the identity bound to this connection, or nil before
// authentication.
func (c *Conn) Identity() *auth.Identity {
	return c.slot.Get()
}

func (c *Conn) UserID() string {
	if id := c.slot.Get(); id != nil {
		return id.UserID
	}
	return ""
}

// Send queues an event without waiting for the client. A full buffer means
// the client is not keeping up; the connection is closed.
func (c *Conn) Send(msgType string, data any) error {
	env, err := events.New(msgType, data)
	if err != nil {
		return err
	}
	return c.SendEnvelope(env)
}

func (c *Conn) SendEnvelope(env events.Envelope) error {
	b, err := env.Encode()
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- b:
		c.sent.Add(1)
		return nil
	default:
		c.log.Warn().Str("user_id", c.UserID()).Msg("send buffer full, closing slow consumer")
		c.Close("slow_consumer")
		return ErrSlowConsumer
	}
}

// Close stops the writer after it flushes what is already queued. Safe to
// call more than once; the first reason sticks.
func (c *Conn) Close(reason string) {
	c.once.Do(func() {
		c.closeReason.Store(reason)
		close(c.done)
	})
}

// CloseWith tells the client why before closing.
func (c *Conn) CloseWith(reason string) {
	_ = c.Send(events.Disconnect, events.DisconnectData{Reason: reason})
	c.Close(reason)
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) CloseReason() string {
	if v, ok := c.closeReason.Load().(string); ok {
		return v
	}
	return ""
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close("write_error")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping_failed")
				return
			}
		case <-c.done:
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.CloseReason()))
			return
		}
	}
}

func (c *Conn) write(msg []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *Conn) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// ConnectionMetrics is a point-in-time view of one connection.
type ConnectionMetrics struct {
	ConnID       string    `json:"conn_id"`
	UserID       string    `json:"user_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastPong     time.Time `json:"last_pong,omitempty"`
	MessagesSent int64     `json:"messages_sent"`
	MessagesRecv int64     `json:"messages_recv"`
	ClientIP     string    `json:"client_ip"`
	UserAgent    string    `json:"user_agent"`
}

func (c *Conn) metrics() ConnectionMetrics {
	m := ConnectionMetrics{
		ConnID:       c.ID,
		UserID:       c.UserID(),
		ConnectedAt:  c.ConnectedAt,
		MessagesSent: c.sent.Load(),
		MessagesRecv: c.recv.Load(),
		ClientIP:     c.ClientIP,
		UserAgent:    c.UserAgent,
	}
	if ns := c.lastPong.Load(); ns > 0 {
		m.LastPong = time.Unix(0, ns)
	}
	return m
}
