// Package transport is the server-side WebSocket listener: it accepts
// connections, frames/deframes envelopes, runs the heartbeat, and hands
// decoded envelopes to the Hub for dispatch.
package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/flowlink-rmm/hub/internal/logging"
	"github.com/flowlink-rmm/hub/internal/model"
)

var log = logging.L("transport")

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	// pongWait spans two ping periods, so a connection is closed only
	// after it misses two consecutive heartbeats.
	pongWait = 2*pingPeriod + writeWait
)

var errQueueFull = errors.New("transport: outbound queue full")
var errConnClosed = errors.New("transport: connection closed")

// conn adapts one *websocket.Conn to the hub.Connection interface. send
// is a bounded queue; a slow reader overflows it and gets disconnected
// rather than stalling the Hub's critical section. mu guards
// closed/send so Send never races a concurrent Close's channel close.
type conn struct {
	id string
	ws *websocket.Conn

	mu     sync.Mutex
	closed bool
	send   chan []byte

	limiter *rate.Limiter
}

func newConn(id string, ws *websocket.Conn, maxMessageSize int64, queueSize int, msgsPerSecond float64, burst int) *conn {
	ws.SetReadLimit(maxMessageSize)
	c := &conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, queueSize),
		limiter: rate.NewLimiter(rate.Limit(msgsPerSecond), burst),
	}
	return c
}

func (c *conn) ID() string { return c.id }

// Allow reports whether the next inbound envelope is within this
// connection's rate budget (abuse-resistance: a flooding
// client is throttled rather than allowed to starve the Hub's
// critical section).
func (c *conn) Allow() bool {
	return c.limiter.Allow()
}

// Send enqueues an envelope. Non-blocking: a full queue closes the
// connection outright rather than growing unbounded or blocking the
// caller.
func (c *conn) Send(env model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}

	select {
	case c.send <- data:
		return nil
	default:
		log.Warn("outbound queue full, closing connection", "connId", c.id)
		c.closeLocked(websocket.CloseMessageTooBig, "outbound queue overflow")
		return errQueueFull
	}
}

func (c *conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

// closeLocked performs the close; caller must hold c.mu.
func (c *conn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.ws.Close()
	close(c.send)
}
