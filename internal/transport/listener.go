package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowlink-rmm/hub/internal/hub"
	"github.com/flowlink-rmm/hub/internal/model"
)

// Config controls per-connection limits.
type Config struct {
	MaxMessageSize    int64
	OutboundQueueSize int
	CheckOrigin       func(r *http.Request) bool

	// InboundRateLimit and InboundBurst bound how many envelopes a
	// single connection may submit per second before its excess
	// messages are dropped with an error reply.
	InboundRateLimit float64
	InboundBurst     int
}

// DefaultConfig returns the listener's production defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    64 * 1024,
		OutboundQueueSize: 64,
		InboundRateLimit:  20,
		InboundBurst:      40,
	}
}

// Listener upgrades incoming HTTP requests to WebSocket connections and
// feeds decoded envelopes to a Hub.
type Listener struct {
	cfg Config
	hub *hub.Hub
	up  websocket.Upgrader
}

// NewListener builds a Listener bound to h.
func NewListener(h *hub.Hub, cfg Config) *Listener {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Listener{
		cfg: cfg,
		hub: h,
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's pumps until
// it closes, then runs the Hub's disconnect flow.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := l.up.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	c := newConn(id, ws, l.cfg.MaxMessageSize, l.cfg.OutboundQueueSize, l.cfg.InboundRateLimit, l.cfg.InboundBurst)

	l.hub.RegisterConnection(c)
	log.Info("connection opened", "connId", id, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go l.writePump(c, done)
	l.readPump(c)
	close(done)

	c.Close(websocket.CloseNormalClosure, "")
	l.hub.UnregisterConnection(id)
	log.Info("connection closed", "connId", id)
}

func (l *Listener) readPump(c *conn) {
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", "connId", c.id, "error", err)
			}
			return
		}

		if !c.Allow() {
			_ = c.Send(mustEnvelope(model.TypeError, model.ErrorPayload{Message: "Rate limit exceeded"}))
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.Send(mustEnvelope(model.TypeError, model.ErrorPayload{Message: "Invalid message format"}))
			continue
		}

		l.hub.Dispatch(c.id, env)
	}
}

func (l *Listener) writePump(c *conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("write error", "connId", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustEnvelope(typ string, payload any) model.Envelope {
	env, err := model.NewEnvelope(typ, payload, time.Now().UnixMilli())
	if err != nil {
		return model.Envelope{Type: typ, Timestamp: time.Now().UnixMilli()}
	}
	return env
}
