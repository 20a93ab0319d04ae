// Package hub implements the FlowLink Signaling & Relay Hub: the single
// process that owns session membership, global device discovery, and
// message routing for cross-device continuity clients.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/flowlink-rmm/hub/internal/clock"
	"github.com/flowlink-rmm/hub/internal/logging"
	"github.com/flowlink-rmm/hub/internal/model"
	"github.com/flowlink-rmm/hub/internal/workerpool"
)

var log = logging.L("hub")

// Options configures session/device lifecycle timing and
// the fan-out delivery pool used to flush broadcasts.
type Options struct {
	SessionTTL    time.Duration // default 1h
	GracePeriod   time.Duration // default 30s
	SweepInterval time.Duration // default 1m

	DeliveryWorkers   int // goroutines fanning out group/nearby broadcasts
	DeliveryQueueSize int
}

// DefaultOptions returns the Hub's production defaults.
func DefaultOptions() Options {
	return Options{
		SessionTTL:    time.Hour,
		GracePeriod:   30 * time.Second,
		SweepInterval: time.Minute,

		DeliveryWorkers:   8,
		DeliveryQueueSize: 1024,
	}
}

// Hub wires the Session Store, Global Device Directory, and Router
// behind one logical lock and dispatches incoming envelopes by type.
type Hub struct {
	opts      Options
	clock     clock.Clock
	state     *state
	r         router
	startedAt time.Time
	pool      *workerpool.Pool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Hub. Call Run to start the background expiry sweep.
func New(opts Options, c clock.Clock) *Hub {
	if c == nil {
		c = clock.Real{}
	}
	if opts.DeliveryWorkers < 1 {
		opts.DeliveryWorkers = 1
	}
	if opts.DeliveryQueueSize < 1 {
		opts.DeliveryQueueSize = 1
	}
	return &Hub{
		opts:      opts,
		clock:     c,
		state:     newState(),
		startedAt: c.Now(),
		pool:      workerpool.New(opts.DeliveryWorkers, opts.DeliveryQueueSize),
		stopCh:    make(chan struct{}),
	}
}

// Stats is a point-in-time snapshot of Hub occupancy, used by the
// healthz server's /health endpoint.
type Stats struct {
	Sessions       int
	Connections    int
	GlobalDevices  int
	UptimeSeconds  float64
}

// Stats reports current session/connection/device counts for the
// /health endpoint.
func (h *Hub) Stats() Stats {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return Stats{
		Sessions:      len(h.state.sessions),
		Connections:   len(h.state.conns),
		GlobalDevices: len(h.state.devices),
		UptimeSeconds: h.now().Sub(h.startedAt).Seconds(),
	}
}

func (h *Hub) now() time.Time { return h.clock.Now() }

// Run starts the background expiry/grace sweep. It blocks until ctx is
// canceled or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(1)
	defer h.wg.Done()

	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// Stop halts the background sweep, closes every open connection with
// close code 1001 ("hub shutting down"), and drains the delivery pool.
// Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	h.state.mu.Lock()
	open := make([]Connection, 0, len(h.state.conns))
	for _, c := range h.state.conns {
		open = append(open, c)
	}
	h.state.mu.Unlock()
	for _, c := range open {
		c.Close(1001, "hub shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.pool.Drain(ctx)
}

// RegisterConnection adds a freshly-accepted connection to the Hub's
// connection registry. It is not yet attached to any device until
// device_register, session_create, or session_join runs.
func (h *Hub) RegisterConnection(c Connection) {
	h.state.mu.Lock()
	h.state.conns[c.ID()] = c
	h.state.mu.Unlock()
}

// UnregisterConnection runs the full disconnect flow for a closed
// connection: detaching it from its device and, if that was the
// device's last connection, running the session-level disconnect logic.
func (h *Hub) UnregisterConnection(connID string) {
	h.state.mu.Lock()
	deviceID := h.state.detachConnection(connID)
	delete(h.state.conns, connID)
	var batch []outbound
	if deviceID != "" {
		now := h.now()
		if entry := h.state.devices[deviceID]; entry != nil {
			entry.LastSeen = now
			if !entry.Online() {
				entry.DisconnectedAt = now
			}
		}
		batch = h.onDeviceDisconnected(deviceID)
	}
	h.state.mu.Unlock()

	h.flush(batch)
}

// Dispatch decodes and handles one envelope received on connID. It is
// safe to call concurrently for different connections; internally every
// handler serializes on the same lock.
func (h *Hub) Dispatch(connID string, env model.Envelope) {
	var batch []outbound

	switch env.Type {
	case model.TypeDeviceRegister:
		batch = h.handleDeviceRegister(connID, env)
	case model.TypeSessionCreate:
		batch = h.handleSessionCreate(connID, env)
	case model.TypeSessionJoin:
		batch = h.handleSessionJoin(connID, env)
	case model.TypeSessionLeave:
		batch = h.handleSessionLeave(connID, env)
	case model.TypeWebRTCOffer, model.TypeWebRTCAnswer, model.TypeWebRTCICECandidate:
		batch = h.handleSignalRelay(connID, env)
	case model.TypeIntentSend:
		batch = h.handleIntentSend(connID, env)
	case model.TypeClipboardBroadcast:
		batch = h.handleClipboardBroadcast(connID, env)
	case model.TypeDeviceStatusUpdate:
		batch = h.handleDeviceStatusUpdate(connID, env)
	case model.TypeGroupCreate:
		batch = h.handleGroupCreate(connID, env)
	case model.TypeGroupUpdate:
		batch = h.handleGroupUpdate(connID, env)
	case model.TypeGroupDelete:
		batch = h.handleGroupDelete(connID, env)
	case model.TypeGroupBroadcast:
		batch = h.handleGroupBroadcast(connID, env)
	case model.TypeSessionInvitation:
		batch = h.handleSessionInvitation(connID, env)
	case model.TypeInvitationResponse:
		batch = h.handleInvitationResponse(connID, env)
	case model.TypeNearbySessionBroadcast:
		batch = h.handleNearbySessionBroadcast(connID, env)
	default:
		batch = h.replyError(connID, "unknown message type: "+env.Type)
	}

	h.flush(batch)
}

// replyError wraps a message in a TypeError envelope addressed back at
// the originating connection. The connection stays open.
func (h *Hub) replyError(connID string, message string) []outbound {
	h.state.mu.Lock()
	c := h.state.conns[connID]
	h.state.mu.Unlock()
	if c == nil {
		return nil
	}
	return deliverOne(h.now, c, model.TypeError, model.ErrorPayload{Message: message})
}

// replyErrFrom is replyError for handlers that already hold state.mu.
func (h *Hub) replyErrFrom(connID string, err *protocolError) []outbound {
	return deliverOne(h.now, h.connOf(connID), model.TypeError, model.ErrorPayload{Message: err.Error()})
}

// connOf returns the connection for connID, for handlers that need to
// reply directly to the sender. Caller must hold state.mu.
func (h *Hub) connOf(connID string) Connection {
	return h.state.conns[connID]
}
