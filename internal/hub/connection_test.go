package hub

import (
	"errors"
	"sync"

	"github.com/flowlink-rmm/hub/internal/model"
)

// fakeConn is an in-memory Connection used across this package's tests so
// handlers can be exercised without a real transport.
type fakeConn struct {
	id string

	mu       sync.Mutex
	received []model.Envelope
	closed   bool
	closeErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(env model.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn: send on closed connection")
	}
	c.received = append(c.received, env)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) envelopes() []model.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Envelope, len(c.received))
	copy(out, c.received)
	return out
}

func (c *fakeConn) last() (model.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.received) == 0 {
		return model.Envelope{}, false
	}
	return c.received[len(c.received)-1], true
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.received))
	for i, e := range c.received {
		out[i] = e.Type
	}
	return out
}
