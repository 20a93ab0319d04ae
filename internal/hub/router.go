package hub

import (
	"sync"
	"time"

	"github.com/flowlink-rmm/hub/internal/model"
)

// router resolves a targeting rule into a list of connections to deliver
// to. It is a pure dispatcher: every method here is called
// while state.mu is held, and returns a snapshot of target connections;
// the caller releases the lock before actually writing to any of them,
// so a slow consumer never blocks the critical section.
type router struct{}

// unicast resolves a single deviceId to any one of its open connections.
func (router) unicast(s *state, deviceID string) (Connection, bool) {
	c := s.anyOpenConn(deviceID)
	return c, c != nil
}

// unicastByUsername resolves a username (or, failing that, a literal
// deviceId) to a device entry with at least one open connection,
// excluding the sender's own device.
func (router) unicastByUsername(s *state, identifier, excludeDeviceID string) (*model.DeviceEntry, Connection, bool) {
	entry := s.findDeviceByUsernameOrID(identifier, excludeDeviceID)
	if entry == nil {
		return nil, nil, false
	}
	c := s.anyOpenConn(entry.DeviceID)
	if c == nil {
		return entry, nil, false
	}
	return entry, c, true
}

// session returns every online member's connection except exclude.
// Best-effort: a member with no open connection is simply skipped.
func (router) session(s *state, sess *model.Session, exclude string) []Connection {
	var out []Connection
	for deviceID, m := range sess.Devices {
		if deviceID == exclude || !m.Online {
			continue
		}
		if c := s.anyOpenConn(deviceID); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// group returns connections for every device in the group's member
// list, skipping devices with no open connection. The returned slice's
// length plus however many were skipped gives callers devicesReached vs
// totalDevices for the group_broadcast ack.
func (router) group(s *state, group *model.Group) ([]Connection, []string) {
	var conns []Connection
	var deviceIDs []string
	for _, deviceID := range group.DeviceIDs {
		if c := s.anyOpenConn(deviceID); c != nil {
			conns = append(conns, c)
			deviceIDs = append(deviceIDs, deviceID)
		}
	}
	return conns, deviceIDs
}

// nearby returns every online device, excluding `exclude` and anyone
// already a member of excludeMembersOf.
func (router) nearby(s *state, exclude, excludeMembersOf string) []Connection {
	var out []Connection
	var sess *model.Session
	if excludeMembersOf != "" {
		sess = s.sessions[excludeMembersOf]
	}
	for deviceID, entry := range s.devices {
		if deviceID == exclude || !entry.Online() {
			continue
		}
		if sess != nil {
			if _, isMember := sess.Devices[deviceID]; isMember {
				continue
			}
		}
		if c := s.anyOpenConn(deviceID); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// outbound pairs a resolved connection with the envelope to deliver to
// it, so handlers can build up a batch under the lock and flush it
// afterwards.
type outbound struct {
	conn Connection
	env  model.Envelope
}

func deliverAll(now func() time.Time, targets []Connection, typ string, payload any) []outbound {
	env, err := model.NewEnvelope(typ, payload, now().UnixMilli())
	if err != nil {
		return nil
	}
	out := make([]outbound, 0, len(targets))
	for _, c := range targets {
		out = append(out, outbound{conn: c, env: env})
	}
	return out
}

func deliverOne(now func() time.Time, target Connection, typ string, payload any) []outbound {
	if target == nil {
		return nil
	}
	return deliverAll(now, []Connection{target}, typ, payload)
}

// flush sends every queued outbound frame and waits for all of them to
// land before returning. Called with no lock held. Per-recipient
// failures are logged and do not abort the rest of the batch.
//
// A multi-recipient batch (group/nearby broadcast) is handed to the
// delivery pool so one slow recipient's network write doesn't serialize
// behind the others; flush still blocks until the whole batch is
// delivered, so message ordering to any one connection across
// successive Dispatch calls is preserved. A single-recipient batch is
// sent inline, which is the common case and skips the pool entirely.
func (h *Hub) flush(batch []outbound) {
	switch len(batch) {
	case 0:
		return
	case 1:
		h.deliver(batch[0])
		return
	}

	var wg sync.WaitGroup
	for _, o := range batch {
		o := o
		wg.Add(1)
		task := func() {
			defer wg.Done()
			h.deliver(o)
		}
		if !h.pool.Submit(task) {
			task()
		}
	}
	wg.Wait()
}

func (h *Hub) deliver(o outbound) {
	if err := o.conn.Send(o.env); err != nil {
		log.Warn("delivery failed", "connId", o.conn.ID(), "type", o.env.Type, "error", err)
	}
}
