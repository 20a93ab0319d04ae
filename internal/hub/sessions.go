package hub

import (
	"github.com/flowlink-rmm/hub/internal/model"
)

// --- payloads --------------------------------------------------------------

type deviceRegisterPayload struct {
	DeviceID string           `json:"deviceId"`
	Username string           `json:"username"`
	Name     string           `json:"deviceName"`
	Type     model.DeviceType `json:"deviceType"`
}

type deviceRegisteredPayload struct {
	DeviceID   string `json:"deviceId"`
	Username   string `json:"username"`
	Registered bool   `json:"registered"`
}

type sessionCreatePayload struct {
	DeviceID    string            `json:"deviceId"`
	Username    string            `json:"username"`
	Name        string            `json:"deviceName"`
	Type        model.DeviceType  `json:"deviceType"`
	Permissions model.Permissions `json:"permissions"`
}

type sessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expiresAt"`
}

type sessionJoinPayload struct {
	Code        string            `json:"code"`
	DeviceID    string            `json:"deviceId"`
	Username    string            `json:"username"`
	Name        string            `json:"deviceName"`
	Type        model.DeviceType  `json:"deviceType"`
	Permissions model.Permissions `json:"permissions"`
}

type sessionJoinedPayload struct {
	SessionID string                      `json:"sessionId"`
	Devices   []model.DeviceMembership    `json:"devices"`
	Groups    []model.Group               `json:"groups"`
}

type deviceConnectedPayload struct {
	Device model.DeviceMembership `json:"device"`
}

type deviceDisconnectedPayload struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
}

type sessionLeavePayload struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
}

type sessionExpiredPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// --- handlers -------------------------------------------------------------

// handleDeviceRegister registers a device in the Global Device Directory
// without creating or joining any session.
func (h *Hub) handleDeviceRegister(connID string, env model.Envelope) []outbound {
	var p deviceRegisterPayload
	if err := env.Decode(&p); err != nil || p.DeviceID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	c := h.state.conns[connID]
	if c == nil {
		h.state.mu.Unlock()
		return nil
	}
	now := h.now()
	h.state.registerDevice(p.DeviceID, p.Username, p.Name, p.Type, connID, now)
	batch := deliverOne(h.now, c, model.TypeDeviceRegistered, deviceRegisteredPayload{
		DeviceID:   p.DeviceID,
		Username:   p.Username,
		Registered: true,
	})
	h.state.mu.Unlock()

	return batch
}

// handleSessionCreate creates a new session owned by the requesting
// device and registers that device in the Global Directory.
func (h *Hub) handleSessionCreate(connID string, env model.Envelope) []outbound {
	var p sessionCreatePayload
	if err := env.Decode(&p); err != nil || p.DeviceID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	c := h.state.conns[connID]
	if c == nil {
		h.state.mu.Unlock()
		return nil
	}
	now := h.now()

	h.state.registerDevice(p.DeviceID, p.Username, p.Name, p.Type, connID, now)

	owner := &model.DeviceMembership{
		ID:          p.DeviceID,
		Name:        p.Name,
		Username:    p.Username,
		Type:        p.Type,
		Permissions: p.Permissions,
	}
	sess, err := h.state.createSession(owner, h.opts.SessionTTL, now)
	if err != nil {
		h.state.mu.Unlock()
		log.Error("create session", "error", err)
		return h.replyError(connID, "Unable to create session")
	}
	h.state.devices[p.DeviceID].SessionID = sess.ID

	batch := deliverOne(h.now, c, model.TypeSessionCreated, sessionCreatedPayload{
		SessionID: sess.ID,
		Code:      sess.Code,
		ExpiresAt: sess.ExpiresAt.UnixMilli(),
	})
	h.state.mu.Unlock()

	h.scheduleNearbyBroadcast(sess.ID)
	return batch
}

// handleSessionJoin resolves the 6-digit code, adds the joining device as
// a session member, and notifies existing members.
// Unknown and expired codes are deliberately indistinguishable.
func (h *Hub) handleSessionJoin(connID string, env model.Envelope) []outbound {
	var p sessionJoinPayload
	if err := env.Decode(&p); err != nil || p.DeviceID == "" || p.Code == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	c := h.state.conns[connID]
	if c == nil {
		h.state.mu.Unlock()
		return nil
	}
	now := h.now()

	sess := h.state.findSessionByCode(p.Code, now)
	if sess == nil {
		h.state.mu.Unlock()
		return h.replyError(connID, msgInvalidSessionCode)
	}

	h.state.registerDevice(p.DeviceID, p.Username, p.Name, p.Type, connID, now)
	h.state.devices[p.DeviceID].SessionID = sess.ID

	member := &model.DeviceMembership{
		ID:          p.DeviceID,
		Name:        p.Name,
		Username:    p.Username,
		Type:        p.Type,
		Permissions: p.Permissions,
	}
	h.state.addMember(sess, member, now)

	devices := make([]model.DeviceMembership, 0, len(sess.Devices))
	for _, m := range sess.Devices {
		devices = append(devices, *m)
	}
	groups := make([]model.Group, 0, len(sess.Groups))
	for _, g := range sess.Groups {
		groups = append(groups, *g)
	}

	var batch []outbound
	batch = append(batch, deliverOne(h.now, c, model.TypeSessionJoined, sessionJoinedPayload{
		SessionID: sess.ID,
		Devices:   devices,
		Groups:    groups,
	})...)

	others := h.r.session(h.state, sess, p.DeviceID)
	batch = append(batch, deliverAll(h.now, others, model.TypeDeviceConnected, deviceConnectedPayload{
		Device: *sess.Devices[p.DeviceID],
	})...)

	h.state.mu.Unlock()
	return batch
}

// handleSessionLeave is the explicit-leave counterpart to the implicit
// connection-drop path in onDeviceDisconnected: the owner leaving ends
// the session for everyone, a member leaving removes only that
// membership.
func (h *Hub) handleSessionLeave(connID string, env model.Envelope) []outbound {
	var p sessionLeavePayload
	if err := env.Decode(&p); err != nil || p.SessionID == "" || p.DeviceID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(p.SessionID)
	if sess == nil {
		return nil
	}

	if entry := h.state.devices[p.DeviceID]; entry != nil && entry.SessionID == sess.ID {
		entry.SessionID = ""
	}

	if sess.CreatedBy == p.DeviceID {
		return h.terminateSession(sess, "owner_left")
	}

	delete(sess.Devices, p.DeviceID)
	others := h.r.session(h.state, sess, p.DeviceID)
	return deliverAll(h.now, others, model.TypeDeviceDisconnected, deviceDisconnectedPayload{
		SessionID: sess.ID,
		DeviceID:  p.DeviceID,
	})
}

// terminateSession notifies every online member the session is over and
// removes it from the store. Caller must hold state.mu.
func (h *Hub) terminateSession(sess *model.Session, reason string) []outbound {
	targets := h.r.session(h.state, sess, "")
	for deviceID := range sess.Devices {
		if entry := h.state.devices[deviceID]; entry != nil && entry.SessionID == sess.ID {
			entry.SessionID = ""
		}
	}
	h.state.removeSession(sess.ID)
	return deliverAll(h.now, targets, model.TypeSessionExpired, sessionExpiredPayload{
		SessionID: sess.ID,
		Reason:    reason,
	})
}

// onDeviceDisconnected runs when a device's last open connection closes.
// A disconnecting owner ends the session for everyone, same as an
// explicit session_leave. A disconnecting member is marked offline and
// the rest of the session is notified; actual membership removal for a
// member is deferred to the expiry sweep's grace-period reap. Caller
// must hold state.mu and have already confirmed the device has no open
// connections.
func (h *Hub) onDeviceDisconnected(deviceID string) []outbound {
	entry := h.state.devices[deviceID]
	if entry == nil || entry.Online() {
		return nil
	}

	sessionID := entry.SessionID
	if sessionID == "" {
		return nil
	}
	sess := h.state.sessions[sessionID]
	if sess == nil {
		return nil
	}

	if sess.CreatedBy == deviceID {
		entry.SessionID = ""
		return h.terminateSession(sess, "owner_left")
	}

	h.state.markOffline(sess, deviceID, h.now())
	others := h.r.session(h.state, sess, deviceID)
	batch := deliverAll(h.now, others, model.TypeDeviceDisconnected, deviceDisconnectedPayload{
		SessionID: sessionID,
		DeviceID:  deviceID,
	})

	if sess.OnlineDeviceCount() == 0 {
		for id := range sess.Devices {
			if e := h.state.devices[id]; e != nil && e.SessionID == sess.ID {
				e.SessionID = ""
			}
		}
		h.state.removeSession(sess.ID)
	}
	return batch
}

// sweep is the background expiry/grace-period pass. It runs
// once per Options.SweepInterval.
func (h *Hub) sweep() {
	h.state.mu.Lock()
	now := h.now()
	var batch []outbound

	for _, sess := range h.state.sessions {
		if !sess.ExpiresAt.After(now) {
			batch = append(batch, h.terminateSession(sess, "expired")...)
		}
	}

	for deviceID, entry := range h.state.devices {
		if entry.GraceExpired(now, h.opts.GracePeriod) {
			if entry.SessionID != "" {
				if sess := h.state.sessions[entry.SessionID]; sess != nil {
					delete(sess.Devices, deviceID)
				}
			}
			h.state.removeDeviceEntry(deviceID)
		}
	}

	h.state.mu.Unlock()
	h.flush(batch)
}
