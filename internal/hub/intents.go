package hub

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/flowlink-rmm/hub/internal/model"
)

// --- intent relay -----------------------------------------------------------

type intentSendPayload struct {
	TargetDevice string          `json:"targetDevice"`
	Intent       json.RawMessage `json:"intent"`
}

type intentReceivedPayload struct {
	Intent       json.RawMessage `json:"intent"`
	SourceDevice string          `json:"sourceDevice"`
}

type intentSentPayload struct {
	TargetDevice string `json:"targetDevice"`
}

// handleIntentSend relays an opaque intent to one target device. The
// target must be a current, online member of the sender's session — the
// Hub never inspects Intent's contents.
func (h *Hub) handleIntentSend(connID string, env model.Envelope) []outbound {
	var p intentSendPayload
	if err := env.Decode(&p); err != nil || p.TargetDevice == "" || env.SessionID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(env.SessionID)
	if sess == nil {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}
	member, ok := sess.Devices[p.TargetDevice]
	if !ok || !member.Online {
		return h.replyErrFrom(connID, errf(msgTargetNotConnected))
	}
	target := h.state.anyOpenConn(p.TargetDevice)
	if target == nil {
		return h.replyErrFrom(connID, errf(msgTargetNotConnected))
	}

	sender := h.state.connDevice[connID]
	var batch []outbound
	batch = append(batch, deliverOne(h.now, target, model.TypeIntentReceived, intentReceivedPayload{
		Intent:       p.Intent,
		SourceDevice: sender,
	})...)

	if c := h.state.conns[connID]; c != nil {
		batch = append(batch, deliverOne(h.now, c, model.TypeIntentSent, intentSentPayload{TargetDevice: p.TargetDevice})...)
	}
	return batch
}

// --- clipboard broadcast ----------------------------------------------------

type clipboardBroadcastPayload struct {
	Clipboard json.RawMessage `json:"clipboard"`
}

type clipboardSyncPayload struct {
	Clipboard json.RawMessage `json:"clipboard"`
}

// handleClipboardBroadcast fans clipboard content out to every other
// online member of the sender's session. The clipboard value is opaque.
func (h *Hub) handleClipboardBroadcast(connID string, env model.Envelope) []outbound {
	var p clipboardBroadcastPayload
	if err := env.Decode(&p); err != nil || env.SessionID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(env.SessionID)
	if sess == nil {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}
	sender := h.state.connDevice[connID]

	targets := h.r.session(h.state, sess, sender)
	return deliverAll(h.now, targets, model.TypeClipboardSync, clipboardSyncPayload{
		Clipboard: p.Clipboard,
	})
}

// --- device status -----------------------------------------------------------

type deviceStatusUpdatePayload struct {
	Online      *bool              `json:"online,omitempty"`
	Permissions *model.Permissions `json:"permissions,omitempty"`
}

type deviceStatusSyncPayload struct {
	DeviceID string                  `json:"deviceId"`
	Device   model.DeviceMembership `json:"device"`
}

// handleDeviceStatusUpdate merges online/permissions into the sender's
// own membership in its session, then fans the updated membership
// snapshot out to the rest of the session.
func (h *Hub) handleDeviceStatusUpdate(connID string, env model.Envelope) []outbound {
	var p deviceStatusUpdatePayload
	if err := env.Decode(&p); err != nil || env.SessionID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(env.SessionID)
	if sess == nil {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}
	sender := h.state.connDevice[connID]
	member, ok := sess.Devices[sender]
	if !ok {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}

	now := h.now()
	if p.Online != nil {
		member.Online = *p.Online
	}
	if p.Permissions != nil {
		member.Permissions = *p.Permissions
	}
	member.LastSeen = now
	if entry := h.state.devices[sender]; entry != nil {
		entry.LastSeen = now
	}

	targets := h.r.session(h.state, sess, sender)
	return deliverAll(h.now, targets, model.TypeDeviceStatusUpdate, deviceStatusSyncPayload{
		DeviceID: sender,
		Device:   *member,
	})
}

// --- groups -------------------------------------------------------------------

type groupCreatePayload struct {
	SessionID string   `json:"sessionId"`
	Name      string   `json:"name"`
	Color     string   `json:"color"`
	DeviceIDs []string `json:"deviceIds"`
}

type groupUpdatePayload struct {
	SessionID string    `json:"sessionId"`
	GroupID   string    `json:"groupId"`
	Name      *string   `json:"name,omitempty"`
	Color     *string   `json:"color,omitempty"`
	DeviceIDs *[]string `json:"deviceIds,omitempty"`
}

type groupDeletePayload struct {
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
}

type groupBroadcastPayload struct {
	SessionID string          `json:"sessionId"`
	GroupID   string          `json:"groupId"`
	Intent    json.RawMessage `json:"intent"`
}

type groupEventPayload struct {
	Group model.Group `json:"group"`
}

type groupDeletedPayload struct {
	GroupID string `json:"groupId"`
}

type groupBroadcastSentPayload struct {
	GroupID        string `json:"groupId"`
	DevicesReached int    `json:"devicesReached"`
	TotalDevices   int    `json:"totalDevices"`
}

// rewriteIntentTargetDevice returns a copy of an opaque intent object with
// its target_device field set to deviceID, for per-recipient group
// broadcast delivery. Falls back to the original bytes if intent isn't a
// JSON object.
func rewriteIntentTargetDevice(intent json.RawMessage, deviceID string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(intent, &fields); err != nil {
		return intent
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	encoded, err := json.Marshal(deviceID)
	if err != nil {
		return intent
	}
	fields["target_device"] = encoded
	out, err := json.Marshal(fields)
	if err != nil {
		return intent
	}
	return out
}

// handleGroupCreate creates a named subset of the session's current
// members and notifies every member of the new group.
func (h *Hub) handleGroupCreate(connID string, env model.Envelope) []outbound {
	var p groupCreatePayload
	if err := env.Decode(&p); err != nil || p.SessionID == "" || p.Name == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(p.SessionID)
	if sess == nil {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}
	sender := h.state.connDevice[connID]
	for _, id := range p.DeviceIDs {
		if _, ok := sess.Devices[id]; !ok {
			return h.replyErrFrom(connID, errf("Device "+id+" is not a member of this session"))
		}
	}

	g := &model.Group{
		ID:        uuid.NewString(),
		Name:      p.Name,
		CreatedBy: sender,
		CreatedAt: h.now(),
		Color:     p.Color,
		DeviceIDs: p.DeviceIDs,
	}
	sess.Groups[g.ID] = g

	targets := h.r.session(h.state, sess, "")
	return deliverAll(h.now, targets, model.TypeGroupCreated, groupEventPayload{Group: *g})
}

// handleGroupUpdate partially updates an existing group's name, color, or
// membership list, then re-announces it to the session.
func (h *Hub) handleGroupUpdate(connID string, env model.Envelope) []outbound {
	var p groupUpdatePayload
	if err := env.Decode(&p); err != nil || p.SessionID == "" || p.GroupID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(p.SessionID)
	if sess == nil {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}
	g, ok := sess.Groups[p.GroupID]
	if !ok {
		return h.replyErrFrom(connID, errf("Group not found"))
	}
	if p.DeviceIDs != nil {
		for _, id := range *p.DeviceIDs {
			if _, ok := sess.Devices[id]; !ok {
				return h.replyErrFrom(connID, errf("Device "+id+" is not a member of this session"))
			}
		}
	}

	if p.Name != nil {
		g.Name = *p.Name
	}
	if p.Color != nil {
		g.Color = *p.Color
	}
	if p.DeviceIDs != nil {
		g.DeviceIDs = *p.DeviceIDs
	}

	targets := h.r.session(h.state, sess, "")
	return deliverAll(h.now, targets, model.TypeGroupUpdated, groupEventPayload{Group: *g})
}

// handleGroupDelete removes a group and notifies the session.
func (h *Hub) handleGroupDelete(connID string, env model.Envelope) []outbound {
	var p groupDeletePayload
	if err := env.Decode(&p); err != nil || p.SessionID == "" || p.GroupID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(p.SessionID)
	if sess == nil {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}
	if _, ok := sess.Groups[p.GroupID]; !ok {
		return h.replyErrFrom(connID, errf("Group not found"))
	}
	delete(sess.Groups, p.GroupID)

	targets := h.r.session(h.state, sess, "")
	return deliverAll(h.now, targets, model.TypeGroupDeleted, groupDeletedPayload{GroupID: p.GroupID})
}

// handleGroupBroadcast delivers intent_received to every online device in
// a group, with the intent's target_device rewritten per recipient and
// sourceDevice set to the sender, then acks the sender with a reach count.
func (h *Hub) handleGroupBroadcast(connID string, env model.Envelope) []outbound {
	var p groupBroadcastPayload
	if err := env.Decode(&p); err != nil || p.SessionID == "" || p.GroupID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(p.SessionID)
	if sess == nil {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}
	g, ok := sess.Groups[p.GroupID]
	if !ok {
		return h.replyErrFrom(connID, errf("Group not found"))
	}
	sender := h.state.connDevice[connID]

	conns, reachedIDs := h.r.group(h.state, g)

	var batch []outbound
	reached := 0
	for i, c := range conns {
		deviceID := reachedIDs[i]
		if deviceID == sender {
			continue
		}
		reached++
		batch = append(batch, deliverOne(h.now, c, model.TypeIntentReceived, intentReceivedPayload{
			Intent:       rewriteIntentTargetDevice(p.Intent, deviceID),
			SourceDevice: sender,
		})...)
	}

	if c := h.state.conns[connID]; c != nil {
		batch = append(batch, deliverOne(h.now, c, model.TypeGroupBroadcastSent, groupBroadcastSentPayload{
			GroupID:        g.ID,
			DevicesReached: reached,
			TotalDevices:   len(g.DeviceIDs),
		})...)
	}
	return batch
}
