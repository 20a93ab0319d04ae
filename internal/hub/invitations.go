package hub

import (
	"encoding/json"
	"time"

	"github.com/flowlink-rmm/hub/internal/model"
)

// nearbyBroadcastDelay is how long the Hub waits after session_create
// before announcing the new session to nearby devices, giving the
// creator's own client a head start on any local setup.
const nearbyBroadcastDelay = time.Second

// --- session invitations ----------------------------------------------------

type sessionInvitationPayload struct {
	TargetIdentifier string          `json:"targetIdentifier"` // username, falling back to a literal deviceId
	Invitation       json.RawMessage `json:"invitation"`
}

type sessionInvitationRelayPayload struct {
	Invitation json.RawMessage `json:"invitation"`
}

type invitationSentPayload struct {
	TargetIdentifier string `json:"targetIdentifier"`
	TargetUsername   string `json:"targetUsername"`
	TargetDeviceName string `json:"targetDeviceName"`
}

// handleSessionInvitation resolves targetIdentifier as a username first,
// a literal deviceId as a fallback, delivers the opaque invitation to one
// of its open connections, and acks the sender with who was notified.
func (h *Hub) handleSessionInvitation(connID string, env model.Envelope) []outbound {
	var p sessionInvitationPayload
	if err := env.Decode(&p); err != nil || p.TargetIdentifier == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sender := h.state.connDevice[connID]
	entry, target, ok := h.r.unicastByUsername(h.state, p.TargetIdentifier, sender)
	if !ok {
		return h.replyErrFrom(connID, errUserNotFound(p.TargetIdentifier))
	}

	var batch []outbound
	batch = append(batch, deliverOne(h.now, target, model.TypeSessionInvitation, sessionInvitationRelayPayload{
		Invitation: p.Invitation,
	})...)

	if c := h.state.conns[connID]; c != nil {
		batch = append(batch, deliverOne(h.now, c, model.TypeInvitationSent, invitationSentPayload{
			TargetIdentifier: p.TargetIdentifier,
			TargetUsername:   entry.Username,
			TargetDeviceName: entry.Name,
		})...)
	}
	return batch
}

type invitationResponsePayload struct {
	SessionID string `json:"sessionId"`
	Target    string `json:"target"`
	Accepted  bool   `json:"accepted"`
}

// handleInvitationResponse relays an accept/decline answer back to
// whichever device sent the original invitation. The Hub does not track
// pending-invitation state of its own (Non-goal): it is a pure relay.
func (h *Hub) handleInvitationResponse(connID string, env model.Envelope) []outbound {
	var p invitationResponsePayload
	if err := env.Decode(&p); err != nil || p.Target == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sender := h.state.connDevice[connID]
	_, target, ok := h.r.unicastByUsername(h.state, p.Target, sender)
	if !ok {
		return h.replyErrFrom(connID, errUserNotFound(p.Target))
	}

	return deliverOne(h.now, target, model.TypeInvitationResponse, invitationResponsePayload{
		SessionID: p.SessionID,
		Target:    sender,
		Accepted:  p.Accepted,
	})
}

// --- nearby broadcast -------------------------------------------------------

type nearbySessionInfo struct {
	SessionID         string `json:"sessionId"`
	SessionCode       string `json:"sessionCode"`
	CreatorUsername   string `json:"creatorUsername"`
	CreatorDeviceName string `json:"creatorDeviceName"`
	DeviceCount       int    `json:"deviceCount"`
}

type nearbySessionBroadcastPayload struct {
	NearbySession nearbySessionInfo `json:"nearbySession"`
}

type nearbyBroadcastSentPayload struct {
	NotificationsSent int `json:"notificationsSent"`
}

// scheduleNearbyBroadcast fires the auto-announce once, a short delay
// after a session is created. Best-effort: if the session has already
// expired or been torn down by the time the timer fires, broadcastNearby
// is a no-op. There is no triggering connection to ack here.
func (h *Hub) scheduleNearbyBroadcast(sessionID string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		select {
		case <-time.After(nearbyBroadcastDelay):
		case <-h.stopCh:
			return
		}
		h.flush(h.broadcastNearby(sessionID, "", ""))
	}()
}

// handleNearbySessionBroadcast lets a client explicitly re-announce its
// session to nearby devices (e.g. after changing discoverability).
func (h *Hub) handleNearbySessionBroadcast(connID string, env model.Envelope) []outbound {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := env.Decode(&p); err != nil || p.SessionID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	sender := h.state.connDevice[connID]
	h.state.mu.Unlock()

	return h.broadcastNearby(p.SessionID, sender, connID)
}

// broadcastNearby announces sessionID's owner to every online device not
// already a member of it, fanning out nearby_session_broadcast. If
// ackConnID is non-empty, that connection additionally gets a
// nearby_broadcast_sent reply reporting how many devices were notified.
func (h *Hub) broadcastNearby(sessionID, excludeDeviceID, ackConnID string) []outbound {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	sess := h.state.getSession(sessionID)
	if sess == nil {
		return nil
	}
	owner, ok := sess.Devices[sess.CreatedBy]
	if !ok {
		return nil
	}

	targets := h.r.nearby(h.state, excludeDeviceID, sessionID)
	batch := deliverAll(h.now, targets, model.TypeNearbySessionBroadcast, nearbySessionBroadcastPayload{
		NearbySession: nearbySessionInfo{
			SessionID:         sess.ID,
			SessionCode:       sess.Code,
			CreatorUsername:   owner.Username,
			CreatorDeviceName: owner.Name,
			DeviceCount:       len(sess.Devices),
		},
	})

	if ackConnID != "" {
		if c := h.state.conns[ackConnID]; c != nil {
			batch = append(batch, deliverOne(h.now, c, model.TypeNearbyBroadcastSent, nearbyBroadcastSentPayload{
				NotificationsSent: len(targets),
			})...)
		}
	}
	return batch
}
