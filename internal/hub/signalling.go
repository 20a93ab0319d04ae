package hub

import (
	"encoding/json"

	"github.com/flowlink-rmm/hub/internal/model"
)

// signalPayload carries an opaque WebRTC signalling blob. The Hub never
// parses `Data` — SDP and ICE candidates are forwarded byte-for-byte to
// whichever target the envelope names.
type signalPayload struct {
	ToDevice string          `json:"toDevice"`
	Data     json.RawMessage `json:"data"`
}

// signalRelayPayload is what the target actually receives: the sender's
// device id stamped on, alongside the same opaque data.
type signalRelayPayload struct {
	FromDevice string          `json:"fromDevice"`
	ToDevice   string          `json:"toDevice"`
	Data       json.RawMessage `json:"data"`
}

// handleSignalRelay validates the named session exists, then forwards
// webrtc_offer/webrtc_answer/webrtc_ice_candidate unicast to the target
// device, rewrapped with the sender's deviceId so the target knows who
// the offer/answer/candidate came from.
func (h *Hub) handleSignalRelay(connID string, env model.Envelope) []outbound {
	var p signalPayload
	if err := env.Decode(&p); err != nil || p.ToDevice == "" || env.SessionID == "" {
		return h.replyError(connID, msgInvalidFormat)
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if sess := h.state.getSession(env.SessionID); sess == nil {
		return h.replyErrFrom(connID, errf(msgInvalidSessionCode))
	}

	target, ok := h.r.unicast(h.state, p.ToDevice)
	if !ok {
		return h.replyErrFrom(connID, errf(msgTargetNotConnected))
	}

	sender := h.state.connDevice[connID]
	relayed, err := model.NewEnvelope(env.Type, signalRelayPayload{
		FromDevice: sender,
		ToDevice:   p.ToDevice,
		Data:       p.Data,
	}, h.now().UnixMilli())
	if err != nil {
		return h.replyErrFrom(connID, errf(msgInvalidFormat))
	}
	relayed.SessionID = env.SessionID
	relayed.DeviceID = sender
	return []outbound{{conn: target, env: relayed}}
}
