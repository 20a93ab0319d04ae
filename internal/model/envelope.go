package model

import "encoding/json"

// Message type constants for the wire protocol.
const (
	TypeDeviceRegister   = "device_register"
	TypeDeviceRegistered = "device_registered"

	TypeSessionCreate = "session_create"
	TypeSessionCreated = "session_created"
	TypeSessionJoin    = "session_join"
	TypeSessionJoined  = "session_joined"
	TypeSessionLeave   = "session_leave"
	TypeSessionExpired = "session_expired"

	TypeDeviceConnected      = "device_connected"
	TypeDeviceDisconnected   = "device_disconnected"
	TypeDeviceStatusUpdate   = "device_status_update"

	TypeIntentSend     = "intent_send"
	TypeIntentReceived = "intent_received"
	TypeIntentSent     = "intent_sent"

	TypeClipboardBroadcast = "clipboard_broadcast"
	TypeClipboardSync      = "clipboard_sync"

	TypeWebRTCOffer        = "webrtc_offer"
	TypeWebRTCAnswer       = "webrtc_answer"
	TypeWebRTCICECandidate = "webrtc_ice_candidate"

	TypeGroupCreate      = "group_create"
	TypeGroupUpdate      = "group_update"
	TypeGroupDelete      = "group_delete"
	TypeGroupBroadcast   = "group_broadcast"
	TypeGroupCreated     = "group_created"
	TypeGroupUpdated     = "group_updated"
	TypeGroupDeleted     = "group_deleted"
	TypeGroupBroadcastSent = "group_broadcast_sent"

	TypeSessionInvitation  = "session_invitation"
	TypeInvitationSent     = "invitation_sent"
	TypeInvitationResponse = "invitation_response"

	TypeNearbySessionBroadcast = "nearby_session_broadcast"
	TypeNearbyBroadcastSent    = "nearby_broadcast_sent"

	TypeError = "error"
)

// Envelope is the outer JSON frame every message uses.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope builds an Envelope with payload marshaled from v. The
// caller supplies the timestamp: the Hub passes its own clock's now(),
// and the transport stamps the error replies it sends itself.
func NewEnvelope(typ string, payload any, now int64) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Payload: raw, Timestamp: now}, nil
}

// Decode unmarshals the envelope's payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Payload, v)
}

// ErrorPayload is the payload carried by a TypeError envelope.
type ErrorPayload struct {
	Message string `json:"message"`
}
