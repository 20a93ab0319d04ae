package hub

import (
	"encoding/json"
	"testing"

	"github.com/flowlink-rmm/hub/internal/model"
)

func TestSignalRelayForwardsOpaqueDataUnicast(t *testing.T) {
	h, _ := newTestHub(t)
	owner, member, sessionID := createSessionAndJoin(t, h)
	ownerBefore := len(owner.envelopes())

	h.Dispatch("conn-owner", sessionEnvelope(t, model.TypeWebRTCOffer, sessionID, "dev-owner", signalPayload{
		ToDevice: "dev-member",
		Data:     json.RawMessage(`{"sdp":"v=0..."}`),
	}))

	env, ok := member.last()
	if !ok || env.Type != model.TypeWebRTCOffer {
		t.Fatalf("member got %+v ok=%v, want a %s envelope", env, ok, model.TypeWebRTCOffer)
	}

	var p signalRelayPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode signalRelayPayload: %v", err)
	}
	if string(p.Data) != `{"sdp":"v=0..."}` {
		t.Fatalf("SDP payload was not forwarded opaquely: %s", p.Data)
	}
	if p.FromDevice != "dev-owner" {
		t.Fatalf("FromDevice = %q, want dev-owner", p.FromDevice)
	}
	if p.ToDevice != "dev-member" {
		t.Fatalf("ToDevice = %q, want dev-member", p.ToDevice)
	}

	if len(owner.envelopes()) != ownerBefore {
		t.Fatal("sender should not receive anything from its own signal relay")
	}
}

func TestSignalRelayToDisconnectedTargetFails(t *testing.T) {
	h, _ := newTestHub(t)
	owner, _, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-owner", sessionEnvelope(t, model.TypeWebRTCAnswer, sessionID, "dev-owner", signalPayload{
		ToDevice: "dev-ghost",
	}))

	env, ok := owner.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply for an unreachable target, got %+v ok=%v", env, ok)
	}
	var p model.ErrorPayload
	_ = env.Decode(&p)
	if p.Message != msgTargetNotConnected {
		t.Fatalf("message = %q, want %q", p.Message, msgTargetNotConnected)
	}
}

func TestSignalRelayWithUnknownSessionFails(t *testing.T) {
	h, _ := newTestHub(t)
	sender, _ := registerTwoDevices(t, h)

	h.Dispatch("conn-sender", sessionEnvelope(t, model.TypeWebRTCOffer, "nonexistent", "dev-sender", signalPayload{
		ToDevice: "dev-target",
	}))

	env, ok := sender.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply, got %+v ok=%v", env, ok)
	}
	var p model.ErrorPayload
	_ = env.Decode(&p)
	if p.Message != msgInvalidSessionCode {
		t.Fatalf("message = %q, want %q", p.Message, msgInvalidSessionCode)
	}
}
