package hub

import (
	"encoding/json"
	"testing"

	"github.com/flowlink-rmm/hub/internal/model"
)

func registerTwoDevices(t *testing.T, h *Hub) (senderConn, targetConn *fakeConn) {
	t.Helper()
	sender := connectDevice(t, h, "conn-sender")
	target := connectDevice(t, h, "conn-target")

	h.Dispatch("conn-sender", envelope(t, model.TypeDeviceRegister, deviceRegisterPayload{
		DeviceID: "dev-sender", Username: "sender",
	}))
	h.Dispatch("conn-target", envelope(t, model.TypeDeviceRegister, deviceRegisterPayload{
		DeviceID: "dev-target", Username: "target",
	}))
	return sender, target
}

func TestIntentSendRelaysOpaquePayloadAndAcksSender(t *testing.T) {
	h, _ := newTestHub(t)
	owner, member, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-owner", sessionEnvelope(t, model.TypeIntentSend, sessionID, "dev-owner", intentSendPayload{
		TargetDevice: "dev-member",
		Intent:       json.RawMessage(`{"action":"open_url","url":"https://example.com"}`),
	}))

	env, ok := member.last()
	if !ok || env.Type != model.TypeIntentReceived {
		t.Fatalf("member got %+v ok=%v, want a %s envelope", env, ok, model.TypeIntentReceived)
	}
	var p intentReceivedPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode intentReceivedPayload: %v", err)
	}
	if p.SourceDevice != "dev-owner" {
		t.Fatalf("SourceDevice = %q, want dev-owner", p.SourceDevice)
	}
	if string(p.Intent) != `{"action":"open_url","url":"https://example.com"}` {
		t.Fatalf("intent was not relayed opaquely: %s", p.Intent)
	}

	ownerTypes := owner.types()
	if ownerTypes[len(ownerTypes)-1] != model.TypeIntentSent {
		t.Fatalf("owner's last type = %q, want %q", ownerTypes[len(ownerTypes)-1], model.TypeIntentSent)
	}
}

func TestIntentSendToTargetNotInSessionFails(t *testing.T) {
	h, _ := newTestHub(t)
	owner, _, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-owner", sessionEnvelope(t, model.TypeIntentSend, sessionID, "dev-owner", intentSendPayload{
		TargetDevice: "dev-nobody",
	}))

	env, ok := owner.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply, got %+v ok=%v", env, ok)
	}
}

func TestIntentSendWithUnknownSessionFails(t *testing.T) {
	h, _ := newTestHub(t)
	sender, _ := registerTwoDevices(t, h)

	h.Dispatch("conn-sender", sessionEnvelope(t, model.TypeIntentSend, "nonexistent", "dev-sender", intentSendPayload{
		TargetDevice: "dev-target",
	}))

	env, ok := sender.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply, got %+v ok=%v", env, ok)
	}
}

func TestGroupBroadcastExcludesSenderAndReportsReach(t *testing.T) {
	h, _ := newTestHub(t)
	owner := connectDevice(t, h, "conn-owner")
	m2 := connectDevice(t, h, "conn-m2")
	m3 := connectDevice(t, h, "conn-m3")

	h.Dispatch("conn-owner", envelope(t, model.TypeSessionCreate, sessionCreatePayload{DeviceID: "dev-owner"}))
	created := decodeSessionCreated(t, owner)

	h.Dispatch("conn-m2", envelope(t, model.TypeSessionJoin, sessionJoinPayload{DeviceID: "dev-m2", Code: created.Code}))
	h.Dispatch("conn-m3", envelope(t, model.TypeSessionJoin, sessionJoinPayload{DeviceID: "dev-m3", Code: created.Code}))

	h.Dispatch("conn-owner", envelope(t, model.TypeGroupCreate, groupCreatePayload{
		SessionID: created.SessionID,
		Name:      "everyone",
		DeviceIDs: []string{"dev-owner", "dev-m2", "dev-m3"},
	}))
	groupEnv, _ := owner.last()
	var created2 groupEventPayload
	if err := groupEnv.Decode(&created2); err != nil {
		t.Fatalf("decode groupEventPayload: %v", err)
	}

	h.Dispatch("conn-owner", envelope(t, model.TypeGroupBroadcast, groupBroadcastPayload{
		SessionID: created.SessionID,
		GroupID:   created2.Group.ID,
		Intent:    json.RawMessage(`{"x":1}`),
	}))

	m2Env, _ := m2.last()
	if m2Env.Type != model.TypeIntentReceived {
		t.Fatalf("m2 should receive intent_received, got %q", m2Env.Type)
	}
	var m2Intent intentReceivedPayload
	if err := m2Env.Decode(&m2Intent); err != nil {
		t.Fatalf("decode intentReceivedPayload: %v", err)
	}
	if m2Intent.SourceDevice != "dev-owner" {
		t.Fatalf("SourceDevice = %q, want dev-owner", m2Intent.SourceDevice)
	}
	var rewritten map[string]any
	if err := json.Unmarshal(m2Intent.Intent, &rewritten); err != nil {
		t.Fatalf("decode rewritten intent: %v", err)
	}
	if rewritten["target_device"] != "dev-m2" {
		t.Fatalf("target_device = %v, want dev-m2", rewritten["target_device"])
	}

	if env, _ := m3.last(); env.Type != model.TypeIntentReceived {
		t.Fatalf("m3 should receive intent_received, got %q", env.Type)
	}

	ownerTypes := owner.types()
	last := ownerTypes[len(ownerTypes)-1]
	if last != model.TypeGroupBroadcastSent {
		t.Fatalf("owner's last type = %q, want %q", last, model.TypeGroupBroadcastSent)
	}
	ownerEnv, _ := owner.last()
	var ack groupBroadcastSentPayload
	if err := ownerEnv.Decode(&ack); err != nil {
		t.Fatalf("decode groupBroadcastSentPayload: %v", err)
	}
	if ack.DevicesReached != 2 {
		t.Fatalf("DevicesReached = %d, want 2 (sender excluded)", ack.DevicesReached)
	}
	if ack.TotalDevices != 3 {
		t.Fatalf("TotalDevices = %d, want 3", ack.TotalDevices)
	}
}

func TestGroupUpdateAppliesPartialChangesAndReannounces(t *testing.T) {
	h, _ := newTestHub(t)
	owner, member, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-owner", envelope(t, model.TypeGroupCreate, groupCreatePayload{
		SessionID: sessionID,
		Name:      "everyone",
		DeviceIDs: []string{"dev-owner", "dev-member"},
	}))
	groupEnv, _ := owner.last()
	var created groupEventPayload
	if err := groupEnv.Decode(&created); err != nil {
		t.Fatalf("decode groupEventPayload: %v", err)
	}

	newName := "renamed"
	h.Dispatch("conn-owner", envelope(t, model.TypeGroupUpdate, groupUpdatePayload{
		SessionID: sessionID,
		GroupID:   created.Group.ID,
		Name:      &newName,
	}))

	env, ok := member.last()
	if !ok || env.Type != model.TypeGroupUpdated {
		t.Fatalf("member got %+v ok=%v, want %s", env, ok, model.TypeGroupUpdated)
	}
	var updated groupEventPayload
	if err := env.Decode(&updated); err != nil {
		t.Fatalf("decode groupEventPayload: %v", err)
	}
	if updated.Group.Name != newName {
		t.Fatalf("Group.Name = %q, want %q", updated.Group.Name, newName)
	}
	if len(updated.Group.DeviceIDs) != 2 {
		t.Fatalf("Group.DeviceIDs = %v, want unchanged 2-member list", updated.Group.DeviceIDs)
	}
}

func TestGroupUpdateUnknownGroupFails(t *testing.T) {
	h, _ := newTestHub(t)
	owner, _, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-owner", envelope(t, model.TypeGroupUpdate, groupUpdatePayload{
		SessionID: sessionID,
		GroupID:   "nonexistent",
	}))

	env, ok := owner.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply, got %+v ok=%v", env, ok)
	}
}

func TestGroupDeleteRemovesGroupAndNotifiesSession(t *testing.T) {
	h, _ := newTestHub(t)
	owner, member, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-owner", envelope(t, model.TypeGroupCreate, groupCreatePayload{
		SessionID: sessionID,
		Name:      "everyone",
		DeviceIDs: []string{"dev-owner", "dev-member"},
	}))
	groupEnv, _ := owner.last()
	var created groupEventPayload
	if err := groupEnv.Decode(&created); err != nil {
		t.Fatalf("decode groupEventPayload: %v", err)
	}

	h.Dispatch("conn-owner", envelope(t, model.TypeGroupDelete, groupDeletePayload{
		SessionID: sessionID,
		GroupID:   created.Group.ID,
	}))

	env, ok := member.last()
	if !ok || env.Type != model.TypeGroupDeleted {
		t.Fatalf("member got %+v ok=%v, want %s", env, ok, model.TypeGroupDeleted)
	}
	var deleted groupDeletedPayload
	if err := env.Decode(&deleted); err != nil {
		t.Fatalf("decode groupDeletedPayload: %v", err)
	}
	if deleted.GroupID != created.Group.ID {
		t.Fatalf("GroupID = %q, want %q", deleted.GroupID, created.Group.ID)
	}

	h.state.mu.Lock()
	_, stillExists := h.state.sessions[sessionID].Groups[created.Group.ID]
	h.state.mu.Unlock()
	if stillExists {
		t.Fatal("group should be removed from the session after delete")
	}
}

func TestGroupDeleteUnknownGroupFails(t *testing.T) {
	h, _ := newTestHub(t)
	owner, _, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-owner", envelope(t, model.TypeGroupDelete, groupDeletePayload{
		SessionID: sessionID,
		GroupID:   "nonexistent",
	}))

	env, ok := owner.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply, got %+v ok=%v", env, ok)
	}
}

func TestClipboardBroadcastReachesOtherSessionMembersOnly(t *testing.T) {
	h, _ := newTestHub(t)
	owner, member, sessionID := createSessionAndJoin(t, h)
	ownerBefore := len(owner.envelopes())

	h.Dispatch("conn-owner", sessionEnvelope(t, model.TypeClipboardBroadcast, sessionID, "dev-owner", clipboardBroadcastPayload{
		Clipboard: json.RawMessage(`"copied text"`),
	}))

	env, ok := member.last()
	if !ok || env.Type != model.TypeClipboardSync {
		t.Fatalf("member got %+v ok=%v, want %s", env, ok, model.TypeClipboardSync)
	}
	var p clipboardSyncPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode clipboardSyncPayload: %v", err)
	}
	if string(p.Clipboard) != `"copied text"` {
		t.Fatalf("clipboardSyncPayload = %+v, want copied text", p)
	}

	if len(owner.envelopes()) != ownerBefore {
		t.Fatal("sender should not receive its own clipboard broadcast back")
	}
}

func TestClipboardBroadcastUnknownSessionFails(t *testing.T) {
	h, _ := newTestHub(t)
	c := connectDevice(t, h, "conn-1")
	h.Dispatch("conn-1", envelope(t, model.TypeDeviceRegister, deviceRegisterPayload{DeviceID: "dev-1"}))

	h.Dispatch("conn-1", sessionEnvelope(t, model.TypeClipboardBroadcast, "nonexistent", "dev-1", clipboardBroadcastPayload{
		Clipboard: json.RawMessage(`"x"`),
	}))

	env, ok := c.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply, got %+v ok=%v", env, ok)
	}
}

func TestDeviceStatusUpdateRelaysToSessionAndUpdatesLastSeen(t *testing.T) {
	h, _ := newTestHub(t)
	_, member, sessionID := createSessionAndJoin(t, h)

	newPermissions := model.Permissions{Clipboard: true}
	h.Dispatch("conn-owner", sessionEnvelope(t, model.TypeDeviceStatusUpdate, sessionID, "dev-owner", deviceStatusUpdatePayload{
		Permissions: &newPermissions,
	}))

	env, ok := member.last()
	if !ok || env.Type != model.TypeDeviceStatusUpdate {
		t.Fatalf("member got %+v ok=%v, want %s", env, ok, model.TypeDeviceStatusUpdate)
	}
	var p deviceStatusSyncPayload
	if err := env.Decode(&p); err != nil {
		t.Fatalf("decode deviceStatusSyncPayload: %v", err)
	}
	if p.DeviceID != "dev-owner" || !p.Device.Permissions.Clipboard {
		t.Fatalf("deviceStatusSyncPayload = %+v, want merged permissions from dev-owner", p)
	}

	h.state.mu.Lock()
	lastSeen := h.state.devices["dev-owner"].LastSeen
	sessionPermissions := h.state.sessions[sessionID].Devices["dev-owner"].Permissions
	h.state.mu.Unlock()
	if lastSeen.IsZero() {
		t.Fatal("LastSeen should be updated on a device status update")
	}
	if !sessionPermissions.Clipboard {
		t.Fatal("updated permissions should be merged into the sender's own membership")
	}
}

func TestDeviceStatusUpdateUnknownSessionFails(t *testing.T) {
	h, _ := newTestHub(t)
	c := connectDevice(t, h, "conn-1")
	h.Dispatch("conn-1", envelope(t, model.TypeDeviceRegister, deviceRegisterPayload{DeviceID: "dev-1"}))

	h.Dispatch("conn-1", sessionEnvelope(t, model.TypeDeviceStatusUpdate, "nonexistent", "dev-1", deviceStatusUpdatePayload{}))

	env, ok := c.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply, got %+v ok=%v", env, ok)
	}
}
