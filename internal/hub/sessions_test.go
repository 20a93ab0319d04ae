package hub

import (
	"testing"

	"github.com/flowlink-rmm/hub/internal/model"
)

func createSessionAndJoin(t *testing.T, h *Hub) (ownerConn, memberConn *fakeConn, sessionID string) {
	t.Helper()
	owner := connectDevice(t, h, "conn-owner")
	member := connectDevice(t, h, "conn-member")

	h.Dispatch("conn-owner", envelope(t, model.TypeSessionCreate, sessionCreatePayload{DeviceID: "dev-owner"}))
	created := decodeSessionCreated(t, owner)

	h.Dispatch("conn-member", envelope(t, model.TypeSessionJoin, sessionJoinPayload{
		DeviceID: "dev-member",
		Code:     created.Code,
	}))

	return owner, member, created.SessionID
}

func TestSessionJoinNotifiesExistingMembers(t *testing.T) {
	h, _ := newTestHub(t)
	owner, member, _ := createSessionAndJoin(t, h)

	ownerTypes := owner.types()
	if ownerTypes[len(ownerTypes)-1] != model.TypeDeviceConnected {
		t.Fatalf("owner's last type = %q, want %q", ownerTypes[len(ownerTypes)-1], model.TypeDeviceConnected)
	}

	memberTypes := member.types()
	if memberTypes[len(memberTypes)-1] != model.TypeSessionJoined {
		t.Fatalf("member's last type = %q, want %q", memberTypes[len(memberTypes)-1], model.TypeSessionJoined)
	}
}

func TestSessionJoinWithUnknownCodeFails(t *testing.T) {
	h, _ := newTestHub(t)
	c := connectDevice(t, h, "conn-1")

	h.Dispatch("conn-1", envelope(t, model.TypeSessionJoin, sessionJoinPayload{
		DeviceID: "dev-1",
		Code:     "000000",
	}))

	env, ok := c.last()
	if !ok || env.Type != model.TypeError {
		t.Fatalf("expected an error reply for an unknown code, got %+v ok=%v", env, ok)
	}
	var p model.ErrorPayload
	_ = env.Decode(&p)
	if p.Message != msgInvalidSessionCode {
		t.Fatalf("message = %q, want %q", p.Message, msgInvalidSessionCode)
	}
}

func TestSessionLeaveByOwnerTerminatesForEveryone(t *testing.T) {
	h, _ := newTestHub(t)
	_, member, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-owner", envelope(t, model.TypeSessionLeave, sessionLeavePayload{
		SessionID: sessionID,
		DeviceID:  "dev-owner",
	}))

	memberTypes := member.types()
	if memberTypes[len(memberTypes)-1] != model.TypeSessionExpired {
		t.Fatalf("member's last type = %q, want %q (owner_left)", memberTypes[len(memberTypes)-1], model.TypeSessionExpired)
	}

	h.state.mu.Lock()
	_, stillExists := h.state.sessions[sessionID]
	h.state.mu.Unlock()
	if stillExists {
		t.Fatal("session should be removed once the owner leaves")
	}
}

func TestSessionLeaveByMemberOnlyRemovesThatMembership(t *testing.T) {
	h, _ := newTestHub(t)
	owner, _, sessionID := createSessionAndJoin(t, h)

	h.Dispatch("conn-member", envelope(t, model.TypeSessionLeave, sessionLeavePayload{
		SessionID: sessionID,
		DeviceID:  "dev-member",
	}))

	ownerTypes := owner.types()
	if ownerTypes[len(ownerTypes)-1] != model.TypeDeviceDisconnected {
		t.Fatalf("owner's last type = %q, want %q", ownerTypes[len(ownerTypes)-1], model.TypeDeviceDisconnected)
	}

	h.state.mu.Lock()
	sess, stillExists := h.state.sessions[sessionID]
	_, memberStillPresent := sess.Devices["dev-member"]
	h.state.mu.Unlock()
	if !stillExists {
		t.Fatal("session should survive a member leaving")
	}
	if memberStillPresent {
		t.Fatal("leaving member's membership should be removed, not just marked offline")
	}
}

func TestOwnerDisconnectTerminatesSessionForEveryone(t *testing.T) {
	h, _ := newTestHub(t)
	_, member, sessionID := createSessionAndJoin(t, h)

	h.UnregisterConnection("conn-owner")

	h.state.mu.Lock()
	_, stillExists := h.state.sessions[sessionID]
	h.state.mu.Unlock()
	if stillExists {
		t.Fatal("an owner's implicit disconnect should terminate the session, same as an explicit session_leave")
	}

	memberTypes := member.types()
	if memberTypes[len(memberTypes)-1] != model.TypeSessionExpired {
		t.Fatalf("member's last type = %q, want %q", memberTypes[len(memberTypes)-1], model.TypeSessionExpired)
	}
}

func TestMemberDisconnectLeavesSessionAliveMarksOffline(t *testing.T) {
	h, _ := newTestHub(t)
	owner, _, sessionID := createSessionAndJoin(t, h)

	h.UnregisterConnection("conn-member")

	h.state.mu.Lock()
	sess, stillExists := h.state.sessions[sessionID]
	_, memberStillPresent := sess.Devices["dev-member"]
	h.state.mu.Unlock()
	if !stillExists {
		t.Fatal("a member's implicit disconnect should not terminate the session")
	}
	if !memberStillPresent {
		t.Fatal("a disconnected member's membership should be kept (offline), not removed — that's session_leave's job")
	}

	ownerTypes := owner.types()
	if ownerTypes[len(ownerTypes)-1] != model.TypeDeviceDisconnected {
		t.Fatalf("owner's last type = %q, want %q", ownerTypes[len(ownerTypes)-1], model.TypeDeviceDisconnected)
	}
}

// An owner's own implicit disconnect always terminates the session outright
// (TestOwnerDisconnectTerminatesSessionForEveryone), so the zero-online-members
// cleanup in onDeviceDisconnected's member branch is normally unreachable
// through the owner. This test exercises it directly for the case the wire
// protocol's "if the session now has zero online members, delete it" rule
// still covers: every member, owner included, ends up offline.
func TestSessionWithZeroOnlineMembersIsDeletedOnDisconnect(t *testing.T) {
	h, _ := newTestHub(t)
	_, _, sessionID := createSessionAndJoin(t, h)

	h.state.mu.Lock()
	sess := h.state.sessions[sessionID]
	sess.Devices["dev-owner"].Online = false
	h.state.mu.Unlock()

	h.UnregisterConnection("conn-member")

	h.state.mu.Lock()
	_, stillExists := h.state.sessions[sessionID]
	h.state.mu.Unlock()
	if stillExists {
		t.Fatal("a session should be removed once it has zero online members")
	}
}
