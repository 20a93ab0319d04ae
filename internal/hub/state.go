package hub

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowlink-rmm/hub/internal/model"
)

// maxCodeAttempts bounds the retry loop for 6-digit code generation.
// The birthday-paradox collision risk is accepted, but a collision must
// still be checked and retried.
const maxCodeAttempts = 100

// state holds every Session Store and Global Device Directory record
// behind one mutex: all mutations to either are serialized under one
// logical critical section. Handlers in this package always take
// state.mu for the duration of their read-modify-write step, then
// release it before any blocking connection write (see hub.go dispatch).
type state struct {
	mu sync.Mutex

	sessions       map[string]*model.Session // sessionID -> Session
	sessionsByCode map[string]string         // code -> sessionID

	devices            map[string]*model.DeviceEntry  // deviceID -> DeviceEntry
	devicesByUsername  map[string]map[string]struct{} // username -> set<deviceID>

	conns       map[string]Connection // connID -> Connection
	connDevice  map[string]string     // connID -> deviceID (only while attached)
}

func newState() *state {
	return &state{
		sessions:          make(map[string]*model.Session),
		sessionsByCode:    make(map[string]string),
		devices:           make(map[string]*model.DeviceEntry),
		devicesByUsername: make(map[string]map[string]struct{}),
		conns:             make(map[string]Connection),
		connDevice:         make(map[string]string),
	}
}

// --- Session Store -----------------------------------------------------

// createSession generates a fresh SessionId and a unique 6-digit code,
// then registers the owner as the only member. Caller must hold mu.
func (s *state) createSession(owner *model.DeviceMembership, ttl time.Duration, now time.Time) (*model.Session, error) {
	code, err := s.generateUniqueCode()
	if err != nil {
		return nil, err
	}

	owner.JoinedAt = now
	owner.LastSeen = now
	owner.Online = true

	sess := &model.Session{
		ID:        newSessionID(),
		Code:      code,
		CreatedBy: owner.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Devices:   map[string]*model.DeviceMembership{owner.ID: owner},
		Groups:    make(map[string]*model.Group),
	}
	s.sessions[sess.ID] = sess
	s.sessionsByCode[sess.Code] = sess.ID
	return sess, nil
}

func (s *state) generateUniqueCode() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if _, exists := s.sessionsByCode[code]; !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("hub: exhausted %d attempts generating a unique session code", maxCodeAttempts)
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("hub: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func newSessionID() string {
	return uuid.NewString()
}

func newConnID() string {
	return uuid.NewString()
}

// findSessionByCode resolves a live session by its 6-digit code. Callers
// must hold mu. Returns nil if the code is unknown OR the session has
// already expired. The two cases must be indistinguishable to the
// caller.
func (s *state) findSessionByCode(code string, now time.Time) *model.Session {
	id, ok := s.sessionsByCode[code]
	if !ok {
		return nil
	}
	sess := s.sessions[id]
	if sess == nil || !sess.ExpiresAt.After(now) {
		return nil
	}
	return sess
}

func (s *state) getSession(id string) *model.Session {
	return s.sessions[id]
}

// addMember is idempotent: a re-join by the same deviceId marks it
// online and refreshes lastSeen without resetting joinedAt.
func (s *state) addMember(sess *model.Session, m *model.DeviceMembership, now time.Time) {
	if existing, ok := sess.Devices[m.ID]; ok {
		existing.Online = true
		existing.LastSeen = now
		existing.Name = m.Name
		existing.Username = m.Username
		existing.Type = m.Type
		return
	}
	m.JoinedAt = now
	m.LastSeen = now
	m.Online = true
	sess.Devices[m.ID] = m
}

// markOffline flips a membership offline without deleting its record,
// so a quick reconnect can restore it.
func (s *state) markOffline(sess *model.Session, deviceID string, now time.Time) {
	if m, ok := sess.Devices[deviceID]; ok {
		m.Online = false
		m.LastSeen = now
	}
}

// removeSession deletes a session and all its code-index entries.
func (s *state) removeSession(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessionsByCode, sess.Code)
	delete(s.sessions, id)
}

// --- Global Device Directory --------------------------------------------

// registerDevice upserts a DeviceEntry and attaches connID to it.
func (s *state) registerDevice(deviceID, username, name string, typ model.DeviceType, connID string, now time.Time) *model.DeviceEntry {
	entry, ok := s.devices[deviceID]
	if !ok {
		entry = &model.DeviceEntry{
			DeviceID: deviceID,
			ConnIDs:  make(map[string]struct{}),
		}
		s.devices[deviceID] = entry
	}
	if entry.Username != "" {
		s.unindexUsername(entry.Username, deviceID)
	}
	entry.Username = username
	entry.Name = name
	entry.Type = typ
	entry.LastSeen = now
	s.indexUsername(username, deviceID)

	s.attachConnection(deviceID, connID)
	return entry
}

func (s *state) indexUsername(username, deviceID string) {
	if username == "" {
		return
	}
	set, ok := s.devicesByUsername[username]
	if !ok {
		set = make(map[string]struct{})
		s.devicesByUsername[username] = set
	}
	set[deviceID] = struct{}{}
}

func (s *state) unindexUsername(username, deviceID string) {
	if set, ok := s.devicesByUsername[username]; ok {
		delete(set, deviceID)
		if len(set) == 0 {
			delete(s.devicesByUsername, username)
		}
	}
}

// attachConnection adds connID to the device entry's open-connection set
// and clears any pending grace-period deadline: a reconnect before the
// grace period expires cancels the reap.
func (s *state) attachConnection(deviceID, connID string) {
	entry, ok := s.devices[deviceID]
	if !ok {
		return
	}
	entry.ConnIDs[connID] = struct{}{}
	entry.DisconnectedAt = time.Time{}
	s.connDevice[connID] = deviceID
}

// detachConnection removes connID from its device entry, if any. It does
// not start the grace-period clock: UnregisterConnection sets
// DisconnectedAt once the entry has no connections left. Returns the
// deviceID it was attached to, or "" if the connection had no device.
func (s *state) detachConnection(connID string) string {
	deviceID, ok := s.connDevice[connID]
	if !ok {
		return ""
	}
	delete(s.connDevice, connID)
	if entry, ok := s.devices[deviceID]; ok {
		delete(entry.ConnIDs, connID)
	}
	return deviceID
}

// anyOpenConn returns one connection currently attached to deviceID, or
// nil if none is open. The Router treats any open connection as valid.
func (s *state) anyOpenConn(deviceID string) Connection {
	entry, ok := s.devices[deviceID]
	if !ok {
		return nil
	}
	for connID := range entry.ConnIDs {
		if c, ok := s.conns[connID]; ok {
			return c
		}
	}
	return nil
}

// findDeviceByUsernameOrID resolves a username first (any matching
// online device, excluding excludeDeviceID), falling back to a literal
// deviceId lookup.
func (s *state) findDeviceByUsernameOrID(identifier, excludeDeviceID string) *model.DeviceEntry {
	if set, ok := s.devicesByUsername[identifier]; ok {
		for deviceID := range set {
			if deviceID == excludeDeviceID {
				continue
			}
			if entry := s.devices[deviceID]; entry != nil && entry.Online() {
				return entry
			}
		}
	}
	if entry, ok := s.devices[identifier]; ok && entry.DeviceID != excludeDeviceID {
		return entry
	}
	return nil
}

// removeDeviceEntry deletes a DeviceEntry outright. Only the expiry
// scheduler calls this; handlers never synchronously delete a
// DeviceEntry on close.
func (s *state) removeDeviceEntry(deviceID string) {
	entry, ok := s.devices[deviceID]
	if !ok {
		return
	}
	s.unindexUsername(entry.Username, deviceID)
	delete(s.devices, deviceID)
}
