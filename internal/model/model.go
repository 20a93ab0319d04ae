// Package model defines the Hub's core data types: sessions, device
// memberships, the global device directory, and groups. The Hub owns
// every record by value inside its store; client connections reference
// records by id only (see internal/hub).
package model

import "time"

// DeviceType enumerates the client form factors the wire protocol knows about.
type DeviceType string

const (
	DeviceTypePhone   DeviceType = "phone"
	DeviceTypeLaptop  DeviceType = "laptop"
	DeviceTypeDesktop DeviceType = "desktop"
	DeviceTypeTablet  DeviceType = "tablet"
)

// Permissions gates what a device has agreed to share within a session.
type Permissions struct {
	Files        bool `json:"files"`
	Media        bool `json:"media"`
	Prompts      bool `json:"prompts"`
	Clipboard    bool `json:"clipboard"`
	RemoteBrowse bool `json:"remote_browse"`
}

// DeviceMembership is a device's state within one session.
type DeviceMembership struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Username    string      `json:"username"`
	Type        DeviceType  `json:"type"`
	Online      bool        `json:"online"`
	JoinedAt    time.Time   `json:"joinedAt"`
	LastSeen    time.Time   `json:"lastSeen"`
	Permissions Permissions `json:"permissions"`
}

// Group is a named subset of a session's current members.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	Color     string    `json:"color"`
	DeviceIDs []string  `json:"deviceIds"`
}

// Session is a short-lived grouping of devices identified by a
// server-assigned id and a shareable 6-digit code.
type Session struct {
	ID        string
	Code      string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
	Devices   map[string]*DeviceMembership
	Groups    map[string]*Group
}

// OnlineDeviceCount returns how many members currently have online=true.
func (s *Session) OnlineDeviceCount() int {
	n := 0
	for _, m := range s.Devices {
		if m.Online {
			n++
		}
	}
	return n
}

// DeviceEntry is a device's global presence, independent of any session.
// ConnIDs tracks every open connection currently attached to this device;
// the entry is "online" iff that set is non-empty.
type DeviceEntry struct {
	DeviceID  string
	Username  string
	Name      string
	Type      DeviceType
	LastSeen  time.Time
	ConnIDs   map[string]struct{}
	SessionID string // empty if not currently in a session

	// DisconnectedAt is set the moment ConnIDs first becomes empty, and
	// cleared on reattachment. A zero value means the device currently
	// has (or never lost) an open connection.
	DisconnectedAt time.Time
}

// Online reports whether the entry has at least one open connection.
func (e *DeviceEntry) Online() bool {
	return len(e.ConnIDs) > 0
}

// GraceExpired reports whether the device has been offline for at least
// grace, per the grace-period reap in the expiry sweep.
func (e *DeviceEntry) GraceExpired(now time.Time, grace time.Duration) bool {
	if e.Online() || e.DisconnectedAt.IsZero() {
		return false
	}
	return now.Sub(e.DisconnectedAt) >= grace
}
