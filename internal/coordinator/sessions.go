package coordinator

import (
	"sync"
	"time"

	"github.com/dreamware/wardroom/internal/ward"
)

const (
	// DefaultGrace is how long a disconnected session can be restored.
	DefaultGrace = time.Hour

	// DefaultRoom is where fresh sessions start.
	DefaultRoom = "default"
)

// Session binds one live connection to a caregiver.
type Session struct {
	ConnectedAt      time.Time `json:"connectedAt"`
	LastDisconnectAt time.Time `json:"lastDisconnectAt,omitempty"`
	ConnectionID     string    `json:"connectionId"`
	CaregiverID      string    `json:"caregiverId"`
	Room             string    `json:"lastRoom"`
	CaregiverName    ward.Name `json:"caregiverName"`
}

// Ref returns the weak caregiver reference used by events and assignments.
func (s Session) Ref() CaregiverRef {
	return CaregiverRef{CaregiverID: s.CaregiverID, CaregiverName: s.CaregiverName}
}

// SessionRegistry tracks which connection belongs to which caregiver.
//
// Sessions live in two pools. The active pool is keyed by connection id;
// the inactive pool is keyed by caregiver id and holds the last session of a
// caregiver with no live connection, restorable for the grace window. A
// caregiver id is never present in both pools: it only enters the inactive
// pool when its last active session goes away, and leaves it on restore or
// sweep. One mutex covers both pools, so a rejoin racing a sweep cannot
// produce two live sessions.
//
// Unknown connection ids are no-ops everywhere.
type SessionRegistry struct {
	directory   *CaregiverDirectory
	now         func() time.Time
	active      map[string]*Session
	inactive    map[string]*Session
	defaultRoom string
	grace       time.Duration
	mu          sync.Mutex
}

// NewSessionRegistry creates a registry. Non-positive grace and an empty
// room pick the defaults; a nil clock uses time.Now.
func NewSessionRegistry(directory *CaregiverDirectory, grace time.Duration, defaultRoom string, now func() time.Time) *SessionRegistry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if defaultRoom == "" {
		defaultRoom = DefaultRoom
	}
	if now == nil {
		now = time.Now
	}
	return &SessionRegistry{
		directory:   directory,
		now:         now,
		active:      make(map[string]*Session),
		inactive:    make(map[string]*Session),
		defaultRoom: defaultRoom,
		grace:       grace,
	}
}

// Connect binds connID to the caregiver behind id. A session disconnected
// less than the grace window ago is restored with its room and display name
// (isNew=false). Otherwise a fresh session starts in the default room
// (isNew=true) and the caregiver record is obtained from the directory.
func (r *SessionRegistry) Connect(connID string, id ward.Identity) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if prev, ok := r.inactive[id.ID]; ok {
		delete(r.inactive, id.ID)
		if now.Sub(prev.LastDisconnectAt) < r.grace {
			prev.ConnectionID = connID
			prev.ConnectedAt = now
			prev.LastDisconnectAt = time.Time{}
			r.active[connID] = prev
			return *prev, false
		}
	}

	caregiver, _ := r.directory.Obtain(id)
	s := &Session{
		ConnectedAt:   now,
		ConnectionID:  connID,
		CaregiverID:   caregiver.ID,
		Room:          r.defaultRoom,
		CaregiverName: caregiver.Name,
	}
	r.active[connID] = s
	return *s, true
}

// Get returns the active session for connID.
func (r *SessionRegistry) Get(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetRoom records the connection's current room.
func (r *SessionRegistry) SetRoom(connID, room string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[connID]
	if !ok {
		return Session{}, false
	}
	s.Room = room
	return *s, true
}

// Disconnect removes connID from the active pool. When it was the
// caregiver's last live connection the session moves to the inactive pool
// and last is true.
func (r *SessionRegistry) Disconnect(connID string) (s Session, last bool, ok bool) {
	return r.DisconnectAndRelease(connID, nil)
}

// DisconnectAndRelease is Disconnect with a release step. release runs only
// for the caregiver's last connection, inside the registry's critical
// section and before the session is parked, so a reconnect cannot restore
// the session until the release is done. release must not call back into
// the registry.
func (r *SessionRegistry) DisconnectAndRelease(connID string, release func(caregiverID string)) (s Session, last bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.active[connID]
	if !ok {
		return Session{}, false, false
	}
	delete(r.active, connID)

	for _, other := range r.active {
		if other.CaregiverID == cur.CaregiverID {
			return *cur, false, true
		}
	}

	if release != nil {
		release(cur.CaregiverID)
	}
	cur.LastDisconnectAt = r.now()
	r.inactive[cur.CaregiverID] = cur
	return *cur, true, true
}

// SweepExpired drops inactive sessions disconnected for at least the grace
// window and returns how many went.
func (r *SessionRegistry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, s := range r.inactive {
		if now.Sub(s.LastDisconnectAt) >= r.grace {
			delete(r.inactive, id)
			removed++
		}
	}
	return removed
}

// Inactive returns the parked session of caregiverID.
func (r *SessionRegistry) Inactive(caregiverID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.inactive[caregiverID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Active returns copies of all live sessions.
func (r *SessionRegistry) Active() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.active))
	for _, s := range r.active {
		out = append(out, *s)
	}
	return out
}

// ActiveCount returns the number of live sessions.
func (r *SessionRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Grace returns the restore window.
func (r *SessionRegistry) Grace() time.Duration { return r.grace }
