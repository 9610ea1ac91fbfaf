package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/wardroom/internal/ward"
)

// User is an account known to the auth service. Users are created on first
// login and live for the life of the process.
type User struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
}

// Identity returns what the gateway binds a session to.
func (u User) Identity() ward.Identity {
	return ward.Identity{ID: u.ID, Name: ward.Name{FirstName: u.FirstName, LastName: u.LastName}}
}

// UserStore is an in-memory user table.
type UserStore struct {
	users   map[string]User
	newName func() ward.Name
	now     func() time.Time
	mu      sync.RWMutex
}

// NewUserStore creates an empty store. New users get names from newName,
// or RandomName if nil.
func NewUserStore(newName func() ward.Name) *UserStore {
	if newName == nil {
		newName = RandomName
	}
	return &UserStore{users: make(map[string]User), newName: newName, now: time.Now}
}

// Get returns a user by id.
func (s *UserStore) Get(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u, ok
}

// GetOrCreate returns the user with id, or creates a new user with a fresh
// id when id is empty or unknown. created reports which happened.
func (s *UserStore) GetOrCreate(id string) (u User, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[id]; ok && id != "" {
		return existing, false
	}

	name := s.newName()
	u = User{
		CreatedAt: s.now(),
		ID:        uuid.NewString(),
		FirstName: name.FirstName,
		LastName:  name.LastName,
	}
	s.users[u.ID] = u
	return u, true
}

// Len returns the number of users.
func (s *UserStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
