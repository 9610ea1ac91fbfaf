package ward

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrPatientNotFound is returned when a patient id is unknown
	ErrPatientNotFound = errors.New("patient not found")

	// ErrProblemNotFound is returned when a problem id is unknown for its patient
	ErrProblemNotFound = errors.New("problem not found")

	// ErrDuplicate is returned when an id is already taken
	ErrDuplicate = errors.New("duplicate id")
)

// Store is the source of truth for patient and problem existence.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Patients returns every patient in display order
	Patients() []Patient

	// Patient returns one patient or ErrPatientNotFound
	Patient(id string) (Patient, error)

	// Problem returns one problem or a not-found error
	Problem(patientID, problemID string) (Problem, error)

	// UpdateProblem applies fn to the stored problem under the store lock.
	// If fn returns an error nothing is written.
	UpdateProblem(patientID, problemID string, fn func(*Problem) error) (Problem, error)

	// AddPatient inserts a patient; ErrDuplicate if the id exists
	AddPatient(p Patient) error

	// AddProblem appends a problem to a patient; ErrDuplicate if the id exists
	AddProblem(patientID string, p Problem) (Problem, error)
}

// MemoryStore implements Store with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu       sync.RWMutex        // Protects concurrent access
	patients []*Patient          // Display order
	index    map[string]*Patient // patientID -> patient
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[string]*Patient),
	}
}

// Patients returns deep copies of every patient
func (m *MemoryStore) Patients() []Patient {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Patient, 0, len(m.patients))
	for _, p := range m.patients {
		out = append(out, clonePatient(p))
	}
	return out
}

// Patient returns a copy of one patient
func (m *MemoryStore) Patient(id string) (Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.index[id]
	if !ok {
		return Patient{}, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return clonePatient(p), nil
}

// Problem returns a copy of one problem
func (m *MemoryStore) Problem(patientID, problemID string) (Problem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pr, err := m.lookup(patientID, problemID)
	if err != nil {
		return Problem{}, err
	}
	return *pr, nil
}

// UpdateProblem mutates a copy and writes it back only if fn succeeds,
// so a rejected transition leaves the stored problem untouched
func (m *MemoryStore) UpdateProblem(patientID, problemID string, fn func(*Problem) error) (Problem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pr, err := m.lookup(patientID, problemID)
	if err != nil {
		return Problem{}, err
	}

	next := *pr
	if err := fn(&next); err != nil {
		return *pr, err
	}
	// Identity fields are owned by the store
	next.ID, next.PatientID, next.Kind, next.CreatedAt = pr.ID, pr.PatientID, pr.Kind, pr.CreatedAt
	*pr = next
	return next, nil
}

// AddPatient inserts a patient and its problems
func (m *MemoryStore) AddPatient(p Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[p.ID]; exists {
		return fmt.Errorf("%w: patient %s", ErrDuplicate, p.ID)
	}
	stored := clonePatient(&p)
	for i := range stored.Problems {
		stored.Problems[i].PatientID = p.ID
	}
	m.patients = append(m.patients, &stored)
	m.index[p.ID] = &stored
	return nil
}

// AddProblem appends a problem to an existing patient
func (m *MemoryStore) AddProblem(patientID string, p Problem) (Problem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	patient, ok := m.index[patientID]
	if !ok {
		return Problem{}, fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
	}
	if _, exists := patient.Problem(p.ID); exists {
		return Problem{}, fmt.Errorf("%w: problem %s", ErrDuplicate, p.ID)
	}
	p.PatientID = patientID
	patient.Problems = append(patient.Problems, p)
	return p, nil
}

// lookup must be called with mu held
func (m *MemoryStore) lookup(patientID, problemID string) (*Problem, error) {
	patient, ok := m.index[patientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
	}
	pr, ok := patient.Problem(problemID)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrProblemNotFound, patientID, problemID)
	}
	return pr, nil
}

func clonePatient(p *Patient) Patient {
	out := *p
	out.Problems = make([]Problem, len(p.Problems))
	copy(out.Problems, p.Problems)
	return out
}
