package ward

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seededStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := DefaultSeed().Apply(store, time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}
	return store
}

// TestMemoryStore tests the in-memory patient store
func TestMemoryStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := NewMemoryStore()

		if got := store.Patients(); len(got) != 0 {
			t.Errorf("Expected empty store, got %d patients", len(got))
		}

		_, err := store.Patient("1")
		if !errors.Is(err, ErrPatientNotFound) {
			t.Errorf("Expected ErrPatientNotFound, got %v", err)
		}
	})

	t.Run("patients keep insertion order", func(t *testing.T) {
		store := seededStore(t)

		patients := store.Patients()
		if len(patients) != 2 {
			t.Fatalf("Expected 2 patients, got %d", len(patients))
		}
		if patients[0].ID != "1" || patients[1].ID != "2" {
			t.Errorf("Expected order [1 2], got [%s %s]", patients[0].ID, patients[1].ID)
		}
	})

	t.Run("problems know their patient", func(t *testing.T) {
		store := seededStore(t)

		p, err := store.Problem("1", "argoPb")
		if err != nil {
			t.Fatalf("Failed to get problem: %v", err)
		}
		if p.PatientID != "1" {
			t.Errorf("Expected patient id 1, got %q", p.PatientID)
		}
		if p.Kind != KindRemediation {
			t.Errorf("Expected remediation kind, got %q", p.Kind)
		}
	})

	t.Run("unknown problem", func(t *testing.T) {
		store := seededStore(t)

		_, err := store.Problem("1", "nope")
		if !errors.Is(err, ErrProblemNotFound) {
			t.Errorf("Expected ErrProblemNotFound, got %v", err)
		}
		_, err = store.Problem("9", "argoPb")
		if !errors.Is(err, ErrPatientNotFound) {
			t.Errorf("Expected ErrPatientNotFound, got %v", err)
		}
	})

	t.Run("returned values are copies", func(t *testing.T) {
		store := seededStore(t)

		patient, _ := store.Patient("2")
		patient.Problems[0].Status = StatusResolved
		patient.Name = "Changed"

		again, _ := store.Patient("2")
		if again.Problems[0].Status != StatusCritical {
			t.Errorf("Store was mutated through a returned copy")
		}
		if again.Name != "Simple Guy" {
			t.Errorf("Expected name to be unchanged, got %q", again.Name)
		}
	})

	t.Run("duplicate ids are rejected", func(t *testing.T) {
		store := seededStore(t)

		if err := store.AddPatient(Patient{ID: "1"}); !errors.Is(err, ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for patient, got %v", err)
		}
		if _, err := store.AddProblem("2", Problem{ID: "p2"}); !errors.Is(err, ErrDuplicate) {
			t.Errorf("Expected ErrDuplicate for problem, got %v", err)
		}
		if _, err := store.AddProblem("9", Problem{ID: "x"}); !errors.Is(err, ErrPatientNotFound) {
			t.Errorf("Expected ErrPatientNotFound, got %v", err)
		}
	})
}

// TestUpdateProblem tests the read-modify-write path
func TestUpdateProblem(t *testing.T) {
	t.Run("successful update is written", func(t *testing.T) {
		store := seededStore(t)

		got, err := store.UpdateProblem("2", "p2", func(p *Problem) error {
			p.Status = StatusStable
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to update: %v", err)
		}
		if got.Status != StatusStable {
			t.Errorf("Expected returned status stable, got %s", got.Status)
		}

		stored, _ := store.Problem("2", "p2")
		if stored.Status != StatusStable {
			t.Errorf("Expected stored status stable, got %s", stored.Status)
		}
	})

	t.Run("failed update writes nothing", func(t *testing.T) {
		store := seededStore(t)
		reject := errors.New("rejected")

		got, err := store.UpdateProblem("2", "p2", func(p *Problem) error {
			p.Status = StatusStable
			return reject
		})
		if !errors.Is(err, reject) {
			t.Fatalf("Expected rejection, got %v", err)
		}
		if got.Status != StatusCritical {
			t.Errorf("Expected the unchanged problem back, got %s", got.Status)
		}

		stored, _ := store.Problem("2", "p2")
		if stored.Status != StatusCritical {
			t.Errorf("Expected stored status critical, got %s", stored.Status)
		}
	})

	t.Run("identity fields cannot change", func(t *testing.T) {
		store := seededStore(t)

		got, err := store.UpdateProblem("1", "argoPb", func(p *Problem) error {
			p.ID = "other"
			p.Kind = KindPlain
			p.PatientID = "2"
			return nil
		})
		if err != nil {
			t.Fatalf("Failed to update: %v", err)
		}
		if got.ID != "argoPb" || got.Kind != KindRemediation || got.PatientID != "1" {
			t.Errorf("Identity fields changed: %+v", got)
		}
	})
}

// TestConcurrentAccess tests thread safety of the store
func TestConcurrentAccess(t *testing.T) {
	store := seededStore(t)

	var wg sync.WaitGroup
	numGoroutines := 20

	wg.Add(numGoroutines * 2)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			_, _ = store.UpdateProblem("2", "p2", func(p *Problem) error {
				p.Description = fmt.Sprintf("update %d", id)
				return nil
			})
		}(i)
		go func(id int) {
			defer wg.Done()
			_, _ = store.AddProblem("1", Problem{ID: fmt.Sprintf("extra-%d", id)})
			store.Patients()
		}(i)
	}
	wg.Wait()

	patient, _ := store.Patient("1")
	if len(patient.Problems) != numGoroutines+1 {
		t.Errorf("Expected %d problems, got %d", numGoroutines+1, len(patient.Problems))
	}
}
