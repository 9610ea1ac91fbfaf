package ward

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Seed describes the patients a ward starts with.
type Seed struct {
	Patients []SeedPatient `yaml:"patients"`
}

// SeedPatient is one patient entry in a seed file.
type SeedPatient struct {
	ID       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	Problems []SeedProblem `yaml:"problems"`
}

// SeedProblem is one problem entry in a seed file.
type SeedProblem struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Kind        string `yaml:"kind"`
	Status      string `yaml:"status"`
	Target      string `yaml:"target"`
}

// DefaultSeed is the demo ward: one remediation-backed problem and one plain one.
func DefaultSeed() *Seed {
	return &Seed{Patients: []SeedPatient{
		{
			ID:   "1",
			Name: "Claude Argo",
			Problems: []SeedProblem{
				{ID: "argoPb", Description: "Bandage soiled", Kind: string(KindRemediation), Status: string(StatusCritical), Target: "demo-app"},
			},
		},
		{
			ID:   "2",
			Name: "Simple Guy",
			Problems: []SeedProblem{
				{ID: "p2", Description: "Simple problem", Kind: string(KindPlain), Status: string(StatusCritical)},
			},
		},
	}}
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates YAML seed data.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(s.Patients) == 0 {
		return nil, fmt.Errorf("seed has no patients")
	}
	return &s, nil
}

// Apply inserts every seeded patient into store, stamping timestamps with now.
func (s *Seed) Apply(store Store, now time.Time) error {
	for _, sp := range s.Patients {
		if sp.ID == "" {
			return fmt.Errorf("seed patient %q has no id", sp.Name)
		}
		patient := Patient{ID: sp.ID, Name: sp.Name}
		for _, spr := range sp.Problems {
			pr, err := spr.problem(now)
			if err != nil {
				return fmt.Errorf("patient %s: %w", sp.ID, err)
			}
			patient.Problems = append(patient.Problems, pr)
		}
		if err := store.AddPatient(patient); err != nil {
			return err
		}
	}
	return nil
}

func (sp SeedProblem) problem(now time.Time) (Problem, error) {
	if sp.ID == "" {
		return Problem{}, fmt.Errorf("problem %q has no id", sp.Description)
	}
	kind, err := ParseKind(sp.Kind)
	if err != nil {
		return Problem{}, err
	}
	status := StatusSerious
	if sp.Status != "" {
		if status, err = ParseStatus(sp.Status); err != nil {
			return Problem{}, err
		}
	}
	return Problem{
		ID:          sp.ID,
		Description: sp.Description,
		Kind:        kind,
		Status:      status,
		Target:      sp.Target,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
