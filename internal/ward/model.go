package ward

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a problem.
type Status string

const (
	StatusCritical   Status = "critical"
	StatusSerious    Status = "serious"
	StatusStable     Status = "stable"
	StatusProcessing Status = "processing"
	StatusResolved   Status = "resolved"
)

// ParseStatus validates a status name received from a client or a seed file.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown problem status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCritical, StatusSerious, StatusStable, StatusProcessing, StatusResolved:
		return true
	}
	return false
}

// Severity orders statuses for health aggregation. Processing is transient
// and has no severity.
func (s Status) Severity() int {
	switch s {
	case StatusCritical:
		return 4
	case StatusSerious:
		return 3
	case StatusStable:
		return 2
	case StatusResolved:
		return 1
	}
	return 0
}

// Kind distinguishes problems resolved by a status flip from problems whose
// resolution runs an external remediation action.
type Kind string

const (
	KindPlain       Kind = "plain"
	KindRemediation Kind = "remediation"
)

// ParseKind validates a kind name; the empty string means plain.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindPlain, nil
	case KindPlain, KindRemediation:
		return k, nil
	}
	return "", fmt.Errorf("unknown problem kind %q", s)
}

// Problem is a single issue on a patient. LockedUntil is only meaningful for
// remediation problems; the zero value means no lock was ever taken.
type Problem struct {
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LockedUntil time.Time `json:"lockedUntil,omitempty"`
	ID          string    `json:"id"`
	PatientID   string    `json:"patientId"`
	Description string    `json:"description"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	Target      string    `json:"target,omitempty"`
}

// IsLocked reports whether the lock window is still open at now. The window
// is half-open: at exactly LockedUntil the problem is unlocked.
func (p *Problem) IsLocked(now time.Time) bool {
	return !p.LockedUntil.IsZero() && now.Before(p.LockedUntil)
}

// LockRemaining returns how long the lock stays active, or zero.
func (p *Problem) LockRemaining(now time.Time) time.Duration {
	if !p.IsLocked(now) {
		return 0
	}
	return p.LockedUntil.Sub(now)
}

// Patient owns an ordered list of problems. Order matters for display only.
type Patient struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Problems []Problem `json:"problems"`
}

// Health is the most severe non-resolved problem status, or resolved when
// nothing is open.
func (p *Patient) Health() Status {
	worst := StatusResolved
	for _, pr := range p.Problems {
		if pr.Status.Severity() > worst.Severity() {
			worst = pr.Status
		}
	}
	return worst
}

// Problem finds a problem by id.
func (p *Patient) Problem(problemID string) (*Problem, bool) {
	for i := range p.Problems {
		if p.Problems[i].ID == problemID {
			return &p.Problems[i], true
		}
	}
	return nil, false
}

// Name is a caregiver display name.
type Name struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (n Name) String() string {
	return strings.TrimSpace(n.FirstName + " " + n.LastName)
}

// ResolvedRecord is one entry in a caregiver's resolution history.
type ResolvedRecord struct {
	ResolvedAt  time.Time `json:"resolvedAt"`
	ProblemID   string    `json:"problemId"`
	PatientID   string    `json:"patientId"`
	Description string    `json:"description"`
}

// Caregiver is the stable identity behind one or more sessions.
type Caregiver struct {
	ID      string           `json:"id"`
	Name    Name             `json:"name"`
	History []ResolvedRecord `json:"resolvedProblems"`
}

// Identity is what the auth layer vouches for: a stable id and a display name.
type Identity struct {
	ID   string `json:"id"`
	Name Name   `json:"name"`
}
