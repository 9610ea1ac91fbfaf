package coordinator

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dreamware/wardroom/internal/ward"
)

// Expected conditions. Callers check these with errors.Is and turn them into
// a state refresh rather than a failure.
var (
	// ErrPatientNotFound is returned when the patient id is unknown.
	ErrPatientNotFound = ward.ErrPatientNotFound

	// ErrProblemNotFound is returned when the problem id is unknown.
	ErrProblemNotFound = ward.ErrProblemNotFound

	// ErrUnavailable is returned by Assign when the problem already has an
	// assignee or is resolved.
	ErrUnavailable = errors.New("problem unavailable")

	// ErrInvalidStatus is returned for a status name outside the lifecycle.
	ErrInvalidStatus = errors.New("invalid problem status")

	// ErrSessionNotFound is returned when a connection has no active session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInFlight is returned for any mutation of a problem whose remediation
	// attempt has not settled yet, even if its lock window has lapsed.
	ErrInFlight = errors.New("remediation in flight")
)

// errAlreadyResolved aborts a commit without writing; resolve treats it as a
// successful no-op.
var errAlreadyResolved = errors.New("already resolved")

// IsNotFound reports whether err means an unknown patient or problem.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPatientNotFound) || errors.Is(err, ErrProblemNotFound)
}

// LockedError is returned for any mutation attempted while a problem's lock
// window is open.
type LockedError struct {
	Until     time.Time
	Remaining time.Duration
}

func newLockedError(p *ward.Problem, now time.Time) *LockedError {
	return &LockedError{Until: p.LockedUntil, Remaining: p.LockRemaining(now)}
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("problem locked for another %ds", e.RemainingSeconds())
}

// RemainingSeconds rounds the remaining lock time up to whole seconds for display.
func (e *LockedError) RemainingSeconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

// AsLocked extracts a LockedError from err.
func AsLocked(err error) (*LockedError, bool) {
	var le *LockedError
	if errors.As(err, &le) {
		return le, true
	}
	return nil, false
}

// RemediationError wraps a failed or timed out remediation attempt. The
// problem has already been reverted to serious and re-locked when this is
// returned.
type RemediationError struct {
	AttemptAt   time.Time
	Err         error
	PatientID   string
	ProblemID   string
	CaregiverID string
}

func (e *RemediationError) Error() string {
	return fmt.Sprintf("remediation of %s/%s by %s at %s failed: %v",
		e.PatientID, e.ProblemID, e.CaregiverID, e.AttemptAt.Format(time.RFC3339), e.Err)
}

func (e *RemediationError) Unwrap() error { return e.Err }
