package coordinator

import (
	"time"

	"github.com/dreamware/wardroom/internal/ward"
)

// ProblemKey identifies a problem across patients.
type ProblemKey struct {
	PatientID string `json:"patientId"`
	ProblemID string `json:"problemId"`
}

func (k ProblemKey) String() string { return k.PatientID + ":" + k.ProblemID }

// CaregiverRef is the weak reference to a caregiver carried by events and
// assignments.
type CaregiverRef struct {
	CaregiverID   string    `json:"caregiverId"`
	CaregiverName ward.Name `json:"caregiverName"`
}

// AssignedEvent is produced by a successful Assign.
type AssignedEvent struct {
	Timestamp  time.Time    `json:"timestamp"`
	PatientID  string       `json:"patientId"`
	ProblemID  string       `json:"problemId"`
	AssignedBy CaregiverRef `json:"assignedBy"`
}

// ProcessingEvent announces that a resolve is in flight.
type ProcessingEvent struct {
	Timestamp    time.Time    `json:"timestamp"`
	PatientID    string       `json:"patientId"`
	ProblemID    string       `json:"problemId"`
	ProcessingBy CaregiverRef `json:"processingBy"`
	Message      string       `json:"message,omitempty"`
}

// ResolvedEvent is produced by a successful Resolve.
type ResolvedEvent struct {
	Timestamp  time.Time    `json:"timestamp"`
	PatientID  string       `json:"patientId"`
	ProblemID  string       `json:"problemId"`
	ResolvedBy CaregiverRef `json:"resolvedBy"`
}

// UpdatedEvent is produced by UpdateStatus, and by a failed remediation that
// reverted the problem's status.
type UpdatedEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	PatientID string       `json:"patientId"`
	ProblemID string       `json:"problemId"`
	NewStatus ward.Status  `json:"newStatus"`
	UpdatedBy CaregiverRef `json:"updatedBy"`
}
