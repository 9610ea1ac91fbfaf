package coordinator

import (
	"time"

	"github.com/dreamware/wardroom/internal/ward"
)

// WardView is the full patients projection sent to clients.
type WardView struct {
	Patients []PatientView `json:"patients"`
}

// PatientView is one patient with its aggregate health.
type PatientView struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	OverallStatus ward.Status   `json:"overallStatus"`
	Problems      []ProblemView `json:"problems"`
}

// ProblemView is one problem joined with its holder and lock state.
type ProblemView struct {
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	AssignedAt  *time.Time    `json:"assignedAt,omitempty"`
	LockedUntil *time.Time    `json:"lockedUntil,omitempty"`
	AssignedTo  *CaregiverRef `json:"assignedTo,omitempty"`
	ID          string        `json:"id"`
	Description string        `json:"description"`
	Kind        ward.Kind     `json:"kind"`
	Status      ward.Status   `json:"status"`
	IsLocked    bool          `json:"isLocked"`
}

// Patient finds a patient in the view.
func (v WardView) Patient(id string) (PatientView, bool) {
	for _, p := range v.Patients {
		if p.ID == id {
			return p, true
		}
	}
	return PatientView{}, false
}

// Problem finds a problem in the view.
func (v WardView) Problem(key ProblemKey) (ProblemView, bool) {
	p, ok := v.Patient(key.PatientID)
	if !ok {
		return ProblemView{}, false
	}
	for _, pr := range p.Problems {
		if pr.ID == key.ProblemID {
			return pr, true
		}
	}
	return ProblemView{}, false
}

// buildProjection has no side effects. Lock state is evaluated against now,
// so an expired lock shows as unlocked even though LockedUntil is still set.
// Keys in busy have a remediation in flight and always show as locked.
func buildProjection(patients []ward.Patient, entries map[ProblemKey]Assignment, busy map[ProblemKey]struct{}, now time.Time) WardView {
	view := WardView{Patients: make([]PatientView, 0, len(patients))}
	for i := range patients {
		patient := &patients[i]
		pv := PatientView{
			ID:            patient.ID,
			Name:          patient.Name,
			OverallStatus: patient.Health(),
			Problems:      make([]ProblemView, 0, len(patient.Problems)),
		}
		for _, pr := range patient.Problems {
			prv := ProblemView{
				CreatedAt:   pr.CreatedAt,
				UpdatedAt:   pr.UpdatedAt,
				ID:          pr.ID,
				Description: pr.Description,
				Kind:        pr.Kind,
				Status:      pr.Status,
			}
			key := ProblemKey{PatientID: patient.ID, ProblemID: pr.ID}
			if a, ok := entries[key]; ok {
				ref, at := a.Caregiver, a.AssignedAt
				prv.AssignedTo = &ref
				prv.AssignedAt = &at
			}
			if _, inflight := busy[key]; inflight || pr.IsLocked(now) {
				until := pr.LockedUntil
				prv.IsLocked = true
				prv.LockedUntil = &until
			}
			pv.Problems = append(pv.Problems, prv)
		}
		view.Patients = append(view.Patients, pv)
	}
	return view
}
