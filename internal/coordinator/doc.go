// Package coordinator implements the ward's caregiver-problem coordination
// engine: who is connected, who holds which problem, and which problems are
// locked while an external remediation runs or cools down.
//
// # Overview
//
// The engine is the single owner of all mutable coordination state in the
// process. It is constructed once at startup and handed to the real-time
// gateway, which translates client actions into engine calls and fans the
// results out to connected caregivers.
//
// # Architecture
//
//	┌───────────────────────────────────────────────┐
//	│                    Engine                     │
//	├───────────────────────────────────────────────┤
//	│                                               │
//	│  ┌────────────────────┐  ┌─────────────────┐  │
//	│  │  SessionRegistry   │  │ CaregiverDir.   │  │
//	│  │  - active by conn  │─▶│ - id → record   │  │
//	│  │  - inactive by cg  │  │ - history       │  │
//	│  └────────────────────┘  └─────────────────┘  │
//	│                                  ▲            │
//	│  ┌────────────────────┐          │ resolved   │
//	│  │  Ledger            │──────────┘            │
//	│  │  - assignments     │                       │
//	│  │  - status writes   │──▶ ward.Store         │
//	│  │  - unlock timers   │                       │
//	│  └─────────┬──────────┘                       │
//	│            │ acquire / attempt / settle       │
//	│  ┌─────────▼──────────┐                       │
//	│  │  Remediator        │──▶ remediation.Action │
//	│  └────────────────────┘                       │
//	└───────────────────────────────────────────────┘
//
// # Core Components
//
// SessionRegistry: connection id → caregiver binding
//   - Restores a caregiver's session if they reconnect within the grace window
//   - Parks the last session of a caregiver in an inactive pool on disconnect
//   - Swept periodically by SessionSweeper
//
// Ledger: assignments and every problem status write
//   - At most one holder per problem, enforced in one critical section
//   - Resolved problems never have a holder
//   - Lock windows checked on every mutation path, with no bypass
//
// Remediator: the remediation protocol for remediation-kind problems
//   - acquire: lock for the cooldown and move to processing
//   - attempt: the external action, bounded by a timeout, no lock held
//   - settle: resolved on success, serious on failure, lock re-armed either way
//
// Projection: Ledger.Project joins patients, assignments and lock state into
// the WardView sent to clients. Lock expiry is evaluated lazily against the
// read time.
//
// # Errors
//
// Expected conditions are typed so the gateway can turn them into a state
// refresh:
//   - ErrPatientNotFound, ErrProblemNotFound (check with IsNotFound)
//   - ErrUnavailable for an Assign that lost the race
//   - *LockedError with the remaining lock time
//   - *RemediationError wrapping the external failure
//
// # Usage
//
//	store := ward.NewMemoryStore()
//	_ = ward.DefaultSeed().Apply(store, time.Now())
//
//	engine := coordinator.NewEngine(store, remediation.Simulated{Delay: 2 * time.Second},
//	    coordinator.EngineConfig{Cooldown: 180 * time.Second}, logger, metrics.NewNop())
//	defer engine.Close()
//
//	s, _ := engine.Connect("conn-1", ward.Identity{ID: "u1", Name: ward.Name{FirstName: "Ada"}})
//	if _, err := engine.Ledger().Assign("1", "argoPb", s.Ref()); err != nil {
//	    // ErrUnavailable, *LockedError or not found
//	}
//	view := engine.Projection()
package coordinator
