package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/wardroom/internal/metrics"
	"github.com/dreamware/wardroom/internal/ward"
)

// Assignment records that one caregiver currently holds a problem.
//
// The ledger is the only place this fact lives. Problems carry no assignee
// field of their own; the projection joins the two at read time, so there is
// never a second copy that could drift.
type Assignment struct {
	// AssignedAt is when the caregiver claimed the problem.
	AssignedAt time.Time `json:"assignedAt"`

	// Key identifies the held problem.
	Key ProblemKey `json:"key"`

	// Caregiver is the holder.
	Caregiver CaregiverRef `json:"caregiver"`
}

// LedgerOptions configures a Ledger. Zero values pick sensible defaults.
type LedgerOptions struct {
	// Now is the clock used for every timestamp and lock check.
	// Defaults to time.Now.
	Now func() time.Time

	// Logger receives remediation failures and unlock notices.
	Logger *zap.Logger

	// Metrics records assignment and resolution outcomes.
	Metrics metrics.Collector

	// OnResolved is called after a caregiver resolves a problem, outside
	// the ledger lock.
	OnResolved func(by CaregiverRef, rec ward.ResolvedRecord)

	// Reopen moves a remediated problem back to serious when its
	// post-success cooldown expires.
	Reopen bool
}

type unlockTimer struct {
	timer *time.Timer
	until time.Time
}

// Ledger is the authoritative map of problem assignments and the single
// writer for problem status.
//
// Every mutation of a problem and of its assignment entry happens inside one
// critical section:
//
//	┌──────────────────────────────────────────┐
//	│  Ledger.mu (write)                       │
//	│    store.UpdateProblem(key, fn)          │
//	│      fn: lock check, transition          │
//	│    entries[key] = next | delete          │
//	└──────────────────────────────────────────┘
//
// so two Assign calls racing for the same key yield exactly one winner, and
// status == resolved is never observable alongside an entry for that key.
//
// Lock ordering is always Ledger.mu before the store's own lock. Reads that
// need a consistent picture of problems and entries (Project) take Ledger.mu
// for reading.
//
// The remediation call is made with no lock held. The problem's own time
// window, armed before the call starts, keeps every other mutator away from
// that key while other keys stay fully operable.
type Ledger struct {
	store      ward.Store
	remediator *Remediator
	metrics    metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
	onResolved func(CaregiverRef, ward.ResolvedRecord)
	onUnlock   func(ProblemKey)

	// onProcessing fires once a remediation lock is taken, before the
	// external call starts.
	onProcessing func(ProblemKey, CaregiverRef)

	// entries maps problem keys to their current holder.
	entries map[ProblemKey]*Assignment

	// timers fire when a remediation lock expires.
	timers map[ProblemKey]unlockTimer

	// inflight holds keys between acquire and settle. It is the guard that
	// outlives a lapsed lock window.
	inflight map[ProblemKey]struct{}

	mu     sync.RWMutex
	reopen bool
	closed bool
}

// NewLedger creates a ledger over store. A nil remediator uses the simulated
// action with the default cooldown.
func NewLedger(store ward.Store, remediator *Remediator, opts LedgerOptions) *Ledger {
	if remediator == nil {
		remediator = NewRemediator(nil, DefaultCooldown, 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Ledger{
		store:      store,
		remediator: remediator,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
		onResolved: opts.OnResolved,
		entries:    make(map[ProblemKey]*Assignment),
		timers:     make(map[ProblemKey]unlockTimer),
		inflight:   make(map[ProblemKey]struct{}),
		reopen:     opts.Reopen,
	}
}

// SetUnlockHandler registers fn to be called, from a timer goroutine, each
// time a remediation lock expires.
func (l *Ledger) SetUnlockHandler(fn func(ProblemKey)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onUnlock = fn
}

// SetProcessingHandler registers fn to be called each time a remediation
// attempt has locked its problem and moved it to processing. fn runs on the
// resolving goroutine with no ledger lock held.
func (l *Ledger) SetProcessingHandler(fn func(ProblemKey, CaregiverRef)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onProcessing = fn
}

// commit applies fn to the stored problem and to its assignment entry as one
// atomic step. fn receives the current holder (nil if none) and returns the
// holder to keep. Nothing is written if fn fails. A resolved problem never
// keeps an entry. Keys with a remediation in flight are refused with
// ErrInFlight.
func (l *Ledger) commit(key ProblemKey, fn func(p *ward.Problem, held *Assignment) (*Assignment, error)) (ward.Problem, error) {
	return l.apply(key, false, fn)
}

// settleCommit is commit for the one writer allowed past the in-flight
// guard. It clears the guard whatever the outcome.
func (l *Ledger) settleCommit(key ProblemKey, fn func(p *ward.Problem, held *Assignment) (*Assignment, error)) (ward.Problem, error) {
	return l.apply(key, true, fn)
}

func (l *Ledger) apply(key ProblemKey, settling bool, fn func(p *ward.Problem, held *Assignment) (*Assignment, error)) (ward.Problem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if settling {
		defer delete(l.inflight, key)
	} else if _, busy := l.inflight[key]; busy {
		return ward.Problem{}, ErrInFlight
	}

	held := l.entries[key]
	var next *Assignment
	p, err := l.store.UpdateProblem(key.PatientID, key.ProblemID, func(p *ward.Problem) error {
		n, err := fn(p, held)
		if err != nil {
			return err
		}
		if p.Status == ward.StatusResolved {
			n = nil
		}
		next = n
		return nil
	})
	if err != nil {
		return p, err
	}

	if next == nil {
		delete(l.entries, key)
	} else {
		l.entries[key] = next
	}
	return p, nil
}

// Assign gives the problem to caregiver by.
//
// Errors:
//   - ErrPatientNotFound / ErrProblemNotFound for unknown ids
//   - *LockedError while the problem's lock window is open
//   - ErrUnavailable if someone holds it already or it is resolved
func (l *Ledger) Assign(patientID, problemID string, by CaregiverRef) (*AssignedEvent, error) {
	key := ProblemKey{PatientID: patientID, ProblemID: problemID}
	now := l.now()

	_, err := l.commit(key, func(p *ward.Problem, held *Assignment) (*Assignment, error) {
		if p.IsLocked(now) {
			return held, newLockedError(p, now)
		}
		if held != nil || p.Status == ward.StatusResolved {
			return held, ErrUnavailable
		}
		return &Assignment{AssignedAt: now, Key: key, Caregiver: by}, nil
	})
	l.metrics.RecordAssign(resultOf(err))
	if err != nil {
		return nil, err
	}

	return &AssignedEvent{
		Timestamp:  now,
		PatientID:  patientID,
		ProblemID:  problemID,
		AssignedBy: by,
	}, nil
}

// Resolve resolves the problem on behalf of by.
//
// Plain problems flip straight to resolved. Remediation problems run the
// remediation protocol (see Remediator): the lock is taken first, the
// external action runs without any ledger lock held, and the outcome is
// settled in a second critical section. ctx bounds the external call.
//
// A problem that is already resolved yields (nil, nil). A failed remediation
// returns a *RemediationError; by then the problem is serious again, keeps
// its holder and is re-locked for a full cooldown.
func (l *Ledger) Resolve(ctx context.Context, patientID, problemID string, by CaregiverRef) (*ResolvedEvent, error) {
	key := ProblemKey{PatientID: patientID, ProblemID: problemID}

	// Kind is an identity field; it cannot change between this read and
	// the commit below.
	current, err := l.store.Problem(patientID, problemID)
	if err != nil {
		l.metrics.RecordResolve("", metrics.ResultNotFound)
		return nil, err
	}
	if current.Kind == ward.KindRemediation {
		return l.remediate(ctx, key, by)
	}

	now := l.now()
	p, err := l.commit(key, func(p *ward.Problem, held *Assignment) (*Assignment, error) {
		if p.Status == ward.StatusResolved {
			return held, errAlreadyResolved
		}
		return nil, setStatus(p, ward.StatusResolved, now)
	})
	if errors.Is(err, errAlreadyResolved) {
		l.metrics.RecordResolve(string(ward.KindPlain), metrics.ResultNoop)
		return nil, nil
	}
	l.metrics.RecordResolve(string(ward.KindPlain), resultOf(err))
	if err != nil {
		return nil, err
	}

	l.recordResolution(by, p, now)
	return &ResolvedEvent{Timestamp: now, PatientID: patientID, ProblemID: problemID, ResolvedBy: by}, nil
}

func (l *Ledger) remediate(ctx context.Context, key ProblemKey, by CaregiverRef) (*ResolvedEvent, error) {
	kind := string(ward.KindRemediation)
	attemptAt := l.now()

	p, err := l.commit(key, func(p *ward.Problem, held *Assignment) (*Assignment, error) {
		if err := l.remediator.acquire(p, attemptAt); err != nil {
			return held, err
		}
		// fn runs under l.mu and nothing after it can fail.
		l.inflight[key] = struct{}{}
		return held, nil
	})
	if errors.Is(err, errAlreadyResolved) {
		l.metrics.RecordResolve(kind, metrics.ResultNoop)
		return nil, nil
	}
	if err != nil {
		l.metrics.RecordResolve(kind, resultOf(err))
		return nil, err
	}

	l.mu.RLock()
	processing := l.onProcessing
	l.mu.RUnlock()
	if processing != nil {
		processing(key, by)
	}

	// The lock armed by acquire keeps this key to ourselves until settle.
	started := time.Now()
	attemptErr := l.remediator.attempt(ctx, p.Target)
	elapsed := time.Since(started)

	settledAt := l.now()
	p, err = l.settleCommit(key, func(p *ward.Problem, held *Assignment) (*Assignment, error) {
		l.remediator.settle(p, settledAt, attemptErr == nil)
		return held, nil
	})
	if err != nil {
		// Problems are never deleted, so this only happens with a broken store.
		l.metrics.RecordResolve(kind, metrics.ResultFailed)
		return nil, err
	}
	l.scheduleUnlock(key, p.LockedUntil)

	if attemptErr != nil {
		l.metrics.ObserveRemediation(elapsed, metrics.ResultFailed)
		l.metrics.RecordResolve(kind, metrics.ResultFailed)
		rerr := &RemediationError{
			AttemptAt:   attemptAt,
			Err:         attemptErr,
			PatientID:   key.PatientID,
			ProblemID:   key.ProblemID,
			CaregiverID: by.CaregiverID,
		}
		l.logger.Warn("remediation failed",
			zap.String("patient_id", key.PatientID),
			zap.String("problem_id", key.ProblemID),
			zap.String("caregiver_id", by.CaregiverID),
			zap.String("target", p.Target),
			zap.Time("attempt_at", attemptAt),
			zap.Duration("elapsed", elapsed),
			zap.Time("locked_until", p.LockedUntil),
			zap.Error(attemptErr),
		)
		return nil, rerr
	}

	l.metrics.ObserveRemediation(elapsed, metrics.ResultOK)
	l.metrics.RecordResolve(kind, metrics.ResultOK)
	l.logger.Info("remediation succeeded",
		zap.String("patient_id", key.PatientID),
		zap.String("problem_id", key.ProblemID),
		zap.String("caregiver_id", by.CaregiverID),
		zap.Duration("elapsed", elapsed),
		zap.Time("locked_until", p.LockedUntil),
	)
	l.recordResolution(by, p, settledAt)
	return &ResolvedEvent{Timestamp: settledAt, PatientID: key.PatientID, ProblemID: key.ProblemID, ResolvedBy: by}, nil
}

// UpdateStatus sets the problem's status directly. Moving to resolved
// drops the assignment. The lock applies exactly as for Assign and Resolve;
// there is no bypass.
func (l *Ledger) UpdateStatus(patientID, problemID string, status ward.Status, by CaregiverRef) (*UpdatedEvent, error) {
	key := ProblemKey{PatientID: patientID, ProblemID: problemID}
	now := l.now()

	p, err := l.commit(key, func(p *ward.Problem, held *Assignment) (*Assignment, error) {
		return held, setStatus(p, status, now)
	})
	if err != nil {
		return nil, err
	}

	if status == ward.StatusResolved {
		l.recordResolution(by, p, now)
	}
	return &UpdatedEvent{
		Timestamp: now,
		PatientID: patientID,
		ProblemID: problemID,
		NewStatus: status,
		UpdatedBy: by,
	}, nil
}

// ReleaseAll drops every assignment held by caregiverID and returns the
// released keys in order. Releasing ignores locks: it changes who holds a
// problem, never its status.
func (l *Ledger) ReleaseAll(caregiverID string) []ProblemKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	var released []ProblemKey
	for key, a := range l.entries {
		if a.Caregiver.CaregiverID == caregiverID {
			delete(l.entries, key)
			released = append(released, key)
		}
	}
	sortKeys(released)
	return released
}

// HeldBy lists the keys caregiverID currently holds.
func (l *Ledger) HeldBy(caregiverID string) []ProblemKey {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var held []ProblemKey
	for key, a := range l.entries {
		if a.Caregiver.CaregiverID == caregiverID {
			held = append(held, key)
		}
	}
	sortKeys(held)
	return held
}

// Assignment returns a copy of the entry for key.
func (l *Ledger) Assignment(key ProblemKey) (Assignment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	a, ok := l.entries[key]
	if !ok {
		return Assignment{}, false
	}
	return *a, true
}

// Assignments returns a copy of every entry.
func (l *Ledger) Assignments() map[ProblemKey]Assignment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[ProblemKey]Assignment, len(l.entries))
	for k, a := range l.entries {
		out[k] = *a
	}
	return out
}

// Project assembles the ward view from one consistent snapshot of problems
// and assignments. now decides which locks are active.
func (l *Ledger) Project(now time.Time) WardView {
	l.mu.RLock()
	patients := l.store.Patients()
	entries := make(map[ProblemKey]Assignment, len(l.entries))
	for k, a := range l.entries {
		entries[k] = *a
	}
	busy := make(map[ProblemKey]struct{}, len(l.inflight))
	for k := range l.inflight {
		busy[k] = struct{}{}
	}
	l.mu.RUnlock()

	return buildProjection(patients, entries, busy, now)
}

// Close stops pending unlock timers. The ledger stays readable.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	for key, t := range l.timers {
		t.timer.Stop()
		delete(l.timers, key)
	}
}

// scheduleUnlock arms a timer for the moment the lock on key expires. Expiry
// itself is evaluated lazily on every read; the timer only exists to tell
// connected clients, and to reopen the problem when configured to.
func (l *Ledger) scheduleUnlock(key ProblemKey, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if prev, ok := l.timers[key]; ok {
		prev.timer.Stop()
	}
	l.timers[key] = unlockTimer{
		timer: time.AfterFunc(until.Sub(l.now()), func() { l.unlocked(key, until) }),
		until: until,
	}
}

// unlocked runs on the timer goroutine. A timer superseded by a later lock
// on the same key finds a different deadline in the map and does nothing.
func (l *Ledger) unlocked(key ProblemKey, until time.Time) {
	l.mu.Lock()
	current, ok := l.timers[key]
	if l.closed || !ok || !current.until.Equal(until) {
		l.mu.Unlock()
		return
	}
	delete(l.timers, key)

	if l.reopen {
		now := l.now()
		_, err := l.store.UpdateProblem(key.PatientID, key.ProblemID, func(p *ward.Problem) error {
			if p.Status != ward.StatusResolved || !p.LockedUntil.Equal(until) {
				return errAlreadyResolved
			}
			p.Status = ward.StatusSerious
			p.UpdatedAt = now
			return nil
		})
		if err == nil {
			l.logger.Info("remediated problem reopened",
				zap.String("patient_id", key.PatientID),
				zap.String("problem_id", key.ProblemID),
			)
		}
	}
	notify := l.onUnlock
	l.mu.Unlock()

	if notify != nil {
		notify(key)
	}
}

func (l *Ledger) recordResolution(by CaregiverRef, p ward.Problem, at time.Time) {
	if l.onResolved == nil {
		return
	}
	l.onResolved(by, ward.ResolvedRecord{
		ResolvedAt:  at,
		ProblemID:   p.ID,
		PatientID:   p.PatientID,
		Description: p.Description,
	})
}

// resultOf maps a ledger error to a metrics result label.
func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrUnavailable):
		return metrics.ResultUnavailable
	case errors.Is(err, ErrInFlight):
		return metrics.ResultLocked
	case IsNotFound(err):
		return metrics.ResultNotFound
	}
	if _, ok := AsLocked(err); ok {
		return metrics.ResultLocked
	}
	return metrics.ResultFailed
}

func sortKeys(keys []ProblemKey) {
	slices.SortFunc(keys, func(a, b ProblemKey) int {
		if c := strings.Compare(a.PatientID, b.PatientID); c != 0 {
			return c
		}
		return strings.Compare(a.ProblemID, b.ProblemID)
	})
}
