package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/wardroom/internal/metrics"
	"github.com/dreamware/wardroom/internal/remediation"
	"github.com/dreamware/wardroom/internal/ward"
)

// EngineConfig holds the engine's tunables. Zero values pick the defaults.
type EngineConfig struct {
	// Now overrides the clock, for tests.
	Now func() time.Time

	// DefaultRoom is where fresh sessions start.
	DefaultRoom string

	// Grace is how long a disconnected session can be restored.
	Grace time.Duration

	// Cooldown is the remediation lock window.
	Cooldown time.Duration

	// Timeout bounds each remediation attempt. Zero, or anything longer
	// than Cooldown, means Cooldown.
	Timeout time.Duration

	// Reopen moves remediated problems back to serious when their
	// cooldown ends.
	Reopen bool
}

// CaregiverStats is the personal statistics pushed to a caregiver.
type CaregiverStats struct {
	ID               string                `json:"id"`
	Name             ward.Name             `json:"name"`
	TotalResolved    int                   `json:"totalResolved"`
	ResolvedProblems []ward.ResolvedRecord `json:"resolvedProblems"`
	Holding          []ProblemKey          `json:"holding"`
}

// Engine owns all coordination state for one process: the caregiver
// directory, the session registry and the assignment ledger over a patient
// store. It is built once at startup and handed to the gateway.
type Engine struct {
	store     ward.Store
	directory *CaregiverDirectory
	sessions  *SessionRegistry
	ledger    *Ledger
	metrics   metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine wires the engine's components together. A nil action uses the
// simulated remediation action.
func NewEngine(store ward.Store, action remediation.Action, cfg EngineConfig, logger *zap.Logger, m metrics.Collector) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}

	directory := NewCaregiverDirectory()
	ledger := NewLedger(store, NewRemediator(action, cfg.Cooldown, cfg.Timeout), LedgerOptions{
		Now:        cfg.Now,
		Logger:     logger.Named("ledger"),
		Metrics:    m,
		OnResolved: directory.Record,
		Reopen:     cfg.Reopen,
	})

	return &Engine{
		store:     store,
		directory: directory,
		sessions:  NewSessionRegistry(directory, cfg.Grace, cfg.DefaultRoom, cfg.Now),
		ledger:    ledger,
		metrics:   m,
		logger:    logger,
		now:       cfg.Now,
	}
}

// Store returns the patient store.
func (e *Engine) Store() ward.Store { return e.store }

// Ledger returns the assignment ledger.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Sessions returns the session registry.
func (e *Engine) Sessions() *SessionRegistry { return e.sessions }

// Directory returns the caregiver directory.
func (e *Engine) Directory() *CaregiverDirectory { return e.directory }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

// Connect binds a new connection to the caregiver behind id.
func (e *Engine) Connect(connID string, id ward.Identity) (Session, bool) {
	s, isNew := e.sessions.Connect(connID, id)
	e.metrics.SetActiveSessions(e.sessions.ActiveCount())
	e.logger.Info("caregiver connected",
		zap.String("connection_id", connID),
		zap.String("caregiver_id", s.CaregiverID),
		zap.String("room", s.Room),
		zap.Bool("new_client", isNew),
	)
	return s, isNew
}

// Disconnect ends connID's session. When it was the caregiver's last live
// connection every assignment they hold is released and returned; the
// release happens before the session becomes restorable.
func (e *Engine) Disconnect(connID string) (Session, []ProblemKey, bool) {
	var released []ProblemKey
	s, last, ok := e.sessions.DisconnectAndRelease(connID, func(caregiverID string) {
		released = e.ledger.ReleaseAll(caregiverID)
	})
	if !ok {
		return Session{}, nil, false
	}
	e.metrics.SetActiveSessions(e.sessions.ActiveCount())

	e.logger.Info("caregiver disconnected",
		zap.String("connection_id", connID),
		zap.String("caregiver_id", s.CaregiverID),
		zap.Bool("last_connection", last),
		zap.Int("released", len(released)),
	)
	return s, released, true
}

// Projection returns the current ward view.
func (e *Engine) Projection() WardView {
	return e.ledger.Project(e.now())
}

// Stats returns caregiverID's resolution history and current holdings.
func (e *Engine) Stats(caregiverID string) (CaregiverStats, bool) {
	c, ok := e.directory.Get(caregiverID)
	if !ok {
		return CaregiverStats{}, false
	}
	return CaregiverStats{
		ID:               c.ID,
		Name:             c.Name,
		TotalResolved:    len(c.History),
		ResolvedProblems: c.History,
		Holding:          e.ledger.HeldBy(caregiverID),
	}, true
}

// OnUnlock registers fn to run whenever a remediation lock expires.
func (e *Engine) OnUnlock(fn func(ProblemKey)) {
	e.ledger.SetUnlockHandler(fn)
}

// OnProcessing registers fn to run whenever a remediation attempt starts.
func (e *Engine) OnProcessing(fn func(ProblemKey, CaregiverRef)) {
	e.ledger.SetProcessingHandler(fn)
}

// Close stops background timers.
func (e *Engine) Close() {
	e.ledger.Close()
}
