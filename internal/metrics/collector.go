// Package metrics defines the instrumentation hooks used by the coordinator
// and gateway, with a no-op and a Prometheus implementation.
package metrics

import "time"

// Result labels shared by the collectors.
const (
	ResultOK          = "ok"
	ResultUnavailable = "unavailable"
	ResultLocked      = "locked"
	ResultNotFound    = "not_found"
	ResultFailed      = "failed"
	ResultNoop        = "noop"
	ResultInvalid     = "invalid"
	ResultRejected    = "rejected"
)

// Collector receives coordination events. Implementations must be safe for
// concurrent use and must not block.
type Collector interface {
	// RecordAssign counts an assignment attempt by result.
	RecordAssign(result string)

	// RecordResolve counts a resolution by problem kind and result.
	RecordResolve(kind, result string)

	// ObserveRemediation records how long an external remediation call took.
	ObserveRemediation(d time.Duration, result string)

	// SetActiveSessions reports the size of the active session pool.
	SetActiveSessions(n int)

	// RecordAction counts client actions handled by the gateway.
	RecordAction(action, result string)

	// RecordDroppedMessage counts fan-out messages dropped for a slow client.
	RecordDroppedMessage()

	// RecordSessionsSwept counts inactive sessions pruned after their grace
	// window.
	RecordSessionsSwept(n int)
}
