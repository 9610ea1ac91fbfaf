package metrics

import "time"

// NopMetrics discards everything.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements Collector.
var _ Collector = (*NopMetrics)(nil)

// NewNop returns a collector that records nothing.
func NewNop() *NopMetrics { return &NopMetrics{} }

func (*NopMetrics) RecordAssign(string) {}

func (*NopMetrics) RecordResolve(string, string) {}

func (*NopMetrics) ObserveRemediation(time.Duration, string) {}

func (*NopMetrics) SetActiveSessions(int) {}

func (*NopMetrics) RecordAction(string, string) {}

func (*NopMetrics) RecordDroppedMessage() {}

func (*NopMetrics) RecordSessionsSwept(int) {}
