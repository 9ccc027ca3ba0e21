// Package monitor keeps lock-free counters over sandbox executions.
package monitor

import (
	"sync/atomic"
	"time"

	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

// Health values.
const (
	Healthy  = "healthy"
	Degraded = "degraded"
)

const (
	healthMinExecutions = 10
	healthMaxViolations = 0.5
)

// ExecutionStats aggregates finished executions.
type ExecutionStats struct {
	TotalExecutions    int64         `json:"total_executions"`
	Successful         int64         `json:"successful"`
	Failed             int64         `json:"failed"`
	TimeoutCount       int64         `json:"timeout_count"`
	SecurityViolations int64         `json:"security_violations"`
	AvgExecutionTime   time.Duration `json:"avg_execution_time"`
}

// Snapshot is a point-in-time copy of every counter. Counters are read one
// by one, so a snapshot taken under load may be off by in-flight updates.
type Snapshot struct {
	Total              int64                          `json:"total"`
	ByOutcomeKind      map[sandbox.Kind]int64         `json:"by_outcome_kind"`
	ByViolationType    map[policy.ViolationType]int64 `json:"by_violation_type"`
	CurrentConcurrency int64                          `json:"current_concurrency"`
	AwaitingSlot       int64                          `json:"awaiting_slot"`
	PeakConcurrency    int64                          `json:"peak_concurrency"`
	Stats              ExecutionStats                 `json:"stats"`
}

// Monitor counts execution outcomes and live concurrency. The zero value is
// not usable; call New.
type Monitor struct {
	total      atomic.Int64
	success    atomic.Int64
	failed     atomic.Int64
	timeouts   atomic.Int64
	violations atomic.Int64
	byType     map[policy.ViolationType]*atomic.Int64
	totalNanos atomic.Int64

	executing atomic.Int64
	awaiting  atomic.Int64
	peak      atomic.Int64
}

// New returns an empty monitor.
func New() *Monitor {
	m := &Monitor{byType: make(map[policy.ViolationType]*atomic.Int64)}
	for _, t := range policy.ViolationTypes() {
		m.byType[t] = new(atomic.Int64)
	}
	return m
}

// Observe implements sandbox.Observer. It tracks slot occupancy from
// transitions and records terminal results.
func (m *Monitor) Observe(ev sandbox.Event) {
	switch ev.From {
	case sandbox.StateAwaitingSlot:
		m.awaiting.Add(-1)
	case sandbox.StateExecuting:
		m.executing.Add(-1)
	}
	switch ev.To {
	case sandbox.StateAwaitingSlot:
		m.awaiting.Add(1)
	case sandbox.StateExecuting:
		m.raisePeak(m.executing.Add(1))
	}
	if ev.Result != nil {
		m.record(*ev.Result, ev.Elapsed)
	}
}

// Record counts a result produced outside a coordinator.
func (m *Monitor) Record(r sandbox.ExecutionResult) {
	var d time.Duration
	switch {
	case r.Success != nil:
		d = r.Success.ExecutionTime()
	case r.Timeout != nil:
		d = r.Timeout.Elapsed()
	}
	m.record(r, d)
}

func (m *Monitor) record(r sandbox.ExecutionResult, d time.Duration) {
	m.total.Add(1)
	m.totalNanos.Add(int64(d))
	switch r.Kind {
	case sandbox.KindSuccess:
		m.success.Add(1)
	case sandbox.KindError:
		m.failed.Add(1)
	case sandbox.KindTimeout:
		m.timeouts.Add(1)
	case sandbox.KindSecurityViolation:
		m.violations.Add(1)
		if c, ok := m.byType[r.ViolationType()]; ok {
			c.Add(1)
		}
	}
}

func (m *Monitor) raisePeak(n int64) {
	for {
		cur := m.peak.Load()
		if n <= cur || m.peak.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Executing returns the number of executions holding a slot.
func (m *Monitor) Executing() int64 { return m.executing.Load() }

// Awaiting returns the number of executions waiting for a slot.
func (m *Monitor) Awaiting() int64 { return m.awaiting.Load() }

// Stats returns the aggregate counters.
func (m *Monitor) Stats() ExecutionStats {
	s := ExecutionStats{
		TotalExecutions:    m.total.Load(),
		Successful:         m.success.Load(),
		Failed:             m.failed.Load(),
		TimeoutCount:       m.timeouts.Load(),
		SecurityViolations: m.violations.Load(),
	}
	if s.TotalExecutions > 0 {
		s.AvgExecutionTime = time.Duration(m.totalNanos.Load() / s.TotalExecutions)
	}
	return s
}

// Snapshot copies every counter.
func (m *Monitor) Snapshot() Snapshot {
	stats := m.Stats()
	snap := Snapshot{
		Total: stats.TotalExecutions,
		ByOutcomeKind: map[sandbox.Kind]int64{
			sandbox.KindSuccess:           stats.Successful,
			sandbox.KindError:             stats.Failed,
			sandbox.KindTimeout:           stats.TimeoutCount,
			sandbox.KindSecurityViolation: stats.SecurityViolations,
		},
		ByViolationType:    make(map[policy.ViolationType]int64, len(m.byType)),
		CurrentConcurrency: m.executing.Load(),
		AwaitingSlot:       m.awaiting.Load(),
		PeakConcurrency:    m.peak.Load(),
		Stats:              stats,
	}
	for t, c := range m.byType {
		snap.ByViolationType[t] = c.Load()
	}
	return snap
}

// Health is degraded when more than half of at least 10 executions were
// security violations.
func (m *Monitor) Health() string {
	total := m.total.Load()
	if total < healthMinExecutions {
		return Healthy
	}
	if float64(m.violations.Load())/float64(total) > healthMaxViolations {
		return Degraded
	}
	return Healthy
}
