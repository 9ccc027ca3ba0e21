package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/memsandbox/internal/sandbox"
)

// --- InstrumentedRunner ---

// InstrumentedRunner wraps a sandbox.Runner with metrics and the
// sandbox.run span around the isolated child process.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  *TracerSetup
}

// NewInstrumentedRunner wraps a runner with observability. Either
// collaborator may be nil.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  ts,
	}
}

func (r *InstrumentedRunner) Run(ctx context.Context, req sandbox.Request) (*sandbox.RawOutcome, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.startPhase(ctx, sandbox.PhaseRun,
			attribute.String("sandbox.task", req.Context.Task),
			attribute.Int("sandbox.code_bytes", len(req.Code)),
			attribute.Int64("sandbox.timeout_ms", req.Policy.MaxExecutionTime.Milliseconds()),
			attribute.Int64("sandbox.memory_limit_bytes", req.Policy.MaxMemoryBytes),
			attribute.Bool("sandbox.network", req.Policy.NetworkEnabled()),
			attribute.Bool("sandbox.filesystem", len(req.Policy.AllowedPaths) > 0),
		)
		defer span.End()
	}

	start := time.Now()
	out, err := r.inner.Run(ctx, req)
	duration := time.Since(start)

	status := "ok"
	switch {
	case err != nil:
		status = "launch_error"
	case out.Crash != "":
		status = "crash"
	}

	if span != nil {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Int("sandbox.pid", out.PID),
				attribute.Int("sandbox.exit_code", out.ExitCode),
				AttrOutcome.String(string(out.Result.Kind)),
			)
			if v := out.Result.Violation; v != nil {
				span.SetAttributes(attribute.String("sandbox.violation_type", v.ViolationType.String()))
			}
			if out.Crash != "" {
				span.SetStatus(codes.Error, "child exited without a result")
			}
		}
	}

	if r.metrics != nil {
		r.metrics.ProcessRunsTotal.WithLabelValues(status).Inc()
		r.metrics.ProcessRunDuration.Observe(duration.Seconds())
		if status == "crash" {
			r.metrics.ProcessCrashesTotal.Inc()
		}
	}

	return out, err
}

// --- MetricsObserver ---

// MetricsObserver feeds coordinator lifecycle events into Prometheus.
type MetricsObserver struct {
	metrics *MetricsCollector
}

// NewMetricsObserver returns an observer recording into metrics. A nil
// collector yields a no-op observer.
func NewMetricsObserver(metrics *MetricsCollector) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

// Observe implements sandbox.Observer.
func (o *MetricsObserver) Observe(ev sandbox.Event) {
	m := o.metrics
	if m == nil {
		return
	}
	switch ev.From {
	case sandbox.StateAwaitingSlot:
		m.AwaitingSlot.Dec()
	case sandbox.StateExecuting:
		m.Executing.Dec()
	}
	switch ev.To {
	case sandbox.StateAwaitingSlot:
		m.AwaitingSlot.Inc()
	case sandbox.StateExecuting:
		m.Executing.Inc()
	}

	if ev.Result == nil {
		return
	}
	outcome := string(ev.Result.Kind)
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.WithLabelValues(outcome).Observe(ev.Elapsed.Seconds())
	if v := ev.Result.Violation; v != nil {
		stage := "runtime"
		if ev.From == sandbox.StateValidating {
			stage = "validator"
		}
		m.ViolationsTotal.WithLabelValues(v.ViolationType.String(), stage).Inc()
	}
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Runner   = (*InstrumentedRunner)(nil)
	_ sandbox.Observer = (*MetricsObserver)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
