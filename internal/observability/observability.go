// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, anomaly detection and a periodic stats reporter for the
// sandbox. All components are optional and nil-safe; when disabled, wrappers
// skip recording with a single nil check per operation.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/memsandbox/internal/config"
	"github.com/jkaninda/memsandbox/internal/sandbox"
	"github.com/jkaninda/memsandbox/internal/sandbox/monitor"
)

// Observability holds the components enabled in config. Any field but
// Health may be nil.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the enabled components. It returns nil for a nil config.
func New(cfg *config.ObservabilityConfig, info SandboxInfo, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	obs := &Observability{Health: NewHealthChecker(logger)}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
		obs.Metrics.MaxConcurrency.Set(float64(info.MaxConcurrency))
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing, info)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// InstrumentRunner wraps runner when metrics or tracing are on, and returns
// it unchanged otherwise.
func (o *Observability) InstrumentRunner(runner sandbox.Runner) sandbox.Runner {
	if o == nil || (o.Metrics == nil && o.Tracer == nil) {
		return runner
	}
	return NewInstrumentedRunner(runner, o.Metrics, o.Tracer)
}

// PhaseTracer returns the tracer for coordinator phases, or nil. The
// explicit nil keeps the interface itself nil when tracing is off.
func (o *Observability) PhaseTracer() sandbox.PhaseTracer {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer
}

// Watch subscribes the metrics observer to coord and registers the
// monitor's verdict as the "sandbox" liveness check on health.
func (o *Observability) Watch(coord *sandbox.Coordinator, mon *monitor.Monitor, health *HealthChecker) {
	if m := o.MetricsOrNil(); m != nil {
		coord.Subscribe(NewMetricsObserver(m))
	}
	if health == nil {
		return
	}
	health.AddLivenessCheck("sandbox", func(context.Context) error {
		if mon.Health() == monitor.Degraded {
			return fmt.Errorf("violation rate too high: %w", ErrDegraded)
		}
		return nil
	})
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil || o.Tracer == nil {
		return
	}
	_ = o.Tracer.Shutdown(ctx)
}

// TracerOrNil returns the tracer setup, or nil when tracing is off.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

// MetricsOrNil returns the metrics collector, or nil when metrics are off.
func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// AnomalyOrNil returns the anomaly detector, or nil when it is off.
func (o *Observability) AnomalyOrNil() *AnomalyDetector {
	if o == nil {
		return nil
	}
	return o.Anomaly
}
