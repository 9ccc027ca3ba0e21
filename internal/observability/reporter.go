package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/memsandbox/internal/sandbox/monitor"
)

// Reporter periodically logs the sandbox monitor snapshot, the health verdict
// and any anomaly alerts on a cron schedule.
type Reporter struct {
	monitor *monitor.Monitor
	anomaly *AnomalyDetector
	logger  *slog.Logger
	cron    *cron.Cron
}

// NewReporter parses spec (standard five-field cron or a descriptor such as
// "@every 1m") and returns a stopped reporter.
func NewReporter(spec string, mon *monitor.Monitor, anomaly *AnomalyDetector, logger *slog.Logger) (*Reporter, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	r := &Reporter{
		monitor: mon,
		anomaly: anomaly,
		logger:  logger,
		cron:    cron.New(cron.WithParser(parser)),
	}
	if _, err := r.cron.AddFunc(spec, r.Report); err != nil {
		return nil, fmt.Errorf("invalid reporter schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start begins the schedule. Returns a cancel function that stops it and
// waits for a running report to finish.
func (r *Reporter) Start(ctx context.Context) func() {
	r.cron.Start()
	r.logger.InfoContext(ctx, "stats reporter started", slog.Int("entries", len(r.cron.Entries())))
	return func() {
		<-r.cron.Stop().Done()
		r.logger.Info("stats reporter stopped")
	}
}

// Report logs one snapshot.
func (r *Reporter) Report() {
	snap := r.monitor.Snapshot()
	attrs := []any{
		slog.Int64("total", snap.Total),
		slog.Int64("successful", snap.Stats.Successful),
		slog.Int64("failed", snap.Stats.Failed),
		slog.Int64("timeouts", snap.Stats.TimeoutCount),
		slog.Int64("violations", snap.Stats.SecurityViolations),
		slog.Duration("avg_execution_time", snap.Stats.AvgExecutionTime),
		slog.Int64("executing", snap.CurrentConcurrency),
		slog.Int64("awaiting_slot", snap.AwaitingSlot),
		slog.Int64("peak_concurrency", snap.PeakConcurrency),
		slog.String("health", r.monitor.Health()),
	}
	for op, n := range r.anomaly.Alerts() {
		attrs = append(attrs, slog.Int("anomaly_alerts."+op, n))
	}
	if r.monitor.Health() == monitor.Degraded {
		r.logger.Warn("sandbox stats", attrs...)
		return
	}
	r.logger.Info("sandbox stats", attrs...)
}
