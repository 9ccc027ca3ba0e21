package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/memsandbox/internal/config"
)

// minAnomalySamples is the window population below which rates are not judged.
const minAnomalySamples = 5

// AnomalyDetector performs threshold-based anomaly detection using sliding
// windows. Each operation (usually a gateway or client name) gets its own
// windows of successes, errors and security violations.
type AnomalyDetector struct {
	mu         sync.Mutex
	successes  map[string]*slidingWindow
	errors     map[string]*slidingWindow
	violations map[string]*slidingWindow
	alerts     map[string]int
	cfg        *config.AnomalyConfig
	logger     *slog.Logger
	now        func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// Rates is the current windowed view of one operation.
type Rates struct {
	Total         float64 `json:"total"`
	ErrorRate     float64 `json:"error_rate"`
	ViolationRate float64 `json:"violation_rate"`
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		successes:  make(map[string]*slidingWindow),
		errors:     make(map[string]*slidingWindow),
		violations: make(map[string]*slidingWindow),
		alerts:     make(map[string]int),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordSuccess records a successful execution.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(a.successes, operation)
}

// RecordError records an execution that ended in an error or timeout.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(a.errors, operation)
}

// RecordViolation records an execution stopped for a security violation.
func (a *AnomalyDetector) RecordViolation(operation string) {
	a.record(a.violations, operation)
}

func (a *AnomalyDetector) record(m map[string]*slidingWindow, operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(m, operation).add(a.now(), 1)
	a.check(operation)
}

// Rates returns the windowed rates of operation.
func (a *AnomalyDetector) Rates(operation string) Rates {
	if a == nil {
		return Rates{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rates(operation)
}

// Alerts returns how many threshold crossings were logged per operation.
func (a *AnomalyDetector) Alerts() map[string]int {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.alerts))
	for k, v := range a.alerts {
		out[k] = v
	}
	return out
}

// Must be called with a.mu held.
func (a *AnomalyDetector) rates(operation string) Rates {
	now := a.now()
	errs := a.getOrCreateWindow(a.errors, operation).sum(now)
	viol := a.getOrCreateWindow(a.violations, operation).sum(now)
	total := errs + viol + a.getOrCreateWindow(a.successes, operation).sum(now)
	if total == 0 {
		return Rates{}
	}
	return Rates{Total: total, ErrorRate: errs / total, ViolationRate: viol / total}
}

// check logs when a rate exceeds its configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) check(operation string) {
	r := a.rates(operation)
	if r.Total < minAnomalySamples {
		return // Not enough data.
	}
	if t := a.cfg.ErrorRateThreshold; t > 0 && r.ErrorRate > t {
		a.alert(operation, "anomaly detected: high error rate", r.ErrorRate, t, r.Total)
	}
	if t := a.cfg.ViolationRateThreshold; t > 0 && r.ViolationRate > t {
		a.alert(operation, "anomaly detected: high security violation rate", r.ViolationRate, t, r.Total)
	}
}

func (a *AnomalyDetector) alert(operation, msg string, rate, threshold, total float64) {
	a.alerts[operation]++
	if a.logger != nil {
		a.logger.Warn(msg,
			slog.String("operation", operation),
			slog.Float64("rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
