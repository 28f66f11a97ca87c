package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/rlm/internal/config"
)

const (
	defaultAnomalyWindow = 300 * time.Second
	// minAnomalySamples is the number of outcomes needed before a rate is judged.
	minAnomalySamples = 5
)

// AnomalyDetector flags operations whose error rate over a sliding window
// exceeds a threshold. Operations are named by the wrappers, e.g.
// "llm_anthropic" or "sandbox_native".
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	flagged       map[string]bool
	threshold     float64
	window        time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		flagged:       make(map[string]bool),
		threshold:     cfg.ErrorRateThreshold,
		window:        window,
		logger:        logger,
		now:           time.Now,
	}
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.errorCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
	a.checkErrorRate(operation)
}

// ErrorRate returns the error fraction and sample count within the window.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, total int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r, n := a.rateLocked(operation)
	return r, int(n)
}

// Anomalous reports whether operation is currently above the threshold.
func (a *AnomalyDetector) Anomalous(operation string) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flagged[operation]
}

func (a *AnomalyDetector) rateLocked(operation string) (float64, float64) {
	now := a.now()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	total := errs + a.getOrCreateWindow(a.successCounts, operation).sum(now)
	if total == 0 {
		return 0, 0
	}
	return errs / total, total
}

// checkErrorRate logs once when an operation crosses the threshold and once
// when it recovers. Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	if a.threshold <= 0 {
		return
	}
	rate, total := a.rateLocked(operation)
	if total < minAnomalySamples {
		return
	}

	above := rate > a.threshold
	if above == a.flagged[operation] {
		return
	}
	a.flagged[operation] = above
	if a.logger == nil {
		return
	}
	if above {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Float64("total", total),
		)
	} else {
		a.logger.Info("error rate recovered",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
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
