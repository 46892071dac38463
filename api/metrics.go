package api

import (
	"sync"
	"time"

	"github.com/jmcleod/gatekeep/authn"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike     AlertType = "login_failure_spike"
	AlertReplaySpike           AlertType = "replay_spike"
	AlertSignatureFailureSpike AlertType = "signature_failure_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter raises an alert when threshold hits land within window.
type slidingCounter struct {
	kind      AlertType
	message   string
	window    time.Duration
	threshold int
	hits      []time.Time
}

func (c *slidingCounter) add(now time.Time) (AlertEvent, bool) {
	c.hits = trimWindow(append(c.hits, now), now, c.window)
	if len(c.hits) < c.threshold {
		return AlertEvent{}, false
	}
	ev := AlertEvent{
		Type:      c.kind,
		Message:   c.message,
		Count:     len(c.hits),
		Threshold: c.threshold,
		Timestamp: now,
	}
	// Reset to avoid repeated alerts within the same spike.
	c.hits = c.hits[:0]
	return ev, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
// A nil collector ignores every event.
type metricsCollector struct {
	mu  sync.Mutex
	now func() time.Time

	loginFailures *slidingCounter
	replays       *slidingCounter
	badSignatures *slidingCounter

	alertFn AlertFunc
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultReplayWindow          = 1 * time.Minute
	defaultReplayThreshold       = 20
	defaultSignatureWindow       = 1 * time.Minute
	defaultSignatureThreshold    = 50
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	if alertFn == nil {
		return nil
	}
	return &metricsCollector{
		now: time.Now,
		loginFailures: &slidingCounter{
			kind:      AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    defaultLoginFailureWindow,
			threshold: defaultLoginFailureThreshold,
		},
		replays: &slidingCounter{
			kind:      AlertReplaySpike,
			message:   "replayed request rate exceeds threshold",
			window:    defaultReplayWindow,
			threshold: defaultReplayThreshold,
		},
		badSignatures: &slidingCounter{
			kind:      AlertSignatureFailureSpike,
			message:   "signature failure rate exceeds threshold",
			window:    defaultSignatureWindow,
			threshold: defaultSignatureThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	if event == AuditLoginFailure {
		m.bump(m.loginFailures)
	}
}

// recordRejection counts rejections that indicate an attack in progress.
func (m *metricsCollector) recordRejection(kind authn.Kind) {
	if m == nil {
		return
	}
	switch kind {
	case authn.KindReplayed, authn.KindAlreadyUsed:
		m.bump(m.replays)
	case authn.KindSignatureInvalid:
		m.bump(m.badSignatures)
	}
}

func (m *metricsCollector) bump(c *slidingCounter) {
	m.mu.Lock()
	ev, fire := c.add(m.now())
	m.mu.Unlock()
	if fire {
		m.alertFn(ev)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}
