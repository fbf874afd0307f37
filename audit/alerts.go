package audit

import (
	"context"
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertRevocationSpike   AlertType = "revocation_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultLoginFailureWindow    = time.Minute
	defaultLoginFailureThreshold = 50
	defaultRevocationWindow      = 5 * time.Minute
	defaultRevocationThreshold   = 10
)

// slidingWindow counts events inside a trailing time window.
type slidingWindow struct {
	times     []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports whether the threshold was hit.
// The window is reset after a hit so one spike raises one alert.
func (w *slidingWindow) add(now time.Time) (int, bool) {
	w.times = append(w.times, now)
	cutoff := now.Add(-w.window)
	start := 0
	for start < len(w.times) && w.times[start].Before(cutoff) {
		start++
	}
	w.times = w.times[start:]
	n := len(w.times)
	if n >= w.threshold {
		w.times = w.times[:0]
		return n, true
	}
	return n, false
}

// AlertSink watches the audit stream for bursts of failed logins and
// revocations.
type AlertSink struct {
	mu          sync.Mutex
	logins      slidingWindow
	revocations slidingWindow
	alertFn     AlertFunc
	now         func() time.Time
}

var _ Sink = (*AlertSink)(nil)

// AlertOption configures an AlertSink.
type AlertOption func(*AlertSink)

// WithLoginFailureThreshold alerts after n failed logins within window.
func WithLoginFailureThreshold(n int, window time.Duration) AlertOption {
	return func(a *AlertSink) {
		a.logins.threshold = n
		a.logins.window = window
	}
}

// WithRevocationThreshold alerts after n revocations within window.
func WithRevocationThreshold(n int, window time.Duration) AlertOption {
	return func(a *AlertSink) {
		a.revocations.threshold = n
		a.revocations.window = window
	}
}

// WithAlertClock overrides the time source.
func WithAlertClock(now func() time.Time) AlertOption {
	return func(a *AlertSink) { a.now = now }
}

// NewAlertSink returns an AlertSink calling alertFn on each anomaly.
func NewAlertSink(alertFn AlertFunc, opts ...AlertOption) *AlertSink {
	a := &AlertSink{
		logins:      slidingWindow{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		revocations: slidingWindow{window: defaultRevocationWindow, threshold: defaultRevocationThreshold},
		alertFn:     alertFn,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AlertSink) Write(_ context.Context, rec Record) error {
	if a == nil || a.alertFn == nil {
		return nil
	}
	var (
		w       *slidingWindow
		typ     AlertType
		message string
	)
	switch {
	case rec.Action == ActionAuthentication && rec.Outcome == OutcomeFailed:
		w, typ, message = &a.logins, AlertLoginFailureSpike, "login failure rate exceeds threshold"
	case rec.Action == ActionCertificateRevocation && rec.Outcome == OutcomeSuccess:
		w, typ, message = &a.revocations, AlertRevocationSpike, "certificate revocation rate exceeds threshold"
	default:
		return nil
	}

	a.mu.Lock()
	now := a.now()
	count, hit := w.add(now)
	threshold := w.threshold
	a.mu.Unlock()

	if hit {
		a.alertFn(AlertEvent{
			Type:      typ,
			Message:   message,
			Count:     count,
			Threshold: threshold,
			Timestamp: now,
		})
	}
	return nil
}
