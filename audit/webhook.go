package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// WebhookQueueSize is the bounded channel capacity for outbound records.
const WebhookQueueSize = 1024

var (
	// ErrWebhookQueueFull is returned by Write when a record had to be dropped.
	ErrWebhookQueueFull = errors.New("audit webhook queue full")
	// ErrWebhookClosed is returned by Write after Close.
	ErrWebhookClosed = errors.New("audit webhook closed")
)

// Webhook POSTs records as JSON to an external endpoint. Records are
// queued without blocking and sent by a background goroutine; when the
// queue is full the record is dropped.
type Webhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan Record
	wg     sync.WaitGroup
}

var _ Sink = (*Webhook)(nil)

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithWebhookClient sets the HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookRetryDelay sets the pause before the single retry.
func WithWebhookRetryDelay(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.retryDelay = d }
}

// WithWebhookLogger sets the logger for delivery failures.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// NewWebhook creates a dispatcher and starts its background loop.
func NewWebhook(url, authHeader string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
		logger:     slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		events:     make(chan Record, WebhookQueueSize),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "audit-webhook")
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write enqueues rec. It never blocks.
func (w *Webhook) Write(_ context.Context, rec Record) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWebhookClosed
	}
	select {
	case w.events <- rec:
		return nil
	default:
		return ErrWebhookQueueFull
	}
}

// Close stops accepting records and waits for the queue to drain.
func (w *Webhook) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.events)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Webhook) loop() {
	defer w.wg.Done()
	for rec := range w.events {
		w.send(rec)
	}
}

// send POSTs rec with one retry on transport errors and 5xx responses.
func (w *Webhook) send(rec Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		w.logger.Warn("marshal failed", "error", err)
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(w.retryDelay)
		}

		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "IronRA-Audit-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", "error", err, "attempt", attempt+1)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		default:
			w.logger.Warn("client error", "status", resp.StatusCode)
			return
		}
	}
}
