package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// alertQueueSize is the bounded channel capacity for outbound alerts.
const alertQueueSize = 256

// AlertWebhook posts AlertEvents to an external HTTP endpoint. Notify
// never blocks: alerts go into a bounded queue drained by one goroutine,
// and are dropped when the queue is full.
type AlertWebhook struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration

	events    chan AlertEvent
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAlertWebhook starts a dispatcher for url. Pass its Notify method to
// WithAlertFunc and call Close on shutdown.
func NewAlertWebhook(url, authHeader string, logger *slog.Logger) *AlertWebhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &AlertWebhook{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "alert_webhook"),
		retryDelay: time.Second,
		events:     make(chan AlertEvent, alertQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Notify enqueues ev. It satisfies AlertFunc.
func (w *AlertWebhook) Notify(ev AlertEvent) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("queue full, dropping alert", slog.String("type", string(ev.Type)))
	}
}

// Close stops accepting alerts and waits for queued ones to be sent.
func (w *AlertWebhook) Close() {
	w.closeOnce.Do(func() {
		close(w.events)
		w.wg.Wait()
	})
}

func (w *AlertWebhook) loop() {
	defer w.wg.Done()
	for ev := range w.events {
		w.send(ev)
	}
}

// send POSTs ev with one retry on transport errors and 5xx.
func (w *AlertWebhook) send(ev AlertEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("marshal failed", slog.String("error", err.Error()))
		return
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			time.Sleep(w.retryDelay)
		}
		req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Warn("request creation failed", slog.String("error", err.Error()))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Gatekeep-Alert-Webhook/1.0")
		if name, value, ok := strings.Cut(w.authHeader, ":"); ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			w.logger.Warn("request failed", slog.String("error", err.Error()), slog.Int("attempt", attempt))
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return
		case resp.StatusCode >= 500:
			w.logger.Warn("server error", slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt))
		default:
			w.logger.Warn("client error", slog.Int("status", resp.StatusCode))
			return
		}
	}
}
