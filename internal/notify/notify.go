// Package notify dispatches alert notifications. Sinks implement
// Notifier; Chain tries sinks in order until one succeeds, so a webhook
// outage degrades to a log line instead of a lost alert.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/quantrix-lab/stockdeck/internal/logger"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// Notification is one alert message.
type Notification struct {
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Ticker  string    `json:"ticker"`
	Price   float64   `json:"price"`
	FiredAt time.Time `json:"fired_at"`
}

// Notifier delivers a notification to one sink.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// WebhookNotifier POSTs notifications as JSON to a configured URL.
type WebhookNotifier struct {
	http *resty.Client
	url  string
}

// NewWebhookNotifier creates a webhook sink.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{
		http: resty.New().SetTimeout(timeout),
		url:  url,
	}
}

// Notify sends the notification. Any non-2xx response is a dispatch
// failure.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	resp, err := w.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(n).
		Post(w.url)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeNotifyFailed, err, "webhook dispatch for %s", n.Ticker)
	}

	if resp.IsError() {
		return errors.Newf(errors.ErrCodeNotifyFailed, "webhook for %s returned %d", n.Ticker, resp.StatusCode())
	}

	return nil
}

// LogNotifier writes notifications to the log. It never fails, which
// makes it the terminal sink of a Chain.
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a log sink.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs the notification.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.log.Info("alert fired",
		zap.String("title", n.Title),
		zap.String("ticker", n.Ticker),
		zap.Float64("price", n.Price),
		zap.Time("fired_at", n.FiredAt),
		zap.String("body", n.Body),
	)

	return nil
}

// Chain tries each sink in order; the first success wins. When every sink
// fails the last error is returned.
type Chain []Notifier

// Notify dispatches through the chain.
func (c Chain) Notify(ctx context.Context, n Notification) error {
	if len(c) == 0 {
		return errors.New(errors.ErrCodeNotifyFailed, "no notification sinks configured")
	}

	var last error

	for _, sink := range c {
		if err := sink.Notify(ctx, n); err != nil {
			last = err
			continue
		}

		return nil
	}

	return last
}
