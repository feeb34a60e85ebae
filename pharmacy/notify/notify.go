// Package notify delivers order notifications to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/Rahil-dope/agentic-pharmacy-system/pharmacy/domain"
	qstashx "github.com/Rahil-dope/agentic-pharmacy-system/pkg/qstash"
)

var ErrNotifyFailed = errors.New("order notification failed")

type Config struct {
	WebhookURL     string        `envconfig:"WEBHOOK_URL"`
	UseQStash      bool          `envconfig:"USE_QSTASH" default:"false"`
	MaxAttempts    int           `split_words:"true" default:"3"`
	InitialBackoff time.Duration `split_words:"true" default:"200ms"`
	MaxBackoff     time.Duration `split_words:"true" default:"2s"`
	Timeout        time.Duration `split_words:"true" default:"5s"`
}

// Validate accepts an empty webhook URL (notifications off) or an absolute http(s) URL.
func (c Config) Validate() error {
	target := strings.TrimSpace(c.WebhookURL)
	if target == "" {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("notify: webhook url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("notify: webhook url %q must be an absolute http(s) url", target)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("notify: max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	return nil
}

// Notifier is told about every order created by a turn.
type Notifier interface {
	NotifyOrderCreated(ctx context.Context, order domain.Order) error
}

// Event is the JSON body posted for a created order.
type Event struct {
	OrderID      string             `json:"order_id"`
	CustomerID   int64              `json:"customer_id"`
	MedicineID   int64              `json:"medicine_id"`
	MedicineName string             `json:"medicine_name"`
	Quantity     int64              `json:"quantity"`
	Status       domain.OrderStatus `json:"status"`
	Timestamp    time.Time          `json:"timestamp"`
}

func EventFor(o domain.Order) Event {
	return Event{
		OrderID:      o.ID,
		CustomerID:   o.CustomerID,
		MedicineID:   o.MedicineID,
		MedicineName: o.MedicineName,
		Quantity:     o.Quantity,
		Status:       o.Status,
		Timestamp:    o.CreatedAt.UTC(),
	}
}

// Transport performs one delivery attempt.
type Transport interface {
	Send(ctx context.Context, orderID string, body []byte) error
}

// StatusError is a non-2xx answer from the webhook.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook http status=%d", e.StatusCode)
}

// WebhookTransport posts the event straight to the configured URL.
type WebhookTransport struct {
	URL    string
	Client *http.Client
}

func (t WebhookTransport) Send(ctx context.Context, orderID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", orderID)

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// QStashTransport hands the event to QStash, which delivers it to Destination.
type QStashTransport struct {
	Client      *qstashx.Client
	Destination string
}

func (t QStashTransport) Send(ctx context.Context, orderID string, body []byte) error {
	resp, err := t.Client.Publish(ctx, t.Destination, body, map[string]string{"Idempotency-Key": orderID})
	if err != nil {
		return err
	}
	log.Ctx(ctx).Debug().Str("order_id", orderID).Str("message_id", resp.MessageID).Msg("order notification queued")
	return nil
}

// Webhook retries a Transport with exponential backoff.
type Webhook struct {
	transport   Transport
	maxAttempts int
	initial     time.Duration
	maxInterval time.Duration
	timeout     time.Duration
}

var _ Notifier = (*Webhook)(nil)

func NewWebhook(transport Transport, cfg Config) *Webhook {
	w := &Webhook{
		transport:   transport,
		maxAttempts: cfg.MaxAttempts,
		initial:     cfg.InitialBackoff,
		maxInterval: cfg.MaxBackoff,
		timeout:     cfg.Timeout,
	}
	if w.maxAttempts < 1 {
		w.maxAttempts = 1
	}
	if w.initial <= 0 {
		w.initial = 200 * time.Millisecond
	}
	if w.maxInterval < w.initial {
		w.maxInterval = w.initial
	}
	return w
}

// New picks the transport from cfg. Without a webhook URL it returns Noop.
func New(cfg Config, qstash *qstashx.Client) Notifier {
	target := strings.TrimSpace(cfg.WebhookURL)
	if target == "" {
		return Noop{}
	}
	if cfg.UseQStash && qstash != nil {
		return NewWebhook(QStashTransport{Client: qstash, Destination: target}, cfg)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return NewWebhook(WebhookTransport{URL: target, Client: &http.Client{Timeout: timeout}}, cfg)
}

func (w *Webhook) NotifyOrderCreated(ctx context.Context, order domain.Order) error {
	body, err := json.Marshal(EventFor(order))
	if err != nil {
		return fmt.Errorf("%w: encode event: %v", ErrNotifyFailed, err)
	}

	logger := log.Ctx(ctx).With().Str("order_id", order.ID).Logger()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = w.initial
	expo.MaxInterval = w.maxInterval

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		sendCtx := ctx
		if w.timeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, w.timeout)
			defer cancel()
		}
		err := w.transport.Send(sendCtx, order.ID, body)
		if err != nil && isPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(w.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("order notification attempt failed")
		}),
	)
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempt).Msg("order notification gave up")
		return fmt.Errorf("%w: order %s after %d attempts: %v", ErrNotifyFailed, order.ID, attempt, err)
	}

	logger.Info().
		Int64("customer_id", order.CustomerID).
		Str("medicine", order.MedicineName).
		Int64("quantity", order.Quantity).
		Int("attempts", attempt).
		Msg("order confirmation sent")
	return nil
}

// isPermanent treats client errors as final, except timeouts and rate limits.
func isPermanent(err error) bool {
	code := 0
	var hookErr *StatusError
	var qErr *qstashx.StatusError
	switch {
	case errors.As(err, &hookErr):
		code = hookErr.StatusCode
	case errors.As(err, &qErr):
		code = qErr.StatusCode
	default:
		return false
	}
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// Noop is used when no webhook is configured.
type Noop struct{}

func (Noop) NotifyOrderCreated(ctx context.Context, order domain.Order) error {
	log.Ctx(ctx).Debug().Str("order_id", order.ID).Msg("no webhook configured, skipping order notification")
	return nil
}
