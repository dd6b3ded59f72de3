// Package webhooks delivers invoice and dispute lifecycle events to
// external HTTP endpoints.
//
// Each delivery is a JSON POST of the notify.Event, signed with
// HMAC-SHA256 over the body when the target has a secret:
//
//	X-Arcinvoice-Event:     funds_released
//	X-Arcinvoice-Delivery:  evt_...
//	X-Arcinvoice-Timestamp: 1767225600
//	X-Arcinvoice-Signature: hex(hmac_sha256(secret, body))
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/arcinvoice/internal/logging"
	"github.com/mbd888/arcinvoice/internal/notify"
	"github.com/mbd888/arcinvoice/internal/retry"
	"github.com/mbd888/arcinvoice/internal/security"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcinvoice",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Target is one webhook endpoint.
type Target struct {
	URL    string
	Secret string // used for HMAC signing
	Events []notify.EventType
}

// wants reports whether the target subscribed to et. No filter means all
// events.
func (t Target) wants(et notify.EventType) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == et {
			return true
		}
	}
	return false
}

// Dispatcher sends events to its targets. It implements notify.Notifier;
// deliveries run in the background and never block the caller.
type Dispatcher struct {
	targets      []Target
	client       *http.Client
	policy       retry.Policy
	logger       *slog.Logger
	urlValidator func(string) error
	timeout      time.Duration

	wg  sync.WaitGroup
	sem chan struct{}
}

// NewDispatcher creates a dispatcher for targets. Targets without a URL
// are ignored.
func NewDispatcher(targets ...Target) *Dispatcher {
	d := &Dispatcher{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		policy:       retry.Default,
		logger:       logging.Discard(),
		urlValidator: security.ValidateEndpointURL,
		timeout:      30 * time.Second,
		sem:          make(chan struct{}, 32),
	}
	for _, t := range targets {
		if t.URL != "" {
			d.targets = append(d.targets, t)
		}
	}
	return d
}

// WithLogger sets the logger.
func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = l
	return d
}

// WithRetryPolicy sets the per-delivery retry policy.
func (d *Dispatcher) WithRetryPolicy(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// Enabled reports whether any target is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.targets) > 0
}

// Validate rejects target URLs that point at private or loopback hosts.
func (d *Dispatcher) Validate() error {
	for _, t := range d.targets {
		if err := d.urlValidator(t.URL); err != nil {
			return fmt.Errorf("webhook target %s: %w", t.URL, err)
		}
	}
	return nil
}

// Notify queues e for every target that wants it.
func (d *Dispatcher) Notify(_ context.Context, e notify.Event) {
	for _, t := range d.targets {
		if !t.wants(e.Type) {
			continue
		}
		webhookEmitTotal.WithLabelValues(string(e.Type)).Inc()
		d.wg.Add(1)
		go func(t Target) {
			defer d.wg.Done()
			d.sem <- struct{}{}
			defer func() { <-d.sem }()

			// Detached from the request: a finished request must not
			// cancel its notifications.
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := d.deliver(ctx, t, e); err != nil {
				webhookEmitErrors.WithLabelValues(string(e.Type)).Inc()
				d.logger.Warn("webhook emit failed", "event", e.Type, "event_id", e.ID, "url", t.URL, "error", err)
			}
		}(t)
	}
}

// Wait blocks until queued deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, t Target, e notify.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	policy := d.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.logger.Debug("webhook retry", "event_id", e.ID, "url", t.URL, "attempt", attempt, "wait", wait, "error", err)
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return d.send(ctx, t, e, payload)
	})
}

func (d *Dispatcher) send(ctx context.Context, t Target, e notify.Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Arcinvoice-Event", string(e.Type))
	req.Header.Set("X-Arcinvoice-Delivery", e.ID)
	req.Header.Set("X-Arcinvoice-Timestamp", strconv.FormatInt(e.Timestamp.Unix(), 10))

	// Sign the payload if secret is set
	if t.Secret != "" {
		req.Header.Set("X-Arcinvoice-Signature", sign(payload, t.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := retry.CheckResponse(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
