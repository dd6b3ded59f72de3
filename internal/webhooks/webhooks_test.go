package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/arcinvoice/internal/notify"
	"github.com/mbd888/arcinvoice/internal/retry"
)

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(targets ...Target) *Dispatcher {
	d := NewDispatcher(targets...).WithRetryPolicy(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond})
	d.urlValidator = func(string) error { return nil }
	return d
}

func testEvent(et notify.EventType) notify.Event {
	return notify.Stamp(notify.Event{Type: et, InvoiceID: "inv_1", Amount: 5_000_000})
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"funds_released","invoiceId":"inv_1"}`)
	secret := "test_secret_key"

	sig := sign(payload, secret)

	// Verify manually
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"test": true}`)
	if sign(payload, "secret1") == sign(payload, "secret2") {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Delivery tests
// ---------------------------------------------------------------------------

func TestNotify_DeliversSignedEvent(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		body    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		headers = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	d := newTestDispatcher(Target{URL: server.URL, Secret: "whsec"})
	e := testEvent(notify.FundsReleased)
	d.Notify(context.Background(), e)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if headers.Get("X-Arcinvoice-Event") != "funds_released" {
		t.Errorf("Expected event header, got %q", headers.Get("X-Arcinvoice-Event"))
	}
	if headers.Get("X-Arcinvoice-Delivery") != e.ID {
		t.Errorf("Expected delivery id %s, got %q", e.ID, headers.Get("X-Arcinvoice-Delivery"))
	}
	if headers.Get("X-Arcinvoice-Signature") != sign(body, "whsec") {
		t.Error("Signature header does not match body")
	}

	var got notify.Event
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Body is not an event: %v", err)
	}
	if got.InvoiceID != "inv_1" || got.Amount != 5_000_000 {
		t.Errorf("Unexpected event body: %+v", got)
	}
}

func TestNotify_FiltersByEventType(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	d := newTestDispatcher(Target{URL: server.URL, Events: []notify.EventType{notify.DisputeOpened}})
	d.Notify(context.Background(), testEvent(notify.FundsReleased))
	d.Notify(context.Background(), testEvent(notify.DisputeOpened))
	d.Wait()

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestNotify_NoSignatureWithoutSecret(t *testing.T) {
	var sig atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get("X-Arcinvoice-Signature"))
		w.WriteHeader(204)
	}))
	defer server.Close()

	d := newTestDispatcher(Target{URL: server.URL})
	d.Notify(context.Background(), testEvent(notify.EscrowFunded))
	d.Wait()

	if s, _ := sig.Load().(string); s != "" {
		t.Errorf("Expected no signature, got %q", s)
	}
}

func TestNotify_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
	}))
	defer server.Close()

	d := newTestDispatcher(Target{URL: server.URL})
	d.Notify(context.Background(), testEvent(notify.PaymentReceived))
	d.Wait()

	if attempts.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNotify_DoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(410)
	}))
	defer server.Close()

	d := newTestDispatcher(Target{URL: server.URL})
	d.Notify(context.Background(), testEvent(notify.PaymentReceived))
	d.Wait()

	if attempts.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts.Load())
	}
}

func TestNotify_CanceledRequestContextStillDelivers(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(Target{URL: server.URL})
	d.Notify(ctx, testEvent(notify.DisputeResolved))
	d.Wait()

	if received.Load() != 1 {
		t.Errorf("Expected delivery despite canceled caller context, got %d", received.Load())
	}
}

func TestNewDispatcher_IgnoresEmptyTargets(t *testing.T) {
	d := NewDispatcher(Target{}, Target{URL: ""})
	if d.Enabled() {
		t.Error("Expected dispatcher without targets to be disabled")
	}
	d.Notify(context.Background(), testEvent(notify.FundsRefunded))
	d.Wait()
}

func TestValidate_BlocksPrivateTargets(t *testing.T) {
	for _, u := range []string{"http://localhost:8080/hook", "http://127.0.0.1/hook", "http://10.0.0.5/hook", "ftp://example.com"} {
		d := NewDispatcher(Target{URL: u})
		if err := d.Validate(); err == nil {
			t.Errorf("Expected %s to be rejected", u)
		}
	}
}
