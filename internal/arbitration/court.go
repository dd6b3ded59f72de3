package arbitration

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

	"github.com/mbd888/arcinvoice/internal/circuitbreaker"
	"github.com/mbd888/arcinvoice/internal/retry"
)

// KlerosClient talks to the arbitration court's HTTP API.
type KlerosClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewKlerosClient creates a court client for baseURL.
func NewKlerosClient(baseURL, apiKey string) *KlerosClient {
	return &KlerosClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker: circuitbreaker.New("kleros", 5, 30*time.Second),
		policy:  retry.Default,
	}
}

// WithHTTPClient replaces the HTTP client.
func (k *KlerosClient) WithHTTPClient(c *http.Client) *KlerosClient {
	k.client = c
	return k
}

// WithRetryPolicy replaces the retry policy.
func (k *KlerosClient) WithRetryPolicy(p retry.Policy) *KlerosClient {
	k.policy = p
	return k
}

// Submit files a case and returns the court's id for it.
func (k *KlerosClient) Submit(ctx context.Context, s Submission) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := k.do(ctx, http.MethodPost, "/disputes", s, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("%w: court returned no case id", ErrCourtUnavailable)
	}
	return resp.ID, nil
}

// Case fetches the court's view of a case.
func (k *KlerosClient) Case(ctx context.Context, externalID string) (*RemoteCase, error) {
	var rc RemoteCase
	if err := k.do(ctx, http.MethodGet, "/disputes/"+url.PathEscape(externalID), nil, &rc); err != nil {
		return nil, err
	}
	if rc.ID == "" {
		rc.ID = externalID
	}
	return &rc, nil
}

// do runs one request through the breaker, retrying transient failures.
// Client errors (4xx) are not retried.
func (k *KlerosClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode court request: %w", err)
		}
	}

	err := k.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, k.policy, func(ctx context.Context) error {
			return k.once(ctx, method, path, payload, out)
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", ErrCourtUnavailable, err)
	}
	return err
}

func (k *KlerosClient) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if k.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+k.apiKey)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCourtUnavailable, err)
	}
	defer resp.Body.Close()

	if err := retry.CheckResponse(resp); err != nil {
		var se *retry.StatusError
		if errors.As(err, &se) && se.Temporary() {
			return fmt.Errorf("%w: court %s %s: %w", ErrCourtUnavailable, method, path, err)
		}
		return fmt.Errorf("court %s %s: %w", method, path, err)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrCourtUnavailable, err)
	}
	return nil
}
