package arbitration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/arcinvoice/internal/circuitbreaker"
	"github.com/mbd888/arcinvoice/internal/retry"
)

// DefaultPinataURL is Pinata's API root.
const DefaultPinataURL = "https://api.pinata.cloud"

// PinataPinner pins JSON documents to IPFS through Pinata.
type PinataPinner struct {
	baseURL   string
	apiKey    string
	secretKey string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

// NewPinataPinner creates a pinner. baseURL may be empty for the public API.
func NewPinataPinner(baseURL, apiKey, secretKey string) *PinataPinner {
	if baseURL == "" {
		baseURL = DefaultPinataURL
	}
	return &PinataPinner{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: 15 * time.Second},
		breaker:   circuitbreaker.New("pinata", 5, time.Minute),
	}
}

type pinRequest struct {
	Content  any `json:"pinataContent"`
	Metadata struct {
		Name string `json:"name"`
	} `json:"pinataMetadata"`
}

// PinJSON pins v and returns its ipfs:// URI.
func (p *PinataPinner) PinJSON(ctx context.Context, name string, v any) (string, error) {
	body := pinRequest{Content: v}
	body.Metadata.Name = name
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPinningFailed, err)
	}

	var cid string
	err = p.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, retry.Default, func(ctx context.Context) error {
			var err error
			cid, err = p.pin(ctx, payload)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, ErrPinningFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrPinningFailed, err)
	}
	return "ipfs://" + cid, nil
}

func (p *PinataPinner) pin(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/pinning/pinJSONToIPFS", bytes.NewReader(payload))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("pinata_api_key", p.apiKey)
	req.Header.Set("pinata_secret_api_key", p.secretKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := retry.CheckResponse(resp); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPinningFailed, err)
	}

	var out struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrPinningFailed, err)
	}
	if out.IpfsHash == "" {
		return "", retry.Permanent(fmt.Errorf("%w: empty IpfsHash", ErrPinningFailed))
	}
	return out.IpfsHash, nil
}
