package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/arcinvoice/internal/logging"
)

const (
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

// PhaseObserver is told about every phase a submitted transaction enters.
type PhaseObserver func(txHash string, phase Phase)

// Client wraps a Backend with network checks and confirmation tracking.
type Client struct {
	backend       Backend
	timeout       time.Duration
	poll          time.Duration
	confirmations uint64
	observers     []PhaseObserver
	logger        *slog.Logger

	mu      sync.Mutex
	chainID int64 // cached after the first successful lookup
}

// NewClient creates a client over backend.
func NewClient(backend Backend) *Client {
	return &Client{
		backend:       backend,
		timeout:       DefaultConfirmTimeout,
		poll:          DefaultPollInterval,
		confirmations: 1,
		logger:        logging.Discard(),
	}
}

// WithTimeout sets how long Submit waits for a receipt.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// WithPollInterval sets the receipt polling interval.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	if d > 0 {
		c.poll = d
	}
	return c
}

// WithConfirmations sets the block depth required for PhaseConfirmed.
func (c *Client) WithConfirmations(n uint64) *Client {
	if n > 0 {
		c.confirmations = n
	}
	return c
}

// WithObserver registers a phase observer.
func (c *Client) WithObserver(o PhaseObserver) *Client {
	c.observers = append(c.observers, o)
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(l *slog.Logger) *Client {
	c.logger = l
	return c
}

// Backend returns the underlying backend.
func (c *Client) Backend() Backend { return c.backend }

// CheckNetwork fails with ErrWrongNetwork unless the backend serves net.
func (c *Client) CheckNetwork(ctx context.Context, net Network) error {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()

	if cached == 0 {
		id, err := c.backend.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("chain: read chain id: %w", err)
		}
		c.mu.Lock()
		c.chainID = id
		c.mu.Unlock()
		cached = id
	}
	if cached != net.ChainID {
		return fmt.Errorf("%w: expected %s (%d), backend is on %d", ErrWrongNetwork, net.Name, net.ChainID, cached)
	}
	return nil
}

// Call performs a read-only contract call.
func (c *Client) Call(ctx context.Context, net Network, to common.Address, data []byte) ([]byte, error) {
	if err := c.CheckNetwork(ctx, net); err != nil {
		return nil, err
	}
	out, err := c.backend.Call(ctx, to, data)
	callsTotal.WithLabelValues(outcome(err)).Inc()
	return out, err
}

// Now returns the latest block timestamp.
func (c *Client) Now(ctx context.Context, net Network) (time.Time, error) {
	if err := c.CheckNetwork(ctx, net); err != nil {
		return time.Time{}, err
	}
	return c.backend.BlockTime(ctx)
}

// Submit sends a transaction from `from` and waits for it to confirm.
//
// A reverted transaction returns the receipt with PhaseFailed and
// ErrTxFailed. If no receipt arrives within the confirmation window the
// receipt has PhaseUnknown and the error wraps ErrUnconfirmed: the caller
// must treat the outcome as undecided and re-read state later.
func (c *Client) Submit(ctx context.Context, net Network, from, to common.Address, data []byte) (*Receipt, error) {
	if err := c.CheckNetwork(ctx, net); err != nil {
		return nil, err
	}

	start := time.Now()
	hash, err := c.backend.Send(ctx, from, to, data)
	if err != nil {
		submitsTotal.WithLabelValues("send_error").Inc()
		return nil, err
	}
	rcpt := &Receipt{TxHash: hash.Hex(), From: from.Hex(), Phase: PhasePending}
	c.notify(rcpt)

	rcpt, err = c.await(ctx, hash, rcpt)
	submitsTotal.WithLabelValues(string(rcpt.Phase)).Inc()
	confirmDuration.Observe(time.Since(start).Seconds())

	logging.L(ctx, c.logger).Info("transaction submitted",
		"network", net.Name, "tx_hash", rcpt.TxHash, "from", rcpt.From, "to", to.Hex(), "phase", rcpt.Phase)
	return rcpt, err
}

func (c *Client) await(ctx context.Context, hash common.Hash, rcpt *Receipt) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		phase, r, err := c.phaseOf(waitCtx, hash)
		if phase == PhaseUnknown {
			phase = PhasePending
		}
		if err == nil && phase != rcpt.Phase {
			rcpt.Phase = phase
			if r != nil {
				rcpt.BlockNumber = r.BlockNumber.Uint64()
				rcpt.GasUsed = r.GasUsed
			}
			c.notify(rcpt)
		}
		switch rcpt.Phase {
		case PhaseConfirmed:
			return rcpt, nil
		case PhaseFailed:
			return rcpt, fmt.Errorf("%w: %s", ErrTxFailed, rcpt.TxHash)
		}

		select {
		case <-waitCtx.Done():
			rcpt.Phase = PhaseUnknown
			c.notify(rcpt)
			if ctx.Err() != nil {
				return rcpt, fmt.Errorf("%w: %s: %v", ErrUnconfirmed, rcpt.TxHash, ctx.Err())
			}
			return rcpt, fmt.Errorf("%w: %s after %s", ErrUnconfirmed, rcpt.TxHash, c.timeout)
		case <-ticker.C:
		}
	}
}

// Status reports the current phase of an existing transaction. A hash the
// node does not know yet is PhaseUnknown, never PhaseFailed.
func (c *Client) Status(ctx context.Context, net Network, txHash string) (*Receipt, error) {
	if err := c.CheckNetwork(ctx, net); err != nil {
		return nil, err
	}
	hash := common.HexToHash(txHash)
	phase, r, err := c.phaseOf(ctx, hash)
	if err != nil {
		return nil, err
	}
	rcpt := &Receipt{TxHash: hash.Hex(), Phase: phase}
	if r != nil {
		rcpt.BlockNumber = r.BlockNumber.Uint64()
		rcpt.GasUsed = r.GasUsed
	}
	return rcpt, nil
}

func (c *Client) phaseOf(ctx context.Context, hash common.Hash) (Phase, *types.Receipt, error) {
	r, err := c.backend.Receipt(ctx, hash)
	if errors.Is(err, ErrTxNotFound) {
		return PhaseUnknown, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if r.Status == types.ReceiptStatusFailed {
		return PhaseFailed, r, nil
	}
	if c.confirmations <= 1 || r.BlockNumber == nil {
		return PhaseConfirmed, r, nil
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return "", nil, err
	}
	if head+1 < r.BlockNumber.Uint64()+c.confirmations {
		return PhaseConfirming, r, nil
	}
	return PhaseConfirmed, r, nil
}

func (c *Client) notify(r *Receipt) {
	for _, o := range c.observers {
		o(r.TxHash, r.Phase)
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
