// Package watcher follows escrow contract events on chain.
//
// Every log emitted by a known escrow triggers a reconciliation of the
// invoice it belongs to, so funding and releases made outside the API
// reach the ledger without waiting for the periodic sweep.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/arcinvoice/internal/escrow"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/reconciliation"
	"github.com/mbd888/arcinvoice/internal/validation"
)

// LogSource is the slice of an RPC client the watcher needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// InvoiceFinder maps an escrow contract to its invoice.
type InvoiceFinder interface {
	GetInvoiceByEscrow(ctx context.Context, escrowAddress string) (*ledger.Invoice, error)
}

// Reconciler brings one invoice in line with its escrow.
type Reconciler interface {
	Reconcile(ctx context.Context, invoiceID string) (*reconciliation.Result, error)
}

// Config for the escrow watcher
type Config struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 = latest
	MaxRange     uint64 // blocks per FilterLogs call
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		MaxRange:     2000,
	}
}

// Watcher monitors escrow contracts for state-changing events
type Watcher struct {
	source     LogSource
	config     Config
	invoices   InvoiceFinder
	reconciler Reconciler
	topics     []common.Hash
	logger     *slog.Logger

	// tx:invoice pairs reconciled within the current block range
	processed map[string]bool
	mu        sync.Mutex

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a new escrow watcher
func New(cfg Config, source LogSource, invoices InvoiceFinder, reconciler Reconciler, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = DefaultConfig().MaxRange
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		source:     source,
		config:     cfg,
		invoices:   invoices,
		reconciler: reconciler,
		topics:     escrow.EventTopics(),
		logger:     logger,
		processed:  make(map[string]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins watching for escrow events
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.source.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock - 1
	}

	w.logger.Info("escrow watcher started", "startBlock", w.lastBlock+1)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// LastBlock returns the highest block fully processed.
func (w *Watcher) LastBlock() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastBlock
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil {
				w.logger.Error("escrow event check failed", "error", err)
			}
		}
	}
}

// Poll processes every block between the last processed block and the
// current head. Blocks whose logs fail to reconcile are retried on the
// next poll.
func (w *Watcher) Poll(ctx context.Context) error {
	head, err := w.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	w.mu.Lock()
	from := w.lastBlock + 1
	w.mu.Unlock()

	for from <= head {
		to := min(head, from+w.config.MaxRange-1)
		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(to),
			Topics:    [][]common.Hash{w.topics},
		}
		logs, err := w.source.FilterLogs(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to filter logs: %w", err)
		}

		var failed error
		for _, vLog := range logs {
			if err := w.processLog(ctx, vLog); err != nil {
				w.logger.Error("failed to process escrow event",
					"tx", vLog.TxHash.Hex(), "escrow", vLog.Address.Hex(), "error", err)
				failed = errors.Join(failed, err)
			}
		}
		if failed != nil {
			return failed
		}

		w.mu.Lock()
		w.lastBlock = to
		clear(w.processed)
		w.mu.Unlock()
		from = to + 1
	}
	return nil
}

func (w *Watcher) processLog(ctx context.Context, vLog types.Log) error {
	if vLog.Removed {
		return nil
	}
	addr := validation.SanitizeAddress(vLog.Address.Hex())
	inv, err := w.invoices.GetInvoiceByEscrow(ctx, addr)
	if errors.Is(err, ledger.ErrInvoiceNotFound) {
		// Not one of ours, or attached after the event. The sweep catches the latter.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup escrow %s: %w", addr, err)
	}

	// Several logs from one transaction need one reconciliation.
	key := vLog.TxHash.Hex() + ":" + inv.ID
	w.mu.Lock()
	if w.processed[key] {
		w.mu.Unlock()
		return nil
	}
	w.processed[key] = true
	w.mu.Unlock()

	res, err := w.reconciler.Reconcile(ctx, inv.ID)
	if err != nil {
		w.mu.Lock()
		delete(w.processed, key)
		w.mu.Unlock()
		return fmt.Errorf("reconcile %s: %w", inv.ID, err)
	}

	w.logger.Info("escrow event reconciled",
		"invoice", inv.ID,
		"escrow", addr,
		"status", res.Invoice.Status,
		"tx", vLog.TxHash.Hex(),
	)
	return nil
}
