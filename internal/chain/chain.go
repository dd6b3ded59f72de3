// Package chain is the read/write collaborator for escrow contracts.
//
// Every chain-facing call takes an explicit Network. The client compares it
// with the backend's chain id before reading or writing, so a process that
// is pointed at the wrong RPC endpoint fails loudly instead of settling on
// the wrong chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrWrongNetwork = errors.New("chain: backend is connected to a different network")
	ErrUnconfirmed  = errors.New("chain: transaction not confirmed within the window")
	ErrTxFailed     = errors.New("chain: transaction reverted")
	ErrNoSigner     = errors.New("chain: no delegated key for sender")
	ErrTxNotFound   = errors.New("chain: transaction not found")
)

// Network identifies the chain a call is meant for.
type Network struct {
	ChainID int64  `json:"chainId"`
	Name    string `json:"name"`
}

var (
	ArcTestnet = Network{ChainID: 5042002, Name: "arc-testnet"}
	// ArcMainnet's chain id is provisional until the network launches.
	ArcMainnet = Network{ChainID: 5042001, Name: "arc-mainnet"}
)

// NetworkFor returns the known network for chainID, or an unnamed one.
func NetworkFor(chainID int64) Network {
	switch chainID {
	case ArcTestnet.ChainID:
		return ArcTestnet
	case ArcMainnet.ChainID:
		return ArcMainnet
	}
	return Network{ChainID: chainID, Name: fmt.Sprintf("chain-%d", chainID)}
}

func (n Network) String() string { return n.Name }

// Phase is where a submitted transaction is in its lifecycle.
type Phase string

const (
	PhasePending    Phase = "pending"    // sent, no receipt yet
	PhaseConfirming Phase = "confirming" // mined, waiting for depth
	PhaseConfirmed  Phase = "confirmed"
	PhaseFailed     Phase = "failed"  // mined and reverted
	PhaseUnknown    Phase = "unknown" // timed out or dropped; retry the read later
)

// IsFinal reports whether the phase will not change on a later read.
func (p Phase) IsFinal() bool {
	return p == PhaseConfirmed || p == PhaseFailed
}

// Receipt is the outcome of Submit or Status.
type Receipt struct {
	TxHash      string `json:"txHash"`
	From        string `json:"from,omitempty"`
	Phase       Phase  `json:"phase"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
	GasUsed     uint64 `json:"gasUsed,omitempty"`
}

// Backend is the raw RPC surface. Receipt returns ErrTxNotFound while the
// transaction is not mined.
type Backend interface {
	ChainID(ctx context.Context) (int64, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	Send(ctx context.Context, from, to common.Address, data []byte) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context) (time.Time, error)
}
