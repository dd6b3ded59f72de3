// Package escrow adapts the three generations of escrow contract to one
// capability set.
//
// V1 holds a single amount. V2 (legacy) holds milestone amounts funded all
// at once and gates each release behind a payer approval. V3 funds and
// releases milestones one at a time, strictly in order. Callers read a
// normalized State and invoke capabilities; a capability a version does not
// have returns ErrUnsupported.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/ledger"
	"github.com/mbd888/arcinvoice/internal/usdc"
)

var (
	ErrUnsupported      = errors.New("escrow: operation not supported by this contract version")
	ErrUnauthorized     = errors.New("escrow: caller does not hold the required role")
	ErrInvalidState     = errors.New("escrow: contract state does not allow this operation")
	ErrOutOfOrder       = errors.New("escrow: milestones must be funded in order")
	ErrTooEarly         = errors.New("escrow: auto-release window has not elapsed")
	ErrInvalidMilestone = errors.New("escrow: milestone index out of range")
	ErrInvalidAmount    = errors.New("escrow: invalid amount")
	ErrUnknownVersion   = errors.New("escrow: unknown contract version")

	// ErrAlreadyFunded is an ErrInvalidState: the deposit has already been
	// made and nothing was sent.
	ErrAlreadyFunded = fmt.Errorf("%w: already funded", ErrInvalidState)
)

// Lifecycle is the version-independent contract lifecycle.
type Lifecycle string

const (
	LifecycleCreated  Lifecycle = "created"
	LifecycleFunded   Lifecycle = "funded" // FUNDED on V1/V2, ACTIVE on V3
	LifecycleReleased Lifecycle = "released"
	LifecycleRefunded Lifecycle = "refunded"
)

// IsTerminal reports whether the escrow no longer holds funds.
func (l Lifecycle) IsTerminal() bool {
	return l == LifecycleReleased || l == LifecycleRefunded
}

// MilestoneState is one milestone as the contract sees it.
type MilestoneState struct {
	Index    int   `json:"index"`
	Amount   int64 `json:"amount"`
	Funded   bool  `json:"funded"`
	Approved bool  `json:"approved,omitempty"` // V2 only
	Released bool  `json:"released"`
}

// State is a read-through projection of an escrow contract. It is never
// persisted.
type State struct {
	Version          ledger.ContractVersion `json:"version"`
	Address          string                 `json:"address"`
	Creator          string                 `json:"creator"`
	Payer            string                 `json:"payer,omitempty"` // empty until first funding
	Total            int64                  `json:"total"`
	Funded           int64                  `json:"funded"`
	Released         int64                  `json:"released"`
	Lifecycle        Lifecycle              `json:"lifecycle"`
	Raw              string                 `json:"raw"`
	FundedAt         *time.Time             `json:"fundedAt,omitempty"`
	AutoReleaseDays  int                    `json:"autoReleaseDays,omitempty"`
	CurrentMilestone int                    `json:"currentMilestone,omitempty"` // V3
	Milestones       []MilestoneState       `json:"milestones,omitempty"`
}

// Held is the amount funded and not yet released.
func (s *State) Held() int64 {
	return s.Funded - s.Released
}

// AutoReleaseAt returns when auto-release becomes legal, or nil.
func (s *State) AutoReleaseAt() *time.Time {
	if s.FundedAt == nil || s.AutoReleaseDays == 0 {
		return nil
	}
	t := s.FundedAt.Add(time.Duration(s.AutoReleaseDays) * 24 * time.Hour)
	return &t
}

// Milestone returns milestone i.
func (s *State) Milestone(i int) (MilestoneState, error) {
	if i < 0 || i >= len(s.Milestones) {
		return MilestoneState{}, fmt.Errorf("%w: %d of %d", ErrInvalidMilestone, i, len(s.Milestones))
	}
	return s.Milestones[i], nil
}

// Ref names one escrow contract on one network.
type Ref struct {
	Network chain.Network
	Address common.Address
}

// NewRef builds a Ref from a hex address.
func NewRef(net chain.Network, address string) Ref {
	return Ref{Network: net, Address: common.HexToAddress(address)}
}

// Adapter is the capability set shared by all contract versions. Mutating
// calls take the acting address, check it holds the role the contract
// requires, and send the transaction from it.
type Adapter interface {
	Version() ledger.ContractVersion
	State(ctx context.Context, ref Ref) (*State, error)
	Fund(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error)
	FundMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error)
	ApproveMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error)
	Release(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error)
	ReleaseMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error)
	Refund(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error)
	SplitFunds(ctx context.Context, ref Ref, actor string, payerAmount int64) (*chain.Receipt, error)
	AutoRelease(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error)
}

// Contracts holds the shared contract addresses. A zero Token skips the
// ERC-20 approval step (the simulated backend pulls funds without one).
type Contracts struct {
	Token        common.Address
	FeeCollector common.Address
}

// Adapters selects an Adapter by contract version.
type Adapters struct {
	quoter *FeeQuoter
	byVer  map[ledger.ContractVersion]Adapter
}

// NewAdapters builds the V1, V2 and V3 adapters over client.
func NewAdapters(client *chain.Client, contracts Contracts) *Adapters {
	quoter := NewFeeQuoter(client, contracts.FeeCollector)
	base := contract{client: client, token: contracts.Token, quoter: quoter, abi: milestoneABI}
	v1 := &V1{contract: base}
	v1.abi = v1ABI

	return &Adapters{
		quoter: quoter,
		byVer: map[ledger.ContractVersion]Adapter{
			ledger.ContractV1:       v1,
			ledger.ContractV2Legacy: &V2{milestoneContract{contract: base}},
			ledger.ContractV3:       &V3{milestoneContract{contract: base}},
		},
	}
}

// For returns the adapter for version.
func (a *Adapters) For(version ledger.ContractVersion) (Adapter, error) {
	ad, ok := a.byVer[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return ad, nil
}

// Quoter returns the fee quoter shared by the adapters.
func (a *Adapters) Quoter() *FeeQuoter { return a.quoter }

// normalizeAddr lowercases a hex address; the zero address becomes "".
func normalizeAddr(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return strings.ToLower(a.Hex())
}

func sameAddr(a, b string) bool {
	return a != "" && b != "" && strings.EqualFold(a, b)
}

func toInt64(v *big.Int) (int64, error) {
	if v == nil {
		return 0, nil
	}
	return usdc.FromBig(v)
}

func unixPtr(v *big.Int) *time.Time {
	if v == nil || v.Sign() == 0 {
		return nil
	}
	t := time.Unix(v.Int64(), 0).UTC()
	return &t
}

func stateName(names [4]string, raw uint8) string {
	if int(raw) < len(names) {
		return names[raw]
	}
	return fmt.Sprintf("UNKNOWN(%d)", raw)
}

func lifecycleOf(raw uint8) Lifecycle {
	switch raw {
	case rawFunded:
		return LifecycleFunded
	case rawReleased:
		return LifecycleReleased
	case rawRefunded:
		return LifecycleRefunded
	}
	return LifecycleCreated
}
