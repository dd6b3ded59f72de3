package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/ledger"
)

// V1 is the single-amount escrow: CREATED -> FUNDED -> RELEASED | REFUNDED.
type V1 struct {
	contract
}

func (v *V1) Version() ledger.ContractVersion { return ledger.ContractV1 }

func (v *V1) State(ctx context.Context, ref Ref) (*State, error) {
	out, err := v.call(ctx, ref, "getDetails")
	if err != nil {
		return nil, err
	}
	if len(out) != 6 {
		return nil, fmt.Errorf("getDetails: expected 6 values, got %d", len(out))
	}
	creator, _ := out[0].(common.Address)
	payer, _ := out[1].(common.Address)
	amountRaw, _ := out[2].(*big.Int)
	raw, _ := out[3].(uint8)
	fundedAtRaw, _ := out[4].(*big.Int)
	daysRaw, _ := out[5].(*big.Int)

	amount, err := toInt64(amountRaw)
	if err != nil {
		return nil, err
	}
	s := &State{
		Version:   ledger.ContractV1,
		Address:   normalizeAddr(ref.Address),
		Creator:   normalizeAddr(creator),
		Payer:     normalizeAddr(payer),
		Total:     amount,
		Lifecycle: lifecycleOf(raw),
		Raw:       stateName(v1StateNames, raw),
		FundedAt:  unixPtr(fundedAtRaw),
	}
	if daysRaw != nil {
		s.AutoReleaseDays = int(daysRaw.Int64())
	}
	if raw != rawCreated {
		s.Funded = amount
	}
	if raw == rawReleased {
		s.Released = amount
	}
	return s, nil
}

// Fund approves and deposits the invoice amount. The depositor becomes the
// payer.
func (v *V1) Fund(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(s, LifecycleCreated); err != nil {
		return nil, err
	}
	if sameAddr(actor, s.Creator) {
		return nil, fmt.Errorf("%w: the creator cannot fund their own invoice", ErrUnauthorized)
	}
	if err := v.approve(ctx, ref, actor, s.Total); err != nil {
		return nil, err
	}
	return v.send(ctx, ref, actor, "deposit")
}

// Release pays the creator. Only the payer may release manually.
func (v *V1) Release(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	if err := requireRole(actor, s.Payer, "payer"); err != nil {
		return nil, err
	}
	return v.send(ctx, ref, actor, "release")
}

// Refund returns the deposit to the payer. Only the creator may refund.
func (v *V1) Refund(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	if err := requireRole(actor, s.Creator, "creator"); err != nil {
		return nil, err
	}
	return v.send(ctx, ref, actor, "refund")
}

// AutoRelease pays the creator once the auto-release window has passed.
// Anyone may call it.
func (v *V1) AutoRelease(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	at := s.AutoReleaseAt()
	if at == nil {
		return nil, fmt.Errorf("%w: no funding time recorded", ErrTooEarly)
	}
	now, err := v.blockTime(ctx, ref)
	if err != nil {
		return nil, err
	}
	if now < at.Unix() {
		return nil, fmt.Errorf("%w: eligible at %s", ErrTooEarly, at.Format(time.RFC3339))
	}
	return v.send(ctx, ref, actor, "autoRelease")
}

func (v *V1) FundMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: v1 has no milestones", ErrUnsupported)
}

func (v *V1) ApproveMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: v1 has no milestones", ErrUnsupported)
}

func (v *V1) ReleaseMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: v1 has no milestones", ErrUnsupported)
}

func (v *V1) SplitFunds(ctx context.Context, ref Ref, actor string, payerAmount int64) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: v1 cannot split funds", ErrUnsupported)
}

var _ Adapter = (*V1)(nil)
