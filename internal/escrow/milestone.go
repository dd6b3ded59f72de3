package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/ledger"
)

// milestoneContract is the call surface V2 and V3 share.
type milestoneContract struct {
	contract
}

func (m *milestoneContract) readState(ctx context.Context, ref Ref, version ledger.ContractVersion) (*State, error) {
	out, err := m.call(ctx, ref, "getDetails")
	if err != nil {
		return nil, err
	}
	if len(out) != 9 {
		return nil, fmt.Errorf("getDetails: expected 9 values, got %d", len(out))
	}
	creator, _ := out[0].(common.Address)
	payer, _ := out[1].(common.Address)
	raw, _ := out[5].(uint8)
	fundedAtRaw, _ := out[6].(*big.Int)
	slot7, _ := out[7].(*big.Int)
	countRaw, _ := out[8].(*big.Int)

	s := &State{
		Version:   version,
		Address:   normalizeAddr(ref.Address),
		Creator:   normalizeAddr(creator),
		Payer:     normalizeAddr(payer),
		Lifecycle: lifecycleOf(raw),
		FundedAt:  unixPtr(fundedAtRaw),
	}
	for i, dst := range []*int64{&s.Total, &s.Funded, &s.Released} {
		v, _ := out[2+i].(*big.Int)
		if *dst, err = toInt64(v); err != nil {
			return nil, err
		}
	}
	if version == ledger.ContractV3 {
		s.Raw = stateName(v3StateNames, raw)
		if slot7 != nil {
			s.CurrentMilestone = int(slot7.Int64())
		}
	} else {
		s.Raw = stateName(v1StateNames, raw)
		if slot7 != nil {
			s.AutoReleaseDays = int(slot7.Int64())
		}
	}

	count := 0
	if countRaw != nil {
		count = int(countRaw.Int64())
	}
	s.Milestones = make([]MilestoneState, 0, count)
	for i := 0; i < count; i++ {
		mo, err := m.call(ctx, ref, "getMilestone", big.NewInt(int64(i)))
		if err != nil {
			return nil, err
		}
		amountRaw, _ := mo[0].(*big.Int)
		flag, _ := mo[1].(bool)
		released, _ := mo[2].(bool)
		amount, err := toInt64(amountRaw)
		if err != nil {
			return nil, err
		}
		ms := MilestoneState{Index: i, Amount: amount, Released: released}
		if version == ledger.ContractV3 {
			ms.Funded = flag
		} else {
			// V2 deposits everything up front.
			ms.Funded = s.Lifecycle != LifecycleCreated
			ms.Approved = flag
		}
		s.Milestones = append(s.Milestones, ms)
	}
	return s, nil
}

// refund returns everything funded and unreleased to the payer.
func (m *milestoneContract) refund(ctx context.Context, ref Ref, s *State, actor string) (*chain.Receipt, error) {
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	if err := requireRole(actor, s.Creator, "creator"); err != nil {
		return nil, err
	}
	return m.send(ctx, ref, actor, "refund")
}

// splitFunds sends payerAmount of the held balance back to the payer and
// the rest, less fees, to the creator.
func (m *milestoneContract) splitFunds(ctx context.Context, ref Ref, s *State, actor string, payerAmount int64) (*chain.Receipt, error) {
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	if !sameAddr(actor, s.Payer) && !sameAddr(actor, s.Creator) {
		return nil, fmt.Errorf("%w: only the payer or creator may split funds", ErrUnauthorized)
	}
	if payerAmount < 0 || payerAmount > s.Held() {
		return nil, fmt.Errorf("%w: payer amount %d exceeds held balance %d", ErrInvalidAmount, payerAmount, s.Held())
	}
	return m.send(ctx, ref, actor, "splitFunds", big.NewInt(payerAmount))
}

// V2 is the legacy fund-all-upfront milestone escrow. Milestones move
// pending -> approved (payer) -> released (creator).
type V2 struct {
	milestoneContract
}

func (v *V2) Version() ledger.ContractVersion { return ledger.ContractV2Legacy }

func (v *V2) State(ctx context.Context, ref Ref) (*State, error) {
	return v.readState(ctx, ref, ledger.ContractV2Legacy)
}

// Fund deposits the full total, funding every milestone at once.
func (v *V2) Fund(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
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

// FundMilestone funds a V2 escrow through the milestone entry point. Any
// index is accepted: the first call deposits the whole total, later calls
// send nothing and return ErrAlreadyFunded.
func (v *V2) FundMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if _, err := s.Milestone(index); err != nil {
		return nil, err
	}
	if s.Lifecycle == LifecycleFunded {
		return nil, fmt.Errorf("%w: v2 deposits every milestone at once", ErrAlreadyFunded)
	}
	return v.Fund(ctx, ref, actor)
}

// ApproveMilestone marks milestone index releasable. Payer only.
func (v *V2) ApproveMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	ms, err := s.Milestone(index)
	if err != nil {
		return nil, err
	}
	if ms.Approved || ms.Released {
		return nil, fmt.Errorf("%w: milestone %d already approved", ErrInvalidState, index)
	}
	if err := requireRole(actor, s.Payer, "payer"); err != nil {
		return nil, err
	}
	return v.send(ctx, ref, actor, "approveMilestone", big.NewInt(int64(index)))
}

// ReleaseMilestone pays out an approved milestone. Creator only.
func (v *V2) ReleaseMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	ms, err := s.Milestone(index)
	if err != nil {
		return nil, err
	}
	if !ms.Approved {
		return nil, fmt.Errorf("%w: milestone %d is not approved", ErrInvalidState, index)
	}
	if ms.Released {
		return nil, fmt.Errorf("%w: milestone %d already released", ErrInvalidState, index)
	}
	if err := requireRole(actor, s.Creator, "creator"); err != nil {
		return nil, err
	}
	return v.send(ctx, ref, actor, "releaseMilestone", big.NewInt(int64(index)))
}

func (v *V2) Refund(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	return v.refund(ctx, ref, s, actor)
}

func (v *V2) SplitFunds(ctx context.Context, ref Ref, actor string, payerAmount int64) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	return v.splitFunds(ctx, ref, s, actor, payerAmount)
}

// AutoRelease releases every unreleased milestone once the window passes.
func (v *V2) AutoRelease(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	at := s.AutoReleaseAt()
	if at == nil {
		return nil, ErrTooEarly
	}
	now, err := v.blockTime(ctx, ref)
	if err != nil {
		return nil, err
	}
	if now < at.Unix() {
		return nil, ErrTooEarly
	}
	return v.send(ctx, ref, actor, "autoRelease")
}

func (v *V2) Release(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: release milestones individually or split funds", ErrUnsupported)
}

// V3 is the pay-per-milestone escrow: CREATED -> ACTIVE -> COMPLETED |
// REFUNDED, with milestones funded strictly in index order.
type V3 struct {
	milestoneContract
}

func (v *V3) Version() ledger.ContractVersion { return ledger.ContractV3 }

func (v *V3) State(ctx context.Context, ref Ref) (*State, error) {
	return v.readState(ctx, ref, ledger.ContractV3)
}

// FundMilestone approves and pays milestone index plus its fee. Only the
// current milestone may be funded; the first funder becomes the payer and
// later milestones must come from the same payer.
func (v *V3) FundMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if s.Lifecycle.IsTerminal() {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, s.Raw)
	}
	ms, err := s.Milestone(index)
	if err != nil {
		return nil, err
	}
	if ms.Funded {
		return nil, fmt.Errorf("%w: milestone %d already funded", ErrInvalidState, index)
	}
	if index != s.CurrentMilestone {
		return nil, fmt.Errorf("%w: milestone %d requested, %d is next", ErrOutOfOrder, index, s.CurrentMilestone)
	}
	if sameAddr(actor, s.Creator) {
		return nil, fmt.Errorf("%w: the creator cannot fund their own invoice", ErrUnauthorized)
	}
	if s.Payer != "" {
		if err := requireRole(actor, s.Payer, "payer"); err != nil {
			return nil, err
		}
	}
	if err := v.approve(ctx, ref, actor, ms.Amount); err != nil {
		return nil, err
	}
	return v.send(ctx, ref, actor, "fundMilestone", big.NewInt(int64(index)))
}

// ReleaseMilestone pays out a funded milestone. Payer only.
func (v *V3) ReleaseMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := requireLifecycle(s, LifecycleFunded); err != nil {
		return nil, err
	}
	ms, err := s.Milestone(index)
	if err != nil {
		return nil, err
	}
	if !ms.Funded {
		return nil, fmt.Errorf("%w: milestone %d is not funded", ErrInvalidState, index)
	}
	if ms.Released {
		return nil, fmt.Errorf("%w: milestone %d already released", ErrInvalidState, index)
	}
	if err := requireRole(actor, s.Payer, "payer"); err != nil {
		return nil, err
	}
	return v.send(ctx, ref, actor, "releaseMilestone", big.NewInt(int64(index)))
}

func (v *V3) Refund(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	return v.refund(ctx, ref, s, actor)
}

func (v *V3) SplitFunds(ctx context.Context, ref Ref, actor string, payerAmount int64) (*chain.Receipt, error) {
	s, err := v.State(ctx, ref)
	if err != nil {
		return nil, err
	}
	return v.splitFunds(ctx, ref, s, actor, payerAmount)
}

func (v *V3) Fund(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: v3 escrows are funded one milestone at a time", ErrUnsupported)
}

func (v *V3) ApproveMilestone(ctx context.Context, ref Ref, actor string, index int) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: v3 milestones need no approval", ErrUnsupported)
}

func (v *V3) Release(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: release milestones individually or split funds", ErrUnsupported)
}

func (v *V3) AutoRelease(ctx context.Context, ref Ref, actor string) (*chain.Receipt, error) {
	return nil, fmt.Errorf("%w: v3 has no auto-release window", ErrUnsupported)
}

var (
	_ Adapter = (*V2)(nil)
	_ Adapter = (*V3)(nil)
)
