package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/arcinvoice/internal/chain"
)

var txTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "arcinvoice",
	Subsystem: "escrow",
	Name:      "transactions_total",
	Help:      "Escrow contract transactions by method and final phase.",
}, []string{"method", "phase"})

func init() {
	prometheus.MustRegister(txTotal)
}

// contract holds what every version needs to talk to its contract.
type contract struct {
	client *chain.Client
	abi    abi.ABI
	token  common.Address
	quoter *FeeQuoter
}

func (c *contract) call(ctx context.Context, ref Ref, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.client.Call(ctx, ref.Network, ref.Address, data)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, ref.Address.Hex(), err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (c *contract) send(ctx context.Context, ref Ref, actor, method string, args ...any) (*chain.Receipt, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	rcpt, err := c.client.Submit(ctx, ref.Network, common.HexToAddress(actor), ref.Address, data)
	phase := "send_error"
	if rcpt != nil {
		phase = string(rcpt.Phase)
	}
	txTotal.WithLabelValues(method, phase).Inc()
	if err != nil {
		return rcpt, fmt.Errorf("%s on %s: %w", method, ref.Address.Hex(), err)
	}
	return rcpt, nil
}

// approve lets the escrow pull amount (principal plus the payer's fee
// share, as quoted by the fee collector) from the actor's balance.
func (c *contract) approve(ctx context.Context, ref Ref, actor string, principal int64) error {
	if c.token == (common.Address{}) {
		return nil
	}
	quote, err := c.quoter.Quote(ctx, ref.Network, principal)
	if err != nil {
		return fmt.Errorf("size approval: %w", err)
	}
	data, err := erc20ABI.Pack("approve", ref.Address, big.NewInt(quote.PayerAmount))
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	rcpt, err := c.client.Submit(ctx, ref.Network, common.HexToAddress(actor), c.token, data)
	if rcpt != nil {
		txTotal.WithLabelValues("approve", string(rcpt.Phase)).Inc()
	}
	if err != nil {
		return fmt.Errorf("approve %s: %w", ref.Address.Hex(), err)
	}
	return nil
}

// blockTime is the chain's notion of now, used for auto-release windows.
func (c *contract) blockTime(ctx context.Context, ref Ref) (int64, error) {
	t, err := c.client.Now(ctx, ref.Network)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

func requireRole(actor, holder, role string) error {
	if !sameAddr(actor, holder) {
		return fmt.Errorf("%w: only the %s may do this", ErrUnauthorized, role)
	}
	return nil
}

func requireLifecycle(s *State, want Lifecycle) error {
	if s.Lifecycle != want {
		return fmt.Errorf("%w: escrow is %s (%s), need %s", ErrInvalidState, s.Lifecycle, s.Raw, want)
	}
	return nil
}
