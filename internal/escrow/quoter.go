package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/arcinvoice/internal/chain"
	"github.com/mbd888/arcinvoice/internal/fees"
)

// Quote sources.
const (
	QuoteChain = "chain"
	QuoteLocal = "local"
)

// Quote is a fee breakdown tagged with where it came from.
type Quote struct {
	fees.Breakdown
	Source string `json:"source"`
}

// FeeQuoter asks the FeeCollector contract for the fee split and falls back
// to the local calculation only when no collector is configured. With a
// collector configured, a failed read is an error: an approval sized from a
// stale local formula could underfund the deposit.
type FeeQuoter struct {
	client    *chain.Client
	collector common.Address
	logger    *slog.Logger
}

func NewFeeQuoter(client *chain.Client, collector common.Address) *FeeQuoter {
	return &FeeQuoter{client: client, collector: collector, logger: slog.Default()}
}

// WithLogger sets the logger used to report chain/local disagreement.
func (q *FeeQuoter) WithLogger(l *slog.Logger) *FeeQuoter {
	q.logger = l
	return q
}

// Quote returns the fee split for amount.
func (q *FeeQuoter) Quote(ctx context.Context, net chain.Network, amount int64) (Quote, error) {
	local, err := fees.Checked(amount)
	if err != nil {
		return Quote{}, err
	}
	if q.client == nil || q.collector == (common.Address{}) {
		return Quote{Breakdown: local, Source: QuoteLocal}, nil
	}

	payer, err := q.read(ctx, net, "calculatePayerAmount", amount)
	if err != nil {
		return Quote{}, err
	}
	creator, err := q.read(ctx, net, "calculateCreatorAmount", amount)
	if err != nil {
		return Quote{}, err
	}
	total, err := q.read(ctx, net, "calculateFee", amount)
	if err != nil {
		return Quote{}, err
	}
	b := fees.Breakdown{
		InvoiceAmount: amount,
		PayerAmount:   payer,
		CreatorAmount: creator,
		TotalFee:      total,
		PayerFee:      payer - amount,
		CreatorFee:    amount - creator,
	}
	if b != local {
		q.logger.Warn("fee collector disagrees with local fee formula",
			"amount", amount, "chainPayer", payer, "localPayer", local.PayerAmount,
			"chainCreator", creator, "localCreator", local.CreatorAmount)
	}
	return Quote{Breakdown: b, Source: QuoteChain}, nil
}

func (q *FeeQuoter) read(ctx context.Context, net chain.Network, method string, amount int64) (int64, error) {
	data, err := feeCollectorABI.Pack(method, big.NewInt(amount))
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := q.client.Call(ctx, net, q.collector, data)
	if err != nil {
		return 0, fmt.Errorf("fee collector %s: %w", method, err)
	}
	vals, err := feeCollectorABI.Unpack(method, out)
	if err != nil {
		return 0, fmt.Errorf("unpack %s: %w", method, err)
	}
	v, _ := vals[0].(*big.Int)
	return toInt64(v)
}
