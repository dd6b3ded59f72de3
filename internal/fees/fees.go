// Package fees computes the platform fee split for invoice and milestone
// amounts.
//
// The result must match the escrow FeeCollector contract bit for bit, so
// everything is integer arithmetic on smallest units. The local result is
// advisory: when sizing a token approval, callers prefer the payer amount
// reported by the contract (see escrow.FeeQuoter).
package fees

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

// BasisPoints is the total fee rate (1%).
const BasisPoints = 100

const bpsDenominator = 10_000

var ErrNegativeAmount = errors.New("fees: amount must not be negative")

// ErrAmountTooLarge is returned when the payer amount would not fit in an
// int64. Use ComputeBig for such amounts.
var ErrAmountTooLarge = errors.New("fees: payer amount overflows int64")

// Breakdown is the fee split for one amount, in smallest units.
type Breakdown struct {
	InvoiceAmount int64 `json:"invoiceAmount"`
	PayerAmount   int64 `json:"payerAmount"`
	CreatorAmount int64 `json:"creatorAmount"`
	TotalFee      int64 `json:"totalFee"`
	PayerFee      int64 `json:"payerFee"`
	CreatorFee    int64 `json:"creatorFee"`
}

// Compute splits the fee for amount. The payer absorbs the floor half of
// the fee and the creator the remainder, so an odd unit lands on the
// creator's side. Negative amounts, and amounts whose payer total would not
// fit in an int64, yield a zero Breakdown.
func Compute(amount int64) Breakdown {
	b, err := Checked(amount)
	if err != nil {
		return Breakdown{}
	}
	return b
}

// Checked is Compute with explicit rejection of negative and oversized
// amounts.
func Checked(amount int64) (Breakdown, error) {
	if amount < 0 {
		return Breakdown{}, ErrNegativeAmount
	}
	// amount*100 overflows int64 only above ~9.2e16 units (92 billion USDC);
	// route through big.Int there rather than reject.
	var total int64
	if amount <= (1<<63-1)/BasisPoints {
		total = amount * BasisPoints / bpsDenominator
	} else {
		total = totalFeeBig(big.NewInt(amount)).Int64()
	}
	payerFee := total / 2
	if amount > math.MaxInt64-payerFee {
		return Breakdown{}, ErrAmountTooLarge
	}
	creatorFee := total - payerFee
	return Breakdown{
		InvoiceAmount: amount,
		PayerAmount:   amount + payerFee,
		CreatorAmount: amount - creatorFee,
		TotalFee:      total,
		PayerFee:      payerFee,
		CreatorFee:    creatorFee,
	}, nil
}

// BigBreakdown is the uint256 form used at the contract boundary.
type BigBreakdown struct {
	InvoiceAmount *big.Int
	PayerAmount   *big.Int
	CreatorAmount *big.Int
	TotalFee      *big.Int
	PayerFee      *big.Int
	CreatorFee    *big.Int
}

// ComputeBig mirrors Compute for uint256 amounts.
func ComputeBig(amount *big.Int) (BigBreakdown, error) {
	if amount == nil || amount.Sign() < 0 {
		return BigBreakdown{}, ErrNegativeAmount
	}
	total := totalFeeBig(amount)
	payerFee := new(big.Int).Rsh(total, 1)
	creatorFee := new(big.Int).Sub(total, payerFee)
	return BigBreakdown{
		InvoiceAmount: new(big.Int).Set(amount),
		PayerAmount:   new(big.Int).Add(amount, payerFee),
		CreatorAmount: new(big.Int).Sub(amount, creatorFee),
		TotalFee:      total,
		PayerFee:      payerFee,
		CreatorFee:    creatorFee,
	}, nil
}

func totalFeeBig(amount *big.Int) *big.Int {
	t := new(big.Int).Mul(amount, big.NewInt(BasisPoints))
	return t.Quo(t, big.NewInt(bpsDenominator))
}

// Validate checks the internal consistency of a breakdown.
func (b Breakdown) Validate() error {
	if b.PayerFee+b.CreatorFee != b.TotalFee {
		return fmt.Errorf("fees: payer fee %d + creator fee %d != total %d", b.PayerFee, b.CreatorFee, b.TotalFee)
	}
	if b.PayerAmount-b.CreatorAmount != b.TotalFee {
		return fmt.Errorf("fees: payer amount %d - creator amount %d != total %d", b.PayerAmount, b.CreatorAmount, b.TotalFee)
	}
	if b.PayerAmount-b.InvoiceAmount != b.PayerFee || b.InvoiceAmount-b.CreatorAmount != b.CreatorFee {
		return fmt.Errorf("fees: amounts do not match invoice amount %d", b.InvoiceAmount)
	}
	return nil
}

// Sum adds the breakdowns of several amounts (e.g. all milestones of an
// invoice). Fees are computed per amount, so the sum can differ from
// Compute(total) by rounding.
func Sum(amounts ...int64) Breakdown {
	var out Breakdown
	for _, a := range amounts {
		b := Compute(a)
		out.InvoiceAmount += b.InvoiceAmount
		out.PayerAmount += b.PayerAmount
		out.CreatorAmount += b.CreatorAmount
		out.TotalFee += b.TotalFee
		out.PayerFee += b.PayerFee
		out.CreatorFee += b.CreatorFee
	}
	return out
}
