package fees

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute_KnownAmounts(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		want   Breakdown
	}{
		{
			name:   "100 USDC",
			amount: 100_000_000,
			want: Breakdown{
				InvoiceAmount: 100_000_000,
				PayerAmount:   100_500_000,
				CreatorAmount: 99_500_000,
				TotalFee:      1_000_000,
				PayerFee:      500_000,
				CreatorFee:    500_000,
			},
		},
		{
			// total fee 3 units: payer 1, creator 2
			name:   "odd unit lands on creator",
			amount: 300,
			want: Breakdown{
				InvoiceAmount: 300,
				PayerAmount:   301,
				CreatorAmount: 298,
				TotalFee:      3,
				PayerFee:      1,
				CreatorFee:    2,
			},
		},
		{
			name:   "below fee threshold",
			amount: 99,
			want:   Breakdown{InvoiceAmount: 99, PayerAmount: 99, CreatorAmount: 99},
		},
		{
			name:   "zero",
			amount: 0,
			want:   Breakdown{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.amount)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestCompute_IntegerProperties(t *testing.T) {
	amounts := []int64{1, 7, 99, 100, 101, 199, 200, 201, 12_345, 999_999, 1_000_001, 50_000_000, 123_456_789_012}
	for a := int64(0); a < 5_000; a += 37 {
		amounts = append(amounts, a)
	}

	for _, a := range amounts {
		b := Compute(a)
		require.Equal(t, a/100, b.PayerFee+b.CreatorFee, "amount %d", a)
		require.Equal(t, b.TotalFee, b.PayerAmount-b.CreatorAmount, "amount %d", a)
		require.GreaterOrEqual(t, b.CreatorFee, b.PayerFee, "amount %d", a)
		require.LessOrEqual(t, b.CreatorFee-b.PayerFee, int64(1), "amount %d", a)
		require.NoError(t, b.Validate())
	}
}

func TestChecked_Negative(t *testing.T) {
	_, err := Checked(-1)
	assert.ErrorIs(t, err, ErrNegativeAmount)
	assert.Equal(t, Breakdown{}, Compute(-5))
}

func TestCompute_LargeAmountMatchesBig(t *testing.T) {
	amount := int64(1<<62 + 12345)
	b := Compute(amount)

	bb, err := ComputeBig(big.NewInt(amount))
	require.NoError(t, err)
	assert.Equal(t, bb.TotalFee.Int64(), b.TotalFee)
	assert.Equal(t, bb.PayerFee.Int64(), b.PayerFee)
	assert.Equal(t, bb.CreatorAmount.Int64(), b.CreatorAmount)
}

func TestChecked_PayerAmountOverflow(t *testing.T) {
	for _, a := range []int64{math.MaxInt64, math.MaxInt64 - 40_000_000_000_000_000} {
		_, err := Checked(a)
		assert.ErrorIs(t, err, ErrAmountTooLarge, "amount %d", a)
		assert.Equal(t, Breakdown{}, Compute(a), "amount %d", a)
	}

	// Still fits: the payer total is checked against big.Int.
	a := int64(math.MaxInt64 - 50_000_000_000_000_000)
	b, err := Checked(a)
	require.NoError(t, err)
	require.NoError(t, b.Validate())
	bb, err := ComputeBig(big.NewInt(a))
	require.NoError(t, err)
	assert.True(t, bb.PayerAmount.IsInt64())
	assert.Equal(t, bb.PayerAmount.Int64(), b.PayerAmount)
}

func TestComputeBig_MatchesCompute(t *testing.T) {
	for _, a := range []int64{0, 1, 150, 333, 100_000_000, 987_654_321} {
		bb, err := ComputeBig(big.NewInt(a))
		require.NoError(t, err)
		b := Compute(a)
		assert.Equal(t, b.PayerAmount, bb.PayerAmount.Int64())
		assert.Equal(t, b.CreatorAmount, bb.CreatorAmount.Int64())
		assert.Equal(t, b.PayerFee, bb.PayerFee.Int64())
		assert.Equal(t, b.CreatorFee, bb.CreatorFee.Int64())
	}

	_, err := ComputeBig(big.NewInt(-1))
	assert.ErrorIs(t, err, ErrNegativeAmount)
}

func TestSum_PerMilestoneRounding(t *testing.T) {
	// three 150-unit milestones: each fee is 1 (creator side), total 3
	s := Sum(150, 150, 150)
	assert.Equal(t, int64(450), s.InvoiceAmount)
	assert.Equal(t, int64(3), s.TotalFee)
	assert.Equal(t, int64(0), s.PayerFee)
	assert.Equal(t, int64(3), s.CreatorFee)

	// whereas the invoice-level fee on 450 is 4
	assert.Equal(t, int64(4), Compute(450).TotalFee)
}
