package order

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// RatePrecision is the number of decimal places kept when dividing reserves.
const RatePrecision = 18

// Rates holds the pool's directional spot rates (output per input). AtoB and
// BtoA are rounded to RatePrecision for display; trigger decisions use the
// reserves they were derived from.
type Rates struct {
	AtoB decimal.Decimal `json:"AtoB"`
	BtoA decimal.Decimal `json:"BtoA"`

	reserveA, reserveB decimal.Decimal
}

// RatesFromReserves derives both rates from the two reserves. Both tokens
// share decimals, so the ratio of base units equals the ratio of whole tokens.
// ok is false when either reserve is empty.
func RatesFromReserves(reserveA, reserveB *big.Int) (Rates, bool) {
	if reserveA == nil || reserveB == nil || reserveA.Sign() <= 0 || reserveB.Sign() <= 0 {
		return Rates{}, false
	}
	a := decimal.NewFromBigInt(reserveA, 0)
	b := decimal.NewFromBigInt(reserveB, 0)
	return Rates{
		AtoB:     b.DivRound(a, RatePrecision),
		BtoA:     a.DivRound(b, RatePrecision),
		reserveA: a,
		reserveB: b,
	}, true
}

// For returns the rate that applies to orders selling in dir.
func (r Rates) For(dir Direction) decimal.Decimal {
	if dir == BtoA {
		return r.BtoA
	}
	return r.AtoB
}

// Triggered reports whether the current rate satisfies the order. An order
// exactly at its target fires.
func (o LimitOrder) Triggered(r Rates) bool {
	if r.reserveA.IsZero() || r.reserveB.IsZero() {
		return r.For(o.Direction).GreaterThanOrEqual(o.TargetPrice)
	}
	// out/in >= target  <=>  out >= target*in, with no rounding.
	in, out := r.reserveA, r.reserveB
	if o.Direction == BtoA {
		in, out = out, in
	}
	return out.GreaterThanOrEqual(o.TargetPrice.Mul(in))
}

// MinAmountOut returns the slippage floor in base units of the output token:
// amountIn × targetPrice × (1 - bps/10000), rounded down. bps <= 0 disables
// the guard and yields zero.
func (o LimitOrder) MinAmountOut(decimals int32, bps int64) *big.Int {
	if bps <= 0 {
		return new(big.Int)
	}
	keep := decimal.NewFromInt(10000 - bps).Div(decimal.NewFromInt(10000))
	out := o.AmountIn.Mul(o.TargetPrice).Mul(keep).Shift(decimals).Floor()
	if out.IsNegative() {
		return new(big.Int)
	}
	return out.BigInt()
}
