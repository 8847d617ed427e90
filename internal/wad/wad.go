package wad

import (
	"fmt"
	"math/big"
)

// Token amounts, shares, and rates are raw integer units carried in
// *big.Int. Ratios use WAD fixed point where 1.0 == 1e18. Swap fees use
// a 1e20 denominator so a fee of 1e18 charges one percent of the input.
var (
	// Scale is the WAD unit.
	Scale = mustBigInt("1000000000000000000")
	// FeeDenominator turns a WAD-scaled fee into a fraction of the input.
	FeeDenominator = mustBigInt("100000000000000000000")
)

const (
	// SecondsPerYear is the simple-interest year used by the loan ledger.
	SecondsPerYear int64 = 31_536_000

	// LoanTimeQuantum floors loan age to 20-second boundaries so interest
	// sampled within the same boundary is identical.
	LoanTimeQuantum int64 = 20
)

func mustBigInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(fmt.Sprintf("wad: invalid integer literal %q", s))
	}
	return v
}

// MulDiv returns floor(a*b/den). den must be positive.
func MulDiv(a, b, den *big.Int) *big.Int {
	if den.Sign() <= 0 {
		panic("wad: MulDiv with non-positive denominator")
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// Mul returns floor(a*b/1e18).
func Mul(a, b *big.Int) *big.Int {
	return MulDiv(a, b, Scale)
}

// Div returns floor(a*1e18/b). b must be positive.
func Div(a, b *big.Int) *big.Int {
	return MulDiv(a, Scale, b)
}

// Fee returns floor(amount*fee/1e20), the portion of amount taken by a
// WAD-scaled fee.
func Fee(amount, fee *big.Int) *big.Int {
	return MulDiv(amount, fee, FeeDenominator)
}

// Sqrt returns floor(sqrt(x)). x must not be negative.
func Sqrt(x *big.Int) *big.Int {
	if x.Sign() < 0 {
		panic("wad: Sqrt of negative value")
	}
	return new(big.Int).Sqrt(x)
}

// FloorToQuantum rounds seconds down to the nearest LoanTimeQuantum
// boundary. Negative inputs clamp to zero.
func FloorToQuantum(seconds int64) int64 {
	if seconds <= 0 {
		return 0
	}
	return seconds - seconds%LoanTimeQuantum
}

// Clone returns a defensive copy of v. Nil is treated as zero.
func Clone(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// IsZeroOrNil reports whether v is nil or has zero value.
func IsZeroOrNil(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
