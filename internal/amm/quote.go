package amm

import (
	"math/big"

	"DefiLedger/internal/wad"
)

// Pure pricing math, shared by the mutating pool operations and the
// read-only quote paths so both always agree for the same reserves.

// SwapQuote is the full breakdown of a swap at given reserves.
type SwapQuote struct {
	AmountIn    *big.Int
	FeeAmount   *big.Int
	EffectiveIn *big.Int
	AmountOut   *big.Int
}

// QuoteSwap prices amountIn against the constant-product curve. The fee
// comes off the input first; output is floor((in-fee)*Ro / (Ri+in-fee)).
// A drained pool quotes zero out.
func QuoteSwap(amountIn, reserveIn, reserveOut, swapFee *big.Int) SwapQuote {
	feeAmount := wad.Fee(amountIn, swapFee)
	effectiveIn := new(big.Int).Sub(amountIn, feeAmount)
	q := SwapQuote{
		AmountIn:    wad.Clone(amountIn),
		FeeAmount:   feeAmount,
		EffectiveIn: effectiveIn,
		AmountOut:   new(big.Int),
	}
	denom := new(big.Int).Add(reserveIn, effectiveIn)
	if denom.Sign() <= 0 || effectiveIn.Sign() <= 0 {
		return q
	}
	q.AmountOut = wad.MulDiv(effectiveIn, reserveOut, denom)
	return q
}

// RequiredPairedAmount computes the other-side deposit that keeps the
// pool ratio when providing amountIn on the side holding reserveIn.
// An empty pool bootstraps 1:1; a half-empty pool is malformed.
func RequiredPairedAmount(amountIn, reserveIn, reserveOther *big.Int) (*big.Int, error) {
	inZero := reserveIn.Sign() == 0
	otherZero := reserveOther.Sign() == 0
	switch {
	case inZero && otherZero:
		return wad.Clone(amountIn), nil
	case inZero || otherZero:
		return nil, ErrInvalidReserves
	default:
		return wad.MulDiv(amountIn, reserveOther, reserveIn), nil
	}
}

// SharesForProvision computes liquidity shares to mint. The first
// provision seeds sqrt(amountIn*paired); later ones are pro-rata
// against the pre-transfer reserve of the input side.
func SharesForProvision(amountIn, paired, reserveInBefore, totalLiquidity *big.Int) *big.Int {
	if totalLiquidity.Sign() == 0 {
		return wad.Sqrt(new(big.Int).Mul(amountIn, paired))
	}
	return wad.MulDiv(amountIn, totalLiquidity, reserveInBefore)
}

// RedemptionAmounts computes the pro-rata reserves a share burn returns.
func RedemptionAmounts(shareAmount, reserveA, reserveB, totalLiquidity *big.Int) (amountA, amountB *big.Int) {
	amountA = wad.MulDiv(shareAmount, reserveA, totalLiquidity)
	amountB = wad.MulDiv(shareAmount, reserveB, totalLiquidity)
	return amountA, amountB
}

// Prices is the WAD-scaled spot price in each direction.
type Prices struct {
	PriceAInB *big.Int // units of B per unit of A, WAD
	PriceBInA *big.Int // units of A per unit of B, WAD
}

// QuotePrices prices each reserve in terms of the other. Either reserve
// at zero means there is no meaningful price.
func QuotePrices(reserveA, reserveB *big.Int) (Prices, error) {
	if reserveA.Sign() == 0 || reserveB.Sign() == 0 {
		return Prices{}, ErrInvalidReserves
	}
	return Prices{
		PriceAInB: wad.Div(reserveB, reserveA),
		PriceBInA: wad.Div(reserveA, reserveB),
	}, nil
}
