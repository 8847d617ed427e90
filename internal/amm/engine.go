package amm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"DefiLedger/internal/guard"
	"DefiLedger/internal/token"
	"DefiLedger/internal/wad"
)

var (
	// ErrInvalidAmount rejects zero or negative token amounts.
	ErrInvalidAmount = errors.New("amm engine: amount must be positive")
	// ErrInvalidAmounts rejects a minimum-out bound above the input amount.
	ErrInvalidAmounts = errors.New("amm engine: minimum out exceeds amount in")
	// ErrInvalidAddress rejects an asset that is not one of the pair.
	ErrInvalidAddress = errors.New("amm engine: token not in pair")
	// ErrInvalidReserves signals a half-empty pool that cannot be priced.
	ErrInvalidReserves = errors.New("amm engine: reserves in malformed state")
	// ErrInsufficientLiquidity rejects burning more shares than held.
	ErrInsufficientLiquidity = errors.New("amm engine: share balance too low")
	// ErrSlippageExceeded rejects a swap whose output falls below the minimum.
	ErrSlippageExceeded = errors.New("amm engine: output below minimum")
	// ErrTransferFailed wraps a token movement the ledger refused.
	ErrTransferFailed = errors.New("amm engine: token transfer failed")
)

// DefaultSwapFee is 1% under the 1e20-denominator fee convention.
var DefaultSwapFee = big.NewInt(1_000_000_000_000_000_000)

// Config wires an Engine to its collaborators.
type Config struct {
	Ledger      token.Ledger
	AssetA      token.AssetID
	AssetB      token.AssetID
	PoolAccount uuid.UUID
	SwapFee     *big.Int
}

// Engine is a constant-product market maker over a single token pair.
// It owns only the share accounting; reserves are always read live from
// the token ledger's pool account so external deposits are priced in.
// Methods are not safe for concurrent use: the core serializes commands
// and the guard turns any re-entrant call into a hard error.
type Engine struct {
	ledger      token.Ledger
	assetA      token.AssetID
	assetB      token.AssetID
	poolAccount uuid.UUID
	swapFee     *big.Int

	guard guard.Guard

	totalLiquidity *big.Int
	shares         map[uuid.UUID]*big.Int
}

// NewEngine builds a pool engine from cfg, falling back to the default
// fee when none is set.
func NewEngine(cfg Config) *Engine {
	fee := cfg.SwapFee
	if fee == nil || fee.Sign() < 0 {
		fee = DefaultSwapFee
	}
	return &Engine{
		ledger:         cfg.Ledger,
		assetA:         cfg.AssetA,
		assetB:         cfg.AssetB,
		poolAccount:    cfg.PoolAccount,
		swapFee:        wad.Clone(fee),
		totalLiquidity: new(big.Int),
		shares:         make(map[uuid.UUID]*big.Int),
	}
}

func (e *Engine) pairedAsset(asset token.AssetID) (token.AssetID, bool) {
	switch asset {
	case e.assetA:
		return e.assetB, true
	case e.assetB:
		return e.assetA, true
	default:
		return 0, false
	}
}

func (e *Engine) reserve(asset token.AssetID) *big.Int {
	return e.ledger.BalanceOf(asset, e.poolAccount)
}

// Reserves reads both live reserves from the ledger.
func (e *Engine) Reserves() (reserveA, reserveB *big.Int) {
	return e.reserve(e.assetA), e.reserve(e.assetB)
}

// ProvideLiquidity deposits amountIn of tokenIn plus the ratio-keeping
// amount of the paired asset, minting shares against the pre-transfer
// reserves. Both pulls must succeed; a failed second pull refunds the
// first before the operation reports failure.
func (e *Engine) ProvideLiquidity(actor uuid.UUID, tokenIn token.AssetID, amountIn *big.Int) (*ProvideResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()

	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	pairedAsset, ok := e.pairedAsset(tokenIn)
	if !ok {
		return nil, ErrInvalidAddress
	}

	reserveIn := e.reserve(tokenIn)
	reserveOther := e.reserve(pairedAsset)
	paired, err := RequiredPairedAmount(amountIn, reserveIn, reserveOther)
	if err != nil {
		return nil, err
	}
	minted := SharesForProvision(amountIn, paired, reserveIn, e.totalLiquidity)

	if err := e.ledger.TransferFrom(tokenIn, e.poolAccount, actor, e.poolAccount, amountIn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	movements := []token.Movement{{
		Kind:   token.MovementLiquidityDeposit,
		Asset:  tokenIn,
		From:   actor,
		To:     e.poolAccount,
		Amount: wad.Clone(amountIn),
	}}
	if paired.Sign() > 0 {
		if err := e.ledger.TransferFrom(pairedAsset, e.poolAccount, actor, e.poolAccount, paired); err != nil {
			if refundErr := e.ledger.Transfer(tokenIn, e.poolAccount, actor, amountIn); refundErr != nil {
				return nil, fmt.Errorf("%w: %v (refund also failed: %v)", ErrTransferFailed, err, refundErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		movements = append(movements, token.Movement{
			Kind:   token.MovementLiquidityDeposit,
			Asset:  pairedAsset,
			From:   actor,
			To:     e.poolAccount,
			Amount: wad.Clone(paired),
		})
	}

	e.totalLiquidity = new(big.Int).Add(e.totalLiquidity, minted)
	current := e.shares[actor]
	if current == nil {
		current = new(big.Int)
	}
	e.shares[actor] = new(big.Int).Add(current, minted)

	reserveA, reserveB := e.Reserves()
	return &ProvideResult{
		Account:        actor,
		TokenIn:        tokenIn,
		AmountIn:       wad.Clone(amountIn),
		PairedAsset:    pairedAsset,
		PairedAmount:   paired,
		SharesMinted:   minted,
		TotalLiquidity: wad.Clone(e.totalLiquidity),
		ReserveA:       reserveA,
		ReserveB:       reserveB,
		Movements:      movements,
	}, nil
}

// RemoveLiquidity burns shareAmount of the caller's shares and pays out
// the pro-rata slice of both live reserves. The burn is committed before
// the payouts and restored in full if either payout fails; a paid first
// leg is reclaimed so the pool never loses reserves on a failed burn.
func (e *Engine) RemoveLiquidity(actor uuid.UUID, shareAmount *big.Int) (*RemoveResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()

	if shareAmount == nil || shareAmount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	held := e.shares[actor]
	if held == nil || held.Cmp(shareAmount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	reserveA := e.reserve(e.assetA)
	reserveB := e.reserve(e.assetB)
	amountA, amountB := RedemptionAmounts(shareAmount, reserveA, reserveB, e.totalLiquidity)

	remaining := new(big.Int).Sub(held, shareAmount)
	if remaining.Sign() == 0 {
		delete(e.shares, actor)
	} else {
		e.shares[actor] = remaining
	}
	e.totalLiquidity = new(big.Int).Sub(e.totalLiquidity, shareAmount)

	restore := func() {
		e.shares[actor] = wad.Clone(held)
		e.totalLiquidity = new(big.Int).Add(e.totalLiquidity, shareAmount)
	}

	var movements []token.Movement
	if amountA.Sign() > 0 {
		if err := e.ledger.Transfer(e.assetA, e.poolAccount, actor, amountA); err != nil {
			restore()
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		movements = append(movements, token.Movement{
			Kind:   token.MovementLiquidityWithdrawal,
			Asset:  e.assetA,
			From:   e.poolAccount,
			To:     actor,
			Amount: wad.Clone(amountA),
		})
	}
	if amountB.Sign() > 0 {
		if err := e.ledger.Transfer(e.assetB, e.poolAccount, actor, amountB); err != nil {
			restore()
			// Reclaim the already-paid first leg so reserves match shares.
			if amountA.Sign() > 0 {
				if reclaimErr := e.ledger.Transfer(e.assetA, actor, e.poolAccount, amountA); reclaimErr != nil {
					return nil, fmt.Errorf("%w: %v (reclaim also failed: %v)", ErrTransferFailed, err, reclaimErr)
				}
			}
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		movements = append(movements, token.Movement{
			Kind:   token.MovementLiquidityWithdrawal,
			Asset:  e.assetB,
			From:   e.poolAccount,
			To:     actor,
			Amount: wad.Clone(amountB),
		})
	}

	liveA, liveB := e.Reserves()
	return &RemoveResult{
		Account:        actor,
		SharesBurned:   wad.Clone(shareAmount),
		AmountA:        amountA,
		AmountB:        amountB,
		TotalLiquidity: wad.Clone(e.totalLiquidity),
		ReserveA:       liveA,
		ReserveB:       liveB,
		Movements:      movements,
	}, nil
}

// Swap trades amountIn of tokenIn for the paired asset at the
// constant-product price, after fee. Reserves are snapshotted before the
// input pull so the trade prices against the pool as the caller saw it.
// minAmountOut is a sanity bound and must not exceed amountIn.
func (e *Engine) Swap(actor uuid.UUID, tokenIn token.AssetID, amountIn, minAmountOut *big.Int) (*SwapResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()

	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	tokenOut, ok := e.pairedAsset(tokenIn)
	if !ok {
		return nil, ErrInvalidAddress
	}
	minOut := minAmountOut
	if minOut == nil {
		minOut = new(big.Int)
	}
	if minOut.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	if minOut.Cmp(amountIn) > 0 {
		return nil, ErrInvalidAmounts
	}

	reserveIn := e.reserve(tokenIn)
	reserveOut := e.reserve(tokenOut)
	q := QuoteSwap(amountIn, reserveIn, reserveOut, e.swapFee)
	if q.AmountOut.Cmp(minOut) < 0 {
		return nil, ErrSlippageExceeded
	}

	if err := e.ledger.TransferFrom(tokenIn, e.poolAccount, actor, e.poolAccount, amountIn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	movements := []token.Movement{{
		Kind:   token.MovementSwapIn,
		Asset:  tokenIn,
		From:   actor,
		To:     e.poolAccount,
		Amount: wad.Clone(amountIn),
	}}
	if q.AmountOut.Sign() > 0 {
		if err := e.ledger.Transfer(tokenOut, e.poolAccount, actor, q.AmountOut); err != nil {
			if refundErr := e.ledger.Transfer(tokenIn, e.poolAccount, actor, amountIn); refundErr != nil {
				return nil, fmt.Errorf("%w: %v (refund also failed: %v)", ErrTransferFailed, err, refundErr)
			}
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		movements = append(movements, token.Movement{
			Kind:   token.MovementSwapOut,
			Asset:  tokenOut,
			From:   e.poolAccount,
			To:     actor,
			Amount: wad.Clone(q.AmountOut),
		})
	}

	reserveA, reserveB := e.Reserves()
	return &SwapResult{
		Account:   actor,
		TokenIn:   tokenIn,
		TokenOut:  tokenOut,
		AmountIn:  wad.Clone(amountIn),
		FeeAmount: q.FeeAmount,
		AmountOut: q.AmountOut,
		ReserveA:  reserveA,
		ReserveB:  reserveB,
		Movements: movements,
	}, nil
}

// GetSwapDetails quotes a swap against live reserves without executing
// it. The quote matches what Swap would produce for the same reserves.
func (e *Engine) GetSwapDetails(tokenIn token.AssetID, amountIn *big.Int) (SwapQuote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return SwapQuote{}, ErrInvalidAmount
	}
	tokenOut, ok := e.pairedAsset(tokenIn)
	if !ok {
		return SwapQuote{}, ErrInvalidAddress
	}
	return QuoteSwap(amountIn, e.reserve(tokenIn), e.reserve(tokenOut), e.swapFee), nil
}

// GetRequiredTokenAmount quotes the paired deposit a provision of
// amountIn on the tokenIn side would require.
func (e *Engine) GetRequiredTokenAmount(tokenIn token.AssetID, amountIn *big.Int) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	pairedAsset, ok := e.pairedAsset(tokenIn)
	if !ok {
		return nil, ErrInvalidAddress
	}
	return RequiredPairedAmount(amountIn, e.reserve(tokenIn), e.reserve(pairedAsset))
}

// GetCurrentPrices quotes the WAD spot price in both directions.
func (e *Engine) GetCurrentPrices() (Prices, error) {
	return QuotePrices(e.reserve(e.assetA), e.reserve(e.assetB))
}

// SwapFee returns the configured fee under the 1e20 convention.
func (e *Engine) SwapFee() *big.Int {
	return wad.Clone(e.swapFee)
}

// TotalLiquidity returns the outstanding share supply.
func (e *Engine) TotalLiquidity() *big.Int {
	return wad.Clone(e.totalLiquidity)
}

// SharesOf returns the share balance held by account.
func (e *Engine) SharesOf(account uuid.UUID) *big.Int {
	return wad.Clone(e.shares[account])
}

// AssetA returns the pair's first asset.
func (e *Engine) AssetA() token.AssetID { return e.assetA }

// AssetB returns the pair's second asset.
func (e *Engine) AssetB() token.AssetID { return e.assetB }

// PoolAccount returns the ledger account holding the reserves.
func (e *Engine) PoolAccount() uuid.UUID { return e.poolAccount }

// Snapshot captures the share accounting in deterministic order.
func (e *Engine) Snapshot() EngineSnapshot {
	snap := EngineSnapshot{
		SwapFee:        e.swapFee.String(),
		TotalLiquidity: e.totalLiquidity.String(),
		Providers:      make([]ProviderSnapshot, 0, len(e.shares)),
	}
	for account, shares := range e.shares {
		if shares.Sign() == 0 {
			continue
		}
		snap.Providers = append(snap.Providers, ProviderSnapshot{
			Account: account,
			Shares:  shares.String(),
		})
	}
	sortProviderSnapshots(snap.Providers)
	return snap
}

// Restore replaces the share accounting with snap's contents.
func (e *Engine) Restore(snap EngineSnapshot) error {
	swapFee, err := parseSnapshotInt("swap_fee", snap.SwapFee)
	if err != nil {
		return err
	}
	totalLiquidity, err := parseSnapshotInt("total_liquidity", snap.TotalLiquidity)
	if err != nil {
		return err
	}
	shares := make(map[uuid.UUID]*big.Int, len(snap.Providers))
	for _, provider := range snap.Providers {
		held, err := parseSnapshotInt("shares", provider.Shares)
		if err != nil {
			return err
		}
		shares[provider.Account] = held
	}
	e.swapFee = swapFee
	e.totalLiquidity = totalLiquidity
	e.shares = shares
	return nil
}
