package amm_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/guard"
	"DefiLedger/internal/token"
)

// ============================================================
// Fixtures
// ============================================================

func newTestPool(tb testing.TB) (*amm.Engine, *token.Book) {
	tb.Helper()
	book := token.NewBook()
	engine := amm.NewEngine(amm.Config{
		Ledger:      book,
		AssetA:      token.AssetPoolA,
		AssetB:      token.AssetPoolB,
		PoolAccount: token.PoolAccount,
		SwapFee:     amm.DefaultSwapFee,
	})
	return engine, book
}

func approvePool(tb testing.TB, book *token.Book, account uuid.UUID) {
	tb.Helper()
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)
	for _, asset := range []token.AssetID{token.AssetPoolA, token.AssetPoolB} {
		if err := book.Approve(asset, account, token.PoolAccount, limit); err != nil {
			tb.Fatalf("approve %d: %v", asset, err)
		}
	}
}

func newTrader(tb testing.TB, book *token.Book, amountA, amountB int64) uuid.UUID {
	tb.Helper()
	account := uuid.New()
	if amountA > 0 {
		if err := book.Deposit(token.AssetPoolA, account, big.NewInt(amountA)); err != nil {
			tb.Fatalf("deposit A: %v", err)
		}
	}
	if amountB > 0 {
		if err := book.Deposit(token.AssetPoolB, account, big.NewInt(amountB)); err != nil {
			tb.Fatalf("deposit B: %v", err)
		}
	}
	approvePool(tb, book, account)
	return account
}

func mustProvide(tb testing.TB, engine *amm.Engine, actor uuid.UUID, asset token.AssetID, amount int64) *amm.ProvideResult {
	tb.Helper()
	res, err := engine.ProvideLiquidity(actor, asset, big.NewInt(amount))
	if err != nil {
		tb.Fatalf("provide %d of asset %d: %v", amount, asset, err)
	}
	return res
}

// ============================================================
// Liquidity provision
// ============================================================

func TestProvideLiquidity_BootstrapMintsGeometricMean(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)

	res := mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	if res.PairedAmount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("paired = %s, want 1000", res.PairedAmount)
	}
	if res.SharesMinted.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("shares = %s, want 1000", res.SharesMinted)
	}
	if res.TotalLiquidity.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("total liquidity = %s, want 1000", res.TotalLiquidity)
	}
	if res.ReserveA.Cmp(big.NewInt(1000)) != 0 || res.ReserveB.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("reserves = (%s, %s), want (1000, 1000)", res.ReserveA, res.ReserveB)
	}
	if got := book.BalanceOf(token.AssetPoolA, lp); got.Sign() != 0 {
		t.Fatalf("lp balance A = %s, want 0", got)
	}
	if got := book.BalanceOf(token.AssetPoolB, lp); got.Sign() != 0 {
		t.Fatalf("lp balance B = %s, want 0", got)
	}
	if len(res.Movements) != 2 {
		t.Fatalf("movements = %d, want 2", len(res.Movements))
	}
	for _, m := range res.Movements {
		if m.Kind != token.MovementLiquidityDeposit {
			t.Fatalf("movement kind = %s, want liquidity_deposit", m.Kind)
		}
	}
}

func TestProvideLiquidity_DonationShiftsRatioForNextProvider(t *testing.T) {
	engine, book := newTestPool(t)
	lp1 := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp1, token.AssetPoolA, 1000)

	// A donation straight to the pool account is priced into the live
	// reserves even though no shares were minted for it.
	if err := book.Deposit(token.AssetPoolA, token.PoolAccount, big.NewInt(1000)); err != nil {
		t.Fatalf("donate: %v", err)
	}

	lp2 := newTrader(t, book, 200, 100)
	res := mustProvide(t, engine, lp2, token.AssetPoolA, 200)

	// Reserves were (2000, 1000): paired = 200*1000/2000, shares pro-rata.
	if res.PairedAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("paired = %s, want 100", res.PairedAmount)
	}
	if res.SharesMinted.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("shares = %s, want 100", res.SharesMinted)
	}
	if res.TotalLiquidity.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("total liquidity = %s, want 1100", res.TotalLiquidity)
	}
}

func TestProvideLiquidity_RejectsNonPositiveAmount(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)

	if _, err := engine.ProvideLiquidity(lp, token.AssetPoolA, new(big.Int)); !errors.Is(err, amm.ErrInvalidAmount) {
		t.Fatalf("zero: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := engine.ProvideLiquidity(lp, token.AssetPoolA, nil); !errors.Is(err, amm.ErrInvalidAmount) {
		t.Fatalf("nil: err = %v, want ErrInvalidAmount", err)
	}
}

func TestProvideLiquidity_RejectsForeignAsset(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)

	if _, err := engine.ProvideLiquidity(lp, token.AssetStaking, big.NewInt(100)); !errors.Is(err, amm.ErrInvalidAddress) {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestProvideLiquidity_HalfEmptyPoolRejected(t *testing.T) {
	engine, book := newTestPool(t)
	if err := book.Deposit(token.AssetPoolA, token.PoolAccount, big.NewInt(500)); err != nil {
		t.Fatalf("donate: %v", err)
	}
	lp := newTrader(t, book, 1000, 1000)

	if _, err := engine.ProvideLiquidity(lp, token.AssetPoolA, big.NewInt(100)); !errors.Is(err, amm.ErrInvalidReserves) {
		t.Fatalf("err = %v, want ErrInvalidReserves", err)
	}
	if got := engine.TotalLiquidity(); got.Sign() != 0 {
		t.Fatalf("total liquidity = %s, want 0", got)
	}
}

func TestProvideLiquidity_UnapprovedPullFails(t *testing.T) {
	engine, book := newTestPool(t)
	lp := uuid.New()
	if err := book.Deposit(token.AssetPoolA, lp, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := book.Deposit(token.AssetPoolB, lp, big.NewInt(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	_, err := engine.ProvideLiquidity(lp, token.AssetPoolA, big.NewInt(1000))
	if !errors.Is(err, amm.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if got := book.BalanceOf(token.AssetPoolA, lp); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("lp balance A = %s, want 1000", got)
	}
	if got := engine.TotalLiquidity(); got.Sign() != 0 {
		t.Fatalf("total liquidity = %s, want 0", got)
	}
}

func TestProvideLiquidity_SecondPullFailureRefundsFirst(t *testing.T) {
	book := token.NewBook()
	ledger := &failingLedger{Book: book, failAsset: token.AssetPoolB, failTransferFrom: true}
	engine := amm.NewEngine(amm.Config{
		Ledger:      ledger,
		AssetA:      token.AssetPoolA,
		AssetB:      token.AssetPoolB,
		PoolAccount: token.PoolAccount,
	})
	lp := newTrader(t, book, 1000, 1000)

	_, err := engine.ProvideLiquidity(lp, token.AssetPoolA, big.NewInt(1000))
	if !errors.Is(err, amm.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if got := book.BalanceOf(token.AssetPoolA, lp); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("lp balance A = %s, want 1000 after refund", got)
	}
	if got := book.BalanceOf(token.AssetPoolA, token.PoolAccount); got.Sign() != 0 {
		t.Fatalf("reserve A = %s, want 0 after refund", got)
	}
	if got := engine.TotalLiquidity(); got.Sign() != 0 {
		t.Fatalf("total liquidity = %s, want 0", got)
	}
}

// ============================================================
// Liquidity removal
// ============================================================

func TestRemoveLiquidity_FullBurnReturnsReserves(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	res, err := engine.RemoveLiquidity(lp, big.NewInt(1000))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	if res.AmountA.Cmp(big.NewInt(1000)) != 0 || res.AmountB.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("amounts = (%s, %s), want (1000, 1000)", res.AmountA, res.AmountB)
	}
	if res.TotalLiquidity.Sign() != 0 {
		t.Fatalf("total liquidity = %s, want 0", res.TotalLiquidity)
	}
	if got := book.BalanceOf(token.AssetPoolA, lp); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("lp balance A = %s, want 1000", got)
	}
	if got := book.BalanceOf(token.AssetPoolB, lp); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("lp balance B = %s, want 1000", got)
	}
	if got := engine.SharesOf(lp); got.Sign() != 0 {
		t.Fatalf("shares = %s, want 0", got)
	}
}

func TestRemoveLiquidity_PartialBurnIsProRata(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	res, err := engine.RemoveLiquidity(lp, big.NewInt(250))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	if res.AmountA.Cmp(big.NewInt(250)) != 0 || res.AmountB.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("amounts = (%s, %s), want (250, 250)", res.AmountA, res.AmountB)
	}
	if got := engine.SharesOf(lp); got.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("shares = %s, want 750", got)
	}
	if res.ReserveA.Cmp(big.NewInt(750)) != 0 || res.ReserveB.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("reserves = (%s, %s), want (750, 750)", res.ReserveA, res.ReserveB)
	}
}

func TestRemoveLiquidity_CollectsSwapFees(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	trader := newTrader(t, book, 100, 0)
	if _, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(100), new(big.Int)); err != nil {
		t.Fatalf("swap: %v", err)
	}

	// Reserves moved to (1100, 910); the sole provider redeems it all.
	res, err := engine.RemoveLiquidity(lp, big.NewInt(1000))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if res.AmountA.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("amountA = %s, want 1100", res.AmountA)
	}
	if res.AmountB.Cmp(big.NewInt(910)) != 0 {
		t.Fatalf("amountB = %s, want 910", res.AmountB)
	}
}

func TestRemoveLiquidity_RejectsOverBurn(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	if _, err := engine.RemoveLiquidity(lp, big.NewInt(1001)); !errors.Is(err, amm.ErrInsufficientLiquidity) {
		t.Fatalf("over-burn: err = %v, want ErrInsufficientLiquidity", err)
	}
	if _, err := engine.RemoveLiquidity(uuid.New(), big.NewInt(1)); !errors.Is(err, amm.ErrInsufficientLiquidity) {
		t.Fatalf("stranger: err = %v, want ErrInsufficientLiquidity", err)
	}
}

func TestRemoveLiquidity_RejectsNonPositiveAmount(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	if _, err := engine.RemoveLiquidity(lp, new(big.Int)); !errors.Is(err, amm.ErrInvalidAmount) {
		t.Fatalf("zero: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := engine.RemoveLiquidity(lp, big.NewInt(-5)); !errors.Is(err, amm.ErrInvalidAmount) {
		t.Fatalf("negative: err = %v, want ErrInvalidAmount", err)
	}
}

func TestRemoveLiquidity_SecondLegFailureRestoresEverything(t *testing.T) {
	book := token.NewBook()
	ledger := &failingLedger{Book: book}
	engine := amm.NewEngine(amm.Config{
		Ledger:      ledger,
		AssetA:      token.AssetPoolA,
		AssetB:      token.AssetPoolB,
		PoolAccount: token.PoolAccount,
	})
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	// Fail the asset-B payout after the asset-A payout went through.
	ledger.failAsset = token.AssetPoolB
	ledger.failTransfer = true

	_, err := engine.RemoveLiquidity(lp, big.NewInt(400))
	if !errors.Is(err, amm.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if got := engine.SharesOf(lp); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("shares = %s, want 1000 restored", got)
	}
	if got := engine.TotalLiquidity(); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("total liquidity = %s, want 1000 restored", got)
	}
	if got := book.BalanceOf(token.AssetPoolA, lp); got.Sign() != 0 {
		t.Fatalf("lp balance A = %s, want 0 after reclaim", got)
	}
	if got := book.BalanceOf(token.AssetPoolA, token.PoolAccount); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("reserve A = %s, want 1000 after reclaim", got)
	}
}

// ============================================================
// Swaps
// ============================================================

func TestSwap_HundredAtOnePercentYieldsNinety(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	trader := newTrader(t, book, 100, 0)
	res, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(100), big.NewInt(90))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	if res.FeeAmount.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("fee = %s, want 1", res.FeeAmount)
	}
	if res.AmountOut.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("amount out = %s, want 90", res.AmountOut)
	}
	if res.ReserveA.Cmp(big.NewInt(1100)) != 0 || res.ReserveB.Cmp(big.NewInt(910)) != 0 {
		t.Fatalf("reserves = (%s, %s), want (1100, 910)", res.ReserveA, res.ReserveB)
	}
	if got := book.BalanceOf(token.AssetPoolA, trader); got.Sign() != 0 {
		t.Fatalf("trader balance A = %s, want 0", got)
	}
	if got := book.BalanceOf(token.AssetPoolB, trader); got.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("trader balance B = %s, want 90", got)
	}
	if len(res.Movements) != 2 {
		t.Fatalf("movements = %d, want 2", len(res.Movements))
	}
	if res.Movements[0].Kind != token.MovementSwapIn || res.Movements[1].Kind != token.MovementSwapOut {
		t.Fatalf("movement kinds = %s, %s", res.Movements[0].Kind, res.Movements[1].Kind)
	}
}

func TestSwap_MinimumOutAboveInputRejected(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)
	trader := newTrader(t, book, 100, 0)

	_, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(100), big.NewInt(101))
	if !errors.Is(err, amm.ErrInvalidAmounts) {
		t.Fatalf("err = %v, want ErrInvalidAmounts", err)
	}
}

func TestSwap_SlippageBoundEnforced(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)
	trader := newTrader(t, book, 100, 0)

	// Quote is 90; a bound of 91 passes the sanity check but not the price.
	_, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(100), big.NewInt(91))
	if !errors.Is(err, amm.ErrSlippageExceeded) {
		t.Fatalf("err = %v, want ErrSlippageExceeded", err)
	}
	if got := book.BalanceOf(token.AssetPoolA, trader); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("trader balance A = %s, want 100 untouched", got)
	}
}

func TestSwap_RejectsBadArguments(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)
	trader := newTrader(t, book, 100, 0)

	if _, err := engine.Swap(trader, token.AssetPoolA, new(big.Int), new(big.Int)); !errors.Is(err, amm.ErrInvalidAmount) {
		t.Fatalf("zero in: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(100), big.NewInt(-1)); !errors.Is(err, amm.ErrInvalidAmount) {
		t.Fatalf("negative min: err = %v, want ErrInvalidAmount", err)
	}
	if _, err := engine.Swap(trader, token.AssetReward, big.NewInt(100), new(big.Int)); !errors.Is(err, amm.ErrInvalidAddress) {
		t.Fatalf("foreign asset: err = %v, want ErrInvalidAddress", err)
	}
}

func TestSwap_PushOutFailureRefundsInput(t *testing.T) {
	book := token.NewBook()
	ledger := &failingLedger{Book: book}
	engine := amm.NewEngine(amm.Config{
		Ledger:      ledger,
		AssetA:      token.AssetPoolA,
		AssetB:      token.AssetPoolB,
		PoolAccount: token.PoolAccount,
	})
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	ledger.failAsset = token.AssetPoolB
	ledger.failTransfer = true

	trader := newTrader(t, book, 100, 0)
	_, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(100), new(big.Int))
	if !errors.Is(err, amm.ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	if got := book.BalanceOf(token.AssetPoolA, trader); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("trader balance A = %s, want 100 after refund", got)
	}
	if got := book.BalanceOf(token.AssetPoolA, token.PoolAccount); got.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("reserve A = %s, want 1000 after refund", got)
	}
}

// ============================================================
// Read-only quotes
// ============================================================

func TestGetSwapDetails_MatchesExecution(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 5000, 3000)
	mustProvide(t, engine, lp, token.AssetPoolA, 3000)

	quote, err := engine.GetSwapDetails(token.AssetPoolA, big.NewInt(217))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	trader := newTrader(t, book, 217, 0)
	res, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(217), new(big.Int))
	if err != nil {
		t.Fatalf("swap: %v", err)
	}

	if quote.AmountOut.Cmp(res.AmountOut) != 0 {
		t.Fatalf("quoted out %s != executed out %s", quote.AmountOut, res.AmountOut)
	}
	if quote.FeeAmount.Cmp(res.FeeAmount) != 0 {
		t.Fatalf("quoted fee %s != executed fee %s", quote.FeeAmount, res.FeeAmount)
	}
}

func TestGetRequiredTokenAmount_MatchesProvision(t *testing.T) {
	engine, book := newTestPool(t)
	lp1 := newTrader(t, book, 3000, 1500)
	mustProvide(t, engine, lp1, token.AssetPoolA, 1500)

	required, err := engine.GetRequiredTokenAmount(token.AssetPoolA, big.NewInt(600))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}

	lp2 := newTrader(t, book, 600, 600)
	res := mustProvide(t, engine, lp2, token.AssetPoolA, 600)
	if required.Cmp(res.PairedAmount) != 0 {
		t.Fatalf("quoted paired %s != pulled paired %s", required, res.PairedAmount)
	}
}

func TestGetCurrentPrices_TracksLiveReserves(t *testing.T) {
	engine, book := newTestPool(t)

	if _, err := engine.GetCurrentPrices(); !errors.Is(err, amm.ErrInvalidReserves) {
		t.Fatalf("empty pool: err = %v, want ErrInvalidReserves", err)
	}

	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	prices, err := engine.GetCurrentPrices()
	if err != nil {
		t.Fatalf("prices: %v", err)
	}
	one, _ := new(big.Int).SetString("1000000000000000000", 10)
	if prices.PriceAInB.Cmp(one) != 0 || prices.PriceBInA.Cmp(one) != 0 {
		t.Fatalf("prices = (%s, %s), want (1e18, 1e18)", prices.PriceAInB, prices.PriceBInA)
	}
}

func TestGetSwapDetails_PricesInDonations(t *testing.T) {
	engine, book := newTestPool(t)
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	before, err := engine.GetSwapDetails(token.AssetPoolA, big.NewInt(100))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if before.AmountOut.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("amount out = %s, want 90", before.AmountOut)
	}

	if err := book.Deposit(token.AssetPoolB, token.PoolAccount, big.NewInt(1000)); err != nil {
		t.Fatalf("donate: %v", err)
	}

	// Reserves are now (1000, 2000): out = floor(99*2000/1099) = 180.
	after, err := engine.GetSwapDetails(token.AssetPoolA, big.NewInt(100))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if after.AmountOut.Cmp(big.NewInt(180)) != 0 {
		t.Fatalf("amount out = %s, want 180", after.AmountOut)
	}
}

// ============================================================
// Re-entrancy
// ============================================================

// reentrantPoolLedger calls back into the engine mid-transfer once,
// imitating a token contract that hijacks control flow.
type reentrantPoolLedger struct {
	*token.Book
	engine    *amm.Engine
	actor     uuid.UUID
	armed     bool
	nestedErr error
}

func (r *reentrantPoolLedger) TransferFrom(asset token.AssetID, spender, owner, to uuid.UUID, amount *big.Int) error {
	if r.armed {
		r.armed = false
		_, r.nestedErr = r.engine.Swap(r.actor, token.AssetPoolA, big.NewInt(10), new(big.Int))
		return errors.New("token contract reverted")
	}
	return r.Book.TransferFrom(asset, spender, owner, to, amount)
}

func TestReentrancy_NestedSwapFailsAndOuterRollsBack(t *testing.T) {
	book := token.NewBook()
	ledger := &reentrantPoolLedger{Book: book}
	engine := amm.NewEngine(amm.Config{
		Ledger:      ledger,
		AssetA:      token.AssetPoolA,
		AssetB:      token.AssetPoolB,
		PoolAccount: token.PoolAccount,
	})
	lp := newTrader(t, book, 1000, 1000)
	mustProvide(t, engine, lp, token.AssetPoolA, 1000)

	trader := newTrader(t, book, 100, 0)
	ledger.engine = engine
	ledger.actor = trader
	ledger.armed = true

	_, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(100), new(big.Int))
	if !errors.Is(err, amm.ErrTransferFailed) {
		t.Fatalf("outer err = %v, want ErrTransferFailed", err)
	}
	if !errors.Is(ledger.nestedErr, guard.ErrReentrantCall) {
		t.Fatalf("nested err = %v, want ErrReentrantCall", ledger.nestedErr)
	}
	if got := book.BalanceOf(token.AssetPoolA, trader); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("trader balance A = %s, want 100 untouched", got)
	}

	// The guard releases on exit; a clean retry succeeds.
	res, err := engine.Swap(trader, token.AssetPoolA, big.NewInt(100), new(big.Int))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.AmountOut.Cmp(big.NewInt(90)) != 0 {
		t.Fatalf("retry amount out = %s, want 90", res.AmountOut)
	}
}

// ============================================================
// Snapshots
// ============================================================

func TestEngineSnapshot_RestoreRoundTrip(t *testing.T) {
	engine, book := newTestPool(t)
	lp1 := newTrader(t, book, 1000, 1000)
	lp2 := newTrader(t, book, 500, 500)
	mustProvide(t, engine, lp1, token.AssetPoolA, 1000)
	mustProvide(t, engine, lp2, token.AssetPoolA, 500)

	snap := engine.Snapshot()
	if len(snap.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(snap.Providers))
	}
	for i := 1; i < len(snap.Providers); i++ {
		if snap.Providers[i-1].Account.String() >= snap.Providers[i].Account.String() {
			t.Fatalf("providers not sorted: %s before %s",
				snap.Providers[i-1].Account, snap.Providers[i].Account)
		}
	}

	restored := amm.NewEngine(amm.Config{
		Ledger:      book,
		AssetA:      token.AssetPoolA,
		AssetB:      token.AssetPoolB,
		PoolAccount: token.PoolAccount,
	})
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.TotalLiquidity().Cmp(engine.TotalLiquidity()) != 0 {
		t.Fatalf("total liquidity = %s, want %s", restored.TotalLiquidity(), engine.TotalLiquidity())
	}
	if restored.SharesOf(lp2).Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("lp2 shares = %s, want 500", restored.SharesOf(lp2))
	}
	if restored.SwapFee().Cmp(engine.SwapFee()) != 0 {
		t.Fatalf("swap fee = %s, want %s", restored.SwapFee(), engine.SwapFee())
	}
}

// ============================================================
// Test ledger that fails selected movements
// ============================================================

type failingLedger struct {
	*token.Book
	failAsset        token.AssetID
	failTransfer     bool
	failTransferFrom bool
}

func (f *failingLedger) Transfer(asset token.AssetID, from, to uuid.UUID, amount *big.Int) error {
	if f.failTransfer && asset == f.failAsset {
		return errors.New("ledger offline")
	}
	return f.Book.Transfer(asset, from, to, amount)
}

func (f *failingLedger) TransferFrom(asset token.AssetID, spender, owner, to uuid.UUID, amount *big.Int) error {
	if f.failTransferFrom && asset == f.failAsset {
		return errors.New("ledger offline")
	}
	return f.Book.TransferFrom(asset, spender, owner, to, amount)
}
