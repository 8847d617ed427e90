package query

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/core"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/token"
)

var (
	ErrUnknownToken = errors.New("query: token is not in the pool pair")
	ErrInvalidInput = errors.New("query: invalid input")
)

// QueryService serves reads from the projection tables and the event
// log. Every response carries as_of_sequence: the projection watermark
// at read time, which trails the core by however far the projection
// worker is behind.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		db:      db,
		metrics: metrics,
		logger:  observability.NewLogger("query"),
	}
}

// GetBalances returns every asset balance held by an account.
func (qs *QueryService) GetBalances(ctx context.Context, account uuid.UUID) (entries []BalanceEntry, err error) {
	defer qs.track("balances", time.Now(), &err)

	asOf, err := qs.watermark(ctx, "balances")
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, balance
		FROM projections.balances
		WHERE account = $1
		ORDER BY asset
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		e := BalanceEntry{Account: account, AsOfSequence: asOf}
		if err := rows.Scan(&e.Asset, &e.Balance); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetStakeAccount returns a user's staking position. Accounts that
// never staked read as all zeros, matching the engine's view.
func (qs *QueryService) GetStakeAccount(ctx context.Context, account uuid.UUID) (resp *StakeAccountResponse, err error) {
	defer qs.track("stake_account", time.Now(), &err)

	asOf, err := qs.watermark(ctx, "stake_account")
	if err != nil {
		return nil, err
	}

	resp = &StakeAccountResponse{
		Account:        account,
		StakedBalance:  "0",
		BorrowedAmount: "0",
		AsOfSequence:   asOf,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT staked_balance, borrowed_amount, loan_start_time
		FROM projections.staking_accounts
		WHERE account = $1
	`, account).Scan(&resp.StakedBalance, &resp.BorrowedAmount, &resp.LoanStartTime)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetStakingState returns the pool-wide staking aggregates.
func (qs *QueryService) GetStakingState(ctx context.Context) (resp *StakingStateResponse, err error) {
	defer qs.track("staking_state", time.Now(), &err)

	asOf, err := qs.watermark(ctx, "staking_state")
	if err != nil {
		return nil, err
	}

	resp = &StakingStateResponse{AsOfSequence: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT paused, reward_rate, interest_rate, total_staked, total_borrowed
		FROM projections.staking_state
		WHERE id = 'global'
	`).Scan(&resp.Paused, &resp.RewardRate, &resp.InterestRate,
		&resp.TotalStaked, &resp.TotalBorrowed)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetPool returns reserves, shares, fee and derived spot prices.
func (qs *QueryService) GetPool(ctx context.Context) (resp *PoolResponse, err error) {
	defer qs.track("pool", time.Now(), &err)
	return qs.readPool(ctx, "pool")
}

func (qs *QueryService) readPool(ctx context.Context, endpoint string) (*PoolResponse, error) {
	asOf, err := qs.watermark(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	symbolA, _ := token.GetAssetName(token.AssetPoolA)
	symbolB, _ := token.GetAssetName(token.AssetPoolB)
	resp := &PoolResponse{
		AssetA:       symbolA,
		AssetB:       symbolB,
		PriceAInB:    "0",
		PriceBInA:    "0",
		AsOfSequence: asOf,
	}
	err = qs.db.QueryRowContext(ctx, `
		SELECT reserve_a, reserve_b, total_shares, swap_fee
		FROM projections.pool_state
		WHERE id = 'global'
	`).Scan(&resp.ReserveA, &resp.ReserveB, &resp.TotalShares, &resp.SwapFee)
	if err != nil {
		return nil, err
	}

	reserveA, okA := new(big.Int).SetString(resp.ReserveA, 10)
	reserveB, okB := new(big.Int).SetString(resp.ReserveB, 10)
	if !okA || !okB {
		return nil, fmt.Errorf("malformed pool reserves %q/%q", resp.ReserveA, resp.ReserveB)
	}
	if prices, err := amm.QuotePrices(reserveA, reserveB); err == nil {
		resp.PriceAInB = prices.PriceAInB.String()
		resp.PriceBInA = prices.PriceBInA.String()
	}
	return resp, nil
}

// GetPrices returns the WAD spot prices for the pair, failing on a
// half-empty pool the same way the engine does.
func (qs *QueryService) GetPrices(ctx context.Context) (resp *PricesResponse, err error) {
	defer qs.track("prices", time.Now(), &err)

	pool, err := qs.readPool(ctx, "prices")
	if err != nil {
		return nil, err
	}
	reserveA, _ := new(big.Int).SetString(pool.ReserveA, 10)
	reserveB, _ := new(big.Int).SetString(pool.ReserveB, 10)
	prices, err := amm.QuotePrices(reserveA, reserveB)
	if err != nil {
		return nil, err
	}
	return &PricesResponse{
		AssetA:       pool.AssetA,
		AssetB:       pool.AssetB,
		PriceAInB:    prices.PriceAInB.String(),
		PriceBInA:    prices.PriceBInA.String(),
		AsOfSequence: pool.AsOfSequence,
	}, nil
}

// QuoteSwap prices a swap against current projected reserves using the
// same math the core applies, so a quote taken at the watermark matches
// the eventual execution unless the pool moves in between.
func (qs *QueryService) QuoteSwap(ctx context.Context, tokenIn string, amountIn *big.Int) (resp *SwapQuoteResponse, err error) {
	defer qs.track("quote_swap", time.Now(), &err)

	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount_in must be positive", ErrInvalidInput)
	}

	pool, err := qs.readPool(ctx, "quote_swap")
	if err != nil {
		return nil, err
	}

	reserveA, _ := new(big.Int).SetString(pool.ReserveA, 10)
	reserveB, _ := new(big.Int).SetString(pool.ReserveB, 10)
	swapFee, ok := new(big.Int).SetString(pool.SwapFee, 10)
	if !ok {
		return nil, fmt.Errorf("malformed swap fee %q", pool.SwapFee)
	}

	var reserveIn, reserveOut *big.Int
	var tokenOut string
	switch tokenIn {
	case pool.AssetA:
		reserveIn, reserveOut, tokenOut = reserveA, reserveB, pool.AssetB
	case pool.AssetB:
		reserveIn, reserveOut, tokenOut = reserveB, reserveA, pool.AssetA
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenIn)
	}

	quote := amm.QuoteSwap(amountIn, reserveIn, reserveOut, swapFee)
	return &SwapQuoteResponse{
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     quote.AmountIn.String(),
		FeeAmount:    quote.FeeAmount.String(),
		AmountOut:    quote.AmountOut.String(),
		AsOfSequence: pool.AsOfSequence,
	}, nil
}

// QuoteLiquidity computes the paired deposit a provision of amountIn
// would require at current projected reserves.
func (qs *QueryService) QuoteLiquidity(ctx context.Context, tokenIn string, amountIn *big.Int) (resp *LiquidityQuoteResponse, err error) {
	defer qs.track("quote_liquidity", time.Now(), &err)

	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount_in must be positive", ErrInvalidInput)
	}

	pool, err := qs.readPool(ctx, "quote_liquidity")
	if err != nil {
		return nil, err
	}

	reserveA, _ := new(big.Int).SetString(pool.ReserveA, 10)
	reserveB, _ := new(big.Int).SetString(pool.ReserveB, 10)

	var reserveIn, reserveOther *big.Int
	var pairedToken string
	switch tokenIn {
	case pool.AssetA:
		reserveIn, reserveOther, pairedToken = reserveA, reserveB, pool.AssetB
	case pool.AssetB:
		reserveIn, reserveOther, pairedToken = reserveB, reserveA, pool.AssetA
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenIn)
	}

	paired, err := amm.RequiredPairedAmount(amountIn, reserveIn, reserveOther)
	if err != nil {
		return nil, err
	}
	return &LiquidityQuoteResponse{
		TokenIn:      tokenIn,
		AmountIn:     amountIn.String(),
		PairedToken:  pairedToken,
		PairedAmount: paired.String(),
		AsOfSequence: pool.AsOfSequence,
	}, nil
}

// GetLiquidityProvider returns one provider's share position.
func (qs *QueryService) GetLiquidityProvider(ctx context.Context, account uuid.UUID) (resp *ProviderResponse, err error) {
	defer qs.track("liquidity_provider", time.Now(), &err)

	asOf, err := qs.watermark(ctx, "liquidity_provider")
	if err != nil {
		return nil, err
	}

	resp = &ProviderResponse{Account: account, Shares: "0", AsOfSequence: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT shares FROM projections.liquidity_providers WHERE account = $1
	`, account).Scan(&resp.Shares)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetHistory returns applied commands newest-first with cursor-based
// pagination: pass the last sequence seen to fetch the page before it.
// account and kind filters are optional.
func (qs *QueryService) GetHistory(ctx context.Context, account *uuid.UUID, kind *string, limit int, beforeSequence *int64) (entries []HistoryEntry, err error) {
	defer qs.track("history", time.Now(), &err)

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	q := `
		SELECT sequence, kind, command_id, account, timestamp, fields
		FROM projections.notifications
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if account != nil {
		q += fmt.Sprintf(" AND account = $%d", argIdx)
		args = append(args, *account)
		argIdx++
	}
	if kind != nil {
		q += fmt.Sprintf(" AND kind = $%d", argIdx)
		args = append(args, *kind)
		argIdx++
	}
	if beforeSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	q += " ORDER BY sequence DESC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e HistoryEntry
		var acct sql.NullString
		var fields []byte
		if err := rows.Scan(&e.Sequence, &e.Kind, &e.CommandID, &acct, &e.Timestamp, &fields); err != nil {
			return nil, err
		}
		if acct.Valid {
			e.Account = acct.String
		}
		if err := json.Unmarshal(fields, &e.Fields); err != nil {
			return nil, fmt.Errorf("notification fields at seq %d: %w", e.Sequence, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain and the zero-sum invariant
// without touching the core: the genesis anchor, every prev_hash link,
// and the per-asset balance sums must all hold.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.track("verify_integrity", time.Now(), &err)

	report = &IntegrityReport{LastSequence: -1}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM event_log.events
	`).Scan(&report.LastSequence)
	if err != nil {
		return nil, err
	}

	// Genesis anchor: row 0 must link back to the seed hash.
	var prevHash0 []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT prev_hash FROM event_log.events WHERE sequence = 0
	`).Scan(&prevHash0)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil {
		genesis := sha256.Sum256([]byte(core.GenesisHashSeed))
		if !bytes.Equal(prevHash0, genesis[:]) {
			report.HashChainBreaks = append(report.HashChainBreaks, 0)
		}
	}

	// Chain continuity: each row's prev_hash must equal the previous
	// row's state_hash. A missing previous row is itself a break.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0
		  AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Zero-sum: external accounts absorb deposits, so every asset's
	// balances sum to exactly zero.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var ub UnbalancedAsset
		if err := balanceRows.Scan(&ub.Asset, &ub.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, ub)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

// watermark reads the projection progress marker and feeds the
// freshness histogram. An absent row reads as sequence 0: projections
// have not caught up to anything yet.
func (qs *QueryService) watermark(ctx context.Context, endpoint string) (int64, error) {
	var seq int64
	var updatedAt time.Time
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence, updated_at FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq, &updatedAt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	qs.metrics.QueryFreshnessLag.WithLabelValues(endpoint).Observe(time.Since(updatedAt).Seconds())
	return seq, nil
}

func (qs *QueryService) track(endpoint string, start time.Time, errp *error) {
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	status := "ok"
	if *errp != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, errCode(*errp)).Inc()
		qs.logger.Error().Err(*errp).Str("endpoint", endpoint).Msg("query failed")
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
}

func errCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownToken), errors.Is(err, ErrInvalidInput),
		errors.Is(err, amm.ErrInvalidReserves):
		return "invalid"
	default:
		return "db"
	}
}
