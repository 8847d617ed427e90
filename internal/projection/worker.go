package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/big"
	"time"

	"DefiLedger/internal/core"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/token"
)

// ProjectionWorker maintains the read-side tables under projections.*
// from applied command outputs. The core feeds this worker through a
// non-blocking channel and drops outputs when it is full, so every
// write here must tolerate holes; RebuildProjections repairs them.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// Run consumes outputs until the context is cancelled or the channel
// closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v",
					output.Envelope.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log.
			}
		}
	}
}

// processOutput applies one command's effects in a single transaction:
// journal legs fold into balances, the notification drives the staking
// and pool state tables, and the watermark records progress.
func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := pw.applyJournal(ctx, tx, seq, j); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if output.Notification != nil {
		if err := applyNotification(ctx, tx, seq, output.Notification); err != nil {
			return fmt.Errorf("state projection: %w", err)
		}
		if err := insertNotification(ctx, tx, output.Notification); err != nil {
			return fmt.Errorf("notification row: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if output.Notification != nil {
		updateGauges(pw.metrics, output.Notification)
	}
	pw.metrics.ProjectionUpdateDur.WithLabelValues("live").Observe(time.Since(start).Seconds())
	return nil
}

// applyJournal folds one journal entry into projections.balances. The
// debit account gains the amount, the credit account loses it.
func (pw *ProjectionWorker) applyJournal(ctx context.Context, tx *sql.Tx, seq int64, j token.Journal) error {
	symbol, ok := token.GetAssetName(j.Asset)
	if !ok {
		return fmt.Errorf("unknown asset id %d", j.Asset)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, asset)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.DebitAccount, symbol, j.Amount.String(), seq); err != nil {
		return err
	}

	negated := new(big.Int).Neg(j.Amount)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, asset, balance, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account, asset)
		DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
	`, j.CreditAccount, symbol, negated.String(), seq); err != nil {
		return err
	}

	return nil
}

// RebuildProjections reconstructs every projection table inside one
// transaction: balances re-aggregate from the journal, the staking and
// pool tables load from the supplied core state. Notification rows are
// append-only and keyed by sequence, so they are left in place.
func RebuildProjections(ctx context.Context, db *sql.DB, state *core.SnapshotState) error {
	start := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.staking_accounts`,
		`TRUNCATE projections.liquidity_providers`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Balances: one positive leg per debit, one negative per credit.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, asset, balance, last_sequence)
		SELECT account, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account, asset, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset, -amount, sequence
			FROM event_log.journal
		) legs
		GROUP BY account, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	for _, acct := range state.Staking.Accounts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.staking_accounts
				(account, staked_balance, borrowed_amount, loan_start_time, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
		`, acct.Account, acct.StakedBalance, acct.BorrowedAmount, acct.LoanStartTime, state.Sequence); err != nil {
			return fmt.Errorf("rebuild staking account: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.staking_state
			(id, paused, reward_rate, interest_rate, total_staked, total_borrowed, last_sequence)
		VALUES ('global', $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			paused = $1, reward_rate = $2, interest_rate = $3,
			total_staked = $4, total_borrowed = $5, last_sequence = $6
	`, state.Staking.Paused, state.Staking.RewardRate, state.Staking.InterestRate,
		state.Staking.TotalStaked, state.Staking.TotalBorrowed, state.Sequence); err != nil {
		return fmt.Errorf("rebuild staking state: %w", err)
	}

	reserveA, reserveB := poolReserves(state)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_state
			(id, reserve_a, reserve_b, total_shares, swap_fee, last_sequence)
		VALUES ('global', $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			reserve_a = $1, reserve_b = $2, total_shares = $3,
			swap_fee = $4, last_sequence = $5
	`, reserveA, reserveB, state.Pool.TotalLiquidity, state.Pool.SwapFee, state.Sequence); err != nil {
		return fmt.Errorf("rebuild pool state: %w", err)
	}

	for _, p := range state.Pool.Providers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidity_providers (account, shares, last_sequence)
			VALUES ($1, $2, $3)
		`, p.Account, p.Shares, state.Sequence); err != nil {
			return fmt.Errorf("rebuild liquidity provider: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, state.Sequence); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("INFO: projection rebuild complete seq=%d took=%s",
		state.Sequence, time.Since(start))
	return nil
}

// poolReserves reads the pool account's balances out of the book
// snapshot. The AMM engine holds no reserve state of its own.
func poolReserves(state *core.SnapshotState) (string, string) {
	symbolA, _ := token.GetAssetName(token.AssetPoolA)
	symbolB, _ := token.GetAssetName(token.AssetPoolB)
	reserveA, reserveB := "0", "0"
	for _, b := range state.Book.Balances {
		if b.Account != token.PoolAccount {
			continue
		}
		switch b.Asset {
		case symbolA:
			reserveA = b.Balance
		case symbolB:
			reserveB = b.Balance
		}
	}
	return reserveA, reserveB
}
