package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"

	"DefiLedger/internal/core"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/token"
)

// applyNotification folds one notification into the staking and pool
// state tables. Balance effects arrive separately through journal legs,
// so only the engine-level aggregates are written here. Field values
// are decimal strings produced by the core; Postgres coerces them into
// the NUMERIC columns.
func applyNotification(ctx context.Context, tx *sql.Tx, seq int64, n *core.Notification) error {
	f := n.Fields

	switch n.Kind {
	case core.NoteStaked, core.NoteWithdrawn:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.staking_accounts (account, staked_balance, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (account)
			DO UPDATE SET staked_balance = $2, last_sequence = $3
		`, f["account"], f["staked_balance"], seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.staking_state
			SET total_staked = $1, last_sequence = $2
			WHERE id = 'global'
		`, f["total_staked"], seq)
		return err

	case core.NoteLoanTaken:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.staking_accounts (account, borrowed_amount, loan_start_time, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account)
			DO UPDATE SET borrowed_amount = $2, loan_start_time = $3, last_sequence = $4
		`, f["account"], f["borrowed_amount"], f["loan_start_time"], seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.staking_state
			SET total_borrowed = $1, last_sequence = $2
			WHERE id = 'global'
		`, f["total_borrowed"], seq)
		return err

	case core.NoteLoanRepaid:
		if f["fully_repaid"] == "true" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.staking_accounts (account, borrowed_amount, loan_start_time, last_sequence)
				VALUES ($1, $2, 0, $3)
				ON CONFLICT (account)
				DO UPDATE SET borrowed_amount = $2, loan_start_time = 0, last_sequence = $3
			`, f["account"], f["borrowed_amount"], seq); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO projections.staking_accounts (account, borrowed_amount, last_sequence)
				VALUES ($1, $2, $3)
				ON CONFLICT (account)
				DO UPDATE SET borrowed_amount = $2, last_sequence = $3
			`, f["account"], f["borrowed_amount"], seq); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.staking_state
			SET total_borrowed = $1, last_sequence = $2
			WHERE id = 'global'
		`, f["total_borrowed"], seq)
		return err

	case core.NoteEmergencyWithdrawn:
		// The account exits entirely; any open loan was written off.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.staking_accounts (account, staked_balance, borrowed_amount, loan_start_time, last_sequence)
			VALUES ($1, 0, 0, 0, $2)
			ON CONFLICT (account)
			DO UPDATE SET staked_balance = 0, borrowed_amount = 0, loan_start_time = 0, last_sequence = $2
		`, f["account"], seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.staking_state
			SET total_staked = $1,
			    total_borrowed = GREATEST(total_borrowed - $2, 0),
			    last_sequence = $3
			WHERE id = 'global'
		`, f["total_staked"], f["loan_written_off"], seq)
		return err

	case core.NoteRewardRateChanged:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.staking_state
			SET reward_rate = $1, last_sequence = $2
			WHERE id = 'global'
		`, f["new_rate"], seq)
		return err

	case core.NoteInterestRateChanged:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.staking_state
			SET interest_rate = $1, last_sequence = $2
			WHERE id = 'global'
		`, f["new_rate"], seq)
		return err

	case core.NotePaused, core.NoteUnpaused:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.staking_state
			SET paused = $1, last_sequence = $2
			WHERE id = 'global'
		`, n.Kind == core.NotePaused, seq)
		return err

	case core.NoteLiquidityProvided:
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.pool_state
			SET reserve_a = $1, reserve_b = $2, total_shares = $3, last_sequence = $4
			WHERE id = 'global'
		`, f["reserve_a"], f["reserve_b"], f["total_shares"], seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidity_providers (account, shares, last_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (account)
			DO UPDATE SET shares = projections.liquidity_providers.shares + $2, last_sequence = $3
		`, f["account"], f["shares_minted"], seq)
		return err

	case core.NoteLiquidityRemoved:
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.pool_state
			SET reserve_a = $1, reserve_b = $2, total_shares = $3, last_sequence = $4
			WHERE id = 'global'
		`, f["reserve_a"], f["reserve_b"], f["total_shares"], seq); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.liquidity_providers (account, shares, last_sequence)
			VALUES ($1, 0, $3)
			ON CONFLICT (account)
			DO UPDATE SET shares = GREATEST(projections.liquidity_providers.shares - $2, 0), last_sequence = $3
		`, f["account"], f["shares_burned"], seq)
		return err

	case core.NoteSwapped:
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.pool_state
			SET reserve_a = $1, reserve_b = $2, last_sequence = $3
			WHERE id = 'global'
		`, f["reserve_a"], f["reserve_b"], seq)
		return err

	default:
		// token_deposited and allowance_set have no state table beyond
		// the balances already written from journals.
		return nil
	}
}

// insertNotification appends the history row. Conflicts mean the row
// was already written (rebuild overlap); keep the original.
func insertNotification(ctx context.Context, tx *sql.Tx, n *core.Notification) error {
	fields, err := json.Marshal(n.Fields)
	if err != nil {
		return err
	}

	var account interface{}
	if v, ok := noteAccount(n.Fields); ok {
		account = v
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.notifications (sequence, kind, command_id, account, timestamp, fields)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO NOTHING
	`, n.Sequence, n.Kind, n.CommandID, account, n.Timestamp, string(fields))
	return err
}

// noteAccount extracts the acting account for the history index.
// Approvals carry "owner", admin commands carry "by"; rate changes
// carry no account at all.
func noteAccount(fields map[string]string) (string, bool) {
	for _, key := range []string{"account", "owner", "by"} {
		if v, ok := fields[key]; ok {
			return v, true
		}
	}
	return "", false
}

// updateGauges mirrors notification observables onto the Prometheus
// gauges. Values are decimal strings; float64 precision is enough for
// monitoring.
func updateGauges(m *observability.Metrics, n *core.Notification) {
	f := n.Fields

	switch n.Kind {
	case core.NoteStaked, core.NoteWithdrawn:
		m.StakingTotalStaked.Set(gaugeValue(f["total_staked"]))

	case core.NoteRewardsClaimed:
		m.RewardsClaimed.Inc()

	case core.NoteLoanTaken:
		m.LoansTaken.Inc()
		m.StakingTotalBorrowed.Set(gaugeValue(f["total_borrowed"]))

	case core.NoteLoanRepaid:
		m.LoansRepaid.Inc()
		m.StakingTotalBorrowed.Set(gaugeValue(f["total_borrowed"]))

	case core.NoteEmergencyWithdrawn:
		m.StakingTotalStaked.Set(gaugeValue(f["total_staked"]))

	case core.NoteRewardRateChanged:
		m.StakingRewardRate.Set(gaugeValue(f["new_rate"]))

	case core.NotePaused:
		m.StakingPaused.Set(1)

	case core.NoteUnpaused:
		m.StakingPaused.Set(0)

	case core.NoteLiquidityProvided:
		m.LiquidityEvents.WithLabelValues("provide").Inc()
		setPoolGauges(m, f)

	case core.NoteLiquidityRemoved:
		m.LiquidityEvents.WithLabelValues("remove").Inc()
		setPoolGauges(m, f)

	case core.NoteSwapped:
		m.SwapsExecuted.Inc()
		m.SwapFees.Add(gaugeValue(f["fee"]))
		setPoolGauges(m, f)
	}
}

func setPoolGauges(m *observability.Metrics, f map[string]string) {
	symbolA, _ := token.GetAssetName(token.AssetPoolA)
	symbolB, _ := token.GetAssetName(token.AssetPoolB)
	m.PoolReserve.WithLabelValues(symbolA).Set(gaugeValue(f["reserve_a"]))
	m.PoolReserve.WithLabelValues(symbolB).Set(gaugeValue(f["reserve_b"]))
	if shares, ok := f["total_shares"]; ok {
		m.PoolTotalShares.Set(gaugeValue(shares))
	}
}

func gaugeValue(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
