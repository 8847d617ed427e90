package staking

import (
	"math/big"

	"github.com/google/uuid"

	"DefiLedger/internal/wad"
)

// Pull-based accrual: the global reward-per-token accumulator advances
// lazily whenever a staking, loan or repay operation touches state. No
// background bookkeeping runs anywhere.

// RewardPerToken returns the accumulator as of now. With nothing staked
// the stored value is returned unchanged; elapsed time cannot be
// attributed to anyone.
func (e *Engine) RewardPerToken(now int64) *big.Int {
	if e.totalStaked.Sign() == 0 {
		return wad.Clone(e.rewardPerTokenStored)
	}
	elapsed := now - e.lastUpdateTime
	if elapsed <= 0 {
		return wad.Clone(e.rewardPerTokenStored)
	}
	accrued := new(big.Int).Mul(e.rewardRate, big.NewInt(elapsed))
	growth := wad.MulDiv(accrued, wad.Scale, e.totalStaked)
	return new(big.Int).Add(e.rewardPerTokenStored, growth)
}

// Earned returns the reward currently claimable by an account. Borrowed
// collateral earns nothing: only the effective stake (staked minus
// borrowed) participates.
func (e *Engine) Earned(actor uuid.UUID, now int64) *big.Int {
	return e.earnedAt(e.lookup(actor), e.RewardPerToken(now))
}

func (e *Engine) earnedAt(acct *AccountRecord, rewardPerToken *big.Int) *big.Int {
	effective := new(big.Int).Sub(acct.StakedBalance, acct.BorrowedAmount)
	delta := new(big.Int).Sub(rewardPerToken, acct.RewardDebt)
	owed := wad.MulDiv(effective, delta, wad.Scale)
	return owed.Add(owed, acct.AccruedRewards)
}

// pendingCheckpoint holds checkpoint values computed against pre-op
// state. They commit only after the operation's external transfers
// succeed, so a failed transfer leaves no trace.
type pendingCheckpoint struct {
	rewardPerToken *big.Int
	earned         *big.Int
}

func (e *Engine) computeCheckpoint(acct *AccountRecord, now int64) pendingCheckpoint {
	rpt := e.RewardPerToken(now)
	return pendingCheckpoint{
		rewardPerToken: rpt,
		earned:         e.earnedAt(acct, rpt),
	}
}

func (e *Engine) commitCheckpoint(acct *AccountRecord, cp pendingCheckpoint, now int64) {
	e.rewardPerTokenStored = cp.rewardPerToken
	e.lastUpdateTime = now
	acct.AccruedRewards = cp.earned
	acct.RewardDebt = wad.Clone(cp.rewardPerToken)
}
