package staking_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"DefiLedger/internal/guard"
	"DefiLedger/internal/staking"
	"DefiLedger/internal/token"
)

// ============================================================================
// Test: stake
// ============================================================================

func TestStake_MovesTokensAndUpdatesRecord(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)

	res, err := engine.Stake(user, big.NewInt(600), baseTime)
	if err != nil {
		t.Fatalf("stake failed: %v", err)
	}
	if res.StakedBalance.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("staked balance: got %s, want 600", res.StakedBalance)
	}
	if res.TotalStaked.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("total staked: got %s, want 600", res.TotalStaked)
	}
	if got := book.BalanceOf(token.AssetStaking, user); got.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("user balance: got %s, want 400", got)
	}
	if got := book.BalanceOf(token.AssetStaking, token.StakingModuleAccount); got.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("module balance: got %s, want 600", got)
	}
	if len(res.Movements) != 1 || res.Movements[0].Kind != token.MovementStakeDeposit {
		t.Errorf("unexpected movements: %+v", res.Movements)
	}
}

func TestStake_ZeroAmount(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)

	if _, err := engine.Stake(user, big.NewInt(0), baseTime); !errors.Is(err, staking.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestStake_WhenPaused(t *testing.T) {
	engine, book, owner := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	if _, err := engine.Pause(owner); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	if _, err := engine.Stake(user, big.NewInt(100), baseTime); !errors.Is(err, staking.ErrPaused) {
		t.Errorf("got %v, want ErrPaused", err)
	}
}

func TestStake_TransferFailureLeavesNoTrace(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := uuid.New()
	// Funded but never approved: the pull must fail.
	if err := book.Deposit(token.AssetStaking, user, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err := engine.Stake(user, big.NewInt(100), baseTime+500)
	if !errors.Is(err, staking.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if engine.TotalStaked().Sign() != 0 {
		t.Error("failed stake must not change total staked")
	}
	if engine.LastUpdateTime() != 0 {
		t.Error("failed stake must not commit the checkpoint")
	}
	if got := book.BalanceOf(token.AssetStaking, user); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("user balance changed: got %s, want 1000", got)
	}
}

// ============================================================================
// Test: withdraw
// ============================================================================

func TestWithdraw_ReturnsTokens(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 1_000, baseTime)

	res, err := engine.Withdraw(user, big.NewInt(400), baseTime+60)
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if res.StakedBalance.Cmp(big.NewInt(600)) != 0 {
		t.Errorf("staked balance: got %s, want 600", res.StakedBalance)
	}
	if got := book.BalanceOf(token.AssetStaking, user); got.Cmp(big.NewInt(400)) != 0 {
		t.Errorf("user balance: got %s, want 400", got)
	}
}

func TestWithdraw_AmountNotEnough(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 500, baseTime)

	if _, err := engine.Withdraw(user, big.NewInt(501), baseTime+1); !errors.Is(err, staking.ErrAmountNotEnough) {
		t.Errorf("got %v, want ErrAmountNotEnough", err)
	}
}

func TestWithdraw_InvalidAmount(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 500, baseTime)

	if _, err := engine.Withdraw(user, nil, baseTime+1); !errors.Is(err, staking.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestWithdraw_BlockedByOutstandingLoan(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 1_000, baseTime)
	if _, err := engine.TakeLoan(user, big.NewInt(100), baseTime+10); err != nil {
		t.Fatalf("loan failed: %v", err)
	}

	if _, err := engine.Withdraw(user, big.NewInt(100), baseTime+20); !errors.Is(err, staking.ErrLoanNotRepaid) {
		t.Errorf("got %v, want ErrLoanNotRepaid", err)
	}
}

// ============================================================================
// Test: claim rewards
// ============================================================================

func TestClaimRewards_PaysExactAccrual(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 1_000, baseTime)

	res, err := engine.ClaimRewards(user, baseTime+3600)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	want, _ := new(big.Int).SetString("3600000000000000000", 10)
	if res.Amount.Cmp(want) != 0 {
		t.Errorf("claimed: got %s, want %s", res.Amount, want)
	}
	if got := book.BalanceOf(token.AssetReward, user); got.Cmp(want) != 0 {
		t.Errorf("reward balance: got %s, want %s", got, want)
	}
	// Accrual restarts from zero after the claim.
	if got := engine.Earned(user, baseTime+3600); got.Sign() != 0 {
		t.Errorf("earned after claim: got %s, want 0", got)
	}
}

func TestClaimRewards_ZeroClaimSucceeds(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	user := uuid.New()

	res, err := engine.ClaimRewards(user, baseTime)
	if err != nil {
		t.Fatalf("zero claim should succeed: %v", err)
	}
	if res.Amount.Sign() != 0 {
		t.Errorf("got %s, want 0", res.Amount)
	}
	if len(res.Movements) != 0 {
		t.Errorf("zero claim must move nothing, got %+v", res.Movements)
	}
}

func TestClaimRewards_BlockedByOutstandingLoan(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 1_000, baseTime)
	if _, err := engine.TakeLoan(user, big.NewInt(50), baseTime); err != nil {
		t.Fatalf("loan failed: %v", err)
	}

	if _, err := engine.ClaimRewards(user, baseTime+100); !errors.Is(err, staking.ErrLoanNotRepaid) {
		t.Errorf("got %v, want ErrLoanNotRepaid", err)
	}
}

// ============================================================================
// Test: emergency withdraw
// ============================================================================

func TestEmergencyWithdraw_RequiresPaused(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 1_000, baseTime)

	if _, err := engine.EmergencyWithdraw(user, baseTime+10); !errors.Is(err, staking.ErrNotPaused) {
		t.Errorf("got %v, want ErrNotPaused", err)
	}
}

func TestEmergencyWithdraw_ReturnsFullStake(t *testing.T) {
	engine, book, owner := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 1_000, baseTime)
	if _, err := engine.Pause(owner); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	res, err := engine.EmergencyWithdraw(user, baseTime+100)
	if err != nil {
		t.Fatalf("emergency withdraw failed: %v", err)
	}
	if res.Amount.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("returned: got %s, want 1000", res.Amount)
	}
	if engine.TotalStaked().Sign() != 0 {
		t.Errorf("total staked: got %s, want 0", engine.TotalStaked())
	}
	if got := book.BalanceOf(token.AssetStaking, user); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("user balance: got %s, want 1000", got)
	}
	// Unclaimed rewards are forfeited.
	acct := engine.Account(user)
	if acct.AccruedRewards.Sign() != 0 || acct.StakedBalance.Sign() != 0 {
		t.Errorf("record not zeroed: %+v", acct)
	}
}

func TestEmergencyWithdraw_ZeroBalance(t *testing.T) {
	engine, _, owner := newTestEngine(t)
	if _, err := engine.Pause(owner); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	if _, err := engine.EmergencyWithdraw(uuid.New(), baseTime); !errors.Is(err, staking.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestEmergencyWithdraw_WritesOffOpenLoan(t *testing.T) {
	engine, book, owner := newTestEngine(t)
	user := newStaker(t, book, 1_000)
	mustStake(t, engine, user, 1_000, baseTime)
	if _, err := engine.TakeLoan(user, big.NewInt(800), baseTime+10); err != nil {
		t.Fatalf("loan failed: %v", err)
	}
	if _, err := engine.Pause(owner); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	res, err := engine.EmergencyWithdraw(user, baseTime+20)
	if err != nil {
		t.Fatalf("emergency withdraw failed: %v", err)
	}
	if res.LoanWrittenOff.Cmp(big.NewInt(800)) != 0 {
		t.Errorf("written off: got %s, want 800", res.LoanWrittenOff)
	}
	// The aggregate stays consistent with the per-account records.
	if engine.TotalBorrowed().Sign() != 0 {
		t.Errorf("total borrowed: got %s, want 0", engine.TotalBorrowed())
	}
	if engine.BorrowedAmount(user).Sign() != 0 {
		t.Error("account loan should be cleared")
	}
}

// ============================================================================
// Test: owner gates
// ============================================================================

func TestPause_OwnerOnly(t *testing.T) {
	engine, _, owner := newTestEngine(t)

	if _, err := engine.Pause(uuid.New()); !errors.Is(err, staking.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	if _, err := engine.Pause(owner); err != nil {
		t.Fatalf("owner pause failed: %v", err)
	}
	if _, err := engine.Pause(owner); !errors.Is(err, staking.ErrPaused) {
		t.Errorf("double pause: got %v, want ErrPaused", err)
	}
	if _, err := engine.Unpause(owner); err != nil {
		t.Fatalf("unpause failed: %v", err)
	}
	if _, err := engine.Unpause(owner); !errors.Is(err, staking.ErrNotPaused) {
		t.Errorf("double unpause: got %v, want ErrNotPaused", err)
	}
}

func TestSetRewardRate_OwnerOnly(t *testing.T) {
	engine, _, owner := newTestEngine(t)

	if _, err := engine.SetRewardRate(uuid.New(), big.NewInt(1), baseTime); !errors.Is(err, staking.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	res, err := engine.SetRewardRate(owner, big.NewInt(7), baseTime)
	if err != nil {
		t.Fatalf("set rate failed: %v", err)
	}
	if res.PreviousRate.Cmp(staking.DefaultRewardRate) != 0 || res.NewRate.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("rate change: got %s -> %s", res.PreviousRate, res.NewRate)
	}
	if _, err := engine.SetRewardRate(owner, big.NewInt(-1), baseTime); !errors.Is(err, staking.ErrInvalidAmount) {
		t.Errorf("negative rate: got %v, want ErrInvalidAmount", err)
	}
}

func TestSetInterestRate_OwnerOnly(t *testing.T) {
	engine, _, owner := newTestEngine(t)

	if _, err := engine.SetInterestRate(uuid.New(), big.NewInt(3)); !errors.Is(err, staking.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
	if _, err := engine.SetInterestRate(owner, big.NewInt(3)); err != nil {
		t.Fatalf("set rate failed: %v", err)
	}
	if got := engine.InterestRate(); got.Cmp(big.NewInt(3)) != 0 {
		t.Errorf("interest rate: got %s, want 3", got)
	}
}

// ============================================================================
// Test: conservation
// ============================================================================

func TestConservation_TotalStakedMatchesSumOfBalances(t *testing.T) {
	engine, book, _ := newTestEngine(t)
	users := []uuid.UUID{
		newStaker(t, book, 10_000),
		newStaker(t, book, 10_000),
		newStaker(t, book, 10_000),
	}

	steps := []struct {
		user   int
		stake  bool
		amount int64
	}{
		{0, true, 5_000},
		{1, true, 3_000},
		{2, true, 8_000},
		{0, false, 2_000},
		{1, true, 1_000},
		{2, false, 8_000},
		{0, false, 3_000},
	}
	now := baseTime
	for i, s := range steps {
		now += 30
		var err error
		if s.stake {
			_, err = engine.Stake(users[s.user], big.NewInt(s.amount), now)
		} else {
			_, err = engine.Withdraw(users[s.user], big.NewInt(s.amount), now)
		}
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}

		sum := new(big.Int)
		for _, u := range users {
			sum.Add(sum, engine.StakedBalance(u))
		}
		if sum.Cmp(engine.TotalStaked()) != 0 {
			t.Fatalf("step %d: sum %s != total %s", i, sum, engine.TotalStaked())
		}
	}
}

// ============================================================================
// Test: re-entrancy
// ============================================================================

// reentrantLedger delegates to a real book but calls back into the
// engine during the stake pull, the way a hostile token would.
type reentrantLedger struct {
	*token.Book
	engine    *staking.Engine
	armed     bool
	nestedErr error
}

func (m *reentrantLedger) TransferFrom(asset token.AssetID, spender, owner, to uuid.UUID, amount *big.Int) error {
	if m.armed {
		m.armed = false
		_, err := m.engine.Stake(owner, big.NewInt(1), baseTime)
		m.nestedErr = err
		if err != nil {
			return err
		}
	}
	return m.Book.TransferFrom(asset, spender, owner, to, amount)
}

func TestReentrancy_NestedStakeFailsAndOuterRollsBack(t *testing.T) {
	book := token.NewBook()
	mock := &reentrantLedger{Book: book}
	engine := staking.NewEngine(staking.Config{
		Ledger:        mock,
		StakingAsset:  token.AssetStaking,
		RewardAsset:   token.AssetReward,
		ModuleAccount: token.StakingModuleAccount,
		RewardPool:    token.RewardPoolAccount,
	})
	mock.engine = engine

	user := uuid.New()
	if err := book.Deposit(token.AssetStaking, user, big.NewInt(1_000)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	approveAll(t, book, user)

	mock.armed = true
	_, err := engine.Stake(user, big.NewInt(500), baseTime)
	if !errors.Is(err, staking.ErrTransferFailed) {
		t.Fatalf("outer stake: got %v, want ErrTransferFailed", err)
	}
	if !errors.Is(mock.nestedErr, guard.ErrReentrantCall) {
		t.Fatalf("nested stake: got %v, want ErrReentrantCall", mock.nestedErr)
	}
	if engine.TotalStaked().Sign() != 0 {
		t.Error("state must be unchanged after re-entrant attempt")
	}
	if got := book.BalanceOf(token.AssetStaking, user); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Errorf("user balance changed: got %s, want 1000", got)
	}

	// The guard releases on failure: a clean retry succeeds.
	if _, err := engine.Stake(user, big.NewInt(500), baseTime+10); err != nil {
		t.Fatalf("retry after guard release failed: %v", err)
	}
}

// ============================================================================
// Test: snapshot round trip
// ============================================================================

func TestEngineSnapshot_RestoreRoundTrip(t *testing.T) {
	engine, book, owner := newTestEngine(t)
	user := newStaker(t, book, 2_000)
	mustStake(t, engine, user, 2_000, baseTime)
	if _, err := engine.TakeLoan(user, big.NewInt(500), baseTime+40); err != nil {
		t.Fatalf("loan failed: %v", err)
	}
	if _, err := engine.SetRewardRate(owner, big.NewInt(42), baseTime+40); err != nil {
		t.Fatalf("set rate failed: %v", err)
	}

	snap := engine.Snapshot()

	restored := staking.NewEngine(staking.Config{
		Ledger:        book,
		StakingAsset:  token.AssetStaking,
		RewardAsset:   token.AssetReward,
		ModuleAccount: token.StakingModuleAccount,
		RewardPool:    token.RewardPoolAccount,
	})
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if restored.TotalStaked().Cmp(engine.TotalStaked()) != 0 {
		t.Error("total staked differs after restore")
	}
	if restored.TotalBorrowed().Cmp(engine.TotalBorrowed()) != 0 {
		t.Error("total borrowed differs after restore")
	}
	if restored.RewardRate().Cmp(big.NewInt(42)) != 0 {
		t.Error("reward rate differs after restore")
	}
	a, b := engine.Account(user), restored.Account(user)
	if a.StakedBalance.Cmp(b.StakedBalance) != 0 || a.BorrowedAmount.Cmp(b.BorrowedAmount) != 0 ||
		a.LoanStartTime != b.LoanStartTime {
		t.Errorf("account differs after restore: %+v vs %+v", a, b)
	}
}
