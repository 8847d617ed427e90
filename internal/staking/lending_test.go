package staking_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"DefiLedger/internal/staking"
	"DefiLedger/internal/token"
)

// principal chosen so annual interest is exactly one unit per second:
// 630_720_000 * 5% == 31_536_000, the seconds in a year.
const loanPrincipal int64 = 630_720_000

func newBorrower(t *testing.T) (*staking.Engine, *token.Book, borrowerFixture) {
	t.Helper()
	engine, book, owner := newTestEngine(t)
	user := newStaker(t, book, 1_000_000_000)
	mustStake(t, engine, user, 1_000_000_000, baseTime)
	// Interest is paid in reward token on top of the disbursed principal.
	if err := book.Deposit(token.AssetReward, user, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("funding interest reserve: %v", err)
	}
	return engine, book, borrowerFixture{user: user, owner: owner}
}

type borrowerFixture struct {
	user  uuid.UUID
	owner uuid.UUID
}

// ============================================================================
// Test: take loan
// ============================================================================

func TestTakeLoan_DisbursesRewardToken(t *testing.T) {
	engine, book, fx := newBorrower(t)
	before := book.BalanceOf(token.AssetReward, fx.user)

	res, err := engine.TakeLoan(fx.user, big.NewInt(loanPrincipal), baseTime+10)
	if err != nil {
		t.Fatalf("loan failed: %v", err)
	}
	if res.BorrowedAmount.Cmp(big.NewInt(loanPrincipal)) != 0 {
		t.Errorf("borrowed: got %s, want %d", res.BorrowedAmount, loanPrincipal)
	}
	if res.LoanStartTime != baseTime+10 {
		t.Errorf("loan start: got %d, want %d", res.LoanStartTime, baseTime+10)
	}
	after := book.BalanceOf(token.AssetReward, fx.user)
	diff := new(big.Int).Sub(after, before)
	if diff.Cmp(big.NewInt(loanPrincipal)) != 0 {
		t.Errorf("disbursed: got %s, want %d", diff, loanPrincipal)
	}
	// Collateral never leaves the module account.
	if got := book.BalanceOf(token.AssetStaking, token.StakingModuleAccount); got.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Errorf("module collateral: got %s, want 1_000_000_000", got)
	}
}

func TestTakeLoan_ZeroAmount(t *testing.T) {
	engine, _, fx := newBorrower(t)

	if _, err := engine.TakeLoan(fx.user, big.NewInt(0), baseTime); !errors.Is(err, staking.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestTakeLoan_NoStacking(t *testing.T) {
	engine, _, fx := newBorrower(t)
	if _, err := engine.TakeLoan(fx.user, big.NewInt(100), baseTime); err != nil {
		t.Fatalf("first loan failed: %v", err)
	}

	if _, err := engine.TakeLoan(fx.user, big.NewInt(100), baseTime+10); !errors.Is(err, staking.ErrLoanOutstanding) {
		t.Errorf("got %v, want ErrLoanOutstanding", err)
	}
}

func TestTakeLoan_CollateralCapBoundary(t *testing.T) {
	engine, _, fx := newBorrower(t)
	// Staked 1_000_000_000; the cap is exactly 80%.
	cap := int64(800_000_000)

	if _, err := engine.TakeLoan(fx.user, big.NewInt(cap+1), baseTime); !errors.Is(err, staking.ErrInsufficientCollateral) {
		t.Errorf("above cap: got %v, want ErrInsufficientCollateral", err)
	}
	if _, err := engine.TakeLoan(fx.user, big.NewInt(cap), baseTime); err != nil {
		t.Errorf("at cap: got %v, want success", err)
	}
}

func TestTakeLoan_NoCollateral(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if _, err := engine.TakeLoan(uuid.New(), big.NewInt(1), baseTime); !errors.Is(err, staking.ErrInsufficientCollateral) {
		t.Errorf("got %v, want ErrInsufficientCollateral", err)
	}
}

func TestTakeLoan_WhenPaused(t *testing.T) {
	engine, _, fx := newBorrower(t)
	if _, err := engine.Pause(fx.owner); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	if _, err := engine.TakeLoan(fx.user, big.NewInt(100), baseTime+5); !errors.Is(err, staking.ErrPaused) {
		t.Errorf("got %v, want ErrPaused", err)
	}
}

func TestRepayLoan_WhenPaused(t *testing.T) {
	engine, book, fx := newBorrower(t)
	if _, err := engine.TakeLoan(fx.user, big.NewInt(100), baseTime+5); err != nil {
		t.Fatalf("loan failed: %v", err)
	}
	if _, err := engine.Pause(fx.owner); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	before := book.BalanceOf(token.AssetReward, fx.user)

	if _, err := engine.RepayLoan(fx.user, big.NewInt(100), baseTime+10); !errors.Is(err, staking.ErrPaused) {
		t.Errorf("got %v, want ErrPaused", err)
	}
	if got := book.BalanceOf(token.AssetReward, fx.user); got.Cmp(before) != 0 {
		t.Errorf("balance moved under pause: got %s, want %s", got, before)
	}
}

// ============================================================================
// Test: interest
// ============================================================================

func TestCalculateInterest_QuantizedToTwentySeconds(t *testing.T) {
	engine, _, fx := newBorrower(t)
	start := baseTime + 100
	if _, err := engine.TakeLoan(fx.user, big.NewInt(loanPrincipal), start); err != nil {
		t.Fatalf("loan failed: %v", err)
	}

	cases := []struct {
		elapsed int64
		want    int64
	}{
		{0, 0},
		{19, 0},
		{20, 20},
		{39, 20},
		{40, 40},
		{3599, 3580},
	}
	for _, c := range cases {
		got := engine.CalculateInterest(fx.user, start+c.elapsed)
		if got.Cmp(big.NewInt(c.want)) != 0 {
			t.Errorf("interest after %ds: got %s, want %d", c.elapsed, got, c.want)
		}
	}
}

func TestCalculateInterest_NoLoanIsZero(t *testing.T) {
	engine, _, fx := newBorrower(t)

	if got := engine.CalculateInterest(fx.user, baseTime+1000); got.Sign() != 0 {
		t.Errorf("got %s, want 0", got)
	}
}

// ============================================================================
// Test: repay
// ============================================================================

func TestRepayLoan_FullRepaymentClearsClock(t *testing.T) {
	engine, book, fx := newBorrower(t)
	start := baseTime + 100
	if _, err := engine.TakeLoan(fx.user, big.NewInt(loanPrincipal), start); err != nil {
		t.Fatalf("loan failed: %v", err)
	}

	poolBefore := book.BalanceOf(token.AssetReward, token.RewardPoolAccount)
	res, err := engine.RepayLoan(fx.user, big.NewInt(loanPrincipal), start+40)
	if err != nil {
		t.Fatalf("repay failed: %v", err)
	}
	if !res.FullyRepaid {
		t.Error("loan should be fully repaid")
	}
	if res.InterestPaid.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("interest: got %s, want 40", res.InterestPaid)
	}
	// Principal plus interest lands back in the reward pool.
	poolAfter := book.BalanceOf(token.AssetReward, token.RewardPoolAccount)
	diff := new(big.Int).Sub(poolAfter, poolBefore)
	if diff.Cmp(big.NewInt(loanPrincipal+40)) != 0 {
		t.Errorf("pool received %s, want %d", diff, loanPrincipal+40)
	}
	acct := engine.Account(fx.user)
	if acct.LoanStartTime != 0 || acct.BorrowedAmount.Sign() != 0 {
		t.Errorf("loan not cleared: %+v", acct)
	}
}

func TestRepayLoan_PartialKeepsClockRunning(t *testing.T) {
	engine, _, fx := newBorrower(t)
	start := baseTime + 100
	if _, err := engine.TakeLoan(fx.user, big.NewInt(loanPrincipal), start); err != nil {
		t.Fatalf("loan failed: %v", err)
	}

	half := loanPrincipal / 2
	res, err := engine.RepayLoan(fx.user, big.NewInt(half), start+40)
	if err != nil {
		t.Fatalf("partial repay failed: %v", err)
	}
	if res.FullyRepaid {
		t.Error("half repayment must not clear the loan")
	}
	// Interest was charged on the full outstanding principal.
	if res.InterestPaid.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("interest: got %s, want 40", res.InterestPaid)
	}
	acct := engine.Account(fx.user)
	if acct.LoanStartTime != start {
		t.Errorf("loan clock moved: got %d, want %d", acct.LoanStartTime, start)
	}
	if acct.BorrowedAmount.Cmp(big.NewInt(half)) != 0 {
		t.Errorf("remaining: got %s, want %d", acct.BorrowedAmount, half)
	}

	// The remainder keeps accruing from the original start time.
	if _, err := engine.RepayLoan(fx.user, big.NewInt(half), start+80); err != nil {
		t.Fatalf("final repay failed: %v", err)
	}
	if engine.TotalBorrowed().Sign() != 0 {
		t.Errorf("total borrowed: got %s, want 0", engine.TotalBorrowed())
	}
}

func TestRepayLoan_AmountAboveOutstanding(t *testing.T) {
	engine, _, fx := newBorrower(t)
	if _, err := engine.TakeLoan(fx.user, big.NewInt(100), baseTime); err != nil {
		t.Fatalf("loan failed: %v", err)
	}

	if _, err := engine.RepayLoan(fx.user, big.NewInt(101), baseTime+20); !errors.Is(err, staking.ErrAmountNotEnough) {
		t.Errorf("got %v, want ErrAmountNotEnough", err)
	}
}

func TestRepayLoan_ZeroAmount(t *testing.T) {
	engine, _, fx := newBorrower(t)

	if _, err := engine.RepayLoan(fx.user, big.NewInt(0), baseTime); !errors.Is(err, staking.ErrInvalidAmount) {
		t.Errorf("got %v, want ErrInvalidAmount", err)
	}
}

func TestRepayLoan_TransferFailureKeepsLoan(t *testing.T) {
	engine, book, fx := newBorrower(t)
	if _, err := engine.TakeLoan(fx.user, big.NewInt(loanPrincipal), baseTime); err != nil {
		t.Fatalf("loan failed: %v", err)
	}
	// Revoke the module's pull rights over the reward token.
	if err := book.Approve(token.AssetReward, fx.user, token.StakingModuleAccount, big.NewInt(0)); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}

	_, err := engine.RepayLoan(fx.user, big.NewInt(loanPrincipal), baseTime+40)
	if !errors.Is(err, staking.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if engine.BorrowedAmount(fx.user).Cmp(big.NewInt(loanPrincipal)) != 0 {
		t.Error("failed repay must leave the loan untouched")
	}
	if engine.TotalBorrowed().Cmp(big.NewInt(loanPrincipal)) != 0 {
		t.Error("failed repay must leave the aggregate untouched")
	}
}

// ============================================================================
// Test: gating lifecycle
// ============================================================================

func TestLoanGating_LockedUntilFullRepayment(t *testing.T) {
	engine, _, fx := newBorrower(t)
	if _, err := engine.TakeLoan(fx.user, big.NewInt(1_000), baseTime); err != nil {
		t.Fatalf("loan failed: %v", err)
	}

	if _, err := engine.Withdraw(fx.user, big.NewInt(1), baseTime+10); !errors.Is(err, staking.ErrLoanNotRepaid) {
		t.Errorf("withdraw: got %v, want ErrLoanNotRepaid", err)
	}
	if _, err := engine.ClaimRewards(fx.user, baseTime+10); !errors.Is(err, staking.ErrLoanNotRepaid) {
		t.Errorf("claim: got %v, want ErrLoanNotRepaid", err)
	}

	// Partial repayment is not enough.
	if _, err := engine.RepayLoan(fx.user, big.NewInt(400), baseTime+20); err != nil {
		t.Fatalf("partial repay failed: %v", err)
	}
	if _, err := engine.Withdraw(fx.user, big.NewInt(1), baseTime+30); !errors.Is(err, staking.ErrLoanNotRepaid) {
		t.Errorf("withdraw after partial: got %v, want ErrLoanNotRepaid", err)
	}

	if _, err := engine.RepayLoan(fx.user, big.NewInt(600), baseTime+40); err != nil {
		t.Fatalf("final repay failed: %v", err)
	}
	if _, err := engine.Withdraw(fx.user, big.NewInt(1), baseTime+50); err != nil {
		t.Errorf("withdraw after full repay: got %v, want success", err)
	}
	if _, err := engine.ClaimRewards(fx.user, baseTime+60); err != nil {
		t.Errorf("claim after full repay: got %v, want success", err)
	}
}
