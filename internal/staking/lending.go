package staking

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"DefiLedger/internal/token"
	"DefiLedger/internal/wad"
)

// Loans are funded from the reward pool, not the staking pool: staked
// collateral never leaves the module account while it secures a loan.

// TakeLoan opens a loan against staked collateral. One loan per account;
// no stacking.
func (e *Engine) TakeLoan(actor uuid.UUID, amount *big.Int, now int64) (*LoanResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if e.paused {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	acct := e.account(actor)
	if acct.BorrowedAmount.Sign() > 0 {
		return nil, ErrLoanOutstanding
	}
	maxLoan := wad.MulDiv(acct.StakedBalance, loanToValue, hundred)
	if amount.Cmp(maxLoan) > 0 {
		return nil, ErrInsufficientCollateral
	}
	cp := e.computeCheckpoint(acct, now)

	if err := e.ledger.Transfer(e.rewardAsset, e.rewardPool, actor, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.commitCheckpoint(acct, cp, now)
	acct.BorrowedAmount = wad.Clone(amount)
	acct.LoanStartTime = now
	e.totalBorrowed = new(big.Int).Add(e.totalBorrowed, amount)

	return &LoanResult{
		Account:        actor,
		Amount:         wad.Clone(amount),
		BorrowedAmount: wad.Clone(acct.BorrowedAmount),
		TotalBorrowed:  wad.Clone(e.totalBorrowed),
		LoanStartTime:  now,
		Movements: []token.Movement{{
			Kind:   token.MovementLoanDisbursement,
			Asset:  e.rewardAsset,
			From:   e.rewardPool,
			To:     actor,
			Amount: wad.Clone(amount),
		}},
	}, nil
}

// CalculateInterest quotes the interest due on the actor's open loan as
// of now: simple annual interest on the full principal, with loan age
// floored to 20-second boundaries.
func (e *Engine) CalculateInterest(actor uuid.UUID, now int64) *big.Int {
	return e.interestDue(e.lookup(actor), now)
}

func (e *Engine) interestDue(acct *AccountRecord, now int64) *big.Int {
	if acct.BorrowedAmount.Sign() == 0 || acct.LoanStartTime == 0 {
		return new(big.Int)
	}
	elapsed := wad.FloorToQuantum(now - acct.LoanStartTime)
	if elapsed == 0 {
		return new(big.Int)
	}
	annual := wad.MulDiv(acct.BorrowedAmount, e.interestRate, hundred)
	return wad.MulDiv(annual, big.NewInt(elapsed), big.NewInt(wad.SecondsPerYear))
}

// RepayLoan pays down principal plus interest on the full outstanding
// principal. Partial repayments keep the original loan clock running;
// only full repayment clears it.
func (e *Engine) RepayLoan(actor uuid.UUID, amount *big.Int, now int64) (*RepayResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if e.paused {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	acct := e.account(actor)
	if amount.Cmp(acct.BorrowedAmount) > 0 {
		return nil, ErrAmountNotEnough
	}
	cp := e.computeCheckpoint(acct, now)
	interest := e.interestDue(acct, now)
	due := new(big.Int).Add(amount, interest)

	if err := e.ledger.TransferFrom(e.rewardAsset, e.moduleAccount, actor, e.rewardPool, due); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.commitCheckpoint(acct, cp, now)
	acct.BorrowedAmount = new(big.Int).Sub(acct.BorrowedAmount, amount)
	e.totalBorrowed = new(big.Int).Sub(e.totalBorrowed, amount)
	fullyRepaid := acct.BorrowedAmount.Sign() == 0
	if fullyRepaid {
		acct.LoanStartTime = 0
	}

	return &RepayResult{
		Account:        actor,
		Amount:         wad.Clone(amount),
		InterestPaid:   interest,
		BorrowedAmount: wad.Clone(acct.BorrowedAmount),
		TotalBorrowed:  wad.Clone(e.totalBorrowed),
		FullyRepaid:    fullyRepaid,
		Movements: []token.Movement{{
			Kind:   token.MovementLoanRepayment,
			Asset:  e.rewardAsset,
			From:   actor,
			To:     e.rewardPool,
			Amount: due,
		}},
	}, nil
}
