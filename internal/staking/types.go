package staking

import (
	"math/big"
	"sort"

	"github.com/google/uuid"

	"DefiLedger/internal/token"
	"DefiLedger/internal/wad"
)

// AccountRecord tracks one staker. Records are created implicitly on
// first interaction and never deleted, only zeroed.
type AccountRecord struct {
	StakedBalance  *big.Int
	RewardDebt     *big.Int // reward-per-token observed at last checkpoint, WAD
	AccruedRewards *big.Int
	BorrowedAmount *big.Int
	LoanStartTime  int64 // unix seconds, 0 when no loan is open
}

func newAccountRecord() *AccountRecord {
	return &AccountRecord{
		StakedBalance:  new(big.Int),
		RewardDebt:     new(big.Int),
		AccruedRewards: new(big.Int),
		BorrowedAmount: new(big.Int),
	}
}

func (r *AccountRecord) clone() *AccountRecord {
	return &AccountRecord{
		StakedBalance:  wad.Clone(r.StakedBalance),
		RewardDebt:     wad.Clone(r.RewardDebt),
		AccruedRewards: wad.Clone(r.AccruedRewards),
		BorrowedAmount: wad.Clone(r.BorrowedAmount),
		LoanStartTime:  r.LoanStartTime,
	}
}

func (r *AccountRecord) isZero() bool {
	return r.StakedBalance.Sign() == 0 &&
		r.RewardDebt.Sign() == 0 &&
		r.AccruedRewards.Sign() == 0 &&
		r.BorrowedAmount.Sign() == 0 &&
		r.LoanStartTime == 0
}

// === Operation results ===
//
// Every mutating operation returns the observables an indexer needs, so
// downstream consumers never read state back.

type StakeResult struct {
	Account       uuid.UUID
	Amount        *big.Int
	StakedBalance *big.Int
	TotalStaked   *big.Int
	Movements     []token.Movement
}

type WithdrawResult struct {
	Account       uuid.UUID
	Amount        *big.Int
	StakedBalance *big.Int
	TotalStaked   *big.Int
	Movements     []token.Movement
}

type ClaimResult struct {
	Account   uuid.UUID
	Amount    *big.Int
	Movements []token.Movement
}

type LoanResult struct {
	Account        uuid.UUID
	Amount         *big.Int
	BorrowedAmount *big.Int
	TotalBorrowed  *big.Int
	LoanStartTime  int64
	Movements      []token.Movement
}

type RepayResult struct {
	Account        uuid.UUID
	Amount         *big.Int
	InterestPaid   *big.Int
	BorrowedAmount *big.Int
	TotalBorrowed  *big.Int
	FullyRepaid    bool
	Movements      []token.Movement
}

type EmergencyWithdrawResult struct {
	Account        uuid.UUID
	Amount         *big.Int
	LoanWrittenOff *big.Int
	TotalStaked    *big.Int
	Movements      []token.Movement
}

type RateChangeResult struct {
	PreviousRate *big.Int
	NewRate      *big.Int
}

type PauseResult struct {
	Paused bool
}

// === Snapshot types ===

type AccountSnapshot struct {
	Account        uuid.UUID `json:"account"`
	StakedBalance  string    `json:"staked_balance"`
	RewardDebt     string    `json:"reward_debt"`
	AccruedRewards string    `json:"accrued_rewards"`
	BorrowedAmount string    `json:"borrowed_amount"`
	LoanStartTime  int64     `json:"loan_start_time"`
}

type EngineSnapshot struct {
	Paused               bool              `json:"paused"`
	RewardRate           string            `json:"reward_rate"`
	InterestRate         string            `json:"interest_rate"`
	RewardPerTokenStored string            `json:"reward_per_token_stored"`
	LastUpdateTime       int64             `json:"last_update_time"`
	TotalStaked          string            `json:"total_staked"`
	TotalBorrowed        string            `json:"total_borrowed"`
	Accounts             []AccountSnapshot `json:"accounts"`
}

func sortAccountSnapshots(accounts []AccountSnapshot) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Account.String() < accounts[j].Account.String()
	})
}
