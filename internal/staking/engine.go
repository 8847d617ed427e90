package staking

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
	ErrInvalidAmount          = errors.New("staking engine: amount must be positive")
	ErrAmountNotEnough        = errors.New("staking engine: amount exceeds available balance")
	ErrLoanNotRepaid          = errors.New("staking engine: outstanding loan must be repaid first")
	ErrLoanOutstanding        = errors.New("staking engine: a loan is already outstanding")
	ErrInsufficientCollateral = errors.New("staking engine: loan exceeds collateral limit")
	ErrTransferFailed         = errors.New("staking engine: token transfer failed")
	ErrUnauthorized           = errors.New("staking engine: caller is not the owner")
	ErrPaused                 = errors.New("staking engine: operation requires active state")
	ErrNotPaused              = errors.New("staking engine: operation requires paused state")
)

var (
	// Loans are capped at 80% of staked collateral.
	loanToValue = big.NewInt(80)
	hundred     = big.NewInt(100)
)

// Defaults applied when the constructor receives nil rates.
var (
	DefaultRewardRate   = big.NewInt(1_000_000_000_000_000) // 1e15 units/sec
	DefaultInterestRate = big.NewInt(5)                     // percent, simple annual
)

// AuthorizeFunc reports whether the actor may run owner-only operations.
// Authorization is injected, never inherited.
type AuthorizeFunc func(actor uuid.UUID) bool

// Config wires a staking engine to its collaborators.
type Config struct {
	Ledger        token.Ledger
	StakingAsset  token.AssetID
	RewardAsset   token.AssetID
	ModuleAccount uuid.UUID // holds staked collateral
	RewardPool    uuid.UUID // pays rewards and funds loans
	Authorize     AuthorizeFunc
	RewardRate    *big.Int
	InterestRate  *big.Int
}

// Engine owns all staking, accrual and lending state. Mutations are
// serialized by the caller (single-writer core loop); the re-entrancy
// guard additionally rejects nested entry through token callbacks.
type Engine struct {
	ledger        token.Ledger
	stakingAsset  token.AssetID
	rewardAsset   token.AssetID
	moduleAccount uuid.UUID
	rewardPool    uuid.UUID
	authorize     AuthorizeFunc
	guard         guard.Guard

	paused               bool
	rewardRate           *big.Int
	interestRate         *big.Int
	rewardPerTokenStored *big.Int // WAD
	lastUpdateTime       int64
	totalStaked          *big.Int
	totalBorrowed        *big.Int
	accounts             map[uuid.UUID]*AccountRecord
}

func NewEngine(cfg Config) *Engine {
	rewardRate := cfg.RewardRate
	if rewardRate == nil {
		rewardRate = DefaultRewardRate
	}
	interestRate := cfg.InterestRate
	if interestRate == nil {
		interestRate = DefaultInterestRate
	}
	return &Engine{
		ledger:               cfg.Ledger,
		stakingAsset:         cfg.StakingAsset,
		rewardAsset:          cfg.RewardAsset,
		moduleAccount:        cfg.ModuleAccount,
		rewardPool:           cfg.RewardPool,
		authorize:            cfg.Authorize,
		rewardRate:           wad.Clone(rewardRate),
		interestRate:         wad.Clone(interestRate),
		rewardPerTokenStored: new(big.Int),
		totalStaked:          new(big.Int),
		totalBorrowed:        new(big.Int),
		accounts:             make(map[uuid.UUID]*AccountRecord),
	}
}

// account returns the mutable record for an actor, creating it on first
// interaction.
func (e *Engine) account(actor uuid.UUID) *AccountRecord {
	if r, ok := e.accounts[actor]; ok {
		return r
	}
	r := newAccountRecord()
	e.accounts[actor] = r
	return r
}

// lookup is the read-only variant; unknown accounts read as zero without
// being created.
func (e *Engine) lookup(actor uuid.UUID) *AccountRecord {
	if r, ok := e.accounts[actor]; ok {
		return r
	}
	return newAccountRecord()
}

func (e *Engine) isOwner(actor uuid.UUID) bool {
	return e.authorize != nil && e.authorize(actor)
}

// Stake pulls staking tokens from the actor into the module account.
func (e *Engine) Stake(actor uuid.UUID, amount *big.Int, now int64) (*StakeResult, error) {
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
	cp := e.computeCheckpoint(acct, now)

	if err := e.ledger.TransferFrom(e.stakingAsset, e.moduleAccount, actor, e.moduleAccount, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.commitCheckpoint(acct, cp, now)
	acct.StakedBalance = new(big.Int).Add(acct.StakedBalance, amount)
	e.totalStaked = new(big.Int).Add(e.totalStaked, amount)

	return &StakeResult{
		Account:       actor,
		Amount:        wad.Clone(amount),
		StakedBalance: wad.Clone(acct.StakedBalance),
		TotalStaked:   wad.Clone(e.totalStaked),
		Movements: []token.Movement{{
			Kind:   token.MovementStakeDeposit,
			Asset:  e.stakingAsset,
			From:   actor,
			To:     e.moduleAccount,
			Amount: wad.Clone(amount),
		}},
	}, nil
}

// Withdraw returns staked tokens to the actor. Blocked while a loan is
// outstanding.
func (e *Engine) Withdraw(actor uuid.UUID, amount *big.Int, now int64) (*WithdrawResult, error) {
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
	if amount.Cmp(acct.StakedBalance) > 0 {
		return nil, ErrAmountNotEnough
	}
	if acct.BorrowedAmount.Sign() > 0 {
		return nil, ErrLoanNotRepaid
	}
	cp := e.computeCheckpoint(acct, now)

	if err := e.ledger.Transfer(e.stakingAsset, e.moduleAccount, actor, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	e.commitCheckpoint(acct, cp, now)
	acct.StakedBalance = new(big.Int).Sub(acct.StakedBalance, amount)
	e.totalStaked = new(big.Int).Sub(e.totalStaked, amount)

	return &WithdrawResult{
		Account:       actor,
		Amount:        wad.Clone(amount),
		StakedBalance: wad.Clone(acct.StakedBalance),
		TotalStaked:   wad.Clone(e.totalStaked),
		Movements: []token.Movement{{
			Kind:   token.MovementStakeWithdrawal,
			Asset:  e.stakingAsset,
			From:   e.moduleAccount,
			To:     actor,
			Amount: wad.Clone(amount),
		}},
	}, nil
}

// ClaimRewards pays out everything accrued so far. A zero claim succeeds
// and moves nothing.
func (e *Engine) ClaimRewards(actor uuid.UUID, now int64) (*ClaimResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if e.paused {
		return nil, ErrPaused
	}
	acct := e.account(actor)
	if acct.BorrowedAmount.Sign() > 0 {
		return nil, ErrLoanNotRepaid
	}
	cp := e.computeCheckpoint(acct, now)
	reward := cp.earned

	var movements []token.Movement
	if reward.Sign() > 0 {
		if err := e.ledger.Transfer(e.rewardAsset, e.rewardPool, actor, reward); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		movements = []token.Movement{{
			Kind:   token.MovementRewardPayout,
			Asset:  e.rewardAsset,
			From:   e.rewardPool,
			To:     actor,
			Amount: wad.Clone(reward),
		}}
	}

	e.commitCheckpoint(acct, cp, now)
	acct.AccruedRewards = new(big.Int)

	return &ClaimResult{
		Account:   actor,
		Amount:    wad.Clone(reward),
		Movements: movements,
	}, nil
}

// EmergencyWithdraw is the escape hatch while the engine is paused: the
// full stake comes back, unclaimed rewards are forfeited, and any open
// loan is written off so the aggregate borrow accounting stays exact.
func (e *Engine) EmergencyWithdraw(actor uuid.UUID, now int64) (*EmergencyWithdrawResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if !e.paused {
		return nil, ErrNotPaused
	}
	acct := e.account(actor)
	if acct.StakedBalance.Sign() == 0 {
		return nil, ErrInvalidAmount
	}
	amount := wad.Clone(acct.StakedBalance)

	if err := e.ledger.Transfer(e.stakingAsset, e.moduleAccount, actor, amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	writtenOff := wad.Clone(acct.BorrowedAmount)
	e.totalStaked = new(big.Int).Sub(e.totalStaked, amount)
	if writtenOff.Sign() > 0 {
		e.totalBorrowed = new(big.Int).Sub(e.totalBorrowed, writtenOff)
	}
	e.accounts[actor] = newAccountRecord()

	return &EmergencyWithdrawResult{
		Account:        actor,
		Amount:         amount,
		LoanWrittenOff: writtenOff,
		TotalStaked:    wad.Clone(e.totalStaked),
		Movements: []token.Movement{{
			Kind:   token.MovementEmergencyReturn,
			Asset:  e.stakingAsset,
			From:   e.moduleAccount,
			To:     actor,
			Amount: wad.Clone(amount),
		}},
	}, nil
}

// === Owner-only configuration ===

// SetRewardRate replaces the per-second reward rate. The global
// accumulator is checkpointed first, so accrual up to the change stays
// at the old rate and the new rate only covers time after it.
func (e *Engine) SetRewardRate(actor uuid.UUID, rate *big.Int, now int64) (*RateChangeResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if !e.isOwner(actor) {
		return nil, ErrUnauthorized
	}
	if rate == nil || rate.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	e.rewardPerTokenStored = e.RewardPerToken(now)
	e.lastUpdateTime = now
	prev := e.rewardRate
	e.rewardRate = wad.Clone(rate)
	return &RateChangeResult{PreviousRate: wad.Clone(prev), NewRate: wad.Clone(rate)}, nil
}

// SetInterestRate replaces the simple annual loan interest percentage.
// Open loans are charged at the rate in force when they are repaid.
func (e *Engine) SetInterestRate(actor uuid.UUID, rate *big.Int) (*RateChangeResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if !e.isOwner(actor) {
		return nil, ErrUnauthorized
	}
	if rate == nil || rate.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	prev := e.interestRate
	e.interestRate = wad.Clone(rate)
	return &RateChangeResult{PreviousRate: wad.Clone(prev), NewRate: wad.Clone(rate)}, nil
}

func (e *Engine) Pause(actor uuid.UUID) (*PauseResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if !e.isOwner(actor) {
		return nil, ErrUnauthorized
	}
	if e.paused {
		return nil, ErrPaused
	}
	e.paused = true
	return &PauseResult{Paused: true}, nil
}

func (e *Engine) Unpause(actor uuid.UUID) (*PauseResult, error) {
	if err := e.guard.Enter(); err != nil {
		return nil, err
	}
	defer e.guard.Exit()
	if !e.isOwner(actor) {
		return nil, ErrUnauthorized
	}
	if !e.paused {
		return nil, ErrNotPaused
	}
	e.paused = false
	return &PauseResult{Paused: false}, nil
}

// === Views ===

func (e *Engine) IsPaused() bool          { return e.paused }
func (e *Engine) RewardRate() *big.Int    { return wad.Clone(e.rewardRate) }
func (e *Engine) InterestRate() *big.Int  { return wad.Clone(e.interestRate) }
func (e *Engine) TotalStaked() *big.Int   { return wad.Clone(e.totalStaked) }
func (e *Engine) TotalBorrowed() *big.Int { return wad.Clone(e.totalBorrowed) }
func (e *Engine) LastUpdateTime() int64   { return e.lastUpdateTime }

// Account returns a copy of an account record.
func (e *Engine) Account(actor uuid.UUID) *AccountRecord {
	return e.lookup(actor).clone()
}

// StakedBalance returns the actor's staked collateral.
func (e *Engine) StakedBalance(actor uuid.UUID) *big.Int {
	return wad.Clone(e.lookup(actor).StakedBalance)
}

// BorrowedAmount returns the actor's outstanding loan principal.
func (e *Engine) BorrowedAmount(actor uuid.UUID) *big.Int {
	return wad.Clone(e.lookup(actor).BorrowedAmount)
}

// === Snapshot / restore ===

func (e *Engine) Snapshot() EngineSnapshot {
	snap := EngineSnapshot{
		Paused:               e.paused,
		RewardRate:           e.rewardRate.String(),
		InterestRate:         e.interestRate.String(),
		RewardPerTokenStored: e.rewardPerTokenStored.String(),
		LastUpdateTime:       e.lastUpdateTime,
		TotalStaked:          e.totalStaked.String(),
		TotalBorrowed:        e.totalBorrowed.String(),
		Accounts:             make([]AccountSnapshot, 0, len(e.accounts)),
	}
	for id, r := range e.accounts {
		if r.isZero() {
			continue
		}
		snap.Accounts = append(snap.Accounts, AccountSnapshot{
			Account:        id,
			StakedBalance:  r.StakedBalance.String(),
			RewardDebt:     r.RewardDebt.String(),
			AccruedRewards: r.AccruedRewards.String(),
			BorrowedAmount: r.BorrowedAmount.String(),
			LoanStartTime:  r.LoanStartTime,
		})
	}
	sortAccountSnapshots(snap.Accounts)
	return snap
}

func (e *Engine) Restore(snap EngineSnapshot) error {
	rewardRate, ok := new(big.Int).SetString(snap.RewardRate, 10)
	if !ok {
		return fmt.Errorf("staking engine: invalid reward rate %q", snap.RewardRate)
	}
	interestRate, ok := new(big.Int).SetString(snap.InterestRate, 10)
	if !ok {
		return fmt.Errorf("staking engine: invalid interest rate %q", snap.InterestRate)
	}
	rpt, ok := new(big.Int).SetString(snap.RewardPerTokenStored, 10)
	if !ok {
		return fmt.Errorf("staking engine: invalid reward per token %q", snap.RewardPerTokenStored)
	}
	totalStaked, ok := new(big.Int).SetString(snap.TotalStaked, 10)
	if !ok {
		return fmt.Errorf("staking engine: invalid total staked %q", snap.TotalStaked)
	}
	totalBorrowed, ok := new(big.Int).SetString(snap.TotalBorrowed, 10)
	if !ok {
		return fmt.Errorf("staking engine: invalid total borrowed %q", snap.TotalBorrowed)
	}
	accounts := make(map[uuid.UUID]*AccountRecord, len(snap.Accounts))
	for _, a := range snap.Accounts {
		record := newAccountRecord()
		fields := []struct {
			dst  **big.Int
			src  string
			name string
		}{
			{&record.StakedBalance, a.StakedBalance, "staked balance"},
			{&record.RewardDebt, a.RewardDebt, "reward debt"},
			{&record.AccruedRewards, a.AccruedRewards, "accrued rewards"},
			{&record.BorrowedAmount, a.BorrowedAmount, "borrowed amount"},
		}
		for _, f := range fields {
			v, ok := new(big.Int).SetString(f.src, 10)
			if !ok {
				return fmt.Errorf("staking engine: invalid %s %q for account %s", f.name, f.src, a.Account)
			}
			*f.dst = v
		}
		record.LoanStartTime = a.LoanStartTime
		accounts[a.Account] = record
	}
	e.paused = snap.Paused
	e.rewardRate = rewardRate
	e.interestRate = interestRate
	e.rewardPerTokenStored = rpt
	e.lastUpdateTime = snap.LastUpdateTime
	e.totalStaked = totalStaked
	e.totalBorrowed = totalBorrowed
	e.accounts = accounts
	return nil
}
