package core

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/command"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/staking"
	"DefiLedger/internal/token"
)

// DeterministicCore is the single-threaded command processor. It owns
// the token book and both engines; nothing else mutates them. All
// timestamps are versioned inputs carried by the commands — the core
// never reads the wall clock, so replaying the log reproduces every
// state hash bit for bit.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	book              *token.Book
	staking           *staking.Engine
	pool              *amm.Engine
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
	publishChan    chan<- *Notification
}

// CoreOutput carries one applied command downstream: the log row, the
// journal batch behind it, and the notification consumers see.
type CoreOutput struct {
	Envelope     *command.CommandEnvelope
	Batch        *token.Batch
	Notification *Notification
}

// Config wires the core to its channels and collaborators.
type Config struct {
	StartSequence int64
	Owner         uuid.UUID // only account allowed admin commands

	// Engine parameters; nil selects each engine's default
	RewardRate   *big.Int
	InterestRate *big.Int
	SwapFee      *big.Int

	// Idempotency LRU capacity; zero selects the default of 1M keys
	LRUCapacity int

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	PublishChan    chan<- *Notification

	DBChecker DBIdempotencyChecker
	Metrics   *observability.Metrics
}

func NewDeterministicCore(cfg Config) *DeterministicCore {
	book := token.NewBook()
	owner := cfg.Owner

	stakingEngine := staking.NewEngine(staking.Config{
		Ledger:        book,
		StakingAsset:  token.AssetStaking,
		RewardAsset:   token.AssetReward,
		ModuleAccount: token.StakingModuleAccount,
		RewardPool:    token.RewardPoolAccount,
		Authorize:     func(actor uuid.UUID) bool { return actor == owner },
		RewardRate:    cfg.RewardRate,
		InterestRate:  cfg.InterestRate,
	})

	poolEngine := amm.NewEngine(amm.Config{
		Ledger:      book,
		AssetA:      token.AssetPoolA,
		AssetB:      token.AssetPoolB,
		PoolAccount: token.PoolAccount,
		SwapFee:     cfg.SwapFee,
	})

	lruCapacity := cfg.LRUCapacity
	if lruCapacity <= 0 {
		lruCapacity = 1_000_000
	}
	idempotencyChecker := NewIdempotencyChecker(lruCapacity, cfg.DBChecker)

	return &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		book:              book,
		staking:           stakingEngine,
		pool:              poolEngine,
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(),
		metrics:           cfg.Metrics,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
		publishChan:       cfg.PublishChan,
	}
}

// commandResult is what a handler hands back to the pipeline: the token
// movements the engines recorded plus the notification payload.
type commandResult struct {
	movements []token.Movement
	kind      string
	fields    map[string]string
}

// ProcessCommand is the main processing pipeline
func (c *DeterministicCore) ProcessCommand(cmd command.Command) error {
	start := time.Now()
	commandType := cmd.CommandType().String()
	idempotencyKey := cmd.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate, dupTier := c.idempotency.IsDuplicate(commandType, idempotencyKey)

	// Step 2: Sequence validation
	partition := cmd.Partition()
	sourceSequence := cmd.SourceSequence()

	// Token boundary commands arrive from the bridge feed: gaps are
	// tolerated, stale deliveries dropped without error.
	if partition == command.PartitionDeposits {
		if err := c.sequenceValidator.ValidateDepositSequence(partition, sourceSequence); err != nil {
			if c.metrics != nil {
				c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "stale").Inc()
			}
			return nil
		}
	} else {
		// Regular sequence validation
		if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate); err != nil {
			c.recordSequenceFailure(commandType, partition, err)
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "duplicate").Inc()
			c.metrics.IdempotencyDuplicates.WithLabelValues(commandType, dupTier).Inc()
		}
		return nil
	}

	// Step 3: Dispatch. Engines apply their token movements as they go
	// and compensate internally, so an error here means nothing changed.
	// The command is still consumed: its source sequence has advanced,
	// but it produces no log row and is not marked processed.
	res, err := c.dispatchCommand(cmd)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "rejected").Inc()
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Journal batch from the recorded movements
	batch := c.makeBatch(idempotencyKey, cmd.Timestamp(), res.movements)

	// Step 5: State digest over the touched balances
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(batch)

	// Step 6: State hash. The chain tip is captured before ComputeHash
	// advances it so the envelope records the true predecessor.
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 7: Envelope. The payload rides along so replay can rebuild
	// the command without consulting the source stream.
	payload, err := command.Marshal(cmd)
	if err != nil {
		panic(fmt.Sprintf("FATAL: dispatched command failed to marshal: %v", err))
	}
	envelope := &command.CommandEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		CommandType:    cmd.CommandType(),
		Partition:      partition,
		Timestamp:      cmd.Timestamp(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	notification := &Notification{
		Kind:      res.kind,
		Sequence:  c.sequence,
		CommandID: idempotencyKey,
		Timestamp: cmd.Timestamp().UnixMicro(),
		Fields:    res.fields,
	}

	output := CoreOutput{
		Envelope:     envelope,
		Batch:        batch,
		Notification: notification,
	}

	// Step 8: Post-checks
	if err := c.postCheckInvariants(cmd); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 9: Emit outputs. Persistence uses a BLOCKING send — the core
	// stalls until the worker drains, so no applied command is lost.
	// Projections and the publisher use NON-BLOCKING sends with drop;
	// both rebuild from the log when they fall behind.
	select {
	case c.persistChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- output
	}

	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("outputs").Inc()
		}
	}

	if c.publishChan != nil {
		select {
		case c.publishChan <- notification:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}

	c.sequence++

	// Step 10: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(commandType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreCommandsApplied.WithLabelValues(commandType).Inc()
		c.metrics.CoreCommandDuration.WithLabelValues(commandType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		for _, m := range res.movements {
			c.metrics.CoreJournals.WithLabelValues(m.Kind.String()).Inc()
		}
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.lru.Size()))
		c.metrics.DedupLRUEvictions.Set(float64(c.idempotency.lru.Evictions()))
		c.publishDomainMetrics(cmd, res)
	}

	return nil
}

func (c *DeterministicCore) recordSequenceFailure(commandType, partition string, err error) {
	if c.metrics == nil {
		return
	}
	switch {
	case errors.Is(err, ErrSequenceGap):
		c.metrics.CommandSequenceGap.WithLabelValues(partition).Inc()
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "gap").Inc()
	case errors.Is(err, ErrOutOfOrder):
		c.metrics.CommandOutOfOrder.WithLabelValues(partition).Inc()
		c.metrics.CoreCommandsRejected.WithLabelValues(commandType, "out_of_order").Inc()
	}
}

// makeBatch converts recorded movements into a journal batch. Commands
// that move no tokens (rate changes, pauses, approvals, zero claims)
// still need a log row, so they get an empty batch.
func (c *DeterministicCore) makeBatch(commandRef string, ts time.Time, movements []token.Movement) *token.Batch {
	if len(movements) == 0 {
		return &token.Batch{
			BatchID:    uuid.New(),
			CommandRef: commandRef,
			Sequence:   c.sequence,
			Timestamp:  ts.UnixMicro(),
			Journals:   []token.Journal{},
		}
	}
	batch, err := token.NewBatchFromMovements(commandRef, c.sequence, ts.UnixMicro(), movements)
	if err != nil {
		panic(fmt.Sprintf("FATAL: engine emitted malformed movements: %v", err))
	}
	if err := batch.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
	}
	return batch
}

// computeStateDigest creates canonical bytes for the state hash: every
// balance account the batch touched, sorted by account path, encoded as
// length-prefixed path and decimal balance strings.
func (c *DeterministicCore) computeStateDigest(batch *token.Batch) []byte {
	type accountRef struct {
		account uuid.UUID
		asset   token.AssetID
	}

	// Collect all affected accounts
	affected := make(map[accountRef]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[accountRef{j.DebitAccount, j.Asset}] = true
			affected[accountRef{j.CreditAccount, j.Asset}] = true
		}
	}

	refs := make([]accountRef, 0, len(affected))
	paths := make(map[accountRef]string, len(affected))
	for ref := range affected {
		refs = append(refs, ref)
		paths[ref] = token.AccountPath(ref.account, ref.asset)
	}

	// Sort by account path (deterministic string ordering)
	sort.Slice(refs, func(i, j int) bool {
		return paths[refs[i]] < paths[refs[j]]
	})

	// Build digest
	digest := make([]byte, 0, len(refs)*64)
	for _, ref := range refs {
		path := paths[ref]
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		balance := c.book.BalanceOf(ref.asset, ref.account).String()
		digest = append(digest, byte(len(balance)))
		digest = append(digest, []byte(balance)...)
	}

	return digest
}

// postCheckInvariants validates invariants after dispatch
func (c *DeterministicCore) postCheckInvariants(cmd command.Command) error {
	// Staked collateral must sit in the module account, exactly.
	if cmd.Partition() == command.PartitionStaking {
		held := c.book.BalanceOf(token.AssetStaking, token.StakingModuleAccount)
		tracked := c.staking.TotalStaked()
		if held.Cmp(tracked) != 0 {
			return fmt.Errorf("staking collateral drift: module holds %s, engine tracks %s",
				held, tracked)
		}
	}

	// Periodic global balance check: the book is zero-sum per asset
	// because deposits debit the external boundary account.
	if c.sequence > 0 && c.sequence%1000 == 0 {
		for asset, total := range c.book.GlobalBalance() {
			if total.Sign() != 0 {
				symbol, _ := token.GetAssetName(asset)
				return fmt.Errorf("global balance non-zero for %s: %s (at seq %d)",
					symbol, total, c.sequence)
			}
		}
	}

	return nil
}

// publishDomainMetrics refreshes the gauges a command can move.
func (c *DeterministicCore) publishDomainMetrics(cmd command.Command, res *commandResult) {
	switch cmd.CommandType() {
	case command.CommandTypeClaimRewards:
		c.metrics.RewardsClaimed.Inc()
	case command.CommandTypeTakeLoan:
		c.metrics.LoansTaken.Inc()
	case command.CommandTypeRepayLoan:
		c.metrics.LoansRepaid.Inc()
	case command.CommandTypeSwap:
		c.metrics.SwapsExecuted.Inc()
		if fee, ok := new(big.Int).SetString(res.fields["fee"], 10); ok {
			f, _ := new(big.Float).SetInt(fee).Float64()
			c.metrics.SwapFees.Add(f)
		}
	case command.CommandTypeProvideLiquidity:
		c.metrics.LiquidityEvents.WithLabelValues("provide").Inc()
	case command.CommandTypeRemoveLiquidity:
		c.metrics.LiquidityEvents.WithLabelValues("remove").Inc()
	}

	switch cmd.Partition() {
	case command.PartitionStaking, command.PartitionAdmin:
		observability.GaugeBig(c.metrics.StakingTotalStaked, c.staking.TotalStaked())
		observability.GaugeBig(c.metrics.StakingTotalBorrowed, c.staking.TotalBorrowed())
		observability.GaugeBig(c.metrics.StakingRewardRate, c.staking.RewardRate())
		if c.staking.IsPaused() {
			c.metrics.StakingPaused.Set(1)
		} else {
			c.metrics.StakingPaused.Set(0)
		}
	case command.PartitionAMM:
		reserveA, reserveB := c.pool.Reserves()
		symbolA, _ := token.GetAssetName(c.pool.AssetA())
		symbolB, _ := token.GetAssetName(c.pool.AssetB())
		observability.GaugeBig(c.metrics.PoolReserve.WithLabelValues(symbolA), reserveA)
		observability.GaugeBig(c.metrics.PoolReserve.WithLabelValues(symbolB), reserveB)
		observability.GaugeBig(c.metrics.PoolTotalShares, c.pool.TotalLiquidity())
	}
}

func (c *DeterministicCore) dispatchCommand(cmd command.Command) (*commandResult, error) {
	switch e := cmd.(type) {
	case *command.Stake:
		return c.handleStake(e)
	case *command.Withdraw:
		return c.handleWithdraw(e)
	case *command.ClaimRewards:
		return c.handleClaimRewards(e)
	case *command.TakeLoan:
		return c.handleTakeLoan(e)
	case *command.RepayLoan:
		return c.handleRepayLoan(e)
	case *command.EmergencyWithdraw:
		return c.handleEmergencyWithdraw(e)
	case *command.SetRewardRate:
		return c.handleSetRewardRate(e)
	case *command.SetInterestRate:
		return c.handleSetInterestRate(e)
	case *command.Pause:
		return c.handlePause(e)
	case *command.Unpause:
		return c.handleUnpause(e)
	case *command.ProvideLiquidity:
		return c.handleProvideLiquidity(e)
	case *command.RemoveLiquidity:
		return c.handleRemoveLiquidity(e)
	case *command.Swap:
		return c.handleSwap(e)
	case *command.Deposit:
		return c.handleDeposit(e)
	case *command.Approve:
		return c.handleApprove(e)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// --- Staking handlers ---
//
// Staking time arithmetic runs on whole seconds; the command timestamp
// is truncated accordingly.

func (c *DeterministicCore) handleStake(cmd *command.Stake) (*commandResult, error) {
	res, err := c.staking.Stake(cmd.Account, cmd.Amount, cmd.Time.Unix())
	if err != nil {
		return nil, err
	}
	return &commandResult{
		movements: res.Movements,
		kind:      NoteStaked,
		fields: map[string]string{
			"account":        res.Account.String(),
			"amount":         res.Amount.String(),
			"staked_balance": res.StakedBalance.String(),
			"total_staked":   res.TotalStaked.String(),
		},
	}, nil
}

func (c *DeterministicCore) handleWithdraw(cmd *command.Withdraw) (*commandResult, error) {
	res, err := c.staking.Withdraw(cmd.Account, cmd.Amount, cmd.Time.Unix())
	if err != nil {
		return nil, err
	}
	return &commandResult{
		movements: res.Movements,
		kind:      NoteWithdrawn,
		fields: map[string]string{
			"account":        res.Account.String(),
			"amount":         res.Amount.String(),
			"staked_balance": res.StakedBalance.String(),
			"total_staked":   res.TotalStaked.String(),
		},
	}, nil
}

func (c *DeterministicCore) handleClaimRewards(cmd *command.ClaimRewards) (*commandResult, error) {
	res, err := c.staking.ClaimRewards(cmd.Account, cmd.Time.Unix())
	if err != nil {
		return nil, err
	}
	return &commandResult{
		movements: res.Movements,
		kind:      NoteRewardsClaimed,
		fields: map[string]string{
			"account": res.Account.String(),
			"amount":  res.Amount.String(),
		},
	}, nil
}

func (c *DeterministicCore) handleTakeLoan(cmd *command.TakeLoan) (*commandResult, error) {
	res, err := c.staking.TakeLoan(cmd.Account, cmd.Amount, cmd.Time.Unix())
	if err != nil {
		return nil, err
	}
	return &commandResult{
		movements: res.Movements,
		kind:      NoteLoanTaken,
		fields: map[string]string{
			"account":         res.Account.String(),
			"amount":          res.Amount.String(),
			"borrowed_amount": res.BorrowedAmount.String(),
			"total_borrowed":  res.TotalBorrowed.String(),
			"loan_start_time": strconv.FormatInt(res.LoanStartTime, 10),
		},
	}, nil
}

func (c *DeterministicCore) handleRepayLoan(cmd *command.RepayLoan) (*commandResult, error) {
	res, err := c.staking.RepayLoan(cmd.Account, cmd.Amount, cmd.Time.Unix())
	if err != nil {
		return nil, err
	}
	return &commandResult{
		movements: res.Movements,
		kind:      NoteLoanRepaid,
		fields: map[string]string{
			"account":         res.Account.String(),
			"amount":          res.Amount.String(),
			"interest_paid":   res.InterestPaid.String(),
			"borrowed_amount": res.BorrowedAmount.String(),
			"total_borrowed":  res.TotalBorrowed.String(),
			"fully_repaid":    strconv.FormatBool(res.FullyRepaid),
		},
	}, nil
}

func (c *DeterministicCore) handleEmergencyWithdraw(cmd *command.EmergencyWithdraw) (*commandResult, error) {
	res, err := c.staking.EmergencyWithdraw(cmd.Account, cmd.Time.Unix())
	if err != nil {
		return nil, err
	}
	return &commandResult{
		movements: res.Movements,
		kind:      NoteEmergencyWithdrawn,
		fields: map[string]string{
			"account":          res.Account.String(),
			"amount":           res.Amount.String(),
			"loan_written_off": res.LoanWrittenOff.String(),
			"total_staked":     res.TotalStaked.String(),
		},
	}, nil
}

// --- Admin handlers ---

func (c *DeterministicCore) handleSetRewardRate(cmd *command.SetRewardRate) (*commandResult, error) {
	res, err := c.staking.SetRewardRate(cmd.Account, cmd.Rate, cmd.Time.Unix())
	if err != nil {
		return nil, err
	}
	return &commandResult{
		kind: NoteRewardRateChanged,
		fields: map[string]string{
			"previous_rate": res.PreviousRate.String(),
			"new_rate":      res.NewRate.String(),
		},
	}, nil
}

func (c *DeterministicCore) handleSetInterestRate(cmd *command.SetInterestRate) (*commandResult, error) {
	res, err := c.staking.SetInterestRate(cmd.Account, cmd.Rate)
	if err != nil {
		return nil, err
	}
	return &commandResult{
		kind: NoteInterestRateChanged,
		fields: map[string]string{
			"previous_rate": res.PreviousRate.String(),
			"new_rate":      res.NewRate.String(),
		},
	}, nil
}

func (c *DeterministicCore) handlePause(cmd *command.Pause) (*commandResult, error) {
	if _, err := c.staking.Pause(cmd.Account); err != nil {
		return nil, err
	}
	return &commandResult{
		kind:   NotePaused,
		fields: map[string]string{"by": cmd.Account.String()},
	}, nil
}

func (c *DeterministicCore) handleUnpause(cmd *command.Unpause) (*commandResult, error) {
	if _, err := c.staking.Unpause(cmd.Account); err != nil {
		return nil, err
	}
	return &commandResult{
		kind:   NoteUnpaused,
		fields: map[string]string{"by": cmd.Account.String()},
	}, nil
}

// --- AMM handlers ---

func (c *DeterministicCore) handleProvideLiquidity(cmd *command.ProvideLiquidity) (*commandResult, error) {
	assetIn, ok := token.GetAssetID(cmd.Token)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", cmd.Token)
	}
	res, err := c.pool.ProvideLiquidity(cmd.Account, assetIn, cmd.Amount)
	if err != nil {
		return nil, err
	}
	pairedSymbol, _ := token.GetAssetName(res.PairedAsset)
	return &commandResult{
		movements: res.Movements,
		kind:      NoteLiquidityProvided,
		fields: map[string]string{
			"account":       res.Account.String(),
			"token_in":      cmd.Token,
			"amount_in":     res.AmountIn.String(),
			"paired_token":  pairedSymbol,
			"paired_amount": res.PairedAmount.String(),
			"shares_minted": res.SharesMinted.String(),
			"total_shares":  res.TotalLiquidity.String(),
			"reserve_a":     res.ReserveA.String(),
			"reserve_b":     res.ReserveB.String(),
		},
	}, nil
}

func (c *DeterministicCore) handleRemoveLiquidity(cmd *command.RemoveLiquidity) (*commandResult, error) {
	res, err := c.pool.RemoveLiquidity(cmd.Account, cmd.Shares)
	if err != nil {
		return nil, err
	}
	return &commandResult{
		movements: res.Movements,
		kind:      NoteLiquidityRemoved,
		fields: map[string]string{
			"account":       res.Account.String(),
			"shares_burned": res.SharesBurned.String(),
			"amount_a":      res.AmountA.String(),
			"amount_b":      res.AmountB.String(),
			"total_shares":  res.TotalLiquidity.String(),
			"reserve_a":     res.ReserveA.String(),
			"reserve_b":     res.ReserveB.String(),
		},
	}, nil
}

func (c *DeterministicCore) handleSwap(cmd *command.Swap) (*commandResult, error) {
	assetIn, ok := token.GetAssetID(cmd.TokenIn)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", cmd.TokenIn)
	}
	res, err := c.pool.Swap(cmd.Account, assetIn, cmd.AmountIn, cmd.MinAmountOut)
	if err != nil {
		return nil, err
	}
	outSymbol, _ := token.GetAssetName(res.TokenOut)
	return &commandResult{
		movements: res.Movements,
		kind:      NoteSwapped,
		fields: map[string]string{
			"account":    res.Account.String(),
			"token_in":   cmd.TokenIn,
			"token_out":  outSymbol,
			"amount_in":  res.AmountIn.String(),
			"fee":        res.FeeAmount.String(),
			"amount_out": res.AmountOut.String(),
			"reserve_a":  res.ReserveA.String(),
			"reserve_b":  res.ReserveB.String(),
		},
	}, nil
}

// --- Token boundary handlers ---

func (c *DeterministicCore) handleDeposit(cmd *command.Deposit) (*commandResult, error) {
	assetID, ok := token.GetAssetID(cmd.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", cmd.Asset)
	}
	if err := c.book.Deposit(assetID, cmd.Account, cmd.Amount); err != nil {
		return nil, err
	}
	return &commandResult{
		movements: []token.Movement{{
			Kind:   token.MovementExternalDeposit,
			Asset:  assetID,
			From:   token.DepositsAccount,
			To:     cmd.Account,
			Amount: new(big.Int).Set(cmd.Amount),
		}},
		kind: NoteTokenDeposited,
		fields: map[string]string{
			"account": cmd.Account.String(),
			"asset":   cmd.Asset,
			"amount":  cmd.Amount.String(),
			"balance": c.book.BalanceOf(assetID, cmd.Account).String(),
		},
	}, nil
}

func (c *DeterministicCore) handleApprove(cmd *command.Approve) (*commandResult, error) {
	assetID, ok := token.GetAssetID(cmd.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset: %s", cmd.Asset)
	}
	if err := c.book.Approve(assetID, cmd.Account, cmd.Spender, cmd.Amount); err != nil {
		return nil, err
	}
	return &commandResult{
		kind: NoteAllowanceSet,
		fields: map[string]string{
			"owner":   cmd.Account.String(),
			"spender": cmd.Spender.String(),
			"asset":   cmd.Asset,
			"amount":  cmd.Amount.String(),
		},
	}, nil
}

// --- Replay ---

// ReplayCommand re-applies one log row during recovery. Nothing is
// emitted downstream: persistence already has the row and projections
// rebuild separately. Every row's chain linkage and resulting state
// hash are verified, so a corrupted or reordered log halts recovery
// instead of silently diverging.
func (c *DeterministicCore) ReplayCommand(rec *command.CommandEnvelope) error {
	if rec.Sequence != c.sequence {
		return fmt.Errorf("replay sequence mismatch: log has %d, core expects %d",
			rec.Sequence, c.sequence)
	}
	if rec.PrevHash != c.hasher.GetPrevHash() {
		return fmt.Errorf("replay chain broken at seq %d: prev hash mismatch", rec.Sequence)
	}

	cmd, err := command.Unmarshal(rec.CommandType, rec.Payload)
	if err != nil {
		return fmt.Errorf("replay decode failed at seq %d: %w", rec.Sequence, err)
	}

	res, err := c.dispatchCommand(cmd)
	if err != nil {
		return fmt.Errorf("replay dispatch failed at seq %d: %w", rec.Sequence, err)
	}

	batch := c.makeBatch(rec.IdempotencyKey, rec.Timestamp, res.movements)
	stateDigest := c.computeStateDigest(batch)
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if stateHash != rec.StateHash {
		return fmt.Errorf("replay hash mismatch at seq %d: state diverged from log", rec.Sequence)
	}

	c.sequence++
	c.idempotency.MarkProcessed(rec.CommandType.String(), rec.IdempotencyKey)
	c.sequenceValidator.SetExpectedSequence(rec.Partition, rec.SourceSequence+1)

	if c.metrics != nil {
		c.metrics.ReplayCommandsTotal.Inc()
	}
	return nil
}

// --- Snapshot restore & startup ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Book            token.BookSnapshot
	Staking         staking.EngineSnapshot
	Pool            amm.EngineSnapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state. On warm
// restart, load the latest snapshot, then replay log rows after it.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.book.Restore(snap.Book); err != nil {
		return fmt.Errorf("restore book: %w", err)
	}
	if err := c.staking.Restore(snap.Staking); err != nil {
		return fmt.Errorf("restore staking: %w", err)
	}
	if err := c.pool.Restore(snap.Pool); err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}

	// Next sequence to assign
	c.sequence = snap.Sequence + 1

	// Restore state hash chain
	c.hasher.SetPrevHash(snap.StateHash)

	// Restore sequence validator watermarks
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}

	// Reload recent idempotency keys so warm restarts skip the DB tier
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	return nil
}

// CreateSnapshotState captures the current in-memory state for
// persistence. Must be called from the core loop.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Book:            c.book.Snapshot(),
		Staking:         c.staking.Snapshot(),
		Pool:            c.pool.Snapshot(),
		SequenceState:   c.sequenceValidator.Snapshot(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// SetExpectedSourceSequence seeds a partition watermark during startup,
// e.g. from the durable consumer position after replay.
func (c *DeterministicCore) SetExpectedSourceSequence(partition string, seq int64) {
	c.sequenceValidator.SetExpectedSequence(partition, seq)
}

// ExpectedSourceSequence returns the next source sequence a partition
// will accept. Submitters seed their counters from it after recovery.
func (c *DeterministicCore) ExpectedSourceSequence(partition string) int64 {
	return c.sequenceValidator.GetExpectedSequence(partition)
}

// GetSequence returns the next global sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Book exposes the token ledger for reads. Callers outside the core
// loop must not mutate it; serving paths read the projections instead.
func (c *DeterministicCore) Book() *token.Book { return c.book }

// Staking exposes the staking engine for reads.
func (c *DeterministicCore) Staking() *staking.Engine { return c.staking }

// Pool exposes the AMM engine for reads.
func (c *DeterministicCore) Pool() *amm.Engine { return c.pool }
