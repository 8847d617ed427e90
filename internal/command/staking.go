package command

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Stake deposits staking tokens into the pool.
// Idempotency key: command_id (UUID assigned at the boundary).
type Stake struct {
	CommandID uuid.UUID // Idempotency key
	Account   uuid.UUID
	Amount    *big.Int
	Sequence  int64     // Source sequence from the staking stream
	Time      time.Time // Versioned input timestamp (NOT wall-clock)
}

func (s *Stake) IdempotencyKey() string { return s.CommandID.String() }

func (s *Stake) CommandType() CommandType { return CommandTypeStake }

func (s *Stake) Partition() string { return PartitionStaking }

func (s *Stake) SourceSequence() int64 { return s.Sequence }

func (s *Stake) Actor() uuid.UUID { return s.Account }

func (s *Stake) Timestamp() time.Time { return s.Time }

// Withdraw returns staked tokens to the caller.
type Withdraw struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Amount    *big.Int
	Sequence  int64
	Time      time.Time
}

func (w *Withdraw) IdempotencyKey() string { return w.CommandID.String() }

func (w *Withdraw) CommandType() CommandType { return CommandTypeWithdraw }

func (w *Withdraw) Partition() string { return PartitionStaking }

func (w *Withdraw) SourceSequence() int64 { return w.Sequence }

func (w *Withdraw) Actor() uuid.UUID { return w.Account }

func (w *Withdraw) Timestamp() time.Time { return w.Time }

// ClaimRewards pays out all rewards accrued so far.
type ClaimRewards struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Sequence  int64
	Time      time.Time
}

func (c *ClaimRewards) IdempotencyKey() string { return c.CommandID.String() }

func (c *ClaimRewards) CommandType() CommandType { return CommandTypeClaimRewards }

func (c *ClaimRewards) Partition() string { return PartitionStaking }

func (c *ClaimRewards) SourceSequence() int64 { return c.Sequence }

func (c *ClaimRewards) Actor() uuid.UUID { return c.Account }

func (c *ClaimRewards) Timestamp() time.Time { return c.Time }

// EmergencyWithdraw pulls the full stake out while paused, forfeiting
// rewards and writing off any open loan.
type EmergencyWithdraw struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Sequence  int64
	Time      time.Time
}

func (e *EmergencyWithdraw) IdempotencyKey() string { return e.CommandID.String() }

func (e *EmergencyWithdraw) CommandType() CommandType { return CommandTypeEmergencyWithdraw }

func (e *EmergencyWithdraw) Partition() string { return PartitionStaking }

func (e *EmergencyWithdraw) SourceSequence() int64 { return e.Sequence }

func (e *EmergencyWithdraw) Actor() uuid.UUID { return e.Account }

func (e *EmergencyWithdraw) Timestamp() time.Time { return e.Time }
