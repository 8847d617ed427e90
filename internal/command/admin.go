package command

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// SetRewardRate replaces the per-second reward emission rate. Owner only.
// The new rate applies to the whole accrual window open at the time the
// command is processed.
type SetRewardRate struct {
	CommandID uuid.UUID
	Account   uuid.UUID // Must be the owner
	Rate      *big.Int
	Sequence  int64
	Time      time.Time
}

func (s *SetRewardRate) IdempotencyKey() string { return s.CommandID.String() }

func (s *SetRewardRate) CommandType() CommandType { return CommandTypeSetRewardRate }

func (s *SetRewardRate) Partition() string { return PartitionAdmin }

func (s *SetRewardRate) SourceSequence() int64 { return s.Sequence }

func (s *SetRewardRate) Actor() uuid.UUID { return s.Account }

func (s *SetRewardRate) Timestamp() time.Time { return s.Time }

// SetInterestRate replaces the annual loan interest rate. Owner only.
type SetInterestRate struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Rate      *big.Int
	Sequence  int64
	Time      time.Time
}

func (s *SetInterestRate) IdempotencyKey() string { return s.CommandID.String() }

func (s *SetInterestRate) CommandType() CommandType { return CommandTypeSetInterestRate }

func (s *SetInterestRate) Partition() string { return PartitionAdmin }

func (s *SetInterestRate) SourceSequence() int64 { return s.Sequence }

func (s *SetInterestRate) Actor() uuid.UUID { return s.Account }

func (s *SetInterestRate) Timestamp() time.Time { return s.Time }

// Pause halts stake, withdraw and claim until Unpause. Owner only.
type Pause struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Sequence  int64
	Time      time.Time
}

func (p *Pause) IdempotencyKey() string { return p.CommandID.String() }

func (p *Pause) CommandType() CommandType { return CommandTypePause }

func (p *Pause) Partition() string { return PartitionAdmin }

func (p *Pause) SourceSequence() int64 { return p.Sequence }

func (p *Pause) Actor() uuid.UUID { return p.Account }

func (p *Pause) Timestamp() time.Time { return p.Time }

// Unpause returns the pool to the active state. Owner only.
type Unpause struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Sequence  int64
	Time      time.Time
}

func (u *Unpause) IdempotencyKey() string { return u.CommandID.String() }

func (u *Unpause) CommandType() CommandType { return CommandTypeUnpause }

func (u *Unpause) Partition() string { return PartitionAdmin }

func (u *Unpause) SourceSequence() int64 { return u.Sequence }

func (u *Unpause) Actor() uuid.UUID { return u.Account }

func (u *Unpause) Timestamp() time.Time { return u.Time }
