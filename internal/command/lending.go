package command

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// TakeLoan borrows reward tokens against staked collateral.
type TakeLoan struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Amount    *big.Int
	Sequence  int64
	Time      time.Time
}

func (t *TakeLoan) IdempotencyKey() string { return t.CommandID.String() }

func (t *TakeLoan) CommandType() CommandType { return CommandTypeTakeLoan }

func (t *TakeLoan) Partition() string { return PartitionStaking }

func (t *TakeLoan) SourceSequence() int64 { return t.Sequence }

func (t *TakeLoan) Actor() uuid.UUID { return t.Account }

func (t *TakeLoan) Timestamp() time.Time { return t.Time }

// RepayLoan pays back loan principal plus the interest due.
type RepayLoan struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Amount    *big.Int
	Sequence  int64
	Time      time.Time
}

func (r *RepayLoan) IdempotencyKey() string { return r.CommandID.String() }

func (r *RepayLoan) CommandType() CommandType { return CommandTypeRepayLoan }

func (r *RepayLoan) Partition() string { return PartitionStaking }

func (r *RepayLoan) SourceSequence() int64 { return r.Sequence }

func (r *RepayLoan) Actor() uuid.UUID { return r.Account }

func (r *RepayLoan) Timestamp() time.Time { return r.Time }
