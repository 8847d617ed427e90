package command

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Deposit credits tokens to an account from the external boundary,
// e.g. a bridge or faucet confirming an on-chain transfer.
type Deposit struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Asset     string
	Amount    *big.Int
	Sequence  int64
	Time      time.Time
}

func (d *Deposit) IdempotencyKey() string { return d.CommandID.String() }

func (d *Deposit) CommandType() CommandType { return CommandTypeDeposit }

func (d *Deposit) Partition() string { return PartitionDeposits }

func (d *Deposit) SourceSequence() int64 { return d.Sequence }

func (d *Deposit) Actor() uuid.UUID { return d.Account }

func (d *Deposit) Timestamp() time.Time { return d.Time }

// Approve sets an absolute spending allowance for a module account.
type Approve struct {
	CommandID uuid.UUID
	Account   uuid.UUID // Owner granting the allowance
	Asset     string
	Spender   uuid.UUID
	Amount    *big.Int
	Sequence  int64
	Time      time.Time
}

func (a *Approve) IdempotencyKey() string { return a.CommandID.String() }

func (a *Approve) CommandType() CommandType { return CommandTypeApprove }

func (a *Approve) Partition() string { return PartitionDeposits }

func (a *Approve) SourceSequence() int64 { return a.Sequence }

func (a *Approve) Actor() uuid.UUID { return a.Account }

func (a *Approve) Timestamp() time.Time { return a.Time }
