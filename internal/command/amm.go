package command

import (
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ProvideLiquidity deposits Token plus the ratio-keeping amount of the
// paired asset into the pool. Token is the asset symbol (e.g. "TKA");
// the core resolves it against the asset registry.
type ProvideLiquidity struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Token     string
	Amount    *big.Int
	Sequence  int64
	Time      time.Time
}

func (p *ProvideLiquidity) IdempotencyKey() string { return p.CommandID.String() }

func (p *ProvideLiquidity) CommandType() CommandType { return CommandTypeProvideLiquidity }

func (p *ProvideLiquidity) Partition() string { return PartitionAMM }

func (p *ProvideLiquidity) SourceSequence() int64 { return p.Sequence }

func (p *ProvideLiquidity) Actor() uuid.UUID { return p.Account }

func (p *ProvideLiquidity) Timestamp() time.Time { return p.Time }

// RemoveLiquidity burns pool shares for the pro-rata reserves.
type RemoveLiquidity struct {
	CommandID uuid.UUID
	Account   uuid.UUID
	Shares    *big.Int
	Sequence  int64
	Time      time.Time
}

func (r *RemoveLiquidity) IdempotencyKey() string { return r.CommandID.String() }

func (r *RemoveLiquidity) CommandType() CommandType { return CommandTypeRemoveLiquidity }

func (r *RemoveLiquidity) Partition() string { return PartitionAMM }

func (r *RemoveLiquidity) SourceSequence() int64 { return r.Sequence }

func (r *RemoveLiquidity) Actor() uuid.UUID { return r.Account }

func (r *RemoveLiquidity) Timestamp() time.Time { return r.Time }

// Swap trades AmountIn of TokenIn for the paired asset. MinAmountOut is
// a sanity bound on the output and must not exceed AmountIn.
type Swap struct {
	CommandID    uuid.UUID
	Account      uuid.UUID
	TokenIn      string
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Sequence     int64
	Time         time.Time
}

func (s *Swap) IdempotencyKey() string { return s.CommandID.String() }

func (s *Swap) CommandType() CommandType { return CommandTypeSwap }

func (s *Swap) Partition() string { return PartitionAMM }

func (s *Swap) SourceSequence() int64 { return s.Sequence }

func (s *Swap) Actor() uuid.UUID { return s.Account }

func (s *Swap) Timestamp() time.Time { return s.Time }
