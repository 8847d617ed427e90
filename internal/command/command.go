package command

import (
	"time"

	"github.com/google/uuid"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeStake
	CommandTypeWithdraw
	CommandTypeClaimRewards
	CommandTypeTakeLoan
	CommandTypeRepayLoan
	CommandTypeEmergencyWithdraw
	CommandTypeSetRewardRate
	CommandTypeSetInterestRate
	CommandTypePause
	CommandTypeUnpause
	CommandTypeProvideLiquidity
	CommandTypeRemoveLiquidity
	CommandTypeSwap
	CommandTypeDeposit
	CommandTypeApprove
)

// Partition keys for source-sequence validation. Each key maps to one
// upstream stream whose sequences must stay ordered independently.
const (
	PartitionStaking  = "staking"
	PartitionAMM      = "amm"
	PartitionAdmin    = "admin"
	PartitionDeposits = "deposits"
)

// Command is the interface all inbound commands implement
type Command interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// CommandType returns the discriminator
	CommandType() CommandType

	// Partition returns the sequence-validation partition
	Partition() string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// Actor returns the account the command acts as
	Actor() uuid.UUID

	// Timestamp returns the versioned input timestamp (NOT wall-clock)
	Timestamp() time.Time
}

// CommandTypeFromString is the inverse of String, used when loading log
// rows whose command_type column is stored as text.
func CommandTypeFromString(s string) (CommandType, bool) {
	for ct := CommandTypeStake; ct <= CommandTypeApprove; ct++ {
		if ct.String() == s {
			return ct, true
		}
	}
	return CommandTypeUnknown, false
}

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeStake:
		return "Stake"
	case CommandTypeWithdraw:
		return "Withdraw"
	case CommandTypeClaimRewards:
		return "ClaimRewards"
	case CommandTypeTakeLoan:
		return "TakeLoan"
	case CommandTypeRepayLoan:
		return "RepayLoan"
	case CommandTypeEmergencyWithdraw:
		return "EmergencyWithdraw"
	case CommandTypeSetRewardRate:
		return "SetRewardRate"
	case CommandTypeSetInterestRate:
		return "SetInterestRate"
	case CommandTypePause:
		return "Pause"
	case CommandTypeUnpause:
		return "Unpause"
	case CommandTypeProvideLiquidity:
		return "ProvideLiquidity"
	case CommandTypeRemoveLiquidity:
		return "RemoveLiquidity"
	case CommandTypeSwap:
		return "Swap"
	case CommandTypeDeposit:
		return "Deposit"
	case CommandTypeApprove:
		return "Approve"
	default:
		return "Unknown"
	}
}

// CommandEnvelope wraps every applied command in the log
type CommandEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	CommandType CommandType

	// Sequence-validation partition
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}
