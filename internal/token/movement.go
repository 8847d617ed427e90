package token

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// MovementKind classifies a token transfer for the journal.
type MovementKind int32

const (
	MovementExternalDeposit MovementKind = iota
	MovementStakeDeposit
	MovementStakeWithdrawal
	MovementEmergencyReturn
	MovementRewardPayout
	MovementLoanDisbursement
	MovementLoanRepayment
	MovementLiquidityDeposit
	MovementLiquidityWithdrawal
	MovementSwapIn
	MovementSwapOut
)

func (k MovementKind) String() string {
	switch k {
	case MovementExternalDeposit:
		return "external_deposit"
	case MovementStakeDeposit:
		return "stake_deposit"
	case MovementStakeWithdrawal:
		return "stake_withdrawal"
	case MovementEmergencyReturn:
		return "emergency_return"
	case MovementRewardPayout:
		return "reward_payout"
	case MovementLoanDisbursement:
		return "loan_disbursement"
	case MovementLoanRepayment:
		return "loan_repayment"
	case MovementLiquidityDeposit:
		return "liquidity_deposit"
	case MovementLiquidityWithdrawal:
		return "liquidity_withdrawal"
	case MovementSwapIn:
		return "swap_in"
	case MovementSwapOut:
		return "swap_out"
	default:
		return "unknown"
	}
}

// Movement is one completed transfer recorded by an engine. A command
// that moves tokens yields one movement per transfer, in execution
// order. Amounts are always positive; direction is From -> To.
type Movement struct {
	Kind   MovementKind
	Asset  AssetID
	From   uuid.UUID
	To     uuid.UUID
	Amount *big.Int
}

// Validate checks a movement list is well-formed before it reaches the
// journal: positive amounts, known assets, no self-transfers.
func ValidateMovements(movements []Movement) error {
	for i, m := range movements {
		if m.Amount == nil || m.Amount.Sign() <= 0 {
			return fmt.Errorf("movement %d (%s) has non-positive amount", i, m.Kind)
		}
		if _, ok := GetAssetName(m.Asset); !ok {
			return fmt.Errorf("movement %d (%s) has unknown asset %d", i, m.Kind, m.Asset)
		}
		if m.From == m.To {
			return fmt.Errorf("movement %d (%s) is a self-transfer on account %s",
				i, m.Kind, m.From)
		}
	}
	return nil
}
