package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownCommandType signals a discriminator the codec cannot handle.
var ErrUnknownCommandType = errors.New("command: unknown command type")

// wireCommand is the flat JSON shape shared by the inbound streams, the
// event-log payload column and replay. Amounts travel as decimal strings
// so arbitrary-precision values survive any JSON parser.
type wireCommand struct {
	CommandID    string `json:"command_id"`
	Account      string `json:"account"`
	Asset        string `json:"asset,omitempty"`
	Token        string `json:"token,omitempty"`
	TokenIn      string `json:"token_in,omitempty"`
	Spender      string `json:"spender,omitempty"`
	Amount       string `json:"amount,omitempty"`
	AmountIn     string `json:"amount_in,omitempty"`
	MinAmountOut string `json:"min_amount_out,omitempty"`
	Shares       string `json:"shares,omitempty"`
	Rate         string `json:"rate,omitempty"`
	Sequence     int64  `json:"sequence"`
	Timestamp    int64  `json:"timestamp"` // Epoch microseconds (versioned input)
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseWireUUID(field, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("command: field %s is not a UUID: %q", field, value)
	}
	return id, nil
}

func parseWireAmount(field, value string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("command: field %s is not a decimal integer: %q", field, value)
	}
	return v, nil
}

func parseOptionalAmount(field, value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	return parseWireAmount(field, value)
}

// Marshal encodes a command into its wire JSON.
func Marshal(cmd Command) ([]byte, error) {
	w := wireCommand{
		CommandID: cmd.IdempotencyKey(),
		Account:   cmd.Actor().String(),
		Sequence:  cmd.SourceSequence(),
		Timestamp: cmd.Timestamp().UnixMicro(),
	}

	switch c := cmd.(type) {
	case *Stake:
		w.Amount = bigString(c.Amount)
	case *Withdraw:
		w.Amount = bigString(c.Amount)
	case *ClaimRewards:
	case *TakeLoan:
		w.Amount = bigString(c.Amount)
	case *RepayLoan:
		w.Amount = bigString(c.Amount)
	case *EmergencyWithdraw:
	case *SetRewardRate:
		w.Rate = bigString(c.Rate)
	case *SetInterestRate:
		w.Rate = bigString(c.Rate)
	case *Pause:
	case *Unpause:
	case *ProvideLiquidity:
		w.Token = c.Token
		w.Amount = bigString(c.Amount)
	case *RemoveLiquidity:
		w.Shares = bigString(c.Shares)
	case *Swap:
		w.TokenIn = c.TokenIn
		w.AmountIn = bigString(c.AmountIn)
		w.MinAmountOut = bigString(c.MinAmountOut)
	case *Deposit:
		w.Asset = c.Asset
		w.Amount = bigString(c.Amount)
	case *Approve:
		w.Asset = c.Asset
		w.Spender = c.Spender.String()
		w.Amount = bigString(c.Amount)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommandType, cmd)
	}

	return json.Marshal(w)
}

// Unmarshal decodes payload into the command named by ct. Structural
// problems (bad UUIDs, unparseable amounts) fail here; semantic rules
// (positivity, balances, authorization) are the engines' job.
func Unmarshal(ct CommandType, payload []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("command: decode %s: %w", ct, err)
	}

	commandID, err := parseWireUUID("command_id", w.CommandID)
	if err != nil {
		return nil, err
	}
	account, err := parseWireUUID("account", w.Account)
	if err != nil {
		return nil, err
	}
	ts := time.UnixMicro(w.Timestamp)

	switch ct {
	case CommandTypeStake:
		amount, err := parseWireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &Stake{CommandID: commandID, Account: account, Amount: amount, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeWithdraw:
		amount, err := parseWireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &Withdraw{CommandID: commandID, Account: account, Amount: amount, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeClaimRewards:
		return &ClaimRewards{CommandID: commandID, Account: account, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeTakeLoan:
		amount, err := parseWireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &TakeLoan{CommandID: commandID, Account: account, Amount: amount, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeRepayLoan:
		amount, err := parseWireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &RepayLoan{CommandID: commandID, Account: account, Amount: amount, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeEmergencyWithdraw:
		return &EmergencyWithdraw{CommandID: commandID, Account: account, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeSetRewardRate:
		rate, err := parseWireAmount("rate", w.Rate)
		if err != nil {
			return nil, err
		}
		return &SetRewardRate{CommandID: commandID, Account: account, Rate: rate, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeSetInterestRate:
		rate, err := parseWireAmount("rate", w.Rate)
		if err != nil {
			return nil, err
		}
		return &SetInterestRate{CommandID: commandID, Account: account, Rate: rate, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypePause:
		return &Pause{CommandID: commandID, Account: account, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeUnpause:
		return &Unpause{CommandID: commandID, Account: account, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeProvideLiquidity:
		amount, err := parseWireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &ProvideLiquidity{CommandID: commandID, Account: account, Token: w.Token, Amount: amount, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeRemoveLiquidity:
		shares, err := parseWireAmount("shares", w.Shares)
		if err != nil {
			return nil, err
		}
		return &RemoveLiquidity{CommandID: commandID, Account: account, Shares: shares, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeSwap:
		amountIn, err := parseWireAmount("amount_in", w.AmountIn)
		if err != nil {
			return nil, err
		}
		minOut, err := parseOptionalAmount("min_amount_out", w.MinAmountOut)
		if err != nil {
			return nil, err
		}
		return &Swap{CommandID: commandID, Account: account, TokenIn: w.TokenIn, AmountIn: amountIn, MinAmountOut: minOut, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeDeposit:
		amount, err := parseWireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		return &Deposit{CommandID: commandID, Account: account, Asset: w.Asset, Amount: amount, Sequence: w.Sequence, Time: ts}, nil

	case CommandTypeApprove:
		amount, err := parseWireAmount("amount", w.Amount)
		if err != nil {
			return nil, err
		}
		spender, err := parseWireUUID("spender", w.Spender)
		if err != nil {
			return nil, err
		}
		return &Approve{CommandID: commandID, Account: account, Asset: w.Asset, Spender: spender, Amount: amount, Sequence: w.Sequence, Time: ts}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommandType, ct)
	}
}
