package token

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID    // Unique identifier
	BatchID       uuid.UUID    // Groups entries from one command
	CommandRef    string       // Idempotency key of source command
	Sequence      int64        // Global command sequence
	Kind          MovementKind // Entry type
	Asset         AssetID      // Asset being transferred
	DebitAccount  uuid.UUID    // Account receiving debit (balance increases)
	CreditAccount uuid.UUID    // Account receiving credit (balance decreases)
	Amount        *big.Int     // Base-unit amount (ALWAYS positive)
	Timestamp     int64        // Command timestamp (epoch microseconds)
}

// Batch represents the journal entries produced by one command
type Batch struct {
	BatchID    uuid.UUID
	CommandRef string
	Sequence   int64
	Timestamp  int64
	Journals   []Journal
}

// NewBatchFromMovements converts the movements an engine recorded for one
// command into a balanced journal batch. Each movement becomes one entry:
// Amount flows from CreditAccount (movement From) to DebitAccount (movement
// To), so Σ debits == Σ credits holds per-entry by construction.
func NewBatchFromMovements(commandRef string, sequence, timestamp int64, movements []Movement) (*Batch, error) {
	if err := ValidateMovements(movements); err != nil {
		return nil, err
	}

	batch := &Batch{
		BatchID:    uuid.New(),
		CommandRef: commandRef,
		Sequence:   sequence,
		Timestamp:  timestamp,
		Journals:   make([]Journal, 0, len(movements)),
	}

	for _, m := range movements {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batch.BatchID,
			CommandRef:    commandRef,
			Sequence:      sequence,
			Kind:          m.Kind,
			Asset:         m.Asset,
			DebitAccount:  m.To,
			CreditAccount: m.From,
			Amount:        new(big.Int).Set(m.Amount),
			Timestamp:     timestamp,
		})
	}

	return batch, nil
}

// Validate ensures the batch is well-formed.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
