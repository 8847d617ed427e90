package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"DefiLedger/internal/command"
	"DefiLedger/internal/core"
	"DefiLedger/internal/token"
)

// execer is satisfied by *sql.DB and *sql.Tx, so batch writes can run
// standalone or inside the worker's per-flush transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes applied commands and their journals to Postgres
// using multi-row INSERTs. Writes are idempotent on conflict so a replayed
// flush after a crash cannot duplicate rows.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is one row of event_log.events: the durable form of a
// command envelope.
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	Partition      string
	Payload        []byte // JSON-encoded command (wire format)
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow is one row of event_log.journal. Amounts are decimal
// strings bound to a NUMERIC column so arbitrary-precision values
// survive the round trip.
type JournalRow struct {
	JournalID     string
	BatchID       string
	CommandRef    string
	Sequence      int64
	Kind          string
	Asset         string
	DebitAccount  string
	CreditAccount string
	Amount        string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// RowsFromOutput flattens one core output into its event row and journal
// rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	event := EventRow{
		Sequence:       env.Sequence,
		CommandType:    env.CommandType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}

	var journals []JournalRow
	if out.Batch != nil && len(out.Batch.Journals) > 0 {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			symbol, _ := token.GetAssetName(j.Asset)
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				CommandRef:    j.CommandRef,
				Sequence:      j.Sequence,
				Kind:          j.Kind.String(),
				Asset:         symbol,
				DebitAccount:  j.DebitAccount.String(),
				CreditAccount: j.CreditAccount.String(),
				Amount:        j.Amount.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return event, journals
}

// EnvelopeFromRow rebuilds the command envelope used by replay.
func EnvelopeFromRow(e EventRow) (*command.CommandEnvelope, error) {
	ct, ok := command.CommandTypeFromString(e.CommandType)
	if !ok {
		return nil, fmt.Errorf("persistence: unknown command type %q at seq %d", e.CommandType, e.Sequence)
	}
	if len(e.StateHash) != 32 || len(e.PrevHash) != 32 {
		return nil, fmt.Errorf("persistence: malformed hash at seq %d", e.Sequence)
	}
	env := &command.CommandEnvelope{
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		CommandType:    ct,
		Partition:      e.Partition,
		Timestamp:      e.Timestamp,
		SourceSequence: e.SourceSequence,
		Payload:        e.Payload,
	}
	copy(env.StateHash[:], e.StateHash)
	copy(env.PrevHash[:], e.PrevHash)
	return env, nil
}

// WriteEventBatch writes a batch of event rows. The exec target is the
// caller's transaction (or the bare DB for one-off writes).
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, command_type, idempotency_key, partition, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.Partition,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal rows.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, command_ref, sequence, kind, asset, debit_account, credit_account, amount, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.CommandRef, j.Sequence,
			j.Kind, j.Asset, j.DebitAccount, j.CreditAccount,
			j.Amount, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
