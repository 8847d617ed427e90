package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"DefiLedger/internal/amm"
	"DefiLedger/internal/command"
	"DefiLedger/internal/core"
	"DefiLedger/internal/observability"
	"DefiLedger/internal/staking"
	"DefiLedger/internal/token"
)

// SnapshotManager persists and restores core state snapshots, and loads
// log rows for replay. On warm restart: load the latest verified
// snapshot, restore the core from it, then replay rows after it.
type SnapshotManager struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewSnapshotManager(db *sql.DB, metrics *observability.Metrics) *SnapshotManager {
	return &SnapshotManager{db: db, metrics: metrics}
}

// snapshotDoc is the JSON layout of the snapshots.data column. The state
// hash travels as hex so the document stays readable in psql.
type snapshotDoc struct {
	Sequence        int64                  `json:"sequence"`
	StateHash       string                 `json:"state_hash"`
	Book            token.BookSnapshot     `json:"book"`
	Staking         staking.EngineSnapshot `json:"staking"`
	Pool            amm.EngineSnapshot     `json:"pool"`
	SequenceState   map[string]int64       `json:"sequence_state"`
	IdempotencyKeys []string               `json:"idempotency_keys"`
	CreatedAt       time.Time              `json:"created_at"`
}

// SaveSnapshot persists a core snapshot. Snapshots are written
// unverified; the caller marks them verified after a replay check.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, state *core.SnapshotState) error {
	start := time.Now()

	doc := snapshotDoc{
		Sequence:        state.Sequence,
		StateHash:       hex.EncodeToString(state.StateHash[:]),
		Book:            state.Book,
		Staking:         state.Staking,
		Pool:            state.Pool,
		SequenceState:   state.SequenceState,
		IdempotencyKeys: state.IdempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	const formatVersion = int32(1) // v1: JSON-encoded snapshotDoc
	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), state.Sequence, data, state.StateHash[:], formatVersion, len(data), doc.CreatedAt)
	if err != nil {
		return err
	}

	if sm.metrics != nil {
		sm.metrics.SnapshotTaken.Inc()
		sm.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		sm.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		sm.metrics.SnapshotLastSeq.Set(float64(state.Sequence))
	}
	return nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on
// a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	hash, err := hex.DecodeString(doc.StateHash)
	if err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("snapshot at seq %d has malformed state hash", doc.Sequence)
	}

	state := &core.SnapshotState{
		Sequence:        doc.Sequence,
		Book:            doc.Book,
		Staking:         doc.Staking,
		Pool:            doc.Pool,
		SequenceState:   doc.SequenceState,
		IdempotencyKeys: doc.IdempotencyKeys,
	}
	copy(state.StateHash[:], hash)
	return state, nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEnvelopes loads log rows from a given sequence, in order, for
// replay. Used for warm restart (from snapshot.sequence+1) and cold
// restart (from 0).
func (sm *SnapshotManager) LoadEnvelopes(ctx context.Context, fromSequence int64, limit int) ([]*command.CommandEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, command_type, idempotency_key, partition, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*command.CommandEnvelope
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.CommandType, &e.IdempotencyKey, &e.Partition,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		env, err := EnvelopeFromRow(e)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}

	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return -1, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// LoadRecentIdempotencyKeys returns the composite dedup keys
// ("CommandType:idempotency_key") of the most recent rows, oldest first,
// ready for LRU warming.
func (sm *SnapshotManager) LoadRecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT command_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var commandType, key string
		if err := rows.Scan(&commandType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, commandType+":"+key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the query; reverse so the LRU evicts oldest first.
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return keys, nil
}
