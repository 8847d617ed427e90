package persistence

import (
	"context"
	"database/sql"
	"time"

	"DefiLedger/internal/observability"
)

// PostgresIdempotencyChecker is the tier-2 dedup lookup behind the LRU:
// a command whose key aged out of memory is still caught here because
// every applied command has a log row.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewPostgresIdempotencyChecker(db *sql.DB, metrics *observability.Metrics) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db, metrics: metrics}
}

// IsDuplicate checks whether the command already has a row in the event
// log. The lookup is bounded: the core treats a timeout or DB error as
// not-duplicate and relies on source-sequence validation to keep
// redeliveries out.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	defer func() {
		if pic.metrics != nil {
			pic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
	}()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE command_type = $1 AND idempotency_key = $2
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, commandType, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
