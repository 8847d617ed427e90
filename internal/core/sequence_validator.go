package core

import (
	"errors"
	"fmt"
)

// Sentinel errors so the core can classify rejections for metrics.
var (
	ErrOutOfOrder  = errors.New("out-of-order command")
	ErrSequenceGap = errors.New("sequence gap")
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale or duplicate
		if isDuplicate {
			// This is expected - already processed
			return nil
		}
		// Out-of-order delivery of NEW command
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		// Normal case - advance sequence
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	// sourceSequence > expected - gap detected
	sv.metrics.RecordGap(partition, expected, sourceSequence)
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// ValidateDepositSequence validates token boundary commands (gaps tolerated).
// Deposits and approvals arrive from an external bridge feed that may skip
// sequences it has already settled elsewhere, so only staleness is rejected.
func (sv *SequenceValidator) ValidateDepositSequence(
	partition string,
	sourceSequence int64,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		// Stale - silently ignore (idempotent)
		return errStaleDeposit
	}

	if sourceSequence > expected && expected > 0 {
		// Gap detected - log warning but accept
		sv.metrics.RecordDepositGap(partition, expected, sourceSequence)
		// Continue processing - boundary gaps are tolerable
	}

	// Update expected
	sv.expectedNextSeq[partition] = sourceSequence + 1

	return nil
}

// errStaleDeposit marks boundary commands that arrived behind the
// watermark; callers drop them without treating it as a failure.
var errStaleDeposit = errors.New("stale deposit sequence")

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Snapshot returns a copy of all partition watermarks.
func (sv *SequenceValidator) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe — only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps        map[string]int64 // partition -> gap count
	outOfOrder  map[string]int64 // partition -> out-of-order count
	depositGaps map[string]int64 // partition -> tolerated gap count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:        make(map[string]int64),
		outOfOrder:  make(map[string]int64),
		depositGaps: make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordDepositGap(partition string, expected, got int64) {
	m.depositGaps[partition]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetDepositGaps(partition string) int64 {
	return m.depositGaps[partition]
}
