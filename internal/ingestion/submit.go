package ingestion

import (
	"context"
	"sync"

	"DefiLedger/internal/command"
)

// CommandSubmitter feeds locally-originated commands (the HTTP API)
// into the same inbound channel the NATS parse loop writes to. Unlike
// NATS producers, HTTP clients do not carry source sequences, so the
// submitter owns a per-partition counter seeded from the core's
// watermarks after recovery. Sequence assignment and the channel send
// happen under one lock: two concurrent submissions must enter the
// channel in the order their sequences were drawn, or the core's
// ordering check rejects the later one as a gap.
//
// A deployment feeds each partition from one side only — either its
// NATS stream or the HTTP API. Mixing producers on one partition would
// fork the sequence space.
type CommandSubmitter struct {
	mu          sync.Mutex
	commandChan chan<- command.Command
	nextSeq     map[string]int64
}

func NewCommandSubmitter(commandChan chan<- command.Command) *CommandSubmitter {
	return &CommandSubmitter{
		commandChan: commandChan,
		nextSeq:     make(map[string]int64),
	}
}

// Seed sets the next sequence to assign for a partition. Called once at
// startup, after snapshot restore and log replay have advanced the
// core's expectations.
func (cs *CommandSubmitter) Seed(partition string, next int64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.nextSeq[partition] = next
}

// Submit allocates the partition's next source sequence, builds the
// command with it, and enqueues it for the core. The sequence is only
// consumed when the send succeeds; a cancelled context leaves the
// counter untouched.
func (cs *CommandSubmitter) Submit(ctx context.Context, partition string, build func(sourceSeq int64) command.Command) (command.Command, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	seq := cs.nextSeq[partition]
	cmd := build(seq)

	select {
	case cs.commandChan <- cmd:
		cs.nextSeq[partition] = seq + 1
		return cmd, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
