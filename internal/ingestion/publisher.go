package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"DefiLedger/internal/core"
)

// OutboundPublisher publishes applied-command notifications to NATS for
// downstream consumers (indexers, dashboards). The core hands
// notifications over with a non-blocking send after the persist
// handoff, so the published feed trails the log and never gates it.
// Subjects follow the pattern defi.ledger.events.{kind}[.{account}].
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan *core.Notification
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan *core.Notification) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, n); err != nil {
				log.Printf("WARN: outbound publish failed seq=%d kind=%s: %v", n.Sequence, n.Kind, err)
				// Non-fatal: consumers can read the event log directly
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, n *core.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("defi.ledger.events.%s", n.Kind)
	if account, ok := n.Fields["account"]; ok && account != "" {
		subject = fmt.Sprintf("%s.%s", subject, account)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "DEFI_LEDGER_EVENTS",
		Subjects:  []string{"defi.ledger.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Println("INFO: ensured outbound stream DEFI_LEDGER_EVENTS")
	return nil
}
