package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"DefiLedger/internal/command"
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds raw
// commands into the parse loop via commandChan. JetStream is the
// primary high-throughput command surface; each command kind has its
// own subject so consumers scale independently.
type NATSSubscriber struct {
	js          jetstream.JetStream
	commandChan chan<- RawCommand
	consumers   []jetstream.ConsumeContext
}

// RawCommand is an undecoded command off the wire, ready for the parse
// loop to convert into a typed command.Command before handing to the
// core. HTTP-submitted commands skip this stage entirely.
type RawCommand struct {
	Subject  string
	Data     []byte
	Received time.Time
	AckFunc  func() // ACK after the command is queued for processing
	NakFunc  func() // NAK on failure (redelivered up to max_deliver)
}

// SubjectConfig maps a NATS subject to a command kind.
type SubjectConfig struct {
	Subject      string
	CommandType  command.CommandType
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the standard subject layout: one subject per
// command kind, grouped into streams by partition.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "defi.staking.stake.>", CommandType: command.CommandTypeStake, ConsumerName: "ledger-stake", StreamName: "DEFI_STAKING"},
		{Subject: "defi.staking.withdraw.>", CommandType: command.CommandTypeWithdraw, ConsumerName: "ledger-withdraw", StreamName: "DEFI_STAKING"},
		{Subject: "defi.staking.claim.>", CommandType: command.CommandTypeClaimRewards, ConsumerName: "ledger-claim", StreamName: "DEFI_STAKING"},
		{Subject: "defi.staking.loan.take.>", CommandType: command.CommandTypeTakeLoan, ConsumerName: "ledger-loan-take", StreamName: "DEFI_STAKING"},
		{Subject: "defi.staking.loan.repay.>", CommandType: command.CommandTypeRepayLoan, ConsumerName: "ledger-loan-repay", StreamName: "DEFI_STAKING"},
		{Subject: "defi.staking.emergency.>", CommandType: command.CommandTypeEmergencyWithdraw, ConsumerName: "ledger-emergency", StreamName: "DEFI_STAKING"},
		{Subject: "defi.admin.reward_rate.>", CommandType: command.CommandTypeSetRewardRate, ConsumerName: "ledger-reward-rate", StreamName: "DEFI_ADMIN"},
		{Subject: "defi.admin.interest_rate.>", CommandType: command.CommandTypeSetInterestRate, ConsumerName: "ledger-interest-rate", StreamName: "DEFI_ADMIN"},
		{Subject: "defi.admin.pause.>", CommandType: command.CommandTypePause, ConsumerName: "ledger-pause", StreamName: "DEFI_ADMIN"},
		{Subject: "defi.admin.unpause.>", CommandType: command.CommandTypeUnpause, ConsumerName: "ledger-unpause", StreamName: "DEFI_ADMIN"},
		{Subject: "defi.amm.liquidity.provide.>", CommandType: command.CommandTypeProvideLiquidity, ConsumerName: "ledger-liq-provide", StreamName: "DEFI_AMM"},
		{Subject: "defi.amm.liquidity.remove.>", CommandType: command.CommandTypeRemoveLiquidity, ConsumerName: "ledger-liq-remove", StreamName: "DEFI_AMM"},
		{Subject: "defi.amm.swap.>", CommandType: command.CommandTypeSwap, ConsumerName: "ledger-swap", StreamName: "DEFI_AMM"},
		{Subject: "defi.tokens.deposit.>", CommandType: command.CommandTypeDeposit, ConsumerName: "ledger-deposit", StreamName: "DEFI_TOKENS"},
		{Subject: "defi.tokens.approve.>", CommandType: command.CommandTypeApprove, ConsumerName: "ledger-approve", StreamName: "DEFI_TOKENS"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, commandChan chan<- RawCommand) *NATSSubscriber {
	return &NATSSubscriber{
		js:          js,
		commandChan: commandChan,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawCommand{
				Subject:  msg.Subject(),
				Data:     msg.Data(),
				Received: time.Now(),
				AckFunc:  func() { msg.Ack() },
				NakFunc:  func() { msg.Nak() },
			}

			select {
			case ns.commandChan <- raw:
				// Queued for parsing
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

// EnsureStreams creates the inbound JetStream streams if they don't
// exist: one stream per sequence partition, FileStorage, retention by
// limits, 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "DEFI_STAKING",
			Subjects:  []string{"defi.staking.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DEFI_ADMIN",
			Subjects:  []string{"defi.admin.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DEFI_AMM",
			Subjects:  []string{"defi.amm.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "DEFI_TOKENS",
			Subjects:  []string{"defi.tokens.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
