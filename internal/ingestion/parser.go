package ingestion

import (
	"fmt"
	"strings"

	"DefiLedger/internal/command"
)

// ParseRawCommand converts a raw NATS message into a typed command. The
// subject names the command kind; the body is the shared wire JSON with
// decimal-string amounts. Structural failures (unknown subject, bad
// JSON, malformed UUIDs or amounts) are terminal: the caller acks and
// drops the message, because redelivery cannot fix a malformed payload.
func ParseRawCommand(raw RawCommand, subjects []SubjectConfig) (command.Command, error) {
	ct, ok := ResolveCommandType(raw.Subject, subjects)
	if !ok {
		return nil, fmt.Errorf("unknown subject: %s", raw.Subject)
	}

	cmd, err := command.Unmarshal(ct, raw.Data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", ct, err)
	}
	return cmd, nil
}

// ResolveCommandType finds the command kind for a NATS subject by
// longest-prefix match against the configured subjects. Configured
// subjects end in ".>" (producers append an account suffix); the
// wildcard is stripped before matching.
func ResolveCommandType(subject string, subjects []SubjectConfig) (command.CommandType, bool) {
	bestLen := 0
	best := command.CommandTypeUnknown
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ".>")
		if !strings.HasPrefix(subject, prefix) {
			continue
		}
		// Exact, or at a token boundary: loan.take must not match loan.takeover
		if len(subject) > len(prefix) && subject[len(prefix)] != '.' {
			continue
		}
		if len(prefix) > bestLen {
			bestLen = len(prefix)
			best = cfg.CommandType
		}
	}
	return best, bestLen > 0
}
