package core

// Notification kinds, one per externally observable state change. The
// publisher maps each kind onto its own NATS subject; projections use
// the kind to route rows into the notifications table.
const (
	NoteStaked              = "staked"
	NoteWithdrawn           = "withdrawn"
	NoteRewardsClaimed      = "rewards_claimed"
	NoteLoanTaken           = "loan_taken"
	NoteLoanRepaid          = "loan_repaid"
	NoteEmergencyWithdrawn  = "emergency_withdrawn"
	NoteRewardRateChanged   = "reward_rate_changed"
	NoteInterestRateChanged = "interest_rate_changed"
	NotePaused              = "paused"
	NoteUnpaused            = "unpaused"
	NoteLiquidityProvided   = "liquidity_provided"
	NoteLiquidityRemoved    = "liquidity_removed"
	NoteSwapped             = "swapped"
	NoteTokenDeposited      = "token_deposited"
	NoteAllowanceSet        = "allowance_set"
)

// Notification is the outward-facing record of one applied command. It
// carries the operation's observables as decimal strings so consumers
// never read core state back. Replayed commands emit no notifications.
type Notification struct {
	Kind      string            `json:"kind"`
	Sequence  int64             `json:"sequence"`
	CommandID string            `json:"command_id"`
	Timestamp int64             `json:"timestamp"` // epoch microseconds
	Fields    map[string]string `json:"fields"`
}
