package query

import "github.com/google/uuid"

// Amounts are decimal strings throughout: NUMERIC(78,0) columns do not
// fit int64 and callers re-parse with big.Int anyway.

// BalanceEntry is one account/asset balance for API queries.
type BalanceEntry struct {
	Account      uuid.UUID `json:"account"`
	Asset        string    `json:"asset"`
	Balance      string    `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// StakeAccountResponse is a user's staking position.
type StakeAccountResponse struct {
	Account        uuid.UUID `json:"account"`
	StakedBalance  string    `json:"staked_balance"`
	BorrowedAmount string    `json:"borrowed_amount"`
	LoanStartTime  int64     `json:"loan_start_time"`
	AsOfSequence   int64     `json:"as_of_sequence"`
}

// StakingStateResponse is the pool-wide staking state.
type StakingStateResponse struct {
	Paused        bool   `json:"paused"`
	RewardRate    string `json:"reward_rate"`
	InterestRate  string `json:"interest_rate"`
	TotalStaked   string `json:"total_staked"`
	TotalBorrowed string `json:"total_borrowed"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// PoolResponse is the AMM pool state with derived spot prices.
type PoolResponse struct {
	AssetA       string `json:"asset_a"`
	AssetB       string `json:"asset_b"`
	ReserveA     string `json:"reserve_a"`
	ReserveB     string `json:"reserve_b"`
	TotalShares  string `json:"total_shares"`
	SwapFee      string `json:"swap_fee"`
	PriceAInB    string `json:"price_a_in_b"` // WAD
	PriceBInA    string `json:"price_b_in_a"` // WAD
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ProviderResponse is one liquidity provider's share position.
type ProviderResponse struct {
	Account      uuid.UUID `json:"account"`
	Shares       string    `json:"shares"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PricesResponse is the WAD spot price pair at current reserves.
type PricesResponse struct {
	AssetA       string `json:"asset_a"`
	AssetB       string `json:"asset_b"`
	PriceAInB    string `json:"price_a_in_b"` // WAD
	PriceBInA    string `json:"price_b_in_a"` // WAD
	AsOfSequence int64  `json:"as_of_sequence"`
}

// SwapQuoteResponse prices a hypothetical swap at current reserves.
type SwapQuoteResponse struct {
	TokenIn      string `json:"token_in"`
	TokenOut     string `json:"token_out"`
	AmountIn     string `json:"amount_in"`
	FeeAmount    string `json:"fee_amount"`
	AmountOut    string `json:"amount_out"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// LiquidityQuoteResponse is the paired deposit a provision requires.
type LiquidityQuoteResponse struct {
	TokenIn      string `json:"token_in"`
	AmountIn     string `json:"amount_in"`
	PairedToken  string `json:"paired_token"`
	PairedAmount string `json:"paired_amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// HistoryEntry is one applied command from the notifications feed.
type HistoryEntry struct {
	Sequence  int64             `json:"sequence"`
	Kind      string            `json:"kind"`
	CommandID string            `json:"command_id"`
	Account   string            `json:"account,omitempty"`
	Timestamp int64             `json:"timestamp"`
	Fields    map[string]string `json:"fields"`
}

// IntegrityReport is the result of an integrity verification pass.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LastSequence     int64             `json:"last_sequence"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset is an asset whose balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
