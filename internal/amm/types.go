package amm

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"

	"DefiLedger/internal/token"
)

// ProvideResult reports a completed liquidity provision.
type ProvideResult struct {
	Account        uuid.UUID
	TokenIn        token.AssetID
	AmountIn       *big.Int
	PairedAsset    token.AssetID
	PairedAmount   *big.Int
	SharesMinted   *big.Int
	TotalLiquidity *big.Int
	ReserveA       *big.Int
	ReserveB       *big.Int
	Movements      []token.Movement
}

// RemoveResult reports a completed liquidity redemption.
type RemoveResult struct {
	Account        uuid.UUID
	SharesBurned   *big.Int
	AmountA        *big.Int
	AmountB        *big.Int
	TotalLiquidity *big.Int
	ReserveA       *big.Int
	ReserveB       *big.Int
	Movements      []token.Movement
}

// SwapResult reports a completed swap.
type SwapResult struct {
	Account   uuid.UUID
	TokenIn   token.AssetID
	TokenOut  token.AssetID
	AmountIn  *big.Int
	FeeAmount *big.Int
	AmountOut *big.Int
	ReserveA  *big.Int
	ReserveB  *big.Int
	Movements []token.Movement
}

// ProviderSnapshot is one liquidity provider's share balance in
// deterministic snapshot form.
type ProviderSnapshot struct {
	Account uuid.UUID `json:"account"`
	Shares  string    `json:"shares"`
}

// EngineSnapshot is the pool's internal share accounting. Reserves are
// deliberately absent: they live in the token book and are derived.
type EngineSnapshot struct {
	SwapFee        string             `json:"swap_fee"`
	TotalLiquidity string             `json:"total_liquidity"`
	Providers      []ProviderSnapshot `json:"providers"`
}

func sortProviderSnapshots(providers []ProviderSnapshot) {
	sort.Slice(providers, func(i, j int) bool {
		return providers[i].Account.String() < providers[j].Account.String()
	})
}

func parseSnapshotInt(field, value string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("amm engine: snapshot field %s is not a decimal integer: %q", field, value)
	}
	return v, nil
}
