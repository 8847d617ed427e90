package token

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

var (
	ErrUnknownAsset          = errors.New("token: unknown asset")
	ErrInvalidAmount         = errors.New("token: amount must be positive")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

// Ledger is the collaborator contract both engines operate against. The
// caller is always explicit; there is no ambient sender. Mutating calls
// either fully apply or return an error with no change.
type Ledger interface {
	BalanceOf(asset AssetID, account uuid.UUID) *big.Int
	Transfer(asset AssetID, from, to uuid.UUID, amount *big.Int) error
	TransferFrom(asset AssetID, spender, owner, to uuid.UUID, amount *big.Int) error
	Approve(asset AssetID, owner, spender uuid.UUID, amount *big.Int) error
	Allowance(asset AssetID, owner, spender uuid.UUID) *big.Int
}

// AssetID maps asset symbols to numeric IDs for map keys and journal rows
type AssetID uint16

var (
	assetToID = map[string]AssetID{}
	idToAsset = map[AssetID]string{}
	nextAsset AssetID = 1
)

// RegisterAsset assigns an ID to a symbol. Registration is idempotent;
// IDs are stable in registration order, so every process registers the
// configured symbols in the same order before serving.
func RegisterAsset(symbol string) AssetID {
	if id, ok := assetToID[symbol]; ok {
		return id
	}
	id := nextAsset
	nextAsset++
	assetToID[symbol] = id
	idToAsset[id] = symbol
	return id
}

func GetAssetID(symbol string) (AssetID, bool) {
	id, ok := assetToID[symbol]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// MustAsset is for fixed, known-registered symbols.
func MustAsset(symbol string) AssetID {
	id, ok := assetToID[symbol]
	if !ok {
		panic(fmt.Sprintf("token: asset %q not registered", symbol))
	}
	return id
}

// Default assets. Deployments with different symbols register theirs at
// startup and receive fresh IDs.
var (
	AssetStaking = RegisterAsset("STK")
	AssetReward  = RegisterAsset("RWD")
	AssetPoolA   = RegisterAsset("TKA")
	AssetPoolB   = RegisterAsset("TKB")
)

// AccountScope is the top-level account namespace
type AccountScope uint8

const (
	ScopeUser AccountScope = iota
	ScopeModule
	ScopeExternal
)

// namespaceAccounts seeds deterministic module and external account IDs
// so every process and every replay derives the same UUIDs.
var namespaceAccounts = uuid.MustParse("a3a95f70-25c8-4fd1-9a5c-5b2f6d14defa")

var wellKnownNames = map[uuid.UUID]string{}
var wellKnownScope = map[uuid.UUID]AccountScope{}

// ModuleAccount derives the account ID for a named protocol module.
func ModuleAccount(name string) uuid.UUID {
	id := uuid.NewSHA1(namespaceAccounts, []byte("module:"+name))
	wellKnownNames[id] = name
	wellKnownScope[id] = ScopeModule
	return id
}

// ExternalAccount derives the account ID for an off-ledger boundary.
// External accounts are the only accounts allowed a negative balance:
// they absorb the other side of deposits so the book stays zero-sum.
func ExternalAccount(name string) uuid.UUID {
	id := uuid.NewSHA1(namespaceAccounts, []byte("external:"+name))
	wellKnownNames[id] = name
	wellKnownScope[id] = ScopeExternal
	return id
}

// Well-known accounts.
var (
	StakingModuleAccount = ModuleAccount("staking")
	RewardPoolAccount    = ModuleAccount("reward_pool")
	PoolAccount          = ModuleAccount("amm_pool")
	DepositsAccount      = ExternalAccount("deposits")
)

// ScopeOf classifies an account ID. Anything not derived through
// ModuleAccount or ExternalAccount is a user account.
func ScopeOf(id uuid.UUID) AccountScope {
	if s, ok := wellKnownScope[id]; ok {
		return s
	}
	return ScopeUser
}

// AccountPath returns the string form used in journal rows, projections
// and logs.
func AccountPath(id uuid.UUID, asset AssetID) string {
	symbol, _ := GetAssetName(asset)
	switch ScopeOf(id) {
	case ScopeModule:
		return fmt.Sprintf("module:%s:%s", wellKnownNames[id], symbol)
	case ScopeExternal:
		return fmt.Sprintf("external:%s:%s", wellKnownNames[id], symbol)
	default:
		return fmt.Sprintf("user:%s:%s", id.String(), symbol)
	}
}
