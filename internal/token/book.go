package token

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/google/uuid"
)

type balanceKey struct {
	Account uuid.UUID
	Asset   AssetID
}

type allowanceKey struct {
	Owner   uuid.UUID
	Spender uuid.UUID
	Asset   AssetID
}

// Book is the in-memory token ledger. It is owned by the single-writer
// core loop and is not safe for concurrent mutation; reads outside the
// core go to the projections.
//
// The book is zero-sum per asset: deposits pull from an external
// boundary account that goes negative, so Σ balances == 0 always.
type Book struct {
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

func NewBook() *Book {
	return &Book{
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// BalanceOf returns a copy of the account balance. Unknown accounts
// read as zero.
func (b *Book) BalanceOf(asset AssetID, account uuid.UUID) *big.Int {
	if bal, ok := b.balances[balanceKey{account, asset}]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Transfer moves amount from one account to another. The source may not
// go negative unless it is an external boundary account.
func (b *Book) Transfer(asset AssetID, from, to uuid.UUID, amount *big.Int) error {
	if _, ok := GetAssetName(asset); !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	fromKey := balanceKey{from, asset}
	fromBal := b.balances[fromKey]
	if fromBal == nil {
		fromBal = new(big.Int)
	}
	next := new(big.Int).Sub(fromBal, amount)
	if next.Sign() < 0 && ScopeOf(from) != ScopeExternal {
		return fmt.Errorf("%w: account %s has %s, needs %s",
			ErrInsufficientBalance, AccountPath(from, asset), fromBal, amount)
	}
	b.balances[fromKey] = next
	toKey := balanceKey{to, asset}
	toBal := b.balances[toKey]
	if toBal == nil {
		toBal = new(big.Int)
	}
	b.balances[toKey] = new(big.Int).Add(toBal, amount)
	return nil
}

// TransferFrom moves amount out of owner on behalf of spender, consuming
// allowance. A spender moving its own funds needs no allowance.
func (b *Book) TransferFrom(asset AssetID, spender, owner, to uuid.UUID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if spender != owner {
		key := allowanceKey{owner, spender, asset}
		allowed := b.allowances[key]
		if allowed == nil || allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: owner %s spender %s has %s, needs %s",
				ErrInsufficientAllowance, owner, spender, allowed, amount)
		}
		remaining := new(big.Int).Sub(allowed, amount)
		if err := b.Transfer(asset, owner, to, amount); err != nil {
			return err
		}
		b.allowances[key] = remaining
		return nil
	}
	return b.Transfer(asset, owner, to, amount)
}

// Approve sets the absolute allowance of spender over owner's funds.
func (b *Book) Approve(asset AssetID, owner, spender uuid.UUID, amount *big.Int) error {
	if _, ok := GetAssetName(asset); !ok {
		return fmt.Errorf("%w: id %d", ErrUnknownAsset, asset)
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	b.allowances[allowanceKey{owner, spender, asset}] = new(big.Int).Set(amount)
	return nil
}

// Allowance returns a copy of the remaining allowance.
func (b *Book) Allowance(asset AssetID, owner, spender uuid.UUID) *big.Int {
	if v, ok := b.allowances[allowanceKey{owner, spender, asset}]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Deposit credits an account from the external deposits boundary.
func (b *Book) Deposit(asset AssetID, account uuid.UUID, amount *big.Int) error {
	return b.Transfer(asset, DepositsAccount, account, amount)
}

// GlobalBalance sums every balance per asset. A zero-sum book returns
// zero for each asset.
func (b *Book) GlobalBalance() map[AssetID]*big.Int {
	totals := make(map[AssetID]*big.Int)
	for key, bal := range b.balances {
		t := totals[key.Asset]
		if t == nil {
			t = new(big.Int)
			totals[key.Asset] = t
		}
		t.Add(t, bal)
	}
	return totals
}

// === Snapshot / restore ===

type BalanceSnapshot struct {
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	Balance string    `json:"balance"`
}

type AllowanceSnapshot struct {
	Owner   uuid.UUID `json:"owner"`
	Spender uuid.UUID `json:"spender"`
	Asset   string    `json:"asset"`
	Amount  string    `json:"amount"`
}

type BookSnapshot struct {
	Balances   []BalanceSnapshot   `json:"balances"`
	Allowances []AllowanceSnapshot `json:"allowances"`
}

// Snapshot returns a deterministic copy of the book. Entries are sorted
// so serialized snapshots hash identically across processes.
func (b *Book) Snapshot() BookSnapshot {
	snap := BookSnapshot{
		Balances:   make([]BalanceSnapshot, 0, len(b.balances)),
		Allowances: make([]AllowanceSnapshot, 0, len(b.allowances)),
	}
	for key, bal := range b.balances {
		if bal.Sign() == 0 {
			continue
		}
		symbol, _ := GetAssetName(key.Asset)
		snap.Balances = append(snap.Balances, BalanceSnapshot{
			Account: key.Account,
			Asset:   symbol,
			Balance: bal.String(),
		})
	}
	for key, amt := range b.allowances {
		if amt.Sign() == 0 {
			continue
		}
		symbol, _ := GetAssetName(key.Asset)
		snap.Allowances = append(snap.Allowances, AllowanceSnapshot{
			Owner:   key.Owner,
			Spender: key.Spender,
			Asset:   symbol,
			Amount:  amt.String(),
		})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		a, b := snap.Balances[i], snap.Balances[j]
		if a.Account != b.Account {
			return a.Account.String() < b.Account.String()
		}
		return a.Asset < b.Asset
	})
	sort.Slice(snap.Allowances, func(i, j int) bool {
		a, b := snap.Allowances[i], snap.Allowances[j]
		if a.Owner != b.Owner {
			return a.Owner.String() < b.Owner.String()
		}
		if a.Spender != b.Spender {
			return a.Spender.String() < b.Spender.String()
		}
		return a.Asset < b.Asset
	})
	return snap
}

// Restore replaces the book contents with a snapshot.
func (b *Book) Restore(snap BookSnapshot) error {
	balances := make(map[balanceKey]*big.Int, len(snap.Balances))
	allowances := make(map[allowanceKey]*big.Int, len(snap.Allowances))
	for _, e := range snap.Balances {
		asset, ok := GetAssetID(e.Asset)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAsset, e.Asset)
		}
		bal, ok := new(big.Int).SetString(e.Balance, 10)
		if !ok {
			return fmt.Errorf("token: invalid balance %q for account %s", e.Balance, e.Account)
		}
		balances[balanceKey{e.Account, asset}] = bal
	}
	for _, e := range snap.Allowances {
		asset, ok := GetAssetID(e.Asset)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownAsset, e.Asset)
		}
		amt, ok := new(big.Int).SetString(e.Amount, 10)
		if !ok {
			return fmt.Errorf("token: invalid allowance %q for owner %s", e.Amount, e.Owner)
		}
		allowances[allowanceKey{e.Owner, e.Spender, asset}] = amt
	}
	b.balances = balances
	b.allowances = allowances
	return nil
}
