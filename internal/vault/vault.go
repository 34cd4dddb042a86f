// Package vault keeps the in-protocol balance sheet of every payout the ledgers make.
//
// Collateral and fee deposits arrive from outside the protocol and are never debited here;
// the vault only records what each address is owed after refunds, settlements, slashes
// and compensation withdrawals.
package vault

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"arbiter-escrow/internal/chain"
)

// Account is the payout position of one address.
type Account struct {
	Address common.Address  `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	Assets  []chain.Asset   `json:"assets,omitempty"`
}

// Vault is not safe for concurrent use; the protocol engine serialises access.
type Vault struct {
	balances map[common.Address]decimal.Decimal
	assets   map[common.Address][]chain.Asset
}

// New creates an empty vault.
func New() *Vault {
	return &Vault{
		balances: make(map[common.Address]decimal.Decimal),
		assets:   make(map[common.Address][]chain.Asset),
	}
}

// Credit adds a coin amount to an address. Non-positive amounts are ignored.
func (v *Vault) Credit(to common.Address, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	v.balances[to] = v.balances[to].Add(amount)
}

// CreditAssets appends non-coin assets to an address, merging entries with the same id.
func (v *Vault) CreditAssets(to common.Address, assets []chain.Asset) {
	for _, a := range assets {
		if !a.Value.IsPositive() {
			continue
		}
		held := v.assets[to]
		merged := false
		for i := range held {
			if held[i].ID == a.ID {
				held[i].Value = held[i].Value.Add(a.Value)
				merged = true
				break
			}
		}
		if !merged {
			held = append(held, a)
		}
		v.assets[to] = held
	}
}

// Balance returns the coin balance owed to an address.
func (v *Vault) Balance(addr common.Address) decimal.Decimal {
	return v.balances[addr]
}

// Assets returns a copy of the assets owed to an address.
func (v *Vault) Assets(addr common.Address) []chain.Asset {
	return chain.CloneAssets(v.assets[addr])
}

// Total sums every coin balance.
func (v *Vault) Total() decimal.Decimal {
	total := decimal.Zero
	for _, b := range v.balances {
		total = total.Add(b)
	}
	return total
}

// Accounts lists every address with a balance or assets, ordered by address.
func (v *Vault) Accounts() []Account {
	seen := make(map[common.Address]struct{}, len(v.balances)+len(v.assets))
	for addr := range v.balances {
		seen[addr] = struct{}{}
	}
	for addr := range v.assets {
		seen[addr] = struct{}{}
	}

	out := make([]Account, 0, len(seen))
	for addr := range seen {
		out = append(out, Account{
			Address: addr,
			Balance: v.balances[addr],
			Assets:  chain.CloneAssets(v.assets[addr]),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out
}
