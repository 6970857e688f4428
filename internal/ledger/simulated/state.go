package simulated

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
)

// Account is a simulated signer: a name and a derived 20-byte address.
type Account struct {
	Name string
	addr string
}

// NewAccount derives a stable Hash160-style address from name.
func NewAccount(name string) Account {
	sum := sha256.Sum256([]byte(name))
	return Account{Name: name, addr: "0x" + hex.EncodeToString(sum[:20])}
}

// Address implements ledger.Signer.
func (a Account) Address() string { return a.addr }

func (a Account) String() string { return a.Name + "(" + a.addr + ")" }

// Asset is an asset registered on the simulated chain.
type Asset struct {
	ID     int64
	Symbol string
	Owner  string
	Supply *big.Int
}

// State is the mutable chain state calls operate on.
type State struct {
	nextAssetID int64
	assets      map[int64]*Asset
	balances    map[int64]map[string]*big.Int
}

func newState() *State {
	return &State{
		nextAssetID: 1,
		assets:      make(map[int64]*Asset),
		balances:    make(map[int64]map[string]*big.Int),
	}
}

func (s *State) clone() *State {
	out := &State{
		nextAssetID: s.nextAssetID,
		assets:      make(map[int64]*Asset, len(s.assets)),
		balances:    make(map[int64]map[string]*big.Int, len(s.balances)),
	}
	for id, a := range s.assets {
		cp := *a
		cp.Supply = new(big.Int).Set(a.Supply)
		out.assets[id] = &cp
	}
	for id, holders := range s.balances {
		m := make(map[string]*big.Int, len(holders))
		for addr, amt := range holders {
			m[addr] = new(big.Int).Set(amt)
		}
		out.balances[id] = m
	}
	return out
}

// CreateAsset registers a new asset owned by owner with supply credited to
// the owner, and returns its id.
func (s *State) CreateAsset(owner, symbol string, supply *big.Int) int64 {
	id := s.nextAssetID
	s.nextAssetID++
	s.assets[id] = &Asset{ID: id, Symbol: symbol, Owner: owner, Supply: new(big.Int).Set(supply)}
	s.credit(id, owner, supply)
	return id
}

// Asset returns the asset with id.
func (s *State) Asset(id int64) (*Asset, bool) {
	a, ok := s.assets[id]
	return a, ok
}

// Balance returns the holding of addr in asset id.
func (s *State) Balance(id int64, addr string) *big.Int {
	if amt, ok := s.balances[id][addr]; ok {
		return new(big.Int).Set(amt)
	}
	return new(big.Int)
}

// Issue mints amount of asset id to addr.
func (s *State) Issue(id int64, to string, amount *big.Int) error {
	a, ok := s.assets[id]
	if !ok {
		return fmt.Errorf("asset %d not found", id)
	}
	a.Supply.Add(a.Supply, amount)
	s.credit(id, to, amount)
	return nil
}

// Transfer moves amount of asset id between holders.
func (s *State) Transfer(id int64, from, to string, amount *big.Int) error {
	if _, ok := s.assets[id]; !ok {
		return fmt.Errorf("asset %d not found", id)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if s.Balance(id, from).Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance")
	}
	s.balances[id][from].Sub(s.balances[id][from], amount)
	s.credit(id, to, amount)
	return nil
}

// Holders returns the addresses holding a non-zero balance of asset id,
// sorted.
func (s *State) Holders(id int64) []string {
	var out []string
	for addr, amt := range s.balances[id] {
		if amt.Sign() > 0 {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func (s *State) credit(id int64, addr string, amount *big.Int) {
	holders, ok := s.balances[id]
	if !ok {
		holders = make(map[string]*big.Int)
		s.balances[id] = holders
	}
	cur, ok := holders[addr]
	if !ok {
		cur = new(big.Int)
		holders[addr] = cur
	}
	cur.Add(cur, amount)
}
