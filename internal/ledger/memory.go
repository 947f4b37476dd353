// Package ledger provides an in-memory implementation of the lending record
// store and token transfer service. It backs tests and the USE_IN_MEMORY dev
// mode; production runs on the Postgres store in internal/repository.
package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridianfi/lending-backend/internal/lending"
)

// Memory holds banks, user positions and token balances behind one mutex.
// Each WithTx call operates on a copy-on-write view and publishes it only on
// success, which gives instructions the all-or-nothing guarantee the engine
// relies on. The mutex also serializes instructions touching the same
// records, standing in for the host environment's record locking.
type Memory struct {
	mu        sync.Mutex
	banks     map[lending.AssetID]lending.Bank
	positions map[lending.UserID]lending.UserPosition
	balances  map[lending.Account]map[lending.AssetID]uint64
}

func NewMemory() *Memory {
	return &Memory{
		banks:     make(map[lending.AssetID]lending.Bank),
		positions: make(map[lending.UserID]lending.UserPosition),
		balances:  make(map[lending.Account]map[lending.AssetID]uint64),
	}
}

// SeedBank installs a bank record. Bank creation is external to the core, so
// setup code (and tests) call this before running instructions.
func (m *Memory) SeedBank(bank lending.Bank) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.banks[bank.Asset] = bank
}

// SeedBalance credits an account so transfers have something to move.
func (m *Memory) SeedBalance(account lending.Account, asset lending.AssetID, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(m.balances, account, asset, amount)
}

// Balance reads an account's balance outside any transaction.
func (m *Memory) Balance(account lending.Account, asset lending.AssetID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account][asset]
}

// BankSnapshot returns a copy of a bank record for read-only callers.
func (m *Memory) BankSnapshot(asset lending.AssetID) (lending.Bank, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.banks[asset]
	return b, ok
}

// PositionSnapshot returns a deep copy of a user's position.
func (m *Memory) PositionSnapshot(user lending.UserID) (lending.UserPosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[user]
	if !ok {
		return lending.UserPosition{}, false
	}
	return *copyPosition(&p), true
}

// WithTx runs fn over a private copy of the store and merges the copy back
// only when fn succeeds. Errors leave the store untouched.
func (m *Memory) WithTx(ctx context.Context, fn func(tx lending.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		banks:     make(map[lending.AssetID]*lending.Bank),
		positions: make(map[lending.UserID]*lending.UserPosition),
		balances:  copyBalances(m.balances),
		base:      m,
	}
	if err := fn(tx); err != nil {
		return err
	}

	for asset, bank := range tx.banks {
		m.banks[asset] = *bank
	}
	for user, pos := range tx.positions {
		m.positions[user] = *pos
	}
	m.balances = tx.balances
	return nil
}

type memTx struct {
	banks     map[lending.AssetID]*lending.Bank
	positions map[lending.UserID]*lending.UserPosition
	balances  map[lending.Account]map[lending.AssetID]uint64
	base      *Memory
}

func (t *memTx) Bank(ctx context.Context, asset lending.AssetID) (*lending.Bank, error) {
	if b, ok := t.banks[asset]; ok {
		return b, nil
	}
	b, ok := t.base.banks[asset]
	if !ok {
		return nil, fmt.Errorf("%w: no bank for %s", lending.ErrUnsupportedAsset, asset)
	}
	cp := b
	t.banks[asset] = &cp
	return &cp, nil
}

func (t *memTx) Position(ctx context.Context, user lending.UserID) (*lending.UserPosition, error) {
	if p, ok := t.positions[user]; ok {
		return p, nil
	}
	if p, ok := t.base.positions[user]; ok {
		cp := copyPosition(&p)
		t.positions[user] = cp
		return cp, nil
	}
	// First use: start from an empty position (creation is external to the
	// engine, so it happens here in the store).
	p := lending.NewUserPosition(user)
	t.positions[user] = p
	return p, nil
}

func (t *memTx) PutBank(ctx context.Context, bank *lending.Bank) error {
	t.banks[bank.Asset] = bank
	return nil
}

func (t *memTx) PutPosition(ctx context.Context, pos *lending.UserPosition) error {
	t.positions[pos.User] = pos
	return nil
}

// Transfer debits from and credits to inside the transaction view. The
// explicit decimals guard rejects scaling mismatches the way a
// decimal-checked token transfer does.
func (t *memTx) Transfer(ctx context.Context, from, to lending.Account, authority lending.Authority, asset lending.AssetID, amount uint64, decimals uint8) error {
	bank, ok := t.base.banks[asset]
	if !ok {
		return fmt.Errorf("%w: %s", lending.ErrUnsupportedAsset, asset)
	}
	if bank.Decimals != decimals {
		return fmt.Errorf("decimals mismatch for %s: got %d, want %d", asset, decimals, bank.Decimals)
	}
	have := t.balances[from][asset]
	if amount > have {
		return fmt.Errorf("%w: account %s holds %d of %s, needs %d", lending.ErrInsufficientFunds, from, have, asset, amount)
	}
	if t.balances[from] == nil {
		t.balances[from] = make(map[lending.AssetID]uint64)
	}
	t.balances[from][asset] = have - amount
	t.base.credit(t.balances, to, asset, amount)
	return nil
}

func (m *Memory) credit(balances map[lending.Account]map[lending.AssetID]uint64, account lending.Account, asset lending.AssetID, amount uint64) {
	if balances[account] == nil {
		balances[account] = make(map[lending.AssetID]uint64)
	}
	balances[account][asset] += amount
}

func copyBalances(src map[lending.Account]map[lending.AssetID]uint64) map[lending.Account]map[lending.AssetID]uint64 {
	out := make(map[lending.Account]map[lending.AssetID]uint64, len(src))
	for acct, byAsset := range src {
		cp := make(map[lending.AssetID]uint64, len(byAsset))
		for asset, amt := range byAsset {
			cp[asset] = amt
		}
		out[acct] = cp
	}
	return out
}

func copyPosition(p *lending.UserPosition) *lending.UserPosition {
	cp := lending.NewUserPosition(p.User)
	cp.LastUpdated = p.LastUpdated
	for a, d := range p.Deposits {
		cp.Deposits[a] = d
	}
	for a, b := range p.Borrows {
		cp.Borrows[a] = b
	}
	return cp
}
