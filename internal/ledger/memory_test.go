package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfi/lending-backend/internal/ledger"
	"github.com/meridianfi/lending-backend/internal/lending"
)

const usdc = lending.AssetID("USDC")

func seededStore() *ledger.Memory {
	m := ledger.NewMemory()
	m.SeedBank(lending.Bank{Asset: usdc, Decimals: 6, MaxLTV: 75, LiquidationThreshold: 80})
	m.SeedBalance("wallet:alice", usdc, 1000)
	return m
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	m := seededStore()
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx lending.Tx) error {
		bank, err := tx.Bank(ctx, usdc)
		require.NoError(t, err)
		bank.TotalDeposits = 500
		if err := tx.PutBank(ctx, bank); err != nil {
			return err
		}
		return tx.Transfer(ctx, "wallet:alice", bank.VaultAccount(), "alice", usdc, 500, 6)
	})
	require.NoError(t, err)

	bank, ok := m.BankSnapshot(usdc)
	require.True(t, ok)
	assert.Equal(t, uint64(500), bank.TotalDeposits)
	assert.Equal(t, uint64(500), m.Balance("wallet:alice", usdc))
	assert.Equal(t, uint64(500), m.Balance(bank.VaultAccount(), usdc))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	m := seededStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx lending.Tx) error {
		bank, err := tx.Bank(ctx, usdc)
		require.NoError(t, err)
		bank.TotalDeposits = 999
		if err := tx.PutBank(ctx, bank); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, "wallet:alice", bank.VaultAccount(), "alice", usdc, 1000, 6); err != nil {
			return err
		}
		pos, err := tx.Position(ctx, "alice")
		require.NoError(t, err)
		pos.SetDeposit(usdc, lending.AssetPosition{Amount: 1000, Shares: 1000})
		if err := tx.PutPosition(ctx, pos); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bank, ok := m.BankSnapshot(usdc)
	require.True(t, ok)
	assert.Equal(t, uint64(0), bank.TotalDeposits)
	assert.Equal(t, uint64(1000), m.Balance("wallet:alice", usdc))
	_, ok = m.PositionSnapshot("alice")
	assert.False(t, ok)
}

func TestBankUnknownAsset(t *testing.T) {
	m := seededStore()
	ctx := context.Background()
	err := m.WithTx(ctx, func(tx lending.Tx) error {
		_, err := tx.Bank(ctx, "DOGE")
		return err
	})
	assert.ErrorIs(t, err, lending.ErrUnsupportedAsset)
}

func TestPositionCreatedOnFirstUse(t *testing.T) {
	m := seededStore()
	ctx := context.Background()
	err := m.WithTx(ctx, func(tx lending.Tx) error {
		pos, err := tx.Position(ctx, "carol")
		if err != nil {
			return err
		}
		assert.Equal(t, lending.UserID("carol"), pos.User)
		assert.False(t, pos.HasDebt())
		return tx.PutPosition(ctx, pos)
	})
	require.NoError(t, err)
	_, ok := m.PositionSnapshot("carol")
	assert.True(t, ok)
}

func TestTransferChecks(t *testing.T) {
	m := seededStore()
	ctx := context.Background()

	err := m.WithTx(ctx, func(tx lending.Tx) error {
		return tx.Transfer(ctx, "wallet:alice", "vault:USDC", "alice", usdc, 2000, 6)
	})
	assert.ErrorIs(t, err, lending.ErrInsufficientFunds)

	// Decimals must match the bank's mint configuration.
	err = m.WithTx(ctx, func(tx lending.Tx) error {
		return tx.Transfer(ctx, "wallet:alice", "vault:USDC", "alice", usdc, 100, 9)
	})
	assert.Error(t, err)
	assert.Equal(t, uint64(1000), m.Balance("wallet:alice", usdc))
}
