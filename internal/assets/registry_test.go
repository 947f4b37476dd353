package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAssets() []Asset {
	return []Asset{
		{Symbol: "usdc", Decimals: 6, MaxLTV: 75, LiquidationThreshold: 80, LiquidationBonus: 5, LiquidationCloseFactor: 25},
		{Symbol: "SOL", Decimals: 9, FeedSymbol: "solusdt", MaxLTV: 65, LiquidationThreshold: 75, LiquidationBonus: 8, LiquidationCloseFactor: 50},
	}
}

func TestNewRegistryNormalizesSymbols(t *testing.T) {
	r, err := NewRegistry(testAssets())
	require.NoError(t, err)

	assert.True(t, r.Supported("USDC"))
	assert.True(t, r.Supported("SOL"))
	assert.False(t, r.Supported("usdc")) // ids are canonical upper-case

	a, ok := r.Get("USDC")
	require.True(t, ok)
	assert.Equal(t, "USDCUSDT", a.FeedSymbol) // defaulted from symbol

	sym, err := r.FeedSymbol("SOL")
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", sym)
}

func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name  string
		asset Asset
	}{
		{"zero ltv", Asset{Symbol: "X", MaxLTV: 0, LiquidationThreshold: 50}},
		{"ltv over 100", Asset{Symbol: "X", MaxLTV: 120, LiquidationThreshold: 130}},
		{"threshold below ltv", Asset{Symbol: "X", MaxLTV: 75, LiquidationThreshold: 60}},
		{"close factor over 100", Asset{Symbol: "X", MaxLTV: 50, LiquidationThreshold: 60, LiquidationCloseFactor: 150}},
		{"empty symbol", Asset{Symbol: " ", MaxLTV: 50, LiquidationThreshold: 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry([]Asset{tt.asset})
			assert.Error(t, err)
		})
	}

	_, err := NewRegistry(nil)
	assert.Error(t, err)

	_, err = NewRegistry([]Asset{
		{Symbol: "USDC", MaxLTV: 75, LiquidationThreshold: 80},
		{Symbol: "usdc", MaxLTV: 50, LiquidationThreshold: 60},
	})
	assert.Error(t, err, "duplicate after normalization")
}

func TestRegistryFeedLookups(t *testing.T) {
	r, err := NewRegistry(testAssets())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"USDCUSDT", "SOLUSDT"}, r.FeedSymbols())

	id, ok := r.AssetForFeed("solusdt")
	require.True(t, ok)
	assert.Equal(t, "SOL", string(id))

	_, ok = r.AssetForFeed("DOGEUSDT")
	assert.False(t, ok)
}

func TestRegistryBankSeed(t *testing.T) {
	r, err := NewRegistry(testAssets())
	require.NoError(t, err)

	bank, err := r.Bank("SOL")
	require.NoError(t, err)
	assert.Equal(t, uint8(9), bank.Decimals)
	assert.Equal(t, uint64(65), bank.MaxLTV)
	assert.Equal(t, uint64(75), bank.LiquidationThreshold)
	assert.Equal(t, uint64(0), bank.TotalDeposits)

	_, err = r.Bank("DOGE")
	assert.Error(t, err)
}
