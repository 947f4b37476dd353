package oracle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridianfi/lending-backend/internal/assets"
	"github.com/meridianfi/lending-backend/internal/lending"
	"github.com/meridianfi/lending-backend/internal/prices"
	"github.com/meridianfi/lending-backend/internal/store"
)

type stubProvider struct {
	close  float64
	err    error
	calls  atomic.Int64
	health prices.ProviderHealth
}

func (s *stubProvider) FetchHistory(ctx context.Context, symbol string, interval time.Duration, limit int) ([]prices.Candle, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []prices.Candle{{Time: time.Now().Unix(), Close: s.close}}, nil
}

func (s *stubProvider) SubscribeLive(ctx context.Context, symbol string, out chan<- prices.Tick) error {
	return errors.New("not implemented")
}

func (s *stubProvider) Name() string                  { return "stub" }
func (s *stubProvider) Health() prices.ProviderHealth { return s.health }

func testRegistry(t *testing.T) *assets.Registry {
	t.Helper()
	r, err := assets.NewRegistry([]assets.Asset{
		{Symbol: "SOL", Decimals: 9, MaxLTV: 65, LiquidationThreshold: 75},
	})
	require.NoError(t, err)
	return r
}

func TestPriceFromCachedTick(t *testing.T) {
	cache := store.NewMemoryCache(zap.NewNop().Sugar())
	provider := &stubProvider{close: 150.25}
	client := NewClient(testRegistry(t), provider, cache, zap.NewNop().Sugar())

	ctx := context.Background()
	tick := prices.Tick{Symbol: "SOLUSDT", Price: 150.25, TsMs: time.Now().UnixMilli()}
	require.NoError(t, cache.SetOraclePrice(ctx, "SOLUSDT", tick, time.Minute))

	quote, err := client.Price(ctx, "SOL", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(15_025_000_000), quote.Price)
	assert.Equal(t, QuoteExpo, quote.Expo)
	assert.Equal(t, int64(0), provider.calls.Load(), "cached tick should not hit the provider")
}

func TestPriceFetchesWhenCacheStale(t *testing.T) {
	cache := store.NewMemoryCache(zap.NewNop().Sugar())
	provider := &stubProvider{close: 151.0}
	client := NewClient(testRegistry(t), provider, cache, zap.NewNop().Sugar())

	ctx := context.Background()
	stale := prices.Tick{Symbol: "SOLUSDT", Price: 140.0, TsMs: time.Now().Add(-5 * time.Minute).UnixMilli()}
	require.NoError(t, cache.SetOraclePrice(ctx, "SOLUSDT", stale, time.Hour))

	quote, err := client.Price(ctx, "SOL", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(15_100_000_000), quote.Price)
	assert.Equal(t, int64(1), provider.calls.Load())

	// The fetched tick is now cached; a second read stays off the provider.
	_, err = client.Price(ctx, "SOL", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), provider.calls.Load())
}

func TestPriceProviderFailureIsStale(t *testing.T) {
	cache := store.NewMemoryCache(zap.NewNop().Sugar())
	provider := &stubProvider{err: errors.New("connection refused")}
	client := NewClient(testRegistry(t), provider, cache, zap.NewNop().Sugar())

	_, err := client.Price(context.Background(), "SOL", time.Minute)
	assert.ErrorIs(t, err, lending.ErrStalePrice)
}

func TestPriceUnknownAsset(t *testing.T) {
	cache := store.NewMemoryCache(zap.NewNop().Sugar())
	client := NewClient(testRegistry(t), &stubProvider{}, cache, zap.NewNop().Sugar())

	_, err := client.Price(context.Background(), "DOGE", time.Minute)
	assert.ErrorIs(t, err, lending.ErrUnsupportedAsset)
}

func TestPriceRejectsNonPositiveMantissa(t *testing.T) {
	cache := store.NewMemoryCache(zap.NewNop().Sugar())
	provider := &stubProvider{close: 0}
	client := NewClient(testRegistry(t), provider, cache, zap.NewNop().Sugar())

	ctx := context.Background()
	tick := prices.Tick{Symbol: "SOLUSDT", Price: 0, TsMs: time.Now().UnixMilli()}
	require.NoError(t, cache.SetOraclePrice(ctx, "SOLUSDT", tick, time.Minute))

	_, err := client.Price(ctx, "SOL", time.Minute)
	assert.ErrorIs(t, err, lending.ErrPriceUnavailable)
}
