package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfi/lending-backend/internal/assets"
	"github.com/meridianfi/lending-backend/internal/lending"
	"github.com/meridianfi/lending-backend/internal/prices"
	"github.com/meridianfi/lending-backend/internal/store"
	"github.com/meridianfi/lending-backend/internal/util"
)

// QuoteExpo is the exponent every quote is normalized to before it reaches
// the engine, so valuation compares mantissas directly.
const QuoteExpo int32 = -8

// Client implements lending.PriceSource. It serves quotes from the shared
// tick cache (fed by the price publisher) and falls back to a direct provider
// fetch, deduplicated per symbol, when the cached tick is missing or stale.
type Client struct {
	registry *assets.Registry
	provider prices.Provider
	cache    *store.Cache
	logger   *zap.SugaredLogger
	flight   util.Group
	now      func() time.Time
}

func NewClient(registry *assets.Registry, provider prices.Provider, cache *store.Cache, logger *zap.SugaredLogger) *Client {
	return &Client{
		registry: registry,
		provider: provider,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
}

func (c *Client) Price(ctx context.Context, asset lending.AssetID, maxAge time.Duration) (lending.PriceQuote, error) {
	symbol, err := c.registry.FeedSymbol(asset)
	if err != nil {
		return lending.PriceQuote{}, err
	}

	if tick, ok := c.cachedTick(ctx, symbol); ok {
		publishedAt := time.UnixMilli(tick.TsMs)
		if c.now().Sub(publishedAt) <= maxAge {
			return c.quote(asset, tick.Price, publishedAt)
		}
	}

	tick, err := c.fetchTick(ctx, symbol, maxAge)
	if err != nil {
		return lending.PriceQuote{}, fmt.Errorf("%w: %s: %v", lending.ErrStalePrice, asset, err)
	}
	return c.quote(asset, tick.Price, time.UnixMilli(tick.TsMs))
}

func (c *Client) cachedTick(ctx context.Context, symbol string) (prices.Tick, bool) {
	var tick prices.Tick
	err := c.cache.GetOraclePrice(ctx, symbol, &tick)
	if err != nil {
		if err != store.ErrCacheMiss {
			c.logger.Warnw("Oracle cache read failed", "symbol", symbol, "error", err)
		}
		return prices.Tick{}, false
	}
	return tick, true
}

// fetchTick pulls the newest 1m candle from the provider. Concurrent fetches
// for the same symbol collapse to one provider call; the result is cached
// with the staleness bound as its ttl.
func (c *Client) fetchTick(ctx context.Context, symbol string, maxAge time.Duration) (prices.Tick, error) {
	v, err, shared := c.flight.DoWithContext(ctx, symbol, func(ctx context.Context) (interface{}, error) {
		candles, err := c.provider.FetchHistory(ctx, symbol, time.Minute, 1)
		if err != nil {
			return nil, err
		}
		if len(candles) == 0 {
			return nil, fmt.Errorf("no candles for %s", symbol)
		}

		tick := prices.Tick{
			Symbol: symbol,
			Price:  candles[len(candles)-1].Close,
			TsMs:   c.now().UnixMilli(),
		}
		if err := c.cache.SetOraclePrice(ctx, symbol, tick, maxAge); err != nil {
			c.logger.Warnw("Failed to cache fetched tick", "symbol", symbol, "error", err)
		}
		return tick, nil
	})
	if err != nil {
		return prices.Tick{}, err
	}
	if shared {
		c.logger.Debugw("Oracle fetch deduplicated", "symbol", symbol)
	}
	return v.(prices.Tick), nil
}

// quote converts a float tick into an integer mantissa at QuoteExpo.
func (c *Client) quote(asset lending.AssetID, price float64, publishedAt time.Time) (lending.PriceQuote, error) {
	mantissa := decimal.NewFromFloat(price).Shift(-QuoteExpo).IntPart()
	if mantissa <= 0 {
		return lending.PriceQuote{}, fmt.Errorf("%w: %s: non-positive price %f", lending.ErrPriceUnavailable, asset, price)
	}
	return lending.PriceQuote{
		Asset:       asset,
		Price:       mantissa,
		Expo:        QuoteExpo,
		PublishedAt: publishedAt,
	}, nil
}
