package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfi/lending-backend/internal/assets"
	"github.com/meridianfi/lending-backend/internal/prices"
	"github.com/meridianfi/lending-backend/internal/prices/binance"
	"github.com/meridianfi/lending-backend/internal/prices/mock"
	"github.com/meridianfi/lending-backend/internal/store"
)

// PricePublisher keeps the tick cache warm for every feed symbol in the
// asset registry and broadcasts ticks over pubsub. When the primary provider
// goes unhealthy it fails over to the mock generator.
type PricePublisher struct {
	provider     prices.Provider
	mockProvider prices.Provider
	registry     *assets.Registry
	cache        *store.Cache
	logger       *zap.SugaredLogger
	config       PricePublisherConfig

	mu             sync.RWMutex
	currentCandles map[string]*candleAggregator
	usingMock      bool
	cancelCtx      context.CancelFunc
}

type PricePublisherConfig struct {
	ProviderType   string        // "binance" or "mock"
	RetryInterval  time.Duration // how long to wait before retrying a failed provider
	MaxTicksPerSym int           // maximum ticks kept per symbol in cache
	TTL            time.Duration // cache ttl for latest ticks
	MockVolatility float64
	MockBasePrice  float64
}

func DefaultPricePublisherConfig() PricePublisherConfig {
	return PricePublisherConfig{
		ProviderType:   "binance",
		RetryInterval:  5 * time.Second,
		MaxTicksPerSym: 10000,
		TTL:            5 * time.Second,
		MockVolatility: 0.002,
		MockBasePrice:  1.00,
	}
}

// candleAggregator folds ticks into the current candle of one interval.
type candleAggregator struct {
	interval      time.Duration
	currentCandle *prices.Candle
	lastUpdate    time.Time
}

func NewPricePublisher(registry *assets.Registry, cache *store.Cache, logger *zap.SugaredLogger, config PricePublisherConfig) *PricePublisher {
	var provider prices.Provider
	switch config.ProviderType {
	case "mock":
		provider = mock.NewGenerator(logger, config.MockBasePrice, config.MockVolatility)
	default:
		provider = binance.NewProvider(logger)
	}

	return &PricePublisher{
		provider:       provider,
		mockProvider:   mock.NewGenerator(logger, config.MockBasePrice, config.MockVolatility),
		registry:       registry,
		cache:          cache,
		logger:         logger,
		config:         config,
		currentCandles: make(map[string]*candleAggregator),
	}
}

func (p *PricePublisher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancelCtx = cancel

	symbols := p.registry.FeedSymbols()

	p.logger.Infow("Starting price publisher",
		"provider", p.provider.Name(),
		"symbols", symbols,
	)

	for _, symbol := range symbols {
		go p.subscribeLiveData(ctx, symbol)
	}

	retryTicker := time.NewTicker(p.config.RetryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Price publisher stopping")
			return ctx.Err()
		case <-retryTicker.C:
			p.checkProviderHealth(ctx, symbols)
		}
	}
}

func (p *PricePublisher) Stop() {
	if p.cancelCtx != nil {
		p.cancelCtx()
	}
}

func (p *PricePublisher) subscribeLiveData(ctx context.Context, symbol string) {
	tickChan := make(chan prices.Tick, 100)

	p.logger.Infow("Starting live subscription", "symbol", symbol, "provider", p.getCurrentProvider().Name())

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		currentProvider := p.getCurrentProvider()

		go func() {
			if err := currentProvider.SubscribeLive(ctx, symbol, tickChan); err != nil {
				p.logger.Warnw("Live subscription failed", "symbol", symbol, "provider", currentProvider.Name(), "error", err)

				if !p.usingMock && currentProvider.Name() != "mock" {
					p.switchToMock(symbol, "live subscription failed")
				}
			}
		}()

		for tick := range tickChan {
			p.processTick(ctx, tick)
		}

		p.logger.Warnw("Tick channel closed, retrying", "symbol", symbol)
		time.Sleep(p.config.RetryInterval)
	}
}

func (p *PricePublisher) processTick(ctx context.Context, tick prices.Tick) {
	if err := p.cache.SetOraclePrice(ctx, tick.Symbol, tick, p.config.TTL); err != nil {
		p.logger.Warnw("Failed to cache tick", "symbol", tick.Symbol, "error", err)
	}

	if err := p.addToTickHistory(ctx, tick.Symbol, tick); err != nil {
		p.logger.Warnw("Failed to add tick to history", "symbol", tick.Symbol, "error", err)
	}

	p.updateCandleAggregators(ctx, tick)

	channel := store.PriceChannel(tick.Symbol)
	if err := p.cache.Publish(ctx, channel, tick); err != nil {
		p.logger.Warnw("Failed to publish tick", "symbol", tick.Symbol, "channel", channel, "error", err)
	} else {
		p.logger.Debugw("Published tick", "symbol", tick.Symbol, "price", tick.Price)
	}
}

func (p *PricePublisher) updateCandleAggregators(ctx context.Context, tick prices.Tick) {
	intervals := []time.Duration{
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
		4 * time.Hour,
		24 * time.Hour,
	}

	for _, interval := range intervals {
		aggregatorKey := fmt.Sprintf("%s:%s", tick.Symbol, prices.IntervalString(interval))

		p.mu.Lock()
		aggregator, exists := p.currentCandles[aggregatorKey]
		if !exists {
			aggregator = &candleAggregator{interval: interval}
			p.currentCandles[aggregatorKey] = aggregator
		}
		p.mu.Unlock()

		candle := aggregator.addTick(tick, interval)
		if candle != nil {
			candleKey := fmt.Sprintf("lnd:candles:%s:%s:latest", tick.Symbol, prices.IntervalString(interval))
			if err := p.cache.Set(ctx, candleKey, candle, p.config.TTL); err != nil {
				p.logger.Warnw("Failed to cache candle", "symbol", tick.Symbol, "interval", interval, "error", err)
			}
		}
	}
}

func (a *candleAggregator) addTick(tick prices.Tick, interval time.Duration) *prices.Candle {
	tickTime := time.UnixMilli(tick.TsMs)
	alignedTime := prices.AlignTime(tickTime, interval)

	if a.currentCandle == nil || a.currentCandle.Time != alignedTime.Unix() {
		a.currentCandle = &prices.Candle{
			Time:  alignedTime.Unix(),
			Open:  tick.Price,
			High:  tick.Price,
			Low:   tick.Price,
			Close: tick.Price,
		}
	} else {
		if tick.Price > a.currentCandle.High {
			a.currentCandle.High = tick.Price
		}
		if tick.Price < a.currentCandle.Low {
			a.currentCandle.Low = tick.Price
		}
		a.currentCandle.Close = tick.Price
	}

	a.lastUpdate = tickTime
	return a.currentCandle
}

func (p *PricePublisher) getCurrentProvider() prices.Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.usingMock {
		return p.mockProvider
	}
	return p.provider
}

func (p *PricePublisher) switchToMock(symbol, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.usingMock {
		return
	}
	p.usingMock = true
	p.logger.Warnw("Switching to mock provider",
		"symbol", symbol,
		"reason", reason,
		"provider", p.provider.Name(),
	)

	// anchor the mock walk to the last real price
	var lastTick prices.Tick
	if err := p.cache.GetOraclePrice(context.Background(), symbol, &lastTick); err == nil {
		if mockGen, ok := p.mockProvider.(*mock.Generator); ok {
			mockGen.SetBasePrice(lastTick.Price)
		}
	}
}

func (p *PricePublisher) checkProviderHealth(ctx context.Context, symbols []string) {
	providerHealth := p.provider.Health()

	if !providerHealth.Healthy && !p.usingMock {
		p.logger.Warnw("Primary provider unhealthy, switching to mock",
			"provider", p.provider.Name(),
			"lastError", providerHealth.LastError,
			"reconnects", providerHealth.Reconnects,
		)

		for _, symbol := range symbols {
			p.switchToMock(symbol, "provider health check failed")
		}
	} else if providerHealth.Healthy && p.usingMock {
		p.logger.Infow("Primary provider recovered, switching back",
			"provider", p.provider.Name(),
		)

		p.mu.Lock()
		p.usingMock = false
		p.mu.Unlock()

		for _, symbol := range symbols {
			go p.subscribeLiveData(ctx, symbol)
		}
	}
}

func (p *PricePublisher) addToTickHistory(ctx context.Context, symbol string, tick prices.Tick) error {
	historyKey := fmt.Sprintf("%s:%s", store.KeyTickHistory, symbol)

	var existingTicks []prices.Tick
	err := p.cache.Get(ctx, historyKey, &existingTicks)
	if err != nil && err != store.ErrCacheMiss {
		return fmt.Errorf("failed to get existing ticks: %w", err)
	}

	existingTicks = append(existingTicks, tick)
	if len(existingTicks) > p.config.MaxTicksPerSym {
		existingTicks = existingTicks[len(existingTicks)-p.config.MaxTicksPerSym:]
	}

	if err := p.cache.Set(ctx, historyKey, existingTicks, p.config.TTL); err != nil {
		return fmt.Errorf("failed to save tick history: %w", err)
	}

	return nil
}
