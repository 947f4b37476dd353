package mock

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfi/lending-backend/internal/prices"
)

// Generator produces synthetic price data, used in dev mode and as the
// fallback when the real provider is down.
type Generator struct {
	logger     *zap.SugaredLogger
	mu         sync.RWMutex
	basePrice  float64
	volatility float64
	health     prices.ProviderHealth
	rng        *rand.Rand
}

func NewGenerator(logger *zap.SugaredLogger, basePrice, volatility float64) *Generator {
	if basePrice <= 0 {
		basePrice = 1.00
	}
	if volatility <= 0 {
		volatility = 0.002
	}

	return &Generator{
		logger:     logger,
		basePrice:  basePrice,
		volatility: volatility,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		health: prices.ProviderHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

func (g *Generator) Name() string {
	return "mock"
}

func (g *Generator) Health() prices.ProviderHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health
}

// FetchHistory generates a random-walk candle series ending now.
func (g *Generator) FetchHistory(ctx context.Context, symbol string, interval time.Duration, limit int) ([]prices.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.health.LastSuccess = time.Now()

	candles := make([]prices.Candle, limit)
	alignedTime := prices.AlignTime(time.Now(), interval)

	lastClose := g.basePrice
	for i := 0; i < limit; i++ {
		candleTime := alignedTime.Add(-time.Duration(limit-i-1) * interval)
		candle := g.generateCandle(candleTime, lastClose, interval)
		candles[i] = candle
		lastClose = candle.Close
	}

	g.logger.Debugw("Generated mock history",
		"symbol", symbol,
		"interval", interval,
		"candles", len(candles),
		"basePrice", g.basePrice,
	)

	return candles, nil
}

// SubscribeLive emits a tick roughly every 1.5 seconds.
func (g *Generator) SubscribeLive(ctx context.Context, symbol string, out chan<- prices.Tick) error {
	g.mu.Lock()
	g.health.LastSuccess = time.Now()
	currentPrice := g.basePrice
	g.mu.Unlock()

	g.logger.Infow("Starting mock live price feed", "symbol", symbol, "basePrice", currentPrice)

	ticker := time.NewTicker(1500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			change := g.generatePriceChange()
			currentPrice *= (1 + change)

			// keep the walk within ±50% of base
			minPrice := g.basePrice * 0.5
			maxPrice := g.basePrice * 1.5
			if currentPrice < minPrice {
				currentPrice = minPrice
			} else if currentPrice > maxPrice {
				currentPrice = maxPrice
			}

			tick := prices.Tick{
				Symbol: symbol,
				Price:  currentPrice,
				TsMs:   time.Now().UnixMilli(),
			}

			select {
			case out <- tick:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// channel full, drop the tick
			}

			g.mu.Lock()
			g.health.LastSuccess = time.Now()
			g.mu.Unlock()
		}
	}
}

func (g *Generator) generateCandle(candleTime time.Time, basePrice float64, interval time.Duration) prices.Candle {
	intervalMinutes := interval.Minutes()
	scaledVolatility := g.volatility * math.Sqrt(intervalMinutes)

	open := basePrice
	numTicks := int(math.Max(1, intervalMinutes))
	tickPrices := make([]float64, numTicks+1)
	tickPrices[0] = open

	for i := 1; i <= numTicks; i++ {
		change := g.rng.NormFloat64() * scaledVolatility / math.Sqrt(float64(numTicks))
		tickPrices[i] = tickPrices[i-1] * (1 + change)
	}

	high := tickPrices[0]
	low := tickPrices[0]
	for _, p := range tickPrices {
		if p > high {
			high = p
		}
		if p < low {
			low = p
		}
	}

	baseVolume := 10000.0
	volume := baseVolume * (1 + g.rng.Float64()) * intervalMinutes

	return prices.Candle{
		Time:   candleTime.Unix(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  tickPrices[len(tickPrices)-1],
		Volume: volume,
	}
}

func (g *Generator) generatePriceChange() float64 {
	baseChange := g.rng.NormFloat64() * g.volatility

	// occasional trend
	if g.rng.Float64() < 0.1 {
		baseChange += (g.rng.Float64() - 0.5) * g.volatility * 2
	}

	maxChange := g.volatility * 5
	if baseChange > maxChange {
		baseChange = maxChange
	} else if baseChange < -maxChange {
		baseChange = -maxChange
	}

	return baseChange
}

// SetBasePrice re-anchors the walk, e.g. to the last real price seen before
// failover.
func (g *Generator) SetBasePrice(price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if price > 0 {
		g.basePrice = price
	}
}
