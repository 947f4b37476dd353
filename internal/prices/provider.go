package prices

import (
	"context"
	"time"
)

// Tick is a single trade-price observation from a provider.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TsMs   int64   `json:"ts"` // milliseconds since epoch
}

// Candle holds OHLCV data for one interval.
type Candle struct {
	Time   int64   `json:"time"` // unix seconds, aligned to interval boundary
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Provider is a source of market prices for feed symbols (e.g. "SOLUSDT").
type Provider interface {
	// FetchHistory retrieves up to limit historical candles for symbol.
	FetchHistory(ctx context.Context, symbol string, interval time.Duration, limit int) ([]Candle, error)

	// SubscribeLive streams real-time ticks for symbol into out until the
	// context is cancelled or the connection drops.
	SubscribeLive(ctx context.Context, symbol string, out chan<- Tick) error

	Name() string

	Health() ProviderHealth
}

// ProviderHealth is the provider's self-reported status, used by the price
// publisher to fail over to the mock generator.
type ProviderHealth struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	Reconnects  int       `json:"reconnects"`
}

// IntervalString converts a duration to the conventional interval label.
func IntervalString(d time.Duration) string {
	switch d {
	case time.Minute:
		return "1m"
	case 5 * time.Minute:
		return "5m"
	case 15 * time.Minute:
		return "15m"
	case time.Hour:
		return "1h"
	case 4 * time.Hour:
		return "4h"
	case 24 * time.Hour:
		return "1d"
	default:
		return "1h"
	}
}

// AlignTime floors ts to the interval boundary.
func AlignTime(ts time.Time, interval time.Duration) time.Time {
	unix := ts.Unix()
	intervalSec := int64(interval.Seconds())
	return time.Unix((unix/intervalSec)*intervalSec, 0)
}
