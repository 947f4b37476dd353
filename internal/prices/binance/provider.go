package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfi/lending-backend/internal/prices"
)

const (
	restAPI = "https://api.binance.com"
	wsAPI   = "wss://stream.binance.com:9443/ws"
)

// Provider implements prices.Provider against the Binance public API.
type Provider struct {
	logger *zap.SugaredLogger
	client *http.Client

	mu     sync.RWMutex
	health prices.ProviderHealth
}

func NewProvider(logger *zap.SugaredLogger) *Provider {
	return &Provider{
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		health: prices.ProviderHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

func (p *Provider) Name() string {
	return "binance"
}

func (p *Provider) Health() prices.ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

func (p *Provider) updateHealth(healthy bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.health.Healthy = healthy
	if healthy {
		p.health.LastSuccess = time.Now()
		p.health.LastError = ""
	} else if err != nil {
		p.health.LastError = err.Error()
	}
}

// FetchHistory retrieves kline data from the REST API.
func (p *Provider) FetchHistory(ctx context.Context, symbol string, interval time.Duration, limit int) ([]prices.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", prices.IntervalString(interval))
	params.Set("limit", strconv.Itoa(limit))

	requestURL := fmt.Sprintf("%s/api/v3/klines?%s", restAPI, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		p.updateHealth(false, err)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.updateHealth(false, err)
		return nil, fmt.Errorf("failed to fetch from binance: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("binance API error: %d", resp.StatusCode)
		p.updateHealth(false, err)
		return nil, err
	}

	var klines [][]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&klines); err != nil {
		p.updateHealth(false, err)
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	candles := make([]prices.Candle, 0, len(klines))
	for _, kline := range klines {
		candle, err := parseKline(kline)
		if err != nil {
			p.logger.Warnw("Failed to parse kline", "error", err, "kline", kline)
			continue
		}
		candle.Time = prices.AlignTime(time.Unix(candle.Time, 0), interval).Unix()
		candles = append(candles, candle)
	}

	p.updateHealth(true, nil)
	p.logger.Debugw("Fetched history from binance", "symbol", symbol, "interval", interval, "candles", len(candles))

	return candles, nil
}

// SubscribeLive streams the trade feed over WebSocket.
func (p *Provider) SubscribeLive(ctx context.Context, symbol string, out chan<- prices.Tick) error {
	stream := strings.ToLower(symbol) + "@trade"
	wsURL := fmt.Sprintf("%s/%s", wsAPI, stream)

	p.logger.Infow("Connecting to binance WebSocket", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		p.updateHealth(false, err)
		return fmt.Errorf("failed to connect to binance WebSocket: %w", err)
	}
	defer conn.Close()

	p.updateHealth(true, nil)
	p.logger.Infow("Connected to binance WebSocket", "symbol", symbol)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		_, message, err := conn.ReadMessage()
		if err != nil {
			p.updateHealth(false, err)
			p.mu.Lock()
			p.health.Reconnects++
			p.mu.Unlock()
			return fmt.Errorf("websocket read error: %w", err)
		}

		var trade tradeEvent
		if err := json.Unmarshal(message, &trade); err != nil {
			p.logger.Warnw("Failed to parse trade message", "error", err, "message", string(message))
			continue
		}

		price, err := strconv.ParseFloat(trade.Price, 64)
		if err != nil {
			p.logger.Warnw("Failed to parse trade price", "error", err, "price", trade.Price)
			continue
		}

		tick := prices.Tick{
			Symbol: symbol,
			Price:  price,
			TsMs:   trade.EventTime,
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// channel full, drop the tick
			p.logger.Debugw("Tick channel full, skipping", "symbol", symbol)
		}

		p.updateHealth(true, nil)
	}
}

// LatestPrice returns the close of the newest 1m candle as a decimal.
func (p *Provider) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	candles, err := p.FetchHistory(ctx, symbol, time.Minute, 1)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch latest price: %w", err)
	}
	if len(candles) == 0 {
		return decimal.Zero, fmt.Errorf("no price data for symbol %s", symbol)
	}
	return decimal.NewFromFloat(candles[len(candles)-1].Close), nil
}

// tradeEvent is a trade message from the Binance WebSocket feed.
type tradeEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func parseKline(kline []interface{}) (prices.Candle, error) {
	if len(kline) < 11 {
		return prices.Candle{}, fmt.Errorf("invalid kline format: expected 11 fields, got %d", len(kline))
	}

	openTimeFloat, ok := kline[0].(float64)
	if !ok {
		return prices.Candle{}, fmt.Errorf("invalid open time format")
	}

	open, err := parseFloat(kline[1])
	if err != nil {
		return prices.Candle{}, fmt.Errorf("invalid open price: %w", err)
	}
	high, err := parseFloat(kline[2])
	if err != nil {
		return prices.Candle{}, fmt.Errorf("invalid high price: %w", err)
	}
	low, err := parseFloat(kline[3])
	if err != nil {
		return prices.Candle{}, fmt.Errorf("invalid low price: %w", err)
	}
	close, err := parseFloat(kline[4])
	if err != nil {
		return prices.Candle{}, fmt.Errorf("invalid close price: %w", err)
	}
	volume, err := parseFloat(kline[5])
	if err != nil {
		return prices.Candle{}, fmt.Errorf("invalid volume: %w", err)
	}

	return prices.Candle{
		Time:   int64(openTimeFloat) / 1000,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: volume,
	}, nil
}

func parseFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseFloat(val, 64)
	case float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
