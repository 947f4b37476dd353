package assets

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meridianfi/lending-backend/internal/lending"
)

// Asset describes one supported asset: its mint configuration, the oracle
// feed it prices against, and the risk parameters of its bank.
type Asset struct {
	Symbol                 string `json:"symbol" mapstructure:"symbol"`
	Decimals               uint8  `json:"decimals" mapstructure:"decimals"`
	FeedSymbol             string `json:"feedSymbol" mapstructure:"feed_symbol"`
	MaxLTV                 uint64 `json:"maxLtv" mapstructure:"max_ltv"`
	LiquidationThreshold   uint64 `json:"liquidationThreshold" mapstructure:"liquidation_threshold"`
	LiquidationBonus       uint64 `json:"liquidationBonus" mapstructure:"liquidation_bonus"`
	LiquidationCloseFactor uint64 `json:"liquidationCloseFactor" mapstructure:"liquidation_close_factor"`
}

// Registry is the immutable catalog of supported assets, resolved once at
// startup. It implements lending.Catalog.
type Registry struct {
	assets map[lending.AssetID]Asset
	order  []lending.AssetID
}

func NewRegistry(configured []Asset) (*Registry, error) {
	if len(configured) == 0 {
		return nil, fmt.Errorf("asset registry is empty")
	}

	r := &Registry{assets: make(map[lending.AssetID]Asset, len(configured))}
	for _, a := range configured {
		sym := strings.ToUpper(strings.TrimSpace(a.Symbol))
		if sym == "" {
			return nil, fmt.Errorf("asset with empty symbol")
		}
		id := lending.AssetID(sym)
		if _, dup := r.assets[id]; dup {
			return nil, fmt.Errorf("duplicate asset %s", sym)
		}
		if err := validate(a); err != nil {
			return nil, fmt.Errorf("asset %s: %w", sym, err)
		}
		a.Symbol = sym
		if a.FeedSymbol == "" {
			a.FeedSymbol = sym + "USDT"
		}
		a.FeedSymbol = strings.ToUpper(a.FeedSymbol)
		r.assets[id] = a
		r.order = append(r.order, id)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r, nil
}

func validate(a Asset) error {
	if a.MaxLTV == 0 || a.MaxLTV > 100 {
		return fmt.Errorf("max_ltv %d outside (0,100]", a.MaxLTV)
	}
	if a.LiquidationThreshold > 100 {
		return fmt.Errorf("liquidation_threshold %d exceeds 100", a.LiquidationThreshold)
	}
	if a.LiquidationThreshold < a.MaxLTV {
		return fmt.Errorf("liquidation_threshold %d below max_ltv %d", a.LiquidationThreshold, a.MaxLTV)
	}
	if a.LiquidationCloseFactor > 100 {
		return fmt.Errorf("liquidation_close_factor %d exceeds 100", a.LiquidationCloseFactor)
	}
	return nil
}

// Assets returns the supported asset ids in stable order.
func (r *Registry) Assets() []lending.AssetID {
	out := make([]lending.AssetID, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Supported(id lending.AssetID) bool {
	_, ok := r.assets[id]
	return ok
}

// Get returns the full configuration of one asset.
func (r *Registry) Get(id lending.AssetID) (Asset, bool) {
	a, ok := r.assets[id]
	return a, ok
}

// FeedSymbol maps an asset id to its price-provider symbol.
func (r *Registry) FeedSymbol(id lending.AssetID) (string, error) {
	a, ok := r.assets[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", lending.ErrUnsupportedAsset, id)
	}
	return a.FeedSymbol, nil
}

// FeedSymbols returns the unique provider symbols the price feed must track.
func (r *Registry) FeedSymbols() []string {
	seen := make(map[string]struct{}, len(r.order))
	symbols := make([]string, 0, len(r.order))
	for _, id := range r.order {
		sym := r.assets[id].FeedSymbol
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		symbols = append(symbols, sym)
	}
	return symbols
}

// AssetForFeed reverses FeedSymbol; used by the oracle when a tick arrives.
func (r *Registry) AssetForFeed(feedSymbol string) (lending.AssetID, bool) {
	feedSymbol = strings.ToUpper(feedSymbol)
	for _, id := range r.order {
		if r.assets[id].FeedSymbol == feedSymbol {
			return id, true
		}
	}
	return "", false
}

// Bank builds the initial bank record for an asset. LastUpdated stays zero
// until the first instruction touches it.
func (r *Registry) Bank(id lending.AssetID) (lending.Bank, error) {
	a, ok := r.assets[id]
	if !ok {
		return lending.Bank{}, fmt.Errorf("%w: %s", lending.ErrUnsupportedAsset, id)
	}
	return lending.Bank{
		Asset:                  id,
		Decimals:               a.Decimals,
		MaxLTV:                 a.MaxLTV,
		LiquidationThreshold:   a.LiquidationThreshold,
		LiquidationBonus:       a.LiquidationBonus,
		LiquidationCloseFactor: a.LiquidationCloseFactor,
	}, nil
}
