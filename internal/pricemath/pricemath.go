// Package pricemath implements the bot's fixed-point price representation
// (all values scaled by 1e18) and the priority-chain price resolver:
// live cache, then a direct feed, then a composite ratio feed, then the
// push price stream's cache. All arithmetic on the hot path uses
// holiman/uint256.Int rather than math/big, since every price and amount
// here is comfortably bounded within 256 bits and the fixed-width type
// avoids per-operation heap allocation.
package pricemath

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"liquidationbot/internal/bottypes"
)

// Scale is the fixed-point denominator used throughout the bot: 1e18.
var Scale = uint256.NewInt(1e18)

// Source identifies where a price sample came from.
type Source int

const (
	SourceCache Source = iota
	SourceStream
	SourceFeed
	SourceComposite
)

func (s Source) String() string {
	switch s {
	case SourceCache:
		return "cache"
	case SourceStream:
		return "stream"
	case SourceFeed:
		return "feed"
	case SourceComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// Sample is a single resolved price, scaled to 1e18.
type Sample struct {
	Price       *uint256.Int
	TimestampMs int64
	Source      Source
}

// FeedReader fetches a price directly from an on-chain or off-chain feed.
// Implementations are expected to return the price already normalized to
// 1e18 and cache their own source-specific decimals internally.
type FeedReader interface {
	ReadPrice(symbol string) (*uint256.Int, error)
}

// Resolver implements the priority-chain price lookup described in the
// bot's pricing design: cache, then direct feed, then composite ratio,
// then the push-stream cache.
type Resolver struct {
	mu          sync.RWMutex
	cache       map[string]Sample
	ttl         time.Duration
	feed        FeedReader
	streamCache map[string]Sample

	counters map[Source]uint64
}

// NewResolver builds a Resolver backed by feed for direct lookups, with
// samples considered fresh for ttl.
func NewResolver(feed FeedReader, ttl time.Duration) *Resolver {
	return &Resolver{
		cache:       make(map[string]Sample),
		streamCache: make(map[string]Sample),
		feed:        feed,
		ttl:         ttl,
		counters:    make(map[Source]uint64),
	}
}

// UpdateStreamPrice is called by the push price stream whenever a fresh
// tick arrives for symbol.
func (r *Resolver) UpdateStreamPrice(symbol string, price *uint256.Int, tsMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamCache[symbol] = Sample{Price: price, TimestampMs: tsMs, Source: SourceStream}
}

// GetUSDPrice resolves symbol's USD price, scaled to 1e18, using the
// priority chain: fresh cache entry, then direct feed, then a composite
// ratio feed (symbol_ANCHOR * ANCHOR_USD), then the stream cache.
func (r *Resolver) GetUSDPrice(symbol string, nowMs int64) (*uint256.Int, error) {
	if s, ok := r.freshCached(symbol, nowMs); ok {
		r.bump(SourceCache)
		return s.Price, nil
	}

	if r.feed != nil {
		if price, err := r.feed.ReadPrice(symbol); err == nil && price != nil {
			r.store(symbol, Sample{Price: price, TimestampMs: nowMs, Source: SourceFeed})
			r.bump(SourceFeed)
			return price, nil
		}
	}

	if price, ok := r.resolveComposite(symbol, nowMs); ok {
		r.store(symbol, Sample{Price: price, TimestampMs: nowMs, Source: SourceComposite})
		r.bump(SourceComposite)
		return price, nil
	}

	r.mu.RLock()
	sample, ok := r.streamCache[symbol]
	r.mu.RUnlock()
	if ok {
		if nowMs-sample.TimestampMs > r.ttl.Milliseconds() {
			return nil, fmt.Errorf("%w: %s", bottypes.ErrPriceStale, symbol)
		}
		r.store(symbol, sample)
		r.bump(SourceStream)
		return sample.Price, nil
	}

	return nil, fmt.Errorf("%w: %s", bottypes.ErrPriceUnavailable, symbol)
}

// compositeAnchor is the fixed anchor asset composite ratio feeds are
// quoted against (e.g. a liquid-staking token's "<SYM>_ETH" feed).
const compositeAnchor = "ETH"

// resolveComposite looks for a "<symbol>_<anchor>" ratio feed plus the
// anchor's own USD price and multiplies ratio * anchorUsd / 1e18. It is
// only consulted for symbols with no feed of their own, so it never
// shadows a symbol that already has a direct USD feed.
func (r *Resolver) resolveComposite(symbol string, nowMs int64) (*uint256.Int, bool) {
	if r.feed == nil || symbol == compositeAnchor {
		return nil, false
	}
	ratio, err := r.feed.ReadPrice(symbol + "_" + compositeAnchor)
	if err != nil || ratio == nil {
		return nil, false
	}
	anchorUsd, err := r.GetUSDPrice(compositeAnchor, nowMs)
	if err != nil {
		return nil, false
	}
	product := new(uint256.Int).Mul(ratio, anchorUsd)
	product.Div(product, Scale)
	return product, true
}

func (r *Resolver) freshCached(symbol string, nowMs int64) (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.cache[symbol]
	if !ok {
		return Sample{}, false
	}
	if nowMs-s.TimestampMs > r.ttl.Milliseconds() {
		return Sample{}, false
	}
	return s, true
}

func (r *Resolver) store(symbol string, s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[symbol] = s
}

func (r *Resolver) bump(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[s]++
}

// Counters returns a snapshot of per-source hit counts.
func (r *Resolver) Counters() map[Source]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Source]uint64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// NormalizeToE18 rescales a raw token amount with the given number of
// decimals to the 1e18 fixed-point scale.
func NormalizeToE18(raw *uint256.Int, decimals uint8) *uint256.Int {
	out := new(uint256.Int).Set(raw)
	switch {
	case decimals < 18:
		factor := pow10(18 - decimals)
		out.Mul(out, factor)
	case decimals > 18:
		factor := pow10(decimals - 18)
		out.Div(out, factor)
	}
	return out
}

// DenormalizeFromE18 is the inverse of NormalizeToE18.
func DenormalizeFromE18(value *uint256.Int, decimals uint8) *uint256.Int {
	out := new(uint256.Int).Set(value)
	switch {
	case decimals < 18:
		factor := pow10(18 - decimals)
		out.Div(out, factor)
	case decimals > 18:
		factor := pow10(decimals - 18)
		out.Mul(out, factor)
	}
	return out
}

func pow10(n uint8) *uint256.Int {
	out := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

// USDValueFloat converts a raw token amount to a display-only float USD
// value given its decimals and 1e18-scaled price. This is the only place
// in the pricing path floating point is used; it must never feed back
// into plan sizing math.
func USDValueFloat(raw *uint256.Int, decimals uint8, price1e18 *uint256.Int) float64 {
	normalized := NormalizeToE18(raw, decimals)
	value := new(uint256.Int).Mul(normalized, price1e18)
	value.Div(value, Scale)
	f := new(big.Float).SetInt(value.ToBig())
	f.Quo(f, big.NewFloat(1e18))
	out, _ := f.Float64()
	return out
}
