package pricemath

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	prices map[string]*uint256.Int
}

func (f *stubFeed) ReadPrice(symbol string) (*uint256.Int, error) {
	p, ok := f.prices[symbol]
	if !ok {
		return nil, assert.AnError
	}
	return p, nil
}

func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Scale)
}

func TestGetUSDPrice_directFeed(t *testing.T) {
	feed := &stubFeed{prices: map[string]*uint256.Int{"ETH": usd(2000)}}
	r := NewResolver(feed, time.Second)

	price, err := r.GetUSDPrice("ETH", 0)
	require.NoError(t, err)
	assert.True(t, price.Eq(feed.prices["ETH"]))
	assert.EqualValues(t, 1, r.Counters()[SourceFeed])
}

func TestGetUSDPrice_cacheHit(t *testing.T) {
	feed := &stubFeed{prices: map[string]*uint256.Int{"ETH": usd(2000)}}
	r := NewResolver(feed, time.Minute)

	_, err := r.GetUSDPrice("ETH", 0)
	require.NoError(t, err)

	delete(feed.prices, "ETH")
	price, err := r.GetUSDPrice("ETH", 1000)
	require.NoError(t, err)
	assert.False(t, price.IsZero())
	assert.EqualValues(t, 1, r.Counters()[SourceCache])
}

// compositeFeed resolves only composite ratio symbols directly, forcing
// the resolver to fall through cache and direct-feed lookups before
// reaching the composite branch for the base feed itself.
type compositeFeed struct {
	ratio     *uint256.Int
	anchorUsd *uint256.Int
}

func (f *compositeFeed) ReadPrice(symbol string) (*uint256.Int, error) {
	switch symbol {
	case "stETH_ETH":
		return f.ratio, nil
	default:
		return nil, assert.AnError
	}
}

func TestGetUSDPrice_composite(t *testing.T) {
	feed := &compositeFeed{ratio: usd(1), anchorUsd: usd(3000)}
	r := NewResolver(feed, time.Minute)
	// Seed the anchor ("ETH") price directly in cache so the recursive
	// anchor lookup inside resolveComposite succeeds without another
	// feed round-trip.
	r.store("ETH", Sample{Price: feed.anchorUsd, TimestampMs: 0, Source: SourceFeed})

	price, err := r.GetUSDPrice("stETH", 0)
	require.NoError(t, err)
	assert.True(t, price.Eq(usd(3000)))
}

func TestGetUSDPrice_unavailable(t *testing.T) {
	r := NewResolver(&stubFeed{prices: map[string]*uint256.Int{}}, time.Minute)
	_, err := r.GetUSDPrice("UNKNOWN", 0)
	assert.Error(t, err)
}

func TestGetUSDPrice_streamStale(t *testing.T) {
	r := NewResolver(&stubFeed{prices: map[string]*uint256.Int{}}, time.Second)
	r.UpdateStreamPrice("BTC", new(uint256.Int).Mul(uint256.NewInt(60000), Scale), 0)

	_, err := r.GetUSDPrice("BTC", 5000)
	assert.Error(t, err)
}

func TestNormalizeRoundTrip(t *testing.T) {
	cases := []struct {
		decimals uint8
		raw      uint64
	}{
		{6, 1_000_000},
		{18, 1_000_000_000_000_000_000},
		{8, 100_000_000},
	}
	for _, tc := range cases {
		raw := uint256.NewInt(tc.raw)
		normalized := NormalizeToE18(raw, tc.decimals)
		back := DenormalizeFromE18(normalized, tc.decimals)
		assert.True(t, raw.Eq(back), "decimals=%d", tc.decimals)
	}
}

func TestUSDValueFloat(t *testing.T) {
	raw := uint256.NewInt(1000e6) // 1000 USDC, 6 decimals
	price := new(uint256.Int).Mul(uint256.NewInt(1), Scale)
	value := USDValueFloat(raw, 6, price)
	assert.InDelta(t, 1000.0, value, 0.001)
}
