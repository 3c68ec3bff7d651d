package planner

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidationbot/internal/aggregator"
	"liquidationbot/internal/plancache"
	"liquidationbot/internal/protocol"
)

var (
	debtAsset       = common.HexToAddress("0xd00d")
	collateralAsset = common.HexToAddress("0xc0de")
	user            = common.HexToAddress("0xuser000000000000000000000000000000000001")
)

type fakeReader struct {
	reserves []protocol.UserReserve
	configs  map[common.Address]protocol.ReserveConfig
}

func (f *fakeReader) AllUserReserves(ctx context.Context, u common.Address) ([]protocol.UserReserve, error) {
	return f.reserves, nil
}

func (f *fakeReader) ReserveConfiguration(asset common.Address) (protocol.ReserveConfig, error) {
	return f.configs[asset], nil
}

type fixedPrices struct{ prices map[string]*uint256.Int }

func (f fixedPrices) GetUSDPrice(symbol string, nowMs int64) (*uint256.Int, error) {
	return f.prices[symbol], nil
}

type fixedSymbols struct{ m map[common.Address]string }

func (f fixedSymbols) SymbolFor(token common.Address) (string, bool) {
	s, ok := f.m[token]
	return s, ok
}

type fakeAgg struct {
	minOut *uint256.Int
	data   []byte
}

func (f *fakeAgg) Quote(ctx context.Context, src, dst common.Address, amount *uint256.Int, slippageBps uint64, recipient common.Address) (*aggregator.Quote, error) {
	return &aggregator.Quote{To: dst, Data: f.data, Value: big.NewInt(0), MinOut: f.minOut}, nil
}

func usd(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func buildPlanner(t *testing.T, minOut *uint256.Int) (*Planner, *fakeReader) {
	t.Helper()
	reader := &fakeReader{
		reserves: []protocol.UserReserve{
			{UnderlyingAsset: collateralAsset, ATokenBalance: big.NewInt(1e18), UsageAsCollateralOn: true, VariableDebt: big.NewInt(0), StableDebt: big.NewInt(0)},
			{UnderlyingAsset: debtAsset, VariableDebt: new(big.Int).Mul(big.NewInt(2000), big.NewInt(1e6)), StableDebt: big.NewInt(0), ATokenBalance: big.NewInt(0)},
		},
		configs: map[common.Address]protocol.ReserveConfig{
			collateralAsset: {Decimals: 18, LiquidationBonusBps: 500},
			debtAsset:       {Decimals: 6},
		},
	}
	prices := fixedPrices{prices: map[string]*uint256.Int{
		"DEBT": usd(1),
		"COLL": usd(2000),
	}}
	symbols := fixedSymbols{m: map[common.Address]string{debtAsset: "DEBT", collateralAsset: "COLL"}}
	cache := plancache.New(0, 10)
	agg := &fakeAgg{minOut: minOut, data: []byte{0xde, 0xad}}

	p := New(reader, prices, symbols, agg, cache, 5000, 500, common.HexToAddress("0xexec"))
	return p, reader
}

func TestBuild_matchesPlanMathScenario(t *testing.T) {
	// debtToCover = 2000e6 * 5000/10000 = 1000e6
	// minRequiredOut = 1000e6 + 900_000 + 5_000_000 = 1_005_900_000
	minOut := uint256.NewInt(1_005_900_001) // just above minRequiredOut
	p, _ := buildPlanner(t, minOut)

	plan, err := p.Build(context.Background(), user)
	require.NoError(t, err)

	assert.Equal(t, "1000000000", plan.DebtToCover.Dec())
	assert.Equal(t, "525000000000000000", plan.ExpectedCollateral.Dec())
	assert.Equal(t, debtAsset.Hex(), plan.DebtAsset)
	assert.Equal(t, collateralAsset.Hex(), plan.CollateralAsset)
}

func TestBuild_rejectsMinOutAtOrBelowMinRequired(t *testing.T) {
	minOut := uint256.NewInt(1_005_900_000) // exactly minRequiredOut, must be rejected
	p, _ := buildPlanner(t, minOut)

	_, err := p.Build(context.Background(), user)
	require.Error(t, err)
}

func TestBuild_noPairWhenNoCollateral(t *testing.T) {
	reader := &fakeReader{
		reserves: []protocol.UserReserve{
			{UnderlyingAsset: debtAsset, VariableDebt: big.NewInt(1000), ATokenBalance: big.NewInt(0)},
		},
		configs: map[common.Address]protocol.ReserveConfig{},
	}
	prices := fixedPrices{prices: map[string]*uint256.Int{}}
	symbols := fixedSymbols{m: map[common.Address]string{}}
	cache := plancache.New(0, 10)
	agg := &fakeAgg{}
	p := New(reader, prices, symbols, agg, cache, 5000, 500, common.HexToAddress("0xexec"))

	_, err := p.Build(context.Background(), user)
	require.Error(t, err)
}
