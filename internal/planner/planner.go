// Package planner implements the Liquidation Planner: given a candidate
// user, it reads every reserve position, selects the largest collateral
// and debt exposures by USD value, sizes a close-factor-bounded
// liquidation, and requests swap calldata from the aggregator to emit a
// fully-specified, profitability-gated Plan.
package planner

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"liquidationbot/internal/aggregator"
	"liquidationbot/internal/bottypes"
	"liquidationbot/internal/plancache"
	"liquidationbot/internal/pricemath"
	"liquidationbot/internal/protocol"
)

const (
	concurrencyCap    = 10
	flashloanFeeBps   = 9  // 0.09%
	safetyBufferBps   = 50 // 0.5%
)

// PriceSource is the subset of internal/pricemath.Resolver the planner
// depends on.
type PriceSource interface {
	GetUSDPrice(symbol string, nowMs int64) (*uint256.Int, error)
}

// ProtocolReader is the subset of internal/protocol.Reader the planner
// depends on.
type ProtocolReader interface {
	AllUserReserves(ctx context.Context, user common.Address) ([]protocol.UserReserve, error)
	ReserveConfiguration(asset common.Address) (protocol.ReserveConfig, error)
}

// AggregatorClient is the subset of internal/aggregator.Client the
// planner depends on.
type AggregatorClient interface {
	Quote(ctx context.Context, src, dst common.Address, amount *uint256.Int, slippageBps uint64, recipient common.Address) (*aggregator.Quote, error)
}

// SymbolResolver maps a token address to the price-feed symbol used to
// price it.
type SymbolResolver interface {
	SymbolFor(token common.Address) (string, bool)
}

// Planner builds liquidation plans and pre-caches them.
type Planner struct {
	reader    ProtocolReader
	prices    PriceSource
	symbols   SymbolResolver
	aggClient AggregatorClient
	cache     *plancache.Cache

	closeFactorBps uint64
	maxSlippageBps uint64
	executor       common.Address
}

// New builds a Planner.
func New(reader ProtocolReader, prices PriceSource, symbols SymbolResolver, aggClient AggregatorClient, cache *plancache.Cache, closeFactorBps, maxSlippageBps uint64, executor common.Address) *Planner {
	return &Planner{
		reader:         reader,
		prices:         prices,
		symbols:        symbols,
		aggClient:      aggClient,
		cache:          cache,
		closeFactorBps: closeFactorBps,
		maxSlippageBps: maxSlippageBps,
		executor:       executor,
	}
}

// assetUSDValue is used internally to rank reserve candidates by USD
// exposure.
type assetUSDValue struct {
	reserve  protocol.UserReserve
	usd1e18  *uint256.Int
}

// Build computes a liquidation plan for user without touching the cache.
func (p *Planner) Build(ctx context.Context, user common.Address) (plancache.Plan, error) {
	reserves, err := p.reader.AllUserReserves(ctx, user)
	if err != nil {
		return plancache.Plan{}, fmt.Errorf("%w: reading reserves: %v", bottypes.ErrRPCUnreachable, err)
	}

	var collateralCandidates, debtCandidates []protocol.UserReserve
	for _, r := range reserves {
		if r.ATokenBalance.Sign() > 0 && r.UsageAsCollateralOn {
			collateralCandidates = append(collateralCandidates, r)
		}
		if r.VariableDebt.Sign() > 0 || r.StableDebt.Sign() > 0 {
			debtCandidates = append(debtCandidates, r)
		}
	}
	if len(collateralCandidates) == 0 || len(debtCandidates) == 0 {
		return plancache.Plan{}, fmt.Errorf("%w: user %s", bottypes.ErrNoPair, user.Hex())
	}

	nowMs := time.Now().UnixMilli()

	collateralValues, err := p.valueReservesConcurrently(ctx, collateralCandidates, func(r protocol.UserReserve) *uint256.Int { return bigToUint256(r.ATokenBalance) }, nowMs)
	if err != nil {
		return plancache.Plan{}, err
	}
	debtValues, err := p.valueReservesConcurrently(ctx, debtCandidates, func(r protocol.UserReserve) *uint256.Int {
		return new(uint256.Int).Add(bigToUint256(r.VariableDebt), bigToUint256(r.StableDebt))
	}, nowMs)
	if err != nil {
		return plancache.Plan{}, err
	}

	collateral := largest(collateralValues)
	debt := largest(debtValues)

	collateralCfg, err := p.reader.ReserveConfiguration(collateral.reserve.UnderlyingAsset)
	if err != nil {
		return plancache.Plan{}, fmt.Errorf("%w: reserve config: %v", bottypes.ErrRPCUnreachable, err)
	}
	debtCfg, err := p.reader.ReserveConfiguration(debt.reserve.UnderlyingAsset)
	if err != nil {
		return plancache.Plan{}, fmt.Errorf("%w: reserve config: %v", bottypes.ErrRPCUnreachable, err)
	}

	totalDebt := new(uint256.Int).Add(bigToUint256(debt.reserve.VariableDebt), bigToUint256(debt.reserve.StableDebt))
	debtToCover := new(uint256.Int).Mul(totalDebt, uint256.NewInt(p.closeFactorBps))
	debtToCover.Div(debtToCover, uint256.NewInt(10000))

	debtSymbol, _ := p.symbols.SymbolFor(debt.reserve.UnderlyingAsset)
	collateralSymbol, _ := p.symbols.SymbolFor(collateral.reserve.UnderlyingAsset)
	debtPrice, err := p.prices.GetUSDPrice(debtSymbol, nowMs)
	if err != nil {
		return plancache.Plan{}, err
	}
	collateralPrice, err := p.prices.GetUSDPrice(collateralSymbol, nowMs)
	if err != nil {
		return plancache.Plan{}, err
	}

	debtToCover1e18 := pricemath.NormalizeToE18(debtToCover, debtCfg.Decimals)
	debtValueUsd1e18 := new(uint256.Int).Mul(debtToCover1e18, debtPrice)
	debtValueUsd1e18.Div(debtValueUsd1e18, pricemath.Scale)

	collateral1e18 := new(uint256.Int).Mul(debtValueUsd1e18, pricemath.Scale)
	collateral1e18.Div(collateral1e18, collateralPrice)

	bonusBps := collateralCfg.LiquidationBonusBps
	collateral1e18.Mul(collateral1e18, uint256.NewInt(10000+bonusBps))
	collateral1e18.Div(collateral1e18, uint256.NewInt(10000))

	expectedCollateralOut := pricemath.DenormalizeFromE18(collateral1e18, collateralCfg.Decimals)

	flashloanFee := new(uint256.Int).Mul(debtToCover, uint256.NewInt(flashloanFeeBps))
	flashloanFee.Div(flashloanFee, uint256.NewInt(10000))
	safetyBuffer := new(uint256.Int).Mul(debtToCover, uint256.NewInt(safetyBufferBps))
	safetyBuffer.Div(safetyBuffer, uint256.NewInt(10000))
	minRequiredOut := new(uint256.Int).Add(debtToCover, flashloanFee)
	minRequiredOut.Add(minRequiredOut, safetyBuffer)

	quote, err := p.aggClient.Quote(ctx, collateral.reserve.UnderlyingAsset, debt.reserve.UnderlyingAsset, expectedCollateralOut, p.maxSlippageBps, p.executor)
	if err != nil {
		return plancache.Plan{}, err
	}
	if quote.MinOut.Cmp(minRequiredOut) <= 0 {
		return plancache.Plan{}, fmt.Errorf("%w: quoted minOut %s <= minRequiredOut %s", bottypes.ErrSafetyCheckFailed, quote.MinOut.Dec(), minRequiredOut.Dec())
	}
	slippageBps := slippageBpsOf(expectedCollateralOut, quote.MinOut)
	if slippageBps > p.maxSlippageBps {
		return plancache.Plan{}, fmt.Errorf("%w: slippage %d bps exceeds max %d", bottypes.ErrSafetyCheckFailed, slippageBps, p.maxSlippageBps)
	}

	profit1e18 := new(uint256.Int).Sub(quote.MinOut, minRequiredOut)
	profit1e18Normalized := pricemath.NormalizeToE18(profit1e18, debtCfg.Decimals)
	profitUsd1e18 := new(uint256.Int).Mul(profit1e18Normalized, debtPrice)
	profitUsd1e18.Div(profitUsd1e18, pricemath.Scale)

	return plancache.Plan{
		User:                user.Hex(),
		DebtAsset:           debt.reserve.UnderlyingAsset.Hex(),
		CollateralAsset:     collateral.reserve.UnderlyingAsset.Hex(),
		DebtToCover:         debtToCover,
		ExpectedCollateral:  expectedCollateralOut,
		MinOut:              quote.MinOut,
		SwapCalldata:        quote.Data,
		DebtDecimals:        debtCfg.Decimals,
		CollateralDecimals:  collateralCfg.Decimals,
		LiquidationBonusBps: bonusBps,
		ProfitScoreUsd1e18:  profitUsd1e18,
		CreatedAtMs:         nowMs,
	}, nil
}

// BuildAndCache builds a plan for user and inserts it into the plan
// cache, satisfying predictive.PlanBuilder.
func (p *Planner) BuildAndCache(ctx context.Context, user common.Address) error {
	plan, err := p.Build(ctx, user)
	if err != nil {
		return err
	}
	p.cache.Prepare(plan)
	return nil
}

func (p *Planner) valueReservesConcurrently(ctx context.Context, reserves []protocol.UserReserve, amountOf func(protocol.UserReserve) *uint256.Int, nowMs int64) ([]assetUSDValue, error) {
	out := make([]assetUSDValue, len(reserves))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrencyCap)

	for i, r := range reserves {
		i, r := i, r
		g.Go(func() error {
			cfg, err := p.reader.ReserveConfiguration(r.UnderlyingAsset)
			if err != nil {
				return fmt.Errorf("%w: reserve config: %v", bottypes.ErrRPCUnreachable, err)
			}
			symbol, _ := p.symbols.SymbolFor(r.UnderlyingAsset)
			price, err := p.prices.GetUSDPrice(symbol, nowMs)
			if err != nil {
				return err
			}
			amount1e18 := pricemath.NormalizeToE18(amountOf(r), cfg.Decimals)
			usd := new(uint256.Int).Mul(amount1e18, price)
			usd.Div(usd, pricemath.Scale)
			out[i] = assetUSDValue{reserve: r, usd1e18: usd}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func largest(values []assetUSDValue) assetUSDValue {
	best := values[0]
	for _, v := range values[1:] {
		if v.usd1e18.Cmp(best.usd1e18) > 0 {
			best = v
		}
	}
	return best
}

func slippageBpsOf(expected, actual *uint256.Int) uint64 {
	if expected.IsZero() || actual.Cmp(expected) >= 0 {
		return 0
	}
	diff := new(uint256.Int).Sub(expected, actual)
	diff.Mul(diff, uint256.NewInt(10000))
	diff.Div(diff, expected)
	return diff.Uint64()
}

func bigToUint256(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}
