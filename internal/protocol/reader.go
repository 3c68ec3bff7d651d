// Package protocol reads lending-pool and data-provider state: per-user
// reserve positions, per-asset configuration (cached after first read),
// and the reserve list. Grounded on the multicall-batched reader pattern
// in the liquidatoor reference bot's ShortfallCheck/getAssets, adapted to
// an Aave-V3-shaped data provider.
package protocol

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"liquidationbot/internal/ethcontract"
)

// ReserveConfig is an asset's static risk parameters. Cached on first
// read since it changes only on governance action.
type ReserveConfig struct {
	Decimals             uint8
	LTVBps               uint64
	LiquidationThreshold uint64
	LiquidationBonusBps  uint64
	Active               bool
	Frozen               bool
	BorrowingEnabled      bool
}

// UserReserve is one user's position in a single reserve, in raw token
// units (not 1e18-normalized).
type UserReserve struct {
	UnderlyingAsset       common.Address
	ATokenBalance         *big.Int
	VariableDebt          *big.Int
	StableDebt            *big.Int
	UsageAsCollateralOn   bool
}

// AccountData is the pool's aggregated view of a user, in the protocol's
// base currency units.
type AccountData struct {
	TotalCollateralBase *big.Int
	TotalDebtBase       *big.Int
	HealthFactorRaw     *big.Int // 1e18-scaled; 0 sentinel may mean "no debt" depending on the pool
}

// Reader adapts the pool and data-provider contracts.
type Reader struct {
	pool         ethcontract.ContractClient
	dataProvider ethcontract.ContractClient

	mu            sync.RWMutex
	reserveList   []common.Address
	configCache   map[common.Address]ReserveConfig
}

// NewReader builds a Reader over the given pool and data-provider
// contract clients.
func NewReader(pool, dataProvider ethcontract.ContractClient) *Reader {
	return &Reader{
		pool:         pool,
		dataProvider: dataProvider,
		configCache:  make(map[common.Address]ReserveConfig),
	}
}

// ReserveList returns every reserve asset the pool tracks, fetched once
// and cached for the process lifetime.
func (r *Reader) ReserveList(ctx context.Context) ([]common.Address, error) {
	r.mu.RLock()
	if r.reserveList != nil {
		defer r.mu.RUnlock()
		return r.reserveList, nil
	}
	r.mu.RUnlock()

	out, err := r.pool.Call(nil, "getReservesList")
	if err != nil {
		return nil, fmt.Errorf("getReservesList: %w", err)
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getReservesList: unexpected output type %T", out[0])
	}

	r.mu.Lock()
	r.reserveList = addrs
	r.mu.Unlock()
	return addrs, nil
}

// ReserveConfiguration returns an asset's risk parameters, caching the
// result after the first read.
func (r *Reader) ReserveConfiguration(asset common.Address) (ReserveConfig, error) {
	r.mu.RLock()
	if cfg, ok := r.configCache[asset]; ok {
		r.mu.RUnlock()
		return cfg, nil
	}
	r.mu.RUnlock()

	out, err := r.dataProvider.Call(nil, "getReserveConfigurationData", asset)
	if err != nil {
		return ReserveConfig{}, fmt.Errorf("getReserveConfigurationData(%s): %w", asset.Hex(), err)
	}
	if len(out) < 8 {
		return ReserveConfig{}, fmt.Errorf("getReserveConfigurationData(%s): unexpected output arity %d", asset.Hex(), len(out))
	}
	decimals, _ := out[0].(*big.Int)
	ltv, _ := out[1].(*big.Int)
	liqThreshold, _ := out[2].(*big.Int)
	liqBonus, _ := out[3].(*big.Int)
	active, _ := out[5].(bool)
	frozen, _ := out[6].(bool)
	borrowing, _ := out[7].(bool)

	cfg := ReserveConfig{
		Decimals:             uint8(safeUint64(decimals)),
		LTVBps:               safeUint64(ltv),
		LiquidationThreshold: safeUint64(liqThreshold),
		LiquidationBonusBps:  safeUint64(liqBonus),
		Active:               active,
		Frozen:               frozen,
		BorrowingEnabled:     borrowing,
	}

	r.mu.Lock()
	r.configCache[asset] = cfg
	r.mu.Unlock()
	return cfg, nil
}

// UserReserveData reads a single (user, asset) position, never cached —
// debt and collateral balances accrue interest every block.
func (r *Reader) UserReserveData(user, asset common.Address) (UserReserve, error) {
	out, err := r.dataProvider.Call(nil, "getUserReserveData", asset, user)
	if err != nil {
		return UserReserve{}, fmt.Errorf("getUserReserveData(%s,%s): %w", asset.Hex(), user.Hex(), err)
	}
	if len(out) < 6 {
		return UserReserve{}, fmt.Errorf("getUserReserveData(%s,%s): unexpected output arity %d", asset.Hex(), user.Hex(), len(out))
	}
	aTokenBalance, _ := out[0].(*big.Int)
	stableDebt, _ := out[1].(*big.Int)
	variableDebt, _ := out[2].(*big.Int)
	usageAsCollateral, _ := out[5].(bool)

	return UserReserve{
		UnderlyingAsset:     asset,
		ATokenBalance:       orZero(aTokenBalance),
		VariableDebt:        orZero(variableDebt),
		StableDebt:          orZero(stableDebt),
		UsageAsCollateralOn: usageAsCollateral,
	}, nil
}

// AllUserReserves reads a user's position in every tracked reserve.
// Reads are issued one at a time, in reserve-list order; no read runs
// concurrently with another, here or in the planner that calls this.
func (r *Reader) AllUserReserves(ctx context.Context, user common.Address) ([]UserReserve, error) {
	reserves, err := r.ReserveList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]UserReserve, 0, len(reserves))
	for _, asset := range reserves {
		ur, err := r.UserReserveData(user, asset)
		if err != nil {
			return nil, err
		}
		if ur.ATokenBalance.Sign() == 0 && ur.VariableDebt.Sign() == 0 && ur.StableDebt.Sign() == 0 {
			continue
		}
		out = append(out, ur)
	}
	return out, nil
}

// GetUserAccountData reads the pool's aggregated account view for user.
func (r *Reader) GetUserAccountData(user common.Address) (AccountData, error) {
	out, err := r.pool.Call(nil, "getUserAccountData", user)
	if err != nil {
		return AccountData{}, fmt.Errorf("getUserAccountData(%s): %w", user.Hex(), err)
	}
	if len(out) < 6 {
		return AccountData{}, fmt.Errorf("getUserAccountData(%s): unexpected output arity %d", user.Hex(), len(out))
	}
	totalCollateral, _ := out[0].(*big.Int)
	totalDebt, _ := out[1].(*big.Int)
	hf, _ := out[5].(*big.Int)
	return AccountData{
		TotalCollateralBase: orZero(totalCollateral),
		TotalDebtBase:       orZero(totalDebt),
		HealthFactorRaw:     orZero(hf),
	}, nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func safeUint64(v *big.Int) uint64 {
	if v == nil {
		return 0
	}
	return v.Uint64()
}
