package protocol

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"liquidationbot/internal/ethcontract"
	"liquidationbot/internal/pricemath"
)

// call3 mirrors Multicall3's Call3 struct: (target, allowFailure, callData).
type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// result3 mirrors Multicall3's Result struct: (success, returnData).
type result3 struct {
	Success    bool
	ReturnData []byte
}

// HFResult is one user's computed health-factor snapshot.
type HFResult struct {
	User           common.Address
	HealthFactor   float64 // math.Inf(1) when the user carries no debt
	DebtUsd1e18    *uint256.Int
	CollateralBase *big.Int
}

// EthUsdResolver supplies the ETH/USD price (1e18-scaled) used to convert
// base-currency debt into USD when the pool's base currency is not USD
// itself.
type EthUsdResolver func(nowMs int64) (*uint256.Int, error)

// Checker batches getUserAccountData reads through a Multicall3
// contract, grounded on the liquidatoor reference bot's
// Multicall.Aggregate-based ShortfallCheck.
type Checker struct {
	multicall      ethcontract.ContractClient
	pool           ethcontract.ContractClient
	baseIsUSD      bool
	baseDecimals   uint8
	ethUsdResolver EthUsdResolver
}

// NewChecker builds a Checker.
func NewChecker(multicall, pool ethcontract.ContractClient, baseIsUSD bool, baseDecimals uint8, ethUsdResolver EthUsdResolver) *Checker {
	return &Checker{multicall: multicall, pool: pool, baseIsUSD: baseIsUSD, baseDecimals: baseDecimals, ethUsdResolver: ethUsdResolver}
}

// CheckBatch runs getUserAccountData for every user in one multicall and
// returns the full result vector. Use CheckStream instead when admitting
// large user sets to avoid materializing everything in memory.
func (c *Checker) CheckBatch(users []common.Address, nowMs int64) ([]HFResult, error) {
	var out []HFResult
	err := c.CheckStream(users, len(users), nowMs, func(r HFResult) {
		out = append(out, r)
	})
	return out, err
}

// CheckStream runs getUserAccountData for users in sub-batches of
// subBatchSize, invoking onResult per user without ever holding the full
// result vector in memory at once.
func (c *Checker) CheckStream(users []common.Address, subBatchSize int, nowMs int64, onResult func(HFResult)) error {
	if subBatchSize <= 0 {
		subBatchSize = len(users)
	}
	for start := 0; start < len(users); start += subBatchSize {
		end := start + subBatchSize
		if end > len(users) {
			end = len(users)
		}
		chunk := users[start:end]

		calls := make([]call3, len(chunk))
		for i, u := range chunk {
			data, err := c.pool.Abi().Pack("getUserAccountData", u)
			if err != nil {
				return fmt.Errorf("pack getUserAccountData(%s): %w", u.Hex(), err)
			}
			calls[i] = call3{Target: c.pool.ContractAddress(), AllowFailure: true, CallData: data}
		}

		raw, err := c.multicall.Call(nil, "aggregate3", calls)
		if err != nil {
			return fmt.Errorf("aggregate3: %w", err)
		}
		results, ok := raw[0].([]result3)
		if !ok {
			return fmt.Errorf("aggregate3: unexpected output type %T", raw[0])
		}
		if len(results) != len(chunk) {
			return fmt.Errorf("aggregate3: expected %d results, got %d", len(chunk), len(results))
		}

		for i, res := range results {
			if !res.Success {
				continue
			}
			values, err := c.pool.Abi().Unpack("getUserAccountData", res.ReturnData)
			if err != nil || len(values) < 6 {
				continue
			}
			totalCollateral, _ := values[0].(*big.Int)
			totalDebt, _ := values[1].(*big.Int)
			rawHF, _ := values[5].(*big.Int)

			hfResult, err := c.toHFResult(chunk[i], orZero(totalCollateral), orZero(totalDebt), orZero(rawHF), nowMs)
			if err != nil {
				continue
			}
			onResult(hfResult)
		}
	}
	return nil
}

func (c *Checker) toHFResult(user common.Address, totalCollateralBase, totalDebtBase, rawHF *big.Int, nowMs int64) (HFResult, error) {
	hf := math.Inf(1)
	if totalDebtBase.Sign() != 0 && rawHF.Sign() != 0 {
		f := new(big.Float).SetInt(rawHF)
		f.Quo(f, big.NewFloat(1e18))
		hf, _ = f.Float64()
	}

	debtUsd1e18 := new(uint256.Int)
	if totalDebtBase.Sign() != 0 {
		debtBase1e18, overflow := uint256.FromBig(totalDebtBase)
		if overflow {
			return HFResult{}, fmt.Errorf("total debt base overflows uint256 for %s", user.Hex())
		}
		debtBase1e18 = pricemath.NormalizeToE18(debtBase1e18, c.baseDecimals)

		if c.baseIsUSD {
			debtUsd1e18 = debtBase1e18
		} else {
			ethUsd, err := c.ethUsdResolver(nowMs)
			if err != nil {
				return HFResult{}, err
			}
			debtUsd1e18 = new(uint256.Int).Mul(debtBase1e18, ethUsd)
			debtUsd1e18.Div(debtUsd1e18, pricemath.Scale)
		}
	}

	return HFResult{
		User:           user,
		HealthFactor:   hf,
		DebtUsd1e18:    debtUsd1e18,
		CollateralBase: totalCollateralBase,
	}, nil
}
