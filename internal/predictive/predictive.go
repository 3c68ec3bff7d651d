// Package predictive implements the Predictive Loop: it subscribes to
// the Price Stream, detects per-token percentage moves above a
// (per-token or default) threshold, looks up affected users via the
// Token→Users Index, rate-limits per user, and triggers a single-user
// rescore plus speculative plan pre-build.
package predictive

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"liquidationbot/internal/pricestream"
	"liquidationbot/internal/protocol"
	"liquidationbot/internal/riskset"
)

// TokenIndex is the subset of internal/tokenindex.Index this loop
// depends on.
type TokenIndex interface {
	GetUsersForToken(token string) []string
}

// ThresholdSource supplies the per-symbol minimum percentage move (as a
// fraction, e.g. 0.005 for 0.5%) below which a tick is ignored.
type ThresholdSource interface {
	MinPctMoveFor(symbol string) float64
}

// SingleUserChecker runs a one-user health-factor check.
type SingleUserChecker interface {
	CheckBatch(users []common.Address, nowMs int64) ([]protocol.HFResult, error)
}

// PlanBuilder is invoked to speculatively pre-build and cache a plan once
// a user's rescored health factor drops to or below the prepare
// threshold.
type PlanBuilder interface {
	BuildAndCache(ctx context.Context, user common.Address) error
}

// Loop is the Predictive Loop.
type Loop struct {
	symbolToToken map[string]string // lowercased symbol -> lowercased token address
	thresholds    ThresholdSource
	tokenIndex    TokenIndex
	checker       SingleUserChecker
	riskSet       *riskset.Set
	planner       PlanBuilder

	prepareThreshold float64
	minDebtUsd       float64
	rateLimitEvery   time.Duration

	mu         sync.Mutex
	lastPrice  map[string]*uint256.Int // token address -> last 1e18 price
	limiters   map[string]*rate.Limiter
	warnedOnce map[string]bool

	log zerolog.Logger
}

// New builds a Loop. symbolToToken maps price-feed symbols (e.g. "ETH")
// to the on-chain token address they price.
func New(symbolToToken map[string]string, thresholds ThresholdSource, tokenIndex TokenIndex, checker SingleUserChecker, rs *riskset.Set, planner PlanBuilder, prepareThreshold, minDebtUsd float64, rateLimitEvery time.Duration, log zerolog.Logger) *Loop {
	normalized := make(map[string]string, len(symbolToToken))
	for sym, tok := range symbolToToken {
		normalized[strings.ToLower(sym)] = strings.ToLower(tok)
	}
	return &Loop{
		symbolToToken:    normalized,
		thresholds:       thresholds,
		tokenIndex:       tokenIndex,
		checker:          checker,
		riskSet:          rs,
		planner:          planner,
		prepareThreshold: prepareThreshold,
		minDebtUsd:       minDebtUsd,
		rateLimitEvery:   rateLimitEvery,
		lastPrice:        make(map[string]*uint256.Int),
		limiters:         make(map[string]*rate.Limiter),
		warnedOnce:       make(map[string]bool),
		log:              log,
	}
}

// OnTick is the pricestream.Subscriber callback. It never blocks for
// long: rescoring happens synchronously but per-user work is bounded by
// the rate limiter, and the whole handler runs on the stream's single
// read-loop goroutine, so it must stay fast under normal operation.
func (l *Loop) OnTick(ctx context.Context, tick pricestream.Tick) {
	symbol := strings.ToLower(tick.FeedID)
	token, ok := l.symbolToToken[symbol]
	if !ok {
		l.mu.Lock()
		warned := l.warnedOnce[symbol]
		l.warnedOnce[symbol] = true
		l.mu.Unlock()
		if !warned {
			l.log.Warn().Str("symbol", symbol).Msg("predictive: unmapped price symbol, ignoring")
		}
		return
	}

	l.mu.Lock()
	prev, hadPrev := l.lastPrice[token]
	l.mu.Unlock()

	if !hadPrev {
		l.mu.Lock()
		l.lastPrice[token] = tick.Price
		l.mu.Unlock()
		return
	}

	pctMoveBps := pctMoveBps(prev, tick.Price)
	thresholdBps := uint64(l.thresholds.MinPctMoveFor(symbol) * 10000)
	if pctMoveBps < thresholdBps {
		return
	}

	users := l.tokenIndex.GetUsersForToken(token)
	for _, user := range users {
		if !l.allow(user) {
			continue
		}
		l.rescore(ctx, user)
	}

	l.mu.Lock()
	l.lastPrice[token] = tick.Price
	l.mu.Unlock()
}

// pctMoveBps computes |cur-prev|/prev in integer basis points, BigInt-exact.
func pctMoveBps(prev, cur *uint256.Int) uint64 {
	if prev == nil || prev.IsZero() {
		return 0
	}
	diff := new(uint256.Int)
	if cur.Cmp(prev) >= 0 {
		diff.Sub(cur, prev)
	} else {
		diff.Sub(prev, cur)
	}
	diff.Mul(diff, uint256.NewInt(10000))
	diff.Div(diff, prev)
	return diff.Uint64()
}

func (l *Loop) allow(user string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[user]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.rateLimitEvery), 1)
		l.limiters[user] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *Loop) rescore(ctx context.Context, user string) {
	addr := common.HexToAddress(user)
	results, err := l.checker.CheckBatch([]common.Address{addr}, time.Now().UnixMilli())
	if err != nil || len(results) == 0 {
		if err != nil {
			l.log.Warn().Err(err).Str("user", user).Msg("predictive: rescore HF check failed")
		}
		return
	}
	r := results[0]
	debtUsd := usd1e18ToFloat(r.DebtUsd1e18)
	l.riskSet.AddWithCap(user, r.HealthFactor, debtUsd, 0, time.Now().UnixMilli())

	if r.HealthFactor > l.prepareThreshold || debtUsd < l.minDebtUsd {
		return
	}
	if l.planner == nil {
		return
	}
	if err := l.planner.BuildAndCache(ctx, addr); err != nil {
		l.log.Debug().Err(err).Str("user", user).Msg("predictive: speculative plan build skipped")
	}
}

func usd1e18ToFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).SetInt(v.ToBig())
	f.Quo(f, big.NewFloat(1e18))
	out, _ := f.Float64()
	return out
}
