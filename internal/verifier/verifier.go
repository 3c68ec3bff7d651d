// Package verifier implements the Verifier Loop: a fixed-interval tick
// that drains a bounded batch off the dirty queue, runs a multicall
// health-factor check, updates the risk set, and invokes the execution
// callback for any user that has crossed the execution threshold.
package verifier

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"liquidationbot/internal/protocol"
	"liquidationbot/internal/riskset"
)

// DirtySource is the subset of internal/dirtyqueue.Queue this loop
// depends on.
type DirtySource interface {
	TakeBatch(max int) []string
}

// HFChecker is the subset of internal/protocol.Checker this loop depends
// on.
type HFChecker interface {
	CheckStream(users []common.Address, subBatchSize int, nowMs int64, onResult func(protocol.HFResult)) error
}

// PendingGuard is the subset of internal/attempts.Ledger this loop
// depends on.
type PendingGuard interface {
	HasPending(user string) bool
}

// ExecuteFunc is invoked once per user crossing the execution threshold.
// Errors are logged and never propagate to the loop.
type ExecuteFunc func(ctx context.Context, user string) error

// TokenSyncFunc, if configured via WithTokenSync, is invoked once per
// checked user (regardless of threshold crossing) so the predictive
// loop's token index stays current with the user's actual reserve
// exposure. It runs off the hot path in its own goroutine.
type TokenSyncFunc func(ctx context.Context, user common.Address)

// Option configures optional Loop behavior.
type Option func(*Loop)

// WithTokenSync wires a token-index sync callback into the loop.
func WithTokenSync(f TokenSyncFunc) Option {
	return func(l *Loop) { l.tokenSync = f }
}

// Loop is the Verifier Loop.
type Loop struct {
	dirty   DirtySource
	checker HFChecker
	riskSet *riskset.Set
	ledger  PendingGuard

	tickInterval  time.Duration
	batchSize     int
	hfExecute     float64
	minDebtUsd    float64

	execute   ExecuteFunc
	tokenSync TokenSyncFunc
	log       zerolog.Logger

	skipped uint64
}

// New builds a Loop.
func New(dirty DirtySource, checker HFChecker, rs *riskset.Set, ledger PendingGuard, tickInterval time.Duration, batchSize int, hfExecute, minDebtUsd float64, execute ExecuteFunc, log zerolog.Logger, opts ...Option) *Loop {
	l := &Loop{
		dirty:        dirty,
		checker:      checker,
		riskSet:      rs,
		ledger:       ledger,
		tickInterval: tickInterval,
		batchSize:    batchSize,
		hfExecute:    hfExecute,
		minDebtUsd:   minDebtUsd,
		execute:      execute,
		log:          log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run ticks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	batch := l.dirty.TakeBatch(l.batchSize)
	if len(batch) == 0 {
		return
	}

	addrs := make([]common.Address, len(batch))
	for i, a := range batch {
		addrs[i] = common.HexToAddress(a)
	}

	nowMs := time.Now().UnixMilli()
	err := l.checker.CheckStream(addrs, l.batchSize, nowMs, func(r protocol.HFResult) {
		l.handleResult(ctx, r, nowMs)
	})
	if err != nil {
		l.log.Error().Err(err).Msg("verifier: health factor check failed")
	}
}

func (l *Loop) handleResult(ctx context.Context, r protocol.HFResult, nowMs int64) {
	debtUsd := usd1e18ToFloat(r.DebtUsd1e18)
	collateralFloat := 0.0
	if r.CollateralBase != nil {
		f := new(big.Float).SetInt(r.CollateralBase)
		collateralFloat, _ = f.Float64()
	}

	user := r.User.Hex()
	l.riskSet.AddWithCap(user, r.HealthFactor, debtUsd, collateralFloat, nowMs)

	if l.tokenSync != nil {
		go l.tokenSync(ctx, r.User)
	}

	if r.HealthFactor > l.hfExecute || debtUsd < l.minDebtUsd {
		return
	}
	if l.ledger.HasPending(user) {
		l.skipped++
		return
	}
	if err := l.execute(ctx, user); err != nil {
		l.log.Error().Err(err).Str("user", user).Msg("verifier: execution callback failed")
	}
}

// Skipped returns how many execution-eligible crossings were skipped due
// to an already-pending attempt.
func (l *Loop) Skipped() uint64 { return l.skipped }

func usd1e18ToFloat(v *uint256.Int) float64 {
	if v == nil {
		return 0
	}
	f := new(big.Float).SetInt(v.ToBig())
	f.Quo(f, big.NewFloat(1e18))
	out, _ := f.Float64()
	return out
}
