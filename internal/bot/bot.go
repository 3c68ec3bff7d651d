// Package bot wires every component into a single running process. It is
// the Go analogue of the teacher's single top-level Blackhole struct: one
// type holding every leaf dependency, constructed once by the caller and
// started with a single Run call.
package bot

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"liquidationbot/internal/attempts"
	"liquidationbot/internal/bottypes"
	"liquidationbot/internal/broadcaster"
	"liquidationbot/internal/config"
	"liquidationbot/internal/dirtyqueue"
	"liquidationbot/internal/events"
	"liquidationbot/internal/metrics"
	"liquidationbot/internal/plancache"
	"liquidationbot/internal/planner"
	"liquidationbot/internal/predictive"
	"liquidationbot/internal/pricemath"
	"liquidationbot/internal/pricestream"
	"liquidationbot/internal/seeder"
	"liquidationbot/internal/txlistener"
	"liquidationbot/internal/verifier"
)

// Bot owns every long-running component and the shutdown-group pattern:
// every loop that starts registers a cleanup closure, run in reverse
// order when the root context is cancelled.
type Bot struct {
	cfg *config.Config
	log zerolog.Logger

	ethWS *ethclient.Client

	dirty          *dirtyqueue.Queue
	prices         *pricestream.Stream
	priceResolver  *pricemath.Resolver
	eventListener  *events.Listener
	verifierLoop   *verifier.Loop
	predictiveLoop *predictive.Loop
	planner        *planner.Planner
	cache          *plancache.Cache
	ledger         *attempts.Ledger
	metrics        *metrics.Collector
	bcaster        *broadcaster.Broadcaster
	txl            txlistener.TxListener
	seeder         *seeder.Seeder

	signerKey *ecdsa.PrivateKey

	cleanupMu sync.Mutex
	cleanups  []func()
}

// New assembles a Bot from already-constructed components. Wiring the
// concrete RPC clients, ABIs, and contract clients is the caller's
// responsibility (cmd/liquidationbot/main.go); Bot only owns the
// component graph's runtime lifecycle.
func New(
	cfg *config.Config,
	log zerolog.Logger,
	ethWS *ethclient.Client,
	dirty *dirtyqueue.Queue,
	prices *pricestream.Stream,
	priceResolver *pricemath.Resolver,
	eventListener *events.Listener,
	verifierLoop *verifier.Loop,
	predictiveLoop *predictive.Loop,
	pl *planner.Planner,
	cache *plancache.Cache,
	ledger *attempts.Ledger,
	mc *metrics.Collector,
	bcaster *broadcaster.Broadcaster,
	txl txlistener.TxListener,
	sd *seeder.Seeder,
	signerKey *ecdsa.PrivateKey,
) *Bot {
	return &Bot{
		cfg: cfg, log: log, ethWS: ethWS,
		dirty: dirty, prices: prices, priceResolver: priceResolver, eventListener: eventListener,
		verifierLoop: verifierLoop, predictiveLoop: predictiveLoop,
		planner: pl, cache: cache, ledger: ledger, metrics: mc, bcaster: bcaster,
		txl: txl, seeder: sd, signerKey: signerKey,
	}
}

func (b *Bot) onCleanup(f func()) {
	b.cleanupMu.Lock()
	defer b.cleanupMu.Unlock()
	b.cleanups = append(b.cleanups, f)
}

// Run starts every loop and blocks until ctx is cancelled, then runs every
// registered cleanup in reverse-registration order.
func (b *Bot) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				b.log.Error().Err(err).Str("loop", name).Msg("bot: loop exited")
			}
		}()
		b.onCleanup(func() { b.log.Info().Str("loop", name).Msg("bot: loop stopped") })
	}

	b.prices.Subscribe(func(t pricestream.Tick) { b.predictiveLoop.OnTick(ctx, t) })
	b.prices.Subscribe(func(t pricestream.Tick) { b.priceResolver.UpdateStreamPrice(t.FeedID, t.Price, t.PublishedMs) })

	start("seeder", b.runSeeder)
	start("price_stream", b.prices.Run)
	start("event_listener", func(ctx context.Context) error { return b.eventListener.Run(ctx, b.ethWS) })
	start("verifier", func(ctx context.Context) error { b.verifierLoop.Run(ctx); return nil })

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.metrics.Run(ctx, b.cfg.Heartbeat())
	}()
	b.onCleanup(func() {
		b.log.Info().Uint64("verifier_skipped", b.verifierLoop.Skipped()).Msg("bot: final loop stats")
	})

	<-ctx.Done()
	b.log.Info().Msg("bot: shutdown signal received, draining")

	grace, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-grace.Done():
		b.log.Warn().Msg("bot: shutdown grace period exceeded, proceeding anyway")
	}

	b.cleanupMu.Lock()
	cleanups := append([]func(){}, b.cleanups...)
	b.cleanupMu.Unlock()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
	return nil
}

// runSeeder streams the indexer's borrower universe through the dirty
// queue, exactly like the event listeners' dirty-marks but for the
// initial bulk population, so risk-set admission runs uniformly through
// the same verifier tick for both sources.
func (b *Bot) runSeeder(ctx context.Context) error {
	ch, err := b.seeder.Seed(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case cand, ok := <-ch:
			if !ok {
				return nil
			}
			b.dirty.MarkDirty(cand.Address)
		}
	}
}

// Execute is wired as the verifier loop's ExecuteFunc: it pulls the
// pre-built plan (building one on the spot if the predictive loop never
// fired), signs and broadcasts the liquidation transaction, and records
// the outcome in the attempt ledger.
func (b *Bot) Execute(ctx context.Context, user string) error {
	if !b.cfg.ExecutionEnabled {
		b.log.Info().Str("user", user).Msg("bot: execution disabled, dry run")
		return nil
	}

	nowMs := time.Now().UnixMilli()
	plan, ok := b.cache.Get(user, nowMs)
	if !ok {
		addr := common.HexToAddress(user)
		built, err := b.planner.Build(ctx, addr)
		if err != nil {
			status := attempts.StatusError
			if errors.Is(err, bottypes.ErrNoPair) {
				status = attempts.StatusSkipNoPair
			}
			b.ledger.Record(attempts.Record{User: user, TimestampMs: nowMs, Status: status, Error: err.Error()})
			return err
		}
		plan = built
	}

	b.ledger.Record(attempts.Record{
		User: user, TimestampMs: nowMs, Status: attempts.StatusPending,
		DebtAsset: plan.DebtAsset, CollateralAsset: plan.CollateralAsset,
		DebtToCover: plan.DebtToCover.Dec(), ExpectedCollateral: plan.ExpectedCollateral.Dec(),
		ProfitScoreUsd1e18: plan.ProfitScoreUsd1e18.Dec(),
	})

	outcome := b.bcaster.Send(ctx, b.signerKey, plan.SwapCalldata, 1_500_000, big.NewInt(1_000_000_000), big.NewInt(50_000_000_000))
	switch outcome.Kind {
	case broadcaster.Mined:
		status := attempts.StatusIncluded
		if outcome.Receipt.Status == 0 {
			status = attempts.StatusReverted
		}
		b.ledger.Record(attempts.Record{User: user, TimestampMs: time.Now().UnixMilli(), Status: status, TxHash: outcome.Hash.Hex()})
	case broadcaster.Failed:
		errMsg := ""
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}
		status := attempts.StatusFailed
		if outcome.Receipt != nil {
			status = attempts.StatusReverted
		}
		b.ledger.Record(attempts.Record{User: user, TimestampMs: time.Now().UnixMilli(), Status: status, TxHash: outcome.Hash.Hex(), Error: errMsg})
	case broadcaster.Pending:
		b.ledger.Record(attempts.Record{User: user, TimestampMs: time.Now().UnixMilli(), Status: attempts.StatusPending, TxHash: outcome.Hash.Hex()})
		go b.confirmPending(user, outcome.Hash)
	}
	return outcome.Err
}

// confirmPending watches a broadcast-but-not-yet-included transaction
// hash on a long grace window so a Pending attempt eventually resolves
// to a terminal ledger status instead of blocking re-entry forever.
func (b *Bot) confirmPending(user string, hash common.Hash) {
	receipt, err := b.txl.WaitForTransaction(hash)
	if err != nil {
		b.ledger.Record(attempts.Record{User: user, TimestampMs: time.Now().UnixMilli(), Status: attempts.StatusError, TxHash: hash.Hex(), Error: err.Error()})
		return
	}
	status := attempts.StatusIncluded
	if receipt.Status != "0x1" {
		status = attempts.StatusReverted
	}
	b.ledger.Record(attempts.Record{User: user, TimestampMs: time.Now().UnixMilli(), Status: status, TxHash: hash.Hex()})
}
