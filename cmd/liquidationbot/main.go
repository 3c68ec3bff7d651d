package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"liquidationbot/internal/aggregator"
	"liquidationbot/internal/attempts"
	"liquidationbot/internal/audit"
	"liquidationbot/internal/bot"
	"liquidationbot/internal/broadcaster"
	"liquidationbot/internal/config"
	"liquidationbot/internal/dirtyqueue"
	"liquidationbot/internal/ethcontract"
	"liquidationbot/internal/ethutil"
	"liquidationbot/internal/events"
	"liquidationbot/internal/metrics"
	"liquidationbot/internal/plancache"
	"liquidationbot/internal/planner"
	"liquidationbot/internal/predictive"
	"liquidationbot/internal/pricemath"
	"liquidationbot/internal/pricestream"
	"liquidationbot/internal/protocol"
	"liquidationbot/internal/riskset"
	"liquidationbot/internal/seeder"
	"liquidationbot/internal/tokenindex"
	"liquidationbot/internal/txlistener"
	"liquidationbot/internal/verifier"
)

// symbolResolver is a config-driven planner.SymbolResolver: the reverse
// of config.Config.SymbolToToken, keyed by address with the feed's
// original-case symbol so lookups hit the same price-stream cache key
// the feed itself publishes under.
type symbolResolver map[common.Address]string

func (r symbolResolver) SymbolFor(token common.Address) (string, bool) {
	s, ok := r[token]
	return s, ok
}

func newSymbolResolver(feedSymbols []string, symbolToToken map[string]string) symbolResolver {
	out := make(symbolResolver, len(feedSymbols))
	for _, sym := range feedSymbols {
		tok, ok := symbolToToken[strings.ToLower(sym)]
		if !ok {
			continue
		}
		out[common.HexToAddress(tok)] = sym
	}
	return out
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config: load failed")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}

	execKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.ExecutionPrivateKey, "0x"))
	if err != nil {
		log.Fatal().Err(err).Msg("config: invalid EXECUTION_PRIVATE_KEY")
	}

	rpc, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.RPCURL).Msg("rpc: dial failed")
	}
	ws, err := ethclient.Dial(cfg.WSRPCURL)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.WSRPCURL).Msg("ws rpc: dial failed")
	}

	senders := make([]broadcaster.Sender, 0, len(cfg.BroadcastRPCURLs))
	for _, url := range cfg.BroadcastRPCURLs {
		c, err := ethclient.Dial(url)
		if err != nil {
			log.Fatal().Err(err).Str("url", url).Msg("broadcast rpc: dial failed")
		}
		senders = append(senders, c)
	}
	if len(senders) == 0 {
		senders = append(senders, rpc)
	}

	poolABI, err := ethutil.LoadABIFromHardhatArtifact(cfg.PoolABIPath)
	if err != nil {
		log.Fatal().Err(err).Msg("abi: pool load failed")
	}
	dataProviderABI, err := ethutil.LoadABIFromHardhatArtifact(cfg.DataProviderABIPath)
	if err != nil {
		log.Fatal().Err(err).Msg("abi: data provider load failed")
	}
	multicallABI, err := ethutil.LoadABIFromHardhatArtifact(cfg.Multicall3ABIPath)
	if err != nil {
		log.Fatal().Err(err).Msg("abi: multicall3 load failed")
	}
	// Validated eagerly so a bad artifact fails fast at startup; the
	// parsed ERC20 ABI is not bound to any contract client.
	if _, err := ethutil.LoadABIFromHardhatArtifact(cfg.ERC20ABIPath); err != nil {
		log.Fatal().Err(err).Msg("abi: erc20 load failed")
	}

	poolClient := ethcontract.NewContractClient(rpc, cfg.PoolAddress, poolABI)
	dataProviderClient := ethcontract.NewContractClient(rpc, cfg.DataProvider, dataProviderABI)
	multicallClient := ethcontract.NewContractClient(rpc, cfg.Multicall3Address, multicallABI)

	reader := protocol.NewReader(poolClient, dataProviderClient)
	priceResolver := pricemath.NewResolver(nil, cfg.PriceCacheTTL())

	ethUsdResolver := func(nowMs int64) (*uint256.Int, error) {
		return priceResolver.GetUSDPrice("ETH", nowMs)
	}
	checker := protocol.NewChecker(multicallClient, poolClient, cfg.BaseCurrencyIsUSD, cfg.BaseCurrencyDecimals, ethUsdResolver)

	rs := riskset.New(cfg.MinDebtUSD, cfg.RemovalHFMargin, cfg.RiskSetMaxUsers)
	dirty := dirtyqueue.New()
	tokenIdx := tokenindex.New()
	symbols := newSymbolResolver(cfg.PythAssets, cfg.SymbolToToken)

	aggClient := aggregator.New(cfg.AggregatorBaseURL, cfg.AggregatorTimeout())
	planCache := plancache.New(cfg.PlanTTL(), cfg.PlanMaxUsers)
	pl := planner.New(reader, priceResolver, symbols, aggClient, planCache, cfg.CloseFactorBps, cfg.MaxSlippageBps, cfg.ExecutorAddress)

	predictiveLoop := predictive.New(
		cfg.SymbolToToken, cfg, tokenIdx, checker, rs, pl,
		cfg.PrepareThreshold, cfg.MinDebtUSD,
		time.Duration(cfg.PredictMinRescoreIntMs)*time.Millisecond,
		log.With().Str("component", "predictive").Logger(),
	)

	prices := pricestream.New(cfg.PythWSURL, cfg.PythAssets, cfg.PythStaleSecs,
		pricestream.WithLogger(log.With().Str("component", "pricestream").Logger()))

	eventListener := events.NewListener(cfg.PoolAddress, dirty, log.With().Str("component", "events").Logger())

	var auditSink attempts.AuditSink
	if cfg.AuditMySQLDSN != "" {
		rec, err := audit.NewRecorder(cfg.AuditMySQLDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("audit: mysql connect failed")
		}
		auditSink = rec
	}
	ledger := attempts.New(10, auditSink)

	reg := prometheus.NewRegistry()
	mc := metrics.New(reg, rs, priceResolver, ledger, log.With().Str("component", "metrics").Logger())

	bcaster := broadcaster.New(rpc, rpc, senders, cfg.ExecutorAddress, cfg.ReplaceAfter(), cfg.ReplaceMaxAttempts, cfg.FeeBumpPct)

	txl := txlistener.NewTxListener(rpc,
		txlistener.WithPollInterval(3*time.Second),
		txlistener.WithTimeout(10*time.Minute))

	sd := seeder.New(cfg.SubgraphURL, cfg.GraphAPIKey)

	// verifier.Loop takes its ExecuteFunc at construction time, but that
	// func is bot.Bot.Execute, which needs the Bot to exist first. Close
	// over a pointer assigned once construction finishes.
	var theBot *bot.Bot
	verifierLoop := verifier.New(
		dirty, checker, rs, ledger,
		cfg.VerifierTick(), cfg.VerifierBatchSize, cfg.HFThresholdExec, cfg.MinDebtUSD,
		func(ctx context.Context, user string) error { return theBot.Execute(ctx, user) },
		log.With().Str("component", "verifier").Logger(),
		verifier.WithTokenSync(func(ctx context.Context, user common.Address) {
			reserves, err := reader.AllUserReserves(ctx, user)
			if err != nil {
				return
			}
			tokens := make([]string, 0, len(reserves))
			for _, r := range reserves {
				if r.UsageAsCollateralOn || r.VariableDebt.Sign() > 0 || r.StableDebt.Sign() > 0 {
					tokens = append(tokens, r.UnderlyingAsset.Hex())
				}
			}
			tokenIdx.SetUserTokens(user.Hex(), tokens)
		}),
	)

	theBot = bot.New(cfg, log, ws, dirty, prices, priceResolver, eventListener, verifierLoop, predictiveLoop, pl, planCache, ledger, mc, bcaster, txl, sd, execKey)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics: http server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("liquidationbot: starting")
	if err := theBot.Run(ctx); err != nil {
		shutdownMetrics(metricsSrv)
		log.Fatal().Err(err).Msg("liquidationbot: exited with error")
	}
	shutdownMetrics(metricsSrv)
	log.Info().Msg("liquidationbot: clean shutdown")
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
