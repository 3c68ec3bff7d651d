// Package config loads and validates the bot's environment-variable
// configuration. Every key is read once at startup; an invalid or missing
// required key aborts the process rather than starting in a half-valid
// state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"liquidationbot/internal/bottypes"
)

// Config is the fully parsed, validated configuration for one bot process.
type Config struct {
	RPCURL            string
	WSRPCURL          string
	BroadcastRPCURLs  []string
	SubgraphURL       string
	GraphAPIKey       string
	PoolAddress       common.Address
	DataProvider      common.Address
	Multicall3Address common.Address

	PoolABIPath         string
	DataProviderABIPath string
	Multicall3ABIPath   string
	ERC20ABIPath        string

	BaseCurrencyDecimals uint8
	BaseCurrencyIsUSD    bool

	MinDebtUSD        float64
	HFThresholdStart  float64
	HFThresholdExec   float64
	RemovalHFMargin   float64
	PrepareThreshold  float64
	CloseFactorBps    uint64
	MaxSlippageBps    uint64

	ExecutorAddress      common.Address
	ExecutionPrivateKey  string
	ExecutionEnabled     bool

	PythWSURL                string
	PythAssets               []string
	PythStaleSecs            int
	PythMinPctMoveDefault    float64
	PythMinPctMoveOverrides  map[string]float64
	PredictMinRescoreIntMs   int
	SymbolToToken            map[string]string // lowercased symbol -> lowercased token address
	PriceCacheTTLMs          int

	RiskSetMaxUsers int

	PlanTTLMs     int
	PlanMaxUsers  int

	ReplaceAfterMs     int
	ReplaceMaxAttempts int
	FeeBumpPct         int

	VerifierTickMs    int
	VerifierBatchSize int

	AggregatorBaseURL   string
	AggregatorTimeoutMs int

	HeartbeatIntervalSec int
	MetricsAddr          string

	AuditMySQLDSN string

	LogLevel string
}

// Load reads an optional .env file (if present) then the process
// environment, parses every key, and validates the result. All validation
// failures are collected and reported together rather than failing on the
// first bad key.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []string
	cfg := &Config{}

	req := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			errs = append(errs, key+" cannot be empty")
		}
		return v
	}
	opt := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	optFloat := func(key string, def float64) float64 {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid float %q", key, v))
			return def
		}
		return f
	}
	optInt := func(key string, def int) int {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid int %q", key, v))
			return def
		}
		return n
	}
	optUint64 := func(key string, def uint64) uint64 {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid uint %q", key, v))
			return def
		}
		return n
	}
	optBool := func(key string, def bool) bool {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid bool %q", key, v))
			return def
		}
		return b
	}
	reqAddr := func(key string) common.Address {
		v := req(key)
		if v == "" {
			return common.Address{}
		}
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("%s: not a hex address %q", key, v))
			return common.Address{}
		}
		return common.HexToAddress(v)
	}
	csv := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	cfg.RPCURL = req("RPC_URL")
	cfg.WSRPCURL = req("WS_RPC_URL")
	cfg.BroadcastRPCURLs = csv(os.Getenv("BROADCAST_RPC_URLS"))
	cfg.SubgraphURL = req("SUBGRAPH_URL")
	cfg.GraphAPIKey = opt("GRAPH_API_KEY", "")

	cfg.PoolAddress = reqAddr("POOL_ADDRESS")
	cfg.DataProvider = reqAddr("DATA_PROVIDER")
	cfg.Multicall3Address = reqAddr("MULTICALL3_ADDRESS")

	cfg.PoolABIPath = req("POOL_ABI_PATH")
	cfg.DataProviderABIPath = req("DATA_PROVIDER_ABI_PATH")
	cfg.Multicall3ABIPath = req("MULTICALL3_ABI_PATH")
	cfg.ERC20ABIPath = req("ERC20_ABI_PATH")

	cfg.BaseCurrencyDecimals = uint8(optInt("BASE_CURRENCY_DECIMALS", 8))
	cfg.BaseCurrencyIsUSD = optBool("BASE_CURRENCY_IS_USD", false)

	cfg.MinDebtUSD = optFloat("MIN_DEBT_USD", 50)
	cfg.HFThresholdStart = optFloat("HF_THRESHOLD_START", 1.05)
	cfg.HFThresholdExec = optFloat("HF_THRESHOLD_EXECUTE", 1.0)
	cfg.RemovalHFMargin = optFloat("REMOVAL_HF_MARGIN", 1.10)
	cfg.PrepareThreshold = optFloat("PREPARE_THRESHOLD", 1.02)
	cfg.CloseFactorBps = optUint64("CLOSE_FACTOR_BPS", 5000)
	cfg.MaxSlippageBps = optUint64("MAX_SLIPPAGE_BPS", 500)

	cfg.ExecutorAddress = reqAddr("EXECUTOR_ADDRESS")
	cfg.ExecutionPrivateKey = req("EXECUTION_PRIVATE_KEY")
	cfg.ExecutionEnabled = optBool("EXECUTION_ENABLED", false)

	cfg.PythWSURL = req("PYTH_WS_URL")
	cfg.PythAssets = csv(req("PYTH_ASSETS"))
	cfg.PythStaleSecs = optInt("PYTH_STALE_SECS", 60)
	cfg.PythMinPctMoveDefault = optFloat("PYTH_MIN_PCT_MOVE_DEFAULT", 0.005)
	cfg.PythMinPctMoveOverrides = map[string]float64{}
	if raw := os.Getenv("PYTH_MIN_PCT_MOVE_JSON"); raw != "" {
		var parsed map[string]float64
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			errs = append(errs, fmt.Sprintf("PYTH_MIN_PCT_MOVE_JSON: invalid json: %v", err))
		}
		for sym, v := range parsed {
			cfg.PythMinPctMoveOverrides[strings.ToLower(sym)] = v
		}
	}
	cfg.PredictMinRescoreIntMs = optInt("PREDICT_MIN_RESCORE_INTERVAL_MS", 5000)
	cfg.PriceCacheTTLMs = optInt("PRICE_CACHE_TTL_MS", 30000)

	cfg.SymbolToToken = map[string]string{}
	if raw := req("SYMBOL_TOKEN_MAP_JSON"); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			errs = append(errs, fmt.Sprintf("SYMBOL_TOKEN_MAP_JSON: invalid json: %v", err))
		}
		for sym, tok := range parsed {
			if !common.IsHexAddress(tok) {
				errs = append(errs, fmt.Sprintf("SYMBOL_TOKEN_MAP_JSON: %q is not a hex address", tok))
				continue
			}
			cfg.SymbolToToken[strings.ToLower(sym)] = strings.ToLower(tok)
		}
	}

	cfg.RiskSetMaxUsers = optInt("RISKSET_MAX_USERS", 5000)
	if cfg.RiskSetMaxUsers < 500 {
		errs = append(errs, "RISKSET_MAX_USERS must be >= 500")
	}

	cfg.PlanTTLMs = optInt("PLAN_TTL_MS", 15000)
	cfg.PlanMaxUsers = optInt("PLAN_MAX_USERS", 2000)

	cfg.ReplaceAfterMs = optInt("REPLACE_AFTER_MS", 3000)
	cfg.ReplaceMaxAttempts = optInt("REPLACE_MAX_ATTEMPTS", 3)
	cfg.FeeBumpPct = optInt("FEE_BUMP_PCT", 20)

	cfg.VerifierTickMs = optInt("VERIFIER_TICK_MS", 250)
	cfg.VerifierBatchSize = optInt("VERIFIER_BATCH_SIZE", 200)

	cfg.AggregatorBaseURL = req("AGGREGATOR_BASE_URL")
	cfg.AggregatorTimeoutMs = optInt("AGGREGATOR_TIMEOUT_MS", 5000)

	cfg.HeartbeatIntervalSec = optInt("HEARTBEAT_INTERVAL_SEC", 30)
	cfg.MetricsAddr = opt("METRICS_ADDR", ":9090")

	cfg.AuditMySQLDSN = opt("AUDIT_MYSQL_DSN", "")

	cfg.LogLevel = opt("LOG_LEVEL", "info")

	if cfg.HFThresholdExec < 0.9 || cfg.HFThresholdExec > 1.0 {
		errs = append(errs, "HF_THRESHOLD_EXECUTE must be in [0.9, 1.0]")
	}
	if cfg.HFThresholdStart < 1.0 {
		errs = append(errs, "HF_THRESHOLD_START must be >= 1.0")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", bottypes.ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return cfg, nil
}

// VerifierTick returns the verifier loop's tick interval as a duration.
func (c *Config) VerifierTick() time.Duration {
	return time.Duration(c.VerifierTickMs) * time.Millisecond
}

// AggregatorTimeout returns the aggregator HTTP request deadline.
func (c *Config) AggregatorTimeout() time.Duration {
	return time.Duration(c.AggregatorTimeoutMs) * time.Millisecond
}

// PlanTTL returns the plan cache entry lifetime.
func (c *Config) PlanTTL() time.Duration {
	return time.Duration(c.PlanTTLMs) * time.Millisecond
}

// ReplaceAfter returns how long the broadcaster waits for inclusion before
// bumping fees and resubmitting.
func (c *Config) ReplaceAfter() time.Duration {
	return time.Duration(c.ReplaceAfterMs) * time.Millisecond
}

// Heartbeat returns the metrics summary interval.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// PriceCacheTTL returns how long a resolved price stays fresh in the
// price resolver's cache.
func (c *Config) PriceCacheTTL() time.Duration {
	return time.Duration(c.PriceCacheTTLMs) * time.Millisecond
}

// MinPctMoveFor returns the configured percentage-move threshold for a
// token symbol, falling back to the default when no override is set.
func (c *Config) MinPctMoveFor(symbol string) float64 {
	if v, ok := c.PythMinPctMoveOverrides[strings.ToLower(symbol)]; ok {
		return v
	}
	return c.PythMinPctMoveDefault
}
