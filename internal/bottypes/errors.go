// Package bottypes holds the error-kind taxonomy shared across the bot's
// components so callers can dispatch on kind with errors.Is instead of
// matching ad hoc strings.
package bottypes

import "errors"

var (
	// ErrConfigInvalid is raised during startup validation. Fatal: the
	// process aborts rather than starting with a partially valid config.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrRPCUnreachable means a JSON-RPC or WebSocket endpoint could not
	// be reached. Retryable with backoff.
	ErrRPCUnreachable = errors.New("rpc unreachable")

	// ErrRPCDecode means a response was received but could not be
	// decoded into the expected shape. Retryable.
	ErrRPCDecode = errors.New("rpc decode failed")

	// ErrPriceStale means the freshest available sample is older than
	// the configured staleness window.
	ErrPriceStale = errors.New("price stale")

	// ErrPriceUnavailable means no price source produced a value at all.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrNoPair means a candidate has no eligible collateral/debt pair.
	// Terminal for this attempt; not retried until the next HF change.
	ErrNoPair = errors.New("no liquidation pair")

	// ErrSafetyCheckFailed means a computed plan failed a profitability
	// or slippage gate before any transaction was sent.
	ErrSafetyCheckFailed = errors.New("safety check failed")

	// ErrAggregatorUnavailable means the swap aggregator could not be
	// reached.
	ErrAggregatorUnavailable = errors.New("aggregator unavailable")

	// ErrAggregatorTimeout means the aggregator request exceeded its
	// configured deadline.
	ErrAggregatorTimeout = errors.New("aggregator timeout")

	// ErrBroadcastFailed means every configured RPC rejected the signed
	// transaction.
	ErrBroadcastFailed = errors.New("broadcast failed")

	// ErrTransactionReverted means a receipt was observed with a
	// failure status. On-chain state is authoritative.
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrPending means replacements ended (budget exhausted or context
	// cancelled) with at least one accepted broadcast and no receipt;
	// reentry stays blocked until a terminal state is observed.
	ErrPending = errors.New("attempt pending")
)
