// Package broadcaster implements the Transaction Broadcaster: signs a
// liquidation transaction (re-signing each fee-bumped replacement under
// the same nonce), races sendRawTransaction
// across every configured RPC, polls the primary RPC for inclusion, and
// bumps both EIP-1559 fee fields by a configured percentage and
// resubmits with the same nonce when inclusion is not observed in time.
package broadcaster

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"liquidationbot/internal/bottypes"
)

// OutcomeKind classifies the terminal result of one broadcast attempt.
type OutcomeKind int

const (
	Mined OutcomeKind = iota
	Failed
	Pending
)

func (k OutcomeKind) String() string {
	switch k {
	case Mined:
		return "mined"
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Outcome is the result of Broadcaster.Send.
type Outcome struct {
	Kind    OutcomeKind
	Hash    common.Hash
	Receipt *types.Receipt
	Err     error
}

// Sender races sendRawTransaction across one configured RPC endpoint.
type Sender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ReceiptReader reads a transaction receipt from the primary RPC.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// NonceAndChain supplies the account's next nonce and the chain ID,
// queried once per attempt from the primary RPC.
type NonceAndChain interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Broadcaster signs and broadcasts liquidation transactions with a
// fee-bump-and-resubmit replacement loop.
type Broadcaster struct {
	primary       ReceiptReader
	nonceSource   NonceAndChain
	rpcs          []Sender // every configured RPC, primary included
	to            common.Address

	replaceAfter       time.Duration
	replaceMaxAttempts int
	feeBumpPct         int
	pollInterval       time.Duration
}

// New builds a Broadcaster. rpcs is every endpoint sendRawTransaction is
// raced against (including the primary, which also serves receipts).
func New(primary ReceiptReader, nonceSource NonceAndChain, rpcs []Sender, to common.Address, replaceAfter time.Duration, replaceMaxAttempts, feeBumpPct int) *Broadcaster {
	return &Broadcaster{
		primary:            primary,
		nonceSource:        nonceSource,
		rpcs:               rpcs,
		to:                 to,
		replaceAfter:       replaceAfter,
		replaceMaxAttempts: replaceMaxAttempts,
		feeBumpPct:         feeBumpPct,
		pollInterval:       500 * time.Millisecond,
	}
}

// Send signs and broadcasts data as a call to the broadcaster's target
// address, bumping fees and resubmitting with the same nonce until
// inclusion is observed or the replacement budget is exhausted.
func (b *Broadcaster) Send(ctx context.Context, key *ecdsa.PrivateKey, data []byte, gasLimit uint64, initialPriorityFee, initialMaxFee *big.Int) Outcome {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := b.nonceSource.PendingNonceAt(ctx, from)
	if err != nil {
		return Outcome{Kind: Failed, Err: err}
	}
	chainID, err := b.nonceSource.ChainID(ctx)
	if err != nil {
		return Outcome{Kind: Failed, Err: err}
	}

	priorityFee := new(big.Int).Set(initialPriorityFee)
	maxFee := new(big.Int).Set(initialMaxFee)

	var lastHash common.Hash
	var lastErr error

	for attempt := 0; attempt <= b.replaceMaxAttempts; attempt++ {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: priorityFee,
			GasFeeCap: maxFee,
			Gas:       gasLimit,
			To:        &b.to,
			Value:     big.NewInt(0),
			Data:      data,
		})
		signer := types.NewLondonSigner(chainID)
		signedTx, err := types.SignNewTx(key, signer, tx.DynamicFeeTxData().(*types.DynamicFeeTx))
		if err != nil {
			return Outcome{Kind: Failed, Err: err}
		}

		if b.broadcastAll(ctx, signedTx) {
			lastHash = signedTx.Hash()
		} else if lastErr == nil {
			lastErr = errAllBroadcastsFailed
		}

		if lastHash != (common.Hash{}) {
			if receipt, ok := b.pollForReceipt(ctx, lastHash); ok {
				if receipt.Status == types.ReceiptStatusSuccessful {
					return Outcome{Kind: Mined, Hash: lastHash, Receipt: receipt}
				}
				return Outcome{Kind: Failed, Hash: lastHash, Receipt: receipt, Err: errReverted}
			}
		}

		if ctx.Err() != nil {
			return Outcome{Kind: Pending, Hash: lastHash}
		}

		priorityFee = bumpFee(priorityFee, b.feeBumpPct)
		maxFee = bumpFee(maxFee, b.feeBumpPct)
	}

	if lastHash == (common.Hash{}) {
		return Outcome{Kind: Failed, Err: lastErr}
	}
	return Outcome{Kind: Pending, Hash: lastHash}
}

// broadcastAll races sendRawTransaction across every configured RPC and
// reports whether at least one accepted it.
func (b *Broadcaster) broadcastAll(ctx context.Context, tx *types.Transaction) bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := false
	for _, rpc := range b.rpcs {
		wg.Add(1)
		go func(r Sender) {
			defer wg.Done()
			if err := r.SendTransaction(ctx, tx); err == nil {
				mu.Lock()
				accepted = true
				mu.Unlock()
			}
		}(rpc)
	}
	wg.Wait()
	return accepted
}

// pollForReceipt polls the primary RPC until a receipt appears or
// replaceAfter elapses.
func (b *Broadcaster) pollForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, bool) {
	deadline := time.Now().Add(b.replaceAfter)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if receipt, err := b.primary.TransactionReceipt(ctx, hash); err == nil {
			return receipt, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// bumpFee multiplies fee by (100+pct)/100, matching the fee-bump-pct
// replacement convention.
func bumpFee(fee *big.Int, pct int) *big.Int {
	out := new(big.Int).Mul(fee, big.NewInt(int64(100+pct)))
	out.Div(out, big.NewInt(100))
	return out
}

var (
	errAllBroadcastsFailed = fmt.Errorf("%w: all configured RPCs rejected the transaction", bottypes.ErrBroadcastFailed)
	errReverted            = bottypes.ErrTransactionReverted
)
