// Package txlistener waits for transaction inclusion, polling a client at
// a configurable interval up to a configurable timeout.
package txlistener

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"liquidationbot/internal/ethcontract"
)

// ErrTimeout is returned when a transaction is not included within the
// configured timeout.
var ErrTimeout = errors.New("timed out waiting for transaction")

// TxListener polls for transaction receipts.
type TxListener interface {
	WaitForTransaction(hash common.Hash) (*ethcontract.TxReceipt, error)
}

// ReceiptFetcher is the subset of ethclient.Client this package depends
// on, narrowed for testability.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type listener struct {
	eth          ReceiptFetcher
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a TxListener at construction time.
type Option func(*listener)

// WithPollInterval sets how often the listener polls for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(l *listener) { l.pollInterval = d }
}

// WithTimeout sets the maximum time to wait for inclusion.
func WithTimeout(d time.Duration) Option {
	return func(l *listener) { l.timeout = d }
}

// NewTxListener builds a TxListener over eth, applying any options.
func NewTxListener(eth ReceiptFetcher, opts ...Option) TxListener {
	l := &listener{eth: eth, pollInterval: 2 * time.Second, timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *listener) WaitForTransaction(hash common.Hash) (*ethcontract.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			status := "0x0"
			if receipt.Status == types.ReceiptStatusSuccessful {
				status = "0x1"
			}
			return &ethcontract.TxReceipt{
				TxHash:      hash.Hex(),
				BlockNumber: receipt.BlockNumber.String(),
				GasUsed:     strconv.FormatUint(receipt.GasUsed, 10),
				Status:      status,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, hash.Hex(), l.timeout)
		case <-ticker.C:
		}
	}
}
