// Package events subscribes to the lending pool's position-mutating log
// topics (Borrow, Repay, Supply, Withdraw) over the configured WebSocket
// RPC and marks the affected user dirty. Grounded on go-ethereum's
// ethclient.SubscribeFilterLogs subscription pattern.
package events

import (
	"context"
	"fmt"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// DirtyMarker is the subset of internal/dirtyqueue.Queue this package
// depends on.
type DirtyMarker interface {
	MarkDirty(address string)
}

// LogSubscriber is the subset of ethclient.Client this package depends
// on, narrowed for testability.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// eventSpec describes one tracked pool event: its topic0 hash and which
// indexed argument carries the affected user.
type eventSpec struct {
	name        string
	topic       common.Hash
	userArgPos  int // index into log.Topics (1-based; 0 is topic0)
}

// Borrow(address reserve, address user, address onBehalfOf, uint256 amount, uint8 interestRateMode, uint256 borrowRate, uint16 referralCode)
// Repay(address reserve, address user, address repayer, uint256 amount, bool useATokens)
// Supply(address reserve, address user, address onBehalfOf, uint256 amount, uint16 referralCode)
// Withdraw(address reserve, address user, address to, uint256 amount)
//
// The affected user is onBehalfOf for Borrow/Supply, user for Repay/Withdraw;
// all four place it as the Nth indexed topic below.
var trackedEvents = []eventSpec{
	{name: "Borrow", topic: crypto.Keccak256Hash([]byte("Borrow(address,address,address,uint256,uint8,uint256,uint16)")), userArgPos: 3},
	{name: "Repay", topic: crypto.Keccak256Hash([]byte("Repay(address,address,address,uint256,bool)")), userArgPos: 2},
	{name: "Supply", topic: crypto.Keccak256Hash([]byte("Supply(address,address,address,uint256,uint16)")), userArgPos: 3},
	{name: "Withdraw", topic: crypto.Keccak256Hash([]byte("Withdraw(address,address,address,uint256)")), userArgPos: 2},
}

// Listener subscribes to the four tracked pool events and marks the
// affected user dirty on every log.
type Listener struct {
	dirty DirtyMarker
	pool  common.Address
	log   zerolog.Logger
}

// NewListener builds a Listener for the given pool address.
func NewListener(pool common.Address, dirty DirtyMarker, log zerolog.Logger) *Listener {
	return &Listener{pool: pool, dirty: dirty, log: log}
}

// Run subscribes over sub and blocks, processing logs until ctx is
// cancelled or the subscription errors out. Parsing errors on individual
// logs are swallowed (logged) and never kill the subscription; only a
// transport-level subscription error terminates Run.
func (l *Listener) Run(ctx context.Context, client LogSubscriber) error {
	topics := make([]common.Hash, len(trackedEvents))
	for i, e := range trackedEvents {
		topics[i] = e.topic
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.pool},
		Topics:    [][]common.Hash{topics},
	}

	logCh := make(chan types.Log, 256)
	sub, err := client.SubscribeFilterLogs(ctx, query, logCh)
	if err != nil {
		return fmt.Errorf("events: subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				return nil
			}
			return fmt.Errorf("events: subscription error: %w", err)
		case lg := <-logCh:
			l.handle(lg)
		}
	}
}

func (l *Listener) handle(lg types.Log) {
	spec, ok := specFor(lg)
	if !ok {
		return
	}
	if len(lg.Topics) <= spec.userArgPos {
		l.log.Warn().Str("event", spec.name).Msg("events: log missing expected indexed user topic, ignoring")
		return
	}
	userTopic := lg.Topics[spec.userArgPos]
	user := common.HexToAddress(userTopic.Hex())
	l.dirty.MarkDirty(strings.ToLower(user.Hex()))
}

func specFor(lg types.Log) (eventSpec, bool) {
	if len(lg.Topics) == 0 {
		return eventSpec{}, false
	}
	for _, e := range trackedEvents {
		if e.topic == lg.Topics[0] {
			return e, true
		}
	}
	return eventSpec{}, false
}
