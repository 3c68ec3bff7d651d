package bot

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liquidationbot/internal/attempts"
	"liquidationbot/internal/broadcaster"
	"liquidationbot/internal/config"
	"liquidationbot/internal/ethcontract"
	"liquidationbot/internal/plancache"
)

type fakeSender struct {
	mu  sync.Mutex
	txs []*types.Transaction
}

func (f *fakeSender) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx)
	return nil
}

func (f *fakeSender) firstHash() (common.Hash, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txs) == 0 {
		return common.Hash{}, false
	}
	return f.txs[0].Hash(), true
}

type mutablePrimary struct {
	mu   sync.Mutex
	hash common.Hash
}

func (m *mutablePrimary) setHash(h common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hash = h
}

func (m *mutablePrimary) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	target := m.hash
	m.mu.Unlock()
	if target != (common.Hash{}) && hash == target {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
	}
	return nil, errors.New("not found")
}

type neverMinedPrimary struct{}

func (neverMinedPrimary) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not found")
}

type fixedNonceChain struct{}

func (fixedNonceChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 1, nil
}
func (fixedNonceChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

// noopTxListener never resolves a hash, so the background confirmation
// started for a Pending outcome writes no further ledger record.
type noopTxListener struct{}

func (noopTxListener) WaitForTransaction(hash common.Hash) (*ethcontract.TxReceipt, error) {
	select {}
}

func samplePlan(user string) plancache.Plan {
	return plancache.Plan{
		User:               user,
		DebtAsset:          common.HexToAddress("0xd00d").Hex(),
		CollateralAsset:    common.HexToAddress("0xc0de").Hex(),
		DebtToCover:        uint256.NewInt(1000),
		ExpectedCollateral: uint256.NewInt(525),
		MinOut:             uint256.NewInt(1010),
		SwapCalldata:       []byte{0x01},
		ProfitScoreUsd1e18: uint256.NewInt(5),
		CreatedAtMs:        time.Now().UnixMilli(),
	}
}

func TestExecute_dryRunSkipsBroadcastWhenDisabled(t *testing.T) {
	cache := plancache.New(time.Minute, 10)
	cache.Prepare(samplePlan("0xuser"))
	ledger := attempts.New(10, nil)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	b := New(&config.Config{ExecutionEnabled: false}, zerolog.Nop(), nil, nil, nil, nil, nil, nil, nil, nil, cache, ledger, nil, nil, nil, nil, key)

	require.NoError(t, b.Execute(context.Background(), "0xuser"))
	assert.Empty(t, ledger.History("0xuser"))
}

func TestExecute_minedRecordsIncluded(t *testing.T) {
	cache := plancache.New(time.Minute, 10)
	cache.Prepare(samplePlan("0xuser"))
	ledger := attempts.New(10, nil)
	sender := &fakeSender{}
	primary := &mutablePrimary{}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	bc := broadcaster.New(primary, fixedNonceChain{}, []broadcaster.Sender{sender}, common.HexToAddress("0xexec"), 20*time.Millisecond, 1, 20)

	b := New(&config.Config{ExecutionEnabled: true}, zerolog.Nop(), nil, nil, nil, nil, nil, nil, nil, nil, cache, ledger, nil, bc, noopTxListener{}, nil, key)

	go func() {
		for i := 0; i < 500; i++ {
			if h, ok := sender.firstHash(); ok {
				primary.setHash(h)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, b.Execute(context.Background(), "0xuser"))

	hist := ledger.History("0xuser")
	require.NotEmpty(t, hist)
	assert.Equal(t, attempts.StatusIncluded, hist[len(hist)-1].Status)
}

func TestExecute_pendingLeavesLedgerPending(t *testing.T) {
	cache := plancache.New(time.Minute, 10)
	cache.Prepare(samplePlan("0xuser"))
	ledger := attempts.New(10, nil)
	sender := &fakeSender{}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	bc := broadcaster.New(neverMinedPrimary{}, fixedNonceChain{}, []broadcaster.Sender{sender}, common.HexToAddress("0xexec"), time.Millisecond, 1, 20)

	b := New(&config.Config{ExecutionEnabled: true}, zerolog.Nop(), nil, nil, nil, nil, nil, nil, nil, nil, cache, ledger, nil, bc, noopTxListener{}, nil, key)

	require.NoError(t, b.Execute(context.Background(), "0xuser"))

	hist := ledger.History("0xuser")
	require.NotEmpty(t, hist)
	assert.Equal(t, attempts.StatusPending, hist[len(hist)-1].Status)
}
