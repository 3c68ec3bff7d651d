package broadcaster

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func (f *fakeSender) captured() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.txs))
	copy(out, f.txs)
	return out
}

type neverMinedPrimary struct{}

func (neverMinedPrimary) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return nil, errors.New("not found")
}

type minedPrimary struct {
	hash common.Hash
	mu   sync.Mutex
}

func (m *minedPrimary) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	target := m.hash
	m.mu.Unlock()
	if target != (common.Hash{}) && hash == target {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
	}
	return nil, errors.New("not found")
}

type fixedNonceChain struct {
	nonce   uint64
	chainID *big.Int
}

func (f fixedNonceChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f fixedNonceChain) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestSend_bumpsFeesAndKeepsNonceAcrossReplacements(t *testing.T) {
	sender := &fakeSender{}
	b := New(neverMinedPrimary{}, fixedNonceChain{nonce: 7, chainID: big.NewInt(1)}, []Sender{sender}, common.HexToAddress("0xtarget"), 5*time.Millisecond, 3, 20)
	b.pollInterval = time.Millisecond

	outcome := b.Send(context.Background(), testKey(t), []byte{0x01}, 300000, big.NewInt(1_000_000_000), big.NewInt(50_000_000_000))

	assert.Equal(t, Pending, outcome.Kind)

	txs := sender.captured()
	require.Len(t, txs, 4)

	wantPriority := []int64{1_000_000_000, 1_200_000_000, 1_440_000_000, 1_728_000_000}
	wantMax := []int64{50_000_000_000, 60_000_000_000, 72_000_000_000, 86_400_000_000}
	for i, tx := range txs {
		assert.Equal(t, uint64(7), tx.Nonce(), "attempt %d nonce", i)
		assert.Equal(t, big.NewInt(wantPriority[i]).String(), tx.GasTipCap().String(), "attempt %d priority fee", i)
		assert.Equal(t, big.NewInt(wantMax[i]).String(), tx.GasFeeCap().String(), "attempt %d max fee", i)
	}
	assert.Equal(t, txs[3].Hash(), outcome.Hash)
}

func TestSend_minedOnFirstAttemptReturnsMined(t *testing.T) {
	sender := &fakeSender{}
	primary := &minedPrimary{}
	b := New(primary, fixedNonceChain{nonce: 1, chainID: big.NewInt(1)}, []Sender{sender}, common.HexToAddress("0xtarget"), 10*time.Millisecond, 3, 20)
	b.pollInterval = time.Millisecond

	// Seed the primary's "mined" hash from the first signed tx, then let Send proceed.
	go func() {
		for {
			txs := sender.captured()
			if len(txs) > 0 {
				primary.mu.Lock()
				primary.hash = txs[0].Hash()
				primary.mu.Unlock()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	outcome := b.Send(context.Background(), testKey(t), []byte{0x01}, 300000, big.NewInt(1_000_000_000), big.NewInt(50_000_000_000))

	assert.Equal(t, Mined, outcome.Kind)
	require.NotNil(t, outcome.Receipt)
	assert.Equal(t, types.ReceiptStatusSuccessful, outcome.Receipt.Status)
}

func TestSend_allBroadcastsFailWithNoPriorHashReturnsFailed(t *testing.T) {
	b := New(neverMinedPrimary{}, fixedNonceChain{nonce: 1, chainID: big.NewInt(1)}, []Sender{&rejectingSender{}}, common.HexToAddress("0xtarget"), time.Millisecond, 1, 20)
	b.pollInterval = time.Millisecond

	outcome := b.Send(context.Background(), testKey(t), []byte{0x01}, 300000, big.NewInt(1_000_000_000), big.NewInt(50_000_000_000))

	assert.Equal(t, Failed, outcome.Kind)
	require.Error(t, outcome.Err)
}

type rejectingSender struct{}

func (rejectingSender) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return errors.New("rejected")
}

func TestBumpFee_matchesPercentSequence(t *testing.T) {
	fee := big.NewInt(1_000_000_000)
	for _, want := range []int64{1_200_000_000, 1_440_000_000, 1_728_000_000} {
		fee = bumpFee(fee, 20)
		assert.Equal(t, big.NewInt(want).String(), fee.String())
	}
}
