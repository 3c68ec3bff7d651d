package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote_parsesFlatShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"to":"0x0000000000000000000000000000000000000001","data":"0x1234","value":"0","dstAmount":"1005900000"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	q, err := c.Quote(context.Background(), common.HexToAddress("0xa"), common.HexToAddress("0xb"), uint256.NewInt(1000), 50, common.HexToAddress("0xc"))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1"), q.To)
	assert.Equal(t, []byte{0x12, 0x34}, q.Data)
	assert.Equal(t, "1005900000", q.MinOut.Dec())
}

func TestQuote_parsesNestedTxShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tx":{"to":"0x0000000000000000000000000000000000000002","data":"0xabcd","value":"0"},"toAmount":"42"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	q, err := c.Quote(context.Background(), common.HexToAddress("0xa"), common.HexToAddress("0xb"), uint256.NewInt(1000), 50, common.HexToAddress("0xc"))
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2"), q.To)
	assert.Equal(t, "42", q.MinOut.Dec())
}

func TestQuote_rejectsZeroMinOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"to":"0x0000000000000000000000000000000000000001","data":"0x1234","dstAmount":"0"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Quote(context.Background(), common.HexToAddress("0xa"), common.HexToAddress("0xb"), uint256.NewInt(1000), 50, common.HexToAddress("0xc"))
	require.Error(t, err)
}

func TestQuote_rejectsMissingTo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":"0x1234","dstAmount":"100"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	_, err := c.Quote(context.Background(), common.HexToAddress("0xa"), common.HexToAddress("0xb"), uint256.NewInt(1000), 50, common.HexToAddress("0xc"))
	require.Error(t, err)
}

func TestQuote_timesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL, 10*time.Millisecond)
	_, err := c.Quote(context.Background(), common.HexToAddress("0xa"), common.HexToAddress("0xb"), uint256.NewInt(1000), 50, common.HexToAddress("0xc"))
	require.Error(t, err)
}
