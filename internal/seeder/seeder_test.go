package seeder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan SeedCandidate) []SeedCandidate {
	t.Helper()
	var out []SeedCandidate
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for seed channel to close")
		}
	}
}

func TestSeed_singlePageBelowPageSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))

		resp := borrowersResponse{}
		resp.Data.Users = []userNode{
			{ID: "0xAAA", HealthFactor: "0.95"},
			{ID: "0xBBB", HealthFactor: "1.2"},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := New(srv.URL, "")
	s.pageSize = 10
	ch, err := s.Seed(context.Background())
	require.NoError(t, err)

	got := drain(t, ch)
	require.Len(t, got, 2)
	assert.Equal(t, "0xaaa", got[0].Address)
	assert.InDelta(t, 0.95, got[0].HealthFactorHint, 1e-9)
	assert.Equal(t, "0xbbb", got[1].Address)
}

func TestSeed_paginatesUntilShortPage(t *testing.T) {
	pageSize := 2
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		resp := borrowersResponse{}
		if calls == 1 {
			resp.Data.Users = []userNode{
				{ID: "0x1", HealthFactor: "1.0"},
				{ID: "0x2", HealthFactor: "1.0"},
			}
		} else {
			resp.Data.Users = []userNode{
				{ID: "0x3", HealthFactor: "1.0"},
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := New(srv.URL, "")
	s.pageSize = pageSize
	ch, err := s.Seed(context.Background())
	require.NoError(t, err)

	got := drain(t, ch)
	require.Len(t, got, 3)
	assert.Equal(t, 2, calls)
}

func TestSeed_stopsOnSubgraphError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"boom"}]}`))
	}))
	defer srv.Close()

	s := New(srv.URL, "")
	ch, err := s.Seed(context.Background())
	require.NoError(t, err)

	got := drain(t, ch)
	assert.Empty(t, got)
}

func TestSeed_skipsUnparseableHealthFactor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := borrowersResponse{}
		resp.Data.Users = []userNode{
			{ID: "0x1", HealthFactor: "not-a-number"},
			{ID: "0x2", HealthFactor: "2.5"},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := New(srv.URL, "")
	ch, err := s.Seed(context.Background())
	require.NoError(t, err)

	got := drain(t, ch)
	require.Len(t, got, 1)
	assert.Equal(t, "0x2", got[0].Address)
}
