// internal/dashboard/server_test.go
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deltaquant/perpbot/internal/ledger"
)

func newTestServer(t *testing.T) (*Server, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore(decimal.RequireFromString("10000"))
	logger := zaptest.NewLogger(t)
	return NewServer(store, []string{"alpha"}, NewHub(logger), logger), store
}

func doGET(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doGET(t, s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestListAgents(t *testing.T) {
	s, _ := newTestServer(t)
	w := doGET(t, s, "/api/agents")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Agents []string `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, []string{"alpha"}, body.Agents)
}

func TestGetAccount(t *testing.T) {
	s, _ := newTestServer(t)
	w := doGET(t, s, "/api/agents/alpha/account")
	require.Equal(t, http.StatusOK, w.Code)

	var acct ledger.Account
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acct))
	require.Equal(t, "alpha", acct.Kind)
	require.Equal(t, "10000", acct.AvailableCash.String())
}

func TestUnknownKindIs404(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{
		"/api/agents/ghost/account",
		"/api/agents/ghost/positions",
		"/api/agents/ghost/closed",
	} {
		w := doGET(t, s, path)
		require.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestGetPositions(t *testing.T) {
	s, store := newTestServer(t)

	require.NoError(t, store.OpenPosition(context.Background(), "alpha", ledger.Position{
		Symbol:      "BTC",
		Quantity:    decimal.RequireFromString("0.0001"),
		EntryPrice:  decimal.RequireFromString("100000"),
		Leverage:    5,
		NotionalUSD: decimal.RequireFromString("50"),
	}))

	w := doGET(t, s, "/api/agents/alpha/positions")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Positions []ledger.Position `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Positions, 1)
	require.Equal(t, "BTC", body.Positions[0].Symbol)
}
