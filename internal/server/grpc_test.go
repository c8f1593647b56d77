package server

import (
	"CoinArena/internal/ledger"
	"CoinArena/internal/observability"
	"CoinArena/internal/query"
	"CoinArena/internal/settlement"
	"CoinArena/internal/treasury"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	lobbies []string
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, lobbyID string) (settlement.Result, error) {
	f.lobbies = append(f.lobbies, lobbyID)
	if f.err != nil {
		return settlement.Result{}, f.err
	}
	return settlement.Result{LobbyID: lobbyID, Status: ledger.PayoutSent, Sent: 2}, nil
}

type fakePending struct {
	lobby string
}

func (f fakePending) OldestPendingLobby(context.Context) (string, error) {
	if f.lobby == "" {
		return "", ledger.ErrPayoutNotFound
	}
	return f.lobby, nil
}

type fakeQuerier struct {
	resp *query.PayoutResponse
}

func (f fakeQuerier) GetPayout(_ context.Context, lobbyID string) (*query.PayoutResponse, error) {
	if _, err := uuid.Parse(lobbyID); err != nil {
		return nil, query.ErrInvalidLobbyID
	}
	if f.resp == nil || f.resp.LobbyID != lobbyID {
		return nil, ledger.ErrPayoutNotFound
	}
	return f.resp, nil
}

func newOpsTestServer(t *testing.T, deps OpsDeps) *httptest.Server {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = observability.NewTestMetrics()
	}
	deps.Log = zerolog.Nop()
	handler, err := NewOpsServer("127.0.0.1:0", "127.0.0.1:0", deps).Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func postExecute(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/payouts:execute", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

// ============================================================================
// POST /v1/payouts:execute
// ============================================================================

func TestExecutePayout_NamedLobby(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newOpsTestServer(t, OpsDeps{Submitter: sub, Pending: fakePending{lobby: "older"}})

	resp, out := postExecute(t, srv, `{"lobby_id":"l1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "l1", out["lobby_id"])
	assert.Equal(t, "SENT", out["status"])
	assert.Equal(t, []string{"l1"}, sub.lobbies)
}

func TestExecutePayout_EmptyBodyPicksOldestPending(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newOpsTestServer(t, OpsDeps{Submitter: sub, Pending: fakePending{lobby: "oldest"}})

	resp, _ := postExecute(t, srv, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"oldest"}, sub.lobbies)

	resp, _ = postExecute(t, srv, `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"oldest", "oldest"}, sub.lobbies)
}

func TestExecutePayout_NothingPending(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newOpsTestServer(t, OpsDeps{Submitter: sub, Pending: fakePending{}})

	resp, out := postExecute(t, srv, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, out["error"], "payout not found")
	assert.Empty(t, sub.lobbies)
}

func TestExecutePayout_BadJSON(t *testing.T) {
	srv := newOpsTestServer(t, OpsDeps{Submitter: &fakeSubmitter{}})
	resp, _ := postExecute(t, srv, `{"lobby_id":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutePayout_NotConfigured(t *testing.T) {
	srv := newOpsTestServer(t, OpsDeps{})
	resp, _ := postExecute(t, srv, `{"lobby_id":"l1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestExecutePayout_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", ledger.ErrPayoutNotFound, http.StatusNotFound},
		{"lock timeout", treasury.ErrLockTimeout, http.StatusServiceUnavailable},
		{"queue closed", settlement.ErrQueueClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newOpsTestServer(t, OpsDeps{Submitter: &fakeSubmitter{err: tt.err}})
			resp, _ := postExecute(t, srv, `{"lobby_id":"l1"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestExecutePayout_ErrorTextRedacted(t *testing.T) {
	key := "0x" + strings.Repeat("ab", 32)
	srv := newOpsTestServer(t, OpsDeps{Submitter: &fakeSubmitter{err: errors.New("signer " + key + " rejected")}})

	_, out := postExecute(t, srv, `{"lobby_id":"l1"}`)
	msg, _ := out["error"].(string)
	assert.NotContains(t, msg, key)
	assert.Contains(t, msg, "REDACTED")
}

// ============================================================================
// GET /v1/payouts/{lobby_id}
// ============================================================================

func TestGetPayout_Routes(t *testing.T) {
	lobby := uuid.NewString()
	payout := &query.PayoutResponse{
		Payout: ledger.Payout{ID: uuid.New(), LobbyID: lobby, Status: ledger.PayoutPending, TotalQuai: "3"},
		Items:  []ledger.PayoutItem{{AgentID: "a", Status: ledger.PayoutPending}},
		Counts: query.ItemCounts{Pending: 1},
	}
	srv := newOpsTestServer(t, OpsDeps{Payouts: fakeQuerier{resp: payout}})

	resp, err := http.Get(srv.URL + "/v1/payouts/" + lobby)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		LobbyID string `json:"lobby_id"`
		Status  string `json:"status"`
		Items   []struct {
			AgentID string `json:"agent_id"`
		} `json:"items"`
		Counts query.ItemCounts `json:"counts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, lobby, out.LobbyID)
	assert.Equal(t, "PENDING", out.Status)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "a", out.Items[0].AgentID)
	assert.Equal(t, 1, out.Counts.Pending)

	missing, err := http.Get(srv.URL + "/v1/payouts/" + uuid.NewString())
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	bad, err := http.Get(srv.URL + "/v1/payouts/nope")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestOpsServer_HealthEndpoints(t *testing.T) {
	hc := observability.NewHealthChecker()
	srv := newOpsTestServer(t, OpsDeps{HealthChecker: hc})

	live, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	live.Body.Close()
	assert.Equal(t, http.StatusOK, live.StatusCode)

	notReady, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	notReady.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, notReady.StatusCode)

	hc.SetReady(true)
	ready, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}
