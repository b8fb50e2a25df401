package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extropy/ledger/api"
	"github.com/extropy/ledger/attribution"
	"github.com/extropy/ledger/ledger"
	"github.com/extropy/ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mem := store.NewMemory()
	coord := ledger.NewCoordinator(mem)
	handler := api.NewHandler(coord, attribution.NewSettler(coord), ledger.NewQueryService(mem), nil)
	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// =============================================================================
// AWARD ENDPOINT
// =============================================================================

func TestCreateAward(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/api/awards", api.AwardRequest{
		AccountID: "alice",
		Amount:    "2.5",
		Reason:    "publish:card-1",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, body["group_id"])

	balances := body["balances"].(map[string]any)
	assert.Equal(t, "2.50000000", balances["alice"])
}

func TestCreateAward_InvalidAmount(t *testing.T) {
	srv := newTestServer(t)

	for _, amount := range []string{"0", "-3", "abc", ""} {
		resp, body := postJSON(t, srv.URL+"/api/awards", api.AwardRequest{
			AccountID: "alice",
			Amount:    amount,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "amount %q", amount)
		assert.Equal(t, ledger.CodeInvalidAmount, body["code"], "amount %q", amount)
	}
}

func TestCreateAward_DuplicateOperationConflicts(t *testing.T) {
	srv := newTestServer(t)
	req := api.AwardRequest{AccountID: "alice", Amount: "1", OperationID: "op-1"}

	resp, _ := postJSON(t, srv.URL+"/api/awards", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := postJSON(t, srv.URL+"/api/awards", req)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ledger.CodeDuplicateOperation, body["code"])
}

// =============================================================================
// TRANSFER ENDPOINT
// =============================================================================

func TestCreateTransfer(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv.URL+"/api/awards", api.AwardRequest{AccountID: "alice", Amount: "10"})

	resp, body := postJSON(t, srv.URL+"/api/transfers", api.TransferRequest{
		FromAccountID: "alice",
		ToAccountID:   "bob",
		Amount:        "4",
		Reason:        "tip",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	balances := body["balances"].(map[string]any)
	assert.Equal(t, "6.00000000", balances["alice"])
	assert.Equal(t, "4.00000000", balances["bob"])
}

func TestCreateTransfer_ErrorStatuses(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv.URL+"/api/awards", api.AwardRequest{AccountID: "alice", Amount: "1"})

	cases := []struct {
		name   string
		req    api.TransferRequest
		status int
		code   string
	}{
		{
			name:   "insufficient funds",
			req:    api.TransferRequest{FromAccountID: "alice", ToAccountID: "bob", Amount: "5"},
			status: http.StatusUnprocessableEntity,
			code:   ledger.CodeInsufficientFunds,
		},
		{
			name:   "self transfer",
			req:    api.TransferRequest{FromAccountID: "alice", ToAccountID: "alice", Amount: "1"},
			status: http.StatusBadRequest,
			code:   ledger.CodeSelfTransfer,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := postJSON(t, srv.URL+"/api/transfers", tc.req)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, body["code"])
		})
	}
}

// =============================================================================
// REVERSAL ENDPOINT
// =============================================================================

func TestCreateReversal(t *testing.T) {
	srv := newTestServer(t)
	_, award := postJSON(t, srv.URL+"/api/awards", api.AwardRequest{AccountID: "alice", Amount: "3"})
	group := award["group_id"].(string)

	resp, body := postJSON(t, srv.URL+"/api/reversals", api.ReverseRequest{
		GroupID: group,
		Reason:  "takedown",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	balances := body["balances"].(map[string]any)
	assert.Equal(t, "0.00000000", balances["alice"])

	// Second reversal conflicts.
	resp, body = postJSON(t, srv.URL+"/api/reversals", api.ReverseRequest{GroupID: group})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, ledger.CodeAlreadyReversed, body["code"])
}

func TestCreateReversal_UnknownGroup(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/api/reversals", api.ReverseRequest{GroupID: "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, ledger.CodeNotFound, body["code"])
}

// =============================================================================
// SETTLEMENT ENDPOINTS
// =============================================================================

func TestSettlePublishAndAttribution(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/api/publishes", api.PublishRequest{
		CardID: "card-1", AuthorID: "alice",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["settled"])
	assert.Equal(t, "1.00000000", body["amount"])

	// The remix reward is paid by the actor.
	postJSON(t, srv.URL+"/api/awards", api.AwardRequest{AccountID: "bob", Amount: "1"})

	resp, body = postJSON(t, srv.URL+"/api/attributions", api.AttributionRequest{
		Kind: "remix", TargetCard: "card-1", ActorID: "bob", AuthorID: "alice",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["settled"])
	assert.Equal(t, "0.50000000", body["amount"])

	_, balance := getJSON(t, srv.URL+"/api/accounts/alice/balance")
	assert.Equal(t, "1.50000000", balance["balance"])
}

func TestSettleAttribution_SelfAttributionIsOKButUnsettled(t *testing.T) {
	srv := newTestServer(t)

	resp, body := postJSON(t, srv.URL+"/api/attributions", api.AttributionRequest{
		Kind: "citation", TargetCard: "card-1", ActorID: "alice", AuthorID: "alice",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["settled"])
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

func TestGetBalance_UnknownAccountIsZero(t *testing.T) {
	srv := newTestServer(t)

	resp, body := getJSON(t, srv.URL+"/api/accounts/ghost/balance")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0.00000000", body["balance"])
}

func TestGetHistory_PagesWithCursor(t *testing.T) {
	srv := newTestServer(t)
	for i := 0; i < 5; i++ {
		postJSON(t, srv.URL+"/api/awards", api.AwardRequest{
			AccountID: "alice", Amount: "1", Reason: fmt.Sprintf("award-%d", i),
		})
	}

	resp, body := getJSON(t, srv.URL+"/api/accounts/alice/history?limit=3")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]any)
	require.Len(t, entries, 3)
	assert.Equal(t, "award-4", entries[0].(map[string]any)["reason"], "newest first")

	cursor := body["next_cursor"].(string)
	require.NotEmpty(t, cursor)

	_, page2 := getJSON(t, srv.URL+"/api/accounts/alice/history?limit=3&cursor="+cursor)
	entries = page2["entries"].([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, "award-0", entries[1].(map[string]any)["reason"])
	_, hasNext := page2["next_cursor"]
	assert.False(t, hasNext, "final page carries no cursor")
}

func TestGetHistory_MalformedCursor(t *testing.T) {
	srv := newTestServer(t)

	resp, body := getJSON(t, srv.URL+"/api/accounts/alice/history?cursor=%21%21")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["code"])
}
