package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ledger := credit.NewLedger(memory.New(), credit.Settings{
		FreeMonthlyCredits: 50,
		RefreshInterval:    30 * 24 * time.Hour,
		PageSizeMin:        1,
		PageSizeMax:        10,
		PageSizeDefault:    5,
	})
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(ledger), nil))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createAccount(t *testing.T, srv *httptest.Server, id string) {
	t.Helper()
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts", api.CreateAccountRequest{ID: id}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func grant(t *testing.T, srv *httptest.Server, id string, amount int64) {
	t.Helper()
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts/"+id+"/grants",
		api.GrantRequest{Amount: amount}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestCreateAndGetAccount(t *testing.T) {
	srv := newTestServer(t)

	var created api.AccountDTO
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts",
		api.CreateAccountRequest{ID: "acct-1"}, &created)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "acct-1", created.ID)
	assert.Equal(t, int64(0), created.Balance)
	assert.Empty(t, created.LastRefreshAt)

	var fetched api.AccountDTO
	resp = doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1", nil, &fetched)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, fetched.ID)
}

func TestGetAccount_NotFound(t *testing.T) {
	srv := newTestServer(t)

	var errResp api.ErrorResponse
	resp := doJSON(t, srv, http.MethodGet, "/api/accounts/nobody", nil, &errResp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "account_not_found", errResp.Code)
}

func TestCreateAccount_EmptyID(t *testing.T) {
	srv := newTestServer(t)

	var errResp api.ErrorResponse
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts",
		api.CreateAccountRequest{}, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", errResp.Code)
}

// =============================================================================
// GRANT / CONSUME
// =============================================================================

func TestGrantEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")

	expiresAt := time.Now().UTC().Add(time.Hour).Format(time.RFC3339Nano)
	var entry api.EntryDTO
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts/acct-1/grants", api.GrantRequest{
		Amount:           100,
		Kind:             string(credit.KindPurchase),
		Description:      "pro pack",
		ExpiresAt:        expiresAt,
		PaymentReference: "pay_123",
	}, &entry)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int64(100), entry.Amount)
	assert.Equal(t, int64(100), entry.RemainingAmount)
	assert.Equal(t, string(credit.KindPurchase), entry.Kind)
	assert.Equal(t, "pay_123", entry.PaymentReference)
	assert.NotEmpty(t, entry.ExpirationAt)

	var acct api.AccountDTO
	doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1", nil, &acct)
	assert.Equal(t, int64(100), acct.Balance)
}

func TestGrantEndpoint_Validation(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")

	tests := []struct {
		name string
		req  api.GrantRequest
		code string
	}{
		{"zero amount", api.GrantRequest{Amount: 0}, "invalid_argument"},
		{"negative amount", api.GrantRequest{Amount: -5}, "invalid_argument"},
		{"usage kind", api.GrantRequest{Amount: 5, Kind: string(credit.KindUsage)}, "invalid_argument"},
		{"bad expiry", api.GrantRequest{Amount: 5, ExpiresAt: "tomorrow"}, "invalid_expiration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp api.ErrorResponse
			resp := doJSON(t, srv, http.MethodPost, "/api/accounts/acct-1/grants", tt.req, &errResp)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, errResp.Code)
		})
	}
}

func TestConsumeEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")
	grant(t, srv, "acct-1", 100)

	var result api.ConsumeResponse
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts/acct-1/consume",
		api.ConsumeRequest{Amount: 30, Description: "feature"}, &result)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(70), result.Balance)
	require.Len(t, result.Consumed, 1)
	assert.Equal(t, int64(70), result.Consumed[0].RemainingAmount)
	assert.Equal(t, int64(-30), result.Usage.Amount)
	assert.Equal(t, string(credit.KindUsage), result.Usage.Kind)
}

func TestConsumeEndpoint_InsufficientBalance(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")
	grant(t, srv, "acct-1", 10)

	var errResp api.ErrorResponse
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts/acct-1/consume",
		api.ConsumeRequest{Amount: 11}, &errResp)

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "insufficient_balance", errResp.Code)

	// Nothing was deducted.
	var acct api.AccountDTO
	doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1", nil, &acct)
	assert.Equal(t, int64(10), acct.Balance)
}

// =============================================================================
// REFRESH
// =============================================================================

func TestRefreshEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")

	var balance api.BalanceResponse
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts/acct-1/refresh", nil, &balance)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(50), balance.Balance, "first touch grants the monthly credits")

	resp = doJSON(t, srv, http.MethodPost, "/api/accounts/acct-1/refresh", nil, &balance)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(50), balance.Balance, "second touch in the window is a no-op")

	var acct api.AccountDTO
	doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1", nil, &acct)
	assert.NotEmpty(t, acct.LastRefreshAt)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestListEntriesEndpoint_Pagination(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")
	for i := 0; i < 7; i++ {
		grant(t, srv, "acct-1", int64(i+1))
	}

	var page api.EntriesResponse
	resp := doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1/entries?page=1&page_size=3", nil, &page)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, page.TotalCount)
	assert.Equal(t, 3, page.PageCount)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, int64(7), page.Entries[0].Amount, "newest first")

	// Oversized page_size is clamped, absent page_size falls back.
	doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1/entries?page_size=5000", nil, &page)
	assert.Equal(t, 10, page.PageSize)
	doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1/entries", nil, &page)
	assert.Equal(t, 5, page.PageSize)

	var errResp api.ErrorResponse
	resp = doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1/entries?page=0", nil, &errResp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdminAdjustEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")

	var entry api.EntryDTO
	resp := doJSON(t, srv, http.MethodPost, "/api/admin/accounts/acct-1/adjust",
		api.AdjustRequest{Amount: 25, Description: "support goodwill"}, &entry)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, string(credit.KindAdminAdjustment), entry.Kind)
	assert.Empty(t, entry.ExpirationAt, "adjustments never expire")

	var acct api.AccountDTO
	doJSON(t, srv, http.MethodGet, "/api/accounts/acct-1", nil, &acct)
	assert.Equal(t, int64(25), acct.Balance)
}

func TestAdminSweepEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")

	expiresAt := time.Now().UTC().Add(time.Millisecond)
	resp := doJSON(t, srv, http.MethodPost, "/api/accounts/acct-1/grants", api.GrantRequest{
		Amount:    40,
		ExpiresAt: expiresAt.Format(time.RFC3339Nano),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	time.Sleep(5 * time.Millisecond)

	var result api.SweepResponse
	resp = doJSON(t, srv, http.MethodPost, "/api/admin/accounts/acct-1/sweep", nil, &result)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, result.SweptEntries)
	assert.Equal(t, int64(40), result.ExpiredCredits)
	assert.Equal(t, int64(0), result.Balance)
}

func TestConsistencyEndpoint(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")
	grant(t, srv, "acct-1", 10)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/admin/accounts/acct-1/consistency", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInvalidJSONBody(t *testing.T) {
	srv := newTestServer(t)
	createAccount(t, srv, "acct-1")

	for _, path := range []string{
		"/api/accounts/acct-1/grants",
		"/api/accounts/acct-1/consume",
	} {
		resp, err := srv.Client().Post(srv.URL+path, "application/json",
			bytes.NewBufferString("{not json"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, fmt.Sprintf("path %s", path))
	}
}
