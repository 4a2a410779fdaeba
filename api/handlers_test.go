/*
handlers_test.go - HTTP tests for the API handlers

Requests go through the real router against an in-memory SQLite store, so
routing, JSON shapes and error-to-status mapping are all exercised.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/activities"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func setupTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := cache.NewProvider(store, cache.NewMemory(time.Minute), logger)
	engine := loyalty.NewEngine(store, provider, loyalty.WithLogger(logger))
	acts := activities.NewService(store, provider)
	acts.Logger = logger
	return NewHandler(store, engine, acts, provider, logger)
}

type testServer struct {
	t      *testing.T
	h      *Handler
	router *chi.Mux
}

func newTestServer(t *testing.T) *testServer {
	h := setupTestHandler(t)
	return &testServer{t: t, h: h, router: NewRouter(h, []string{"*"})}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// must performs the request and requires the status code.
func (s *testServer) must(status int, method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	rec := s.do(method, path, body)
	require.Equal(s.t, status, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	return rec
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seed creates branch b1 funded with 1000 coins and customer c1.
func (s *testServer) seed() {
	s.t.Helper()
	s.must(http.StatusCreated, "POST", "/api/branches", map[string]any{"id": "b1", "name": "Main Street"})
	s.must(http.StatusCreated, "POST", "/api/branches/b1/credits", map[string]any{"coins": 1000, "reason": "initial"})
	s.must(http.StatusCreated, "POST", "/api/customers", map[string]any{"id": "c1", "name": "Asha"})
}

func purchaseBody(invoice, bill string, redeem int) map[string]any {
	return map[string]any{
		"branch_id":    "b1",
		"customer_id":  "c1",
		"bill_amount":  bill,
		"invoice_no":   invoice,
		"redeem":       redeem > 0,
		"redeem_coins": redeem,
	}
}

// =============================================================================
// PURCHASES
// =============================================================================

func TestSettlePurchase_Flow(t *testing.T) {
	// GIVEN: A funded branch and a registered customer
	// WHEN: A ₹1000 purchase is settled, then the same invoice is retried
	// THEN: 50 coins are earned, the branch pays for them, the retry is a 409

	s := newTestServer(t)
	s.seed()

	rec := s.must(http.StatusCreated, "POST", "/api/purchases", purchaseBody("INV-1", "1000", 0))
	receipt := decodeAs[ReceiptDTO](t, rec)
	assert.NotEmpty(t, receipt.PurchaseID)
	assert.Equal(t, loyalty.Coins(50), receipt.EarnedCoins)
	assert.Equal(t, "1000", receipt.FinalPayable.String())
	assert.Equal(t, loyalty.Coins(50), receipt.NewBalance)
	assert.NotNil(t, receipt.Notes)

	balance := decodeAs[BalanceDTO](t, s.must(http.StatusOK, "GET", "/api/customers/c1/balance", nil))
	assert.Equal(t, loyalty.Coins(50), balance.Balance)
	assert.False(t, balance.HasRedeemed)

	branch := decodeAs[BranchBalanceDTO](t, s.must(http.StatusOK, "GET", "/api/branches/b1/balance", nil))
	assert.Equal(t, loyalty.Coins(950), branch.Available)

	rec = s.must(http.StatusConflict, "POST", "/api/purchases", purchaseBody("INV-1", "500", 0))
	errResp := decodeAs[ErrorResponse](t, rec)
	assert.Equal(t, "Failed to settle purchase", errResp.Error)
	assert.Contains(t, errResp.Details, "invoice")

	txs := decodeAs[map[string][]TransactionDTO](t, s.must(http.StatusOK, "GET", "/api/customers/c1/transactions", nil))
	require.Len(t, txs["transactions"], 1)
	assert.Equal(t, "EARN", txs["transactions"][0].Type)
	assert.Equal(t, "b1", txs["transactions"][0].BranchID)
	assert.Equal(t, loyalty.Coins(50), txs["transactions"][0].BalanceAfter)
}

func TestQuotePurchase_WritesNothing(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.must(http.StatusCreated, "POST", "/api/admin/customers/c1/credit", map[string]any{"coins": 200, "reason": "goodwill"})

	rec := s.must(http.StatusOK, "POST", "/api/purchases/quote", purchaseBody("INV-9", "2000", 150))
	quote := decodeAs[ReceiptDTO](t, rec)
	assert.Empty(t, quote.PurchaseID)
	assert.Equal(t, loyalty.Coins(100), quote.RedeemedCoins)
	assert.Equal(t, "1900", quote.FinalPayable.String())

	balance := decodeAs[BalanceDTO](t, s.must(http.StatusOK, "GET", "/api/customers/c1/balance", nil))
	assert.Equal(t, loyalty.Coins(200), balance.Balance)

	// The quoted invoice is still free.
	s.must(http.StatusCreated, "POST", "/api/purchases", purchaseBody("INV-9", "2000", 150))
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)
	s.seed()
	s.must(http.StatusCreated, "POST", "/api/customers", map[string]any{"id": "blocked", "name": "Blocked"})
	s.must(http.StatusOK, "POST", "/api/customers/blocked/block", nil)

	blockedPurchase := purchaseBody("INV-B", "1000", 0)
	blockedPurchase["customer_id"] = "blocked"
	unknownBranch := purchaseBody("INV-U", "1000", 0)
	unknownBranch["branch_id"] = "nowhere"

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown customer", "GET", "/api/customers/ghost", nil, http.StatusNotFound},
		{"unknown branch", "GET", "/api/branches/nowhere/balance", nil, http.StatusNotFound},
		{"zero bill", "POST", "/api/purchases", purchaseBody("INV-0", "0", 0), http.StatusBadRequest},
		{"missing invoice", "POST", "/api/purchases", purchaseBody("", "100", 0), http.StatusBadRequest},
		{"blocked customer", "POST", "/api/purchases", blockedPurchase, http.StatusForbidden},
		{"purchase at unknown branch", "POST", "/api/purchases", unknownBranch, http.StatusNotFound},
		{"duplicate customer", "POST", "/api/customers", map[string]any{"id": "c1", "name": "Twin"}, http.StatusConflict},
		{"unknown referral code", "POST", "/api/customers", map[string]any{"name": "New", "referral_code": "NOPE0000"}, http.StatusBadRequest},
		{"debit over balance", "POST", "/api/admin/customers/c1/debit", map[string]any{"coins": 5}, http.StatusBadRequest},
		{"non-positive credit", "POST", "/api/branches/b1/credits", map[string]any{"coins": 0}, http.StatusBadRequest},
		{"blocked check-in", "POST", "/api/customers/blocked/checkin", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/purchases", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
	assert.Equal(t, http.StatusInternalServerError,
		statusFor(fmt.Errorf("append: %w: %w", loyalty.ErrStoreFailure, errors.New("locked"))))
	assert.Equal(t, http.StatusConflict, statusFor(loyalty.ErrRedemptionExceedsLimit))
	assert.Equal(t, http.StatusBadRequest,
		statusFor(&loyalty.InsufficientBalanceError{CustomerID: "c1", Available: 1, Requested: 2}))
}

// =============================================================================
// REFERRALS
// =============================================================================

func TestReferralSignupAndUnlock(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	alice := decodeAs[CustomerDTO](t, s.must(http.StatusOK, "GET", "/api/customers/c1", nil))
	require.NotEmpty(t, alice.ReferralCode)

	bob := decodeAs[CustomerDTO](t, s.must(http.StatusCreated, "POST", "/api/customers",
		map[string]any{"id": "bob", "name": "Bob", "referral_code": alice.ReferralCode}))
	assert.Equal(t, "c1", bob.ReferredBy)

	body := purchaseBody("INV-B1", "1000", 0)
	body["customer_id"] = "bob"
	receipt := decodeAs[ReceiptDTO](t, s.must(http.StatusCreated, "POST", "/api/purchases", body))
	assert.Equal(t, loyalty.Coins(50), receipt.ReferralCoins)
	assert.Equal(t, loyalty.Coins(100), receipt.NewBalance)

	aliceBalance := decodeAs[BalanceDTO](t, s.must(http.StatusOK, "GET", "/api/customers/c1/balance", nil))
	assert.Equal(t, loyalty.Coins(100), aliceBalance.Balance)
}

// =============================================================================
// SETTINGS
// =============================================================================

func TestSettings_GetAndUpdate(t *testing.T) {
	// GIVEN: Default settings
	// WHEN: checkin_coins is updated
	// THEN: GET reflects it and the next check-in grants the new amount

	s := newTestServer(t)
	s.seed()

	values := decodeAs[map[string]string](t, s.must(http.StatusOK, "GET", "/api/settings", nil))
	assert.Equal(t, "5", values["checkin_coins"])
	assert.Equal(t, "degrade", values["branch_funding_policy"])

	// Warm the cache before the update.
	s.must(http.StatusCreated, "POST", "/api/customers/c1/checkin", nil)

	values = decodeAs[map[string]string](t, s.must(http.StatusOK, "PUT", "/api/settings",
		map[string]string{"checkin_coins": "7"}))
	assert.Equal(t, "7", values["checkin_coins"])

	s.must(http.StatusCreated, "POST", "/api/customers", map[string]any{"id": "c2", "name": "Ravi"})
	grant := decodeAs[GrantDTO](t, s.must(http.StatusCreated, "POST", "/api/customers/c2/checkin", nil))
	assert.Equal(t, loyalty.Coins(7), grant.Transaction.Coins)

	s.must(http.StatusBadRequest, "PUT", "/api/settings", map[string]string{"coin_value_inr": "0"})
	s.must(http.StatusBadRequest, "PUT", "/api/settings", map[string]string{"bogus": "1"})

	values = decodeAs[map[string]string](t, s.must(http.StatusOK, "GET", "/api/settings", nil))
	assert.Equal(t, "1", values["coin_value_inr"], "rejected updates write nothing")
}

// =============================================================================
// ACTIVITIES AND ADMIN
// =============================================================================

func TestActivities(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	s.must(http.StatusCreated, "POST", "/api/customers/c1/checkin", nil)
	s.must(http.StatusConflict, "POST", "/api/customers/c1/checkin", nil)

	spin := decodeAs[SpinDTO](t, s.must(http.StatusCreated, "POST", "/api/customers/c1/spin", nil))
	assert.Equal(t, spin.PrizeCoins, spin.Transaction.Coins)
	assert.Equal(t, "SPIN", spin.Transaction.Type)
	s.must(http.StatusConflict, "POST", "/api/customers/c1/spin", nil)

	review := decodeAs[GrantDTO](t, s.must(http.StatusCreated, "POST", "/api/customers/c1/review-bonus", nil))
	assert.Equal(t, loyalty.Coins(20), review.Transaction.Coins)
	s.must(http.StatusConflict, "POST", "/api/customers/c1/review-bonus", nil)

	s.must(http.StatusNotFound, "POST", "/api/customers/ghost/checkin", nil)
}

func TestAdminAdjustments(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	credit := decodeAs[GrantDTO](t, s.must(http.StatusCreated, "POST", "/api/admin/customers/c1/credit",
		map[string]any{"coins": 120, "reason": "apology", "actor_id": "admin-1"}))
	assert.Equal(t, "ADMIN_CREDIT", credit.Transaction.Type)
	assert.Equal(t, loyalty.Coins(120), credit.Balance)

	debit := decodeAs[GrantDTO](t, s.must(http.StatusCreated, "POST", "/api/admin/customers/c1/debit",
		map[string]any{"coins": 20, "reason": "correction"}))
	assert.Equal(t, loyalty.Coins(-20), debit.Transaction.Coins)
	assert.Equal(t, loyalty.Coins(100), debit.Balance)

	reset := decodeAs[GrantDTO](t, s.must(http.StatusCreated, "POST", "/api/admin/customers/c1/reset", nil))
	assert.Equal(t, "ADMIN_RESET", reset.Transaction.Type)
	assert.Equal(t, loyalty.Coins(-100), reset.Transaction.Coins)
	assert.Zero(t, reset.Balance)

	rec := s.must(http.StatusOK, "POST", "/api/admin/customers/c1/reset", nil)
	assert.Contains(t, rec.Body.String(), "nothing to reset")

	expiry := decodeAs[ExpiryResponse](t, s.must(http.StatusOK, "POST", "/api/admin/expiry", nil))
	assert.Zero(t, expiry.Total)
}

func TestBlockAndUnblock(t *testing.T) {
	s := newTestServer(t)
	s.seed()

	c := decodeAs[CustomerDTO](t, s.must(http.StatusOK, "POST", "/api/customers/c1/block", nil))
	assert.True(t, c.IsBlocked)
	s.must(http.StatusForbidden, "POST", "/api/purchases", purchaseBody("INV-1", "1000", 0))

	c = decodeAs[CustomerDTO](t, s.must(http.StatusOK, "POST", "/api/customers/c1/unblock", nil))
	assert.False(t, c.IsBlocked)
	s.must(http.StatusCreated, "POST", "/api/purchases", purchaseBody("INV-1", "1000", 0))

	s.must(http.StatusNotFound, "POST", "/api/customers/ghost/block", nil)
}

func TestBranches(t *testing.T) {
	s := newTestServer(t)

	rec := s.must(http.StatusCreated, "POST", "/api/branches", map[string]any{
		"id": "mall", "name": "Phoenix Mall", "custom_coin_percent": "7.5", "custom_max_coins_per_bill": 200,
	})
	b := decodeAs[BranchDTO](t, rec)
	require.NotNil(t, b.CustomCoinPercent)
	assert.Equal(t, "7.5", b.CustomCoinPercent.String())
	require.NotNil(t, b.CustomMaxCoinsPerBill)
	assert.Equal(t, int64(200), *b.CustomMaxCoinsPerBill)

	s.must(http.StatusConflict, "POST", "/api/branches", map[string]any{"id": "mall", "name": "Again"})
	s.must(http.StatusBadRequest, "POST", "/api/branches", map[string]any{"id": "neg", "name": "Neg", "custom_coin_percent": "-1"})

	list := decodeAs[[]BranchDTO](t, s.must(http.StatusOK, "GET", "/api/branches", nil))
	assert.Len(t, list, 1)
}

// =============================================================================
// HEALTH
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.must(http.StatusOK, "GET", "/health", nil)
	assert.Equal(t, "ok", decodeAs[map[string]string](t, rec)["database"])

	s.h.Checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	rec = s.must(http.StatusServiceUnavailable, "GET", "/health", nil)
	assert.Equal(t, "connection refused", decodeAs[map[string]string](t, rec)["redis"])
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.must(http.StatusOK, "GET", "/metrics", nil)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
