/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the settlement engine, admin operations and activities via REST
  API. Handles HTTP request/response, JSON serialization, and delegates to
  the loyalty package.

ENDPOINTS:
  Customers:
    POST   /api/customers                    Register (optional referral_code)
    GET    /api/customers                    List customers
    GET    /api/customers/{id}               Customer details
    GET    /api/customers/{id}/balance       Wallet balance
    GET    /api/customers/{id}/transactions  Wallet rows with running balance
    POST   /api/customers/{id}/block         Block
    POST   /api/customers/{id}/unblock       Unblock
    POST   /api/customers/{id}/checkin       Daily check-in
    POST   /api/customers/{id}/spin          Daily spin
    POST   /api/customers/{id}/review-bonus  One-time review bonus

  Branches:
    POST   /api/branches                     Create (with optional overrides)
    GET    /api/branches                     List branches
    GET    /api/branches/{id}                Branch details
    GET    /api/branches/{id}/balance        Available allowance
    POST   /api/branches/{id}/credits        Fund the allowance

  Purchases:
    POST   /api/purchases/quote              Receipt preview, writes nothing
    POST   /api/purchases                    Settle

  Settings:
    GET    /api/settings                     Effective key/value settings
    PUT    /api/settings                     Merge and validate new values

  Admin:
    POST   /api/admin/customers/{id}/credit  ADMIN_CREDIT
    POST   /api/admin/customers/{id}/debit   ADMIN_DEBIT
    POST   /api/admin/customers/{id}/reset   ADMIN_RESET
    POST   /api/admin/expiry                 Run the coin expiry sweep now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Blocked customer
  - 404: Customer or branch not found
  - 409: Conflict (duplicate invoice, already claimed, duplicate id)
  - 500: Internal errors (retryable)

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/warp/loyalty-engine/activities"
	"github.com/warp/loyalty-engine/cache"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs beyond the engine's.
type Store interface {
	loyalty.TxStore
	loyalty.SettingsStore
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Store
	Engine     *loyalty.Engine
	Activities *activities.Service
	Settings   *cache.Provider
	Logger     *slog.Logger

	// Extra dependencies reported by /health, keyed by name.
	Checks map[string]HealthCheck

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires a handler. The engine and activities must share the
// store and settings provider given here.
func NewHandler(store Store, engine *loyalty.Engine, acts *activities.Service, settings *cache.Provider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:      store,
		Engine:     engine,
		Activities: acts,
		Settings:   settings,
		Logger:     logger,
		Checks:     make(map[string]HealthCheck),
	}
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// RegisterCustomer creates a customer, linking the referrer when a code is
// given.
func (h *Handler) RegisterCustomer(w http.ResponseWriter, r *http.Request) {
	var req RegisterCustomerRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := h.Engine.RegisterCustomer(r.Context(), loyalty.NewCustomer{
		ID:           loyalty.CustomerID(req.ID),
		Name:         req.Name,
		Phone:        req.Phone,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		h.fail(w, "Failed to register customer", err)
		return
	}

	writeJSON(w, http.StatusCreated, toCustomerDTO(c))
}

func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := h.Store.ListCustomers(r.Context())
	if err != nil {
		h.fail(w, "Failed to list customers", err)
		return
	}

	dtos := make([]CustomerDTO, len(customers))
	for i := range customers {
		dtos[i] = toCustomerDTO(&customers[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCustomer(r.Context(), customerID(r))
	if err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// GetBalance folds the customer's wallet.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := customerID(r)

	if _, err := h.Store.GetCustomer(ctx, id); err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}
	state, err := h.Engine.Ledger().CustomerState(ctx, id)
	if err != nil {
		h.fail(w, "Failed to compute balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		CustomerID:  string(id),
		Balance:     state.Balance,
		HasRedeemed: state.HasRedeemed,
	})
}

// GetTransactions returns the wallet in append order.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := customerID(r)

	if _, err := h.Store.GetCustomer(ctx, id); err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}
	txs, err := h.Store.WalletByCustomer(ctx, id)
	if err != nil {
		h.fail(w, "Failed to get transactions", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"transactions": toTransactionDTOs(txs)})
}

func (h *Handler) BlockCustomer(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

func (h *Handler) UnblockCustomer(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *Handler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	ctx := r.Context()
	id := customerID(r)

	if err := h.Engine.SetBlocked(ctx, id, blocked); err != nil {
		h.fail(w, "Failed to update customer", err)
		return
	}
	c, err := h.Store.GetCustomer(ctx, id)
	if err != nil {
		h.fail(w, "Failed to get customer", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerDTO(c))
}

// =============================================================================
// ACTIVITY HANDLERS
// =============================================================================

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	g, err := h.Activities.CheckIn(r.Context(), customerID(r))
	if err != nil {
		h.fail(w, "Check-in failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(*g))
}

func (h *Handler) Spin(w http.ResponseWriter, r *http.Request) {
	res, err := h.Activities.Spin(r.Context(), customerID(r))
	if err != nil {
		h.fail(w, "Spin failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, SpinDTO{GrantDTO: toGrantDTO(res.Grant), PrizeCoins: res.Prize.Coins})
}

func (h *Handler) ReviewBonus(w http.ResponseWriter, r *http.Request) {
	g, err := h.Activities.ReviewBonus(r.Context(), customerID(r))
	if err != nil {
		h.fail(w, "Review bonus failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGrantDTO(*g))
}

// =============================================================================
// BRANCH HANDLERS
// =============================================================================

// CreateBranch accepts a factory.BranchJSON body.
func (h *Handler) CreateBranch(w http.ResponseWriter, r *http.Request) {
	var req factory.BranchJSON
	if !decode(w, r, &req) {
		return
	}

	b, err := h.Engine.CreateBranch(r.Context(), req.NewBranch())
	if err != nil {
		h.fail(w, "Failed to create branch", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBranchDTO(b))
}

func (h *Handler) ListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.Store.ListBranches(r.Context())
	if err != nil {
		h.fail(w, "Failed to list branches", err)
		return
	}

	dtos := make([]BranchDTO, len(branches))
	for i := range branches {
		dtos[i] = toBranchDTO(&branches[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBranch(w http.ResponseWriter, r *http.Request) {
	b, err := h.Store.GetBranch(r.Context(), branchID(r))
	if err != nil {
		h.fail(w, "Failed to get branch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBranchDTO(b))
}

func (h *Handler) GetBranchBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := branchID(r)

	if _, err := h.Store.GetBranch(ctx, id); err != nil {
		h.fail(w, "Failed to get branch", err)
		return
	}
	available, err := h.Engine.Ledger().BranchAvailable(ctx, id)
	if err != nil {
		h.fail(w, "Failed to compute branch balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BranchBalanceDTO{BranchID: string(id), Available: available})
}

func (h *Handler) CreditBranch(w http.ResponseWriter, r *http.Request) {
	var req CreditBranchRequest
	if !decode(w, r, &req) {
		return
	}

	tx, err := h.Engine.CreditBranch(r.Context(), branchID(r), req.Coins, req.Reason)
	if err != nil {
		h.fail(w, "Failed to credit branch", err)
		return
	}
	writeJSON(w, http.StatusCreated, BranchCreditDTO{
		ID:        string(tx.ID),
		BranchID:  string(tx.BranchID),
		Coins:     tx.Coins,
		Reason:    tx.Reason,
		CreatedAt: formatTime(tx.CreatedAt),
	})
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// SettlePurchase records a purchase. Funding shortfalls and clamped
// redemptions are 201 with notes, not errors.
func (h *Handler) SettlePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := h.Engine.Settle(r.Context(), req.toDomain())
	if err != nil {
		h.fail(w, "Failed to settle purchase", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(receipt))
}

func (h *Handler) QuotePurchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}

	receipt, err := h.Engine.Quote(r.Context(), req.toDomain())
	if err != nil {
		h.fail(w, "Failed to quote purchase", err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptDTO(receipt))
}

// =============================================================================
// SETTINGS HANDLERS
// =============================================================================

// GetSettings returns every key with its effective value, defaults
// included.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Settings.Settings(r.Context())
	if err != nil {
		h.fail(w, "Failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, factory.EncodeSettings(s))
}

// UpdateSettings merges the given keys over the stored ones. The whole
// update is refused when the result does not validate.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var values map[string]string
	if !decode(w, r, &values) {
		return
	}

	s, err := h.Settings.Update(r.Context(), values)
	if err != nil {
		h.fail(w, "Failed to update settings", err)
		return
	}
	writeJSON(w, http.StatusOK, factory.EncodeSettings(s))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) AdminCredit(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.Engine.AdminCredit)
}

func (h *Handler) AdminDebit(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, h.Engine.AdminDebit)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, op func(context.Context, loyalty.Adjustment) (*loyalty.WalletTransaction, error)) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}

	tx, err := op(r.Context(), loyalty.Adjustment{
		CustomerID: customerID(r),
		Coins:      req.Coins,
		Reason:     req.Reason,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.fail(w, "Failed to create adjustment", err)
		return
	}
	h.writeAdjustment(w, r, tx)
}

// AdminReset zeroes the wallet. The body is optional.
func (h *Handler) AdminReset(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}

	tx, err := h.Engine.AdminReset(r.Context(), customerID(r), req.Reason, req.ActorID)
	if err != nil {
		h.fail(w, "Failed to reset wallet", err)
		return
	}
	if tx == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "nothing to reset"})
		return
	}
	h.writeAdjustment(w, r, tx)
}

func (h *Handler) writeAdjustment(w http.ResponseWriter, r *http.Request, tx *loyalty.WalletTransaction) {
	balance, err := h.Engine.Ledger().CustomerBalance(r.Context(), tx.CustomerID)
	if err != nil {
		h.fail(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusCreated, GrantDTO{Transaction: toTransactionDTO(*tx, balance), Balance: balance})
}

// RunExpiry runs the coin expiry sweep immediately.
func (h *Handler) RunExpiry(w http.ResponseWriter, r *http.Request) {
	expired, err := h.Engine.ExpireAll(r.Context())
	if err != nil {
		h.fail(w, "Expiry sweep failed", err)
		return
	}

	resp := ExpiryResponse{Expired: make(map[string]loyalty.Coins, len(expired))}
	for id, coins := range expired {
		resp.Expired[string(id)] = coins
		resp.Total += coins
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		h.fail(w, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	if err := h.Store.Reset(ctx); err != nil {
		return err
	}
	h.Settings.Invalidate(ctx)

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// HEALTH
// =============================================================================

// Health pings the database and every registered check.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]string{"database": "ok"}
	healthy := true

	if err := h.Store.Ping(ctx); err != nil {
		status["database"] = err.Error()
		healthy = false
	}

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// =============================================================================
// HELPERS
// =============================================================================

func customerID(r *http.Request) loyalty.CustomerID {
	return loyalty.CustomerID(chi.URLParam(r, "id"))
}

func branchID(r *http.Request) loyalty.BranchID {
	return loyalty.BranchID(chi.URLParam(r, "id"))
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// fail maps an engine error to its status code. Server-side failures are
// logged; client errors are not.
func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(message, "error", err, "retryable", loyalty.IsRetryable(err))
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, loyalty.ErrCustomerBlocked):
		return http.StatusForbidden
	case loyalty.IsNotFound(err):
		return http.StatusNotFound
	case loyalty.IsConflict(err):
		return http.StatusConflict
	case loyalty.IsClientError(err):
		return http.StatusBadRequest
	default:
		var ve *loyalty.ValidationError
		if errors.As(err, &ve) {
			return http.StatusBadRequest
		}
		return http.StatusInternalServerError
	}
}
