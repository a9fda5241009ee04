/*
handlers.go - HTTP handlers for the credit ledger

PURPOSE:
  Exposes the five ledger operations to the rest of the system. Handles
  HTTP request/response and JSON; all business rules live in the credit
  package.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                    Create account (idempotent)
    GET    /api/accounts/{id}               Balance view
    GET    /api/accounts/{id}/entries       Paginated history

  Credits:
    POST   /api/accounts/{id}/grants        Grant (billing webhook's call)
    POST   /api/accounts/{id}/consume       Consume (usage metering's call)
    POST   /api/accounts/{id}/refresh       Monthly refresh touch

  Admin:
    POST   /api/admin/accounts/{id}/adjust       Admin credit adjustment
    POST   /api/admin/accounts/{id}/sweep        Manual expiration sweep
    GET    /api/admin/accounts/{id}/consistency  Balance/entry drift check

ERROR HANDLING:
  Errors are returned as a JSON envelope with an appropriate status:
  - 400: invalid input
  - 402: insufficient balance (metering callers branch on this)
  - 404: account not found
  - 409: lost a concurrent-update race; safe to retry
  - 500: internal errors, including ledger drift

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/warp/credit-ledger/credit"
)

// Handler holds the dependencies for HTTP handlers.
type Handler struct {
	Ledger *credit.Ledger
}

// NewHandler creates a handler over the given ledger.
func NewHandler(ledger *credit.Ledger) *Handler {
	return &Handler{Ledger: ledger}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount handles POST /api/accounts.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	acct, err := h.Ledger.CreateAccount(r.Context(), credit.AccountID(req.ID))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountDTO(acct))
}

// GetAccount handles GET /api/accounts/{id}.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.GetAccount(r.Context(), accountID(r))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accountDTO(acct))
}

// =============================================================================
// CREDIT HANDLERS
// =============================================================================

// Grant handles POST /api/accounts/{id}/grants.
func (h *Handler) Grant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_expiration",
				fmt.Sprintf("expires_at must be RFC3339: %v", err))
			return
		}
		expiresAt = &t
	}

	kind := credit.Kind(req.Kind)
	if kind == "" {
		kind = credit.KindPurchase
	}

	entry, err := h.Ledger.Grant(r.Context(), accountID(r), req.Amount, kind,
		req.Description, expiresAt, req.PaymentReference)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entryDTO(*entry))
}

// Consume handles POST /api/accounts/{id}/consume.
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	result, err := h.Ledger.Consume(r.Context(), accountID(r), req.Amount, req.Description)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConsumeResponse{
		Balance:  result.NewBalance,
		Consumed: entryDTOs(result.Consumed),
		Usage:    entryDTO(*result.UsageEntry),
	})
}

// Refresh handles POST /api/accounts/{id}/refresh - the opportunistic
// session touch. Cheap when no refresh is due.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Ledger.EnsureMonthlyRefresh(r.Context(), accountID(r), time.Now().UTC())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Balance: balance})
}

// =============================================================================
// HISTORY HANDLER
// =============================================================================

// ListEntries handles GET /api/accounts/{id}/entries?page=&page_size=.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", 0) // 0 = ledger default

	result, err := h.Ledger.ListEntries(r.Context(), accountID(r), page, pageSize)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EntriesResponse{
		Entries:    entryDTOs(result.Entries),
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalCount: result.TotalCount,
		PageCount:  result.PageCount,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// AdminAdjust handles POST /api/admin/accounts/{id}/adjust.
func (h *Handler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	entry, err := h.Ledger.AdminAdjust(r.Context(), accountID(r), req.Amount, req.Description)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entryDTO(*entry))
}

// Sweep handles POST /api/admin/accounts/{id}/sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.Ledger.SweepExpired(r.Context(), accountID(r), time.Now().UTC())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{
		SweptEntries:   result.SweptEntries,
		ExpiredCredits: result.ExpiredCredits,
		Balance:        result.NewBalance,
	})
}

// CheckConsistency handles GET /api/admin/accounts/{id}/consistency.
func (h *Handler) CheckConsistency(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.CheckBalance(r.Context(), accountID(r)); err != nil {
		writeLedgerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// HELPERS
// =============================================================================

func accountID(r *http.Request) credit.AccountID {
	return credit.AccountID(chi.URLParam(r, "id"))
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// writeLedgerError maps ledger errors onto HTTP statuses.
func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, credit.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, credit.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account_not_found", err.Error())
	case errors.Is(err, credit.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient_balance", err.Error())
	case errors.Is(err, credit.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "concurrent_modification", err.Error())
	default:
		log.Error().Err(err).Msg("ledger operation failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
