/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes for the collaborator-facing HTTP surface. These decouple the
  internal domain model from the wire contract: amounts are integers,
  timestamps are RFC3339 instants, identifiers are opaque strings.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients
  - *Response: wrappers around lists and results

VALIDATION:
  Handlers validate; DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/warp/credit-ledger/credit"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAccountRequest creates (or re-creates, idempotently) an account.
type CreateAccountRequest struct {
	ID string `json:"id"`
}

// GrantRequest adds credits. The billing webhook handler sends
// kind=PURCHASE with a payment_reference after a confirmed payment.
type GrantRequest struct {
	Amount           int64  `json:"amount"`
	Kind             string `json:"kind"`
	Description      string `json:"description"`
	ExpiresAt        string `json:"expires_at,omitempty"` // RFC3339; empty = never
	PaymentReference string `json:"payment_reference,omitempty"`
}

// ConsumeRequest deducts credits before a metered action.
type ConsumeRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// AdjustRequest is an admin credit adjustment.
type AdjustRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO is the balance view collaborators read.
type AccountDTO struct {
	ID            string `json:"id"`
	Balance       int64  `json:"balance"`
	LastRefreshAt string `json:"last_refresh_at,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// EntryDTO is one ledger entry in API responses.
type EntryDTO struct {
	ID                    string `json:"id"`
	AccountID             string `json:"account_id"`
	Amount                int64  `json:"amount"`
	RemainingAmount       int64  `json:"remaining_amount"`
	Kind                  string `json:"kind"`
	Description           string `json:"description,omitempty"`
	ExpirationAt          string `json:"expiration_at,omitempty"`
	ExpirationProcessedAt string `json:"expiration_processed_at,omitempty"`
	PaymentReference      string `json:"payment_reference,omitempty"`
	CreatedAt             string `json:"created_at"`
}

// ConsumeResponse reports the outcome of a successful consume.
type ConsumeResponse struct {
	Balance  int64      `json:"balance"`
	Consumed []EntryDTO `json:"consumed"`
	Usage    EntryDTO   `json:"usage"`
}

// BalanceResponse is the refresh endpoint's result.
type BalanceResponse struct {
	Balance int64 `json:"balance"`
}

// EntriesResponse is one page of account history.
type EntriesResponse struct {
	Entries    []EntryDTO `json:"entries"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalCount int        `json:"total_count"`
	PageCount  int        `json:"page_count"`
}

// SweepResponse reports a manual sweep.
type SweepResponse struct {
	SweptEntries   int   `json:"swept_entries"`
	ExpiredCredits int64 `json:"expired_credits"`
	Balance        int64 `json:"balance"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func accountDTO(a *credit.Account) AccountDTO {
	dto := AccountDTO{
		ID:        string(a.ID),
		Balance:   a.Balance,
		CreatedAt: a.CreatedAt.Format(time.RFC3339Nano),
	}
	if a.LastRefreshAt != nil {
		dto.LastRefreshAt = a.LastRefreshAt.Format(time.RFC3339Nano)
	}
	return dto
}

func entryDTO(e credit.Entry) EntryDTO {
	dto := EntryDTO{
		ID:               string(e.ID),
		AccountID:        string(e.AccountID),
		Amount:           e.Amount,
		RemainingAmount:  e.RemainingAmount,
		Kind:             string(e.Kind),
		Description:      e.Description,
		PaymentReference: e.PaymentReference,
		CreatedAt:        e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.ExpirationAt != nil {
		dto.ExpirationAt = e.ExpirationAt.Format(time.RFC3339Nano)
	}
	if e.ExpirationProcessedAt != nil {
		dto.ExpirationProcessedAt = e.ExpirationProcessedAt.Format(time.RFC3339Nano)
	}
	return dto
}

func entryDTOs(entries []credit.Entry) []EntryDTO {
	out := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryDTO(e))
	}
	return out
}
