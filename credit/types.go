/*
Package credit provides the credit ledger engine.

PURPOSE:
  Tracks each account's spendable credit balance. Credits arrive as grant
  entries (purchases, monthly refreshes, admin adjustments), are consumed
  FIFO across eligible entries, and expire when their grant's expiration
  passes. The account balance is a denormalized cache kept consistent with
  the entry log inside the same storage transaction that mutates entries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: per-user balance holder with the lastRefreshAt marker
  - Entry: a ledger record with an immutable amount and a mutable
    remaining amount
  - Kind: the business reason for an entry (purchase, refresh, usage, ...)
  - Settings: tunables for the engine (monthly credits, refresh window,
    pagination bounds)

DESIGN PRINCIPLES:
  1. Integral credits: amounts are int64, never fractional
  2. Entries are never deleted; only remaining_amount and
     expiration_processed_at are mutated, by Consume and the sweeper
  3. Creation-ordered IDs: entry IDs are ULIDs, so (created_at, id) is a
     total, replayable order for FIFO allocation

SEE ALSO:
  - ledger.go: the five-operation engine
  - store.go: persistence contract
*/
package credit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies a credit account. 1:1 with a user; opaque to the ledger.
type AccountID string

// EntryID identifies a ledger entry. ULIDs are lexicographically ordered by
// creation time, which makes them a stable tie-break for FIFO walks.
type EntryID string

// NewEntryID returns a fresh creation-ordered entry ID.
// ulid.Make is monotonic within the same millisecond.
func NewEntryID() EntryID {
	return EntryID(ulid.Make().String())
}

// =============================================================================
// ENTRY KINDS
// =============================================================================

// Kind is the business reason an entry exists. The set is extensible; the
// engine only treats KindMonthlyRefresh and KindUsage specially.
type Kind string

const (
	KindPurchase        Kind = "PURCHASE"
	KindMonthlyRefresh  Kind = "MONTHLY_REFRESH"
	KindUsage           Kind = "USAGE"
	KindAdminAdjustment Kind = "ADMIN_ADJUSTMENT"
)

// =============================================================================
// ACCOUNT
// =============================================================================

// Account holds the spendable balance for one user.
//
// Balance is a cache of SUM(remaining_amount) over the account's grant
// entries that have not been expiration-processed. It is only ever updated
// inside the same transaction that mutates entries.
type Account struct {
	ID            AccountID
	Balance       int64
	LastRefreshAt *time.Time // nil until the first monthly grant
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RefreshDue reports whether a monthly grant is due at now, given the
// configured refresh interval.
func (a *Account) RefreshDue(now time.Time, interval time.Duration) bool {
	if a.LastRefreshAt == nil {
		return true
	}
	return now.Sub(*a.LastRefreshAt) >= interval
}

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// Entry is a single ledger record.
//
// Grant entries have Amount > 0 and RemainingAmount in [0, Amount].
// Usage entries have Amount < 0 and RemainingAmount 0; they record a debit
// and are never themselves consumable.
type Entry struct {
	ID              EntryID
	AccountID       AccountID
	Amount          int64 // signed delta at creation; immutable
	RemainingAmount int64 // unspent credits from this entry
	Kind            Kind
	Description     string

	// ExpirationAt is when the grant stops being spendable; nil means never.
	// ExpirationProcessedAt is set once the sweeper has finalized the entry;
	// after that RemainingAmount is permanently 0.
	ExpirationAt          *time.Time
	ExpirationProcessedAt *time.Time

	// PaymentReference links purchase grants to an external payment or
	// order. The ledger does not deduplicate on it; webhook callers must.
	PaymentReference string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsGrant reports whether the entry added credits.
func (e *Entry) IsGrant() bool {
	return e.Amount > 0
}

// Expired reports whether the entry's expiration has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpirationAt != nil && e.ExpirationAt.Before(now)
}

// Consumable reports whether the entry can participate in a FIFO walk at
// now: a grant, not yet finalized, not expired, with credits left.
func (e *Entry) Consumable(now time.Time) bool {
	return e.IsGrant() &&
		e.RemainingAmount > 0 &&
		e.ExpirationProcessedAt == nil &&
		!e.Expired(now)
}

// =============================================================================
// OPERATION RESULTS
// =============================================================================

// ConsumeResult reports what a successful Consume touched.
type ConsumeResult struct {
	// Consumed holds the grant entries debited by the FIFO walk, oldest
	// first, with their post-consumption remaining amounts.
	Consumed []Entry

	// UsageEntry is the entry recording the debit itself.
	UsageEntry *Entry

	NewBalance int64
}

// SweepResult reports what an expiration sweep finalized.
type SweepResult struct {
	SweptEntries   int
	ExpiredCredits int64 // total remaining credits zeroed by this sweep
	NewBalance     int64
}

// EntryPage is one page of an account's history, newest entries first.
type EntryPage struct {
	Entries    []Entry
	Page       int
	PageSize   int
	TotalCount int
	PageCount  int
}

// =============================================================================
// SETTINGS
// =============================================================================

// Settings are the engine tunables. Zero values are replaced by the
// defaults from DefaultSettings when constructing a Ledger.
type Settings struct {
	// FreeMonthlyCredits is the size of the monthly refresh grant.
	FreeMonthlyCredits int64

	// RefreshInterval is the rolling window between monthly grants, and
	// also the lifetime of each monthly grant.
	RefreshInterval time.Duration

	// Pagination bounds for ListEntries.
	PageSizeMin     int
	PageSizeMax     int
	PageSizeDefault int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		FreeMonthlyCredits: 100,
		RefreshInterval:    30 * 24 * time.Hour,
		PageSizeMin:        1,
		PageSizeMax:        100,
		PageSizeDefault:    20,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.FreeMonthlyCredits <= 0 {
		s.FreeMonthlyCredits = def.FreeMonthlyCredits
	}
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = def.RefreshInterval
	}
	if s.PageSizeMin <= 0 {
		s.PageSizeMin = def.PageSizeMin
	}
	if s.PageSizeMax <= 0 {
		s.PageSizeMax = def.PageSizeMax
	}
	if s.PageSizeDefault <= 0 {
		s.PageSizeDefault = def.PageSizeDefault
	}
	if s.PageSizeMax < s.PageSizeMin {
		s.PageSizeMax = s.PageSizeMin
	}
	if s.PageSizeDefault < s.PageSizeMin {
		s.PageSizeDefault = s.PageSizeMin
	}
	if s.PageSizeDefault > s.PageSizeMax {
		s.PageSizeDefault = s.PageSizeMax
	}
	return s
}
