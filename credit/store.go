/*
store.go - Persistence contract for accounts and ledger entries

PURPOSE:
  Defines the interface between the ledger engine and the database. The
  engine never touches SQL; the store never makes business decisions.
  Implementations: store/sqlite (production), store/memory (tests/dev).

TRANSACTIONS:
  Every mutating ledger operation runs inside WithTx. The engine hands
  WithTx a function; the store guarantees all reads and writes inside it
  commit or roll back as one unit. Balance updates use conditional SQL
  (DebitBalance, ClaimRefresh) so two workers racing on the same account
  cannot overdraw it or double-grant a refresh even if their transactions
  interleave.

ENTRY MUTATION CONTRACT:
  Entries are never deleted. Only two mutations exist:
  - UpdateEntryRemaining: the FIFO walk spending a grant down
  - FinalizeEntryExpiration: the sweeper zeroing an expired grant

SEE ALSO:
  - ledger.go: the only caller of this interface
  - store/sqlite/sqlite.go, store/memory/memory.go: implementations
*/
package credit

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Account and entry persistence
// =============================================================================

// Store is the persistence surface the engine runs against. Inside WithTx
// the same interface is backed by the open transaction.
type Store interface {
	// UpsertAccount creates the account with a zero balance if it doesn't
	// exist and returns it either way.
	UpsertAccount(ctx context.Context, id AccountID, now time.Time) (*Account, error)

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// AddBalance adjusts the balance by delta (which may be negative) and
	// returns the new balance. Returns ErrAccountNotFound if missing.
	AddBalance(ctx context.Context, id AccountID, delta int64, now time.Time) (int64, error)

	// DebitBalance decrements the balance by amount only if the stored
	// balance still covers it, and returns the new balance. Returns
	// ErrConcurrentModification if the condition no longer holds.
	DebitBalance(ctx context.Context, id AccountID, amount int64, now time.Time) (int64, error)

	// ClaimRefresh sets last_refresh_at to now only if the stored value is
	// null or at/before cutoff. Returns whether this caller won the claim.
	// At most one concurrent caller per account sees true per window.
	ClaimRefresh(ctx context.Context, id AccountID, now, cutoff time.Time) (bool, error)

	// InsertEntry persists a new entry.
	InsertEntry(ctx context.Context, e *Entry) error

	// UpdateEntryRemaining sets an entry's remaining amount.
	UpdateEntryRemaining(ctx context.Context, id EntryID, remaining int64, now time.Time) error

	// FinalizeEntryExpiration marks the entry expiration-processed at now
	// and zeroes its remaining amount. A no-op if already processed.
	FinalizeEntryExpiration(ctx context.Context, id EntryID, now time.Time) error

	// EligibleEntries returns the account's consumable grant entries
	// (amount > 0, remaining > 0, not finalized, not expired at now) in
	// FIFO order: oldest created_at first, entry ID as tie-break.
	EligibleEntries(ctx context.Context, id AccountID, now time.Time) ([]Entry, error)

	// ExpiredEntries returns entries due for sweeping at now (expiration
	// passed, not yet finalized, remaining > 0) in sweep order:
	// MONTHLY_REFRESH first, then oldest created_at, then entry ID.
	ExpiredEntries(ctx context.Context, id AccountID, now time.Time) ([]Entry, error)

	// ListEntries returns a slice of the account's history, newest first,
	// plus the total entry count.
	ListEntries(ctx context.Context, id AccountID, limit, offset int) ([]Entry, int, error)

	// GrantRemainingTotal returns SUM(remaining_amount) over the account's
	// grant entries not yet expiration-processed. Used for drift checks.
	GrantRemainingTotal(ctx context.Context, id AccountID) (int64, error)

	// AccountsWithExpiredEntries returns up to limit accounts that hold
	// sweepable entries at now. Drives the background sweeper.
	AccountsWithExpiredEntries(ctx context.Context, now time.Time, limit int) ([]AccountID, error)
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
