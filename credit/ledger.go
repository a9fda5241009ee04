/*
ledger.go - The five-operation credit ledger engine

PURPOSE:
  Implements Grant, Consume, SweepExpired, EnsureMonthlyRefresh and
  ListEntries over a TxStore. Each mutating operation is one atomic
  transaction: either the balance update and every entry mutation commit
  together, or none of them do.

CRITICAL INVARIANTS:
  - Account.Balance == SUM(remaining) over non-finalized grant entries
  - 0 <= remaining <= amount for every grant entry
  - only unexpired, unfinalized grants are consumable
  - a finalized entry stays at remaining 0 forever
  - at most one monthly grant per account per rolling window

CONSUMPTION ORDER:
  Pure FIFO: oldest created_at first, entry ID as tie-break. Grants with
  the nearest expiration are typically the oldest, so FIFO minimizes
  credits lost to expiry. This ordering is a contract; do not change it.

CONCURRENCY:
  Balance debits and refresh claims are conditional store updates, so two
  workers racing on the same account cannot overdraw it or both grant the
  monthly refresh. A lost race surfaces as ErrConcurrentModification after
  a full rollback; the caller may retry. Contention is scoped per account.

SEE ALSO:
  - store.go: persistence contract
  - errors.go: the error kinds returned here
*/
package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the credit engine. Safe for concurrent use; all state lives in
// the store.
type Ledger struct {
	store    TxStore
	settings Settings
}

// NewLedger creates a ledger over the given store. Zero-valued settings
// fields fall back to DefaultSettings.
func NewLedger(store TxStore, settings Settings) *Ledger {
	return &Ledger{
		store:    store,
		settings: settings.withDefaults(),
	}
}

// Settings returns the effective (defaulted) settings.
func (l *Ledger) Settings() Settings {
	return l.settings
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount ensures the account exists. Idempotent: creating an
// existing account returns it unchanged.
func (l *Ledger) CreateAccount(ctx context.Context, id AccountID) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrInvalidArgument)
	}
	return l.store.UpsertAccount(ctx, id, time.Now().UTC())
}

// GetAccount returns the account's current state.
func (l *Ledger) GetAccount(ctx context.Context, id AccountID) (*Account, error) {
	return l.store.GetAccount(ctx, id)
}

// =============================================================================
// GRANT
// =============================================================================

// Grant adds amount credits to the account as a new entry and increments
// the balance, atomically. expirationAt nil means the grant never expires.
//
// Grant is not idempotent; webhook callers deduplicate by payment
// reference on their side before calling.
func (l *Ledger) Grant(ctx context.Context, accountID AccountID, amount int64, kind Kind, description string, expirationAt *time.Time, paymentReference string) (*Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount must be positive, got %d", ErrInvalidArgument, amount)
	}
	if kind == "" || kind == KindUsage {
		return nil, fmt.Errorf("%w: grant kind %q", ErrInvalidArgument, kind)
	}

	var entry *Entry
	err := l.store.WithTx(ctx, func(s Store) error {
		now := time.Now().UTC()
		e, _, err := l.grantTx(ctx, s, accountID, amount, kind, description, expirationAt, paymentReference, now)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	grantsTotal.WithLabelValues(string(kind)).Inc()
	creditsGranted.WithLabelValues(string(kind)).Add(float64(amount))
	log.Debug().
		Str("account", string(accountID)).
		Str("entry", string(entry.ID)).
		Str("kind", string(kind)).
		Int64("amount", amount).
		Msg("credits granted")
	return entry, nil
}

// AdminAdjust grants amount credits as an ADMIN_ADJUSTMENT entry with no
// expiration.
func (l *Ledger) AdminAdjust(ctx context.Context, accountID AccountID, amount int64, description string) (*Entry, error) {
	return l.Grant(ctx, accountID, amount, KindAdminAdjustment, description, nil, "")
}

// grantTx inserts the entry and bumps the balance inside the caller's
// transaction. Returns the entry and the new balance.
func (l *Ledger) grantTx(ctx context.Context, s Store, accountID AccountID, amount int64, kind Kind, description string, expirationAt *time.Time, paymentReference string, now time.Time) (*Entry, int64, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, 0, err
	}

	e := &Entry{
		ID:               NewEntryID(),
		AccountID:        accountID,
		Amount:           amount,
		RemainingAmount:  amount,
		Kind:             kind,
		Description:      description,
		ExpirationAt:     expirationAt,
		PaymentReference: paymentReference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.InsertEntry(ctx, e); err != nil {
		return nil, 0, fmt.Errorf("insert grant entry: %w", err)
	}
	balance, err := s.AddBalance(ctx, accountID, amount, now)
	if err != nil {
		return nil, 0, fmt.Errorf("credit balance: %w", err)
	}
	return e, balance, nil
}

// =============================================================================
// CONSUME
// =============================================================================

// Consume deducts amount credits FIFO across the account's eligible grant
// entries and records a USAGE entry, atomically. Fails with
// ErrInsufficientBalance before any mutation if the balance doesn't cover
// the request.
func (l *Ledger) Consume(ctx context.Context, accountID AccountID, amount int64, description string) (*ConsumeResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: consume amount must be positive, got %d", ErrInvalidArgument, amount)
	}

	var result *ConsumeResult
	err := l.store.WithTx(ctx, func(s Store) error {
		now := time.Now().UTC()

		acct, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return &InsufficientBalanceError{
				AccountID: accountID,
				Available: acct.Balance,
				Requested: amount,
			}
		}

		eligible, err := s.EligibleEntries(ctx, accountID, now)
		if err != nil {
			return fmt.Errorf("load eligible entries: %w", err)
		}

		// FIFO walk: spend the oldest grants down first.
		need := amount
		var consumed []Entry
		for i := range eligible {
			if need == 0 {
				break
			}
			e := eligible[i]
			take := e.RemainingAmount
			if take > need {
				take = need
			}
			e.RemainingAmount -= take
			if err := s.UpdateEntryRemaining(ctx, e.ID, e.RemainingAmount, now); err != nil {
				return fmt.Errorf("debit entry %s: %w", e.ID, err)
			}
			need -= take
			e.UpdatedAt = now
			consumed = append(consumed, e)
		}
		if need > 0 {
			// The balance check passed but the entry log cannot cover the
			// amount: the balance cache already drifted from the entry
			// log upstream. Roll back loudly.
			return &ConsistencyError{AccountID: accountID, Requested: amount, Shortfall: need}
		}

		newBalance, err := s.DebitBalance(ctx, accountID, amount, now)
		if err != nil {
			return err
		}

		// Usage entries record the debit with remaining 0; the amount > 0
		// filter in EligibleEntries keeps them non-consumable regardless.
		usage := &Entry{
			ID:              NewEntryID(),
			AccountID:       accountID,
			Amount:          -amount,
			RemainingAmount: 0,
			Kind:            KindUsage,
			Description:     description,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.InsertEntry(ctx, usage); err != nil {
			return fmt.Errorf("insert usage entry: %w", err)
		}

		result = &ConsumeResult{Consumed: consumed, UsageEntry: usage, NewBalance: newBalance}
		return nil
	})
	if err != nil {
		if IsClientError(err) {
			consumesDenied.Inc()
		}
		return nil, err
	}

	consumesTotal.Inc()
	creditsConsumed.Add(float64(amount))
	log.Debug().
		Str("account", string(accountID)).
		Int64("amount", amount).
		Int64("balance", result.NewBalance).
		Int("entries", len(result.Consumed)).
		Msg("credits consumed")
	return result, nil
}

// =============================================================================
// EXPIRATION SWEEP
// =============================================================================

// SweepExpired finalizes every entry whose expiration passed before now:
// remaining zeroed, expiration marked processed, balance decremented by the
// pre-sweep remaining. Idempotent: a second sweep with the same now is a
// no-op.
func (l *Ledger) SweepExpired(ctx context.Context, accountID AccountID, now time.Time) (*SweepResult, error) {
	var result *SweepResult
	err := l.store.WithTx(ctx, func(s Store) error {
		r, err := l.sweepTx(ctx, s, accountID, now)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.SweptEntries > 0 {
		entriesSwept.Add(float64(result.SweptEntries))
		creditsExpired.Add(float64(result.ExpiredCredits))
		log.Info().
			Str("account", string(accountID)).
			Int("entries", result.SweptEntries).
			Int64("expired", result.ExpiredCredits).
			Msg("expired credits swept")
	}
	return result, nil
}

// sweepTx runs the sweep inside the caller's transaction.
// Processing order: MONTHLY_REFRESH entries first, then other kinds,
// oldest created first within a kind. The order is a behavioral contract.
func (l *Ledger) sweepTx(ctx context.Context, s Store, accountID AccountID, now time.Time) (*SweepResult, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	expired, err := s.ExpiredEntries(ctx, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("load expired entries: %w", err)
	}

	result := &SweepResult{}
	for _, e := range expired {
		if err := s.FinalizeEntryExpiration(ctx, e.ID, now); err != nil {
			return nil, fmt.Errorf("finalize entry %s: %w", e.ID, err)
		}
		balance, err := s.AddBalance(ctx, accountID, -e.RemainingAmount, now)
		if err != nil {
			return nil, fmt.Errorf("debit expired credits: %w", err)
		}
		result.SweptEntries++
		result.ExpiredCredits += e.RemainingAmount
		result.NewBalance = balance
	}
	if result.SweptEntries == 0 {
		acct, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		result.NewBalance = acct.Balance
	}
	return result, nil
}

// SweepDueAccounts sweeps up to limit accounts holding expired unprocessed
// entries at now. Used by the background sweeper so balances converge even
// for accounts that never touch EnsureMonthlyRefresh. Returns how many
// accounts were swept.
func (l *Ledger) SweepDueAccounts(ctx context.Context, now time.Time, limit int) (int, error) {
	accounts, err := l.store.AccountsWithExpiredEntries(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list sweep candidates: %w", err)
	}
	swept := 0
	for _, id := range accounts {
		if _, err := l.SweepExpired(ctx, id, now); err != nil {
			// Per-account transactions are independent; keep going.
			log.Warn().Err(err).Str("account", string(id)).Msg("sweep failed")
			continue
		}
		swept++
	}
	return swept, nil
}

// =============================================================================
// MONTHLY REFRESH
// =============================================================================

// EnsureMonthlyRefresh grants the free monthly credits if the account's
// refresh window has elapsed, sweeping expired entries first, and returns
// the current balance. The common path (window not elapsed) is a single
// read. Safe to call on every request and under concurrent calls: the
// refresh claim is conditional, so at most one grant happens per window.
func (l *Ledger) EnsureMonthlyRefresh(ctx context.Context, accountID AccountID, now time.Time) (int64, error) {
	// Cheap no-op path, outside any transaction.
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !acct.RefreshDue(now, l.settings.RefreshInterval) {
		return acct.Balance, nil
	}

	var balance int64
	granted := false
	err = l.store.WithTx(ctx, func(s Store) error {
		// Stale grants are cleared before the new grant is added.
		if _, err := l.sweepTx(ctx, s, accountID, now); err != nil {
			return err
		}

		cutoff := now.Add(-l.settings.RefreshInterval)
		claimed, err := s.ClaimRefresh(ctx, accountID, now, cutoff)
		if err != nil {
			return fmt.Errorf("claim refresh: %w", err)
		}
		if !claimed {
			// A concurrent caller refreshed first; read the balance they left.
			current, err := s.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			balance = current.Balance
			return nil
		}

		expiry := now.Add(l.settings.RefreshInterval)
		_, newBalance, err := l.grantTx(ctx, s, accountID, l.settings.FreeMonthlyCredits,
			KindMonthlyRefresh, "Free monthly credits", &expiry, "", now)
		if err != nil {
			return err
		}
		balance = newBalance
		granted = true
		return nil
	})
	if err != nil {
		return 0, err
	}

	if granted {
		refreshesTotal.Inc()
		grantsTotal.WithLabelValues(string(KindMonthlyRefresh)).Inc()
		creditsGranted.WithLabelValues(string(KindMonthlyRefresh)).Add(float64(l.settings.FreeMonthlyCredits))
		log.Info().
			Str("account", string(accountID)).
			Int64("credits", l.settings.FreeMonthlyCredits).
			Int64("balance", balance).
			Msg("monthly credits granted")
	}
	return balance, nil
}

// =============================================================================
// HISTORY
// =============================================================================

// ListEntries returns one page of the account's history, newest entries
// first. pageSize is clamped to the configured bounds; pageSize <= 0 means
// the default. page starts at 1.
func (l *Ledger) ListEntries(ctx context.Context, accountID AccountID, page, pageSize int) (*EntryPage, error) {
	if page < 1 {
		return nil, fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidArgument, page)
	}
	if pageSize <= 0 {
		pageSize = l.settings.PageSizeDefault
	}
	if pageSize < l.settings.PageSizeMin {
		pageSize = l.settings.PageSizeMin
	}
	if pageSize > l.settings.PageSizeMax {
		pageSize = l.settings.PageSizeMax
	}

	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	entries, total, err := l.store.ListEntries(ctx, accountID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	pageCount := (total + pageSize - 1) / pageSize
	return &EntryPage{
		Entries:    entries,
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		PageCount:  pageCount,
	}, nil
}

// =============================================================================
// CONSISTENCY CHECK
// =============================================================================

// CheckBalance verifies the balance invariant for the account: the cached
// balance must equal the sum of remaining amounts over non-finalized grant
// entries.
// Returns a ConsistencyError on drift.
func (l *Ledger) CheckBalance(ctx context.Context, accountID AccountID) error {
	var drift int64
	err := l.store.WithTx(ctx, func(s Store) error {
		acct, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		derived, err := s.GrantRemainingTotal(ctx, accountID)
		if err != nil {
			return fmt.Errorf("sum remaining: %w", err)
		}
		drift = acct.Balance - derived
		return nil
	})
	if err != nil {
		return err
	}
	if drift != 0 {
		return &ConsistencyError{AccountID: accountID, Shortfall: drift}
	}
	return nil
}
