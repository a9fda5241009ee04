/*
Package sqlite provides the SQLite-backed implementation of credit.TxStore.

PURPOSE:
  Durable storage for accounts and ledger entries. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  accounts:       id, denormalized balance, last_refresh_at
  ledger_entries: append-only except for remaining_amount and
                  expiration_processed_at (the only mutations the
                  engine performs; rows are never deleted)

INDEXES:
  idx_entries_fifo:    partial index on consumable grants (hot path of
                       every Consume)
  idx_entries_sweep:   partial index on unprocessed expiring entries
  idx_entries_history: newest-first history pagination

TIMESTAMPS:
  Stored as INTEGER Unix nanoseconds (UTC). Expirations can be
  sub-second, so text timestamps at second granularity would make
  "expiration_at < now" lie; integer nanos compare exactly.

CONCURRENCY:
  Opened with WAL and a busy timeout. A process-level mutex serializes
  WithTx writers; readers don't block. The conditional UPDATEs
  (DebitBalance, ClaimRefresh) are the cross-process guard.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

  ledger := credit.NewLedger(store, credit.DefaultSettings())

SEE ALSO:
  - credit/store.go: interface definitions
  - store/memory/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/credit-ledger/credit"
)

// Store implements credit.TxStore using SQLite.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

var _ credit.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps in-memory databases coherent and sidesteps
	// writer contention between pooled connections.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, queries: queries{db: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (one per user)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0,
		last_refresh_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Ledger entries: never deleted; only remaining_amount and
	-- expiration_processed_at are ever updated.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		amount INTEGER NOT NULL,
		remaining_amount INTEGER NOT NULL,
		kind TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		expiration_at INTEGER,
		expiration_processed_at INTEGER,
		payment_reference TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		CHECK (amount <= 0 OR (remaining_amount >= 0 AND remaining_amount <= amount))
	);

	-- FIFO consumption hot path
	CREATE INDEX IF NOT EXISTS idx_entries_fifo
		ON ledger_entries(account_id, created_at, id)
		WHERE amount > 0 AND remaining_amount > 0 AND expiration_processed_at IS NULL;

	-- Expiration sweep hot path
	CREATE INDEX IF NOT EXISTS idx_entries_sweep
		ON ledger_entries(account_id, expiration_at)
		WHERE expiration_at IS NOT NULL AND expiration_processed_at IS NULL AND remaining_amount > 0;

	-- History pagination (newest first)
	CREATE INDEX IF NOT EXISTS idx_entries_history
		ON ledger_entries(account_id, created_at DESC, id DESC);

	-- Payment lookups for webhook reconciliation
	CREATE INDEX IF NOT EXISTS idx_entries_payment_reference
		ON ledger_entries(payment_reference)
		WHERE payment_reference != '';
	`

	_, err := s.db.Exec(schema)
	return err
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// QUERIES - credit.Store over either *sql.DB or *sql.Tx
// =============================================================================

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	db dbtx
}

var _ credit.Store = (*queries)(nil)

func (q *queries) UpsertAccount(ctx context.Context, id credit.AccountID, now time.Time) (*credit.Account, error) {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, string(id), nanos(now), nanos(now))
	if err != nil {
		return nil, fmt.Errorf("upsert account: %w", err)
	}
	return q.GetAccount(ctx, id)
}

func (q *queries) GetAccount(ctx context.Context, id credit.AccountID) (*credit.Account, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, balance, last_refresh_at, created_at, updated_at
		FROM accounts WHERE id = ?
	`, string(id))

	var a credit.Account
	var lastRefresh sql.NullInt64
	var createdAt, updatedAt int64
	if err := row.Scan(&a.ID, &a.Balance, &lastRefresh, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, credit.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.LastRefreshAt = timePtr(lastRefresh)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return &a, nil
}

func (q *queries) AddBalance(ctx context.Context, id credit.AccountID, delta int64, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ?
	`, delta, nanos(now), string(id))
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, credit.ErrAccountNotFound
	}
	return q.balance(ctx, id)
}

func (q *queries) DebitBalance(ctx context.Context, id credit.AccountID, amount int64, now time.Time) (int64, error) {
	// Conditional decrement: never lets two writers overdraw against a
	// stale balance read.
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET balance = balance - ?, updated_at = ?
		WHERE id = ? AND balance >= ?
	`, amount, nanos(now), string(id), amount)
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.GetAccount(ctx, id); err != nil {
			return 0, err
		}
		return 0, credit.ErrConcurrentModification
	}
	return q.balance(ctx, id)
}

func (q *queries) ClaimRefresh(ctx context.Context, id credit.AccountID, now, cutoff time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE accounts SET last_refresh_at = ?, updated_at = ?
		WHERE id = ? AND (last_refresh_at IS NULL OR last_refresh_at <= ?)
	`, nanos(now), nanos(now), string(id), nanos(cutoff))
	if err != nil {
		return false, fmt.Errorf("claim refresh: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := q.GetAccount(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (q *queries) balance(ctx context.Context, id credit.AccountID) (int64, error) {
	var balance int64
	err := q.db.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, string(id)).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, credit.ErrAccountNotFound
		}
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// =============================================================================
// ENTRIES
// =============================================================================

const entryColumns = `id, account_id, amount, remaining_amount, kind, description,
	expiration_at, expiration_processed_at, payment_reference, created_at, updated_at`

func (q *queries) InsertEntry(ctx context.Context, e *credit.Entry) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(e.ID),
		string(e.AccountID),
		e.Amount,
		e.RemainingAmount,
		string(e.Kind),
		e.Description,
		nanosOrNull(e.ExpirationAt),
		nanosOrNull(e.ExpirationProcessedAt),
		e.PaymentReference,
		nanos(e.CreatedAt),
		nanos(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (q *queries) UpdateEntryRemaining(ctx context.Context, id credit.EntryID, remaining int64, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE ledger_entries SET remaining_amount = ?, updated_at = ? WHERE id = ?
	`, remaining, nanos(now), string(id))
	if err != nil {
		return fmt.Errorf("update entry remaining: %w", err)
	}
	return nil
}

func (q *queries) FinalizeEntryExpiration(ctx context.Context, id credit.EntryID, now time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE ledger_entries
		SET expiration_processed_at = ?, remaining_amount = 0, updated_at = ?
		WHERE id = ? AND expiration_processed_at IS NULL
	`, nanos(now), nanos(now), string(id))
	if err != nil {
		return fmt.Errorf("finalize entry expiration: %w", err)
	}
	return nil
}

func (q *queries) EligibleEntries(ctx context.Context, id credit.AccountID, now time.Time) ([]credit.Entry, error) {
	// Pure FIFO: oldest first, ULID as tie-break. This is the consumption
	// ordering contract.
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = ?
		  AND amount > 0
		  AND remaining_amount > 0
		  AND expiration_processed_at IS NULL
		  AND (expiration_at IS NULL OR expiration_at > ?)
		ORDER BY created_at ASC, id ASC
	`, string(id), nanos(now))
	if err != nil {
		return nil, fmt.Errorf("select eligible entries: %w", err)
	}
	return scanEntries(rows)
}

func (q *queries) ExpiredEntries(ctx context.Context, id credit.AccountID, now time.Time) ([]credit.Entry, error) {
	// Sweep order: monthly refresh grants first, then other kinds, oldest
	// first within a kind.
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = ?
		  AND expiration_at IS NOT NULL
		  AND expiration_at < ?
		  AND expiration_processed_at IS NULL
		  AND remaining_amount > 0
		ORDER BY CASE WHEN kind = ? THEN 0 ELSE 1 END, created_at ASC, id ASC
	`, string(id), nanos(now), string(credit.KindMonthlyRefresh))
	if err != nil {
		return nil, fmt.Errorf("select expired entries: %w", err)
	}
	return scanEntries(rows)
}

func (q *queries) ListEntries(ctx context.Context, id credit.AccountID, limit, offset int) ([]credit.Entry, int, error) {
	var total int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE account_id = ?`, string(id)).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, string(id), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("select entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (q *queries) GrantRemainingTotal(ctx context.Context, id credit.AccountID) (int64, error) {
	var sum int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(remaining_amount), 0)
		FROM ledger_entries
		WHERE account_id = ? AND amount > 0 AND expiration_processed_at IS NULL
	`, string(id)).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum remaining: %w", err)
	}
	return sum, nil
}

func (q *queries) AccountsWithExpiredEntries(ctx context.Context, now time.Time, limit int) ([]credit.AccountID, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT DISTINCT account_id
		FROM ledger_entries
		WHERE expiration_at IS NOT NULL
		  AND expiration_at < ?
		  AND expiration_processed_at IS NULL
		  AND remaining_amount > 0
		ORDER BY account_id
		LIMIT ?
	`, nanos(now), limit)
	if err != nil {
		return nil, fmt.Errorf("select sweep candidates: %w", err)
	}
	defer rows.Close()

	var out []credit.AccountID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		out = append(out, credit.AccountID(id))
	}
	return out, rows.Err()
}

// =============================================================================
// SCAN / TIME HELPERS
// =============================================================================

func scanEntries(rows *sql.Rows) ([]credit.Entry, error) {
	defer rows.Close()

	var out []credit.Entry
	for rows.Next() {
		var e credit.Entry
		var expirationAt, processedAt sql.NullInt64
		var createdAt, updatedAt int64
		err := rows.Scan(
			&e.ID, &e.AccountID, &e.Amount, &e.RemainingAmount, &e.Kind,
			&e.Description, &expirationAt, &processedAt, &e.PaymentReference,
			&createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.ExpirationAt = timePtr(expirationAt)
		e.ExpirationProcessedAt = timePtr(processedAt)
		e.CreatedAt = fromNanos(createdAt)
		e.UpdatedAt = fromNanos(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nanosOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
