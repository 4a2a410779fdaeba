/*
Package sqlite provides a SQLite-backed implementation of the loyalty
storage interfaces.

PURPOSE:
  Implements loyalty.TxStore and loyalty.SettingsStore on SQLite through
  mattn/go-sqlite3. The schema mirrors the engine's data model one table
  per entity.

INTERFACES IMPLEMENTED:
  loyalty.TxStore:       Ledgers, catalog, purchases, referrals, WithTx
  loyalty.SettingsStore: Key/value settings table

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE on wallet_transactions or branch_coin_transactions
  - Corrections are new rows (ADMIN_DEBIT, ADMIN_RESET, EXPIRY)
  - The only UPDATEs are customers.is_blocked and the referral
    pending -> paid transition

KEY TABLES:
  customers:                 Customers and their referral codes
  branches:                  Branches and optional settings overrides
  purchases:                 Settled purchases, UNIQUE(branch_id, invoice_no)
  wallet_transactions:       Customer coin ledger, idempotency_key UNIQUE
  branch_coin_transactions:  Branch allowance ledger
  referral_rewards:          One per referred customer
  settings:                  key -> value

TRANSACTIONS:
  WithTx opens one database transaction (BEGIN IMMEDIATE via _txlock) and
  hands fn a store whose reads and writes all run on that transaction. A
  store mutex additionally serializes WithTx callers inside the process.

REFERRAL CAS:
  MarkReferralPaid is
    UPDATE referral_rewards SET status='paid' ... WHERE id=? AND status='pending'
  and reports RowsAffected() == 1. A second caller sees 0 rows and backs off.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.NewEngine(store, settings)

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// Store implements loyalty.TxStore and loyalty.SettingsStore.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var (
	_ loyalty.TxStore       = (*Store)(nil)
	_ loyalty.SettingsStore = (*Store)(nil)
	_ loyalty.Store         = (*queries)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, queries: &queries{db: db}}
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

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		referral_code TEXT NOT NULL UNIQUE,
		is_blocked INTEGER NOT NULL DEFAULT 0,
		referred_by TEXT REFERENCES customers(id),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS branches (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		custom_coin_percent TEXT,
		custom_max_coins_per_bill INTEGER,
		custom_max_redeem_percent TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL REFERENCES branches(id),
		customer_id TEXT NOT NULL REFERENCES customers(id),
		bill_amount TEXT NOT NULL,
		invoice_no TEXT NOT NULL,
		category TEXT,
		payment_method TEXT,
		earned_coins INTEGER NOT NULL,
		redeemed_coins INTEGER NOT NULL,
		welcome_bonus_coins INTEGER NOT NULL,
		final_payable TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (branch_id, invoice_no)
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_customer
		ON purchases(customer_id);

	-- Append-only customer ledger
	CREATE TABLE IF NOT EXISTS wallet_transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL REFERENCES customers(id),
		coins INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		branch_id TEXT REFERENCES branches(id),
		purchase_id TEXT,
		expires_at TEXT,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	-- Balance fold (hot path)
	CREATE INDEX IF NOT EXISTS idx_wallet_customer
		ON wallet_transactions(customer_id);
	-- Branch availability fold
	CREATE INDEX IF NOT EXISTS idx_wallet_branch
		ON wallet_transactions(branch_id) WHERE branch_id IS NOT NULL;

	-- Append-only branch allowance ledger
	CREATE TABLE IF NOT EXISTS branch_coin_transactions (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL REFERENCES branches(id),
		coins INTEGER NOT NULL,
		reason TEXT,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_branch_coins_branch
		ON branch_coin_transactions(branch_id);

	CREATE TABLE IF NOT EXISTS referral_rewards (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL REFERENCES customers(id),
		new_customer_id TEXT NOT NULL UNIQUE REFERENCES customers(id),
		referrer_coins INTEGER NOT NULL,
		new_customer_coins INTEGER NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'paid')),
		first_purchase_id TEXT,
		created_at TEXT NOT NULL,
		paid_at TEXT
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.TxStore interface)
// =============================================================================

// WithTx executes fn within one database transaction. Every read fn makes
// through the given store runs on that transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{db: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit transaction", err)
	}
	return nil
}

// AppendWallet writes the batch in its own transaction so it lands
// all-or-nothing.
func (s *Store) AppendWallet(ctx context.Context, txs ...loyalty.WalletTransaction) error {
	return s.WithTx(ctx, func(st loyalty.Store) error {
		return st.AppendWallet(ctx, txs...)
	})
}

// =============================================================================
// SETTINGS (loyalty.SettingsStore interface)
// =============================================================================

func (s *Store) LoadSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, storeErr("load settings", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storeErr("scan setting", err)
		}
		values[k] = v
	}
	return values, rows.Err()
}

// SaveSettings upserts the given keys. Keys not mentioned are kept.
func (s *Store) SaveSettings(ctx context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	for k, v := range values {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v)
		if err != nil {
			return storeErr("save setting "+k, err)
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return storeErr("commit settings", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"wallet_transactions",
		"branch_coin_transactions",
		"referral_rewards",
		"purchases",
		"customers",
		"branches",
		"settings",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return storeErr("reset "+table, err)
		}
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullCoins(c *loyalty.Coins) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal %q: %w", s, err)
	}
	return d, nil
}

// storeErr marks an infrastructure failure as retryable.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, loyalty.ErrStoreFailure, err)
}

func constraintCode(err error) sqlite3.ErrNoExtended {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return se.ExtendedCode
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	code := constraintCode(err)
	return code == sqlite3.ErrConstraintUnique || code == sqlite3.ErrConstraintPrimaryKey
}

func isForeignKeyError(err error) bool {
	return constraintCode(err) == sqlite3.ErrConstraintForeignKey
}

// uniqueOn reports which column a UNIQUE failure names, e.g.
// "UNIQUE constraint failed: purchases.branch_id, purchases.invoice_no".
func uniqueOn(err error, column string) bool {
	return strings.Contains(err.Error(), column)
}
