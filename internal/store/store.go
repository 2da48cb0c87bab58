// Package store provides the embedded transactional store for a POS
// terminal: business tables plus the outbox and inbox_processed tables
// that back the replication pipeline.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
	ErrClosed    = errors.New("store: closed")
)

// Config holds store configuration.
type Config struct {
	DataDir string
}

// Store is the embedded relational store for one terminal.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// New opens (creating if necessary) the terminal's embedded store, with
// write-ahead-logging for crash safety, NORMAL sync level, and foreign-key
// enforcement on.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "possync.db")

	dsn := dbPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer; readers proceed concurrently through
	// WAL, but we still force a single *sql.DB connection so "at most one
	// writer at a time" is enforced without extra locking in this package.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, dbPath: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for read-only queries
// outside a transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Tx is a scoped transactional handle guaranteeing all-or-nothing commit
// of every write performed through it.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a new transaction. At most one writer may be mid-transaction
// at a time; Begin blocks (bounded by ctx) until any prior writer commits
// or rolls back.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Commit commits all writes performed through the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback aborts the transaction. Calling Rollback after Commit is a
// no-op error that callers should ignore via a deferred call, matching the
// claim-then-rollback-on-early-return pattern used throughout this
// package.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// ExecContext runs a write statement within the transaction. Together with
// QueryContext and QueryRowContext it lets the package's free write
// helpers (CreateTransaction, InsertOutboxRow, ...) accept a *Tx from
// callers in other packages.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query within the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query within the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// execer is implemented by both *sql.DB and *sql.Tx, letting read/write
// helpers below run either standalone or as part of a caller's
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer() execer { return s.db }
func (t *Tx) execer() execer    { return t.tx }

// isUniqueViolation reports whether err is a SQLite uniqueness-constraint
// failure. Per spec, a unique violation on outbox/inbox insert is a benign
// duplicate, not an error; all other constraint failures abort the
// enclosing transaction.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 reports this as *sqlite3.Error with ExtendedCode
	// ErrConstraintUnique/ErrConstraintPrimaryKey; string-matching avoids a
	// direct type-assertion dependency on driver internals leaking beyond
	// this one predicate.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed")
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		size TEXT NOT NULL,
		cost_cents INTEGER NOT NULL DEFAULT 0,
		retail_price_cents INTEGER NOT NULL DEFAULT 0,
		parent_product_id TEXT REFERENCES products(id),
		units_per_parent INTEGER NOT NULL DEFAULT 1,
		loyalty_multiplier REAL NOT NULL DEFAULT 1.0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_products_parent ON products(parent_product_id);

	CREATE TABLE IF NOT EXISTS product_barcodes (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		barcode TEXT UNIQUE NOT NULL,
		is_primary INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_barcodes_product ON product_barcodes(product_id);

	CREATE TABLE IF NOT EXISTS inventory (
		product_id TEXT PRIMARY KEY REFERENCES products(id),
		current_stock INTEGER NOT NULL DEFAULT 0,
		reserved_stock INTEGER NOT NULL DEFAULT 0,
		last_updated INTEGER NOT NULL,
		last_synced INTEGER
	);

	CREATE TABLE IF NOT EXISTS inventory_changes (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL REFERENCES products(id),
		change_type TEXT NOT NULL,
		delta INTEGER NOT NULL,
		resulting_stock INTEGER NOT NULL,
		origin_terminal_id TEXT NOT NULL,
		origin_employee_id TEXT,
		transaction_id TEXT,
		item_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inv_changes_product ON inventory_changes(product_id, created_at);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		code TEXT UNIQUE NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		pin_hash TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		can_override_price INTEGER NOT NULL DEFAULT 0,
		can_void_transaction INTEGER NOT NULL DEFAULT 0,
		is_manager INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		txn_number TEXT UNIQUE NOT NULL,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		customer_id TEXT,
		subtotal_cents INTEGER NOT NULL,
		tax_cents INTEGER NOT NULL,
		discount_cents INTEGER NOT NULL DEFAULT 0,
		total_cents INTEGER NOT NULL,
		points_earned INTEGER NOT NULL DEFAULT 0,
		points_redeemed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		sales_channel TEXT NOT NULL DEFAULT '',
		origin_terminal_id TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		original_transaction_id TEXT REFERENCES transactions(id),
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_txn_employee ON transactions(employee_id);
	CREATE INDEX IF NOT EXISTS idx_txn_origin ON transactions(original_transaction_id);

	CREATE TABLE IF NOT EXISTS transaction_items (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		product_id TEXT NOT NULL REFERENCES products(id),
		quantity INTEGER NOT NULL,
		unit_price_cents INTEGER NOT NULL,
		discount_cents INTEGER NOT NULL DEFAULT 0,
		total_price_cents INTEGER NOT NULL,
		discount_reason TEXT NOT NULL DEFAULT '',
		returned INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_items_txn ON transaction_items(transaction_id);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL REFERENCES transactions(id),
		method TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		last4 TEXT NOT NULL DEFAULT '',
		card_type TEXT NOT NULL DEFAULT '',
		auth_code TEXT NOT NULL DEFAULT '',
		tendered_cents INTEGER,
		change_cents INTEGER,
		gift_card_id TEXT NOT NULL DEFAULT '',
		points_used INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_payments_txn ON payments(transaction_id);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		peer_acked_at INTEGER,
		cloud_acked_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_status_id ON outbox(status, id);

	CREATE TABLE IF NOT EXISTS inbox_processed (
		message_id TEXT PRIMARY KEY,
		source_terminal TEXT NOT NULL,
		topic TEXT NOT NULL,
		payload BLOB,
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_inbox_processed_at ON inbox_processed(processed_at);

	CREATE TABLE IF NOT EXISTS discount_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		applies_to_category TEXT NOT NULL DEFAULT '',
		applies_to_product_id TEXT,
		discount_type TEXT NOT NULL,
		percent_off REAL NOT NULL DEFAULT 0,
		amount_off_cents INTEGER NOT NULL DEFAULT 0,
		min_quantity INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pos_config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		phone TEXT UNIQUE NOT NULL,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		loyalty_points INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
