package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "possync-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	s, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("New() error = %v", err)
	}

	return s, func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestNew(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "possync-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	s, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	dbPath := filepath.Join(tmpDir, "possync.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if s.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewWithTildeExpansion(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.possync-test")
	expected := filepath.Join(home, ".possync-test")
	if expanded != expected {
		t.Errorf("expandPath(~/.possync-test) = %s, want %s", expanded, expected)
	}
}

func TestSchemaTablesExist(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()

	tables := []string{
		"products", "product_barcodes", "inventory", "inventory_changes",
		"employees", "transactions", "transaction_items", "payments",
		"outbox", "inbox_processed",
	}
	for _, tbl := range tables {
		var name string
		err := s.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", tbl).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", tbl, err)
		}
	}
}

// TestTxRollsBackOutboxRow exercises invariant 1: a rolled-back
// transaction leaves neither the business write nor its outbox row
// committed.
func TestTxRollsBackOutboxRow(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	emp := &Employee{ID: "emp-1", Code: "E1", Active: true}
	if err := UpsertEmployee(ctx, s.execer(), emp); err != nil {
		t.Fatalf("seed employee: %v", err)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	txn := &Transaction{ID: "txn-rollback", Number: "T-1", EmployeeID: emp.ID, TotalCents: 1000, OriginTerminalID: "term-1"}
	if err := CreateTransaction(ctx, tx.tx, txn, nil, nil); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if err := InsertOutboxRow(ctx, tx.tx, &OutboxRow{ID: "ob-1", Topic: TopicTransactionNew, Payload: []byte("{}")}); err != nil {
		t.Fatalf("InsertOutboxRow() error = %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	if _, err := s.GetTransaction(ctx, "txn-rollback"); err != ErrNotFound {
		t.Errorf("expected transaction to be rolled back, got err = %v", err)
	}
	if _, err := s.GetOutboxRow(ctx, "ob-1"); err != ErrNotFound {
		t.Errorf("expected outbox row to be rolled back, got err = %v", err)
	}
}

// TestTxCommitsTogether exercises the positive side of invariant 1: the
// business write and its outbox row land atomically.
func TestTxCommitsTogether(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	emp := &Employee{ID: "emp-1", Code: "E1", Active: true}
	if err := UpsertEmployee(ctx, s.execer(), emp); err != nil {
		t.Fatalf("seed employee: %v", err)
	}

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	txn := &Transaction{ID: "txn-commit", Number: "T-2", EmployeeID: emp.ID, TotalCents: 2160, OriginTerminalID: "term-1"}
	if err := CreateTransaction(ctx, tx.tx, txn, nil, nil); err != nil {
		t.Fatalf("CreateTransaction() error = %v", err)
	}
	if err := InsertOutboxRow(ctx, tx.tx, &OutboxRow{ID: "ob-2", Topic: TopicTransactionNew, Payload: []byte("{}")}); err != nil {
		t.Fatalf("InsertOutboxRow() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := s.GetTransaction(ctx, "txn-commit")
	if err != nil {
		t.Fatalf("GetTransaction() error = %v", err)
	}
	if got.TotalCents != 2160 {
		t.Errorf("TotalCents = %d, want 2160", got.TotalCents)
	}

	row, err := s.GetOutboxRow(ctx, "ob-2")
	if err != nil {
		t.Fatalf("GetOutboxRow() error = %v", err)
	}
	if row.Status != OutboxPending {
		t.Errorf("outbox row status = %q, want pending", row.Status)
	}
}
