package supervisor

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/laneforge/possync/internal/store"
)

// freePort reserves an ephemeral port and releases it for the terminal
// under test to bind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func terminalConfig(t *testing.T, id string, port int, peerPorts ...int) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TerminalID = id
	cfg.Port = port
	cfg.DataDir = filepath.Join(t.TempDir(), id)
	cfg.BackoffBase = 200 * time.Millisecond
	for _, p := range peerPorts {
		cfg.PeerURLs = append(cfg.PeerURLs, fmt.Sprintf("ws://127.0.0.1:%d/peer", p))
	}
	return cfg
}

func startTerminal(t *testing.T, cfg *Config) *Supervisor {
	t.Helper()
	sup, err := New(cfg)
	if err != nil {
		t.Fatalf("New(%s) error = %v", cfg.TerminalID, err)
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start(%s) error = %v", cfg.TerminalID, err)
	}
	return sup
}

func seedTerminal(t *testing.T, sup *Supervisor, stock int64) {
	t.Helper()
	ctx := context.Background()
	st := sup.Store()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := store.UpsertEmployee(ctx, tx, &store.Employee{ID: "emp-1", Code: "E1", Active: true}); err != nil {
		t.Fatalf("seed employee: %v", err)
	}
	if err := store.UpsertProduct(ctx, tx, &store.Product{
		ID: "p1", SKU: "SKU-p1", Name: "House Red",
		Category: store.CategoryWine, Size: store.Size750ml, UnitsPerParent: 1, Active: true,
	}); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if err := store.SetInventory(ctx, tx, &store.Inventory{ProductID: "p1", Current: stock}); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func recordTestSale(t *testing.T, sup *Supervisor, qty int64) string {
	t.Helper()
	txn, err := sup.Recorder().RecordSale(context.Background(),
		&store.Transaction{
			EmployeeID:    "emp-1",
			SubtotalCents: qty * 1000,
			TaxCents:      qty * 80,
			TotalCents:    qty*1000 + qty*80,
		},
		[]store.TransactionItem{{ProductID: "p1", Quantity: qty, UnitPriceCents: 1000, TotalPriceCents: qty * 1000}},
		[]store.Payment{{Method: store.PayCash, AmountCents: qty*1000 + qty*80}},
	)
	if err != nil {
		t.Fatalf("RecordSale() error = %v", err)
	}
	return txn.ID
}

func waitFor(t *testing.T, timeout time.Duration, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", desc)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func outboxAllAtStatus(t *testing.T, sup *Supervisor, status store.OutboxStatus) bool {
	t.Helper()
	stats, err := sup.Store().OutboxStats(context.Background())
	if err != nil {
		return false
	}
	total := 0
	for _, n := range stats {
		total += n
	}
	return total > 0 && stats[status] == total
}

// TestBasicPeerSync is scenario S1: a sale on L1 reaches L2 within a
// drain tick of both terminals being connected, and the outbox rows
// advance to peer_ack.
func TestBasicPeerSync(t *testing.T) {
	port1, port2 := freePort(t), freePort(t)
	sup1 := startTerminal(t, terminalConfig(t, "L1", port1, port2))
	defer sup1.Stop()
	sup2 := startTerminal(t, terminalConfig(t, "L2", port2, port1))
	defer sup2.Stop()

	seedTerminal(t, sup1, 100)
	seedTerminal(t, sup2, 100)

	waitFor(t, 10*time.Second, "mesh up", func() bool {
		return sup1.ConnectedPeers() == 1 && sup2.ConnectedPeers() == 1
	})

	txnID := recordTestSale(t, sup1, 2)

	ctx := context.Background()
	waitFor(t, 10*time.Second, "sale replicated to L2", func() bool {
		_, err := sup2.Store().GetTransaction(ctx, txnID)
		return err == nil
	})
	waitFor(t, 10*time.Second, "L1 rows peer_ack", func() bool {
		return outboxAllAtStatus(t, sup1, store.OutboxPeerAck)
	})

	// At-least-one-peer durability: every peer_ack row's id is in L2's
	// inbox.
	rows, err := sup1.Store().GetPendingOutbox(ctx, store.OutboxPeerAck, 100)
	if err != nil {
		t.Fatalf("GetPendingOutbox() error = %v", err)
	}
	for _, row := range rows {
		processed, err := sup2.Store().HasProcessed(ctx, row.ID)
		if err != nil || !processed {
			t.Errorf("peer_ack row %s not in L2 inbox_processed", row.ID)
		}
	}

	// The inventory delta applied on L2 too.
	waitFor(t, 10*time.Second, "L2 inventory updated", func() bool {
		inv, err := sup2.Store().GetInventory(ctx, "p1")
		return err == nil && inv.Current == 98
	})
}

// TestReplayOnRestart is scenario S2: sales recorded while L2 is down
// replicate after L2 restarts over the same store.
func TestReplayOnRestart(t *testing.T) {
	port1, port2 := freePort(t), freePort(t)
	cfg1 := terminalConfig(t, "L1", port1, port2)
	cfg2 := terminalConfig(t, "L2", port2, port1)

	sup1 := startTerminal(t, cfg1)
	defer sup1.Stop()
	sup2 := startTerminal(t, cfg2)

	seedTerminal(t, sup1, 100)
	seedTerminal(t, sup2, 100)

	waitFor(t, 10*time.Second, "mesh up", func() bool {
		return sup1.ConnectedPeers() == 1
	})

	// Kill L2, sell 3 on L1.
	if err := sup2.Stop(); err != nil {
		t.Fatalf("Stop(L2) error = %v", err)
	}

	var txnIDs []string
	for i := 0; i < 3; i++ {
		txnIDs = append(txnIDs, recordTestSale(t, sup1, 1))
	}

	// Restart L2 over the same data directory and port.
	sup2 = startTerminal(t, cfg2)
	defer sup2.Stop()

	ctx := context.Background()
	waitFor(t, 15*time.Second, "all sales on L2 after restart", func() bool {
		for _, id := range txnIDs {
			if _, err := sup2.Store().GetTransaction(ctx, id); err != nil {
				return false
			}
		}
		return true
	})
	waitFor(t, 15*time.Second, "L1 rows peer_ack", func() bool {
		return outboxAllAtStatus(t, sup1, store.OutboxPeerAck)
	})
}

// TestConcurrentSalesConverge is the message-flow half of scenario S6:
// concurrent sales on both lanes converge through inventory:update
// deltas once both directions drain.
func TestConcurrentSalesConverge(t *testing.T) {
	port1, port2 := freePort(t), freePort(t)
	sup1 := startTerminal(t, terminalConfig(t, "L1", port1, port2))
	defer sup1.Stop()
	sup2 := startTerminal(t, terminalConfig(t, "L2", port2, port1))
	defer sup2.Stop()

	seedTerminal(t, sup1, 100)
	seedTerminal(t, sup2, 100)

	waitFor(t, 10*time.Second, "mesh up", func() bool {
		return sup1.ConnectedPeers() == 1 && sup2.ConnectedPeers() == 1
	})

	recordTestSale(t, sup1, 3)
	recordTestSale(t, sup2, 2)

	ctx := context.Background()
	waitFor(t, 15*time.Second, "stock converged to 95 on both lanes", func() bool {
		inv1, err1 := sup1.Store().GetInventory(ctx, "p1")
		inv2, err2 := sup2.Store().GetInventory(ctx, "p1")
		return err1 == nil && err2 == nil && inv1.Current == 95 && inv2.Current == 95
	})

	// Both lanes' audit trails reflect both sales.
	for name, sup := range map[string]*Supervisor{"L1": sup1, "L2": sup2} {
		n, err := sup.Store().CountInventoryChanges(ctx, "p1")
		if err != nil {
			t.Fatalf("CountInventoryChanges(%s) error = %v", name, err)
		}
		if n != 2 {
			t.Errorf("%s audit rows = %d, want 2", name, n)
		}
	}
}

// TestSingleLaneStaysPending: with no peers configured, outbox rows
// accumulate at pending; nothing dead-letters and nothing leaks
// downstream.
func TestSingleLaneStaysPending(t *testing.T) {
	sup := startTerminal(t, terminalConfig(t, "L1", freePort(t)))
	defer sup.Stop()

	seedTerminal(t, sup, 100)
	recordTestSale(t, sup, 1)

	time.Sleep(500 * time.Millisecond)

	if !outboxAllAtStatus(t, sup, store.OutboxPending) {
		stats, _ := sup.Store().OutboxStats(context.Background())
		t.Errorf("outbox stats = %v, want all pending", stats)
	}
}

func TestStartupRefusesInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TerminalID = ""
	cfg.Port = 9731
	cfg.DataDir = t.TempDir()
	if _, err := New(cfg); err == nil {
		t.Error("expected New() to refuse a config without a terminal id")
	}

	cfg.TerminalID = "L1"
	cfg.Port = 80
	if _, err := New(cfg); err == nil {
		t.Error("expected New() to refuse a privileged port")
	}
}

// TestPortFallback: a terminal whose port is taken binds port+1 once.
func TestPortFallback(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer ln.Close()

	sup := startTerminal(t, terminalConfig(t, "L1", port))
	defer sup.Stop()

	if sup.PeerPort() != port+1 {
		t.Errorf("PeerPort() = %d, want %d", sup.PeerPort(), port+1)
	}
}

func TestStopIsClean(t *testing.T) {
	sup := startTerminal(t, terminalConfig(t, "L1", freePort(t)))
	seedTerminal(t, sup, 10)
	recordTestSale(t, sup, 1)

	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// The store closed last: a fresh open over the same directory sees
	// the committed sale.
	st, err := store.New(&store.Config{DataDir: sup.cfg.DataDir})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	n, err := st.CountTransactions(context.Background())
	if err != nil || n != 1 {
		t.Errorf("transactions after reopen = %d, %v; want 1", n, err)
	}
}
