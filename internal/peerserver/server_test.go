package peerserver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/internal/wire"
)

type stubSink struct {
	mu        sync.Mutex
	checksums []string
	responses []string
}

func (s *stubSink) HandleChecksum(fromTerminal string, payload *bus.ChecksumPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checksums = append(s.checksums, fromTerminal)
}

func (s *stubSink) HandleInventoryResponse(resp *wire.InventoryResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, resp.RequestID)
}

func setupTestServer(t *testing.T) (*Server, *store.Store, *stubSink, *websocket.Conn, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "possync-peerserver-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	st, err := store.New(&store.Config{DataDir: tmpDir})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("store.New() error = %v", err)
	}

	sink := &stubSink{}
	srv := New(Config{TerminalID: "lane-2", Port: 0}, st, sink)
	if err := srv.Start(); err != nil {
		st.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("Start() error = %v", err)
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d%s", srv.Port(), PeerPath)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Stop()
		st.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("dial %s: %v", url, err)
	}

	return srv, st, sink, conn, func() {
		conn.Close()
		srv.Stop()
		st.Close()
		os.RemoveAll(tmpDir)
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	frame, err := wire.ParseFrame(data)
	if err != nil {
		t.Fatalf("parse frame %s: %v", data, err)
	}
	return frame
}

func seedProduct(t *testing.T, st *store.Store, productID string, stock int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := store.UpsertProduct(ctx, tx, &store.Product{
		ID: productID, SKU: "SKU-" + productID, Name: "Test " + productID,
		Category: store.CategoryWine, Size: store.Size750ml, UnitsPerParent: 1, Active: true,
	}); err != nil {
		t.Fatalf("UpsertProduct() error = %v", err)
	}
	if err := store.SetInventory(ctx, tx, &store.Inventory{ProductID: productID, Current: stock}); err != nil {
		t.Fatalf("SetInventory() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func seedEmployee(t *testing.T, st *store.Store, id string) {
	t.Helper()
	ctx := context.Background()
	tx, _ := st.Begin(ctx)
	if err := store.UpsertEmployee(ctx, tx, &store.Employee{ID: id, Code: "E-" + id, Active: true}); err != nil {
		t.Fatalf("UpsertEmployee() error = %v", err)
	}
	tx.Commit()
}

func TestInventoryUpdateAppliedAndAcked(t *testing.T) {
	_, st, _, conn, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	seedProduct(t, st, "p1", 100)

	payload, _ := json.Marshal(&bus.InventoryUpdatePayload{ProductID: "p1", Delta: -2, ChangeType: "sale"})
	sendFrame(t, conn, &wire.Envelope{
		ID: "msg-1", FromTerminal: "lane-1", Topic: string(store.TopicInventoryUpdate),
		Payload: payload, Timestamp: time.Now(),
	})

	ack, ok := readFrame(t, conn).(*wire.Ack)
	if !ok || ack.MessageID != "msg-1" {
		t.Fatalf("expected ack for msg-1, got %+v", ack)
	}

	inv, err := st.GetInventory(ctx, "p1")
	if err != nil {
		t.Fatalf("GetInventory() error = %v", err)
	}
	if inv.Current != 98 {
		t.Errorf("stock = %d, want 98", inv.Current)
	}
	if processed, _ := st.HasProcessed(ctx, "msg-1"); !processed {
		t.Error("message id not recorded in inbox_processed")
	}
}

// TestDuplicateDelivery exercises the S3 scenario: the same envelope
// delivered twice is applied once and acked twice.
func TestDuplicateDelivery(t *testing.T) {
	_, st, _, conn, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	seedProduct(t, st, "p1", 100)
	seedEmployee(t, st, "emp-1")

	txn := &store.Transaction{
		ID: "txn-1", Number: "L1-20250601-0001", EmployeeID: "emp-1",
		SubtotalCents: 2000, TaxCents: 160, TotalCents: 2160,
		Status: store.TxnCompleted, OriginTerminalID: "lane-1", CreatedAt: time.Now(),
	}
	items := []store.TransactionItem{{
		ID: "item-1", TransactionID: "txn-1", ProductID: "p1",
		Quantity: 2, UnitPriceCents: 1000, TotalPriceCents: 2000,
	}}
	payload, _ := json.Marshal(bus.NewTransactionPayload(txn, items, nil))
	env := &wire.Envelope{
		ID: "msg-dup", FromTerminal: "lane-1", Topic: string(store.TopicTransactionNew),
		Payload: payload, Timestamp: time.Now(),
	}

	for i := 0; i < 2; i++ {
		sendFrame(t, conn, env)
		ack, ok := readFrame(t, conn).(*wire.Ack)
		if !ok || ack.MessageID != "msg-dup" {
			t.Fatalf("delivery %d: expected ack, got %T", i+1, ack)
		}
	}

	if n, _ := st.CountInboxProcessed(ctx); n != 1 {
		t.Errorf("inbox_processed rows = %d, want 1", n)
	}
	if n, _ := st.CountTransactions(ctx); n != 1 {
		t.Errorf("transactions = %d, want 1", n)
	}
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	_, _, _, conn, cleanup := setupTestServer(t)
	defer cleanup()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json at all")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, ok := readFrame(t, conn).(*wire.ErrorReply)
	if !ok {
		t.Fatalf("expected error reply, got %T", reply)
	}

	// The connection stays usable after a protocol error.
	sendFrame(t, conn, wire.NewInventoryRequest("req-after-error"))
	if _, ok := readFrame(t, conn).(*wire.InventoryResponse); !ok {
		t.Error("connection unusable after malformed frame")
	}
}

func TestUnknownTopicGetsErrorReply(t *testing.T) {
	_, st, _, conn, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	sendFrame(t, conn, &wire.Envelope{
		ID: "msg-x", FromTerminal: "lane-1", Topic: "bogus:topic",
		Payload: []byte("{}"), Timestamp: time.Now(),
	})
	if _, ok := readFrame(t, conn).(*wire.ErrorReply); !ok {
		t.Fatal("expected error reply for unknown topic")
	}
	if processed, _ := st.HasProcessed(ctx, "msg-x"); processed {
		t.Error("unknown-topic message must not be recorded as processed")
	}
}

func TestApplyFailureSendsNoAck(t *testing.T) {
	_, st, _, conn, cleanup := setupTestServer(t)
	defer cleanup()
	ctx := context.Background()

	seedProduct(t, st, "p1", 1)

	// Delta below zero violates the inventory invariant; the transaction
	// aborts, no ack, and nothing is recorded.
	payload, _ := json.Marshal(&bus.InventoryUpdatePayload{ProductID: "p1", Delta: -5})
	sendFrame(t, conn, &wire.Envelope{
		ID: "msg-neg", FromTerminal: "lane-1", Topic: string(store.TopicInventoryUpdate),
		Payload: payload, Timestamp: time.Now(),
	})

	if _, ok := readFrame(t, conn).(*wire.ErrorReply); !ok {
		t.Fatal("expected error reply for invariant violation")
	}
	if processed, _ := st.HasProcessed(ctx, "msg-neg"); processed {
		t.Error("failed message recorded as processed")
	}
	inv, _ := st.GetInventory(ctx, "p1")
	if inv.Current != 1 {
		t.Errorf("stock = %d, want 1 (unchanged)", inv.Current)
	}
}

func TestInventoryRequestResponse(t *testing.T) {
	_, st, _, conn, cleanup := setupTestServer(t)
	defer cleanup()

	seedProduct(t, st, "p1", 10)
	seedProduct(t, st, "p2", 20)

	sendFrame(t, conn, wire.NewInventoryRequest("req-1"))
	resp, ok := readFrame(t, conn).(*wire.InventoryResponse)
	if !ok {
		t.Fatal("expected inventory_response")
	}
	if resp.RequestID != "req-1" {
		t.Errorf("RequestID = %q", resp.RequestID)
	}
	if len(resp.Inventory) != 2 {
		t.Fatalf("got %d rows, want 2", len(resp.Inventory))
	}
	// Snapshot rows come back productId-ascending.
	if resp.Inventory[0].ProductID != "p1" || resp.Inventory[1].ProductID != "p2" {
		t.Errorf("snapshot order: %q, %q", resp.Inventory[0].ProductID, resp.Inventory[1].ProductID)
	}
	if resp.Inventory[1].CurrentStock != 20 {
		t.Errorf("p2 stock = %d, want 20", resp.Inventory[1].CurrentStock)
	}
}

func TestChecksumFeedsSink(t *testing.T) {
	_, _, sink, conn, cleanup := setupTestServer(t)
	defer cleanup()

	payload, _ := json.Marshal(&bus.ChecksumPayload{Checksum: "abc", RowCount: 1, GeneratedAt: time.Now()})
	sendFrame(t, conn, &wire.Envelope{
		ID: "msg-ck", FromTerminal: "lane-1", Topic: string(store.TopicInventoryChecksum),
		Payload: payload, Timestamp: time.Now(),
	})
	if _, ok := readFrame(t, conn).(*wire.Ack); !ok {
		t.Fatal("expected ack for checksum message")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.checksums)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sink never received checksum")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInventoryResponseForwardedToSink(t *testing.T) {
	_, _, sink, conn, cleanup := setupTestServer(t)
	defer cleanup()

	sendFrame(t, conn, &wire.InventoryResponse{
		Type: wire.FrameInventoryResponse, RequestID: "req-fwd", GeneratedAt: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.responses)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sink never received inventory_response")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
