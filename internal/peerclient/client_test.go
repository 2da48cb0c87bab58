package peerclient

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/internal/wire"
)

// fakePeer is a controllable acking peer: it records every envelope it
// reads and, unless muted, answers each with an ack.
type fakePeer struct {
	t        *testing.T
	addr     string
	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	received []string
	mute     bool
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakePeer{t: t, addr: ln.Addr().String()}
	f.serveOn(ln)
	return f
}

func (f *fakePeer) serveOn(ln net.Listener) {
	f.listener = ln
	mux := http.NewServeMux()
	mux.HandleFunc("/peer", f.handle)
	f.server = &http.Server{Handler: mux}
	go f.server.Serve(ln)
}

func (f *fakePeer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.ParseFrame(data)
		if err != nil {
			continue
		}
		switch fr := frame.(type) {
		case *wire.Envelope:
			f.mu.Lock()
			f.received = append(f.received, fr.ID)
			muted := f.mute
			f.mu.Unlock()
			if !muted {
				conn.WriteJSON(wire.NewAck(fr.ID))
			}
		case *wire.InventoryRequest:
			conn.WriteJSON(&wire.InventoryResponse{
				Type: wire.FrameInventoryResponse, RequestID: fr.RequestID, GeneratedAt: time.Now(),
			})
		}
	}
}

func (f *fakePeer) setMute(mute bool) {
	f.mu.Lock()
	f.mute = mute
	f.mu.Unlock()
}

func (f *fakePeer) receivedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.received))
	copy(out, f.received)
	return out
}

func (f *fakePeer) stop() {
	f.server.Close()
}

func setupClientTest(t *testing.T, peerURLs []string, cfgMod func(*Config)) (*Client, *store.Store, *bus.Bus, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "possync-peerclient-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	st, err := store.New(&store.Config{DataDir: tmpDir})
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("store.New() error = %v", err)
	}
	b := bus.New(st)

	cfg := Config{
		TerminalID:     "lane-1",
		PeerURLs:       peerURLs,
		DrainInterval:  20 * time.Millisecond,
		AckTimeoutBase: 200 * time.Millisecond,
		AckTimeoutMin:  50 * time.Millisecond,
		ReconnectBase:  20 * time.Millisecond,
		ReconnectMax:   200 * time.Millisecond,
		DialTimeout:    time.Second,
	}
	if cfgMod != nil {
		cfgMod(&cfg)
	}
	c := New(cfg, st, b)
	if err := c.Start(); err != nil {
		st.Close()
		os.RemoveAll(tmpDir)
		t.Fatalf("Start() error = %v", err)
	}
	return c, st, b, func() {
		c.Stop()
		st.Close()
		os.RemoveAll(tmpDir)
	}
}

func publishPending(t *testing.T, st *store.Store, b *bus.Bus, n int) []string {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	var ids []string
	for i := 0; i < n; i++ {
		id, err := b.Publish(ctx, tx, store.TopicInventoryUpdate, &bus.InventoryUpdatePayload{ProductID: "p1", Delta: -1})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return ids
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
		time.Sleep(10 * time.Millisecond)
	}
}

// TestDrainMarksPeerAck is the sender half of scenario S1: pending rows
// reach the connected peer and become peer_ack within a drain tick.
func TestDrainMarksPeerAck(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.stop()

	c, st, b, cleanup := setupClientTest(t, []string{"ws://" + peer.addr}, nil)
	defer cleanup()
	ctx := context.Background()

	waitFor(t, 5*time.Second, "peer connection", func() bool { return c.ConnectedCount() == 1 })

	ids := publishPending(t, st, b, 3)

	waitFor(t, 5*time.Second, "rows peer_ack", func() bool {
		for _, id := range ids {
			row, err := st.GetOutboxRow(ctx, id)
			if err != nil || row.Status != store.OutboxPeerAck {
				return false
			}
		}
		return true
	})

	// Ordering within the link: first transmission of each row is in
	// ULID-ascending order.
	got := peer.receivedIDs()
	seen := make(map[string]bool)
	var firsts []string
	for _, id := range got {
		if !seen[id] {
			seen[id] = true
			firsts = append(firsts, id)
		}
	}
	if len(firsts) != len(ids) {
		t.Fatalf("peer saw %d distinct rows, want %d", len(firsts), len(ids))
	}
	for i := range ids {
		if firsts[i] != ids[i] {
			t.Errorf("transmission order[%d] = %q, want %q", i, firsts[i], ids[i])
		}
	}
}

// TestReplayOnReconnect is scenario S2: rows accumulated while the peer
// is down are delivered after it comes back.
func TestReplayOnReconnect(t *testing.T) {
	// Reserve an address, then leave it dark so dials fail.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c, st, b, cleanup := setupClientTest(t, []string{"ws://" + addr}, nil)
	defer cleanup()
	ctx := context.Background()

	ids := publishPending(t, st, b, 3)

	// While the peer is down, rows stay pending.
	time.Sleep(200 * time.Millisecond)
	for _, id := range ids {
		row, _ := st.GetOutboxRow(ctx, id)
		if row.Status != store.OutboxPending {
			t.Fatalf("row %s = %q before peer up, want pending", id, row.Status)
		}
	}

	// Bring the peer up on the reserved address.
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("re-listen %s: %v", addr, err)
	}
	peer := &fakePeer{t: t, addr: addr}
	peer.serveOn(ln2)
	defer peer.stop()

	waitFor(t, 10*time.Second, "rows peer_ack after reconnect", func() bool {
		for _, id := range ids {
			row, err := st.GetOutboxRow(ctx, id)
			if err != nil || row.Status != store.OutboxPeerAck {
				return false
			}
		}
		return true
	})

	if c.ConnectedCount() != 1 {
		t.Errorf("ConnectedCount() = %d, want 1", c.ConnectedCount())
	}
}

// TestRetriesThenDeadLetter: a peer that swallows envelopes drives the
// timeout path until MaxRetries dead-letters the row.
func TestRetriesThenDeadLetter(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.stop()
	peer.setMute(true)

	c, st, b, cleanup := setupClientTest(t, []string{"ws://" + peer.addr}, func(cfg *Config) {
		cfg.AckTimeoutBase = 30 * time.Millisecond
		cfg.AckTimeoutMin = 10 * time.Millisecond
		cfg.MaxRetries = 3
	})
	defer cleanup()
	ctx := context.Background()

	waitFor(t, 5*time.Second, "peer connection", func() bool { return c.ConnectedCount() == 1 })

	ids := publishPending(t, st, b, 1)

	waitFor(t, 10*time.Second, "row dead-lettered", func() bool {
		row, err := st.GetOutboxRow(ctx, ids[0])
		return err == nil && row.Status == store.OutboxError
	})

	row, _ := st.GetOutboxRow(ctx, ids[0])
	if row.RetryCount < 3 {
		t.Errorf("RetryCount = %d, want >= 3", row.RetryCount)
	}

	// An errored row stops being re-sent.
	countAtError := len(peer.receivedIDs())
	time.Sleep(300 * time.Millisecond)
	if n := len(peer.receivedIDs()); n != countAtError {
		t.Errorf("errored row re-sent: %d transmissions after error, had %d", n, countAtError)
	}
}

type stubResponseSink struct {
	mu  sync.Mutex
	ids []string
}

func (s *stubResponseSink) HandleInventoryResponse(resp *wire.InventoryResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, resp.RequestID)
}

func TestSendInventoryRequest(t *testing.T) {
	peer := newFakePeer(t)
	defer peer.stop()

	c, _, _, cleanup := setupClientTest(t, []string{"ws://" + peer.addr}, nil)
	defer cleanup()

	sink := &stubResponseSink{}
	c.SetResponseSink(sink)

	waitFor(t, 5*time.Second, "peer connection", func() bool { return c.ConnectedCount() == 1 })

	if err := c.SendInventoryRequest("req-42"); err != nil {
		t.Fatalf("SendInventoryRequest() error = %v", err)
	}

	waitFor(t, 5*time.Second, "inventory response", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.ids) == 1 && sink.ids[0] == "req-42"
	})
}

func TestSendInventoryRequestNoPeers(t *testing.T) {
	c, _, _, cleanup := setupClientTest(t, nil, nil)
	defer cleanup()

	if err := c.SendInventoryRequest("req-1"); err != ErrNoPeersConnected {
		t.Errorf("err = %v, want ErrNoPeersConnected", err)
	}
}

func TestNormalizePeerURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"192.168.1.20:9731", "ws://192.168.1.20:9731/peer", false},
		{"ws://lane-2:9731", "ws://lane-2:9731/peer", false},
		{"ws://lane-2:9731/peer", "ws://lane-2:9731/peer", false},
		{"http://lane-2:9731", "ws://lane-2:9731/peer", false},
		{"https://lane-2:9731", "wss://lane-2:9731/peer", false},
		{"ftp://lane-2:9731", "", true},
	}
	for _, tt := range tests {
		got, err := normalizePeerURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("normalizePeerURL(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("normalizePeerURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizePeerURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
