package peerclient

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/internal/wire"
	"github.com/laneforge/possync/pkg/logging"
)

// pendingAck is one in-flight row on one peer connection.
type pendingAck struct {
	timer *time.Timer
}

// peer owns the connection lifecycle for a single configured peer URL:
// dial, backoff, read loop, and the pending-ack map for rows in flight on
// this connection.
type peer struct {
	client *Client
	rawURL string
	log    *logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]*pendingAck

	// writeMu serializes frame writes; the websocket permits a single
	// concurrent writer, and the drain loop and reconciliation requests
	// both send.
	writeMu sync.Mutex
}

func newPeer(c *Client, rawURL string) *peer {
	return &peer{
		client:  c,
		rawURL:  rawURL,
		log:     logging.GetDefault().Component("peerclient").With("peer", rawURL),
		pending: make(map[string]*pendingAck),
	}
}

// run is the peer's connection-manager task: dial, hand the socket to the
// read loop, and on close re-enter backoff. Runs until ctx is cancelled.
func (p *peer) run(ctx context.Context) {
	dialURL, err := normalizePeerURL(p.rawURL)
	if err != nil {
		p.log.Error("Invalid peer URL, giving up on peer", "error", err)
		return
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		dialCtx, cancel := context.WithTimeout(ctx, p.client.cfg.DialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, dialURL, nil)
		cancel()
		if err != nil {
			attempt++
			wait := p.client.reconnectBackoff(attempt)
			p.log.Debug("Dial failed, backing off", "attempt", attempt, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		p.setConn(conn)
		p.log.Info("Peer connected")
		p.client.KickDrain()

		p.readLoop(ctx, conn)

		p.clearConn()
		p.log.Info("Peer disconnected")
		// Pending-ack timers for this connection fire the timeout path on
		// their own; the rows stay pending and re-send on reconnect.
	}
}

// readLoop consumes frames until the connection dies.
func (p *peer) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				p.log.Debug("Read error", "error", err)
			}
			return
		}

		frame, err := wire.ParseFrame(data)
		if err != nil {
			p.log.Warn("Malformed reply frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *wire.Ack:
			p.handleAck(f.MessageID)
		case *wire.ErrorReply:
			// The error reply carries no message id; the affected row's
			// ack timer expires and drives the retry.
			p.log.Warn("Peer rejected message", "reason", f.Reason)
		case *wire.InventoryResponse:
			if p.client.sink != nil {
				p.client.sink.HandleInventoryResponse(f)
			}
		default:
			p.log.Debug("Ignoring unexpected frame from peer")
		}
	}
}

// handleAck resolves one in-flight row: cancel its timer and mark the
// outbox row peer_ack. A late ack for a row no longer in the pending map
// still marks the row; the store's status guard makes it a no-op if the
// row already advanced.
func (p *peer) handleAck(messageID string) {
	p.mu.Lock()
	if entry, ok := p.pending[messageID]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(p.pending, messageID)
	}
	p.mu.Unlock()

	if err := p.client.bus.MarkSent(p.client.ctx, messageID, store.OutboxPeerAck); err != nil {
		if p.client.ctx.Err() == nil {
			p.log.Warn("Marking peer_ack failed", "id", messageID, "error", err)
		}
		return
	}
	p.log.Debug("Ack received", "id", messageID)
}

// sendRow transmits one pending outbox row on this connection and arms
// its ack timer. Rows already in flight here are skipped; a send failure
// takes the same path as an ack timeout.
func (p *peer) sendRow(row *store.OutboxRow) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return
	}
	if _, inFlight := p.pending[row.ID]; inFlight {
		p.mu.Unlock()
		return
	}
	// Reserve the slot before releasing the lock so a concurrent drain
	// pass cannot double-send; the timer is armed after the write.
	entry := &pendingAck{}
	p.pending[row.ID] = entry
	p.mu.Unlock()

	env := &wire.Envelope{
		ID:           row.ID,
		FromTerminal: p.client.cfg.TerminalID,
		Topic:        string(row.Topic),
		Payload:      row.Payload,
		Timestamp:    row.CreatedAt,
	}

	if err := p.writeFrame(env); err != nil {
		p.mu.Lock()
		delete(p.pending, row.ID)
		p.mu.Unlock()
		p.log.Debug("Send failed", "id", row.ID, "error", err)
		p.client.onAckTimeout(row.ID)
		return
	}

	timeout := p.client.ackTimeout(row.RetryCount)
	p.mu.Lock()
	if _, still := p.pending[row.ID]; still {
		entry.timer = time.AfterFunc(timeout, func() {
			p.mu.Lock()
			delete(p.pending, row.ID)
			p.mu.Unlock()
			p.client.onAckTimeout(row.ID)
		})
	}
	p.mu.Unlock()

	p.log.Debug("Row sent", "id", row.ID, "topic", row.Topic, "ack_timeout", timeout)
}

// writeFrame serializes one frame to the live connection. Only writeMu is
// held across the write; the state lock is released before any I/O.
func (p *peer) writeFrame(v any) error {
	p.mu.Lock()
	conn := p.conn
	connected := p.connected
	p.mu.Unlock()

	if !connected || conn == nil {
		return ErrNoPeersConnected
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(p.client.cfg.WriteTimeout))
	return conn.WriteJSON(v)
}

func (p *peer) setConn(conn *websocket.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.mu.Unlock()
}

func (p *peer) clearConn() {
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = nil
	p.connected = false
	p.mu.Unlock()
}

func (p *peer) closeConn() {
	p.clearConn()
}

func (p *peer) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}
