// Package peerserver accepts inbound peer connections, validates and
// idempotently applies their messages, and answers with acks. It never
// initiates traffic beyond replies on the same connection; trust is
// derived from the store LAN topology, not authentication.
package peerserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/internal/wire"
	"github.com/laneforge/possync/pkg/logging"
)

// PeerPath is the websocket endpoint peers dial.
const PeerPath = "/peer"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // peers are other terminals on the store LAN
	},
}

// ReconcilerSink receives the reconciliation traffic the server forwards:
// inventory:checksum payloads applied via the normal message path, and
// inventory_response sub-frames.
type ReconcilerSink interface {
	HandleChecksum(fromTerminal string, payload *bus.ChecksumPayload)
	HandleInventoryResponse(resp *wire.InventoryResponse)
}

// Config configures the peer server.
type Config struct {
	TerminalID      string
	Port            int
	MaxMessageBytes int64         // reject frames larger than this (default 1MB)
	WriteTimeout    time.Duration // per-reply write deadline (default 10s)
}

// DefaultConfig returns the default peer server configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes: 1024 * 1024,
		WriteTimeout:    10 * time.Second,
	}
}

// Server is the inbound half of the peer fabric.
type Server struct {
	cfg   Config
	store *store.Store
	sink  ReconcilerSink
	log   *logging.Logger

	httpServer *http.Server
	listener   net.Listener
	port       int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a peer server. sink may be nil, in which case reconciliation
// traffic is dropped with a debug log.
func New(cfg Config, st *store.Store, sink ReconcilerSink) *Server {
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = DefaultConfig().MaxMessageBytes
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		store:  st,
		sink:   sink,
		log:    logging.GetDefault().Component("peerserver"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetSink sets the reconciler sink after construction, breaking the
// construction cycle between the server and the reconciler.
func (s *Server) SetSink(sink ReconcilerSink) {
	s.sink = sink
}

// Start binds the listen port and begins accepting peer connections. If
// the configured port is already bound, it falls back to port+1 once.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		s.log.Warn("Listen port bound, falling back", "port", s.cfg.Port, "fallback", s.cfg.Port+1)
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port+1))
		if err != nil {
			return fmt.Errorf("peerserver: listen on %d and %d: %w", s.cfg.Port, s.cfg.Port+1, err)
		}
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(PeerPath, s.handlePeer)
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("Peer server stopped", "error", err)
		}
	}()

	s.log.Info("Peer server started", "port", s.port)
	return nil
}

// Port returns the actually-bound listen port (the configured port, or
// port+1 after fallback).
func (s *Server) Port() int {
	return s.port
}

// Stop closes the listener and every open peer connection. In-flight
// store writes complete normally; reads are cancelled by socket close.
func (s *Server) Stop() error {
	s.cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Close(); err != nil {
			return fmt.Errorf("peerserver: close: %w", err)
		}
	}
	s.log.Info("Peer server stopped")
	return nil
}

// peerConn wraps one accepted connection with its write lock, so replies
// from the read loop and reconciliation responses never interleave.
type peerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peerConn) writeJSON(v any, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout))
	return p.conn.WriteJSON(v)
}

// handlePeer runs the read loop for one inbound peer connection.
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	pc := &peerConn{conn: conn}
	remote := conn.RemoteAddr().String()
	s.log.Debug("Peer connected", "remote", remote)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	conn.SetPongHandler(func(string) error { return nil })

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if err == websocket.ErrReadLimit {
				s.log.Warn("Oversize frame, closing connection", "remote", remote, "limit", s.cfg.MaxMessageBytes)
				pc.writeJSON(wire.NewErrorReply("message too large"), s.cfg.WriteTimeout)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug("Peer read error", "remote", remote, "error", err)
			}
			return
		}

		s.handleFrame(pc, remote, data)
	}
}

// handleFrame dispatches one inbound frame. A parse failure answers with
// an error reply and keeps the connection open; the sender retries.
func (s *Server) handleFrame(pc *peerConn, remote string, data []byte) {
	frame, err := wire.ParseFrame(data)
	if err != nil {
		s.log.Warn("Malformed frame", "remote", remote, "error", err)
		pc.writeJSON(wire.NewErrorReply(err.Error()), s.cfg.WriteTimeout)
		return
	}

	switch f := frame.(type) {
	case *wire.Envelope:
		s.handleEnvelope(pc, remote, f)
	case *wire.InventoryRequest:
		s.handleInventoryRequest(pc, f)
	case *wire.InventoryResponse:
		if s.sink != nil {
			s.sink.HandleInventoryResponse(f)
		} else {
			s.log.Debug("Dropping inventory_response, no reconciler sink")
		}
	default:
		// Acks and error replies are sender-side frames; a server never
		// solicits them.
		s.log.Debug("Ignoring unexpected frame", "remote", remote, "frame", fmt.Sprintf("%T", f))
	}
}

// handleEnvelope runs the per-message sequence: dedupe check, apply +
// record inside one transaction, then ack. On any failure no ack is sent
// and the sender's retry timer re-delivers.
func (s *Server) handleEnvelope(pc *peerConn, remote string, env *wire.Envelope) {
	ctx := s.ctx

	if !store.KnownTopics(store.Topic(env.Topic)) {
		s.log.Warn("Unknown topic, dropping message", "topic", env.Topic, "id", env.ID, "from", env.FromTerminal)
		pc.writeJSON(wire.NewErrorReply(fmt.Sprintf("unknown topic %q", env.Topic)), s.cfg.WriteTimeout)
		return
	}

	// Idempotency guard: an already-processed id is acked immediately and
	// never re-applied.
	processed, err := s.store.HasProcessed(ctx, env.ID)
	if err != nil {
		s.log.Error("Dedupe check failed", "id", env.ID, "error", err)
		return
	}
	if processed {
		s.log.Debug("Duplicate message, re-sending ack", "id", env.ID, "from", env.FromTerminal)
		pc.writeJSON(wire.NewAck(env.ID), s.cfg.WriteTimeout)
		return
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.log.Error("Begin failed", "id", env.ID, "error", err)
		return
	}

	if err := applyMessage(ctx, tx, env); err != nil {
		tx.Rollback()
		s.log.Warn("Message apply failed", "topic", env.Topic, "id", env.ID, "from", env.FromTerminal, "error", err)
		pc.writeJSON(wire.NewErrorReply(err.Error()), s.cfg.WriteTimeout)
		return
	}

	if _, err := store.RecordProcessed(ctx, tx, &store.InboxProcessedRow{
		MessageID:      env.ID,
		SourceTerminal: env.FromTerminal,
		Topic:          store.Topic(env.Topic),
		Payload:        env.Payload,
	}); err != nil {
		tx.Rollback()
		s.log.Error("Recording inbox id failed", "id", env.ID, "error", err)
		return
	}

	if err := tx.Commit(); err != nil {
		s.log.Error("Commit failed", "id", env.ID, "error", err)
		return
	}

	pc.writeJSON(wire.NewAck(env.ID), s.cfg.WriteTimeout)
	s.log.Debug("Message applied", "topic", env.Topic, "id", env.ID, "from", env.FromTerminal)

	// Checksum payloads feed the reconciler only after the inbox row has
	// durably committed.
	if store.Topic(env.Topic) == store.TopicInventoryChecksum && s.sink != nil {
		var p bus.ChecksumPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("Bad checksum payload", "id", env.ID, "error", err)
			return
		}
		s.sink.HandleChecksum(env.FromTerminal, &p)
	}
}

// handleInventoryRequest answers the reconciliation sub-protocol with the
// terminal's full inventory snapshot.
func (s *Server) handleInventoryRequest(pc *peerConn, req *wire.InventoryRequest) {
	snapshot, err := s.store.ListInventorySnapshot(s.ctx)
	if err != nil {
		s.log.Error("Inventory snapshot failed", "request_id", req.RequestID, "error", err)
		pc.writeJSON(wire.NewErrorReply("inventory snapshot failed"), s.cfg.WriteTimeout)
		return
	}

	rows := make([]wire.InventoryRow, 0, len(snapshot))
	for _, r := range snapshot {
		rows = append(rows, wire.InventoryRow{
			ProductID:     r.ProductID,
			CurrentStock:  r.Current,
			ReservedStock: r.Reserved,
			LastUpdated:   r.LastUpdated,
		})
	}

	pc.writeJSON(&wire.InventoryResponse{
		Type:        wire.FrameInventoryResponse,
		RequestID:   req.RequestID,
		Inventory:   rows,
		GeneratedAt: time.Now(),
	}, s.cfg.WriteTimeout)
}
