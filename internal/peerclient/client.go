// Package peerclient maintains one outbound connection per configured
// peer, drains pending outbox rows into every connected peer, and tracks
// in-flight acks with per-row retry timers. A row becomes peer_ack as
// soon as any one peer acknowledges it.
package peerclient

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/internal/wire"
	"github.com/laneforge/possync/pkg/logging"
)

// ErrNoPeersConnected is returned when an operation needs at least one
// live peer connection and none exists.
var ErrNoPeersConnected = fmt.Errorf("peerclient: no peers connected")

// ResponseSink receives inventory_response frames arriving on outbound
// connections, forwarded to the reconciler.
type ResponseSink interface {
	HandleInventoryResponse(resp *wire.InventoryResponse)
}

// Config configures the peer client behavior.
type Config struct {
	TerminalID     string
	PeerURLs       []string
	DrainInterval  time.Duration // how often the drain loop fires (default: 200ms)
	AckTimeoutBase time.Duration // ack wait, doubles per retry of a row (default: 2s)
	AckTimeoutMin  time.Duration // floor for the ack timer (default: 250ms)
	ReconnectBase  time.Duration // reconnect backoff base (default: 1s)
	ReconnectMax   time.Duration // reconnect backoff cap (default: 30s)
	DialTimeout    time.Duration // per-attempt connect timeout (default: 10s)
	WriteTimeout   time.Duration // per-frame write deadline (default: 10s)
	MaxRetries     int           // retries before a row is dead-lettered (default: 10)
	BatchSize      int           // max rows per drain pass (default: 100)
}

// DefaultConfig returns the default peer client configuration.
func DefaultConfig() Config {
	return Config{
		DrainInterval:  200 * time.Millisecond,
		AckTimeoutBase: 2 * time.Second,
		AckTimeoutMin:  250 * time.Millisecond,
		ReconnectBase:  time.Second,
		ReconnectMax:   30 * time.Second,
		DialTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxRetries:     10,
		BatchSize:      100,
	}
}

// Client is the outbound half of the peer fabric.
type Client struct {
	cfg   Config
	store *store.Store
	bus   *bus.Bus
	sink  ResponseSink
	log   *logging.Logger

	peers []*peer
	kick  chan struct{}

	drainMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a peer client for the configured peer URL list. An empty
// list is legal (single-lane deployment): the client starts and idles.
func New(cfg Config, st *store.Store, b *bus.Bus) *Client {
	def := DefaultConfig()
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.AckTimeoutBase == 0 {
		cfg.AckTimeoutBase = def.AckTimeoutBase
	}
	if cfg.AckTimeoutMin == 0 {
		cfg.AckTimeoutMin = def.AckTimeoutMin
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		store:  st,
		bus:    b,
		log:    logging.GetDefault().Component("peerclient"),
		kick:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, raw := range cfg.PeerURLs {
		c.peers = append(c.peers, newPeer(c, raw))
	}
	return c
}

// SetResponseSink sets the reconciler sink after construction.
func (c *Client) SetResponseSink(sink ResponseSink) {
	c.sink = sink
}

// Start launches one connection-manager task per peer plus the drain
// loop.
func (c *Client) Start() error {
	for _, p := range c.peers {
		c.wg.Add(1)
		go func(p *peer) {
			defer c.wg.Done()
			p.run(c.ctx)
		}(p)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.drainLoop()
	}()

	c.log.Info("Peer client started", "peers", len(c.peers), "drain_interval", c.cfg.DrainInterval)
	return nil
}

// Stop tears down every connection and waits for the drain loop's current
// iteration to complete.
func (c *Client) Stop() {
	c.cancel()
	for _, p := range c.peers {
		p.closeConn()
	}
	c.wg.Wait()
	c.log.Info("Peer client stopped")
}

// ConnectedCount returns how many peers currently have a live connection.
func (c *Client) ConnectedCount() int {
	n := 0
	for _, p := range c.peers {
		if p.isConnected() {
			n++
		}
	}
	return n
}

// KickDrain triggers an immediate drain pass, used on every new
// connection open so rows queued during an outage flush without waiting
// for the next tick.
func (c *Client) KickDrain() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// SendInventoryRequest broadcasts an inventory_request sub-frame to every
// connected peer. Responses come back on the same connections and are
// forwarded to the reconciler sink.
func (c *Client) SendInventoryRequest(requestID string) error {
	sent := 0
	for _, p := range c.peers {
		if err := p.writeFrame(wire.NewInventoryRequest(requestID)); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return ErrNoPeersConnected
	}
	return nil
}

// drainLoop fires the drain on a periodic tick and on every kick. A
// drain still running when the next tick fires is skipped, never
// overlapped.
func (c *Client) drainLoop() {
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.drain()
		case <-c.kick:
			c.drain()
		}
	}
}

// drain sends every pending outbox row, in ULID-ascending order, to every
// currently-connected peer that does not already have it in flight.
func (c *Client) drain() {
	if !c.drainMu.TryLock() {
		return
	}
	defer c.drainMu.Unlock()

	rows, err := c.bus.GetPending(c.ctx, store.OutboxPending, c.cfg.BatchSize)
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Warn("Drain query failed", "error", err)
		}
		return
	}
	if len(rows) == 0 {
		return
	}

	for _, p := range c.peers {
		if !p.isConnected() {
			continue
		}
		for _, row := range rows {
			p.sendRow(row)
		}
	}
}

// onAckTimeout is the shared timeout path: a row whose ack timer expired
// (or whose send failed) gets one more retry, and is dead-lettered at
// MaxRetries.
func (c *Client) onAckTimeout(rowID string) {
	if c.ctx.Err() != nil {
		return
	}

	// Another peer may have acked the row between send and expiry; only
	// still-pending rows count the miss.
	row, err := c.store.GetOutboxRow(c.ctx, rowID)
	if err != nil {
		if c.ctx.Err() == nil {
			c.log.Warn("Timeout check failed", "id", rowID, "error", err)
		}
		return
	}
	if row.Status != store.OutboxPending {
		return
	}

	retries, err := c.bus.IncrementRetries(c.ctx, rowID)
	if err != nil {
		c.log.Warn("Retry increment failed", "id", rowID, "error", err)
		return
	}
	if retries >= c.cfg.MaxRetries {
		c.log.Warn("Max retries exceeded, dead-lettering row", "id", rowID, "retries", retries)
		if err := c.bus.MarkError(c.ctx, rowID); err != nil {
			c.log.Warn("Dead-letter mark failed", "id", rowID, "error", err)
		}
		return
	}
	c.log.Debug("Ack timeout", "id", rowID, "retries", retries)
}

// ackTimeout computes the ack wait for a row: base doubled per retry,
// floored at the configured minimum.
func (c *Client) ackTimeout(retries int) time.Duration {
	d := c.cfg.AckTimeoutBase
	for i := 0; i < retries; i++ {
		d *= 2
		if d > 10*time.Minute {
			d = 10 * time.Minute
			break
		}
	}
	if d < c.cfg.AckTimeoutMin {
		d = c.cfg.AckTimeoutMin
	}
	return d
}

// reconnectBackoff computes the wait before the next dial attempt:
// exponential in the consecutive-failure count with a small random
// jitter, capped. There is no retry cap for reconnection; a peer down
// for hours reconnects on its next attempt after coming back.
func (c *Client) reconnectBackoff(attempt int) time.Duration {
	d := c.cfg.ReconnectBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > c.cfg.ReconnectMax {
			d = c.cfg.ReconnectMax
			break
		}
	}
	// Jitter to half..full of the computed delay so a rack of terminals
	// powering on together does not reconnect in lockstep.
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// normalizePeerURL turns a configured peer endpoint into a dialable
// websocket URL, defaulting scheme and the /peer path.
func normalizePeerURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("peerclient: bad peer url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("peerclient: unsupported peer url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/peer"
	}
	return u.String(), nil
}
