// Package reconciler closes the consistency windows the normal
// inventory:update flow can leave after message loss or a prolonged
// partition: it periodically exchanges inventory checksums with peers and
// repairs row-wise divergence last-writer-wins, alerting instead of
// auto-resolving when the divergence is large enough to indicate lost
// sales.
package reconciler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/internal/wire"
	"github.com/laneforge/possync/pkg/helpers"
	"github.com/laneforge/possync/pkg/idgen"
	"github.com/laneforge/possync/pkg/logging"
)

// Requester sends inventory_request sub-frames to peers; implemented by
// the peer client.
type Requester interface {
	SendInventoryRequest(requestID string) error
}

// Config configures the reconciler.
type Config struct {
	TerminalID          string
	Interval            time.Duration // checksum publication period (default: 10m)
	DivergenceThreshold int64         // per-product |delta| above which no auto-repair happens (default: 10)
	RequestTTL          time.Duration // how long an inventory request stays answerable (default: 1m)
	RetentionPeriod     time.Duration // cleanup window for delivered outbox / old inbox rows (default: 7d)
	CleanupInterval     time.Duration // housekeeping period (default: 1h)
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:            10 * time.Minute,
		DivergenceThreshold: 10,
		RequestTTL:          time.Minute,
		RetentionPeriod:     7 * 24 * time.Hour,
		CleanupInterval:     time.Hour,
	}
}

// Alert records one divergence beyond the threshold, left for an
// operator instead of auto-resolved.
type Alert struct {
	ProductID      string
	LocalStock     int64
	RemoteStock    int64
	RemoteTerminal string
	RaisedAt       time.Time
}

// pendingRequest tracks one outstanding inventory_request.
type pendingRequest struct {
	remoteTerminal string
	sentAt         time.Time
}

// Reconciler is the periodic cross-terminal inventory consistency check.
type Reconciler struct {
	cfg       Config
	store     *store.Store
	bus       *bus.Bus
	requester Requester
	log       *logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	alerts  []Alert

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a reconciler.
func New(cfg Config, st *store.Store, b *bus.Bus, req Requester) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.DivergenceThreshold == 0 {
		cfg.DivergenceThreshold = def.DivergenceThreshold
	}
	if cfg.RequestTTL == 0 {
		cfg.RequestTTL = def.RequestTTL
	}
	if cfg.RetentionPeriod == 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:       cfg,
		store:     st,
		bus:       b,
		requester: req,
		log:       logging.GetDefault().Component("reconciler"),
		pending:   make(map[string]*pendingRequest),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the periodic checksum publication and housekeeping.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
	r.log.Info("Reconciler started", "interval", r.cfg.Interval, "threshold", r.cfg.DivergenceThreshold)
}

// Stop cancels the timers and waits for any in-progress pass.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
	r.log.Info("Reconciler stopped")
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	cleanupTicker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(r.ctx); err != nil && r.ctx.Err() == nil {
				r.log.Warn("Checksum publication failed", "error", err)
			}
		case <-cleanupTicker.C:
			r.cleanup()
		}
	}
}

// RunOnce publishes one inventory:checksum message through the bus. It
// is also the on-demand entry point.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	digest, rowCount, err := r.ComputeChecksum(ctx)
	if err != nil {
		return err
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	_, err = r.bus.Publish(ctx, tx, store.TopicInventoryChecksum, &bus.ChecksumPayload{
		Checksum:    digest,
		RowCount:    rowCount,
		GeneratedAt: time.Now(),
	})
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.log.Debug("Checksum published", "checksum", digest[:12], "rows", rowCount)
	return nil
}

// ComputeChecksum digests the terminal's inventory: every
// (productId, currentStock, reservedStock) triple in productId ascending
// order, delimiter-joined, SHA-256. Returns the digest and the row count
// it covers.
func (r *Reconciler) ComputeChecksum(ctx context.Context) (string, int, error) {
	rows, err := r.store.ListInventorySnapshot(ctx)
	if err != nil {
		return "", 0, err
	}

	h := sha256.New()
	for _, row := range rows {
		fmt.Fprintf(h, "%s|%d|%d\n", row.ProductID, row.Current, row.Reserved)
	}
	return hex.EncodeToString(h.Sum(nil)), len(rows), nil
}

// HandleChecksum processes a peer's inventory:checksum message: compare
// against a freshly-computed local checksum, and on divergence request
// the peer's snapshot.
func (r *Reconciler) HandleChecksum(fromTerminal string, payload *bus.ChecksumPayload) {
	local, rowCount, err := r.ComputeChecksum(r.ctx)
	if err != nil {
		if r.ctx.Err() == nil {
			r.log.Warn("Local checksum failed", "error", err)
		}
		return
	}

	if helpers.ConstantTimeCompare([]byte(local), []byte(payload.Checksum)) {
		r.log.Debug("Checksum match", "from", fromTerminal, "rows", rowCount)
		return
	}

	r.log.Info("Inventory divergence detected, requesting snapshot",
		"from", fromTerminal,
		"local_rows", rowCount,
		"remote_rows", payload.RowCount)

	requestID := idgen.NewOutboxID()
	r.mu.Lock()
	r.pending[requestID] = &pendingRequest{remoteTerminal: fromTerminal, sentAt: time.Now()}
	r.mu.Unlock()

	if r.requester == nil {
		return
	}
	if err := r.requester.SendInventoryRequest(requestID); err != nil {
		r.log.Warn("Snapshot request failed", "request_id", requestID, "error", err)
		r.mu.Lock()
		delete(r.pending, requestID)
		r.mu.Unlock()
	}
}

// HandleInventoryResponse matches a snapshot to its outstanding request
// and reconciles against it.
func (r *Reconciler) HandleInventoryResponse(resp *wire.InventoryResponse) {
	r.mu.Lock()
	req, ok := r.pending[resp.RequestID]
	if ok {
		delete(r.pending, resp.RequestID)
	}
	// Expire stale requests while we hold the lock.
	cutoff := time.Now().Add(-r.cfg.RequestTTL)
	for id, p := range r.pending {
		if p.sentAt.Before(cutoff) {
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debug("Unsolicited inventory response dropped", "request_id", resp.RequestID)
		return
	}

	if err := r.Reconcile(r.ctx, resp.Inventory, req.remoteTerminal); err != nil && r.ctx.Err() == nil {
		r.log.Warn("Reconciliation failed", "from", req.remoteTerminal, "error", err)
	}
}

// Reconcile applies the row-wise last-writer-wins rule against a remote
// snapshot. For each product present on either side:
//
//   - only local: no change (the peer will pull it from its own pass)
//   - only remote: insert the remote row
//   - both, stock differs: the row with the greater lastUpdated wins;
//     ties go to the lexicographically greater terminal id
//
// Divergence beyond the threshold is never auto-resolved; it raises an
// operator alert and leaves both rows untouched.
func (r *Reconciler) Reconcile(ctx context.Context, remote []wire.InventoryRow, remoteTerminal string) error {
	localRows, err := r.store.ListInventorySnapshot(ctx)
	if err != nil {
		return err
	}
	local := make(map[string]store.InventorySnapshotRow, len(localRows))
	for _, row := range localRows {
		local[row.ProductID] = row
	}

	repaired := 0
	for _, rr := range remote {
		lr, exists := local[rr.ProductID]
		if !exists {
			if err := r.applyRemote(ctx, &rr, remoteTerminal, 0); err != nil {
				r.log.Warn("Insert of remote-only row failed", "product", rr.ProductID, "error", err)
				continue
			}
			repaired++
			continue
		}

		if lr.Current == rr.CurrentStock && lr.Reserved == rr.ReservedStock {
			continue
		}

		diff := lr.Current - rr.CurrentStock
		if diff < 0 {
			diff = -diff
		}
		if diff > r.cfg.DivergenceThreshold {
			r.raiseAlert(rr.ProductID, lr.Current, rr.CurrentStock, remoteTerminal)
			continue
		}

		if !r.remoteWins(lr, &rr, remoteTerminal) {
			continue
		}
		if err := r.applyRemote(ctx, &rr, remoteTerminal, lr.Current); err != nil {
			r.log.Warn("Repair failed", "product", rr.ProductID, "error", err)
			continue
		}
		repaired++
	}

	if repaired > 0 {
		r.log.Info("inventory.reconciled", "from", remoteTerminal, "repaired", repaired)
	}
	return nil
}

// remoteWins applies the LWW rule between a local row and a remote row.
func (r *Reconciler) remoteWins(local store.InventorySnapshotRow, remote *wire.InventoryRow, remoteTerminal string) bool {
	if remote.LastUpdated.After(local.LastUpdated) {
		return true
	}
	if local.LastUpdated.After(remote.LastUpdated) {
		return false
	}
	return remoteTerminal > r.cfg.TerminalID
}

// applyRemote writes the winning remote row and its audit trail in one
// transaction.
func (r *Reconciler) applyRemote(ctx context.Context, rr *wire.InventoryRow, remoteTerminal string, priorStock int64) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := store.SetInventory(ctx, tx, &store.Inventory{
		ProductID: rr.ProductID,
		Current:   rr.CurrentStock,
		Reserved:  rr.ReservedStock,
	}); err != nil {
		return err
	}

	if err := store.InsertInventoryChange(ctx, tx, &store.InventoryChange{
		ID:               idgen.NewOutboxID(),
		ProductID:        rr.ProductID,
		ChangeType:       store.ChangeAdjustment,
		Delta:            rr.CurrentStock - priorStock,
		ResultingStock:   rr.CurrentStock,
		OriginTerminalID: remoteTerminal,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

// raiseAlert records a divergence-over-threshold for the operator. Large
// divergences indicate lost sales or mis-scans and must not be silently
// overwritten.
func (r *Reconciler) raiseAlert(productID string, localStock, remoteStock int64, remoteTerminal string) {
	alert := Alert{
		ProductID:      productID,
		LocalStock:     localStock,
		RemoteStock:    remoteStock,
		RemoteTerminal: remoteTerminal,
		RaisedAt:       time.Now(),
	}
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()

	r.log.Warn("inventory.divergence_alert",
		"product", productID,
		"local", localStock,
		"remote", remoteStock,
		"peer", remoteTerminal,
		"threshold", r.cfg.DivergenceThreshold)
}

// Alerts returns the alerts raised so far.
func (r *Reconciler) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

// cleanup prunes fully-delivered outbox rows and old inbox ids past the
// retention window, bounding the embedded database's size.
func (r *Reconciler) cleanup() {
	cutoff := time.Now().Add(-r.cfg.RetentionPeriod)

	outbox, err := r.store.CleanupAckedOutbox(r.ctx, cutoff)
	if err != nil && r.ctx.Err() == nil {
		r.log.Warn("Outbox cleanup failed", "error", err)
	}
	inbox, err := r.store.CleanupOldInboxProcessed(r.ctx, cutoff)
	if err != nil && r.ctx.Err() == nil {
		r.log.Warn("Inbox cleanup failed", "error", err)
	}
	if outbox > 0 || inbox > 0 {
		r.log.Info("Cleaned up delivered messages", "outbox", outbox, "inbox", inbox)
	}
}
