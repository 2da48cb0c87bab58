// Package sales records committed sales into the store and the outbox in
// one transaction. It is the ingest surface for the already-priced sale a
// register hands the sync core: the transaction tree, the inventory
// deltas with their audit rows, and the replication messages all commit
// or roll back together.
package sales

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/laneforge/possync/internal/bus"
	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/pkg/helpers"
	"github.com/laneforge/possync/pkg/logging"
)

// Recorder writes sales through the store and publishes their
// replication messages through the bus.
type Recorder struct {
	terminalID string
	store      *store.Store
	bus        *bus.Bus
	log        *logging.Logger

	mu   sync.Mutex
	seq  int
	date string
}

// NewRecorder creates a sale recorder for this terminal.
func NewRecorder(terminalID string, st *store.Store, b *bus.Bus) *Recorder {
	return &Recorder{
		terminalID: terminalID,
		store:      st,
		bus:        b,
		log:        logging.GetDefault().Component("sales"),
	}
}

// RecordSale persists a completed sale and its replication intent
// atomically: transaction + items + payments, one inventory delta and
// audit row per item, one transaction:new outbox row and one
// inventory:update outbox row per item. Returns the stored transaction.
func (r *Recorder) RecordSale(ctx context.Context, txn *store.Transaction, items []store.TransactionItem, payments []store.Payment) (*store.Transaction, error) {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.Number == "" {
		n, err := r.nextNumber(ctx)
		if err != nil {
			return nil, err
		}
		txn.Number = n
	}
	txn.OriginTerminalID = r.terminalID
	if txn.Status == "" {
		txn.Status = store.TxnCompleted
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	if txn.CompletedAt == nil && txn.Status == store.TxnCompleted {
		now := time.Now()
		txn.CompletedAt = &now
	}
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = uuid.New().String()
		}
		items[i].TransactionID = txn.ID
	}
	for i := range payments {
		if payments[i].ID == "" {
			payments[i].ID = uuid.New().String()
		}
		payments[i].TransactionID = txn.ID
	}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := store.CreateTransaction(ctx, tx, txn, items, payments); err != nil {
		return nil, err
	}

	msgs := []bus.Message{
		{Topic: store.TopicTransactionNew, Payload: bus.NewTransactionPayload(txn, items, payments)},
	}

	for _, item := range items {
		change := &store.InventoryChange{
			ID:               uuid.New().String(),
			ProductID:        item.ProductID,
			ChangeType:       store.ChangeSale,
			Delta:            -item.Quantity,
			OriginTerminalID: r.terminalID,
		}
		change.OriginEmployeeID = &txn.EmployeeID
		change.TransactionID = &txn.ID
		itemID := item.ID
		change.ItemID = &itemID
		if _, err := store.ApplyInventoryDelta(ctx, tx, change); err != nil {
			return nil, fmt.Errorf("sales: apply inventory delta: %w", err)
		}

		msgs = append(msgs, bus.Message{
			Topic: store.TopicInventoryUpdate,
			Payload: &bus.InventoryUpdatePayload{
				ProductID:        item.ProductID,
				Delta:            -item.Quantity,
				ChangeType:       string(store.ChangeSale),
				OriginEmployeeID: txn.EmployeeID,
				TransactionID:    txn.ID,
				ItemID:           item.ID,
			},
		})
	}

	if _, err := r.bus.PublishBatch(ctx, tx, msgs); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	r.log.Info("Sale recorded",
		"transaction", txn.Number,
		"items", len(items),
		"total", helpers.FormatCents(txn.TotalCents))
	return txn, nil
}

// nextNumber produces the human transaction number
// <terminal>-<date>-<seq>. The sequence resets each day and resumes past
// already-stored numbers after a restart, preserving the number's
// uniqueness constraint.
func (r *Recorder) nextNumber(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	today := time.Now().Format("20060102")
	if today != r.date {
		prefix := fmt.Sprintf("%s-%s-", r.terminalID, today)
		var count int
		err := r.store.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM transactions WHERE txn_number LIKE ?`, prefix+"%",
		).Scan(&count)
		if err != nil {
			return "", fmt.Errorf("sales: count today's transactions: %w", err)
		}
		r.date = today
		r.seq = count
	}
	r.seq++
	return fmt.Sprintf("%s-%s-%04d", r.terminalID, today, r.seq), nil
}
