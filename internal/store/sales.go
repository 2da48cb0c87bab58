package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateTransaction inserts a Transaction plus its TransactionItems and
// Payments within the caller's transaction. The caller opens and commits
// the Tx; this function never opens its own.
func CreateTransaction(ctx context.Context, e execer, txn *Transaction, items []TransactionItem, payments []Payment) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now()
	}
	if txn.Status == "" {
		txn.Status = TxnCompleted
	}
	if txn.SyncStatus == "" {
		txn.SyncStatus = SyncPending
	}
	if txn.Metadata == "" {
		txn.Metadata = "{}"
	}

	var completedAt any
	if txn.CompletedAt != nil {
		completedAt = txn.CompletedAt.Unix()
	}

	_, err := e.ExecContext(ctx, `
		INSERT INTO transactions (
			id, txn_number, employee_id, customer_id, subtotal_cents, tax_cents,
			discount_cents, total_cents, points_earned, points_redeemed, status,
			sales_channel, origin_terminal_id, sync_status, original_transaction_id,
			metadata, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.ID, txn.Number, txn.EmployeeID, txn.CustomerID, txn.SubtotalCents,
		txn.TaxCents, txn.DiscountCents, txn.TotalCents, txn.PointsEarned,
		txn.PointsRedeemed, string(txn.Status), txn.SalesChannel,
		txn.OriginTerminalID, string(txn.SyncStatus), txn.OriginalTransactionID,
		txn.Metadata, txn.CreatedAt.Unix(), completedAt)
	if err != nil {
		return fmt.Errorf("store: insert transaction: %w", err)
	}

	for _, item := range items {
		_, err := e.ExecContext(ctx, `
			INSERT INTO transaction_items (
				id, transaction_id, product_id, quantity, unit_price_cents,
				discount_cents, total_price_cents, discount_reason, returned
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID, txn.ID, item.ProductID, item.Quantity, item.UnitPriceCents,
			item.DiscountCents, item.TotalPriceCents, item.DiscountReason,
			boolToInt(item.Returned))
		if err != nil {
			return fmt.Errorf("store: insert transaction item: %w", err)
		}
	}

	for _, p := range payments {
		_, err := e.ExecContext(ctx, `
			INSERT INTO payments (
				id, transaction_id, method, amount_cents, last4, card_type,
				auth_code, tendered_cents, change_cents, gift_card_id, points_used
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, txn.ID, string(p.Method), p.AmountCents, p.Last4, p.CardType,
			p.AuthCode, p.TenderedCents, p.ChangeCents, p.GiftCardID, p.PointsUsed)
		if err != nil {
			return fmt.Errorf("store: insert payment: %w", err)
		}
	}

	return nil
}

// UpsertTransactionTree applies an inbound transaction:new message: insert
// the transaction and its children if the id is not already present.
// Idempotent by transaction id, matching the uniqueness guarantee the
// spec requires at the receiver.
func UpsertTransactionTree(ctx context.Context, e execer, txn *Transaction, items []TransactionItem, payments []Payment) error {
	var exists int
	err := e.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE id = ?`, txn.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: check existing transaction: %w", err)
	}
	if exists > 0 {
		return nil
	}
	return CreateTransaction(ctx, e, txn, items, payments)
}

// GetTransaction retrieves a Transaction by id (without items/payments).
func (s *Store) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, txn_number, employee_id, customer_id, subtotal_cents, tax_cents,
		       discount_cents, total_cents, points_earned, points_redeemed, status,
		       sales_channel, origin_terminal_id, sync_status, original_transaction_id,
		       metadata, created_at, completed_at
		FROM transactions WHERE id = ?
	`, id)

	var txn Transaction
	var status, syncStatus string
	var customerID, originalTxnID sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&txn.ID, &txn.Number, &txn.EmployeeID, &customerID,
		&txn.SubtotalCents, &txn.TaxCents, &txn.DiscountCents, &txn.TotalCents,
		&txn.PointsEarned, &txn.PointsRedeemed, &status, &txn.SalesChannel,
		&txn.OriginTerminalID, &syncStatus, &originalTxnID, &txn.Metadata,
		&createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan transaction: %w", err)
	}

	txn.Status = TransactionStatus(status)
	txn.SyncStatus = SyncStatus(syncStatus)
	txn.CreatedAt = time.Unix(createdAt, 0)
	if customerID.Valid {
		v := customerID.String
		txn.CustomerID = &v
	}
	if originalTxnID.Valid {
		v := originalTxnID.String
		txn.OriginalTransactionID = &v
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		txn.CompletedAt = &t
	}
	return &txn, nil
}

// CountTransactions returns the total number of Transaction rows, used by
// tests asserting S2/S3-style replay and duplicate-delivery outcomes.
func (s *Store) CountTransactions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&n)
	return n, err
}
