package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HasProcessed reports whether a message id has already been applied at
// this terminal. The inbox_processed primary key on message_id is the
// sole idempotency guard: callers must check this (or rely on
// RecordProcessed's INSERT OR IGNORE outcome) before applying an inbound
// message's business effect a second time.
func (s *Store) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox_processed WHERE message_id = ?`, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: check inbox_processed: %w", err)
	}
	return exists > 0, nil
}

// RecordProcessed marks a message id as applied, within the same
// transaction as the business write it accompanies. Returns (true, nil)
// if this call actually inserted the row, (false, nil) if the id was
// already present (a benign duplicate delivery). The peer server decides
// whether to apply a payload with HasProcessed before this call; it does
// not use the returned bool.
func RecordProcessed(ctx context.Context, e execer, row *InboxProcessedRow) (bool, error) {
	if row.ProcessedAt.IsZero() {
		row.ProcessedAt = time.Now()
	}
	result, err := e.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbox_processed (message_id, source_terminal, topic, payload, processed_at)
		VALUES (?, ?, ?, ?, ?)
	`, row.MessageID, row.SourceTerminal, string(row.Topic), row.Payload, row.ProcessedAt.Unix())
	if err != nil {
		return false, fmt.Errorf("store: record inbox_processed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: record inbox_processed rows affected: %w", err)
	}
	return n > 0, nil
}

// GetProcessed retrieves a previously-recorded inbox_processed row, for
// diagnostics and replay tests.
func (s *Store) GetProcessed(ctx context.Context, messageID string) (*InboxProcessedRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, source_terminal, topic, payload, processed_at
		FROM inbox_processed WHERE message_id = ?
	`, messageID)

	var r InboxProcessedRow
	var topic string
	var processedAt int64
	err := row.Scan(&r.MessageID, &r.SourceTerminal, &topic, &r.Payload, &processedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan inbox_processed: %w", err)
	}
	r.Topic = Topic(topic)
	r.ProcessedAt = time.Unix(processedAt, 0)
	return &r, nil
}

// CleanupOldInboxProcessed deletes inbox_processed rows older than the
// cutoff, bounding the table's growth over time. Safe to run
// periodically: a message replayed after its row has been pruned is
// simply re-applied, which is only a correctness problem for peers that
// redeliver far past any realistic retry window.
func (s *Store) CleanupOldInboxProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM inbox_processed WHERE processed_at < ?
	`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup inbox_processed: %w", err)
	}
	return result.RowsAffected()
}

// CountInboxProcessed returns the total number of recorded inbox message
// ids, used by tests asserting dedupe behavior under replayed delivery.
func (s *Store) CountInboxProcessed(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inbox_processed`).Scan(&n)
	return n, err
}
