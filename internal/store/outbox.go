package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertOutboxRow appends one outbox row with status pending inside the
// caller's transaction. The caller is responsible for opening and
// committing that transaction; a rollback of the business write rolls
// this row back too, which is the entire point of the outbox pattern.
//
// A unique-violation on id is treated as a benign duplicate and returns
// nil, matching the store's general failure-semantics rule for
// outbox/inbox inserts.
func InsertOutboxRow(ctx context.Context, e execer, row *OutboxRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if row.Status == "" {
		row.Status = OutboxPending
	}

	_, err := e.ExecContext(ctx, `
		INSERT INTO outbox (id, topic, payload, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, row.ID, string(row.Topic), row.Payload, string(row.Status), row.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("store: insert outbox row: %w", err)
	}
	return nil
}

// GetPendingOutbox returns the oldest `limit` rows at the given status,
// ordered by id ascending (ULID chronological order).
func (s *Store) GetPendingOutbox(ctx context.Context, status OutboxStatus, limit int) ([]*OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, status, retry_count, created_at, peer_acked_at, cloud_acked_at
		FROM outbox
		WHERE status = ?
		ORDER BY id ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query pending outbox: %w", err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

// MarkOutboxPeerAck transitions a row pending -> peer_ack, stamping
// peer_acked_at. A row becomes peer_ack as soon as any one peer has
// acknowledged it.
func (s *Store) MarkOutboxPeerAck(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, peer_acked_at = ?
		WHERE id = ? AND status = ?
	`, string(OutboxPeerAck), now, id, string(OutboxPending))
	if err != nil {
		return fmt.Errorf("store: mark outbox peer_ack: %w", err)
	}
	return nil
}

// MarkOutboxCloudAck transitions a row peer_ack -> cloud_ack, stamping
// cloud_acked_at.
func (s *Store) MarkOutboxCloudAck(ctx context.Context, id string) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, cloud_acked_at = ?
		WHERE id = ? AND status = ?
	`, string(OutboxCloudAck), now, id, string(OutboxPeerAck))
	if err != nil {
		return fmt.Errorf("store: mark outbox cloud_ack: %w", err)
	}
	return nil
}

// MarkOutboxError transitions a row to the terminal error state, from
// either pending or peer_ack.
func (s *Store) MarkOutboxError(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET status = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(OutboxError), id, string(OutboxPending), string(OutboxPeerAck))
	if err != nil {
		return fmt.Errorf("store: mark outbox error: %w", err)
	}
	return nil
}

// IncrementOutboxRetries adds one to a row's retry count. Retries is
// monotonically non-decreasing per row by construction: this is the only
// write path that touches the column, and it only ever adds.
func (s *Store) IncrementOutboxRetries(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET retry_count = retry_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return 0, fmt.Errorf("store: increment outbox retries: %w", err)
	}
	var retries int
	err = s.db.QueryRowContext(ctx, `SELECT retry_count FROM outbox WHERE id = ?`, id).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("store: read outbox retries: %w", err)
	}
	return retries, nil
}

// GetOutboxRow retrieves a single outbox row by id.
func (s *Store) GetOutboxRow(ctx context.Context, id string) (*OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, status, retry_count, created_at, peer_acked_at, cloud_acked_at
		FROM outbox WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: query outbox row: %w", err)
	}
	defer rows.Close()
	all, err := scanOutboxRows(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[0], nil
}

// OutboxStats returns a count of outbox rows per status, for Supervisor
// health logging and tests.
func (s *Store) OutboxStats(ctx context.Context) (map[OutboxStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: outbox stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[OutboxStatus(status)] = count
	}
	return stats, rows.Err()
}

// CleanupAckedOutbox deletes cloud_ack rows older than the cutoff,
// bounding the outbox table's size over time.
func (s *Store) CleanupAckedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox WHERE status = ? AND created_at < ?
	`, string(OutboxCloudAck), olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup outbox: %w", err)
	}
	return result.RowsAffected()
}

func scanOutboxRows(rows *sql.Rows) ([]*OutboxRow, error) {
	var out []*OutboxRow
	for rows.Next() {
		var r OutboxRow
		var topic, status string
		var createdAt int64
		var peerAckedAt, cloudAckedAt sql.NullInt64

		if err := rows.Scan(&r.ID, &topic, &r.Payload, &status, &r.RetryCount,
			&createdAt, &peerAckedAt, &cloudAckedAt); err != nil {
			return nil, fmt.Errorf("store: scan outbox row: %w", err)
		}
		r.Topic = Topic(topic)
		r.Status = OutboxStatus(status)
		r.CreatedAt = time.Unix(createdAt, 0)
		if peerAckedAt.Valid {
			t := time.Unix(peerAckedAt.Int64, 0)
			r.PeerAckedAt = &t
		}
		if cloudAckedAt.Valid {
			t := time.Unix(cloudAckedAt.Int64, 0)
			r.CloudAckedAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
