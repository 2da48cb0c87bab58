// Package bus implements the durable message bus over the outbox table.
// Publish appends rows inside the caller's store transaction so the
// business write and its replication intent commit or roll back together.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/laneforge/possync/internal/store"
	"github.com/laneforge/possync/pkg/idgen"
	"github.com/laneforge/possync/pkg/logging"
)

// ErrUnknownStage is returned by MarkSent for a stage other than peer_ack
// or cloud_ack.
var ErrUnknownStage = fmt.Errorf("bus: unknown delivery stage")

// Message is one topic+payload pair queued for publication.
type Message struct {
	Topic   store.Topic
	Payload any
}

// Bus publishes durable messages into the outbox and exposes the status
// transitions the drain loops (peer and cloud) drive.
type Bus struct {
	store *store.Store
	log   *logging.Logger
}

// New creates a message bus over the given store.
func New(st *store.Store) *Bus {
	return &Bus{
		store: st,
		log:   logging.GetDefault().Component("bus"),
	}
}

// Publish appends one outbox row with status pending inside the caller's
// open transaction and returns its id. The id is a monotonic ULID so
// outbox rows are naturally ordered by creation time.
func (b *Bus) Publish(ctx context.Context, tx *store.Tx, topic store.Topic, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("bus: marshal payload for %s: %w", topic, err)
	}

	row := &store.OutboxRow{
		ID:      idgen.NewOutboxID(),
		Topic:   topic,
		Payload: data,
	}
	if err := store.InsertOutboxRow(ctx, tx, row); err != nil {
		return "", err
	}

	b.log.Debug("Message published", "topic", topic, "id", row.ID)
	return row.ID, nil
}

// PublishBatch appends several outbox rows atomically within the caller's
// transaction, returning their ids in order.
func (b *Bus) PublishBatch(ctx context.Context, tx *store.Tx, msgs []Message) ([]string, error) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		id, err := b.Publish(ctx, tx, m.Topic, m.Payload)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkSent transitions a row to the given acknowledged stage (peer_ack or
// cloud_ack) and stamps the corresponding timestamp.
func (b *Bus) MarkSent(ctx context.Context, id string, stage store.OutboxStatus) error {
	switch stage {
	case store.OutboxPeerAck:
		return b.store.MarkOutboxPeerAck(ctx, id)
	case store.OutboxCloudAck:
		return b.store.MarkOutboxCloudAck(ctx, id)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
}

// MarkError transitions a row to the terminal error state.
func (b *Bus) MarkError(ctx context.Context, id string) error {
	b.log.Warn("Message dead-lettered", "id", id)
	return b.store.MarkOutboxError(ctx, id)
}

// IncrementRetries adds one to a row's retry count and returns the new
// count.
func (b *Bus) IncrementRetries(ctx context.Context, id string) (int, error) {
	return b.store.IncrementOutboxRetries(ctx, id)
}

// GetPending returns the oldest `limit` rows at the given status, in ULID
// (chronological) order. Used by the peer drain loop for pending rows and
// by the cloud uplink for peer_ack rows.
func (b *Bus) GetPending(ctx context.Context, status store.OutboxStatus, limit int) ([]*store.OutboxRow, error) {
	return b.store.GetPendingOutbox(ctx, status, limit)
}
