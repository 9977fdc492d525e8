package mailbox

import (
	"context"

	"trustsync/internal/model"
)

// Queue is the durable per-recipient FIFO mailbox. A row stays in the store
// from the moment it is accepted until an explicit Ack for its message id;
// "queued" and "delivered-but-unacknowledged" are the same storage state.
//
// Storage errors always propagate to the caller. There is no in-memory
// fallback: a failed Enqueue is a failed send, never a silent drop.
type Queue interface {
	// Enqueue appends the envelope to the recipient's mailbox durably.
	Enqueue(ctx context.Context, recipientDid string, env *model.MessageEnvelope) error

	// Dequeue atomically returns all queued envelopes for the recipient in
	// FIFO order and removes them from storage in the same operation.
	Dequeue(ctx context.Context, recipientDid string) ([]*model.MessageEnvelope, error)

	// Pending returns the recipient's queued envelopes in FIFO order without
	// removing them. Redelivery on register uses this; rows are only removed
	// by Ack.
	Pending(ctx context.Context, recipientDid string) ([]*model.MessageEnvelope, error)

	// Ack removes the envelope with the given message id from the
	// recipient's mailbox. Acking an unknown id is a no-op.
	Ack(ctx context.Context, recipientDid, messageID string) error

	// Count returns the recipient's queue depth.
	Count(ctx context.Context, recipientDid string) (int, error)

	// CountAll returns the queue depth across all recipients.
	CountAll(ctx context.Context) (int, error)

	Close() error
}
