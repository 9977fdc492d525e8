package mailbox

import (
	"context"
	"encoding/json"
	"sync"

	"trustsync/internal/model"
)

type (
	memoryRow struct {
		messageID string
		data      []byte
	}

	// MemoryQueue keeps mailboxes in process memory. It backs tests and
	// embedded single-process deployments; it does not survive restarts.
	MemoryQueue struct {
		mu   sync.Mutex
		rows map[string][]memoryRow
	}
)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		rows: make(map[string][]memoryRow),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, recipientDid string, env *model.MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.rows[recipientDid] = append(q.rows[recipientDid], memoryRow{messageID: env.ID, data: data})
	return nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, recipientDid string) ([]*model.MessageEnvelope, error) {
	q.mu.Lock()
	rows := q.rows[recipientDid]
	delete(q.rows, recipientDid)
	q.mu.Unlock()

	return decodeRows(rows)
}

func (q *MemoryQueue) Pending(_ context.Context, recipientDid string) ([]*model.MessageEnvelope, error) {
	q.mu.Lock()
	rows := make([]memoryRow, len(q.rows[recipientDid]))
	copy(rows, q.rows[recipientDid])
	q.mu.Unlock()

	return decodeRows(rows)
}

func (q *MemoryQueue) Ack(_ context.Context, recipientDid, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows := q.rows[recipientDid]
	for i, r := range rows {
		if r.messageID == messageID {
			q.rows[recipientDid] = append(rows[:i], rows[i+1:]...)
			if len(q.rows[recipientDid]) == 0 {
				delete(q.rows, recipientDid)
			}
			break
		}
	}
	return nil
}

func (q *MemoryQueue) Count(_ context.Context, recipientDid string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows[recipientDid]), nil
}

func (q *MemoryQueue) CountAll(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, rows := range q.rows {
		total += len(rows)
	}
	return total, nil
}

func (q *MemoryQueue) Close() error { return nil }

func decodeRows(rows []memoryRow) ([]*model.MessageEnvelope, error) {
	var res []*model.MessageEnvelope
	for _, r := range rows {
		var env model.MessageEnvelope
		if err := json.Unmarshal(r.data, &env); err != nil {
			return nil, err
		}
		res = append(res, &env)
	}
	return res, nil
}

var _ Queue = (*MemoryQueue)(nil)
