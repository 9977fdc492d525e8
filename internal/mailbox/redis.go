package mailbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"trustsync/internal/model"
)

// RedisQueue stores each mailbox as a redis list, one JSON envelope per
// element. List order is FIFO by construction (RPUSH/LRANGE).
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func mailboxKey(recipientDid string) string {
	return fmt.Sprintf("mailbox:%s", recipientDid)
}

func (q *RedisQueue) Enqueue(ctx context.Context, recipientDid string, env *model.MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, mailboxKey(recipientDid), data).Err(); err != nil {
		return fmt.Errorf("mailbox/redis: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, recipientDid string) ([]*model.MessageEnvelope, error) {
	key := mailboxKey(recipientDid)

	// LRANGE+DEL inside MULTI/EXEC so a concurrent drain cannot see the
	// same elements.
	var rangeCmd *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mailbox/redis: dequeue: %w", err)
	}
	return decodeValues(rangeCmd.Val())
}

func (q *RedisQueue) Pending(ctx context.Context, recipientDid string) ([]*model.MessageEnvelope, error) {
	vals, err := q.rdb.LRange(ctx, mailboxKey(recipientDid), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("mailbox/redis: pending: %w", err)
	}
	return decodeValues(vals)
}

func (q *RedisQueue) Ack(ctx context.Context, recipientDid, messageID string) error {
	key := mailboxKey(recipientDid)

	vals, err := q.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("mailbox/redis: ack: %w", err)
	}
	for _, v := range vals {
		var env model.MessageEnvelope
		if err := json.Unmarshal([]byte(v), &env); err != nil {
			continue
		}
		if env.ID == messageID {
			if err := q.rdb.LRem(ctx, key, 1, v).Err(); err != nil {
				return fmt.Errorf("mailbox/redis: ack: %w", err)
			}
			return nil
		}
	}
	// Unknown id: idempotent no-op.
	return nil
}

func (q *RedisQueue) Count(ctx context.Context, recipientDid string) (int, error) {
	n, err := q.rdb.LLen(ctx, mailboxKey(recipientDid)).Result()
	if err != nil {
		return 0, fmt.Errorf("mailbox/redis: count: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) CountAll(ctx context.Context) (int, error) {
	total := 0
	iter := q.rdb.Scan(ctx, 0, mailboxKey("*"), 0).Iterator()
	for iter.Next(ctx) {
		n, err := q.rdb.LLen(ctx, iter.Val()).Result()
		if err != nil {
			return 0, fmt.Errorf("mailbox/redis: count all: %w", err)
		}
		total += int(n)
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("mailbox/redis: count all: %w", err)
	}
	return total, nil
}

func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func decodeValues(vals []string) ([]*model.MessageEnvelope, error) {
	var res []*model.MessageEnvelope
	for _, v := range vals {
		var env model.MessageEnvelope
		if err := json.Unmarshal([]byte(v), &env); err != nil {
			return nil, fmt.Errorf("mailbox/redis: corrupt envelope: %w", err)
		}
		res = append(res, &env)
	}
	return res, nil
}

var _ Queue = (*RedisQueue)(nil)
