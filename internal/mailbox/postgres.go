package mailbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx"

	"trustsync/internal/model"
)

const (
	pgTagEnqueue  = "mailbox_enqueue"
	pgTagDequeue  = "mailbox_dequeue"
	pgTagPending  = "mailbox_pending"
	pgTagAck      = "mailbox_ack"
	pgTagCount    = "mailbox_count"
	pgTagCountAll = "mailbox_count_all"

	pgSchema = `
CREATE TABLE IF NOT EXISTS mailbox (
    id            BIGSERIAL PRIMARY KEY,
    recipient_did TEXT NOT NULL,
    message_id    TEXT NOT NULL,
    envelope      BYTEA NOT NULL,
    enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS mailbox_recipient_idx ON mailbox (recipient_did, id);
`
)

// PostgresQueue is the relational mailbox backend. FIFO order is the
// monotonic row id; Dequeue drains in a single statement so a concurrent
// drain can never hand out the same row twice.
type PostgresQueue struct {
	pool *pgx.ConnPool
}

func NewPostgresQueue(dsn string, maxConns int) (*PostgresQueue, error) {
	if maxConns < 2 {
		// pgx connection pools require at least 2 conns.
		maxConns = 5
	}

	connCfg, err := pgx.ParseConnectionString(dsn)
	if err != nil {
		return nil, fmt.Errorf("mailbox/postgres: parse dsn: %w", err)
	}

	pool, err := pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: maxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("mailbox/postgres: connect: %w", err)
	}

	q := &PostgresQueue{pool: pool}
	if err := q.initSchema(); err != nil {
		pool.Close()
		return nil, err
	}
	if err := q.initStatements(); err != nil {
		pool.Close()
		return nil, err
	}
	return q, nil
}

func (q *PostgresQueue) initSchema() error {
	if _, err := q.pool.Exec(pgSchema); err != nil {
		return fmt.Errorf("mailbox/postgres: init schema: %w", err)
	}
	return nil
}

func (q *PostgresQueue) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgTagEnqueue, "INSERT INTO mailbox (recipient_did, message_id, envelope) VALUES ($1, $2, $3);"},
		{pgTagDequeue, "WITH drained AS (DELETE FROM mailbox WHERE recipient_did = $1 RETURNING id, envelope) SELECT envelope FROM drained ORDER BY id;"},
		{pgTagPending, "SELECT envelope FROM mailbox WHERE recipient_did = $1 ORDER BY id;"},
		{pgTagAck, "DELETE FROM mailbox WHERE recipient_did = $1 AND message_id = $2;"},
		{pgTagCount, "SELECT count(*) FROM mailbox WHERE recipient_did = $1;"},
		{pgTagCountAll, "SELECT count(*) FROM mailbox;"},
	}

	for _, v := range stmts {
		if _, err := q.pool.Prepare(v.tag, v.query); err != nil {
			return fmt.Errorf("mailbox/postgres: prepare %s: %w", v.tag, err)
		}
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, recipientDid string, env *model.MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := q.pool.ExecEx(ctx, pgTagEnqueue, nil, recipientDid, env.ID, data); err != nil {
		return fmt.Errorf("mailbox/postgres: enqueue: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Dequeue(ctx context.Context, recipientDid string) ([]*model.MessageEnvelope, error) {
	return q.queryEnvelopes(ctx, pgTagDequeue, recipientDid)
}

func (q *PostgresQueue) Pending(ctx context.Context, recipientDid string) ([]*model.MessageEnvelope, error) {
	return q.queryEnvelopes(ctx, pgTagPending, recipientDid)
}

func (q *PostgresQueue) queryEnvelopes(ctx context.Context, tag, recipientDid string) ([]*model.MessageEnvelope, error) {
	rows, err := q.pool.QueryEx(ctx, tag, nil, recipientDid)
	if err != nil {
		return nil, fmt.Errorf("mailbox/postgres: %s: %w", tag, err)
	}
	defer rows.Close()

	var res []*model.MessageEnvelope
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var env model.MessageEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("mailbox/postgres: corrupt envelope row: %w", err)
		}
		res = append(res, &env)
	}
	return res, rows.Err()
}

func (q *PostgresQueue) Ack(ctx context.Context, recipientDid, messageID string) error {
	// Deleting zero rows is fine: ack is idempotent.
	if _, err := q.pool.ExecEx(ctx, pgTagAck, nil, recipientDid, messageID); err != nil {
		return fmt.Errorf("mailbox/postgres: ack: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Count(ctx context.Context, recipientDid string) (int, error) {
	var n int
	if err := q.pool.QueryRowEx(ctx, pgTagCount, nil, recipientDid).Scan(&n); err != nil {
		return 0, fmt.Errorf("mailbox/postgres: count: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) CountAll(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRowEx(ctx, pgTagCountAll, nil).Scan(&n); err != nil {
		return 0, fmt.Errorf("mailbox/postgres: count all: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) Close() error {
	q.pool.Close()
	return nil
}

var _ Queue = (*PostgresQueue)(nil)
