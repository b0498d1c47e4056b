package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
)

const (
	redisPendingKey  = "gymledger:audit:pending"
	redisInflightKey = "gymledger:audit:inflight"
)

// Queue holds audit entries awaiting redelivery. Pop claims the oldest entry;
// a claimed entry is removed by Ack or returned to the tail by Nack.
type Queue interface {
	Push(ctx context.Context, row auditdomain.AuditLog) error
	Pop(ctx context.Context) (*Claimed, error)
	Ack(ctx context.Context, c *Claimed) error
	Nack(ctx context.Context, c *Claimed) error
	Len(ctx context.Context) (int, error)
	// Recover returns entries claimed by a process that never acked them.
	Recover(ctx context.Context) (int, error)
}

// Claimed is an entry taken off the queue. raw is the stored encoding.
type Claimed struct {
	Row auditdomain.AuditLog
	raw string
}

// NewQueue returns a Redis-backed queue, or an in-process one when Redis is
// not configured.
func NewQueue(client *redis.Client) Queue {
	if client == nil {
		return NewMemoryQueue()
	}
	return NewRedisQueue(client)
}

type redisQueue struct {
	client   *redis.Client
	pending  string
	inflight string
}

func NewRedisQueue(client *redis.Client) Queue {
	return &redisQueue{client: client, pending: redisPendingKey, inflight: redisInflightKey}
}

func (q *redisQueue) Push(ctx context.Context, row auditdomain.AuditLog) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return q.client.RPush(ctx, q.pending, raw).Err()
}

func (q *redisQueue) Pop(ctx context.Context) (*Claimed, error) {
	raw, err := q.client.LMove(ctx, q.pending, q.inflight, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var row auditdomain.AuditLog
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		// Undecodable entries can never be delivered; drop the claim.
		_ = q.client.LRem(ctx, q.inflight, 1, raw).Err()
		return nil, fmt.Errorf("decode audit entry: %w", err)
	}
	return &Claimed{Row: row, raw: raw}, nil
}

func (q *redisQueue) Ack(ctx context.Context, c *Claimed) error {
	return q.client.LRem(ctx, q.inflight, 1, c.raw).Err()
}

func (q *redisQueue) Nack(ctx context.Context, c *Claimed) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.inflight, 1, c.raw)
		pipe.RPush(ctx, q.pending, c.raw)
		return nil
	})
	return err
}

func (q *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.pending).Result()
	return int(n), err
}

func (q *redisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.inflight, q.pending, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

type memoryQueue struct {
	mu      sync.Mutex
	pending []auditdomain.AuditLog
}

// NewMemoryQueue keeps entries for the life of the process only.
func NewMemoryQueue() Queue {
	return &memoryQueue{}
}

func (q *memoryQueue) Push(_ context.Context, row auditdomain.AuditLog) error {
	q.mu.Lock()
	q.pending = append(q.pending, row)
	q.mu.Unlock()
	return nil
}

func (q *memoryQueue) Pop(context.Context) (*Claimed, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, nil
	}
	row := q.pending[0]
	q.pending = q.pending[1:]
	return &Claimed{Row: row}, nil
}

func (q *memoryQueue) Ack(context.Context, *Claimed) error { return nil }

func (q *memoryQueue) Nack(ctx context.Context, c *Claimed) error {
	return q.Push(ctx, c.Row)
}

func (q *memoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), nil
}

func (q *memoryQueue) Recover(context.Context) (int, error) { return 0, nil }
