// Package queue provides PendingDeletionQueue implementations.
package queue

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/clinic-liquidation/internal/model"
	"github.com/jwalitptl/clinic-liquidation/internal/repository"
	redisq "github.com/jwalitptl/clinic-liquidation/pkg/messaging/redis"
)

// DefaultKey is the Redis list holding pending deletions.
const DefaultKey = "liquidation:pending_deletions"

type memoryQueue struct {
	mu    sync.Mutex
	items []*model.PendingDeletion
}

// NewMemory returns a process-local queue. Items are lost on restart.
func NewMemory() repository.PendingDeletionQueue {
	return &memoryQueue{}
}

func (q *memoryQueue) Push(_ context.Context, p *model.PendingDeletion) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *p
	cp.RecordIDs = append([]string(nil), p.RecordIDs...)
	q.items = append(q.items, &cp)
	return nil
}

func (q *memoryQueue) Pop(_ context.Context) (*model.PendingDeletion, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, nil
}

type redisQueue struct {
	q *redisq.Queue
}

// NewRedis returns a queue backed by a Redis list shared by every replica
// and the standalone worker.
func NewRedis(client *redis.Client, key string) repository.PendingDeletionQueue {
	if key == "" {
		key = DefaultKey
	}
	return &redisQueue{q: redisq.NewQueue(client, key)}
}

func (r *redisQueue) Push(ctx context.Context, p *model.PendingDeletion) error {
	return r.q.Push(ctx, p)
}

func (r *redisQueue) Pop(ctx context.Context) (*model.PendingDeletion, error) {
	var p model.PendingDeletion
	ok, err := r.q.Pop(ctx, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}
