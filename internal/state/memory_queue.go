package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wsmolak/airflow/internal/observability"
)

type memoryInflight struct {
	claim QueueClaim
}

// MemoryQueue is an in-process Queue for tests and single-node deployments.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []TaskInstanceKey
	inflight map[string]memoryInflight
	nack     map[string]int
	dead     []TaskInstanceKey
	counter  uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:    make([]TaskInstanceKey, 0, 128),
		inflight: make(map[string]memoryInflight),
		nack:     make(map[string]int),
		dead:     make([]TaskInstanceKey, 0, 64),
	}
}

func (q *MemoryQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "memory"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *MemoryQueue) Enqueue(_ context.Context, key TaskInstanceKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, key)
	return nil
}

func (q *MemoryQueue) EnqueueMany(_ context.Context, keys []TaskInstanceKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, keys...)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 15 * time.Second
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	now := time.Now().UTC()
	out := make([]QueueClaim, 0, max)
	for i := 0; i < max; i++ {
		key := q.items[0]
		q.items = q.items[1:]
		q.counter++
		receipt := fmt.Sprintf("mem:%s:%d", consumer, q.counter)
		claim := QueueClaim{
			Key:       key,
			Receipt:   receipt,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: now.Add(visibilityTimeout),
		}
		q.inflight[receipt] = memoryInflight{claim: claim}
		out = append(out, claim)
	}
	observability.Default.IncCounter("queue_claimed_total", q.labels(map[string]string{"consumer": consumer}), float64(len(out)))
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, claims []QueueClaim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range claims {
		delete(q.inflight, c.Receipt)
		delete(q.nack, encodeTaskInstanceKey(c.Key))
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_acked_total", q.labels(map[string]string{"consumer": c.ClaimedBy}), 1)
	}
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, claims []QueueClaim, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range claims {
		if inflight, ok := q.inflight[c.Receipt]; ok {
			key := inflight.claim.Key
			encoded := encodeTaskInstanceKey(key)
			if reason == "error" {
				q.nack[encoded]++
				if q.nack[encoded] >= 5 {
					q.dead = append(q.dead, key)
					delete(q.nack, encoded)
					delete(q.inflight, c.Receipt)
					continue
				}
			}
			q.items = append(q.items, key)
			delete(q.inflight, c.Receipt)
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_nacked_total", q.labels(map[string]string{"consumer": c.ClaimedBy, "reason": reason}), 1)
	}
	observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(len(q.dead)))
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for receipt, inflight := range q.inflight {
		if max > 0 && moved >= max {
			break
		}
		if inflight.claim.VisibleAt.After(now) {
			continue
		}
		q.items = append(q.items, inflight.claim.Key)
		delete(q.inflight, receipt)
		moved++
	}
	if moved > 0 {
		observability.Default.IncCounter("queue_expired_requeued_total", q.labels(nil), float64(moved))
	}
	return moved, nil
}

func (q *MemoryQueue) ListDeadLetters(_ context.Context, limit int) ([]TaskInstanceKey, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]TaskInstanceKey, limit)
	copy(out, q.dead[:limit])
	return out, nil
}

func (q *MemoryQueue) RequeueDeadLetters(_ context.Context, keys []TaskInstanceKey) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(keys) == 0 {
		return 0, nil
	}
	target := make(map[string]int, len(keys))
	for _, k := range keys {
		target[encodeTaskInstanceKey(k)]++
	}
	kept := make([]TaskInstanceKey, 0, len(q.dead))
	requeued := 0
	for _, k := range q.dead {
		encoded := encodeTaskInstanceKey(k)
		if target[encoded] > 0 {
			q.items = append(q.items, k)
			target[encoded]--
			requeued++
			continue
		}
		kept = append(kept, k)
	}
	q.dead = kept
	if requeued > 0 {
		observability.Default.IncCounter("dead_letter_requeued_total", q.labels(nil), float64(requeued))
	}
	observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(len(q.dead)))
	return requeued, nil
}
