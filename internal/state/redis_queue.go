package state

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wsmolak/airflow/internal/observability"
)

type RedisQueueConfig struct {
	Addr          string
	Password      string
	DB            int
	Key           string
	Timeout       time.Duration
	DeadLetterMax int
}

// RedisQueue is a Queue backed by Redis lists. Pending instances live on a
// list, claims in a hash keyed by receipt, and claim expiry in a sorted set
// scored by visibility deadline in unix milliseconds.
type RedisQueue struct {
	cfg    RedisQueueConfig
	client *redis.Client
}

func NewRedisQueue(cfg RedisQueueConfig) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "airflow:tis"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.DeadLetterMax <= 0 {
		cfg.DeadLetterMax = 5
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return &RedisQueue{cfg: cfg, client: client}
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) pendingKey() string    { return q.cfg.Key + ":pending" }
func (q *RedisQueue) claimsKey() string     { return q.cfg.Key + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.cfg.Key + ":visibility" }
func (q *RedisQueue) nackKey() string       { return q.cfg.Key + ":nack" }
func (q *RedisQueue) deadKey() string       { return q.cfg.Key + ":dead" }

func (q *RedisQueue) labels(extra map[string]string) map[string]string {
	l := map[string]string{"queue_backend": "redis"}
	for k, v := range extra {
		l[k] = v
	}
	return l
}

func (q *RedisQueue) Enqueue(ctx context.Context, key TaskInstanceKey) error {
	return q.EnqueueMany(ctx, []TaskInstanceKey{key})
}

func (q *RedisQueue) EnqueueMany(ctx context.Context, keys []TaskInstanceKey) error {
	if len(keys) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		vals = append(vals, encodeTaskInstanceKey(k))
	}
	return q.client.LPush(ctx, q.pendingKey(), vals...).Err()
}

func (q *RedisQueue) Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error) {
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 15 * time.Second
	}
	now := time.Now().UTC()
	out := make([]QueueClaim, 0, max)
	for i := 0; i < max; i++ {
		raw, err := q.client.RPop(ctx, q.pendingKey()).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return nil, err
		}
		key, ok := decodeTaskInstanceKey(raw)
		if !ok {
			if err := q.client.LPush(ctx, q.deadKey(), raw).Err(); err != nil {
				return nil, err
			}
			continue
		}

		receipt := consumer + ":" + uuid.NewString()
		visibleAt := now.Add(visibilityTimeout)
		if err := q.client.HSet(ctx, q.claimsKey(), receipt, raw).Err(); err != nil {
			return nil, err
		}
		if err := q.client.ZAdd(ctx, q.visibilityKey(), redis.Z{Score: float64(visibleAt.UnixMilli()), Member: receipt}).Err(); err != nil {
			return nil, err
		}

		out = append(out, QueueClaim{
			Key:       key,
			Receipt:   receipt,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: visibleAt,
		})
	}
	observability.Default.IncCounter("queue_claimed_total", q.labels(map[string]string{"consumer": consumer}), float64(len(out)))
	return out, nil
}

func (q *RedisQueue) getClaimPayload(ctx context.Context, receipt string) (string, error) {
	payload, err := q.client.HGet(ctx, q.claimsKey(), receipt).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return payload, err
}

func (q *RedisQueue) dropClaim(ctx context.Context, receipt string) error {
	if err := q.client.HDel(ctx, q.claimsKey(), receipt).Err(); err != nil {
		return err
	}
	return q.client.ZRem(ctx, q.visibilityKey(), receipt).Err()
}

func (q *RedisQueue) Ack(ctx context.Context, claims []QueueClaim) error {
	if len(claims) == 0 {
		return nil
	}
	for _, c := range claims {
		payload, err := q.getClaimPayload(ctx, c.Receipt)
		if err != nil {
			return err
		}
		if err := q.dropClaim(ctx, c.Receipt); err != nil {
			return err
		}
		if payload != "" {
			if err := q.client.HDel(ctx, q.nackKey(), payload).Err(); err != nil {
				return err
			}
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_acked_total", q.labels(map[string]string{"consumer": c.ClaimedBy}), 1)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, claims []QueueClaim, reason string) error {
	if len(claims) == 0 {
		return nil
	}
	for _, c := range claims {
		payload, err := q.getClaimPayload(ctx, c.Receipt)
		if err != nil {
			return err
		}
		if payload == "" {
			continue
		}

		toDead := false
		if reason == "error" {
			count, err := q.client.HIncrBy(ctx, q.nackKey(), payload, 1).Result()
			if err != nil {
				return err
			}
			toDead = int(count) >= q.cfg.DeadLetterMax
		}

		if toDead {
			if err := q.client.LPush(ctx, q.deadKey(), payload).Err(); err != nil {
				return err
			}
			if err := q.client.HDel(ctx, q.nackKey(), payload).Err(); err != nil {
				return err
			}
		} else {
			if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
				return err
			}
		}

		if err := q.dropClaim(ctx, c.Receipt); err != nil {
			return err
		}
	}
	for _, c := range claims {
		observability.Default.IncCounter("queue_nacked_total", q.labels(map[string]string{"consumer": c.ClaimedBy, "reason": reason}), 1)
	}
	return q.refreshDeadGauge(ctx)
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}
	receipts, err := q.client.ZRangeByScore(ctx, q.visibilityKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  int64(max),
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, receipt := range receipts {
		payload, err := q.getClaimPayload(ctx, receipt)
		if err != nil {
			return 0, err
		}
		if payload != "" {
			if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
				return 0, err
			}
		}
		if err := q.dropClaim(ctx, receipt); err != nil {
			return 0, err
		}
	}
	if len(receipts) > 0 {
		observability.Default.IncCounter("queue_expired_requeued_total", q.labels(nil), float64(len(receipts)))
	}
	return len(receipts), nil
}

func (q *RedisQueue) ListDeadLetters(ctx context.Context, limit int) ([]TaskInstanceKey, error) {
	if limit <= 0 {
		limit = 50
	}
	items, err := q.client.LRange(ctx, q.deadKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]TaskInstanceKey, 0, len(items))
	for _, raw := range items {
		if key, ok := decodeTaskInstanceKey(raw); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (q *RedisQueue) RequeueDeadLetters(ctx context.Context, keys []TaskInstanceKey) (int, error) {
	requeued := 0
	for _, k := range keys {
		encoded := encodeTaskInstanceKey(k)
		removed, err := q.client.LRem(ctx, q.deadKey(), 1, encoded).Result()
		if err != nil {
			return requeued, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.pendingKey(), encoded).Err(); err != nil {
			return requeued, err
		}
		requeued++
	}
	if requeued > 0 {
		observability.Default.IncCounter("dead_letter_requeued_total", q.labels(nil), float64(requeued))
	}
	if err := q.refreshDeadGauge(ctx); err != nil {
		return requeued, err
	}
	return requeued, nil
}

func (q *RedisQueue) refreshDeadGauge(ctx context.Context) error {
	n, err := q.client.LLen(ctx, q.deadKey()).Result()
	if err != nil {
		return err
	}
	observability.Default.SetGauge("dead_letter_count", q.labels(nil), float64(n))
	return nil
}

func encodeTaskInstanceKey(key TaskInstanceKey) string {
	return key.DAGID + "|" + key.RunID + "|" + key.TaskID
}

func decodeTaskInstanceKey(raw string) (TaskInstanceKey, bool) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return TaskInstanceKey{}, false
	}
	return TaskInstanceKey{DAGID: parts[0], RunID: parts[1], TaskID: parts[2]}, true
}
