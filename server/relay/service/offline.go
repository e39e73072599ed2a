package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
)

// ErrQueueFull signals explicit backpressure: the recipient's queue is at
// its cap and the message was not enqueued. Callers decide whether to
// drop, log, or alert; nothing is silently evicted.
var ErrQueueFull = errors.New("offline queue full")

const offlineKeyPrefix = "offline_message:"

// ListStore is the narrow contract the offline queue needs from its
// key-value backing store: per-key FIFO lists with TTL. LPop must remove
// and return up to count head entries in one atomic operation.
type ListStore interface {
	RPush(ctx context.Context, key string, value []byte) error
	LPop(ctx context.Context, key string, count int) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

type OfflineQueueConfig struct {
	Cap       int
	BatchSize int
	Retention time.Duration
}

// OfflineQueue is the per-user durable FIFO of undelivered messages,
// bounded in both size and time.
type OfflineQueue struct {
	store     ListStore
	cap       int
	batchSize int
	retention time.Duration
}

func NewOfflineQueue(store ListStore, cfg OfflineQueueConfig) *OfflineQueue {
	if cfg.Cap <= 0 {
		cfg.Cap = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	return &OfflineQueue{store: store, cap: cfg.Cap, batchSize: cfg.BatchSize, retention: cfg.Retention}
}

func offlineKey(userID string) string {
	return offlineKeyPrefix + userID
}

// Enqueue appends to the tail of the recipient's queue and refreshes the
// retention window. Returns ErrQueueFull without enqueuing once the cap is
// reached.
func (q *OfflineQueue) Enqueue(ctx context.Context, userID string, msg domain.PendingMessage) error {
	key := offlineKey(userID)
	size, err := q.store.LLen(ctx, key)
	if err != nil {
		return err
	}
	// The size check and the push are separate commands, so concurrent
	// enqueues for one user can overshoot the cap by the number of racing
	// senders. The cap is a best-effort bound, not an exact one.
	if size >= int64(q.cap) {
		return ErrQueueFull
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := q.store.RPush(ctx, key, payload); err != nil {
		return err
	}
	// Retention is per key and independent of consumption: the queue is
	// bounded in time even for a user who never reconnects.
	if err := q.store.Expire(ctx, key, q.retention); err != nil {
		commonlog.Warnf("event=offline_queue action=expire status=failed user_id=%s error=%v", userID, err)
	}
	return nil
}

// Drain pops all pending messages for a user in FIFO order, fetching in
// fixed-size batches to bound memory. Each batch is removed atomically and
// the popped values are the delivery source of truth, so two drains racing
// on one user partition the queue between them instead of popping entries
// neither has read. The iteration ceiling equals the queue cap, so a
// disagreement between the store's size accounting and its pop behavior
// can never turn into an unbounded loop. A corrupt entry is logged and
// skipped, never fatal to the batch.
func (q *OfflineQueue) Drain(ctx context.Context, userID string) ([]domain.PendingMessage, error) {
	key := offlineKey(userID)
	drained := make([]domain.PendingMessage, 0)

	for fetched := 0; fetched < q.cap; {
		batch, err := q.store.LPop(ctx, key, q.batchSize)
		if err != nil {
			return drained, err
		}
		if len(batch) == 0 {
			break
		}
		fetched += len(batch)

		for _, raw := range batch {
			var msg domain.PendingMessage
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				commonlog.Warnf("event=offline_queue action=drain status=skip_corrupt_entry user_id=%s error=%v", userID, err)
				continue
			}
			drained = append(drained, msg)
		}
	}
	return drained, nil
}

// HasPending is a cheap size probe used to decide whether a drain is
// worth attempting.
func (q *OfflineQueue) HasPending(ctx context.Context, userID string) (bool, error) {
	size, err := q.store.LLen(ctx, offlineKey(userID))
	if err != nil {
		return false, err
	}
	return size > 0, nil
}

// redisListStore backs the queue with redis list commands.
type redisListStore struct {
	client *redis.Client
}

func NewRedisListStore(client *redis.Client) ListStore {
	return &redisListStore{client: client}
}

func (s *redisListStore) RPush(ctx context.Context, key string, value []byte) error {
	return s.client.RPush(ctx, key, value).Err()
}

func (s *redisListStore) LPop(ctx context.Context, key string, count int) ([]string, error) {
	values, err := s.client.LPopCount(ctx, key, count).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return values, err
}

func (s *redisListStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

func (s *redisListStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}
