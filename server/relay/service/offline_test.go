package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/domain"
)

// memListStore gives the queue tests redis list semantics without a
// running server.
type memListStore struct {
	mu    sync.Mutex
	lists map[string][][]byte
	ttls  map[string]time.Duration
}

func newMemListStore() *memListStore {
	return &memListStore{lists: map[string][][]byte{}, ttls: map[string]time.Duration{}}
}

func (s *memListStore) RPush(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	s.lists[key] = append(s.lists[key], buf)
	return nil
}

func (s *memListStore) LPop(_ context.Context, key string, count int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if count > len(list) {
		count = len(list)
	}
	out := make([]string, 0, count)
	for _, raw := range list[:count] {
		out = append(out, string(raw))
	}
	if count == len(list) {
		delete(s.lists, key)
	} else {
		s.lists[key] = list[count:]
	}
	return out, nil
}

func (s *memListStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key])), nil
}

func (s *memListStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls[key] = ttl
	return nil
}

func pendingMsg(id, body string) domain.PendingMessage {
	return domain.PendingMessage{
		MessageID:   id,
		SenderID:    "u1",
		ChatID:      "c1",
		RecipientID: "u2",
		Body:        body,
		SentAt:      time.Now().UTC(),
	}
}

func TestOfflineQueue_DrainPreservesFIFOOrder(t *testing.T) {
	ctx := context.Background()
	queue := NewOfflineQueue(newMemListStore(), OfflineQueueConfig{})

	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m1", "first")))
	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m2", "second")))
	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m3", "third")))

	drained, err := queue.Drain(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, drained, 3)
	require.Equal(t, "m1", drained[0].MessageID)
	require.Equal(t, "m2", drained[1].MessageID)
	require.Equal(t, "m3", drained[2].MessageID)
}

func TestOfflineQueue_EnqueueBeyondCapReturnsQueueFull(t *testing.T) {
	ctx := context.Background()
	queue := NewOfflineQueue(newMemListStore(), OfflineQueueConfig{Cap: 3})

	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m1", "a")))
	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m2", "b")))
	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m3", "c")))

	err := queue.Enqueue(ctx, "u2", pendingMsg("m4", "d"))
	require.ErrorIs(t, err, ErrQueueFull)

	drained, err := queue.Drain(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, drained, 3)
	require.Equal(t, "m3", drained[2].MessageID)
}

func TestOfflineQueue_DrainFetchesInBatches(t *testing.T) {
	ctx := context.Background()
	queue := NewOfflineQueue(newMemListStore(), OfflineQueueConfig{BatchSize: 2})

	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg(id, id)))
	}

	drained, err := queue.Drain(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, drained, 5)
	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		require.Equal(t, id, drained[i].MessageID)
	}

	has, err := queue.HasPending(ctx, "u2")
	require.NoError(t, err)
	require.False(t, has)
}

func TestOfflineQueue_ConcurrentDrainsDeliverEachMessageOnce(t *testing.T) {
	ctx := context.Background()
	queue := NewOfflineQueue(newMemListStore(), OfflineQueueConfig{BatchSize: 2})

	ids := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	for _, id := range ids {
		require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg(id, id)))
	}

	results := make([][]domain.PendingMessage, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = queue.Drain(ctx, "u2")
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// racing drains partition the queue; no message may vanish or double up
	seen := map[string]int{}
	for _, drained := range results {
		for _, msg := range drained {
			seen[msg.MessageID]++
		}
	}
	require.Len(t, seen, len(ids))
	for _, id := range ids {
		require.Equal(t, 1, seen[id])
	}
}

func TestOfflineQueue_DrainSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	store := newMemListStore()
	queue := NewOfflineQueue(store, OfflineQueueConfig{})

	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m1", "good")))
	require.NoError(t, store.RPush(ctx, offlineKey("u2"), []byte("{not json")))
	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m2", "also good")))

	drained, err := queue.Drain(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, drained, 2)
	require.Equal(t, "m1", drained[0].MessageID)
	require.Equal(t, "m2", drained[1].MessageID)
}

func TestOfflineQueue_QueuesAreIsolatedPerUser(t *testing.T) {
	ctx := context.Background()
	queue := NewOfflineQueue(newMemListStore(), OfflineQueueConfig{})

	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m1", "for u2")))

	has, err := queue.HasPending(ctx, "u3")
	require.NoError(t, err)
	require.False(t, has)

	has, err = queue.HasPending(ctx, "u2")
	require.NoError(t, err)
	require.True(t, has)
}

func TestOfflineQueue_EnqueueRefreshesRetention(t *testing.T) {
	ctx := context.Background()
	store := newMemListStore()
	queue := NewOfflineQueue(store, OfflineQueueConfig{Retention: 48 * time.Hour})

	require.NoError(t, queue.Enqueue(ctx, "u2", pendingMsg("m1", "a")))

	store.mu.Lock()
	ttl := store.ttls[offlineKey("u2")]
	store.mu.Unlock()
	require.Equal(t, 48*time.Hour, ttl)
}

func TestOfflineQueue_EntriesRoundTripAllFields(t *testing.T) {
	ctx := context.Background()
	store := newMemListStore()
	queue := NewOfflineQueue(store, OfflineQueueConfig{})

	sent := pendingMsg("m1", "hello there")
	require.NoError(t, queue.Enqueue(ctx, "u2", sent))

	store.mu.Lock()
	raw := store.lists[offlineKey("u2")][0]
	store.mu.Unlock()
	var decoded domain.PendingMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, sent.MessageID, decoded.MessageID)
	require.Equal(t, sent.SenderID, decoded.SenderID)
	require.Equal(t, sent.ChatID, decoded.ChatID)
	require.Equal(t, sent.RecipientID, decoded.RecipientID)
	require.Equal(t, sent.Body, decoded.Body)
}
