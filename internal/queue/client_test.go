package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testQueue = "image_generation"

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Client, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := New(Options{
		URL:           "redis://" + mr.Addr(),
		ConsumerGroup: "test-workers",
		Consumer:      "test-consumer",
		BlockMs:       50,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })
	return mr, client, raw
}

// consume runs Consume until n handler calls have happened.
func consume(t *testing.T, c *Client, n int, handler Handler) []Delivery {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []Delivery
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Consume(ctx, testQueue, func(ctx context.Context, d Delivery) Decision {
			mu.Lock()
			seen = append(seen, d)
			count := len(seen)
			mu.Unlock()
			decision := handler(ctx, d)
			if count == n {
				cancel()
			}
			return decision
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	return seen
}

func testMessage(id string) TaskMessage {
	return TaskMessage{
		JobID:          id,
		Kind:           "generation",
		Payload:        json.RawMessage(`{"prompt":"sumi-e crane"}`),
		IdempotencyKey: id + ":0",
	}
}

func TestPublish_WritesTaskField(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-1")))

	entries, err := raw.XRange(ctx, testQueue, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got TaskMessage
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["task"].(string)), &got))
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, "job-1:0", got.IdempotencyKey)
	assert.JSONEq(t, `{"prompt":"sumi-e crane"}`, string(got.Payload))

	n, err := client.Len(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPublish_BrokerDown(t *testing.T) {
	mr, client, _ := setupMiniredis(t)
	mr.Close()

	err := client.Publish(context.Background(), testQueue, testMessage("job-1"))
	var pe *PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, testQueue, pe.Queue)
	assert.Equal(t, "job-1", pe.JobID)
}

func TestPublish_RequiresJobID(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	err := client.Publish(context.Background(), testQueue, TaskMessage{Kind: "training"})
	assert.ErrorContains(t, err, "no job_id")
}

func TestEnsureGroup_Idempotent(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, client.EnsureGroup(ctx, testQueue))
	require.NoError(t, client.EnsureGroup(ctx, testQueue))
}

func TestConsume_AckRemovesFromPending(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-1")))
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-2")))

	seen := consume(t, client, 2, func(context.Context, Delivery) Decision { return Ack() })
	require.Len(t, seen, 2)
	assert.Equal(t, "job-1", seen[0].Message.JobID)
	assert.Equal(t, "job-2", seen[1].Message.JobID)

	pending, err := raw.XPending(ctx, testQueue, "test-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestConsume_NackRequeueRedelivers(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-1")))

	var calls int
	seen := consume(t, client, 2, func(context.Context, Delivery) Decision {
		calls++
		if calls == 1 {
			return Nack(true)
		}
		return Ack()
	})
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0].Message, seen[1].Message)
	assert.NotEqual(t, seen[0].ID, seen[1].ID)

	n, err := raw.XLen(ctx, DeadLetterQueue(testQueue)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsume_NackDeadLetters(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-1")))

	consume(t, client, 1, func(context.Context, Delivery) Decision { return Nack(false) })

	dlq, err := raw.XRange(ctx, "dlq:"+testQueue, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "rejected", dlq[0].Values["reason"])
	assert.Equal(t, testQueue, dlq[0].Values["original_queue"])
	assert.Contains(t, dlq[0].Values["task"], "job-1")

	pending, err := raw.XPending(ctx, testQueue, "test-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestConsume_UndecodableGoesToDeadLetter(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, raw.XAdd(ctx, &goredis.XAddArgs{
		Stream: testQueue,
		Values: map[string]interface{}{"task": "{not json"},
	}).Err())
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-ok")))

	seen := consume(t, client, 1, func(context.Context, Delivery) Decision { return Ack() })
	require.Len(t, seen, 1)
	assert.Equal(t, "job-ok", seen[0].Message.JobID)

	n, err := raw.XLen(ctx, DeadLetterQueue(testQueue)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestConsume_RedeliversOwnPendingFirst(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, client.EnsureGroup(ctx, testQueue))
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-crashed")))

	// Simulate a previous run that read the entry and died before acking.
	_, err := raw.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    "test-workers",
		Consumer: "test-consumer",
		Streams:  []string{testQueue, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	seen := consume(t, client, 1, func(context.Context, Delivery) Decision { return Ack() })
	require.Len(t, seen, 1)
	assert.Equal(t, "job-crashed", seen[0].Message.JobID)
}

// newConsumer returns a second client in the same group under another name.
func newConsumer(t *testing.T, mr *miniredis.Miniredis, name string, maxDeliveries int64) *Client {
	t.Helper()
	c, err := New(Options{
		URL:           "redis://" + mr.Addr(),
		ConsumerGroup: "test-workers",
		Consumer:      name,
		BlockMs:       50,
		ClaimMinIdle:  20 * time.Millisecond,
		MaxDeliveries: maxDeliveries,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// readAndAbandon reads the next entry as consumer and never acks it.
func readAndAbandon(t *testing.T, raw *goredis.Client, consumer string) {
	t.Helper()
	_, err := raw.XReadGroup(context.Background(), &goredis.XReadGroupArgs{
		Group:    "test-workers",
		Consumer: consumer,
		Streams:  []string{testQueue, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
}

func TestConsume_ReclaimsEntryFromDeadConsumer(t *testing.T) {
	mr, client, raw := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, client.EnsureGroup(ctx, testQueue))
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-orphaned")))
	readAndAbandon(t, raw, "worker-that-died")
	time.Sleep(50 * time.Millisecond)

	restarted := newConsumer(t, mr, "worker-restarted", 5)
	seen := consume(t, restarted, 1, func(context.Context, Delivery) Decision { return Ack() })
	require.Len(t, seen, 1)
	assert.Equal(t, "job-orphaned", seen[0].Message.JobID)

	pending, err := raw.XPending(ctx, testQueue, "test-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestConsume_ReclaimDeadLettersAfterDeliveryLimit(t *testing.T) {
	mr, client, raw := setupMiniredis(t)
	ctx := context.Background()
	require.NoError(t, client.EnsureGroup(ctx, testQueue))
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-poison")))
	require.NoError(t, client.Publish(ctx, testQueue, testMessage("job-fresh")))
	readAndAbandon(t, raw, "worker-that-died")
	// The dead worker had already retried it once from its own history.
	_, err := raw.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    "test-workers",
		Consumer: "worker-that-died",
		Streams:  []string{testQueue, "0"},
		Count:    1,
	}).Result()
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	restarted := newConsumer(t, mr, "worker-restarted", 1)
	seen := consume(t, restarted, 1, func(context.Context, Delivery) Decision { return Ack() })
	require.Len(t, seen, 1)
	assert.Equal(t, "job-fresh", seen[0].Message.JobID)

	dlq, err := raw.XRange(ctx, DeadLetterQueue(testQueue), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, "max deliveries exceeded", dlq[0].Values["reason"])

	pending, err := raw.XPending(ctx, testQueue, "test-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "ack", Ack().String())
	assert.Equal(t, "nack-requeue", Nack(true).String())
	assert.Equal(t, "nack", Nack(false).String())
}

func TestPublishError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := error(&PublishError{Queue: "q", JobID: "j", Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "publish j to q")
}
