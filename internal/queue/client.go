// Package queue publishes Task Messages to durable Redis streams and consumes
// them through a consumer group, one message at a time per consumer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stylelicense/jobyard/internal/config"
	"go.uber.org/zap"
)

// Publisher is the part of the client the coordinator needs.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg TaskMessage) error
}

// Handler processes one delivery and decides its fate.
type Handler func(ctx context.Context, d Delivery) Decision

// Options configures a Client.
type Options struct {
	URL           string
	Password      string
	ConsumerGroup string
	Consumer      string // generated when empty
	BlockMs       int
	PoolSize      int
	// ClaimMinIdle is how long another consumer's entry must sit unacked
	// before this consumer takes it over. Default 5m.
	ClaimMinIdle time.Duration
	// MaxDeliveries dead-letters a reclaimed entry delivered more often
	// than this. Default 5.
	MaxDeliveries int64
	Logger        *zap.Logger
}

// OptionsFromConfig maps the redis config section onto Options.
func OptionsFromConfig(cfg config.RedisConfig, logger *zap.Logger) Options {
	return Options{
		URL:           cfg.URL,
		Password:      cfg.Password,
		ConsumerGroup: cfg.ConsumerGroup,
		BlockMs:       cfg.BlockMs,
		PoolSize:      cfg.PoolSize,
		ClaimMinIdle:  cfg.ClaimMinIdle,
		MaxDeliveries: cfg.MaxDeliveries,
		Logger:        logger,
	}
}

// Client owns a pooled Redis connection. It is safe for concurrent use.
type Client struct {
	rdb      *redis.Client
	group    string
	consumer string
	block    time.Duration
	minIdle  time.Duration
	maxDeliv int64
	log      *zap.Logger
}

// New creates a Client. No connection is made until the first command.
func New(opts Options) (*Client, error) {
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	if opts.Password != "" {
		ro.Password = opts.Password
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	if opts.ConsumerGroup == "" {
		opts.ConsumerGroup = "style-workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "yard-" + uuid.NewString()[:8]
	}
	if opts.BlockMs <= 0 {
		opts.BlockMs = 5000
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = 5 * time.Minute
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		rdb:      redis.NewClient(ro),
		group:    opts.ConsumerGroup,
		consumer: opts.Consumer,
		block:    time.Duration(opts.BlockMs) * time.Millisecond,
		minIdle:  opts.ClaimMinIdle,
		maxDeliv: opts.MaxDeliveries,
		log:      opts.Logger.Named("queue"),
	}, nil
}

// Ping verifies the broker is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("queue: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (c *Client) EnsureGroup(ctx context.Context, queue string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, queue, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group %s on %s: %w", c.group, queue, err)
	}
	return nil
}

// Publish appends msg to queue. The message is durable once this returns nil.
func (c *Client) Publish(ctx context.Context, queue string, msg TaskMessage) error {
	body, err := encode(msg)
	if err != nil {
		return err
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]interface{}{taskField: body},
	}).Result()
	if err != nil {
		return &PublishError{Queue: queue, JobID: msg.JobID, Err: err}
	}
	c.log.Debug("published",
		zap.String("queue", queue),
		zap.String("job_id", msg.JobID),
		zap.String("idempotency_key", msg.IdempotencyKey),
		zap.String("entry_id", id))
	return nil
}

// Len returns the number of entries in a stream.
func (c *Client) Len(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.XLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len %s: %w", queue, err)
	}
	return n, nil
}

// Consume reads queue one message at a time and applies handler's decision
// to each. Entries left pending by an earlier run of the same consumer are
// redelivered first. Entries another consumer left unacked for longer than
// ClaimMinIdle are taken over when the stream is idle and at least once per
// ClaimMinIdle otherwise. It returns nil once ctx is cancelled.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) error {
	if err := c.EnsureGroup(ctx, queue); err != nil {
		return err
	}
	c.log.Info("consuming", zap.String("queue", queue), zap.String("consumer", c.consumer))

	c.reclaim(ctx, queue, handler)
	lastClaim := time.Now()

	cursor := "0"
	for ctx.Err() == nil {
		if cursor == ">" && time.Since(lastClaim) >= c.minIdle {
			c.reclaim(ctx, queue, handler)
			lastClaim = time.Now()
		}

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{queue, cursor},
			Count:    1,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if cursor == ">" {
					c.reclaim(ctx, queue, handler)
					lastClaim = time.Now()
				}
				cursor = ">"
				continue
			}
			if ctx.Err() != nil {
				break
			}
			c.log.Warn("read failed", zap.String("queue", queue), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		var msgs []redis.XMessage
		for _, s := range streams {
			msgs = append(msgs, s.Messages...)
		}
		if len(msgs) == 0 {
			// Own pending history is drained.
			cursor = ">"
			continue
		}
		for _, m := range msgs {
			c.deliver(ctx, queue, m, handler)
			if cursor != ">" {
				cursor = m.ID
			}
		}
	}
	return nil
}

// reclaim takes over entries idle for at least minIdle, one at a time, and
// delivers them. Entries delivered more than maxDeliv times are
// dead-lettered instead.
func (c *Client) reclaim(ctx context.Context, queue string, handler Handler) {
	start := "0-0"
	for ctx.Err() == nil {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   queue,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.minIdle,
			Start:    start,
			Count:    1,
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				c.log.Warn("reclaim failed", zap.String("queue", queue), zap.Error(err))
			}
			return
		}
		for _, m := range msgs {
			count, err := c.deliveryCount(ctx, queue, m.ID)
			if err != nil {
				c.log.Warn("delivery count failed", zap.String("queue", queue), zap.String("entry_id", m.ID), zap.Error(err))
			}
			if count > c.maxDeliv {
				c.log.Warn("delivery limit reached",
					zap.String("queue", queue),
					zap.String("entry_id", m.ID),
					zap.Int64("deliveries", count))
				c.deadLetter(context.WithoutCancel(ctx), queue, m, "max deliveries exceeded")
				continue
			}
			c.log.Info("reclaimed entry", zap.String("queue", queue), zap.String("entry_id", m.ID), zap.Int64("deliveries", count))
			c.deliver(ctx, queue, m, handler)
		}
		if next == "" || next == "0-0" {
			return
		}
		start = next
	}
}

// deliveryCount returns how many times the entry has been delivered.
func (c *Client) deliveryCount(ctx context.Context, queue, id string) (int64, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queue,
		Group:  c.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

func (c *Client) deliver(ctx context.Context, queue string, m redis.XMessage, handler Handler) {
	// The decision must be applied even if ctx is cancelled mid-handler.
	finish := context.WithoutCancel(ctx)

	msg, err := decode(m.Values)
	if err != nil {
		c.log.Warn("undecodable entry", zap.String("queue", queue), zap.String("entry_id", m.ID), zap.Error(err))
		c.deadLetter(finish, queue, m, err.Error())
		return
	}

	decision := handler(ctx, Delivery{ID: m.ID, Queue: queue, Message: msg})
	switch {
	case decision.ack:
		c.ack(finish, queue, m.ID)
	case decision.requeue:
		if err := c.rdb.XAdd(finish, &redis.XAddArgs{Stream: queue, Values: m.Values}).Err(); err != nil {
			// Left pending; redelivered on this consumer's next start or reclaimed by another.
			c.log.Error("requeue failed", zap.String("queue", queue), zap.String("job_id", msg.JobID), zap.Error(err))
			return
		}
		c.ack(finish, queue, m.ID)
	default:
		c.deadLetter(finish, queue, m, "rejected")
	}
	c.log.Debug("delivered",
		zap.String("queue", queue),
		zap.String("job_id", msg.JobID),
		zap.Stringer("decision", decision))
}

func (c *Client) ack(ctx context.Context, queue, id string) {
	if err := c.rdb.XAck(ctx, queue, c.group, id).Err(); err != nil {
		c.log.Error("ack failed", zap.String("queue", queue), zap.String("entry_id", id), zap.Error(err))
	}
}

func (c *Client) deadLetter(ctx context.Context, queue string, m redis.XMessage, reason string) {
	values := map[string]interface{}{
		"original_entry_id": m.ID,
		"original_queue":    queue,
		"reason":            reason,
		"moved_at":          time.Now().UTC().Format(time.RFC3339),
		"consumer":          c.consumer,
	}
	if raw, ok := m.Values[taskField]; ok {
		values[taskField] = raw
	}
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: DeadLetterQueue(queue), Values: values}).Err(); err != nil {
		c.log.Error("dead-letter failed", zap.String("queue", queue), zap.String("entry_id", m.ID), zap.Error(err))
		return
	}
	c.ack(ctx, queue, m.ID)
}
