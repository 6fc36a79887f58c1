package kv

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/echoscribe/echoscribe/internal/logger"
)

// Handler processes one stream entry. Returning nil acknowledges the entry;
// returning an error leaves it pending so the group redelivers it after the
// stale-claim timeout.
type Handler func(ctx context.Context, id string, payload []byte) error

// Consumer reads one stream through a consumer group with at-least-once
// semantics. One Consumer per stream per process; the consumer name is the
// process instance id so stale claims stay inside the group.
type Consumer struct {
	client    *Client
	stream    string
	group     string
	name      string
	handler   Handler
	blockTime time.Duration
	batchSize int64
	staleAge  time.Duration
	logger    *logger.Logger
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Stream    string
	Group     string
	Handler   Handler
	BlockTime time.Duration // default 2s
	BatchSize int64         // default 32
	StaleAge  time.Duration // pending age before xautoclaim, default 60s
}

// NewConsumer creates a consumer-group reader on the given stream. The group
// is created on first Run if it does not exist.
func NewConsumer(client *Client, opts ConsumerOptions, log *logger.Logger) *Consumer {
	if opts.BlockTime <= 0 {
		opts.BlockTime = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.StaleAge <= 0 {
		opts.StaleAge = 60 * time.Second
	}
	return &Consumer{
		client:    client,
		stream:    opts.Stream,
		group:     opts.Group,
		name:      logger.GetInstanceID(),
		handler:   opts.Handler,
		blockTime: opts.BlockTime,
		batchSize: opts.BatchSize,
		staleAge:  opts.StaleAge,
		logger:    log.WithComponent("stream-consumer").WithFields(map[string]interface{}{"stream": opts.Stream}),
	}
}

// Run blocks reading the stream until the context is cancelled. A second
// goroutine periodically claims entries other consumers left pending.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	go c.claimLoop(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    c.batchSize,
			Block:    c.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("xreadgroup failed", slog.String("error", err.Error()))
			// Transient backend errors: back off briefly instead of spinning.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, stream := range entries {
			c.processBatch(ctx, stream.Messages)
		}
	}
}

// processBatch runs the handler on each entry and acks the successes.
func (c *Consumer) processBatch(ctx context.Context, msgs []redis.XMessage) {
	ackIDs := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		payload, _ := msg.Values["payload"].(string)
		if err := c.handler(ctx, msg.ID, []byte(payload)); err != nil {
			// Leave un-acked; the group redelivers after the idle timeout.
			c.logger.Warn("handler failed, leaving entry pending",
				slog.String("entry_id", msg.ID),
				slog.String("error", err.Error()))
			continue
		}
		ackIDs = append(ackIDs, msg.ID)
	}

	if len(ackIDs) > 0 {
		if err := c.client.XAck(ctx, c.stream, c.group, ackIDs...).Err(); err != nil {
			c.logger.Error("xack failed", slog.String("error", err.Error()))
		}
	}
}

// claimLoop sweeps entries that have been pending longer than staleAge and
// claims them for this consumer.
func (c *Consumer) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.staleAge / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.claimStale(ctx)
		}
	}
}

func (c *Consumer) claimStale(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.stream,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  c.staleAge,
			Start:    start,
			Count:    c.batchSize,
		}).Result()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Warn("xautoclaim failed", slog.String("error", err.Error()))
			}
			return
		}

		if len(msgs) > 0 {
			c.logger.Info("claimed stale entries", slog.Int("count", len(msgs)))
			c.processBatch(ctx, msgs)
		}

		if next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}

// ensureGroup creates the consumer group from the start of the stream,
// tolerating the group already existing.
func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
