package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inventiv/fleet/pkg/config"
)

// RedisStreamsBus implements Bus over two Redis Streams, one per logical
// channel (§4.8), grounded on the teacher's pkg/cache/redis.go connection
// handling, generalized from a cache client to a streams client.
// Consumers join a shared consumer group and XACK after a successful
// idempotent handler run; unacknowledged entries are reclaimed by a
// background XAUTOCLAIM sweep so a crashed consumer's in-flight work is
// redelivered (at-least-once, §4.8).
type RedisStreamsBus struct {
	client *redis.Client
	cfg    config.EventBusConfig
	log    *slog.Logger
}

// NewRedisStreamsBus connects to Redis and ensures both consumer groups
// exist, creating the underlying streams if absent.
func NewRedisStreamsBus(ctx context.Context, cacheCfg config.CacheConfig, cfg config.EventBusConfig, log *slog.Logger) (*RedisStreamsBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cacheCfg.Address(),
		Password: cacheCfg.Password,
		DB:       cacheCfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("event bus: redis ping failed: %w", err)
	}

	b := &RedisStreamsBus{client: client, cfg: cfg, log: log}
	for _, stream := range []string{cfg.OrchestratorStream, cfg.FinOpsStream} {
		if err := b.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *RedisStreamsBus) ensureGroup(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.cfg.ConsumerGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("event bus: create group for %s: %w", stream, err)
	}
	return nil
}

// PublishCommand appends cmd to the orchestrator command stream.
func (b *RedisStreamsBus) PublishCommand(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("event bus: encode command: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.OrchestratorStream,
		Values: map[string]any{"data": data},
	}).Err()
}

// PublishFinOpsEvent appends event to the FinOps stream.
func (b *RedisStreamsBus) PublishFinOpsEvent(ctx context.Context, event FinOpsEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event bus: encode finops event: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.FinOpsStream,
		Values: map[string]any{"data": data},
	}).Err()
}

// ConsumeCommands reads from the orchestrator stream's consumer group,
// dispatching each entry to handler and XACKing on success, plus runs a
// background XAUTOCLAIM sweep to reclaim entries abandoned by a crashed
// consumer, until ctx is cancelled.
func (b *RedisStreamsBus) ConsumeCommands(ctx context.Context, handler CommandHandler) error {
	go b.reclaimLoop(ctx, b.cfg.OrchestratorStream)
	return b.consume(ctx, b.cfg.OrchestratorStream, func(ctx context.Context, data []byte) error {
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.log.Error("eventbus: malformed command entry, dropping", "error", err)
			return nil
		}
		return handler(ctx, cmd)
	})
}

// ConsumeFinOpsEvents reads from the FinOps stream's consumer group,
// dispatching each entry to handler and XACKing on success, plus runs a
// background XAUTOCLAIM sweep, until ctx is cancelled.
func (b *RedisStreamsBus) ConsumeFinOpsEvents(ctx context.Context, handler FinOpsHandler) error {
	go b.reclaimLoop(ctx, b.cfg.FinOpsStream)
	return b.consume(ctx, b.cfg.FinOpsStream, func(ctx context.Context, data []byte) error {
		var event FinOpsEvent
		if err := json.Unmarshal(data, &event); err != nil {
			b.log.Error("eventbus: malformed finops entry, dropping", "error", err)
			return nil
		}
		return handler(ctx, event)
	})
}

func (b *RedisStreamsBus) consume(ctx context.Context, stream string, dispatch func(ctx context.Context, data []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.ConsumerGroup,
			Consumer: b.cfg.ConsumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			b.log.Error("eventbus: XReadGroup failed", "stream", stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, streamResult := range res {
			for _, msg := range streamResult.Messages {
				raw, ok := msg.Values["data"]
				if !ok {
					_ = b.client.XAck(ctx, stream, b.cfg.ConsumerGroup, msg.ID).Err()
					continue
				}
				data := []byte(fmt.Sprint(raw))
				if err := dispatch(ctx, data); err != nil {
					b.log.Warn("eventbus: handler failed, leaving unacked for redelivery", "stream", stream, "id", msg.ID, "error", err)
					continue
				}
				if err := b.client.XAck(ctx, stream, b.cfg.ConsumerGroup, msg.ID).Err(); err != nil {
					b.log.Error("eventbus: XAck failed", "stream", stream, "id", msg.ID, "error", err)
				}
			}
		}
	}
}

// reclaimLoop periodically claims entries idle longer than ClaimMinIdle
// so a consumer that died mid-handler does not strand them forever.
func (b *RedisStreamsBus) reclaimLoop(ctx context.Context, stream string) {
	ticker := time.NewTicker(b.cfg.ClaimMinIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cursor := "0-0"
		for {
			msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    b.cfg.ConsumerGroup,
				Consumer: b.cfg.ConsumerName,
				MinIdle:  b.cfg.ClaimMinIdle,
				Start:    cursor,
				Count:    50,
			}).Result()
			if err != nil {
				b.log.Error("eventbus: XAutoClaim failed", "stream", stream, "error", err)
				break
			}
			if len(msgs) == 0 || next == "0-0" {
				break
			}
			cursor = next
		}
	}
}

// Close releases the Redis connection.
func (b *RedisStreamsBus) Close() error {
	return b.client.Close()
}

var _ Bus = (*RedisStreamsBus)(nil)
