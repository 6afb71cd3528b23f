package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const payloadField = "payload"

// RedisBus implements Bus on a Redis Stream. The stream is the fanout: every
// consumer group and every live reader sees every entry. A consumer group is a
// durable queue; its position and unacknowledged entries live in Redis, so a
// consumer that restarts under the same name picks up where it stopped.
type RedisBus struct {
	client       redis.UniversalClient
	stream       string
	consumer     string
	maxLen       int64
	blockTimeout time.Duration
	retryDelay   time.Duration
	log          *slog.Logger

	groupMu sync.Mutex
	groups  map[string]bool

	cancel    context.CancelFunc
	ctx       context.Context
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedisBus wraps an already connected client.
func NewRedisBus(client redis.UniversalClient, cfg Config, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "stream_events_fanout"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = "consumer"
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = 2 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:       client,
		stream:       stream,
		consumer:     consumer,
		maxLen:       cfg.MaxLen,
		blockTimeout: block,
		retryDelay:   retryDelay,
		log:          log,
		groups:       make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Publish appends the event to the stream. The stream is trimmed
// approximately to MaxLen entries when MaxLen is positive.
func (b *RedisBus) Publish(ctx context.Context, ev StreamEvent) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{payloadField: string(payload)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.EventType, err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	if sub.IsDurable() {
		if err := b.ensureGroup(ctx, sub.Queue); err != nil {
			return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
		}
		b.run(ctx, func(ctx context.Context) { b.consumeGroup(ctx, sub.Queue, h) })
		return nil
	}

	start, err := b.tailID(ctx)
	if err != nil {
		return fmt.Errorf("locate stream tail: %w", err)
	}
	b.run(ctx, func(ctx context.Context) { b.consumeLive(ctx, start, h) })
	return nil
}

func (b *RedisBus) run(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		stop := context.AfterFunc(b.ctx, cancel)
		defer stop()
		fn(ctx)
	}()
}

func (b *RedisBus) ensureGroup(ctx context.Context, group string) error {
	b.groupMu.Lock()
	defer b.groupMu.Unlock()
	if b.groups[group] {
		return nil
	}
	err := b.client.XGroupCreateMkStream(ctx, b.stream, group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	b.groups[group] = true
	return nil
}

// tailID returns the ID of the newest entry, or "0-0" for an empty stream, so
// that a live reader sees exactly what is published after it subscribed.
func (b *RedisBus) tailID(ctx context.Context) (string, error) {
	msgs, err := b.client.XRevRangeN(ctx, b.stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// consumeGroup reads the group's pending entries for this consumer first (left
// over from a previous run or a failed handler), then new entries.
func (b *RedisBus) consumeGroup(ctx context.Context, group string, h Handler) {
	pending := true
	for ctx.Err() == nil {
		id := ">"
		if pending {
			id = "0"
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, id},
			Count:    32,
			Block:    b.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				pending = false
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if isNoGroup(err) {
				b.forgetGroup(group)
				if err := b.ensureGroup(ctx, group); err != nil {
					b.log.Warn("redeclare durable queue failed", slog.String("queue", group), slog.String("error", err.Error()))
				}
			} else {
				b.log.Warn("event bus read failed", slog.String("queue", group), slog.String("error", err.Error()))
			}
			b.sleep(ctx, b.retryDelay)
			continue
		}

		msgs := messages(streams)
		if pending && len(msgs) == 0 {
			pending = false
			continue
		}
		for _, msg := range msgs {
			ev, err := decodeMessage(msg)
			if err != nil {
				b.log.Error("event bus decode failed", slog.String("id", msg.ID), slog.String("error", err.Error()))
				b.ack(group, msg.ID)
				continue
			}
			if err := h(ctx, ev); err != nil {
				b.log.Warn("event handler failed, leaving for redelivery",
					slog.String("queue", group),
					slog.String("id", msg.ID),
					slog.String("error", err.Error()))
				pending = true
				b.sleep(ctx, b.retryDelay)
				break
			}
			b.ack(group, msg.ID)
		}
	}
}

func (b *RedisBus) consumeLive(ctx context.Context, lastID string, h Handler) {
	for ctx.Err() == nil {
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.stream, lastID},
			Count:   32,
			Block:   b.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("event bus read failed", slog.String("error", err.Error()))
			b.sleep(ctx, b.retryDelay)
			continue
		}
		for _, msg := range messages(streams) {
			lastID = msg.ID
			ev, err := decodeMessage(msg)
			if err != nil {
				b.log.Error("event bus decode failed", slog.String("id", msg.ID), slog.String("error", err.Error()))
				continue
			}
			if err := h(ctx, ev); err != nil {
				b.log.Warn("live event handler failed", slog.String("id", msg.ID), slog.String("error", err.Error()))
			}
		}
	}
}

func (b *RedisBus) ack(group, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.client.XAck(ctx, b.stream, group, id).Err(); err != nil {
		b.log.Warn("event ack failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (b *RedisBus) forgetGroup(group string) {
	b.groupMu.Lock()
	delete(b.groups, group)
	b.groupMu.Unlock()
}

func (b *RedisBus) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Healthy implements Bus. A RedisBus only exists once connected.
func (b *RedisBus) Healthy() bool { return true }

// Close stops the subscriptions, waits for them and closes the client.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
		err = b.client.Close()
	})
	return err
}

func messages(streams []redis.XStream) []redis.XMessage {
	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out
}

func decodeMessage(msg redis.XMessage) (StreamEvent, error) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return StreamEvent{}, errors.New("missing payload field")
	}
	switch v := raw.(type) {
	case string:
		return Decode([]byte(v))
	case []byte:
		return Decode(v)
	default:
		return StreamEvent{}, fmt.Errorf("unexpected payload type %T", raw)
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
