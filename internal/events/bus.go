package events

import (
	"context"
	"log/slog"
	"time"

	"live-ingest/internal/platform/config"
	"live-ingest/internal/platform/retry"

	"github.com/redis/go-redis/v9"
)

// Handler is invoked once per delivered event, sequentially for a given
// subscription. Returning an error on a durable subscription leaves the event
// for redelivery.
type Handler func(ctx context.Context, ev StreamEvent) error

// Publisher is the producing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, ev StreamEvent) error
}

// Bus is a fanout publish/subscribe substrate with at-least-once delivery.
type Bus interface {
	Publisher

	// Subscribe starts delivering events to h on its own goroutine until ctx
	// is done. It returns once the subscription is established.
	Subscribe(ctx context.Context, sub Subscription, h Handler) error

	// Healthy is false when the bus gave up connecting and runs degraded.
	Healthy() bool

	Close() error
}

// Subscription selects how a consumer attaches to the fanout.
type Subscription struct {
	// Queue names a durable queue. Events published while no consumer of the
	// queue is running are kept for it. An empty Queue is a live-only view.
	Queue string
}

// Durable returns a subscription on the named durable queue.
func Durable(queue string) Subscription { return Subscription{Queue: queue} }

// Live returns a non-durable subscription that only sees events published
// after it was established.
func Live() Subscription { return Subscription{} }

// IsDurable reports whether the subscription is bound to a durable queue.
func (s Subscription) IsDurable() bool { return s.Queue != "" }

// Config describes the broker connection.
type Config struct {
	URL    string
	Stream string
	// Queues are declared on connect so that events published before their
	// consumers start are retained.
	Queues       []string
	Consumer     string
	MaxLen       int64
	BlockTimeout time.Duration
	// RetryDelay spaces redelivery attempts after a handler error.
	RetryDelay time.Duration
	Connect    retry.Policy
}

// FromConfig maps the redis config section onto a bus Config. queues are
// declared on connect.
func FromConfig(c config.RedisConfig, queues ...string) Config {
	return Config{
		URL:          c.URL,
		Stream:       c.Stream,
		Queues:       queues,
		Consumer:     c.Consumer,
		MaxLen:       c.MaxLen,
		BlockTimeout: c.BlockTimeout,
		RetryDelay:   time.Second,
		Connect:      retry.Policy{Attempts: c.ConnectAttempts, Delay: c.ConnectDelay},
	}
}

// Connect dials the broker with bounded retry. When the retries are exhausted
// it reports the failure and returns a degraded bus whose operations are
// no-ops, so callers keep operating without eventing.
func Connect(ctx context.Context, cfg Config, log *slog.Logger) Bus {
	if log == nil {
		log = slog.Default()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Error("invalid event bus url, running degraded", slog.String("error", err.Error()))
		return NewDegradedBus(log)
	}
	client := redis.NewClient(opts)

	err = cfg.Connect.Do(ctx, log, "connect to event bus", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		log.Error("could not connect to event bus, running degraded", slog.String("error", err.Error()))
		return NewDegradedBus(log)
	}

	bus := NewRedisBus(client, cfg, log)
	for _, q := range cfg.Queues {
		if err := bus.ensureGroup(ctx, q); err != nil {
			log.Warn("declare durable queue failed", slog.String("queue", q), slog.String("error", err.Error()))
		}
	}
	log.Info("connected to event bus", slog.String("stream", bus.stream))
	return bus
}

// DegradedBus drops everything. It is what Connect falls back to once the
// broker could not be reached.
type DegradedBus struct {
	log *slog.Logger
}

// NewDegradedBus returns a bus that logs and drops every event.
func NewDegradedBus(log *slog.Logger) *DegradedBus {
	if log == nil {
		log = slog.Default()
	}
	return &DegradedBus{log: log}
}

// Publish drops ev.
func (b *DegradedBus) Publish(ctx context.Context, ev StreamEvent) error {
	b.log.Warn("event bus not connected, event not published",
		slog.String("event_type", string(ev.EventType)),
		slog.String("stream_key", ev.StreamKey))
	return nil
}

// Subscribe registers nothing; no events will arrive.
func (b *DegradedBus) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	b.log.Warn("event bus not connected, subscription inactive", slog.String("queue", sub.Queue))
	return nil
}

// Healthy is always false.
func (b *DegradedBus) Healthy() bool { return false }

// Close implements Bus.
func (b *DegradedBus) Close() error { return nil }
