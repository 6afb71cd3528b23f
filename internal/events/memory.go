package events

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus with the same delivery semantics as the
// Redis implementation: every subscriber sees every event, durable queues keep
// their position across re-subscription, and live subscriptions start at the
// tail. One consumer per durable queue is supported.
type MemoryBus struct {
	mu      sync.Mutex
	log     []StreamEvent
	offsets map[string]int
	notify  chan struct{}

	retryDelay time.Duration
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewMemoryBus returns an empty bus. retryDelay spaces redelivery after a
// durable handler error; zero means 10ms.
func NewMemoryBus(retryDelay time.Duration) *MemoryBus {
	if retryDelay <= 0 {
		retryDelay = 10 * time.Millisecond
	}
	return &MemoryBus{
		offsets:    make(map[string]int),
		notify:     make(chan struct{}),
		retryDelay: retryDelay,
		done:       make(chan struct{}),
	}
}

// DeclareQueue creates the durable queue at the current tail if it does not
// exist yet.
func (b *MemoryBus) DeclareQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareLocked(name)
}

func (b *MemoryBus) declareLocked(name string) int {
	if off, ok := b.offsets[name]; ok {
		return off
	}
	b.offsets[name] = len(b.log)
	return len(b.log)
}

// Publish implements Publisher.
func (b *MemoryBus) Publish(ctx context.Context, ev StreamEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.log = append(b.log, ev)
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// Published returns a copy of every event published so far.
func (b *MemoryBus) Published() []StreamEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StreamEvent, len(b.log))
	copy(out, b.log)
	return out
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(ctx context.Context, sub Subscription, h Handler) error {
	b.mu.Lock()
	next := len(b.log)
	if sub.IsDurable() {
		next = b.declareLocked(sub.Queue)
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.deliver(ctx, sub, next, h)
	}()
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub Subscription, next int, h Handler) {
	for {
		b.mu.Lock()
		for next >= len(b.log) {
			wait := b.notify
			b.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-wait:
			}
			b.mu.Lock()
		}
		ev := b.log[next]
		b.mu.Unlock()

		if err := h(ctx, ev); err != nil && sub.IsDurable() {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-time.After(b.retryDelay):
			}
			continue
		}

		next++
		if sub.IsDurable() {
			b.mu.Lock()
			b.offsets[sub.Queue] = next
			b.mu.Unlock()
		}
	}
}

// Healthy implements Bus.
func (b *MemoryBus) Healthy() bool { return true }

// Close stops every subscription and waits for their goroutines.
func (b *MemoryBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}
