// Package registry keeps a per-process view of the live streams, built only
// from lifecycle events, and serves it to API clients.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"live-ingest/internal/events"
)

// DefaultTombstoneTTL is how long an ended stream is remembered to reject
// stale redeliveries.
const DefaultTombstoneTTL = 10 * time.Minute

// Registry is the event-sourced cache of live streams. Apply is its only
// mutation path; it starts empty on every process start.
type Registry struct {
	mu           sync.RWMutex
	store        Store
	tombstoneTTL time.Duration
	log          *slog.Logger
	now          func() time.Time
}

// New constructs an empty Registry over an InMemoryStore.
func New(log *slog.Logger) *Registry {
	return NewWithStore(NewInMemoryStore(), DefaultTombstoneTTL, log)
}

// NewWithStore constructs a Registry over store, remembering ended streams
// for tombstoneTTL.
func NewWithStore(store Store, tombstoneTTL time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if tombstoneTTL <= 0 {
		tombstoneTTL = DefaultTombstoneTTL
	}
	return &Registry{store: store, tombstoneTTL: tombstoneTTL, log: log, now: time.Now}
}

// Apply folds one event into the registry. It is safe under duplicate and
// out-of-order delivery: STREAM_STARTED inserts or overwrites unless it is
// older than what is already known for the key; STREAM_ENDED removes the entry,
// and removing an absent key is a no-op.
func (r *Registry) Apply(ctx context.Context, ev events.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	switch ev.EventType {
	case events.StreamStarted:
		r.startLocked(ev)
	case events.StreamEnded:
		r.endLocked(ev)
	default:
		r.log.Debug("ignoring event", slog.String("event_type", string(ev.EventType)))
	}
	return nil
}

func (r *Registry) startLocked(ev events.StreamEvent) {
	if cur, ok := r.store.Get(ev.StreamKey); ok {
		if cur.Ended && !ev.Timestamp.After(cur.EndedAt) {
			r.log.Debug("ignoring start of ended stream", slog.String("stream_key", ev.StreamKey))
			return
		}
		if !cur.Ended && ev.Timestamp.Before(cur.StartedAt) {
			r.log.Debug("ignoring stale start", slog.String("stream_key", ev.StreamKey))
			return
		}
	}
	title := ev.Title
	if title == "" {
		title = DefaultTitle
	}
	r.store.Set(Record{Entry: Entry{
		StreamKey:   ev.StreamKey,
		Title:       title,
		PlaylistURL: ev.PlaylistURL,
		StartedAt:   ev.Timestamp,
	}})
	r.log.Info("stream registered", slog.String("stream_key", ev.StreamKey))
}

func (r *Registry) endLocked(ev events.StreamEvent) {
	cur, ok := r.store.Get(ev.StreamKey)
	if ok && cur.Ended {
		if ev.Timestamp.After(cur.EndedAt) {
			cur.EndedAt = ev.Timestamp
			r.store.Set(cur)
		}
		return
	}
	if ok && ev.Timestamp.Before(cur.StartedAt) {
		r.log.Debug("ignoring end of an earlier session", slog.String("stream_key", ev.StreamKey))
		return
	}
	r.store.Set(Record{Entry: Entry{StreamKey: ev.StreamKey}, Ended: true, EndedAt: ev.Timestamp})
	if ok {
		r.log.Info("stream removed", slog.String("stream_key", ev.StreamKey))
	}
}

func (r *Registry) pruneLocked() {
	cutoff := r.now().Add(-r.tombstoneTTL)
	for _, k := range r.store.Keys() {
		if rec, ok := r.store.Get(k); ok && rec.Ended && rec.EndedAt.Before(cutoff) {
			r.store.Delete(k)
		}
	}
}

// Get returns the live entry for key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.store.Get(key)
	if !ok || rec.Ended {
		return Entry{}, false
	}
	return rec.Entry, true
}

// List returns the live entries, oldest first.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0)
	for _, k := range r.store.Keys() {
		if rec, ok := r.store.Get(k); ok && !rec.Ended {
			out = append(out, rec.Entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StreamKey < out[j].StreamKey
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, k := range r.store.Keys() {
		if rec, ok := r.store.Get(k); ok && !rec.Ended {
			n++
		}
	}
	return n
}
