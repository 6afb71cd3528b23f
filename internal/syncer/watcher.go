// Package syncer publishes the files an encoder writes for a stream to the
// object store as they are completed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"live-ingest/internal/events"
	"live-ingest/internal/objectstore"
	"live-ingest/internal/platform/metrics"

	"github.com/fsnotify/fsnotify"
)

// ErrClosed is returned once the watcher has been closed. An event refused
// with it is left for redelivery to the next process.
var ErrClosed = errors.New("watcher closed")

// endedTTL is how long an end seen for an unwatched stream is remembered.
const endedTTL = 10 * time.Minute

// Config controls settling and teardown timing.
type Config struct {
	// Root holds one output directory per stream key.
	Root string
	// SettleInterval is how long a file's size must stay unchanged before it
	// is uploaded.
	SettleInterval time.Duration
	PollInterval   time.Duration
	// StopGrace delays teardown after a stream ended so the encoder's final
	// writes are still captured.
	StopGrace     time.Duration
	UploadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleInterval <= 0 {
		c.SettleInterval = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.StopGrace < 0 {
		c.StopGrace = 0
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 30 * time.Second
	}
	return c
}

// Watcher runs one observation task per watched stream.
type Watcher struct {
	cfg     Config
	store   objectstore.Store
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	streams map[string]*streamWatch
	// ended holds the end time of streams that ended while not watched, so a
	// late STREAM_STARTED of the same session is torn down again.
	ended  map[string]time.Time
	closed bool
}

// New returns a Watcher uploading to store. Zero durations in cfg take
// their defaults.
func New(cfg Config, store objectstore.Store, log *slog.Logger, m *metrics.Metrics) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		cfg:     cfg.withDefaults(),
		store:   store,
		log:     log,
		metrics: m,
		streams: make(map[string]*streamWatch),
		ended:   make(map[string]time.Time),
	}
}

// HandleEvent drives the watcher from lifecycle events: a started stream is
// watched, an ended one is torn down after the grace window. Only ErrClosed is
// returned; any other failure is logged and counted so one broken stream does
// not hold up the queue.
func (w *Watcher) HandleEvent(ctx context.Context, ev events.StreamEvent) error {
	var err error
	switch ev.EventType {
	case events.StreamStarted:
		if !validKey(ev.StreamKey) {
			w.log.Warn("ignoring event with unusable stream key", slog.String("stream_key", ev.StreamKey))
			break
		}
		err = w.StartWatching(ctx, ev.StreamKey, filepath.Join(w.cfg.Root, ev.StreamKey))
		if err == nil && w.endedSince(ev.StreamKey, ev.Timestamp) {
			w.log.Info("stream already ended, stopping watch after grace", slog.String("stream_key", ev.StreamKey))
			w.ScheduleStop(ev.StreamKey)
		}
	case events.StreamEnded:
		if !w.ScheduleStop(ev.StreamKey) {
			w.rememberEnd(ev.StreamKey, ev.Timestamp)
		}
	}
	w.metrics.ObserveConsume(string(ev.EventType), err)
	if err != nil && !errors.Is(err, ErrClosed) {
		w.log.Error("could not watch stream output", slog.String("stream_key", ev.StreamKey), slog.String("error", err.Error()))
		return nil
	}
	return err
}

func (w *Watcher) rememberEnd(streamKey string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneEndedLocked()
	if prev, ok := w.ended[streamKey]; !ok || at.After(prev) {
		w.ended[streamKey] = at
	}
}

// endedSince reports whether an end no older than a start at startedAt was
// seen for streamKey, and forgets it.
func (w *Watcher) endedSince(streamKey string, startedAt time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneEndedLocked()
	endedAt, ok := w.ended[streamKey]
	if !ok {
		return false
	}
	delete(w.ended, streamKey)
	return !startedAt.After(endedAt)
}

func (w *Watcher) pruneEndedLocked() {
	cutoff := time.Now().Add(-endedTTL)
	for k, at := range w.ended {
		if at.Before(cutoff) {
			delete(w.ended, k)
		}
	}
}

// StartWatching begins observing location for streamKey. Files already present
// are picked up. Watching an already watched stream cancels a scheduled stop.
func (w *Watcher) StartWatching(ctx context.Context, streamKey, location string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if sw, ok := w.streams[streamKey]; ok {
		if sw.stopTimer != nil {
			sw.stopTimer.Stop()
			sw.stopTimer = nil
			sw.stopGen++
			w.log.Info("stream restarted within grace window", slog.String("stream_key", streamKey))
		}
		return nil
	}

	if err := os.MkdirAll(location, 0o755); err != nil {
		return fmt.Errorf("create output dir for %s: %w", streamKey, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(location); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", location, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sw := &streamWatch{
		key:      streamKey,
		dir:      location,
		fsw:      fsw,
		cancel:   cancel,
		done:     make(chan struct{}),
		pending:  make(map[string]*pendingFile),
		uploaded: make(map[string]bool),
		w:        w,
		log:      w.log.With(slog.String("stream_key", streamKey)),
	}
	w.streams[streamKey] = sw
	w.metrics.SetWatchedStreams(len(w.streams))
	go sw.run(runCtx)

	sw.log.Info("watching stream output", slog.String("dir", location))
	return nil
}

// ScheduleStop tears the watch down once the grace window has passed. It
// reports false when streamKey is not watched.
func (w *Watcher) ScheduleStop(streamKey string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	sw, ok := w.streams[streamKey]
	if !ok {
		return false
	}
	if sw.stopTimer != nil {
		sw.stopTimer.Stop()
	}
	sw.stopGen++
	gen := sw.stopGen
	sw.stopTimer = time.AfterFunc(w.cfg.StopGrace, func() { w.stop(streamKey, sw, gen) })
	sw.log.Info("stream ended, stopping watch after grace", slog.Duration("grace", w.cfg.StopGrace))
	return true
}

// StopWatching stops observing streamKey now. Files that already settled are
// uploaded first.
func (w *Watcher) StopWatching(streamKey string) {
	w.mu.Lock()
	sw := w.streams[streamKey]
	w.mu.Unlock()
	if sw != nil {
		w.stop(streamKey, sw, 0)
	}
}

// stop tears sw down. A non-zero gen names the scheduled stop that fired; it
// is skipped when the stream was restarted or rescheduled since.
func (w *Watcher) stop(streamKey string, sw *streamWatch, gen uint64) {
	w.mu.Lock()
	if w.streams[streamKey] != sw || (gen != 0 && sw.stopGen != gen) {
		w.mu.Unlock()
		return
	}
	delete(w.streams, streamKey)
	if sw.stopTimer != nil {
		sw.stopTimer.Stop()
	}
	w.metrics.SetWatchedStreams(len(w.streams))
	w.mu.Unlock()

	sw.cancel()
	<-sw.done
	sw.log.Info("stopped watching stream output")
}

// Watching reports the stream keys currently observed.
func (w *Watcher) Watching() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.streams))
	for k := range w.streams {
		keys = append(keys, k)
	}
	return keys
}

// Close stops every watch.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	var all []*streamWatch
	for k, sw := range w.streams {
		all = append(all, sw)
		delete(w.streams, k)
		if sw.stopTimer != nil {
			sw.stopTimer.Stop()
		}
	}
	w.metrics.SetWatchedStreams(0)
	w.mu.Unlock()

	for _, sw := range all {
		sw.cancel()
		<-sw.done
	}
	return nil
}

type pendingFile struct {
	kind        objectstore.Kind
	contentType string
	size        int64
	stableSince time.Time
}

// streamWatch is owned by its run goroutine; only stopTimer and stopGen are
// touched under Watcher.mu.
type streamWatch struct {
	key       string
	dir       string
	fsw       *fsnotify.Watcher
	cancel    context.CancelFunc
	done      chan struct{}
	stopTimer *time.Timer
	stopGen   uint64

	pending  map[string]*pendingFile
	uploaded map[string]bool
	w        *Watcher
	log      *slog.Logger
}

func (sw *streamWatch) run(ctx context.Context) {
	defer close(sw.done)
	defer sw.fsw.Close()

	ticker := time.NewTicker(sw.w.cfg.PollInterval)
	defer ticker.Stop()

	if entries, err := os.ReadDir(sw.dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				sw.track(e.Name())
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			sw.flush()
			return
		case ev, ok := <-sw.fsw.Events:
			if !ok {
				return
			}
			sw.handle(ev)
		case err, ok := <-sw.fsw.Errors:
			if !ok {
				return
			}
			sw.log.Warn("watch error", slog.String("error", err.Error()))
		case now := <-ticker.C:
			sw.settle(now)
		}
	}
}

func (sw *streamWatch) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		delete(sw.pending, name)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		sw.track(name)
	}
}

// track queues name for upload once it settles. Segments are uploaded once;
// the playlist every time it changes.
func (sw *streamWatch) track(name string) {
	kind, contentType, ok := objectstore.Classify(name)
	if !ok {
		return
	}
	if kind == objectstore.KindSegment && sw.uploaded[name] {
		return
	}
	if p, ok := sw.pending[name]; ok {
		p.size = -1
		return
	}
	sw.pending[name] = &pendingFile{kind: kind, contentType: contentType, size: -1}
}

func (sw *streamWatch) settle(now time.Time) {
	for name, p := range sw.pending {
		info, err := os.Stat(filepath.Join(sw.dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				delete(sw.pending, name)
			}
			continue
		}
		if info.Size() != p.size {
			p.size = info.Size()
			p.stableSince = now
			continue
		}
		if p.size == 0 || now.Sub(p.stableSince) < sw.w.cfg.SettleInterval {
			continue
		}
		delete(sw.pending, name)
		sw.upload(name, p)
	}
}

// flush uploads whatever is still pending; the encoder has exited by the time
// a watch is torn down.
func (sw *streamWatch) flush() {
	for name, p := range sw.pending {
		delete(sw.pending, name)
		sw.upload(name, p)
	}
}

func (sw *streamWatch) upload(name string, p *pendingFile) {
	if p.kind == objectstore.KindSegment {
		sw.uploaded[name] = true
	}
	path := filepath.Join(sw.dir, name)
	key := objectstore.Key(sw.key, name)

	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			sw.log.Error("open artifact failed", slog.String("file", name), slog.String("error", err.Error()))
		}
		return
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), sw.w.cfg.UploadTimeout)
	defer cancel()
	start := time.Now()
	err = sw.w.store.Put(ctx, key, f, p.contentType, objectstore.CacheControl(p.kind))
	sw.w.metrics.ObserveUpload(string(p.kind), time.Since(start), err)
	if err != nil {
		sw.log.Error("upload failed", slog.String("key", key), slog.String("error", err.Error()))
		return
	}
	sw.log.Debug("uploaded artifact", slog.String("key", key), slog.String("kind", string(p.kind)))
}

func validKey(key string) bool {
	if key == "" || key == "." || key == ".." {
		return false
	}
	return filepath.Base(key) == key
}
