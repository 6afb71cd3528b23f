package session

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"live-ingest/internal/encoder"
	"live-ingest/internal/events"
	"live-ingest/internal/platform/metrics"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const progressStep = 1 << 20

var streamKeyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

var (
	ErrInvalidStreamKey = errors.New("invalid stream key")
	ErrStreamKeyInUse   = errors.New("stream key already live")
)

// Config holds the manager's settings.
type Config struct {
	// OutputDir holds one encoder output directory per stream key.
	OutputDir string
	// PublicPath prefixes the playlist URL handed to clients, e.g. "/hls".
	PublicPath string
	// StopTimeout bounds how long an encoder may take to exit once its input
	// was closed before it is killed.
	StopTimeout    time.Duration
	PublishTimeout time.Duration
}

// Manager owns the live sessions of one ingest process.
type Manager struct {
	sup     encoder.Supervisor
	pub     events.Publisher
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	active map[string]*Session
}

// NewManager constructs a Manager spawning encoders with sup and publishing
// lifecycle events to pub. m may be nil.
func NewManager(sup encoder.Supervisor, pub events.Publisher, cfg Config, log *slog.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PublicPath == "" {
		cfg.PublicPath = "/hls"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 15 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Manager{
		sup:     sup,
		pub:     pub,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
		active:  make(map[string]*Session),
	}
}

// PlaylistURL is where players find the playlist of streamKey.
func (m *Manager) PlaylistURL(streamKey string) string {
	return path.Join(m.cfg.PublicPath, streamKey, encoder.PlaylistName)
}

// Begin creates an IDLE session for a new connection.
func (m *Manager) Begin(conn Conn) *Session {
	s := &Session{
		id:    uuid.NewString(),
		conn:  conn,
		state: StateIdle,
		done:  make(chan struct{}),
	}
	m.log.Debug("session opened", slog.String("session_id", s.id))
	return s
}

// HandleControl interprets one control message. Malformed or out-of-place
// messages are logged and ignored.
func (m *Manager) HandleControl(ctx context.Context, s *Session, msg ControlMessage) {
	switch msg.Type {
	case TypeStartStream:
		m.start(ctx, s, msg)
	case TypeStopStream:
		m.stop(s)
	default:
		m.log.Warn("ignoring unknown control message",
			slog.String("session_id", s.id),
			slog.String("type", msg.Type))
	}
}

func (m *Manager) start(ctx context.Context, s *Session, msg ControlMessage) {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		m.log.Warn("ignoring start_stream", slog.String("session_id", s.id), slog.String("state", state.String()))
		return
	}

	key := msg.StreamKey
	if key == "" {
		key = uuid.NewString()
	}
	if !streamKeyPattern.MatchString(key) {
		s.mu.Unlock()
		m.log.Warn("rejecting start_stream", slog.String("session_id", s.id), slog.String("error", ErrInvalidStreamKey.Error()))
		m.notify(s, Notice{Type: TypeError, StreamKey: key, Message: ErrInvalidStreamKey.Error()})
		return
	}
	if !m.claim(key, s) {
		s.mu.Unlock()
		m.log.Warn("rejecting start_stream", slog.String("stream_key", key), slog.String("error", ErrStreamKeyInUse.Error()))
		m.notify(s, Notice{Type: TypeError, StreamKey: key, Message: ErrStreamKeyInUse.Error()})
		return
	}
	title := msg.Title
	if title == "" {
		title = "Live Stream"
	}
	s.state = StateStarting
	s.key = key
	s.title = title
	s.mu.Unlock()

	log := m.log.With(slog.String("stream_key", key))
	proc, err := m.sup.Spawn(ctx, key, filepath.Join(m.cfg.OutputDir, key))
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.key = ""
		s.title = ""
		s.mu.Unlock()
		m.release(key, s)
		log.Error("could not start encoder", slog.String("error", err.Error()))
		m.notify(s, Notice{Type: TypeError, StreamKey: key, Message: "encoder unavailable"})
		return
	}

	playlistURL := m.PlaylistURL(key)
	s.mu.Lock()
	if s.state != StateStarting {
		state := s.state
		s.mu.Unlock()
		log.Warn("session ended while encoder was starting, discarding encoder", slog.String("state", state.String()))
		proc.CloseInput()
		if err := proc.Kill(); err != nil {
			log.Error("kill encoder failed", slog.String("error", err.Error()))
		}
		return
	}
	s.proc = proc
	s.state = StateStreaming
	s.startedAt = m.now()
	s.playlistURL = playlistURL
	s.nextProgress = progressStep
	s.published = true
	startedAt := s.startedAt
	s.mu.Unlock()

	m.publish(ctx, events.Started(key, playlistURL, title, startedAt))
	go m.watchExit(s, proc)

	m.metrics.IncSessionsStarted()
	log.Info("stream started", slog.Int("pid", proc.PID()), slog.String("playlist_url", playlistURL))
	if err := s.conn.SendJSON(Ack{Type: TypeStreamStarted, StreamKey: key, PlaylistURL: playlistURL}); err != nil {
		log.Warn("could not acknowledge stream start", slog.String("error", err.Error()))
	}
}

func (m *Manager) stop(s *Session) {
	s.mu.Lock()
	if s.state != StateStreaming {
		state := s.state
		s.mu.Unlock()
		m.log.Warn("ignoring stop_stream", slog.String("session_id", s.id), slog.String("state", state.String()))
		return
	}
	proc := m.beginStopLocked(s, events.ReasonStopRequested)
	key := s.key
	s.mu.Unlock()

	m.log.Info("stop requested", slog.String("stream_key", key))
	proc.CloseInput()
}

// beginStopLocked moves a streaming session to STOPPING and arms the kill
// timer. The caller closes the encoder input after releasing s.mu.
func (m *Manager) beginStopLocked(s *Session, reason string) encoder.Process {
	s.state = StateStopping
	if s.stopReason == "" {
		s.stopReason = reason
	}
	proc := s.proc
	if s.killTimer == nil {
		s.killTimer = time.AfterFunc(m.cfg.StopTimeout, func() {
			m.log.Warn("encoder did not exit after input close, killing",
				slog.String("stream_key", proc.StreamKey()),
				slog.Duration("timeout", m.cfg.StopTimeout))
			if err := proc.Kill(); err != nil {
				m.log.Error("kill encoder failed", slog.String("stream_key", proc.StreamKey()), slog.String("error", err.Error()))
			}
		})
	}
	return proc
}

// HandlePayload forwards media bytes to the encoder. Payloads outside
// STREAMING are discarded; payloads the encoder cannot take are dropped and
// counted.
func (m *Manager) HandlePayload(s *Session, p []byte) {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return
	}
	s.bytesReceived += int64(len(p))
	proc := s.proc
	total := s.bytesReceived
	logProgress := total >= s.nextProgress
	for s.nextProgress <= total {
		s.nextProgress += progressStep
	}
	s.mu.Unlock()

	m.metrics.AddBytesReceived(len(p))
	if !proc.AcceptingInput() || !proc.Write(p) {
		s.mu.Lock()
		s.droppedPayloads++
		dropped := s.droppedPayloads
		s.mu.Unlock()
		m.metrics.IncPayloadsDropped()
		m.log.Debug("encoder not accepting input, payload dropped",
			slog.String("stream_key", proc.StreamKey()),
			slog.Int("bytes", len(p)),
			slog.Int64("dropped_payloads", dropped))
	}
	if logProgress {
		m.log.Info("stream progress",
			slog.String("stream_key", proc.StreamKey()),
			slog.String("received", humanize.IBytes(uint64(total))))
	}
}

// OnConnectionClosed ends the session. A session that never started ends
// silently; otherwise the encoder input is closed and STREAM_ENDED published
// without waiting for the encoder, which is killed if it lingers.
func (m *Manager) OnConnectionClosed(ctx context.Context, s *Session) {
	s.mu.Lock()
	switch s.state {
	case StateEnded:
		s.mu.Unlock()
		return
	case StateIdle:
		s.state = StateEnded
		s.mu.Unlock()
		close(s.done)
		m.log.Debug("session closed before streaming", slog.String("session_id", s.id))
		return
	}
	var proc encoder.Process
	if s.proc != nil {
		proc = m.beginStopLocked(s, events.ReasonDisconnect)
	}
	reason := s.stopReason
	if reason == "" {
		reason = events.ReasonDisconnect
	}
	s.mu.Unlock()

	if proc != nil {
		proc.CloseInput()
	}
	m.finish(ctx, s, reason, nil)
}

// watchExit turns any encoder exit into session termination.
func (m *Manager) watchExit(s *Session, proc encoder.Process) {
	<-proc.Done()
	code := proc.ExitCode()

	s.mu.Lock()
	if s.killTimer != nil {
		s.killTimer.Stop()
	}
	reason := s.stopReason
	if reason == "" {
		reason = events.ReasonEncoderExit
	}
	unexpected := s.state == StateStreaming
	s.mu.Unlock()

	if unexpected {
		m.log.Warn("encoder exited while streaming",
			slog.String("stream_key", proc.StreamKey()),
			slog.Int("exit_code", code))
	}
	m.finish(context.Background(), s, reason, &code)
}

// finish is the single termination path. It runs at most once per session.
func (m *Manager) finish(ctx context.Context, s *Session, reason string, exitCode *int) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	key := s.key
	proc := s.proc
	published := s.published
	ev := s.endedEvent(reason, exitCode, m.now())
	s.mu.Unlock()

	if proc != nil {
		proc.CloseInput()
	}
	m.release(key, s)
	if published {
		m.publish(ctx, ev)
		m.metrics.IncSessionsEnded(reason)
		m.log.Info("stream ended",
			slog.String("stream_key", key),
			slog.String("reason", reason),
			slog.String("received", humanize.IBytes(uint64(ev.TotalBytesReceived))),
			slog.Int64("dropped_payloads", ev.DroppedPayloads))
		if reason != events.ReasonDisconnect {
			m.notify(s, Notice{Type: TypeStreamEnded, StreamKey: key, Reason: reason})
		}
	}
	close(s.done)
}

// Shutdown stops every live session and waits for them to end or ctx to
// expire.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		var proc encoder.Process
		if s.state == StateStreaming || s.state == StateStopping {
			proc = m.beginStopLocked(s, events.ReasonShutdown)
		}
		s.mu.Unlock()
		if proc != nil {
			proc.CloseInput()
		}
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			m.finish(context.Background(), s, events.ReasonShutdown, nil)
		}
	}
}

// List returns the live sessions of this process ordered by start time.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s.info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Get returns the local view of one live session.
func (m *Manager) Get(streamKey string) (Info, bool) {
	m.mu.RLock()
	s, ok := m.active[streamKey]
	m.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// ActiveCount is the number of sessions holding a stream key.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) claim(key string, s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[key]; ok {
		return false
	}
	m.active[key] = s
	m.metrics.SetActiveStreams(len(m.active))
	return true
}

func (m *Manager) release(key string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[key] == s {
		delete(m.active, key)
		m.metrics.SetActiveStreams(len(m.active))
	}
}

// publish never fails the caller: eventing problems are logged and counted.
func (m *Manager) publish(ctx context.Context, ev events.StreamEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PublishTimeout)
	defer cancel()
	err := m.pub.Publish(ctx, ev)
	m.metrics.ObservePublish(string(ev.EventType), err)
	if err != nil {
		m.log.Error("publish failed",
			slog.String("event_type", string(ev.EventType)),
			slog.String("stream_key", ev.StreamKey),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) notify(s *Session, n Notice) {
	if err := s.conn.SendJSON(n); err != nil {
		m.log.Debug("could not notify client", slog.String("session_id", s.id), slog.String("error", err.Error()))
	}
}
