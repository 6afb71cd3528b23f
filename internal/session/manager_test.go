package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-ingest/internal/encoder"
	"live-ingest/internal/events"
	"live-ingest/internal/platform/logger"
)

// fakeProcess is an encoder.Process that never runs anything.
type fakeProcess struct {
	key string

	mu          sync.Mutex
	accepting   bool
	capacity    int
	written     int64
	writes      int
	closeCalls  int
	exitOnClose bool
	exitCode    int
	done        chan struct{}
	doneOnce    sync.Once
}

func newFakeProcess(key string) *fakeProcess {
	return &fakeProcess{key: key, accepting: true, capacity: -1, exitCode: -1, done: make(chan struct{})}
}

func (p *fakeProcess) StreamKey() string { return p.key }
func (p *fakeProcess) PID() int          { return 4242 }

func (p *fakeProcess) Write(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.accepting || p.capacity == 0 {
		return false
	}
	if p.capacity > 0 {
		p.capacity--
	}
	p.written += int64(len(b))
	p.writes++
	return true
}

func (p *fakeProcess) AcceptingInput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepting
}

func (p *fakeProcess) CloseInput() {
	p.mu.Lock()
	p.accepting = false
	p.closeCalls++
	exit := p.exitOnClose
	p.mu.Unlock()
	if exit {
		p.exit(0)
	}
}

func (p *fakeProcess) Kill() error {
	p.exit(-1)
	return nil
}

func (p *fakeProcess) exit(code int) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.accepting = false
		p.exitCode = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) stats() (written int64, closeCalls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written, p.closeCalls
}

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

type fakeSupervisor struct {
	mu      sync.Mutex
	err     error
	procs   map[string]*fakeProcess
	onSpawn func()
	// configure adjusts each process before it is handed out.
	configure func(*fakeProcess)
}

func (s *fakeSupervisor) Spawn(ctx context.Context, streamKey, outputDir string) (encoder.Process, error) {
	if s.onSpawn != nil {
		s.onSpawn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, &encoder.SpawnError{StreamKey: streamKey, Err: s.err}
	}
	p := newFakeProcess(streamKey)
	if s.configure != nil {
		s.configure(p)
	}
	if s.procs == nil {
		s.procs = make(map[string]*fakeProcess)
	}
	s.procs[streamKey] = p
	return p, nil
}

func (s *fakeSupervisor) proc(key string) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[key]
}

// recordingConn records frames sent to the client.
type recordingConn struct {
	mu     sync.Mutex
	frames []interface{}
}

func (c *recordingConn) SendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, v)
	return nil
}

func (c *recordingConn) snapshot() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.frames))
	copy(out, c.frames)
	return out
}

func newTestManager(t *testing.T, sup encoder.Supervisor) (*Manager, *events.MemoryBus) {
	t.Helper()
	bus := events.NewMemoryBus(0)
	t.Cleanup(func() { bus.Close() })
	m := NewManager(sup, bus, Config{
		OutputDir:   t.TempDir(),
		PublicPath:  "/hls",
		StopTimeout: time.Second,
	}, logger.Discard(), nil)
	return m, bus
}

func waitEnded(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end, state %s", s.State())
	}
}

func countEvents(evs []events.StreamEvent, typ events.EventType) int {
	n := 0
	for _, ev := range evs {
		if ev.EventType == typ {
			n++
		}
	}
	return n
}

func TestManager_start_stream_stop_lifecycle(t *testing.T) {
	sup := &fakeSupervisor{}
	m, bus := newTestManager(t, sup)
	conn := &recordingConn{}
	ctx := context.Background()

	s := m.Begin(conn)
	if s.State() != StateIdle {
		t.Fatalf("new session state = %s", s.State())
	}

	var duringSpawn State
	sup.onSpawn = func() { duringSpawn = s.State() }
	m.HandleControl(ctx, s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	if duringSpawn != StateStarting {
		t.Errorf("state during spawn = %s, want STARTING", duringSpawn)
	}
	if s.State() != StateStreaming {
		t.Fatalf("state after start = %s", s.State())
	}

	chunk := make([]byte, 1<<20)
	for i := 0; i < 3; i++ {
		m.HandlePayload(s, chunk)
	}
	if got, _ := sup.proc("abc").stats(); got != 3145728 {
		t.Errorf("encoder received %d bytes", got)
	}

	m.HandleControl(ctx, s, ControlMessage{Type: TypeStopStream})
	if s.State() != StateStopping {
		t.Errorf("state after stop = %s, want STOPPING", s.State())
	}
	sup.proc("abc").exit(0)
	waitEnded(t, s)
	if s.State() != StateEnded {
		t.Errorf("final state = %s", s.State())
	}

	published := bus.Published()
	if len(published) != 2 {
		t.Fatalf("expected 2 events, got %+v", published)
	}
	started, ended := published[0], published[1]
	if started.EventType != events.StreamStarted || started.StreamKey != "abc" || started.PlaylistURL != "/hls/abc/playlist.m3u8" {
		t.Errorf("unexpected started event %+v", started)
	}
	if started.Title != "Live Stream" {
		t.Errorf("default title = %q", started.Title)
	}
	if ended.EventType != events.StreamEnded || ended.TotalBytesReceived != 3145728 {
		t.Errorf("unexpected ended event %+v", ended)
	}
	if ended.Reason != events.ReasonStopRequested || ended.ExitCode == nil || *ended.ExitCode != 0 {
		t.Errorf("ended reason/exit = %q/%v", ended.Reason, ended.ExitCode)
	}

	frames := conn.snapshot()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	ack, ok := frames[0].(Ack)
	if !ok || ack.Type != TypeStreamStarted || ack.StreamKey != "abc" || ack.PlaylistURL != "/hls/abc/playlist.m3u8" {
		t.Errorf("unexpected ack %#v", frames[0])
	}

	// The connection closing afterwards must not publish again.
	m.OnConnectionClosed(ctx, s)
	if n := countEvents(bus.Published(), events.StreamEnded); n != 1 {
		t.Errorf("STREAM_ENDED published %d times", n)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("stream key not released")
	}
}

func TestManager_disconnect_mid_stream_ends_once(t *testing.T) {
	sup := &fakeSupervisor{}
	m, bus := newTestManager(t, sup)
	ctx := context.Background()

	s := m.Begin(&recordingConn{})
	m.HandleControl(ctx, s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	m.HandlePayload(s, []byte("some media"))

	m.OnConnectionClosed(ctx, s)
	waitEnded(t, s)
	if _, closes := sup.proc("abc").stats(); closes == 0 {
		t.Error("encoder input not closed on disconnect")
	}

	// The encoder exiting later funnels into the same, already finished path.
	sup.proc("abc").exit(0)
	m.OnConnectionClosed(ctx, s)
	time.Sleep(20 * time.Millisecond)

	published := bus.Published()
	if n := countEvents(published, events.StreamEnded); n != 1 {
		t.Fatalf("STREAM_ENDED published %d times", n)
	}
	ended := published[len(published)-1]
	if ended.Reason != events.ReasonDisconnect || ended.TotalBytesReceived != int64(len("some media")) {
		t.Errorf("unexpected ended event %+v", ended)
	}
}

func TestManager_encoder_crash_ends_session(t *testing.T) {
	sup := &fakeSupervisor{}
	m, bus := newTestManager(t, sup)
	conn := &recordingConn{}
	ctx := context.Background()

	s := m.Begin(conn)
	m.HandleControl(ctx, s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	sup.proc("abc").exit(1)
	waitEnded(t, s)

	m.HandlePayload(s, []byte("late"))
	m.HandleControl(ctx, s, ControlMessage{Type: TypeStopStream})
	m.OnConnectionClosed(ctx, s)

	published := bus.Published()
	if n := countEvents(published, events.StreamEnded); n != 1 {
		t.Fatalf("STREAM_ENDED published %d times", n)
	}
	ended := published[len(published)-1]
	if ended.Reason != events.ReasonEncoderExit || ended.ExitCode == nil || *ended.ExitCode != 1 {
		t.Errorf("unexpected ended event %+v", ended)
	}

	frames := conn.snapshot()
	last, ok := frames[len(frames)-1].(Notice)
	if !ok || last.Type != TypeStreamEnded || last.Reason != events.ReasonEncoderExit {
		t.Errorf("client not told about the end: %#v", frames[len(frames)-1])
	}
}

func TestManager_payload_before_streaming_discarded(t *testing.T) {
	sup := &fakeSupervisor{}
	m, bus := newTestManager(t, sup)

	s := m.Begin(&recordingConn{})
	m.HandlePayload(s, []byte("too early"))
	if s.BytesReceived() != 0 {
		t.Errorf("bytes counted before streaming: %d", s.BytesReceived())
	}

	m.OnConnectionClosed(context.Background(), s)
	waitEnded(t, s)
	if n := len(bus.Published()); n != 0 {
		t.Errorf("idle session published %d events", n)
	}
}

func TestManager_backpressure_drops_and_counts(t *testing.T) {
	sup := &fakeSupervisor{configure: func(p *fakeProcess) { p.capacity = 2 }}
	m, bus := newTestManager(t, sup)
	ctx := context.Background()

	s := m.Begin(&recordingConn{})
	m.HandleControl(ctx, s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	for i := 0; i < 5; i++ {
		m.HandlePayload(s, []byte("0123456789"))
	}
	if s.BytesReceived() != 50 || s.DroppedPayloads() != 3 {
		t.Errorf("received/dropped = %d/%d", s.BytesReceived(), s.DroppedPayloads())
	}
	if s.State() != StateStreaming {
		t.Errorf("backpressure changed state to %s", s.State())
	}

	m.HandleControl(ctx, s, ControlMessage{Type: TypeStopStream})
	// Writes after the input was closed are dropped too, without failing.
	m.HandlePayload(s, []byte("x"))
	sup.proc("abc").exit(0)
	waitEnded(t, s)

	ended := bus.Published()[1]
	if ended.DroppedPayloads != 3 {
		t.Errorf("dropped payloads in event = %d", ended.DroppedPayloads)
	}
}

func TestManager_spawn_failure_returns_to_idle(t *testing.T) {
	sup := &fakeSupervisor{err: errors.New("exec: \"ffmpeg\": executable file not found")}
	m, bus := newTestManager(t, sup)
	conn := &recordingConn{}

	s := m.Begin(conn)
	m.HandleControl(context.Background(), s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	if s.State() != StateIdle {
		t.Errorf("state after failed spawn = %s", s.State())
	}
	if n := len(bus.Published()); n != 0 {
		t.Errorf("failed start published %d events", n)
	}
	frames := conn.snapshot()
	if len(frames) != 1 {
		t.Fatalf("expected one error frame, got %#v", frames)
	}
	if n, ok := frames[0].(Notice); !ok || n.Type != TypeError {
		t.Errorf("expected error notice, got %#v", frames[0])
	}
	if m.ActiveCount() != 0 {
		t.Error("failed start kept the stream key")
	}

	// The client may retry on the same connection.
	sup.mu.Lock()
	sup.err = nil
	sup.mu.Unlock()
	m.HandleControl(context.Background(), s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	if s.State() != StateStreaming {
		t.Errorf("retry state = %s", s.State())
	}
}

func TestManager_rejects_bad_and_duplicate_keys(t *testing.T) {
	sup := &fakeSupervisor{}
	m, _ := newTestManager(t, sup)
	ctx := context.Background()

	first := m.Begin(&recordingConn{})
	m.HandleControl(ctx, first, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})

	second := m.Begin(&recordingConn{})
	m.HandleControl(ctx, second, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	if second.State() != StateIdle {
		t.Errorf("duplicate key started: %s", second.State())
	}

	third := m.Begin(&recordingConn{})
	m.HandleControl(ctx, third, ControlMessage{Type: TypeStartStream, StreamKey: "../escape"})
	if third.State() != StateIdle {
		t.Errorf("path-like key started: %s", third.State())
	}

	generated := m.Begin(&recordingConn{})
	m.HandleControl(ctx, generated, ControlMessage{Type: TypeStartStream})
	if generated.State() != StateStreaming || generated.StreamKey() == "" {
		t.Errorf("generated key session = %s/%q", generated.State(), generated.StreamKey())
	}
	if m.ActiveCount() != 2 {
		t.Errorf("active = %d", m.ActiveCount())
	}

	m.HandleControl(ctx, generated, ControlMessage{Type: "pause"})
	if generated.State() != StateStreaming {
		t.Error("unknown control message changed state")
	}
}

func TestManager_kills_lingering_encoder(t *testing.T) {
	sup := &fakeSupervisor{}
	m, bus := newTestManager(t, sup)
	m.cfg.StopTimeout = 30 * time.Millisecond

	s := m.Begin(&recordingConn{})
	m.HandleControl(context.Background(), s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	m.HandleControl(context.Background(), s, ControlMessage{Type: TypeStopStream})
	waitEnded(t, s)

	if code := sup.proc("abc").ExitCode(); code != -1 {
		t.Errorf("encoder exit code = %d, want killed", code)
	}
	if n := countEvents(bus.Published(), events.StreamEnded); n != 1 {
		t.Errorf("STREAM_ENDED published %d times", n)
	}
}

func TestManager_List_and_Get(t *testing.T) {
	sup := &fakeSupervisor{}
	m, _ := newTestManager(t, sup)
	ctx := context.Background()

	s := m.Begin(&recordingConn{})
	m.HandleControl(ctx, s, ControlMessage{Type: TypeStartStream, StreamKey: "abc", Title: "Launch"})
	m.HandlePayload(s, []byte("12345"))

	list := m.List()
	if len(list) != 1 || list[0].StreamKey != "abc" || list[0].Title != "Launch" || list[0].BytesReceived != 5 {
		t.Errorf("unexpected list %+v", list)
	}
	info, ok := m.Get("abc")
	if !ok || info.State != "STREAMING" || info.PlaylistURL != "/hls/abc/playlist.m3u8" {
		t.Errorf("unexpected info %+v", info)
	}
	if _, ok := m.Get("missing"); ok {
		t.Error("expected missing stream")
	}
}

func TestManager_Shutdown_ends_sessions(t *testing.T) {
	sup := &fakeSupervisor{configure: func(p *fakeProcess) { p.exitOnClose = true }}
	m, bus := newTestManager(t, sup)

	s := m.Begin(&recordingConn{})
	m.HandleControl(context.Background(), s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.Shutdown(ctx)
	waitEnded(t, s)

	published := bus.Published()
	ended := published[len(published)-1]
	if ended.EventType != events.StreamEnded || ended.Reason != events.ReasonShutdown {
		t.Errorf("unexpected last event %+v", ended)
	}
}

func TestManager_encoder_crash_closes_input(t *testing.T) {
	sup := &fakeSupervisor{}
	m, _ := newTestManager(t, sup)

	s := m.Begin(&recordingConn{})
	m.HandleControl(context.Background(), s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	sup.proc("abc").exit(1)
	waitEnded(t, s)

	if _, closes := sup.proc("abc").stats(); closes == 0 {
		t.Error("encoder input left open after the encoder crashed")
	}
}

func TestManager_Shutdown_while_starting_discards_encoder(t *testing.T) {
	spawning := make(chan struct{})
	release := make(chan struct{})
	sup := &fakeSupervisor{}
	sup.onSpawn = func() {
		close(spawning)
		<-release
	}
	m, bus := newTestManager(t, sup)

	s := m.Begin(&recordingConn{})
	started := make(chan struct{})
	go func() {
		defer close(started)
		m.HandleControl(context.Background(), s, ControlMessage{Type: TypeStartStream, StreamKey: "abc"})
	}()
	<-spawning

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Shutdown(ctx)
	if s.State() != StateEnded {
		t.Fatalf("state after shutdown = %s", s.State())
	}

	close(release)
	<-started

	if s.State() != StateEnded {
		t.Errorf("state after spawn returned = %s, want ENDED", s.State())
	}
	p := sup.proc("abc")
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("encoder spawned for an ended session was not killed")
	}
	if _, closes := p.stats(); closes == 0 {
		t.Error("encoder input not closed")
	}
	if n := len(bus.Published()); n != 0 {
		t.Errorf("published %d events for a session that never streamed", n)
	}
	if m.ActiveCount() != 0 {
		t.Errorf("stream key still claimed: %d", m.ActiveCount())
	}
}
