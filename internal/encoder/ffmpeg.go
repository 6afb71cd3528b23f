package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	PlaylistName   = "playlist.m3u8"
	SegmentPattern = "segment_%03d.ts"
)

// Config holds the encoder invocation settings.
type Config struct {
	Binary         string
	SegmentSeconds int
	ListSize       int
	Flags          string
	// InputQueue bounds the number of payloads waiting for the encoder.
	InputQueue int
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = 2
	}
	if c.ListSize <= 0 {
		c.ListSize = 10
	}
	if c.Flags == "" {
		c.Flags = "delete_segments+append_list"
	}
	if c.InputQueue <= 0 {
		c.InputQueue = 256
	}
	return c
}

// Args returns the ffmpeg arguments that read from stdin and write a live HLS
// playlist with its segments into outputDir.
func Args(cfg Config, outputDir string) []string {
	cfg = cfg.withDefaults()
	return []string{
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-c:a", "aac",
		"-ar", "44100",
		"-b:a", "128k",
		"-f", "hls",
		"-hls_time", strconv.Itoa(cfg.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(cfg.ListSize),
		"-hls_flags", cfg.Flags,
		"-hls_segment_filename", filepath.Join(outputDir, SegmentPattern),
		filepath.Join(outputDir, PlaylistName),
	}
}

// ExecSupervisor runs the encoder as a child process.
type ExecSupervisor struct {
	cfg     Config
	log     *slog.Logger
	command func(name string, args ...string) *exec.Cmd
}

// NewExecSupervisor returns a Supervisor running cfg.Binary.
func NewExecSupervisor(cfg Config, log *slog.Logger) *ExecSupervisor {
	if log == nil {
		log = slog.Default()
	}
	return &ExecSupervisor{cfg: cfg.withDefaults(), log: log, command: exec.Command}
}

// Spawn implements Supervisor.
func (s *ExecSupervisor) Spawn(ctx context.Context, streamKey, outputDir string) (Process, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, &SpawnError{StreamKey: streamKey, Err: err}
	}

	cmd := s.command(s.cfg.Binary, Args(s.cfg, outputDir)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{StreamKey: streamKey, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &SpawnError{StreamKey: streamKey, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{StreamKey: streamKey, Err: err}
	}

	p := &execProcess{
		key:      streamKey,
		cmd:      cmd,
		queue:    make(chan []byte, s.cfg.InputQueue),
		done:     make(chan struct{}),
		drained:  make(chan struct{}),
		exitCode: -1,
		log:      s.log.With(slog.String("stream_key", streamKey), slog.Int("pid", cmd.Process.Pid)),
	}
	logged := make(chan struct{})
	go p.pump(stdin)
	go func() {
		defer close(logged)
		p.logOutput(stderr)
	}()
	go p.wait(logged)

	p.log.Info("encoder started", slog.String("output_dir", outputDir))
	return p, nil
}

type execProcess struct {
	key   string
	cmd   *exec.Cmd
	log   *slog.Logger
	queue chan []byte

	mu       sync.Mutex
	closed   bool
	broken   bool
	exited   bool
	exitCode int
	done     chan struct{}
	// drained is closed once pump has returned.
	drained chan struct{}
}

func (p *execProcess) StreamKey() string { return p.key }

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Write(b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.broken || p.exited {
		return false
	}
	select {
	case p.queue <- b:
		return true
	default:
		return false
	}
}

func (p *execProcess) AcceptingInput() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.broken && !p.exited
}

func (p *execProcess) CloseInput() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeQueueLocked()
}

func (p *execProcess) closeQueueLocked() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}

func (p *execProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// pump is the only writer of the encoder's stdin.
func (p *execProcess) pump(stdin io.WriteCloser) {
	defer close(p.drained)
	defer stdin.Close()
	for b := range p.queue {
		if _, err := stdin.Write(b); err != nil {
			p.mu.Lock()
			p.broken = true
			p.mu.Unlock()
			p.log.Warn("encoder input closed", slog.String("error", err.Error()))
			return
		}
	}
}

func (p *execProcess) logOutput(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.Contains(strings.ToLower(line), "error") {
			p.log.Warn("encoder output", slog.String("line", line))
		} else {
			p.log.Debug("encoder output", slog.String("line", line))
		}
	}
}

func (p *execProcess) wait(logged <-chan struct{}) {
	<-logged
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.log.Warn("encoder wait failed", slog.String("error", err.Error()))
	}

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.closeQueueLocked()
	p.mu.Unlock()

	p.log.Info("encoder exited", slog.Int("exit_code", code))
	close(p.done)
}

// scanLinesOrCR splits on \n and on the bare \r ffmpeg uses for progress lines.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
