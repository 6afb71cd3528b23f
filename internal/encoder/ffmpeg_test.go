package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"live-ingest/internal/platform/logger"
)

// TestHelperProcess stands in for ffmpeg. It is not a real test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	playlist := args[len(args)-1]

	switch os.Getenv("HELPER_MODE") {
	case "crash":
		fmt.Fprintln(os.Stderr, "Error opening input: invalid data")
		os.Exit(3)
	case "stall":
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		n, _ := io.Copy(io.Discard, os.Stdin)
		_ = os.WriteFile(playlist, []byte(strconv.FormatInt(n, 10)), 0o644)
		os.Exit(0)
	}
}

func helperSupervisor(t *testing.T, mode string, queue int) *ExecSupervisor {
	t.Helper()
	s := NewExecSupervisor(Config{InputQueue: queue}, logger.Discard())
	s.command = func(name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.Command(os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
	return s
}

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		_ = p.Kill()
		t.Fatal("encoder did not exit")
	}
}

func TestArgs(t *testing.T) {
	args := Args(Config{SegmentSeconds: 4, ListSize: 6}, "/tmp/hls/abc")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-i pipe:0",
		"-f hls",
		"-hls_time 4",
		"-hls_list_size 6",
		"-hls_flags delete_segments+append_list",
		"-hls_segment_filename /tmp/hls/abc/segment_%03d.ts",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "/tmp/hls/abc/playlist.m3u8" {
		t.Errorf("last arg = %q", args[len(args)-1])
	}
}

func TestExecSupervisor_write_close_exit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "abc")
	p, err := helperSupervisor(t, "copy", 8).Spawn(context.Background(), "abc", dir)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if p.StreamKey() != "abc" || p.PID() <= 0 {
		t.Errorf("unexpected identity %q/%d", p.StreamKey(), p.PID())
	}

	chunk := make([]byte, 1024)
	for i := 0; i < 3; i++ {
		if !p.Write(chunk) {
			t.Fatalf("write %d rejected", i)
		}
	}
	p.CloseInput()
	p.CloseInput()
	if p.AcceptingInput() {
		t.Error("input should be closed")
	}
	if p.Write(chunk) {
		t.Error("write after close should be rejected")
	}

	waitDone(t, p)
	if code := p.ExitCode(); code != 0 {
		t.Errorf("exit code = %d", code)
	}
	got, err := os.ReadFile(filepath.Join(dir, PlaylistName))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "3072" {
		t.Errorf("encoder received %s bytes, want 3072", got)
	}
}

func TestExecSupervisor_crash_reports_exit(t *testing.T) {
	p, err := helperSupervisor(t, "crash", 8).Spawn(context.Background(), "abc", t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, p)
	if code := p.ExitCode(); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if p.AcceptingInput() {
		t.Error("exited encoder should not accept input")
	}
	if p.Write([]byte("late")) {
		t.Error("write after exit should be rejected")
	}
	p.CloseInput()
}

func TestExecSupervisor_exit_releases_input_pump(t *testing.T) {
	p, err := helperSupervisor(t, "crash", 8).Spawn(context.Background(), "abc", t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, p)

	ep := p.(*execProcess)
	select {
	case <-ep.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("input pump still running after encoder exit without CloseInput")
	}
	p.CloseInput()
}

func TestExecSupervisor_backpressure_never_blocks(t *testing.T) {
	p, err := helperSupervisor(t, "stall", 1).Spawn(context.Background(), "abc", t.TempDir())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer waitDone(t, p)
	defer p.Kill()

	chunk := make([]byte, 1<<20)
	rejected := false
	for i := 0; i < 8 && !rejected; i++ {
		rejected = !p.Write(chunk)
	}
	if !rejected {
		t.Error("a stalled encoder should eventually reject writes")
	}
}

func TestExecSupervisor_spawn_error(t *testing.T) {
	s := NewExecSupervisor(Config{Binary: filepath.Join(t.TempDir(), "no-such-encoder")}, logger.Discard())
	_, err := s.Spawn(context.Background(), "abc", t.TempDir())
	if !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
	var se *SpawnError
	if !errors.As(err, &se) || se.StreamKey != "abc" {
		t.Errorf("expected SpawnError for abc, got %v", err)
	}
}

func TestScanLinesOrCR(t *testing.T) {
	adv, tok, _ := scanLinesOrCR([]byte("frame=1\rframe=2\n"), false)
	if adv != 8 || string(tok) != "frame=1" {
		t.Errorf("got %d %q", adv, tok)
	}
}
