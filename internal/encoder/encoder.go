// Package encoder supervises the external encoder processes that turn a raw
// media byte stream into HLS playlists and segments.
package encoder

import (
	"context"
	"errors"
	"fmt"
)

// ErrSpawn is matched by every error returned from Supervisor.Spawn.
var ErrSpawn = errors.New("encoder spawn failed")

// SpawnError reports that the encoder for StreamKey could not be launched.
type SpawnError struct {
	StreamKey string
	Err       error
}

// Error implements error.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn encoder for %s: %v", e.StreamKey, e.Err)
}

// Unwrap lets errors.Is match both ErrSpawn and the cause.
func (e *SpawnError) Unwrap() []error { return []error{ErrSpawn, e.Err} }

// Supervisor launches one encoder per stream.
type Supervisor interface {
	// Spawn starts an encoder that reads media from its input and writes a
	// playlist and segment files into outputDir. The process outlives ctx.
	Spawn(ctx context.Context, streamKey, outputDir string) (Process, error)
}

// Process is one running encoder. Its input is single-writer: only the owning
// session calls Write.
type Process interface {
	StreamKey() string
	PID() int

	// Write hands p to the encoder input without blocking. It reports false,
	// and drops p, when the input is closed or the encoder is not keeping up.
	// The caller must not modify p after a successful Write.
	Write(p []byte) bool

	// AcceptingInput is false once the input was closed or the encoder exited.
	AcceptingInput() bool

	// CloseInput half-closes the input after queued data has been written.
	// Calling it more than once has no further effect.
	CloseInput()

	// Kill terminates the encoder immediately.
	Kill() error

	// Done is closed when the encoder has exited for any reason.
	Done() <-chan struct{}

	// ExitCode is valid after Done is closed; -1 means killed by a signal or
	// never started.
	ExitCode() int
}
