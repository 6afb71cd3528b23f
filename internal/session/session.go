// Package session binds ingest connections to encoder processes and reports
// their lifecycle on the event bus.
package session

import (
	"sync"
	"time"

	"live-ingest/internal/encoder"
	"live-ingest/internal/events"
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateStopping
	StateEnded
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateStreaming:
		return "STREAMING"
	case StateStopping:
		return "STOPPING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Control message types.
const (
	TypeStartStream   = "start_stream"
	TypeStopStream    = "stop_stream"
	TypeStreamStarted = "stream_started"
	TypeStreamEnded   = "stream_ended"
	TypeError         = "error"
)

// ControlMessage is a JSON control frame sent by the publishing client.
type ControlMessage struct {
	Type      string `json:"type"`
	StreamKey string `json:"streamKey,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Ack confirms a started stream to the client.
type Ack struct {
	Type        string `json:"type"`
	StreamKey   string `json:"streamKey"`
	PlaylistURL string `json:"playlistUrl"`
}

// Notice reports a failure or the end of the stream to the client.
type Notice struct {
	Type      string `json:"type"`
	StreamKey string `json:"streamKey,omitempty"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Conn is the outbound half of a client connection.
type Conn interface {
	SendJSON(v interface{}) error
}

// Session is one ingest connection. All fields are guarded by mu; the
// connection's read loop and the encoder exit watcher are its only callers.
type Session struct {
	id   string
	conn Conn

	mu              sync.Mutex
	state           State
	key             string
	title           string
	playlistURL     string
	startedAt       time.Time
	bytesReceived   int64
	droppedPayloads int64
	nextProgress    int64
	proc            encoder.Process
	published       bool
	stopReason      string
	killTimer       *time.Timer

	done chan struct{}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamKey is empty until a stream has been started.
func (s *Session) StreamKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// BytesReceived counts media bytes received while streaming, dropped or not.
func (s *Session) BytesReceived() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesReceived
}

// DroppedPayloads counts payloads the encoder did not accept.
func (s *Session) DroppedPayloads() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedPayloads
}

// Done is closed once the session reached ENDED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info is the local view of a live session served by the ingest service.
type Info struct {
	StreamKey       string    `json:"streamKey"`
	Title           string    `json:"title"`
	State           string    `json:"state"`
	StartedAt       time.Time `json:"startedAt"`
	BytesReceived   int64     `json:"bytesReceived"`
	DroppedPayloads int64     `json:"droppedPayloads"`
	PlaylistURL     string    `json:"playlistUrl"`
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		StreamKey:       s.key,
		Title:           s.title,
		State:           s.state.String(),
		StartedAt:       s.startedAt,
		BytesReceived:   s.bytesReceived,
		DroppedPayloads: s.droppedPayloads,
		PlaylistURL:     s.playlistURL,
	}
}

func (s *Session) endedEvent(reason string, exitCode *int, at time.Time) events.StreamEvent {
	return events.Ended(s.key, s.bytesReceived, s.droppedPayloads, reason, exitCode, at)
}
