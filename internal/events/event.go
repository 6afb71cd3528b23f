package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType names a stream lifecycle transition.
type EventType string

const (
	// StreamStarted is published once an encoder is running for a stream key.
	StreamStarted EventType = "STREAM_STARTED"
	// StreamEnded is published exactly once when a started session terminates,
	// whatever caused the termination.
	StreamEnded EventType = "STREAM_ENDED"
)

// Termination reasons carried by StreamEnded.
const (
	ReasonStopRequested = "stop_stream"
	ReasonDisconnect    = "disconnect"
	ReasonEncoderExit   = "encoder_exit"
	ReasonShutdown      = "shutdown"
)

var (
	ErrMissingType = errors.New("event type is required")
	ErrMissingKey  = errors.New("stream key is required")
)

// StreamEvent is the wire representation broadcast on the bus. Consumers must
// tolerate duplicates and cross-stream reordering.
type StreamEvent struct {
	EventType EventType `json:"eventType"`
	StreamKey string    `json:"streamKey"`
	Timestamp time.Time `json:"timestamp"`

	// STREAM_STARTED payload.
	PlaylistURL string `json:"playlistUrl,omitempty"`
	Title       string `json:"title,omitempty"`

	// STREAM_ENDED payload.
	TotalBytesReceived int64  `json:"totalBytesReceived,omitempty"`
	DroppedPayloads    int64  `json:"droppedPayloads,omitempty"`
	Reason             string `json:"reason,omitempty"`
	ExitCode           *int   `json:"exitCode,omitempty"`
}

// Started builds a STREAM_STARTED event.
func Started(streamKey, playlistURL, title string, at time.Time) StreamEvent {
	return StreamEvent{
		EventType:   StreamStarted,
		StreamKey:   streamKey,
		Timestamp:   at.UTC(),
		PlaylistURL: playlistURL,
		Title:       title,
	}
}

// Ended builds a STREAM_ENDED event. exitCode is nil when the encoder had not
// exited yet at publication time.
func Ended(streamKey string, totalBytes, dropped int64, reason string, exitCode *int, at time.Time) StreamEvent {
	return StreamEvent{
		EventType:          StreamEnded,
		StreamKey:          streamKey,
		Timestamp:          at.UTC(),
		TotalBytesReceived: totalBytes,
		DroppedPayloads:    dropped,
		Reason:             reason,
		ExitCode:           exitCode,
	}
}

// Validate reports whether the event carries the fields every consumer relies on.
func (e StreamEvent) Validate() error {
	if e.EventType == "" {
		return ErrMissingType
	}
	if e.StreamKey == "" {
		return ErrMissingKey
	}
	return nil
}

// Encode validates and marshals the event.
func Encode(e StreamEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// Decode unmarshals and validates an event.
func Decode(b []byte) (StreamEvent, error) {
	var e StreamEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return StreamEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return StreamEvent{}, err
	}
	return e, nil
}
