package registry

import "time"

// DefaultTitle is shown for streams started without a title.
const DefaultTitle = "Live Stream"

// Entry is this process's belief that a stream is live. It may outlive the
// stream by the event propagation delay; treat it as advisory.
type Entry struct {
	StreamKey   string    `json:"streamKey"`
	Title       string    `json:"title"`
	PlaylistURL string    `json:"playlistUrl"`
	StartedAt   time.Time `json:"startedAt"`
}

// Record is what the Store holds per stream key. An ended Record is a
// tombstone: it keeps a redelivered STREAM_STARTED of the finished session
// from bringing the entry back.
type Record struct {
	Entry
	Ended   bool
	EndedAt time.Time
}
