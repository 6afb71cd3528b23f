package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"live-ingest/internal/encoder"
	"live-ingest/internal/objectstore"

	"github.com/google/uuid"
)

// ErrNotFound is returned for stream keys the registry does not list as live.
var ErrNotFound = errors.New("stream not found")

// Stream is the API projection of a live entry.
type Stream struct {
	Entry
	Viewers int `json:"viewers"`
}

// WatchInfo tells a viewer where to play a stream from.
type WatchInfo struct {
	Stream
	StorageURL string `json:"storageUrl"`
}

// Created is returned for a newly allocated stream key.
type Created struct {
	StreamKey   string `json:"streamKey"`
	IngestURL   string `json:"ingestUrl"`
	PlaylistURL string `json:"playlistUrl"`
}

// Stats summarizes the registry for dashboards.
type Stats struct {
	ActiveStreams int     `json:"activeStreams"`
	TotalViewers  int     `json:"totalViewers"`
	Uptime        float64 `json:"uptime"`
}

type audience struct {
	startedAt time.Time
	viewers   int
}

// Service answers API queries from the registry and the object store. Viewer
// counts are kept beside the registry, keyed by stream session, so the
// registry stays event-driven.
type Service struct {
	reg        *Registry
	store      objectstore.Store
	ingestURL  string
	publicPath string
	started    time.Time
	now        func() time.Time

	mu        sync.Mutex
	audiences map[string]audience
}

// NewService builds the query service. ingestURL is the websocket endpoint
// publishers connect to; publicPath prefixes playlist URLs.
func NewService(reg *Registry, store objectstore.Store, ingestURL, publicPath string) *Service {
	if publicPath == "" {
		publicPath = "/hls"
	}
	return &Service{
		reg:        reg,
		store:      store,
		ingestURL:  ingestURL,
		publicPath: strings.TrimRight(publicPath, "/"),
		started:    time.Now(),
		now:        time.Now,
		audiences:  make(map[string]audience),
	}
}

// List returns the live streams with their viewer counts.
func (s *Service) List() []Stream {
	entries := s.reg.List()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(entries)
	out := make([]Stream, 0, len(entries))
	for _, e := range entries {
		out = append(out, Stream{Entry: e, Viewers: s.viewersLocked(e)})
	}
	return out
}

// Get returns one live stream or ErrNotFound.
func (s *Service) Get(key string) (Stream, error) {
	e, ok := s.reg.Get(key)
	if !ok {
		return Stream{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stream{Entry: e, Viewers: s.viewersLocked(e)}, nil
}

// Watch registers a viewer joining key.
func (s *Service) Watch(key string) (WatchInfo, error) {
	e, ok := s.reg.Get(key)
	if !ok {
		return WatchInfo{}, ErrNotFound
	}
	s.mu.Lock()
	a := s.audienceLocked(e)
	a.viewers++
	s.audiences[key] = a
	viewers := a.viewers
	s.mu.Unlock()

	var storageURL string
	if s.store != nil {
		storageURL = s.store.URL(objectstore.Key(key, encoder.PlaylistName))
	}
	return WatchInfo{Stream: Stream{Entry: e, Viewers: viewers}, StorageURL: storageURL}, nil
}

// Leave registers a viewer leaving key and returns the remaining count.
func (s *Service) Leave(key string) (int, error) {
	e, ok := s.reg.Get(key)
	if !ok {
		return 0, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.audienceLocked(e)
	if a.viewers > 0 {
		a.viewers--
	}
	s.audiences[key] = a
	return a.viewers, nil
}

// Create allocates a fresh stream key and the URLs a publisher and its viewers
// will use. The stream appears in the registry only once it starts.
func (s *Service) Create() Created {
	key := uuid.NewString()
	return Created{
		StreamKey:   key,
		IngestURL:   s.ingestURL,
		PlaylistURL: s.publicPath + "/" + key + "/" + encoder.PlaylistName,
	}
}

// Files lists the artifacts stored for key, whether or not it is still live.
func (s *Service) Files(ctx context.Context, key string) ([]objectstore.Object, error) {
	if s.store == nil {
		return nil, errors.New("object store not configured")
	}
	objs, err := s.store.List(ctx, key+"/")
	if err != nil {
		return nil, err
	}
	if objs == nil {
		objs = []objectstore.Object{}
	}
	return objs, nil
}

// Stats summarizes live streams, viewers and process uptime.
func (s *Service) Stats() Stats {
	streams := s.List()
	total := 0
	for _, st := range streams {
		total += st.Viewers
	}
	return Stats{
		ActiveStreams: len(streams),
		TotalViewers:  total,
		Uptime:        s.now().Sub(s.started).Seconds(),
	}
}

// audienceLocked returns the audience of the entry's current session; a
// restarted stream starts with no viewers.
func (s *Service) audienceLocked(e Entry) audience {
	a, ok := s.audiences[e.StreamKey]
	if !ok || !a.startedAt.Equal(e.StartedAt) {
		return audience{startedAt: e.StartedAt}
	}
	return a
}

func (s *Service) viewersLocked(e Entry) int {
	return s.audienceLocked(e).viewers
}

func (s *Service) pruneLocked(live []Entry) {
	keep := make(map[string]bool, len(live))
	for _, e := range live {
		keep[e.StreamKey] = true
	}
	for k := range s.audiences {
		if !keep[k] {
			delete(s.audiences, k)
		}
	}
}
