// Package objectstore stores the HLS artifacts produced for each stream.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"live-ingest/internal/platform/config"
)

// Kind classifies an artifact by its role in an HLS stream.
type Kind string

const (
	KindPlaylist Kind = "playlist"
	KindSegment  Kind = "segment"
)

const (
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/MP2T"
)

// Classify returns the kind and content type of a file by extension. ok is
// false for anything that is not a playlist or a segment.
func Classify(name string) (kind Kind, contentType string, ok bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return KindPlaylist, ContentTypePlaylist, true
	case ".ts":
		return KindSegment, ContentTypeSegment, true
	default:
		return "", "", false
	}
}

// CacheControl returns the Cache-Control value stored with an artifact. The
// playlist is rewritten continuously; segments never change once written.
func CacheControl(kind Kind) string {
	if kind == KindPlaylist {
		return "max-age=0, no-cache, no-store, must-revalidate"
	}
	return "public, max-age=86400"
}

// Key returns the object key of file name for a stream: <streamKey>/<name>.
func Key(streamKey, name string) string {
	return streamKey + "/" + path.Base(name)
}

// Object describes a stored artifact.
type Object struct {
	Key          string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Store is the key/blob service the artifacts are published to.
type Store interface {
	// Put stores body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.ReadSeeker, contentType, cacheControl string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Exists(ctx context.Context, key string) (bool, error)
	// URL is where clients fetch the object from.
	URL(key string) string
}

// LocalPublicPath is where the api service serves a local store when no
// public URL is configured.
const LocalPublicPath = "/storage"

// New selects the backend named by cfg.Provider.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Provider {
	case "local":
		public := cfg.PublicURL
		if public == "" {
			public = LocalPublicPath
		}
		return NewLocalStore(cfg.LocalRoot, public)
	case "s3", "":
		return NewS3Store(cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
