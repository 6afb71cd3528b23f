package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// LocalStore keeps objects as files under a root directory, with the object
// key as the relative path. Content type and cache control are kept in a
// hidden sidecar next to each object and replayed by ServeHTTP. It is meant
// for development and single-host setups.
type LocalStore struct {
	root      string
	publicURL string
}

type localMeta struct {
	ContentType  string `json:"contentType"`
	CacheControl string `json:"cacheControl"`
}

// NewLocalStore creates root if needed. publicURL prefixes the URLs handed out.
func NewLocalStore(root, publicURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: root, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (l *LocalStore) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *LocalStore) metaPath(key string) string {
	p := l.path(key)
	return filepath.Join(filepath.Dir(p), "."+filepath.Base(p)+".meta")
}

// Put writes through a temporary file so readers never observe a partial object.
func (l *LocalStore) Put(ctx context.Context, key string, body io.ReadSeeker, contentType, cacheControl string) error {
	dst := l.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	meta, err := json.Marshal(localMeta{ContentType: contentType, CacheControl: cacheControl})
	if err != nil {
		return err
	}
	if err := writeAtomic(l.metaPath(key), strings.NewReader(string(meta))); err != nil {
		return err
	}
	return writeAtomic(dst, body)
}

func writeAtomic(dst string, body io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// List walks the root for objects under prefix. Sidecars and in-flight
// uploads are skipped.
func (l *LocalStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{Key: key, Size: info.Size(), LastModified: info.ModTime()})
		return nil
	})
	return objects, err
}

// Exists reports whether key is stored.
func (l *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(l.path(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// URL returns publicURL/key.
func (l *LocalStore) URL(key string) string {
	return l.publicURL + "/" + key
}

// ServeHTTP serves the object named by the request path with the headers it
// was stored with.
func (l *LocalStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(path.Clean("/"+r.URL.Path), "/")
	if key == "" || strings.HasPrefix(path.Base(key), ".") {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(l.path(key))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	var meta localMeta
	if b, err := os.ReadFile(l.metaPath(key)); err == nil {
		_ = json.Unmarshal(b, &meta)
	}
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	if meta.CacheControl != "" {
		w.Header().Set("Cache-Control", meta.CacheControl)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
