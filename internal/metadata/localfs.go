package metadata

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalObjectStore serves objects from a directory on the local filesystem.
// Production deployments plug a bucket-backed implementation in instead;
// this one keeps single-node setups and development working without one.
type LocalObjectStore struct {
	root string
}

// NewLocalObjectStore creates an object store rooted at dir.
func NewLocalObjectStore(dir string) *LocalObjectStore {
	return &LocalObjectStore{root: dir}
}

func (l *LocalObjectStore) path(uri string) string {
	uri = strings.TrimPrefix(uri, "file://")
	if filepath.IsAbs(uri) {
		return uri
	}
	return filepath.Join(l.root, uri)
}

// ReadObject opens the object at uri for reading.
func (l *LocalObjectStore) ReadObject(ctx context.Context, uri string) (io.ReadCloser, error) {
	return os.Open(l.path(uri))
}

// Exists reports whether the object at uri is present.
func (l *LocalObjectStore) Exists(ctx context.Context, uri string) (bool, error) {
	_, err := os.Stat(l.path(uri))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
