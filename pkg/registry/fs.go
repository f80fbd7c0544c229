package registry

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"time"
)

type FsObjectMeta struct {
	Name         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// FSProvider is the object storage underneath a registry store.
// Paths are slash separated and relative to the provider root.
type FSProvider interface {
	Put(ctx context.Context, path string, content BlobContent) error
	Get(ctx context.Context, path string) (BlobContent, error)
	GetLocation(ctx context.Context, path string) (string, error)
	Remove(ctx context.Context, path string, recursive bool) error
	Exists(ctx context.Context, path string) (bool, error)
	// List returns objects under path, names relative to path.
	List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error)
}

type BlobContent struct {
	ContentType     string
	ContentLength   int64
	ContentEncoding string
	Content         io.ReadCloser
}

func (s BlobContent) Close() error {
	if s.Content != nil {
		return s.Content.Close()
	}
	return nil
}

func (s BlobContent) Read(p []byte) (int, error) {
	return s.Content.Read(p)
}

// IsNotFound reports a missing object on any provider.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || IsS3StorageNotFound(err)
}
