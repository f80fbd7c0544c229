package packager

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/syndtr/goleveldb/leveldb"
)

// DigestCache remembers file digests keyed by path, size and modification
// time so unchanged model weights are not hashed again.
// A nil *DigestCache is valid and caches nothing.
type DigestCache struct {
	db *leveldb.DB
}

func OpenDigestCache(path string) (*DigestCache, error) {
	if path == "" {
		return nil, fmt.Errorf("digest cache path not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirMode); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &DigestCache{db: db}, nil
}

func cacheKey(path string, fi os.FileInfo) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", path, fi.Size(), fi.ModTime().UnixNano()))
}

// Get returns "" when nothing is cached for the file.
func (c *DigestCache) Get(path string, fi os.FileInfo) (digest.Digest, error) {
	if c == nil {
		return "", nil
	}
	val, err := c.db.Get(cacheKey(path, fi), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	d, err := digest.Parse(string(val))
	if err != nil {
		// corrupted entry, treat as a miss
		return "", nil
	}
	return d, nil
}

func (c *DigestCache) Set(path string, fi os.FileInfo, d digest.Digest) error {
	if c == nil {
		return nil
	}
	return c.db.Put(cacheKey(path, fi), []byte(d.String()), nil)
}

func (c *DigestCache) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
