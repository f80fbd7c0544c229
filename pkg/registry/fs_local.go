package registry

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"kubegems.io/deployx/pkg/errors"
)

const (
	DefaultFileMode = 0o644
	DefaultDirMode  = 0o755

	metaSuffix = ".meta"
)

type LocalFSOptions struct {
	Basepath string
}

func NewDefaultLocalFSOptions() *LocalFSOptions {
	return &LocalFSOptions{
		Basepath: "data/registry",
	}
}

var _ FSProvider = &LocalFSProvider{}

// LocalFSProvider stores objects as plain files with a json sidecar holding
// content type and length.
type LocalFSProvider struct {
	basepath string
}

func NewLocalFSProvider(options *LocalFSOptions) (*LocalFSProvider, error) {
	if err := os.MkdirAll(options.Basepath, DefaultDirMode); err != nil {
		return nil, err
	}
	return &LocalFSProvider{basepath: options.Basepath}, nil
}

type localFileMeta struct {
	ContentType     string `json:"contentType,omitempty"`
	ContentLength   int64  `json:"contentLength,omitempty"`
	ContentEncoding string `json:"contentEncoding,omitempty"`
}

func (f *LocalFSProvider) fullpath(path string) string {
	return filepath.Join(f.basepath, filepath.FromSlash(path))
}

func (f *LocalFSProvider) Put(ctx context.Context, path string, content BlobContent) error {
	n, err := f.writedata(path, content)
	if err != nil {
		return err
	}
	content.ContentLength = n
	return f.writemeta(path, content)
}

func (f *LocalFSProvider) Get(ctx context.Context, path string) (BlobContent, error) {
	stream, err := os.Open(f.fullpath(path))
	if err != nil {
		return BlobContent{}, err
	}
	meta, err := f.readmeta(path)
	if err != nil {
		if !os.IsNotExist(err) {
			stream.Close()
			return BlobContent{}, err
		}
		// written by something else than the provider
		fi, err := stream.Stat()
		if err != nil {
			stream.Close()
			return BlobContent{}, err
		}
		meta = &localFileMeta{ContentLength: fi.Size()}
	}
	return BlobContent{
		ContentType:     meta.ContentType,
		ContentLength:   meta.ContentLength,
		ContentEncoding: meta.ContentEncoding,
		Content:         stream,
	}, nil
}

func (f *LocalFSProvider) GetLocation(ctx context.Context, path string) (string, error) {
	return "", errors.NewUnsupportedError("GetLocation is not supported for local filesystem")
}

func (f *LocalFSProvider) Remove(ctx context.Context, path string, recursive bool) error {
	full := f.fullpath(path)
	if recursive {
		return os.RemoveAll(full)
	}
	if err := os.Remove(full); err != nil {
		return err
	}
	if err := os.Remove(full + metaSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *LocalFSProvider) Exists(ctx context.Context, path string) (bool, error) {
	fi, err := os.Stat(f.fullpath(path))
	if err == nil {
		return !fi.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (f *LocalFSProvider) List(ctx context.Context, path string, recursive bool) ([]FsObjectMeta, error) {
	root := f.fullpath(path)
	out := []FsObjectMeta{}
	if recursive {
		err := filepath.WalkDir(root, func(name string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) && name == root {
					return filepath.SkipDir
				}
				return err
			}
			if d.IsDir() || isLocalInternal(d.Name()) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, name)
			if err != nil {
				return err
			}
			out = append(out, FsObjectMeta{
				Name:         filepath.ToSlash(rel),
				Size:         fi.Size(),
				LastModified: fi.ModTime(),
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	files, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, fi := range files {
		if fi.IsDir() || isLocalInternal(fi.Name()) {
			continue
		}
		finfo, err := fi.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, FsObjectMeta{
			Name:         fi.Name(),
			Size:         finfo.Size(),
			LastModified: finfo.ModTime(),
		})
	}
	return out, nil
}

func isLocalInternal(name string) bool {
	return strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, ".tmp-")
}

func (f *LocalFSProvider) writemeta(path string, content BlobContent) error {
	meta := localFileMeta{
		ContentType:     content.ContentType,
		ContentLength:   content.ContentLength,
		ContentEncoding: content.ContentEncoding,
	}
	jsonData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.fullpath(path)+metaSuffix, jsonData, DefaultFileMode)
}

// writedata writes through a temp file so readers never see partial content.
func (f *LocalFSProvider) writedata(path string, content BlobContent) (int64, error) {
	datafile := f.fullpath(path)
	if err := os.MkdirAll(filepath.Dir(datafile), DefaultDirMode); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(datafile), ".tmp-*")
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, content.Content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Chmod(tmp.Name(), DefaultFileMode); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	if err := os.Rename(tmp.Name(), datafile); err != nil {
		os.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

func (f *LocalFSProvider) readmeta(path string) (*localFileMeta, error) {
	raw, err := os.ReadFile(f.fullpath(path) + metaSuffix)
	if err != nil {
		return nil, err
	}
	var meta localFileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
