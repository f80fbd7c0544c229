package packager

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v4"
	"github.com/opencontainers/go-digest"
)

var tgz = archiver.CompressedArchive{
	Archival:    archiver.Tar{},
	Compression: archiver.Gz{},
}

// TGZ archives dir into intofile and returns the digest of the archive.
// File attributes are cleared so the same tree always yields the same digest.
// An empty intofile only computes the digest.
func TGZ(ctx context.Context, dir string, intofile string) (digest.Digest, error) {
	files, err := archiver.FilesFromDisk(
		&archiver.FromDiskOptions{ClearAttributes: true},
		map[string]string{dir + string(os.PathSeparator): ""},
	)
	if err != nil {
		return "", err
	}

	writers := []io.Writer{}
	if intofile != "" {
		if err := os.MkdirAll(filepath.Dir(intofile), DefaultDirMode); err != nil {
			return "", err
		}
		f, err := os.Create(intofile)
		if err != nil {
			return "", err
		}
		defer f.Close()

		writers = append(writers, f)
	}
	d := digest.Canonical.Digester()
	writers = append(writers, d.Hash())

	if err := tgz.Archive(ctx, io.MultiWriter(writers...), files); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// UnTGZ extracts a tar.gz stream into intodir.
func UnTGZ(ctx context.Context, intodir string, r io.Reader) error {
	if err := os.MkdirAll(intodir, DefaultDirMode); err != nil {
		return err
	}
	root := filepath.Clean(intodir) + string(os.PathSeparator)
	return tgz.Extract(ctx, r, nil, func(ctx context.Context, f archiver.File) error {
		nameinlocal := filepath.Join(intodir, f.NameInArchive)
		if !strings.HasPrefix(nameinlocal+string(os.PathSeparator), root) {
			return fmt.Errorf("archive entry %s escapes %s", f.NameInArchive, intodir)
		}
		if f.IsDir() {
			return os.MkdirAll(nameinlocal, f.Mode().Perm()|0o700)
		}
		if !f.Mode().IsRegular() {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(nameinlocal), DefaultDirMode); err != nil {
			return err
		}
		srcfile, err := f.Open()
		if err != nil {
			return err
		}
		defer srcfile.Close()

		intofile, err := os.OpenFile(nameinlocal, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			return err
		}
		defer intofile.Close()

		_, err = io.Copy(intofile, srcfile)
		return err
	})
}
