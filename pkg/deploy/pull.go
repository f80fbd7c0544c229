package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"kubegems.io/deployx/pkg/client/progress"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/packager"
	"kubegems.io/deployx/pkg/types"
	"sigs.k8s.io/yaml"
)

type PullOptions struct {
	// Files limits the pull to these blobs, the config is always pulled.
	// Nested paths select their top level entry.
	Files []string
}

func (o PullOptions) wants(desc types.Descriptor) bool {
	if len(o.Files) == 0 || desc.Name == types.ModelConfigFileName {
		return true
	}
	for _, file := range o.Files {
		top, _, _ := strings.Cut(filepath.ToSlash(filepath.Clean(file)), "/")
		if top == desc.Name {
			return true
		}
	}
	return false
}

// Pull downloads repository@version into the model directory into.
// An empty version pulls the current release.
func (d *Deployer) Pull(ctx context.Context, repository string, version string, into string, opts PullOptions) (*Result, error) {
	version, manifest, err := d.Info(ctx, repository, version)
	if err != nil {
		return nil, err
	}
	repository, _ = ValidateRepository(repository)
	log := logr.FromContextOrDiscard(ctx).WithValues("repository", repository, "version", version, "into", into)

	manifestDigest, err := manifest.Digest()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(into, packager.DefaultDirMode); err != nil {
		return nil, err
	}

	mb := progress.NewMultiBar(d.Out, barWidth, d.Concurrency)
	runctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mb.Run(runctx)

	for _, desc := range manifest.AllBlobs() {
		if !opts.wants(desc) {
			continue
		}
		desc := desc
		mb.Go(desc.Name, "pending", func(b *progress.Bar) error {
			return d.pullBlob(ctx, repository, desc, into, b)
		})
	}
	if err := mb.Wait(); err != nil {
		return nil, err
	}
	log.Info("pulled", "digest", manifestDigest.String())
	return &Result{Repository: repository, Version: version, Digest: manifestDigest}, nil
}

func (d *Deployer) pullBlob(ctx context.Context, repository string, desc types.Descriptor, into string, b *progress.Bar) error {
	if !filepath.IsLocal(desc.Name) {
		return errors.NewManifestInvalidError(fmt.Errorf("blob name %q escapes the model directory", desc.Name))
	}
	path := filepath.Join(into, desc.Name)
	if desc.MediaType == types.MediaTypeModelDirectoryTarGz {
		return d.pullDirectory(ctx, repository, desc, path, b)
	}
	return d.pullFile(ctx, repository, desc, path, b)
}

func (d *Deployer) pullFile(ctx context.Context, repository string, desc types.Descriptor, path string, b *progress.Bar) error {
	if desc.Digest == types.EmptyFileDigest {
		b.SetDone("empty")
		return os.WriteFile(path, nil, fileMode(desc))
	}
	if fileDigest(path) == desc.Digest {
		b.SetProgress(desc.Size, desc.Size)
		b.SetDone("already exists")
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), packager.DefaultDirMode); err != nil {
		return err
	}
	content, _, err := d.Target.GetBlob(ctx, repository, desc.Digest)
	if err != nil {
		return err
	}
	defer content.Close()

	f, err := os.CreateTemp(filepath.Dir(path), ".deployx-tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	verifier := desc.Digest.Verifier()
	_, err = io.Copy(b.WrapWriter(io.MultiWriter(f, verifier), desc.Size, "pulling"), content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if !verifier.Verified() {
		return errors.NewDigestInvalidError(fmt.Sprintf("%s (%s): content does not match", desc.Name, desc.Digest))
	}
	if err := os.Chmod(tmp, fileMode(desc)); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	b.SetDone("pulled")
	return nil
}

func (d *Deployer) pullDirectory(ctx context.Context, repository string, desc types.Descriptor, path string, b *progress.Bar) error {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		if got, err := packager.TGZ(ctx, path, ""); err == nil && got == desc.Digest {
			b.SetProgress(desc.Size, desc.Size)
			b.SetDone("already exists")
			return nil
		}
	}
	content, _, err := d.Target.GetBlob(ctx, repository, desc.Digest)
	if err != nil {
		return err
	}
	defer content.Close()

	tmp := filepath.Join(filepath.Dir(path), ".deployx-tmp-"+uuid.NewString())
	defer os.RemoveAll(tmp)

	verifier := desc.Digest.Verifier()
	reader := io.TeeReader(b.WrapReader(content, desc.Size, "pulling", "extracted"), verifier)
	if err := packager.UnTGZ(ctx, tmp, reader); err != nil {
		return err
	}
	// gzip trailer and tar padding may be left unread
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return err
	}
	if !verifier.Verified() {
		return errors.NewDigestInvalidError(fmt.Sprintf("%s (%s): content does not match", desc.Name, desc.Digest))
	}
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	b.SetDone("pulled")
	return nil
}

// GetConfig returns the model config content of manifest.
func (d *Deployer) GetConfig(ctx context.Context, repository string, manifest *types.Manifest) ([]byte, error) {
	repository, err := ValidateRepository(repository)
	if err != nil {
		return nil, err
	}
	content, _, err := d.Target.GetBlob(ctx, repository, manifest.Config.Digest)
	if err != nil {
		return nil, err
	}
	defer content.Close()
	return io.ReadAll(content)
}

// ModelFilesPullOptions limits a pull to the modelFiles of the model config,
// everything is pulled when the config lists none.
func (d *Deployer) ModelFilesPullOptions(ctx context.Context, repository string, version string) (PullOptions, error) {
	_, manifest, err := d.Info(ctx, repository, version)
	if err != nil {
		return PullOptions{}, err
	}
	content, err := d.GetConfig(ctx, repository, manifest)
	if err != nil {
		return PullOptions{}, err
	}
	config := types.ModelConfig{}
	if err := yaml.Unmarshal(content, &config); err != nil {
		return PullOptions{}, fmt.Errorf("parse model config: %w", err)
	}
	return PullOptions{Files: config.ModelFiles}, nil
}

func fileDigest(path string) digest.Digest {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return ""
	}
	return d
}

func fileMode(desc types.Descriptor) os.FileMode {
	if desc.Mode.Perm() != 0 {
		return desc.Mode.Perm()
	}
	return packager.DefaultFileMode
}
