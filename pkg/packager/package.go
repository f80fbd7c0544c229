// Package packager turns a model file or directory into a content addressed
// package directory that deploy can push to any target.
package packager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/types"
	"sigs.k8s.io/yaml"
)

const (
	ManifestFileName = "manifest.json"
	BlobsDir         = "blobs"

	DefaultFileMode = 0o644
	DefaultDirMode  = 0o755

	PackConcurrency = 4
)

type Options struct {
	// Model is a model file or a model directory.
	Model string
	// Output is the package directory to write.
	Output string
	// Name overrides the model name, defaults to the model base name.
	Name string
	// Version is recorded in the manifest and used by deploy when no
	// version is requested there.
	Version string
	// Force overwrites an existing package.
	Force bool
	// CacheDir holds the digest cache, empty disables it.
	CacheDir string
}

type Package struct {
	Dir      string
	Manifest types.Manifest
}

func (p *Package) Name() string {
	return p.Manifest.Annotations[types.AnnotationModelName]
}

func (p *Package) Version() string {
	return p.Manifest.Annotations[types.AnnotationModelVersion]
}

func (p *Package) Digest() (digest.Digest, error) {
	return p.Manifest.Digest()
}

func (p *Package) BlobPath(d digest.Digest) string {
	return BlobPath(p.Dir, d)
}

// Open opens the content of blob d.
func (p *Package) Open(d digest.Digest) (*os.File, error) {
	f, err := os.Open(p.BlobPath(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewBlobUnknownError(d)
		}
		return nil, err
	}
	return f, nil
}

func BlobPath(dir string, d digest.Digest) string {
	return filepath.Join(dir, BlobsDir, d.Algorithm().String(), d.Hex())
}

// Pack builds a package from opts.Model into opts.Output.
func Pack(ctx context.Context, opts Options) (*Package, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("model", opts.Model, "output", opts.Output)

	if opts.Model == "" {
		return nil, errors.NewParameterInvalidError("model path is empty")
	}
	if opts.Output == "" {
		return nil, errors.NewParameterInvalidError("output path is empty")
	}
	modelpath, err := filepath.Abs(opts.Model)
	if err != nil {
		return nil, err
	}
	output, err := filepath.Abs(opts.Output)
	if err != nil {
		return nil, err
	}
	if modelpath == output {
		return nil, errors.NewParameterInvalidError("output must differ from the model path")
	}
	modelfi, err := os.Stat(modelpath)
	if err != nil {
		return nil, errors.NewParameterInvalidError(fmt.Sprintf("model path: %v", err))
	}

	if _, err := os.Stat(filepath.Join(output, ManifestFileName)); err == nil && !opts.Force {
		return nil, errors.NewPackageExistsError(opts.Output)
	}
	if err := os.MkdirAll(output, DefaultDirMode); err != nil {
		return nil, err
	}

	name := opts.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(modelpath), filepath.Ext(modelpath))
		if modelfi.IsDir() {
			name = filepath.Base(modelpath)
		}
	}
	name = SanitizeName(name)

	var cache *DigestCache
	if opts.CacheDir != "" {
		c, err := OpenDigestCache(filepath.Join(opts.CacheDir, "digests"))
		if err != nil {
			// another deployx process may hold the lock, packaging still works
			log.Info("digest cache disabled", "reason", err.Error())
		} else {
			cache = c
			defer cache.Close()
		}
	}

	p := &packer{output: output, cache: cache}

	var entries []entry
	var configcontent []byte
	if modelfi.IsDir() {
		entries, configcontent, err = p.scanDir(modelpath)
	} else {
		entries = []entry{{name: filepath.Base(modelpath), path: modelpath, fi: modelfi}}
	}
	if err != nil {
		return nil, err
	}

	config, configcontent, err := loadOrGenerateConfig(name, entries, configcontent)
	if err != nil {
		return nil, errors.NewPackageInvalidError(opts.Model, err)
	}

	manifest := types.Manifest{
		SchemaVersion: types.SchemaVersion,
		MediaType:     types.MediaTypeModelManifestJson,
		Blobs:         make([]types.Descriptor, len(entries)),
		Annotations:   config.ManifestAnnotations(),
	}
	manifest.Annotations[types.AnnotationModelName] = name
	manifest.Annotations[types.AnnotationPackageCreated] = time.Now().UTC().Format(time.RFC3339)
	if opts.Version != "" {
		manifest.Annotations[types.AnnotationModelVersion] = opts.Version
	}

	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(PackConcurrency)
	for i := range entries {
		i := i
		eg.Go(func() error {
			desc, err := p.packEntry(egctx, entries[i])
			if err != nil {
				return fmt.Errorf("pack %s: %w", entries[i].name, err)
			}
			log.V(1).Info("packed", "name", desc.Name, "digest", desc.Digest.String(), "size", desc.Size)
			manifest.Blobs[i] = desc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	slices.SortFunc(manifest.Blobs, types.SortDescriptorName)

	configdesc, err := p.writeBytes(configcontent)
	if err != nil {
		return nil, err
	}
	configdesc.Name = types.ModelConfigFileName
	configdesc.MediaType = types.MediaTypeModelConfigYaml
	configdesc.Mode = DefaultFileMode
	manifest.Config = configdesc

	if err := writeManifest(output, manifest); err != nil {
		return nil, err
	}
	if err := removeUnreferencedBlobs(output, manifest); err != nil {
		return nil, err
	}
	log.Info("packaged", "name", name, "blobs", len(manifest.Blobs))
	return &Package{Dir: output, Manifest: manifest}, nil
}

type entry struct {
	name string
	path string
	fi   os.FileInfo
}

type packer struct {
	output string
	cache  *DigestCache
}

// scanDir lists the top level entries of a model directory and returns the
// content of its config file if there is one.
func (p *packer) scanDir(dir string) ([]entry, []byte, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, err
	}
	var configcontent []byte
	entries := []entry{}
	for _, de := range des {
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		path := filepath.Join(dir, name)
		if path == p.output {
			continue
		}
		if name == types.ModelConfigFileName || name == types.LegacyModelConfigFileName {
			if configcontent == nil || name == types.ModelConfigFileName {
				if configcontent, err = os.ReadFile(path); err != nil {
					return nil, nil, err
				}
			}
			continue
		}
		fi, err := os.Stat(path)
		if err != nil {
			return nil, nil, err
		}
		if !fi.IsDir() && !fi.Mode().IsRegular() {
			continue
		}
		entries = append(entries, entry{name: name, path: path, fi: fi})
	}
	return entries, configcontent, nil
}

func loadOrGenerateConfig(name string, entries []entry, content []byte) (types.ModelConfig, []byte, error) {
	config := types.ModelConfig{}
	if content != nil {
		if err := yaml.Unmarshal(content, &config); err != nil {
			return config, nil, fmt.Errorf("parse %s: %w", types.ModelConfigFileName, err)
		}
		if err := config.Validate(); err != nil {
			return config, nil, err
		}
		if config.FrameWork == "" {
			config.FrameWork = types.DetectFramework(entryNames(entries))
		}
		return config, content, nil
	}

	names := entryNames(entries)
	config = types.ModelConfig{
		Description: name + " model",
		FrameWork:   types.DetectFramework(names),
		Tags:        []string{},
		Maintainers: []string{},
		ModelFiles:  []string{},
	}
	if config.FrameWork != "" {
		config.Tags = append(config.Tags, config.FrameWork)
	}
	for _, n := range names {
		if types.IsModelFile(n) {
			config.ModelFiles = append(config.ModelFiles, n)
		}
	}
	generated, err := yaml.Marshal(config)
	if err != nil {
		return config, nil, err
	}
	return config, generated, nil
}

func entryNames(entries []entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names
}

func (p *packer) packEntry(ctx context.Context, e entry) (types.Descriptor, error) {
	desc := types.Descriptor{
		Name:     e.name,
		Mode:     e.fi.Mode().Perm(),
		Modified: e.fi.ModTime().UTC(),
	}
	if e.fi.IsDir() {
		desc.MediaType = types.MediaTypeModelDirectoryTarGz
		tmp, err := p.tempBlob()
		if err != nil {
			return desc, err
		}
		d, err := TGZ(ctx, e.path, tmp)
		if err != nil {
			os.Remove(tmp)
			return desc, err
		}
		size, err := p.commit(tmp, d)
		if err != nil {
			return desc, err
		}
		desc.Digest, desc.Size = d, size
		return desc, nil
	}

	desc.MediaType = types.MediaTypeModelFile
	desc.Size = e.fi.Size()

	if cached, err := p.cache.Get(e.path, e.fi); err == nil && cached != "" {
		if fi, err := os.Stat(BlobPath(p.output, cached)); err == nil && fi.Size() == e.fi.Size() {
			desc.Digest = cached
			return desc, nil
		}
	}

	src, err := os.Open(e.path)
	if err != nil {
		return desc, err
	}
	defer src.Close()

	d, err := p.writeReader(src)
	if err != nil {
		return desc, err
	}
	desc.Digest = d
	if err := p.cache.Set(e.path, e.fi, d); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "update digest cache", "path", e.path)
	}
	return desc, nil
}

func (p *packer) writeBytes(content []byte) (types.Descriptor, error) {
	d := digest.Canonical.FromBytes(content)
	if _, err := os.Stat(BlobPath(p.output, d)); err == nil {
		return types.Descriptor{Digest: d, Size: int64(len(content))}, nil
	}
	tmp, err := p.tempBlob()
	if err != nil {
		return types.Descriptor{}, err
	}
	if err := os.WriteFile(tmp, content, DefaultFileMode); err != nil {
		return types.Descriptor{}, err
	}
	if _, err := p.commit(tmp, d); err != nil {
		return types.Descriptor{}, err
	}
	return types.Descriptor{Digest: d, Size: int64(len(content))}, nil
}

// writeReader copies r into the blob store while hashing it.
func (p *packer) writeReader(r io.Reader) (digest.Digest, error) {
	tmp, err := p.tempBlob()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, DefaultFileMode)
	if err != nil {
		return "", err
	}
	digester := digest.Canonical.Digester()
	_, err = io.Copy(io.MultiWriter(f, digester.Hash()), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	d := digester.Digest()
	if _, err := p.commit(tmp, d); err != nil {
		return "", err
	}
	return d, nil
}

func (p *packer) tempBlob() (string, error) {
	dir := filepath.Join(p.output, BlobsDir, digest.Canonical.String())
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	return name, f.Close()
}

// commit moves tmp to the blob path of d and returns the blob size.
func (p *packer) commit(tmp string, d digest.Digest) (int64, error) {
	target := BlobPath(p.output, d)
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	fi, err := os.Stat(target)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func writeManifest(dir string, manifest types.Manifest) error {
	content, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, "."+ManifestFileName+".tmp")
	if err := os.WriteFile(tmp, content, DefaultFileMode); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, ManifestFileName))
}

func removeUnreferencedBlobs(dir string, manifest types.Manifest) error {
	inuse := map[string]struct{}{}
	for _, blob := range manifest.AllBlobs() {
		inuse[blob.Digest.Hex()] = struct{}{}
	}
	blobsdir := filepath.Join(dir, BlobsDir, digest.Canonical.String())
	des, err := os.ReadDir(blobsdir)
	if err != nil {
		return err
	}
	for _, de := range des {
		if _, ok := inuse[de.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(blobsdir, de.Name())); err != nil {
			return err
		}
	}
	return nil
}

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9._-]+`)
	repeatedSeps     = regexp.MustCompile(`[._-]{2,}`)
)

// SanitizeName lowercases name and rewrites it to match a repository path
// component.
func SanitizeName(name string) string {
	name = strings.ToLower(name)
	name = invalidNameChars.ReplaceAllString(name, "-")
	name = repeatedSeps.ReplaceAllString(name, "-")
	name = strings.Trim(name, "._-")
	if name == "" {
		return "model"
	}
	return name
}
