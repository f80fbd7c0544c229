package deploy

import (
	"context"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"kubegems.io/deployx/pkg/registry"
	"kubegems.io/deployx/pkg/types"
)

const (
	TargetTypeLocal = "local"
	TargetTypeS3    = "s3"
)

func init() {
	Register(TargetTypeLocal, NewLocalTarget)
	Register(TargetTypeS3, NewS3Target)
}

var _ Target = &StoreTarget{}

// StoreTarget deploys into a registry store in process, sharing the layout
// deployxd serves.
type StoreTarget struct {
	kind     string
	location string
	Store    registry.RegistryStore
}

func NewLocalTarget(ctx context.Context, cfg TargetConfig) (Target, error) {
	dir := cfg.URL
	if u, err := url.Parse(cfg.URL); err == nil && u.Scheme == "file" {
		dir = u.Path
		if u.Host != "" && u.Host != "localhost" {
			// file://relative/dir
			dir = filepath.Join(u.Host, u.Path)
		}
	}
	fs, err := registry.NewLocalFSProvider(&registry.LocalFSOptions{Basepath: dir})
	if err != nil {
		return nil, err
	}
	store, err := registry.NewFSRegistryStore(ctx, fs, false)
	if err != nil {
		return nil, err
	}
	return &StoreTarget{kind: TargetTypeLocal, location: dir, Store: store}, nil
}

// NewS3Target opens s3://bucket/prefix?endpoint=&region=&pathStyle=.
// Options accessKey and secretKey override the default credential chain.
func NewS3Target(ctx context.Context, cfg TargetConfig) (Target, error) {
	options, err := ParseS3URL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if v := cfg.Option("accessKey"); v != "" {
		options.AccessKey = v
	}
	if v := cfg.Option("secretKey"); v != "" {
		options.SecretKey = v
	}
	if v := cfg.Option("endpoint"); v != "" {
		options.URL = v
	}
	if v := cfg.Option("region"); v != "" {
		options.Region = v
	}
	fs, err := registry.NewS3FSProvider(ctx, options)
	if err != nil {
		return nil, err
	}
	store, err := registry.NewFSRegistryStore(ctx, fs, false)
	if err != nil {
		return nil, err
	}
	return &StoreTarget{kind: TargetTypeS3, location: cfg.URL, Store: store}, nil
}

func ParseS3URL(raw string) (*registry.S3Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, errInvalidTargetURL(raw, "expected s3://bucket[/prefix]")
	}
	options := registry.NewDefaultS3Options()
	options.Bucket = u.Host
	options.Prefix = strings.Trim(u.Path, "/")
	query := u.Query()
	if endpoint := query.Get("endpoint"); endpoint != "" {
		options.URL = endpoint
	}
	if region := query.Get("region"); region != "" {
		options.Region = region
	}
	if pathStyle := query.Get("pathStyle"); pathStyle != "" {
		b, err := strconv.ParseBool(pathStyle)
		if err != nil {
			return nil, errInvalidTargetURL(raw, "pathStyle must be a boolean")
		}
		options.PathStyle = b
	}
	return options, nil
}

func (t *StoreTarget) Type() string {
	return t.kind
}

func (t *StoreTarget) Location() string {
	return t.location
}

func (t *StoreTarget) GetGlobalIndex(ctx context.Context, search string) (types.Index, error) {
	return t.Store.GetGlobalIndex(ctx, search)
}

func (t *StoreTarget) GetIndex(ctx context.Context, repository string, search string) (types.Index, error) {
	return t.Store.GetIndex(ctx, repository, search)
}

func (t *StoreTarget) GetManifest(ctx context.Context, repository string, version string) (*types.Manifest, error) {
	return t.Store.GetManifest(ctx, repository, version)
}

func (t *StoreTarget) PutManifest(ctx context.Context, repository string, version string, manifest types.Manifest) error {
	return t.Store.PutManifest(ctx, repository, version, types.MediaTypeModelManifestJson, manifest)
}

func (t *StoreTarget) CreateManifest(ctx context.Context, repository string, version string, manifest types.Manifest) error {
	return t.Store.CreateManifest(ctx, repository, version, types.MediaTypeModelManifestJson, manifest)
}

func (t *StoreTarget) ExistsBlob(ctx context.Context, repository string, digest digest.Digest) (bool, error) {
	return t.Store.ExistsBlob(ctx, repository, digest)
}

func (t *StoreTarget) PutBlob(ctx context.Context, repository string, desc types.Descriptor, content io.Reader) error {
	return t.Store.PutBlob(ctx, repository, desc.Digest, registry.BlobContent{
		Content:       io.NopCloser(content),
		ContentLength: desc.Size,
		ContentType:   desc.MediaType,
	})
}

func (t *StoreTarget) GetBlob(ctx context.Context, repository string, digest digest.Digest) (io.ReadCloser, int64, error) {
	resp, err := t.Store.GetBlob(ctx, repository, digest)
	if err != nil {
		return nil, -1, err
	}
	return resp.Content.Content, resp.Content.ContentLength, nil
}

func (t *StoreTarget) GetReleases(ctx context.Context, repository string) (types.ReleaseHistory, error) {
	return t.Store.GetReleases(ctx, repository)
}

func (t *StoreTarget) Release(ctx context.Context, repository string, req types.ReleaseRequest) (types.Release, error) {
	return t.Store.CreateRelease(ctx, repository, req)
}

func (t *StoreTarget) Close() error {
	return nil
}
