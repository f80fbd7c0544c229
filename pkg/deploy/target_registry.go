package deploy

import (
	"context"
	"io"
	"strconv"

	"github.com/opencontainers/go-digest"
	"kubegems.io/deployx/pkg/client"
	"kubegems.io/deployx/pkg/types"
)

const TargetTypeRegistry = "registry"

func init() {
	Register(TargetTypeRegistry, NewRegistryTarget)
}

var _ Target = &RegistryTarget{}

// RegistryTarget deploys to a deployxd server over http.
type RegistryTarget struct {
	Remote *client.RegistryClient
}

func NewRegistryTarget(ctx context.Context, cfg TargetConfig) (Target, error) {
	insecure, _ := strconv.ParseBool(cfg.Option("insecure"))
	remote := client.NewRegistryClient(cfg.URL, client.Options{
		Authorization: cfg.Token,
		Insecure:      insecure,
	})
	return &RegistryTarget{Remote: remote}, nil
}

func (t *RegistryTarget) Type() string {
	return TargetTypeRegistry
}

func (t *RegistryTarget) Location() string {
	return t.Remote.Registry
}

func (t *RegistryTarget) GetGlobalIndex(ctx context.Context, search string) (types.Index, error) {
	index, err := t.Remote.GetGlobalIndex(ctx, search)
	if err != nil {
		return types.Index{}, err
	}
	return *index, nil
}

func (t *RegistryTarget) GetIndex(ctx context.Context, repository string, search string) (types.Index, error) {
	index, err := t.Remote.GetIndex(ctx, repository, search)
	if err != nil {
		return types.Index{}, err
	}
	return *index, nil
}

func (t *RegistryTarget) GetManifest(ctx context.Context, repository string, version string) (*types.Manifest, error) {
	return t.Remote.GetManifest(ctx, repository, version)
}

func (t *RegistryTarget) PutManifest(ctx context.Context, repository string, version string, manifest types.Manifest) error {
	return t.Remote.PutManifest(ctx, repository, version, manifest)
}

func (t *RegistryTarget) CreateManifest(ctx context.Context, repository string, version string, manifest types.Manifest) error {
	return t.Remote.CreateManifest(ctx, repository, version, manifest)
}

func (t *RegistryTarget) ExistsBlob(ctx context.Context, repository string, digest digest.Digest) (bool, error) {
	return t.Remote.HeadBlob(ctx, repository, digest)
}

func (t *RegistryTarget) PutBlob(ctx context.Context, repository string, desc types.Descriptor, content io.Reader) error {
	return t.Remote.UploadBlob(ctx, repository, desc, content)
}

func (t *RegistryTarget) GetBlob(ctx context.Context, repository string, digest digest.Digest) (io.ReadCloser, int64, error) {
	return t.Remote.GetBlob(ctx, repository, digest)
}

func (t *RegistryTarget) GetReleases(ctx context.Context, repository string) (types.ReleaseHistory, error) {
	history, err := t.Remote.GetReleases(ctx, repository)
	if err != nil {
		return types.ReleaseHistory{}, err
	}
	return *history, nil
}

func (t *RegistryTarget) Release(ctx context.Context, repository string, req types.ReleaseRequest) (types.Release, error) {
	release, err := t.Remote.PostRelease(ctx, repository, req)
	if err != nil {
		return types.Release{}, err
	}
	return *release, nil
}

func (t *RegistryTarget) Close() error {
	t.Remote.Client.CloseIdleConnections()
	return nil
}
