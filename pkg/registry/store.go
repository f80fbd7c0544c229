package registry

import (
	"context"
	"path"

	"github.com/opencontainers/go-digest"
	"kubegems.io/deployx/pkg/types"
)

const (
	RegistryIndexFileName    = "index.json"
	RegistryReleasesFileName = "releases.json"
)

// BlobResponse carries either the blob content or a location to fetch it from.
type BlobResponse struct {
	Content          *BlobContent
	RedirectLocation string
}

type RegistryStore interface {
	GetGlobalIndex(ctx context.Context, search string) (types.Index, error)

	GetIndex(ctx context.Context, repository string, search string) (types.Index, error)
	RemoveIndex(ctx context.Context, repository string) error

	ExistsManifest(ctx context.Context, repository string, reference string) (bool, error)
	GetManifest(ctx context.Context, repository string, reference string) (*types.Manifest, error)
	PutManifest(ctx context.Context, repository string, reference string, contentType string, manifest types.Manifest) error
	CreateManifest(ctx context.Context, repository string, reference string, contentType string, manifest types.Manifest) error
	DeleteManifest(ctx context.Context, repository string, reference string) error

	ListBlobs(ctx context.Context, repository string) ([]digest.Digest, error)
	GetBlob(ctx context.Context, repository string, digest digest.Digest) (*BlobResponse, error)
	DeleteBlob(ctx context.Context, repository string, digest digest.Digest) error
	PutBlob(ctx context.Context, repository string, digest digest.Digest, content BlobContent) error
	ExistsBlob(ctx context.Context, repository string, digest digest.Digest) (bool, error)

	GetReleases(ctx context.Context, repository string) (types.ReleaseHistory, error)
	CreateRelease(ctx context.Context, repository string, req types.ReleaseRequest) (types.Release, error)
}

func BlobDigestPath(repository string, d digest.Digest) string {
	if d == "" {
		return path.Join(repository, "blobs")
	}
	return path.Join(repository, "blobs", d.Algorithm().String(), d.Encoded())
}

func IndexPath(repository string) string {
	return path.Join(repository, RegistryIndexFileName)
}

func ReleasesPath(repository string) string {
	return path.Join(repository, RegistryReleasesFileName)
}

func ManifestPath(repository string, reference string) string {
	return path.Join(repository, "manifests", reference)
}
