package registry

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"kubegems.io/deployx/pkg/errors"
)

// GCResult maps every unreferenced blob to what happened to it.
type GCResult map[digest.Digest]string

const (
	GCStatusUnused  = "unused"
	GCStatusRemoved = "removed"
)

func GCBlobsAll(ctx context.Context, store RegistryStore, dryRun bool) (map[string]GCResult, error) {
	globalindex, err := store.GetGlobalIndex(ctx, "")
	if err != nil {
		return nil, err
	}
	results := map[string]GCResult{}
	for _, repository := range globalindex.Manifests {
		result, err := GCBlobs(ctx, store, repository.Name, dryRun)
		if err != nil {
			return results, err
		}
		results[repository.Name] = result
	}
	return results, nil
}

// GCBlobs removes the blobs of repository no stored manifest refers to.
func GCBlobs(ctx context.Context, store RegistryStore, repository string, dryRun bool) (GCResult, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("repository", repository)

	log.Info("start blobs garbage collect", "dryRun", dryRun)
	defer log.Info("stop blobs garbage collect")

	manifests, err := store.GetIndex(ctx, repository, "")
	if err != nil && !errors.IsErrCode(err, errors.ErrCodeIndexUnknown) {
		return nil, err
	}
	all, err := store.ListBlobs(ctx, repository)
	if err != nil {
		return nil, err
	}

	inuse := map[digest.Digest]struct{}{}
	for _, version := range manifests.Manifests {
		manifest, err := store.GetManifest(ctx, repository, version.Name)
		if err != nil {
			return nil, err
		}
		for _, blob := range manifest.AllBlobs() {
			inuse[blob.Digest] = struct{}{}
		}
	}

	result := GCResult{}
	for _, blobdigest := range all {
		if _, ok := inuse[blobdigest]; !ok {
			log.V(1).Info("mark blob unused", "digest", blobdigest.String())
			result[blobdigest] = GCStatusUnused
		}
	}
	if dryRun {
		return result, nil
	}
	for d := range result {
		if err := store.DeleteBlob(ctx, repository, d); err != nil {
			log.Error(err, "remove unused blob", "digest", d.String())
			return result, err
		}
		log.Info("removed unused blob", "digest", d.String())
		result[d] = GCStatusRemoved
	}
	return result, nil
}
