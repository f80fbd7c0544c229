package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/types"
)

func newTestStore(t *testing.T) *FSRegistryStore {
	t.Helper()
	fs, err := NewLocalFSProvider(&LocalFSOptions{Basepath: t.TempDir()})
	require.NoError(t, err)
	store, err := NewFSRegistryStore(context.Background(), fs, false)
	require.NoError(t, err)
	return store
}

func putTestBlob(t *testing.T, store RegistryStore, repository string, content string) types.Descriptor {
	t.Helper()
	d := digest.FromString(content)
	err := store.PutBlob(context.Background(), repository, d, BlobContent{
		Content:       io.NopCloser(bytes.NewReader([]byte(content))),
		ContentLength: int64(len(content)),
	})
	require.NoError(t, err)
	return types.Descriptor{Name: content, Digest: d, Size: int64(len(content)), MediaType: types.MediaTypeModelFile}
}

func testManifest(config types.Descriptor, blobs ...types.Descriptor) types.Manifest {
	return types.Manifest{
		SchemaVersion: types.SchemaVersion,
		MediaType:     types.MediaTypeModelManifestJson,
		Config:        config,
		Blobs:         blobs,
		Annotations:   map[string]string{types.AnnotationModelName: "m"},
	}
}

func TestFSRegistryStoreManifestsAndIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	repo := "library/m"

	_, err := store.GetIndex(ctx, repo, "")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeIndexUnknown), "got %v", err)

	config := putTestBlob(t, store, repo, "config")
	weights := putTestBlob(t, store, repo, "weights")
	manifest := testManifest(config, weights)
	require.NoError(t, store.PutManifest(ctx, repo, "v1", types.MediaTypeModelManifestJson, manifest))
	require.NoError(t, store.PutManifest(ctx, repo, "v2", types.MediaTypeModelManifestJson, manifest))

	index, err := store.GetIndex(ctx, repo, "")
	require.NoError(t, err)
	require.Len(t, index.Manifests, 2)
	assert.Equal(t, "v1", index.Manifests[0].Name)
	wantDigest, _ := manifest.Digest()
	assert.Equal(t, wantDigest, index.Manifests[0].Digest)
	assert.Equal(t, manifest.Size(), index.Manifests[0].Size)

	filtered, err := store.GetIndex(ctx, repo, "^v2$")
	require.NoError(t, err)
	assert.Len(t, filtered.Manifests, 1)

	_, err = store.GetIndex(ctx, repo, "[")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeInvalidParameter))

	global, err := store.GetGlobalIndex(ctx, "")
	require.NoError(t, err)
	require.Len(t, global.Manifests, 1)
	assert.Equal(t, repo, global.Manifests[0].Name)
	assert.Equal(t, "m", global.Manifests[0].Annotations[types.AnnotationModelName])

	got, err := store.GetManifest(ctx, repo, "v1")
	require.NoError(t, err)
	assert.Equal(t, manifest.Blobs[0].Digest, got.Blobs[0].Digest)

	_, err = store.GetManifest(ctx, repo, "v9")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeManifestUnknown))

	require.NoError(t, store.DeleteManifest(ctx, repo, "v2"))
	index, err = store.GetIndex(ctx, repo, "")
	require.NoError(t, err)
	assert.Len(t, index.Manifests, 1)

	require.NoError(t, store.RemoveIndex(ctx, repo))
	global, err = store.GetGlobalIndex(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, global.Manifests)
}

func TestFSRegistryStorePutBlobVerifiesDigest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	repo := "library/m"

	wrong := digest.FromString("something else")
	err := store.PutBlob(ctx, repo, wrong, BlobContent{
		Content:       io.NopCloser(bytes.NewReader([]byte("content"))),
		ContentLength: 7,
	})
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeDigestInvalid), "got %v", err)

	exists, err := store.ExistsBlob(ctx, repo, wrong)
	require.NoError(t, err)
	assert.False(t, exists, "unverified blob must not be kept")

	desc := putTestBlob(t, store, repo, "content")
	exists, err = store.ExistsBlob(ctx, repo, desc.Digest)
	require.NoError(t, err)
	assert.True(t, exists)

	resp, err := store.GetBlob(ctx, repo, desc.Digest)
	require.NoError(t, err)
	defer resp.Content.Close()
	data, err := io.ReadAll(resp.Content)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, err = store.GetBlob(ctx, repo, digest.FromString("missing"))
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeBlobUnknown))
}

func TestFSRegistryStoreReleases(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	repo := "library/m"

	history, err := store.GetReleases(ctx, repo)
	require.NoError(t, err)
	assert.Empty(t, history.Releases)

	_, err = store.CreateRelease(ctx, repo, types.ReleaseRequest{Version: "v1", Action: types.ReleaseActionDeploy})
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeManifestUnknown), "got %v", err)

	config := putTestBlob(t, store, repo, "config")
	v1 := testManifest(config, putTestBlob(t, store, repo, "one"))
	v2 := testManifest(config, putTestBlob(t, store, repo, "two"))
	require.NoError(t, store.PutManifest(ctx, repo, "v1", "", v1))
	require.NoError(t, store.PutManifest(ctx, repo, "v2", "", v2))

	_, err = store.CreateRelease(ctx, repo, types.ReleaseRequest{Version: "v1", Action: "upgrade"})
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeInvalidParameter))

	r1, err := store.CreateRelease(ctx, repo, types.ReleaseRequest{Version: "v1", Action: types.ReleaseActionDeploy})
	require.NoError(t, err)
	r2, err := store.CreateRelease(ctx, repo, types.ReleaseRequest{Version: "v2", Action: types.ReleaseActionDeploy})
	require.NoError(t, err)
	r3, err := store.CreateRelease(ctx, repo, types.ReleaseRequest{Version: "v1", Action: types.ReleaseActionRollback})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, []int{r1.Revision, r2.Revision, r3.Revision})
	v1digest, _ := v1.Digest()
	assert.Equal(t, v1digest, r3.Digest)

	history, err = store.GetReleases(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, "v1", history.Current)
	assert.Len(t, history.Releases, 3)

	err = store.DeleteManifest(ctx, repo, "v1")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeInvalidParameter), "current release must not be deleted, got %v", err)
	require.NoError(t, store.DeleteManifest(ctx, repo, "v2"))
}

func TestGCBlobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	repo := "library/m"

	config := putTestBlob(t, store, repo, "config")
	used := putTestBlob(t, store, repo, "used")
	unused := putTestBlob(t, store, repo, "unused")
	require.NoError(t, store.PutManifest(ctx, repo, "v1", "", testManifest(config, used)))

	blobs, err := store.ListBlobs(ctx, repo)
	require.NoError(t, err)
	assert.ElementsMatch(t, []digest.Digest{config.Digest, used.Digest, unused.Digest}, blobs)

	result, err := GCBlobs(ctx, store, repo, true)
	require.NoError(t, err)
	assert.Equal(t, GCResult{unused.Digest: GCStatusUnused}, result)
	exists, _ := store.ExistsBlob(ctx, repo, unused.Digest)
	assert.True(t, exists, "dry run must not remove")

	all, err := GCBlobsAll(ctx, store, false)
	require.NoError(t, err)
	assert.Equal(t, GCResult{unused.Digest: GCStatusRemoved}, all[repo])
	exists, _ = store.ExistsBlob(ctx, repo, unused.Digest)
	assert.False(t, exists)
	exists, _ = store.ExistsBlob(ctx, repo, used.Digest)
	assert.True(t, exists)
}

func TestFSRegistryStoreRejectsInvalidVersions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	repo := "library/m"

	config := putTestBlob(t, store, repo, "config")
	manifest := testManifest(config, putTestBlob(t, store, repo, "weights"))
	require.NoError(t, store.PutManifest(ctx, repo, "v1", "", manifest))

	for _, version := range []string{"../index.json", "../../escape", "", "v1/../v2", ".hidden"} {
		t.Run(version, func(t *testing.T) {
			_, err := store.CreateRelease(ctx, repo, types.ReleaseRequest{Version: version, Action: types.ReleaseActionDeploy})
			assert.True(t, errors.IsErrCode(err, errors.ErrCodeInvalidParameter), "CreateRelease: got %v", err)

			err = store.PutManifest(ctx, repo, version, "", manifest)
			assert.True(t, errors.IsErrCode(err, errors.ErrCodeInvalidParameter), "PutManifest: got %v", err)

			err = store.CreateManifest(ctx, repo, version, "", manifest)
			assert.True(t, errors.IsErrCode(err, errors.ErrCodeInvalidParameter), "CreateManifest: got %v", err)

			_, err = store.GetManifest(ctx, repo, version)
			assert.True(t, errors.IsErrCode(err, errors.ErrCodeInvalidParameter), "GetManifest: got %v", err)
		})
	}

	history, err := store.GetReleases(ctx, repo)
	require.NoError(t, err)
	assert.Empty(t, history.Releases)
	assert.Empty(t, history.Current)
}

func TestFSRegistryStoreCreateManifest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	repo := "library/m"

	config := putTestBlob(t, store, repo, "config")
	one := testManifest(config, putTestBlob(t, store, repo, "one"))
	two := testManifest(config, putTestBlob(t, store, repo, "two"))

	require.NoError(t, store.CreateManifest(ctx, repo, "v1", "", one))
	// same content again is accepted
	require.NoError(t, store.CreateManifest(ctx, repo, "v1", "", one))

	err := store.CreateManifest(ctx, repo, "v1", "", two)
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeVersionExists), "got %v", err)

	stored, err := store.GetManifest(ctx, repo, "v1")
	require.NoError(t, err)
	assert.Equal(t, digestOf(t, one), digestOf(t, *stored))

	// only one of many writers of a version wins
	manifests := make([]types.Manifest, 8)
	for i := range manifests {
		manifests[i] = testManifest(config, putTestBlob(t, store, repo, fmt.Sprintf("weights-%d", i)))
	}
	errs := make([]error, len(manifests))
	var wg sync.WaitGroup
	for i := range manifests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.CreateManifest(ctx, repo, "v2", "", manifests[i])
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			assert.Equal(t, -1, winner, "more than one writer created v2")
			winner = i
			continue
		}
		assert.True(t, errors.IsErrCode(err, errors.ErrCodeVersionExists), "got %v", err)
	}
	require.NotEqual(t, -1, winner)
	stored, err = store.GetManifest(ctx, repo, "v2")
	require.NoError(t, err)
	assert.Equal(t, digestOf(t, manifests[winner]), digestOf(t, *stored))

	index, err := store.GetIndex(ctx, repo, "")
	require.NoError(t, err)
	assert.Len(t, index.Manifests, 2)
}

func digestOf(t *testing.T, manifest types.Manifest) digest.Digest {
	t.Helper()
	d, err := manifest.Digest()
	require.NoError(t, err)
	return d
}
