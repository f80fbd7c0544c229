package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/types"
)

var _ RegistryStore = &FSRegistryStore{}

var referenceRegexp = regexp.MustCompile(`^` + ReferenceRegexp + `$`)

// validateReference keeps versions inside <repository>/manifests.
func validateReference(reference string) error {
	if !referenceRegexp.MatchString(reference) {
		return errors.NewParameterInvalidError(fmt.Sprintf("invalid version %q", reference))
	}
	return nil
}

// FSRegistryStore lays repositories out on an FSProvider:
//
//	index.json
//	<repository>/index.json
//	<repository>/releases.json
//	<repository>/manifests/<version>
//	<repository>/blobs/<algorithm>/<hex>
type FSRegistryStore struct {
	FS             FSProvider
	EnableRedirect bool

	globalmu sync.Mutex
	repomu   sync.Map // repository -> *sync.Mutex
}

func NewFSRegistryStore(ctx context.Context, fs FSProvider, enableRedirect bool) (*FSRegistryStore, error) {
	store := &FSRegistryStore{
		FS:             fs,
		EnableRedirect: enableRedirect,
	}
	if err := store.RefreshGlobalIndex(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (m *FSRegistryStore) lock(repository string) func() {
	mu, _ := m.repomu.LoadOrStore(repository, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	return mu.(*sync.Mutex).Unlock
}

func (m *FSRegistryStore) ExistsManifest(ctx context.Context, repository string, reference string) (bool, error) {
	ok, err := m.FS.Exists(ctx, ManifestPath(repository, reference))
	if err != nil {
		return false, errors.NewInternalError(err)
	}
	return ok, nil
}

func (m *FSRegistryStore) GetManifest(ctx context.Context, repository string, reference string) (*types.Manifest, error) {
	if err := validateReference(reference); err != nil {
		return nil, err
	}
	body, err := m.FS.Get(ctx, ManifestPath(repository, reference))
	if err != nil {
		if IsNotFound(err) {
			return nil, errors.NewManifestUnknownError(reference)
		}
		return nil, errors.NewInternalError(err)
	}
	defer body.Close()

	manifest := &types.Manifest{}
	if err := json.NewDecoder(body).Decode(manifest); err != nil {
		return nil, errors.NewManifestInvalidError(err)
	}
	return manifest, nil
}

func (m *FSRegistryStore) PutManifest(ctx context.Context, repository string, reference string, contentType string, manifest types.Manifest) error {
	if err := validateReference(reference); err != nil {
		return err
	}
	unlock := m.lock(repository)
	err := m.writeManifest(ctx, repository, reference, contentType, manifest)
	unlock()
	if err != nil {
		return err
	}
	return m.RefreshIndex(ctx, repository)
}

// CreateManifest stores manifest under reference unless a manifest with other
// content is stored there already, VERSION_EXISTS then. Storing the same
// content again is a no-op.
func (m *FSRegistryStore) CreateManifest(ctx context.Context, repository string, reference string, contentType string, manifest types.Manifest) error {
	if err := validateReference(reference); err != nil {
		return err
	}
	unlock := m.lock(repository)
	created, err := m.createManifest(ctx, repository, reference, contentType, manifest)
	unlock()
	if err != nil || !created {
		return err
	}
	return m.RefreshIndex(ctx, repository)
}

func (m *FSRegistryStore) createManifest(ctx context.Context, repository string, reference string, contentType string, manifest types.Manifest) (bool, error) {
	existing, err := m.GetManifest(ctx, repository, reference)
	if err != nil {
		if !errors.IsErrCode(err, errors.ErrCodeManifestUnknown) {
			return false, err
		}
		return true, m.writeManifest(ctx, repository, reference, contentType, manifest)
	}
	existingdigest, err := existing.Digest()
	if err != nil {
		return false, errors.NewInternalError(err)
	}
	manifestdigest, err := manifest.Digest()
	if err != nil {
		return false, errors.NewManifestInvalidError(err)
	}
	if existingdigest != manifestdigest {
		return false, errors.NewVersionExistsError(repository, reference)
	}
	return false, nil
}

func (m *FSRegistryStore) writeManifest(ctx context.Context, repository string, reference string, contentType string, manifest types.Manifest) error {
	content, err := json.Marshal(manifest)
	if err != nil {
		return errors.NewManifestInvalidError(err)
	}
	return m.putJSON(ctx, ManifestPath(repository, reference), contentType, content)
}

// DeleteManifest refuses to remove the version currently released.
func (m *FSRegistryStore) DeleteManifest(ctx context.Context, repository string, reference string) error {
	if err := validateReference(reference); err != nil {
		return err
	}
	history, err := m.GetReleases(ctx, repository)
	if err != nil {
		return err
	}
	if history.Current == reference {
		return errors.NewParameterInvalidError(fmt.Sprintf("%s@%s is the current release, deploy or roll back to another version first", repository, reference))
	}
	if err := m.FS.Remove(ctx, ManifestPath(repository, reference), false); err != nil {
		if IsNotFound(err) {
			return errors.NewManifestUnknownError(reference)
		}
		return errors.NewInternalError(err)
	}
	return m.RefreshIndex(ctx, repository)
}

// GetIndex returns the version index of repository, INDEX_UNKNOWN if it has no versions.
func (m *FSRegistryStore) GetIndex(ctx context.Context, repository string, search string) (types.Index, error) {
	index, err := m.getIndex(ctx, IndexPath(repository))
	if err != nil {
		if IsNotFound(err) {
			return types.Index{}, errors.NewIndexUnknownError(repository)
		}
		return types.Index{}, errors.NewInternalError(err)
	}
	return filterIndex(index, search)
}

func (m *FSRegistryStore) GetGlobalIndex(ctx context.Context, search string) (types.Index, error) {
	index, err := m.getIndex(ctx, IndexPath(""))
	if err != nil {
		if IsNotFound(err) {
			return newIndex(nil), nil
		}
		return types.Index{}, errors.NewInternalError(err)
	}
	return filterIndex(index, search)
}

func (m *FSRegistryStore) getIndex(ctx context.Context, indexpath string) (types.Index, error) {
	body, err := m.FS.Get(ctx, indexpath)
	if err != nil {
		return types.Index{}, err
	}
	defer body.Close()

	var index types.Index
	if err := json.NewDecoder(body).Decode(&index); err != nil {
		return types.Index{}, err
	}
	return index, nil
}

func filterIndex(index types.Index, search string) (types.Index, error) {
	if search == "" {
		return index, nil
	}
	searchregexp, err := regexp.Compile(search)
	if err != nil {
		return types.Index{}, errors.NewParameterInvalidError(fmt.Sprintf("search %s: %v", search, err))
	}
	matched := []types.Descriptor{}
	for _, desc := range index.Manifests {
		if searchregexp.MatchString(desc.Name) {
			matched = append(matched, desc)
		}
	}
	index.Manifests = matched
	return index, nil
}

func newIndex(manifests []types.Descriptor) types.Index {
	if manifests == nil {
		manifests = []types.Descriptor{}
	}
	slices.SortFunc(manifests, types.SortDescriptorName)
	return types.Index{
		SchemaVersion: types.SchemaVersion,
		MediaType:     types.MediaTypeModelIndexJson,
		Manifests:     manifests,
	}
}

func (m *FSRegistryStore) RemoveIndex(ctx context.Context, repository string) error {
	unlock := m.lock(repository)
	err := m.FS.Remove(ctx, repository, true)
	unlock()
	if err != nil && !IsNotFound(err) {
		return errors.NewInternalError(err)
	}
	return m.RefreshGlobalIndex(ctx)
}

// RefreshIndex rebuilds <repository>/index.json from the stored manifests.
func (m *FSRegistryStore) RefreshIndex(ctx context.Context, repository string) error {
	if err := m.refreshIndex(ctx, repository); err != nil {
		return err
	}
	return m.RefreshGlobalIndex(ctx)
}

func (m *FSRegistryStore) refreshIndex(ctx context.Context, repository string) error {
	unlock := m.lock(repository)
	defer unlock()

	filemetas, err := m.FS.List(ctx, ManifestPath(repository, ""), false)
	if err != nil {
		return errors.NewInternalError(err)
	}

	eg, egctx := errgroup.WithContext(ctx)
	manifests := sync.Map{}
	for _, meta := range filemetas {
		meta := meta
		eg.Go(func() error {
			manifest, err := m.GetManifest(egctx, repository, meta.Name)
			if err != nil {
				return err
			}
			manifestdigest, err := manifest.Digest()
			if err != nil {
				return err
			}
			manifests.Store(meta.Name, types.Descriptor{
				Name:        meta.Name,
				MediaType:   types.MediaTypeModelManifestJson,
				Digest:      manifestdigest,
				Size:        manifest.Size(),
				Modified:    meta.LastModified,
				Annotations: manifest.Annotations,
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	descs := []types.Descriptor{}
	manifests.Range(func(_, value any) bool {
		descs = append(descs, value.(types.Descriptor))
		return true
	})
	if len(descs) == 0 {
		if err := m.FS.Remove(ctx, IndexPath(repository), false); err != nil && !IsNotFound(err) {
			return errors.NewInternalError(err)
		}
		return nil
	}

	index := newIndex(descs)
	// the most recently pushed manifest describes the repository
	latest := index.Manifests[0]
	for _, desc := range index.Manifests[1:] {
		if desc.Modified.After(latest.Modified) {
			latest = desc
		}
	}
	index.Annotations = latest.Annotations

	content, err := json.Marshal(index)
	if err != nil {
		return errors.NewInternalError(err)
	}
	return m.putJSON(ctx, IndexPath(repository), types.MediaTypeModelIndexJson, content)
}

// RefreshGlobalIndex rebuilds the top level index.json from every repository index.
func (m *FSRegistryStore) RefreshGlobalIndex(ctx context.Context) error {
	m.globalmu.Lock()
	defer m.globalmu.Unlock()

	filemetas, err := m.FS.List(ctx, "", true)
	if err != nil {
		return errors.NewInternalError(err)
	}

	eg, egctx := errgroup.WithContext(ctx)
	indexmap := sync.Map{}
	for _, meta := range filemetas {
		if !isRepositoryIndex(meta.Name) {
			continue
		}
		repository, modified := path.Dir(meta.Name), meta.LastModified
		eg.Go(func() error {
			index, err := m.getIndex(egctx, IndexPath(repository))
			if err != nil {
				if IsNotFound(err) {
					return nil
				}
				return errors.NewInternalError(err)
			}
			size := int64(0)
			for _, desc := range index.Manifests {
				size += desc.Size
			}
			indexmap.Store(repository, types.Descriptor{
				Name:        repository,
				MediaType:   types.MediaTypeModelIndexJson,
				Size:        size,
				Modified:    modified,
				Annotations: index.Annotations,
			})
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	descs := []types.Descriptor{}
	indexmap.Range(func(_, value any) bool {
		descs = append(descs, value.(types.Descriptor))
		return true
	})
	content, err := json.Marshal(newIndex(descs))
	if err != nil {
		return errors.NewInternalError(err)
	}
	return m.putJSON(ctx, IndexPath(""), types.MediaTypeModelIndexJson, content)
}

func isRepositoryIndex(name string) bool {
	if name == RegistryIndexFileName || path.Base(name) != RegistryIndexFileName {
		return false
	}
	parent := path.Base(path.Dir(name))
	return parent != "manifests" && !strings.Contains(name, "/blobs/")
}

func (m *FSRegistryStore) ExistsBlob(ctx context.Context, repository string, digest digest.Digest) (bool, error) {
	exists, err := m.FS.Exists(ctx, BlobDigestPath(repository, digest))
	if err != nil {
		return false, errors.NewInternalError(err)
	}
	return exists, nil
}

func (m *FSRegistryStore) GetBlob(ctx context.Context, repository string, digest digest.Digest) (*BlobResponse, error) {
	path := BlobDigestPath(repository, digest)
	if m.EnableRedirect {
		exists, err := m.FS.Exists(ctx, path)
		if err != nil {
			return nil, errors.NewInternalError(err)
		}
		if !exists {
			return nil, errors.NewBlobUnknownError(digest)
		}
		location, err := m.FS.GetLocation(ctx, path)
		if err != nil {
			return nil, errors.NewInternalError(err)
		}
		return &BlobResponse{RedirectLocation: location}, nil
	}
	content, err := m.FS.Get(ctx, path)
	if err != nil {
		if IsNotFound(err) {
			return nil, errors.NewBlobUnknownError(digest)
		}
		return nil, errors.NewInternalError(err)
	}
	return &BlobResponse{Content: &content}, nil
}

// PutBlob stores content and rejects it when it does not hash to digest.
func (m *FSRegistryStore) PutBlob(ctx context.Context, repository string, digest digest.Digest, content BlobContent) error {
	if err := digest.Validate(); err != nil {
		return errors.NewDigestInvalidError(digest.String())
	}
	path := BlobDigestPath(repository, digest)
	verifier := digest.Verifier()
	content.Content = verifyingReader{Reader: io.TeeReader(content.Content, verifier), Closer: content.Content}
	if err := m.FS.Put(ctx, path, content); err != nil {
		return errors.NewInternalError(err)
	}
	if !verifier.Verified() {
		if err := m.FS.Remove(ctx, path, false); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "remove unverified blob", "path", path)
		}
		return errors.NewDigestInvalidError(digest.String())
	}
	return nil
}

type verifyingReader struct {
	io.Reader
	io.Closer
}

func (m *FSRegistryStore) ListBlobs(ctx context.Context, repository string) ([]digest.Digest, error) {
	metas, err := m.FS.List(ctx, BlobDigestPath(repository, ""), true)
	if err != nil {
		return nil, errors.NewInternalError(err)
	}
	digests := make([]digest.Digest, 0, len(metas))
	for _, meta := range metas {
		algo, hash := path.Split(meta.Name)
		d := digest.NewDigestFromEncoded(digest.Algorithm(strings.TrimSuffix(algo, "/")), hash)
		if d.Validate() != nil {
			continue
		}
		digests = append(digests, d)
	}
	return digests, nil
}

func (m *FSRegistryStore) DeleteBlob(ctx context.Context, repository string, digest digest.Digest) error {
	if err := m.FS.Remove(ctx, BlobDigestPath(repository, digest), false); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return errors.NewInternalError(err)
	}
	return nil
}

func (m *FSRegistryStore) GetReleases(ctx context.Context, repository string) (types.ReleaseHistory, error) {
	body, err := m.FS.Get(ctx, ReleasesPath(repository))
	if err != nil {
		if IsNotFound(err) {
			return types.ReleaseHistory{
				SchemaVersion: types.SchemaVersion,
				MediaType:     types.MediaTypeReleaseHistoryJson,
				Releases:      []types.Release{},
			}, nil
		}
		return types.ReleaseHistory{}, errors.NewInternalError(err)
	}
	defer body.Close()

	history := types.ReleaseHistory{}
	if err := json.NewDecoder(body).Decode(&history); err != nil {
		return types.ReleaseHistory{}, errors.NewInternalError(fmt.Errorf("decode %s: %w", ReleasesPath(repository), err))
	}
	return history, nil
}

// CreateRelease appends a release of an existing version to the history of repository.
func (m *FSRegistryStore) CreateRelease(ctx context.Context, repository string, req types.ReleaseRequest) (types.Release, error) {
	if err := req.Action.Validate(); err != nil {
		return types.Release{}, errors.NewParameterInvalidError(err.Error())
	}
	if err := validateReference(req.Version); err != nil {
		return types.Release{}, err
	}
	unlock := m.lock(repository)
	defer unlock()

	manifest, err := m.GetManifest(ctx, repository, req.Version)
	if err != nil {
		return types.Release{}, err
	}
	manifestdigest, err := manifest.Digest()
	if err != nil {
		return types.Release{}, errors.NewInternalError(err)
	}
	history, err := m.GetReleases(ctx, repository)
	if err != nil {
		return types.Release{}, err
	}
	release := history.Append(types.Release{
		Version:     req.Version,
		Digest:      manifestdigest,
		Action:      req.Action,
		Annotations: req.Annotations,
	})
	content, err := json.Marshal(history)
	if err != nil {
		return types.Release{}, errors.NewInternalError(err)
	}
	if err := m.putJSON(ctx, ReleasesPath(repository), types.MediaTypeReleaseHistoryJson, content); err != nil {
		return types.Release{}, err
	}
	logr.FromContextOrDiscard(ctx).Info("release created",
		"repository", repository, "version", release.Version, "revision", release.Revision, "action", release.Action)
	return release, nil
}

func (m *FSRegistryStore) putJSON(ctx context.Context, path string, contentType string, content []byte) error {
	storageContent := BlobContent{
		Content:       io.NopCloser(bytes.NewReader(content)),
		ContentLength: int64(len(content)),
		ContentType:   contentType,
	}
	if err := m.FS.Put(ctx, path, storageContent); err != nil {
		return errors.NewInternalError(err)
	}
	return nil
}
