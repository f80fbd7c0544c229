package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/types"
)

type Registry struct {
	Store   RegistryStore
	Metrics *Metrics
}

func (s *Registry) GetGlobalIndex(w http.ResponseWriter, r *http.Request) {
	index, err := s.Store.GetGlobalIndex(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, index)
}

func (s *Registry) GetIndex(w http.ResponseWriter, r *http.Request) {
	name, _ := GetRepositoryReference(r)
	index, err := s.Store.GetIndex(r.Context(), name, r.URL.Query().Get("search"))
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, index)
}

func (s *Registry) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	name, _ := GetRepositoryReference(r)
	if err := s.Store.RemoveIndex(r.Context(), name); err != nil {
		ResponseError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Registry) HeadManifest(w http.ResponseWriter, r *http.Request) {
	name, reference := GetRepositoryReference(r)
	exist, err := s.Store.ExistsManifest(r.Context(), name, reference)
	if err != nil {
		ResponseError(w, err)
		return
	}
	if exist {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Registry) GetManifest(w http.ResponseWriter, r *http.Request) {
	name, reference := GetRepositoryReference(r)
	manifest, err := s.Store.GetManifest(r.Context(), name, reference)
	if err != nil {
		ResponseError(w, err)
		return
	}
	if d, err := manifest.Digest(); err == nil {
		w.Header().Set("Docker-Content-Digest", d.String())
	}
	w.Header().Set("Content-Type", types.MediaTypeModelManifestJson)
	ResponseOK(w, manifest)
}

func (s *Registry) PutManifest(w http.ResponseWriter, r *http.Request) {
	name, reference := GetRepositoryReference(r)
	var manifest types.Manifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		ResponseError(w, errors.NewManifestInvalidError(err))
		return
	}
	if err := s.checkManifestBlobs(r.Context(), name, manifest); err != nil {
		ResponseError(w, err)
		return
	}
	contenttype := r.Header.Get("Content-Type")
	if contenttype == "" {
		contenttype = types.MediaTypeModelManifestJson
	}
	put := s.Store.PutManifest
	// If-None-Match: * only writes a version that is absent or holds the same content
	if r.Header.Get("If-None-Match") == "*" {
		put = s.Store.CreateManifest
	}
	if err := put(r.Context(), name, reference, contenttype, manifest); err != nil {
		ResponseError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// checkManifestBlobs ensures every blob a manifest refers to was uploaded first.
func (s *Registry) checkManifestBlobs(ctx context.Context, repository string, manifest types.Manifest) error {
	if manifest.Config.Digest == "" {
		return errors.NewManifestInvalidError(fmt.Errorf("manifest has no config"))
	}
	for _, blob := range manifest.AllBlobs() {
		if blob.Digest == types.EmptyFileDigest {
			continue
		}
		if err := blob.Digest.Validate(); err != nil {
			return errors.NewDigestInvalidError(blob.Digest.String())
		}
		exists, err := s.Store.ExistsBlob(ctx, repository, blob.Digest)
		if err != nil {
			return err
		}
		if !exists {
			return errors.NewManifestBlobUnknownError(blob.Name, blob.Digest)
		}
	}
	return nil
}

func (s *Registry) DeleteManifest(w http.ResponseWriter, r *http.Request) {
	name, reference := GetRepositoryReference(r)
	if err := s.Store.DeleteManifest(r.Context(), name, reference); err != nil {
		ResponseError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Registry) HeadBlob(w http.ResponseWriter, r *http.Request) {
	BlobDigestFun(w, r, func(ctx context.Context, repository string, digest digest.Digest) {
		ok, err := s.Store.ExistsBlob(ctx, repository, digest)
		if err != nil {
			ResponseError(w, err)
			return
		}
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (s *Registry) GetBlob(w http.ResponseWriter, r *http.Request) {
	BlobDigestFun(w, r, func(ctx context.Context, repository string, digest digest.Digest) {
		result, err := s.Store.GetBlob(ctx, repository, digest)
		if err != nil {
			ResponseError(w, err)
			return
		}
		if result.RedirectLocation != "" {
			http.Redirect(w, r, result.RedirectLocation, http.StatusFound)
			return
		}
		content := result.Content
		defer content.Close()

		if content.ContentType != "" {
			w.Header().Set("Content-Type", content.ContentType)
		}
		if content.ContentLength > 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(content.ContentLength, 10))
		}
		w.WriteHeader(http.StatusOK)
		n, _ := io.Copy(w, content)
		s.Metrics.ObserveBlobBytes("download", n)
	})
}

func (s *Registry) PutBlob(w http.ResponseWriter, r *http.Request) {
	BlobDigestFun(w, r, func(ctx context.Context, repository string, digest digest.Digest) {
		if r.ContentLength < 0 {
			ResponseError(w, errors.NewContentLengthInvalidError("required"))
			return
		}
		content := BlobContent{
			Content:         r.Body,
			ContentLength:   r.ContentLength,
			ContentType:     r.Header.Get("Content-Type"),
			ContentEncoding: r.Header.Get("Content-Encoding"),
		}
		if err := s.Store.PutBlob(ctx, repository, digest, content); err != nil {
			ResponseError(w, err)
			return
		}
		s.Metrics.ObserveBlobBytes("upload", r.ContentLength)
		w.WriteHeader(http.StatusCreated)
	})
}

func (s *Registry) GetReleases(w http.ResponseWriter, r *http.Request) {
	name, _ := GetRepositoryReference(r)
	history, err := s.Store.GetReleases(r.Context(), name)
	if err != nil {
		ResponseError(w, err)
		return
	}
	ResponseOK(w, history)
}

func (s *Registry) PostRelease(w http.ResponseWriter, r *http.Request) {
	name, _ := GetRepositoryReference(r)
	req := types.ReleaseRequest{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ResponseError(w, errors.NewParameterInvalidError(err.Error()))
		return
	}
	release, err := s.Store.CreateRelease(r.Context(), name, req)
	if err != nil {
		ResponseError(w, err)
		return
	}
	s.Metrics.ObserveRelease(string(release.Action))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(release)
}

func GetRepositoryReference(r *http.Request) (string, string) {
	vars := mux.Vars(r)
	return vars["name"], vars["reference"]
}

func BlobDigestFun(w http.ResponseWriter, r *http.Request, fun func(ctx context.Context, repository string, digest digest.Digest)) {
	name, _ := GetRepositoryReference(r)
	digeststr := mux.Vars(r)["digest"]
	digest, err := digest.Parse(digeststr)
	if err != nil {
		ResponseError(w, errors.NewDigestInvalidError(digeststr))
		return
	}
	fun(r.Context(), name, digest)
}
