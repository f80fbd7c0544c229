package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/types"
	"kubegems.io/deployx/pkg/version"
)

type RegistryClient struct {
	Registry      string
	Authorization string
	Client        *http.Client
}

type Options struct {
	Authorization string
	Insecure      bool
	Timeout       time.Duration
}

func NewRegistryClient(registry string, opts Options) *RegistryClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	authorization := opts.Authorization
	if authorization != "" && !strings.Contains(authorization, " ") {
		authorization = "Bearer " + authorization
	}
	return &RegistryClient{
		Registry:      strings.TrimSuffix(registry, "/"),
		Authorization: authorization,
		Client:        &http.Client{Transport: transport, Timeout: opts.Timeout},
	}
}

func (t *RegistryClient) Ping(ctx context.Context) error {
	_, err := t.request(ctx, http.MethodGet, "/healthz", nil, nil, nil)
	return err
}

func (t *RegistryClient) UploadBlob(ctx context.Context, repository string, desc types.Descriptor, body io.Reader) error {
	header := map[string]string{
		"Content-Type": "application/octet-stream",
	}
	path := "/" + repository + "/blobs/" + desc.Digest.String()
	_, err := t.request(ctx, http.MethodPut, path, header, RequestBody{Content: body, ContentLength: desc.Size}, nil)
	return err
}

func (t *RegistryClient) GetBlob(ctx context.Context, repository string, digest digest.Digest) (io.ReadCloser, int64, error) {
	path := "/" + repository + "/blobs/" + digest.String()
	resp, err := t.request(ctx, http.MethodGet, path, nil, nil, nil)
	if err != nil {
		return nil, -1, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (t *RegistryClient) HeadBlob(ctx context.Context, repository string, digest digest.Digest) (bool, error) {
	path := "/" + repository + "/blobs/" + digest.String()
	return t.head(ctx, path)
}

func (t *RegistryClient) HeadManifest(ctx context.Context, repository string, version string) (bool, error) {
	path := "/" + repository + "/manifests/" + version
	return t.head(ctx, path)
}

func (t *RegistryClient) head(ctx context.Context, path string) (bool, error) {
	resp, err := t.request(ctx, http.MethodHead, path, nil, nil, nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, errors.ErrorInfo{HttpStatus: resp.StatusCode, Code: errors.ErrCodeUnknow, Message: resp.Status}
	}
}

func (t *RegistryClient) GetManifest(ctx context.Context, repository string, version string) (*types.Manifest, error) {
	manifest := &types.Manifest{}
	path := "/" + repository + "/manifests/" + version
	if _, err := t.request(ctx, http.MethodGet, path, nil, nil, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (t *RegistryClient) PutManifest(ctx context.Context, repository string, version string, manifest types.Manifest) error {
	header := map[string]string{
		"Content-Type": types.MediaTypeModelManifestJson,
	}
	path := "/" + repository + "/manifests/" + version
	_, err := t.request(ctx, http.MethodPut, path, header, manifest, nil)
	return err
}

// CreateManifest is PutManifest failing with VERSION_EXISTS when version holds other content.
func (t *RegistryClient) CreateManifest(ctx context.Context, repository string, version string, manifest types.Manifest) error {
	header := map[string]string{
		"Content-Type":  types.MediaTypeModelManifestJson,
		"If-None-Match": "*",
	}
	path := "/" + repository + "/manifests/" + version
	_, err := t.request(ctx, http.MethodPut, path, header, manifest, nil)
	return err
}

func (t *RegistryClient) DeleteManifest(ctx context.Context, repository string, version string) error {
	path := "/" + repository + "/manifests/" + version
	_, err := t.request(ctx, http.MethodDelete, path, nil, nil, nil)
	return err
}

func (t *RegistryClient) GetIndex(ctx context.Context, repository string, search string) (*types.Index, error) {
	index := &types.Index{}
	path := "/" + repository + "/index?" + url.Values{"search": {search}}.Encode()
	if _, err := t.request(ctx, http.MethodGet, path, nil, nil, index); err != nil {
		return nil, err
	}
	return index, nil
}

func (t *RegistryClient) GetGlobalIndex(ctx context.Context, search string) (*types.Index, error) {
	index := &types.Index{}
	path := "/?" + url.Values{"search": {search}}.Encode()
	if _, err := t.request(ctx, http.MethodGet, path, nil, nil, index); err != nil {
		return nil, err
	}
	return index, nil
}

func (t *RegistryClient) GetReleases(ctx context.Context, repository string) (*types.ReleaseHistory, error) {
	history := &types.ReleaseHistory{}
	path := "/" + repository + "/releases"
	if _, err := t.request(ctx, http.MethodGet, path, nil, nil, history); err != nil {
		return nil, err
	}
	return history, nil
}

func (t *RegistryClient) PostRelease(ctx context.Context, repository string, req types.ReleaseRequest) (*types.Release, error) {
	release := &types.Release{}
	header := map[string]string{
		"Content-Type": "application/json",
	}
	path := "/" + repository + "/releases"
	if _, err := t.request(ctx, http.MethodPost, path, header, req, release); err != nil {
		return nil, err
	}
	return release, nil
}

// RequestBody is a streamed body with a known length.
type RequestBody struct {
	Content       io.Reader
	ContentLength int64
}

func (t *RegistryClient) request(ctx context.Context, method, path string, header map[string]string, body any, into any) (*http.Response, error) {
	var reqbody io.Reader
	contentLength := int64(-1)
	switch val := body.(type) {
	case RequestBody:
		reqbody, contentLength = val.Content, val.ContentLength
	case io.Reader:
		reqbody = val
	case nil:
		reqbody = nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		reqbody, contentLength = bytes.NewReader(b), int64(len(b))
	}
	req, err := http.NewRequestWithContext(ctx, method, t.Registry+path, reqbody)
	if err != nil {
		return nil, err
	}
	if contentLength >= 0 {
		req.ContentLength = contentLength
		if contentLength == 0 {
			req.Body = http.NoBody
		}
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	if t.Authorization != "" {
		req.Header.Set("Authorization", t.Authorization)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if req.Method == http.MethodHead {
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
			resp.Body.Close()
			return nil, errors.ErrorInfo{HttpStatus: resp.StatusCode, Code: errors.ErrCodeUnknow, Message: resp.Status}
		}
		return resp, nil
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apierr := errors.ErrorInfo{HttpStatus: resp.StatusCode}
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(resp.Body).Decode(&apierr); err != nil {
				return nil, err
			}
		} else {
			bodystr, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			apierr.Code = errors.ErrCodeUnknow
			apierr.Message = strings.TrimSpace(string(bodystr))
		}
		if apierr.Message == "" {
			apierr.Message = resp.Status
		}
		return nil, apierr
	}
	if into != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
