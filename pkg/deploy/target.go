package deploy

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/opencontainers/go-digest"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/types"
)

// Target is where packaged models are deployed to.
// Repositories are "<project>/<name>", versions are manifest references.
type Target interface {
	Type() string
	Location() string

	GetGlobalIndex(ctx context.Context, search string) (types.Index, error)
	GetIndex(ctx context.Context, repository string, search string) (types.Index, error)

	GetManifest(ctx context.Context, repository string, version string) (*types.Manifest, error)
	PutManifest(ctx context.Context, repository string, version string, manifest types.Manifest) error
	// CreateManifest fails with VERSION_EXISTS when version already holds other content.
	CreateManifest(ctx context.Context, repository string, version string, manifest types.Manifest) error

	ExistsBlob(ctx context.Context, repository string, digest digest.Digest) (bool, error)
	PutBlob(ctx context.Context, repository string, desc types.Descriptor, content io.Reader) error
	GetBlob(ctx context.Context, repository string, digest digest.Digest) (io.ReadCloser, int64, error)

	GetReleases(ctx context.Context, repository string) (types.ReleaseHistory, error)
	Release(ctx context.Context, repository string, req types.ReleaseRequest) (types.Release, error)

	Close() error
}

// TargetConfig describes a target, as stored in the targets file or parsed from a url.
type TargetConfig struct {
	Name    string            `json:"name,omitempty"`
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Token   string            `json:"token,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

func (c TargetConfig) Option(key string) string {
	if c.Options == nil {
		return ""
	}
	return c.Options[key]
}

// Factory opens a target of one type.
type Factory func(ctx context.Context, cfg TargetConfig) (Target, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register adds a target factory, called from init() of each target type.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

func GetFactory(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// ListTypes returns all registered target types (sorted).
func ListTypes() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func IsRegistered(name string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// NewTarget opens the target described by cfg.
func NewTarget(ctx context.Context, cfg TargetConfig) (Target, error) {
	if cfg.Type == "" {
		return nil, errors.NewTargetUnknownError(cfg.URL, ListTypes())
	}
	factory, ok := GetFactory(cfg.Type)
	if !ok {
		return nil, errors.NewTargetUnknownError(cfg.Type, ListTypes())
	}
	target, err := factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s target %s: %w", cfg.Type, cfg.URL, err)
	}
	return target, nil
}
