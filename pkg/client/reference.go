package client

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultProject prefixes repositories given without a project.
const DefaultProject = "library"

type Reference struct {
	Registry   string
	Repository string
	Version    string
}

func (r Reference) String() string {
	if r.Version == "" {
		return fmt.Sprintf("%s/%s", r.Registry, r.Repository)
	}
	return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, r.Version)
}

// ParseReference parses [http[s]://]host[:port][/project/name][@version].
func ParseReference(raw string) (Reference, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid reference: %w", err)
	}
	if u.Host == "" {
		return Reference{}, fmt.Errorf("invalid reference: missing host")
	}
	repository, version, _ := strings.Cut(strings.Trim(u.Path, "/"), "@")
	return Reference{
		Registry:   u.Scheme + "://" + u.Host,
		Repository: NormalizeRepository(repository),
		Version:    version,
	}, nil
}

// NormalizeRepository puts a bare model name under the default project.
func NormalizeRepository(repository string) string {
	repository = strings.Trim(repository, "/")
	if repository != "" && !strings.Contains(repository, "/") {
		return DefaultProject + "/" + repository
	}
	return repository
}
