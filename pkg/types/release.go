package types

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
)

type ReleaseAction string

const (
	ReleaseActionDeploy   ReleaseAction = "deploy"
	ReleaseActionRollback ReleaseAction = "rollback"
)

type Release struct {
	Revision    int               `json:"revision"`
	Version     string            `json:"version"`
	Digest      digest.Digest     `json:"digest"`
	Action      ReleaseAction     `json:"action"`
	Created     time.Time         `json:"created"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ReleaseHistory is the append only deployment log of a repository.
// Current always names the version of the last release.
type ReleaseHistory struct {
	SchemaVersion int       `json:"schemaVersion"`
	MediaType     string    `json:"mediaType,omitempty"`
	Current       string    `json:"current"`
	Releases      []Release `json:"releases"`
}

// ReleaseRequest is the body of a release creation.
type ReleaseRequest struct {
	Version     string            `json:"version"`
	Action      ReleaseAction     `json:"action"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func (h ReleaseHistory) Latest() (Release, bool) {
	if len(h.Releases) == 0 {
		return Release{}, false
	}
	return h.Releases[len(h.Releases)-1], true
}

// Append records a new release and moves Current to it.
func (h *ReleaseHistory) Append(release Release) Release {
	release.Revision = 1
	if latest, ok := h.Latest(); ok {
		release.Revision = latest.Revision + 1
	}
	if release.Created.IsZero() {
		release.Created = time.Now().UTC()
	}
	if h.SchemaVersion == 0 {
		h.SchemaVersion = SchemaVersion
		h.MediaType = MediaTypeReleaseHistoryJson
	}
	h.Releases = append(h.Releases, release)
	h.Current = release.Version
	return release
}

// Previous walks back from the newest release and returns the first one whose
// version differs from Current and is not rejected by skip.
func (h ReleaseHistory) Previous(skip func(version string) bool) (Release, bool) {
	for i := len(h.Releases) - 1; i >= 0; i-- {
		release := h.Releases[i]
		if release.Version == h.Current {
			continue
		}
		if skip != nil && skip(release.Version) {
			continue
		}
		return release, true
	}
	return Release{}, false
}

func (a ReleaseAction) Validate() error {
	switch a {
	case ReleaseActionDeploy, ReleaseActionRollback:
		return nil
	default:
		return fmt.Errorf("unknown release action %q", a)
	}
}

var autoVersionRegexp = regexp.MustCompile(`^v([0-9]+)$`)

// NextVersion returns v<N+1> where N is the largest numeric suffix among the
// v<N> shaped names of index, v1 for an empty index.
func NextVersion(index Index) string {
	max := 0
	for _, desc := range index.Manifests {
		matches := autoVersionRegexp.FindStringSubmatch(desc.Name)
		if matches == nil {
			continue
		}
		n, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return "v" + strconv.Itoa(max+1)
}
