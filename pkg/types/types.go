package types

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

const (
	MediaTypeModelIndexJson      = "application/vnd.deployx.model.index.v1.json"
	MediaTypeModelManifestJson   = "application/vnd.deployx.model.manifest.v1.json"
	MediaTypeModelConfigYaml     = "application/vnd.deployx.model.config.v1.yaml"
	MediaTypeModelFile           = "application/vnd.deployx.model.file.v1"
	MediaTypeModelDirectoryTarGz = "application/vnd.deployx.model.directory.v1.tar+gz"
	MediaTypeReleaseHistoryJson  = "application/vnd.deployx.release.history.v1.json"
)

const (
	AnnotationModelName        = "deployx.model.name"
	AnnotationModelVersion     = "deployx.model.version"
	AnnotationModelDescription = "deployx.model.description"
	AnnotationModelFramework   = "deployx.model.framework"
	AnnotationModelTask        = "deployx.model.task"
	AnnotationPackageCreated   = "deployx.package.created"
	AnnotationReleaseID        = "deployx.release.id"
	AnnotationReleaseUser      = "deployx.release.user"
)

const SchemaVersion = 1

// EmptyFileDigest is never transferred, both ends can produce it locally.
var EmptyFileDigest = digest.Canonical.FromBytes(nil)

type Descriptor struct {
	Name        string            `json:"name"`
	MediaType   string            `json:"mediaType,omitempty"`
	Digest      digest.Digest     `json:"digest,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Mode        os.FileMode       `json:"mode,omitempty"`
	URLs        []string          `json:"urls,omitempty"`
	Modified    time.Time         `json:"modified,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

func SortDescriptorName(a, b Descriptor) int {
	return strings.Compare(a.Name, b.Name)
}

type Index struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	Manifests     []Descriptor      `json:"manifests"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Lookup returns the descriptor named name.
func (i Index) Lookup(name string) (Descriptor, bool) {
	for _, desc := range i.Manifests {
		if desc.Name == name {
			return desc, true
		}
	}
	return Descriptor{}, false
}

type Manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType,omitempty"`
	Config        Descriptor        `json:"config"`
	Blobs         []Descriptor      `json:"blobs"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

// Digest returns the digest of the canonical json encoding of the manifest,
// ignoring the package creation time and file modification times.
func (m Manifest) Digest() (digest.Digest, error) {
	m.Config.Modified = time.Time{}
	blobs := make([]Descriptor, len(m.Blobs))
	for i, blob := range m.Blobs {
		blob.Modified = time.Time{}
		blobs[i] = blob
	}
	m.Blobs = blobs
	if _, ok := m.Annotations[AnnotationPackageCreated]; ok {
		annotations := make(map[string]string, len(m.Annotations))
		for k, v := range m.Annotations {
			if k != AnnotationPackageCreated {
				annotations[k] = v
			}
		}
		m.Annotations = annotations
	}
	content, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return digest.Canonical.FromBytes(content), nil
}

// Size is the sum of config and blobs sizes.
func (m Manifest) Size() int64 {
	size := m.Config.Size
	for _, blob := range m.Blobs {
		size += blob.Size
	}
	return size
}

// AllBlobs returns the config descriptor followed by the blobs.
func (m Manifest) AllBlobs() []Descriptor {
	return append([]Descriptor{m.Config}, m.Blobs...)
}
