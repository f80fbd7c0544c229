package types

import (
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

func TestManifestDigest(t *testing.T) {
	base := Manifest{
		SchemaVersion: SchemaVersion,
		MediaType:     MediaTypeModelManifestJson,
		Config:        Descriptor{Name: "deployx.yaml", Digest: digest.Canonical.FromString("config")},
		Blobs:         []Descriptor{{Name: "model.onnx", Digest: digest.Canonical.FromString("weights")}},
		Annotations:   map[string]string{AnnotationModelName: "resnet"},
	}
	withCreated := func(m Manifest, created string) Manifest {
		annotations := map[string]string{AnnotationPackageCreated: created}
		for k, v := range m.Annotations {
			annotations[k] = v
		}
		m.Annotations = annotations
		return m
	}
	touched := base
	touched.Config.Modified = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	touched.Blobs = []Descriptor{{Name: "model.onnx", Digest: base.Blobs[0].Digest, Modified: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}}
	renamed := base
	renamed.Annotations = map[string]string{AnnotationModelName: "bert"}

	tests := []struct {
		name  string
		a, b  Manifest
		equal bool
	}{
		{name: "created time ignored", a: withCreated(base, "2024-01-01T00:00:00Z"), b: withCreated(base, "2025-01-01T00:00:00Z"), equal: true},
		{name: "created time absent", a: base, b: withCreated(base, "2024-01-01T00:00:00Z"), equal: true},
		{name: "modification times ignored", a: base, b: touched, equal: true},
		{name: "annotations differ", a: base, b: renamed, equal: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			da, err := tt.a.Digest()
			if err != nil {
				t.Fatal(err)
			}
			db, err := tt.b.Digest()
			if err != nil {
				t.Fatal(err)
			}
			if (da == db) != tt.equal {
				t.Errorf("Digest() equal = %v, want %v", da == db, tt.equal)
			}
		})
	}
	m := withCreated(base, "2024-01-01T00:00:00Z")
	if _, err := m.Digest(); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Annotations[AnnotationPackageCreated]; !ok {
		t.Errorf("Digest() must not modify the manifest")
	}
	if _, err := touched.Digest(); err != nil {
		t.Fatal(err)
	}
	if touched.Blobs[0].Modified.IsZero() {
		t.Errorf("Digest() must not modify the manifest blobs")
	}
}
