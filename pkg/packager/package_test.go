package packager

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/types"
	"sigs.k8s.io/yaml"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPackDirectory(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	model := filepath.Join(base, "ResNet_50")
	writeTree(t, model, map[string]string{
		"model.onnx":           "onnx-weights",
		"labels.txt":           "cat\ndog\n",
		"empty":                "",
		"tokenizer/vocab.json": `{"a":1}`,
		".git/HEAD":            "ref: refs/heads/main",
	})

	out := filepath.Join(base, "out")
	pkg, err := Pack(ctx, Options{Model: model, Output: out, Version: "v3"})
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	if got := pkg.Name(); got != "resnet_50" {
		t.Errorf("Name() = %s, want resnet_50", got)
	}
	if got := pkg.Version(); got != "v3" {
		t.Errorf("Version() = %s, want v3", got)
	}
	if fw := pkg.Manifest.Annotations[types.AnnotationModelFramework]; fw != "onnx" {
		t.Errorf("framework = %s, want onnx", fw)
	}

	wantBlobs := []struct{ name, mediaType string }{
		{"empty", types.MediaTypeModelFile},
		{"labels.txt", types.MediaTypeModelFile},
		{"model.onnx", types.MediaTypeModelFile},
		{"tokenizer", types.MediaTypeModelDirectoryTarGz},
	}
	if len(pkg.Manifest.Blobs) != len(wantBlobs) {
		t.Fatalf("blobs = %v, want %d entries", pkg.Manifest.Blobs, len(wantBlobs))
	}
	for i, want := range wantBlobs {
		got := pkg.Manifest.Blobs[i]
		if got.Name != want.name || got.MediaType != want.mediaType {
			t.Errorf("blob[%d] = %s %s, want %s %s", i, got.Name, got.MediaType, want.name, want.mediaType)
		}
	}
	if pkg.Manifest.Blobs[0].Digest != types.EmptyFileDigest {
		t.Errorf("empty file digest = %s", pkg.Manifest.Blobs[0].Digest)
	}
	if pkg.Manifest.Config.Name != types.ModelConfigFileName {
		t.Errorf("config name = %s", pkg.Manifest.Config.Name)
	}

	loaded, err := Load(out)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	d1, _ := pkg.Digest()
	d2, _ := loaded.Digest()
	if d1 != d2 {
		t.Errorf("loaded digest %s != packed digest %s", d2, d1)
	}
	if err := Verify(ctx, loaded); err != nil {
		t.Errorf("Verify() error = %v", err)
	}

	// generated config lists the detected model files
	config, err := os.ReadFile(pkg.BlobPath(pkg.Manifest.Config.Digest))
	if err != nil {
		t.Fatal(err)
	}
	modelconfig := types.ModelConfig{}
	if err := yaml.Unmarshal(config, &modelconfig); err != nil {
		t.Fatal(err)
	}
	if len(modelconfig.ModelFiles) != 1 || modelconfig.ModelFiles[0] != "model.onnx" {
		t.Errorf("ModelFiles = %v", modelconfig.ModelFiles)
	}
}

func TestPackExistingConfigAndFile(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()

	model := filepath.Join(base, "bert")
	writeTree(t, model, map[string]string{
		types.ModelConfigFileName: "description: my bert\nframework: pytorch\nresources:\n  cpu: 2\n  memory: 4Gi\n",
		"weights.pt":              "pt",
	})
	pkg, err := Pack(ctx, Options{Model: model, Output: filepath.Join(base, "p1")})
	if err != nil {
		t.Fatal(err)
	}
	if got := pkg.Manifest.Annotations[types.AnnotationModelDescription]; got != "my bert" {
		t.Errorf("description = %q", got)
	}
	content, _ := os.ReadFile(pkg.BlobPath(pkg.Manifest.Config.Digest))
	if !bytes.Contains(content, []byte("my bert")) {
		t.Errorf("config blob is not the model config: %s", content)
	}

	// a single file model
	file := filepath.Join(base, "classifier.pkl")
	writeTree(t, base, map[string]string{"classifier.pkl": "pickle"})
	pkg, err = Pack(ctx, Options{Model: file, Output: filepath.Join(base, "p2")})
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Name() != "classifier" {
		t.Errorf("Name() = %s", pkg.Name())
	}
	if len(pkg.Manifest.Blobs) != 1 || pkg.Manifest.Blobs[0].Name != "classifier.pkl" {
		t.Errorf("blobs = %v", pkg.Manifest.Blobs)
	}
	if pkg.Manifest.Annotations[types.AnnotationModelFramework] != "sklearn" {
		t.Errorf("framework = %s", pkg.Manifest.Annotations[types.AnnotationModelFramework])
	}
}

func TestPackInvalidConfig(t *testing.T) {
	base := t.TempDir()
	model := filepath.Join(base, "m")
	writeTree(t, model, map[string]string{
		types.ModelConfigFileName: "resources:\n  memory: plenty\n",
		"m.onnx":                  "x",
	})
	_, err := Pack(context.Background(), Options{Model: model, Output: filepath.Join(base, "out")})
	if !errors.IsErrCode(err, errors.ErrCodePackageInvalid) {
		t.Errorf("Pack() error = %v, want PACKAGE_INVALID", err)
	}
}

func TestPackExistsAndForce(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	model := filepath.Join(base, "m")
	writeTree(t, model, map[string]string{"a.onnx": "v1"})
	out := filepath.Join(base, "out")

	first, err := Pack(ctx, Options{Model: model, Output: out, CacheDir: filepath.Join(base, "cache")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Pack(ctx, Options{Model: model, Output: out}); !errors.IsErrCode(err, errors.ErrCodePackageExists) {
		t.Fatalf("Pack() error = %v, want PACKAGE_EXISTS", err)
	}

	writeTree(t, model, map[string]string{"a.onnx": "v2-with-more-weights"})
	second, err := Pack(ctx, Options{Model: model, Output: out, Force: true, CacheDir: filepath.Join(base, "cache")})
	if err != nil {
		t.Fatal(err)
	}
	if first.Manifest.Blobs[0].Digest == second.Manifest.Blobs[0].Digest {
		t.Errorf("digest did not change after content change")
	}
	if _, err := os.Stat(first.BlobPath(first.Manifest.Blobs[0].Digest)); !os.IsNotExist(err) {
		t.Errorf("stale blob was not removed: %v", err)
	}
	if err := Verify(ctx, second); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	model := filepath.Join(base, "m")
	writeTree(t, model, map[string]string{"a.onnx": "weights", "b.txt": "notes"})
	out := filepath.Join(base, "out")

	pkg, err := Pack(ctx, Options{Model: model, Output: out})
	if err != nil {
		t.Fatal(err)
	}
	target := pkg.Manifest.Blobs[0]
	if err := os.WriteFile(pkg.BlobPath(target.Digest), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Verify(ctx, pkg); !errors.IsErrCode(err, errors.ErrCodeDigestInvalid) {
		t.Errorf("Verify() error = %v, want DIGEST_INVALID", err)
	}

	if err := os.Remove(pkg.BlobPath(target.Digest)); err != nil {
		t.Fatal(err)
	}
	if err := Verify(ctx, pkg); !errors.IsErrCode(err, errors.ErrCodeBlobUnknown) {
		t.Errorf("Verify() error = %v, want BLOB_UNKNOWN", err)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); !errors.IsErrCode(err, errors.ErrCodePackageInvalid) {
		t.Errorf("Load() error = %v, want PACKAGE_INVALID", err)
	}
}

func TestTGZRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	src := filepath.Join(base, "src")
	writeTree(t, src, map[string]string{
		"a.txt":       "a",
		"sub/b.txt":   "b",
		"sub/c/d.bin": "d",
	})
	archive := filepath.Join(base, "src.tar.gz")
	d1, err := TGZ(ctx, src, archive)
	if err != nil {
		t.Fatal(err)
	}
	d2, err := TGZ(ctx, src, "")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("TGZ digest not reproducible: %s != %s", d1, d2)
	}

	f, err := os.Open(archive)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dst := filepath.Join(base, "dst")
	if err := UnTGZ(ctx, dst, f); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "sub", "c", "d.bin"))
	if err != nil || string(got) != "d" {
		t.Errorf("extracted content = %q, %v", got, err)
	}
	d3, err := TGZ(ctx, dst, "")
	if err != nil {
		t.Fatal(err)
	}
	if d3 != d1 {
		t.Errorf("extracted tree digest %s != %s", d3, d1)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"ResNet_50", "resnet_50"},
		{"my model (final)", "my-model-final"},
		{"--weird..name__", "weird-name"},
		{"???", "model"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeName(tt.in); got != tt.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "newmodel")
	if err := Init(ctx, dir, false); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{types.ModelConfigFileName, types.ReadmeFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
	if err := Init(ctx, dir, false); err == nil {
		t.Errorf("Init() on existing model should fail without force")
	}
	if err := Init(ctx, dir, true); err != nil {
		t.Errorf("Init() with force error = %v", err)
	}
}
