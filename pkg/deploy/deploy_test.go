package deploy

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kubegems.io/deployx/pkg/errors"
	"kubegems.io/deployx/pkg/packager"
	"kubegems.io/deployx/pkg/registry"
	"kubegems.io/deployx/pkg/types"
)

func writeModel(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func pack(t *testing.T, model, output string) *packager.Package {
	t.Helper()
	p, err := packager.Pack(context.Background(), packager.Options{Model: model, Output: output, Force: true})
	require.NoError(t, err)
	return p
}

func newTestDeployer(t *testing.T, target Target) *Deployer {
	t.Helper()
	d := NewDeployer(target, nil)
	d.VerifyInterval = 10 * time.Millisecond
	d.VerifyTimeout = 2 * time.Second
	t.Cleanup(func() { target.Close() })
	return d
}

type releaseSummary struct {
	Revision int
	Version  string
	Action   types.ReleaseAction
}

func summarize(history types.ReleaseHistory) []releaseSummary {
	summaries := make([]releaseSummary, 0, len(history.Releases))
	for _, r := range history.Releases {
		summaries = append(summaries, releaseSummary{Revision: r.Revision, Version: r.Version, Action: r.Action})
	}
	return summaries
}

func testLifecycle(t *testing.T, target Target) {
	ctx := context.Background()
	base := t.TempDir()
	model := filepath.Join(base, "resnet")
	writeModel(t, model, map[string]string{
		"model.onnx":           "weights-v1",
		"empty":                "",
		"tokenizer/vocab.json": `{"a":1}`,
	})
	d := newTestDeployer(t, target)

	first := pack(t, model, filepath.Join(base, "pkg1"))
	result, err := d.Deploy(ctx, first, DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, "library/resnet", result.Repository)
	assert.Equal(t, "v1", result.Version)
	assert.Equal(t, 1, result.Revision)
	assert.False(t, result.Skipped)

	// same package again is a no-op
	result, err = d.Deploy(ctx, first, DeployOptions{})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "v1", result.Version)

	writeModel(t, model, map[string]string{"model.onnx": "weights-v2"})
	second := pack(t, model, filepath.Join(base, "pkg2"))
	result, err = d.Deploy(ctx, second, DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v2", result.Version)
	assert.Equal(t, 2, result.Revision)
	assert.Equal(t, "v1", result.Previous)

	_, err = d.Deploy(ctx, second, DeployOptions{Version: "v1"})
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeVersionExists), "got %v", err)

	result, err = d.Rollback(ctx, "resnet", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", result.Version)
	assert.Equal(t, "v2", result.Previous)
	assert.Equal(t, types.ReleaseActionRollback, result.Action)

	_, err = d.Rollback(ctx, "resnet", "v9")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeManifestUnknown), "got %v", err)

	// redeploying known content reuses its version
	result, err = d.Deploy(ctx, second, DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v2", result.Version)

	history, err := d.History(ctx, "library/resnet")
	require.NoError(t, err)
	want := []releaseSummary{
		{Revision: 1, Version: "v1", Action: types.ReleaseActionDeploy},
		{Revision: 2, Version: "v2", Action: types.ReleaseActionDeploy},
		{Revision: 3, Version: "v1", Action: types.ReleaseActionRollback},
		{Revision: 4, Version: "v2", Action: types.ReleaseActionDeploy},
	}
	if diff := cmp.Diff(want, summarize(history)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "v2", history.Current)

	status, err := d.Status(ctx, "resnet")
	require.NoError(t, err)
	assert.Equal(t, 4, status.Revision)

	index, err := d.List(ctx, "resnet", "")
	require.NoError(t, err)
	assert.Len(t, index.Manifests, 2)

	global, err := d.List(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, global.Manifests, 1)
	assert.Equal(t, "library/resnet", global.Manifests[0].Name)

	into := filepath.Join(base, "pulled")
	for i := 0; i < 2; i++ {
		result, err = d.Pull(ctx, "resnet", "v1", into, PullOptions{})
		require.NoError(t, err)
		assert.Equal(t, "v1", result.Version)
	}
	got, err := os.ReadFile(filepath.Join(into, "model.onnx"))
	require.NoError(t, err)
	assert.Equal(t, "weights-v1", string(got))
	got, err = os.ReadFile(filepath.Join(into, "tokenizer", "vocab.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
	assert.FileExists(t, filepath.Join(into, types.ModelConfigFileName))
	assert.FileExists(t, filepath.Join(into, "empty"))

	only := filepath.Join(base, "only")
	_, err = d.Pull(ctx, "resnet", "", only, PullOptions{Files: []string{"tokenizer/vocab.json"}})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(only, "tokenizer", "vocab.json"))
	assert.FileExists(t, filepath.Join(only, types.ModelConfigFileName))
	assert.NoFileExists(t, filepath.Join(only, "model.onnx"))
}

func TestDeployLocalTarget(t *testing.T) {
	target, err := NewTarget(context.Background(), TargetConfig{Type: TargetTypeLocal, URL: "file://" + t.TempDir()})
	require.NoError(t, err)
	testLifecycle(t, target)
}

func newRegistryTarget(t *testing.T) Target {
	t.Helper()
	ctx := context.Background()
	opts := registry.DefaultOptions()
	opts.Local.Basepath = t.TempDir()
	opts.Token = "secret"
	server, err := registry.NewRegistry(ctx, opts)
	require.NoError(t, err)
	handler, err := server.Handler(ctx, opts)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	target, err := NewTarget(ctx, TargetConfig{Type: TargetTypeRegistry, URL: srv.URL, Token: "secret"})
	require.NoError(t, err)
	return target
}

func TestDeployRegistryTarget(t *testing.T) {
	testLifecycle(t, newRegistryTarget(t))
}

func TestDeployIgnoresModificationTimes(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	target, err := NewTarget(ctx, TargetConfig{Type: TargetTypeLocal, URL: filepath.Join(base, "target")})
	require.NoError(t, err)
	d := newTestDeployer(t, target)

	model := filepath.Join(base, "resnet")
	writeModel(t, model, map[string]string{
		"model.onnx":           "weights",
		"tokenizer/vocab.json": `{"a":1}`,
	})
	first, err := d.Deploy(ctx, pack(t, model, filepath.Join(base, "pkg1")), DeployOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Version)

	later := time.Now().Add(time.Hour)
	for _, name := range []string{"model.onnx", "tokenizer/vocab.json", "tokenizer"} {
		require.NoError(t, os.Chtimes(filepath.Join(model, name), later, later))
	}
	second, err := d.Deploy(ctx, pack(t, model, filepath.Join(base, "pkg2")), DeployOptions{})
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, "v1", second.Version)
	assert.Equal(t, first.Digest, second.Digest)
}

func TestConcurrentDeploysPickDistinctVersions(t *testing.T) {
	targets := map[string]func(t *testing.T) Target{
		"local": func(t *testing.T) Target {
			target, err := NewTarget(context.Background(), TargetConfig{Type: TargetTypeLocal, URL: t.TempDir()})
			require.NoError(t, err)
			return target
		},
		"registry": newRegistryTarget,
	}
	for name, newTarget := range targets {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := t.TempDir()
			d := newTestDeployer(t, newTarget(t))

			const n = 4
			pkgs := make([]*packager.Package, n)
			for i := range pkgs {
				model := filepath.Join(base, fmt.Sprintf("model-%d", i), "resnet")
				writeModel(t, model, map[string]string{"model.onnx": fmt.Sprintf("weights-%d", i)})
				pkgs[i] = pack(t, model, filepath.Join(base, fmt.Sprintf("pkg-%d", i)))
			}

			results := make([]*Result, n)
			errs := make([]error, n)
			var wg sync.WaitGroup
			for i := range pkgs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = d.Deploy(ctx, pkgs[i], DeployOptions{NoVerify: true})
				}(i)
			}
			wg.Wait()

			versions := map[string]bool{}
			for i := range results {
				require.NoError(t, errs[i])
				assert.False(t, versions[results[i].Version], "version %s deployed twice", results[i].Version)
				versions[results[i].Version] = true

				_, manifest, err := d.Info(ctx, "resnet", results[i].Version)
				require.NoError(t, err)
				got, err := manifest.Digest()
				require.NoError(t, err)
				assert.Equal(t, results[i].Digest, got, "manifest of %s was overwritten", results[i].Version)
			}

			index, err := d.List(ctx, "resnet", "")
			require.NoError(t, err)
			assert.Len(t, index.Manifests, n)

			history, err := d.History(ctx, "resnet")
			require.NoError(t, err)
			require.Len(t, history.Releases, n)
			for _, release := range history.Releases {
				desc, ok := index.Lookup(release.Version)
				require.True(t, ok, "release of unknown version %s", release.Version)
				assert.Equal(t, desc.Digest, release.Digest)
			}
		})
	}
}

func TestRollbackUnavailable(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	target, err := NewTarget(ctx, TargetConfig{Type: TargetTypeLocal, URL: filepath.Join(base, "target")})
	require.NoError(t, err)
	d := newTestDeployer(t, target)

	_, err = d.Rollback(ctx, "resnet", "")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeRollbackUnavailable), "got %v", err)

	_, err = d.Status(ctx, "resnet")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeReleaseUnknown), "got %v", err)

	model := filepath.Join(base, "resnet")
	writeModel(t, model, map[string]string{"model.onnx": "weights"})
	_, err = d.Deploy(ctx, pack(t, model, filepath.Join(base, "pkg")), DeployOptions{})
	require.NoError(t, err)

	_, err = d.Rollback(ctx, "resnet", "")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeRollbackUnavailable), "got %v", err)
}

func TestDeployExplicitVersion(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	target, err := NewTarget(ctx, TargetConfig{Type: TargetTypeLocal, URL: filepath.Join(base, "target")})
	require.NoError(t, err)
	d := newTestDeployer(t, target)

	model := filepath.Join(base, "bert")
	writeModel(t, model, map[string]string{"model.safetensors": "a"})
	first := pack(t, model, filepath.Join(base, "pkg1"))
	writeModel(t, model, map[string]string{"model.safetensors": "b"})
	second := pack(t, model, filepath.Join(base, "pkg2"))

	tests := []struct {
		name        string
		pkg         *packager.Package
		opts        DeployOptions
		wantVersion string
		wantSkipped bool
		wantCode    errors.ErrCode
	}{
		{name: "first", pkg: first, opts: DeployOptions{Name: "nlp/bert", Version: "1.0.0"}, wantVersion: "1.0.0"},
		{name: "same content", pkg: first, opts: DeployOptions{Name: "nlp/bert", Version: "1.0.0"}, wantVersion: "1.0.0", wantSkipped: true},
		{name: "conflict", pkg: second, opts: DeployOptions{Name: "nlp/bert", Version: "1.0.0"}, wantCode: errors.ErrCodeVersionExists},
		{name: "force", pkg: second, opts: DeployOptions{Name: "nlp/bert", Version: "1.0.0", Force: true}, wantVersion: "1.0.0"},
		{name: "invalid version", pkg: second, opts: DeployOptions{Name: "nlp/bert", Version: "-bad"}, wantCode: errors.ErrCodeInvalidParameter},
		{name: "invalid name", pkg: second, opts: DeployOptions{Name: "NLP/Bert"}, wantCode: errors.ErrCodeNameInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := d.Deploy(ctx, tt.pkg, tt.opts)
			if tt.wantCode != "" {
				assert.True(t, errors.IsErrCode(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, result.Version)
			assert.Equal(t, tt.wantSkipped, result.Skipped)
		})
	}

	_, manifest, err := d.Info(ctx, "nlp/bert", "")
	require.NoError(t, err)
	want, _ := second.Digest()
	got, _ := manifest.Digest()
	assert.Equal(t, want, got)
}
