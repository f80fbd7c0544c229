package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kubegems.io/deployx/pkg/errors"
)

func TestTargetManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "targets.json")
	manager := NewTargetManager(path)

	targets, err := manager.List()
	require.NoError(t, err)
	assert.Empty(t, targets)

	tests := []struct {
		name     string
		item     TargetConfig
		wantType string
		wantCode errors.ErrCode
	}{
		{name: "infer local", item: TargetConfig{Name: "dev", URL: "/srv/models"}, wantType: TargetTypeLocal},
		{name: "infer registry", item: TargetConfig{Name: "prod", URL: "https://models.example.com", Token: "t"}, wantType: TargetTypeRegistry},
		{name: "infer s3", item: TargetConfig{Name: "minio", URL: "s3://models?endpoint=http://minio:9000"}, wantType: TargetTypeS3},
		{name: "explicit type", item: TargetConfig{Name: "edge", Type: TargetTypeLocal, URL: "mnt/models"}, wantType: TargetTypeLocal},
		{name: "invalid name", item: TargetConfig{Name: "-x", URL: "/srv"}, wantCode: errors.ErrCodeInvalidParameter},
		{name: "unknown type", item: TargetConfig{Name: "cloud", Type: "sagemaker", URL: "/srv"}, wantCode: errors.ErrCodeTargetUnknown},
		{name: "unknown url", item: TargetConfig{Name: "cloud", URL: "aws"}, wantCode: errors.ErrCodeTargetUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.Set(tt.item)
			if tt.wantCode != "" {
				assert.True(t, errors.IsErrCode(err, tt.wantCode), "got %v", err)
				return
			}
			require.NoError(t, err)
			got, err := manager.Get(tt.item.Name)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, got.Type)
		})
	}

	// replace keeps a single entry
	require.NoError(t, manager.Set(TargetConfig{Name: "dev", URL: "/srv/other"}))
	targets, err = manager.List()
	require.NoError(t, err)
	assert.Len(t, targets, 4)

	got, err := manager.Get("/srv/other")
	require.NoError(t, err)
	assert.Equal(t, "dev", got.Name)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	require.NoError(t, manager.Remove("dev"))
	_, err = manager.Get("dev")
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeTargetUnknown), "got %v", err)
	assert.True(t, errors.IsErrCode(manager.Remove("dev"), errors.ErrCodeTargetUnknown))

	// a fresh manager reads the same file
	targets, err = NewTargetManager(path).List()
	require.NoError(t, err)
	assert.Len(t, targets, 3)
}
