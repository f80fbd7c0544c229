package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"kubegems.io/deployx/pkg/errors"
)

func newFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("model", "", "")
	flags.String("target", "", "")
	flags.String("output", "", "")
	flags.String("package", "", "")
	flags.String("config-dir", "", "")
	flags.Bool("debug", false, "")
	return flags
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DEPLOYX_CONFIG_DIR", filepath.Join(dir, "home"))
	t.Setenv(EnvModelPath, "")
	t.Setenv(EnvDeploymentTarget, "")
	os.Unsetenv(EnvModelPath)
	os.Unsetenv(EnvDeploymentTarget)
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOutput, cfg.Output)
	assert.Equal(t, DefaultOutput, cfg.Package, "package defaults to output")
	assert.Equal(t, filepath.Join(dir, "home"), cfg.ConfigDir)
	assert.Equal(t, filepath.Join(dir, "home", "cache"), cfg.CacheDir)
	assert.Empty(t, cfg.EnvFile)
	assert.False(t, cfg.Debug)
}

func TestLoadPrecedence(t *testing.T) {
	dir := isolate(t)

	writeFile(t, filepath.Join(dir, "home", ConfigFileName), "model_path: from-config\ndeployment_target: config-target\noutput: config-out\n")
	writeFile(t, filepath.Join(dir, ".env"), "MODEL_PATH=from-dotenv\nDEPLOYMENT_TARGET=aws\nUNRELATED=1\n")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.ModelPath, "dotenv overrides config file")
	assert.Equal(t, "aws", cfg.Target)
	assert.Equal(t, "config-out", cfg.Output, "config file overrides defaults")
	assert.Equal(t, DefaultEnvFile, cfg.EnvFile)

	t.Setenv(EnvDeploymentTarget, "from-env")
	cfg, err = Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Target, "environment overrides dotenv")

	flags := newFlags()
	require.NoError(t, flags.Parse([]string{"--target", "from-flag", "--debug"}))
	cfg, err = Load("", flags)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Target, "flags override environment")
	assert.Equal(t, "from-dotenv", cfg.ModelPath, "unset flags do not override")
	assert.True(t, cfg.Debug)
}

func TestLoadExplicitEnvFile(t *testing.T) {
	dir := isolate(t)

	envfile := filepath.Join(dir, "conf", "prod.env")
	writeFile(t, envfile, "MODEL_PATH=./models/resnet\nDEPLOYX_OUTPUT=build\nDEPLOYX_DEBUG=1\n")

	cfg, err := Load(envfile, nil)
	require.NoError(t, err)
	assert.Equal(t, "./models/resnet", cfg.ModelPath)
	assert.Equal(t, "build", cfg.Output)
	assert.Equal(t, "build", cfg.Package)
	assert.True(t, cfg.Debug)
	assert.Equal(t, envfile, cfg.EnvFile)

	_, err = Load(filepath.Join(dir, "missing.env"), nil)
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeConfigInvalid))
}

func TestRequire(t *testing.T) {
	cfg := &Config{}
	_, err := cfg.RequireModelPath()
	assert.True(t, errors.IsErrCode(err, errors.ErrCodeConfigInvalid))
	assert.Contains(t, err.Error(), EnvModelPath)

	_, err = cfg.RequireTarget()
	assert.Contains(t, err.Error(), EnvDeploymentTarget)

	cfg.Target = "prod"
	target, err := cfg.RequireTarget()
	require.NoError(t, err)
	assert.Equal(t, "prod", target)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, KeyModelPath, EnvKey("MODEL_PATH"))
	assert.Equal(t, KeyTarget, EnvKey("DEPLOYMENT_TARGET"))
	assert.Equal(t, "cache_dir", EnvKey("DEPLOYX_CACHE_DIR"))
	assert.Equal(t, "", EnvKey("HOME"))
}
