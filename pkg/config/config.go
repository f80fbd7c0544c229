// Package config resolves deployx settings from defaults, the user config
// file, a dotenv file, the process environment and command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
	"kubegems.io/deployx/pkg/errors"
)

const (
	EnvModelPath        = "MODEL_PATH"
	EnvDeploymentTarget = "DEPLOYMENT_TARGET"
	EnvPrefix           = "DEPLOYX_"

	DefaultEnvFile    = ".env"
	DefaultOutput     = "dist"
	ConfigFileName    = "config.yaml"
	DefaultConfigHome = ".deployx"
)

const (
	KeyModelPath = "model_path"
	KeyTarget    = "deployment_target"
	KeyOutput    = "output"
	KeyPackage   = "package"
	KeyConfigDir = "config_dir"
	KeyCacheDir  = "cache_dir"
	KeyAuth      = "auth"
	KeyDebug     = "debug"
)

type Config struct {
	ModelPath string `koanf:"model_path"`
	Target    string `koanf:"deployment_target"`
	Output    string `koanf:"output"`
	Package   string `koanf:"package"`
	ConfigDir string `koanf:"config_dir"`
	CacheDir  string `koanf:"cache_dir"`
	Auth      string `koanf:"auth"`
	Debug     bool   `koanf:"debug"`

	// EnvFile is the dotenv file that was loaded, empty if none.
	EnvFile string `koanf:"-"`
}

// flag name -> config key, for flags whose name differs from the key.
var flagKeys = map[string]string{
	"model":  KeyModelPath,
	"target": KeyTarget,
}

// EnvKey maps an environment variable name to its config key, "" to ignore it.
func EnvKey(name string) string {
	switch name {
	case EnvModelPath:
		return KeyModelPath
	case EnvDeploymentTarget:
		return KeyTarget
	}
	if strings.HasPrefix(name, EnvPrefix) {
		return strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	}
	return ""
}

// Load reads configuration. Precedence, lowest first: defaults, config file in
// the config dir, dotenv file, process environment, explicitly set flags.
// envFile may be empty to use ./.env when present.
func Load(envFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]any{
		KeyOutput:    DefaultOutput,
		KeyConfigDir: defaultConfigDir(),
		KeyDebug:     false,
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// config dir may itself be overridden by env or flags
	configDir := k.String(KeyConfigDir)
	if v := os.Getenv(EnvPrefix + "CONFIG_DIR"); v != "" {
		configDir = v
	}
	if flags != nil {
		if f := flags.Lookup("config-dir"); f != nil && f.Changed {
			configDir = f.Value.String()
		}
	}
	if configDir != "" {
		configFile := filepath.Join(configDir, ConfigFileName)
		if _, err := os.Stat(configFile); err == nil {
			if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("read config file %s: %w", configFile, err)
			}
		}
	}

	usedEnvFile, err := loadEnvFile(k, envFile)
	if err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider("", ".", EnvKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed || f.Name == "env-file" {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.EnvFile = usedEnvFile
	if cfg.Package == "" {
		cfg.Package = cfg.Output
	}
	if cfg.CacheDir == "" && cfg.ConfigDir != "" {
		cfg.CacheDir = filepath.Join(cfg.ConfigDir, "cache")
	}
	return &cfg, nil
}

// loadEnvFile loads a dotenv file. An explicit file must exist, the default
// one is optional.
func loadEnvFile(k *koanf.Koanf, envFile string) (string, error) {
	explicit := envFile != ""
	if !explicit {
		envFile = DefaultEnvFile
	}
	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", errors.NewConfigInvalidError(fmt.Sprintf("env file %s: %v", envFile, err))
	}
	values, err := godotenv.Read(envFile)
	if err != nil {
		return "", errors.NewConfigInvalidError(fmt.Sprintf("parse env file %s: %v", envFile, err))
	}
	mapped := map[string]any{}
	for name, val := range values {
		if key := EnvKey(name); key != "" {
			mapped[key] = val
		}
	}
	if err := k.Load(confmap.Provider(mapped, "."), nil); err != nil {
		return "", fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return envFile, nil
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfigHome
	}
	return filepath.Join(home, DefaultConfigHome)
}

// RequireModelPath returns the model path or an error naming where to set it.
func (c *Config) RequireModelPath() (string, error) {
	if c.ModelPath == "" {
		return "", errors.NewConfigInvalidError("model path is required: use --model or set " + EnvModelPath)
	}
	return c.ModelPath, nil
}

// RequireTarget returns the deployment target or an error naming where to set it.
func (c *Config) RequireTarget() (string, error) {
	if c.Target == "" {
		return "", errors.NewConfigInvalidError("deployment target is required: use --target or set " + EnvDeploymentTarget)
	}
	return c.Target, nil
}

// TargetsFile is where named deployment targets are stored.
func (c *Config) TargetsFile() string {
	return filepath.Join(c.ConfigDir, "targets.json")
}
