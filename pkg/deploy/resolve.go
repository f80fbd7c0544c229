package deploy

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"kubegems.io/deployx/pkg/errors"
)

// ParseTargetURL infers the target type of raw:
//
//	file:///abs/dir, ./dir, /abs/dir  -> local
//	s3://bucket/prefix?endpoint=...   -> s3
//	http(s)://host                    -> registry
func ParseTargetURL(raw string) (TargetConfig, error) {
	if raw == "" {
		return TargetConfig{}, errors.NewTargetUnknownError(raw, ListTypes())
	}
	if looksLikePath(raw) {
		return TargetConfig{Type: TargetTypeLocal, URL: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return TargetConfig{}, errors.NewTargetUnknownError(raw, ListTypes())
	}
	switch u.Scheme {
	case "file":
		return TargetConfig{Type: TargetTypeLocal, URL: raw}, nil
	case "s3":
		if u.Host == "" {
			return TargetConfig{}, errInvalidTargetURL(raw, "expected s3://bucket[/prefix]")
		}
		return TargetConfig{Type: TargetTypeS3, URL: raw}, nil
	case "http", "https":
		if u.Host == "" {
			return TargetConfig{}, errInvalidTargetURL(raw, "missing host")
		}
		return TargetConfig{Type: TargetTypeRegistry, URL: raw}, nil
	default:
		return TargetConfig{}, errors.NewTargetUnknownError(raw, ListTypes())
	}
}

func looksLikePath(raw string) bool {
	return filepath.IsAbs(raw) ||
		raw == "." || raw == ".." ||
		strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "../") ||
		strings.HasPrefix(raw, "~/")
}

func errInvalidTargetURL(raw string, reason string) error {
	return errors.NewParameterInvalidError(fmt.Sprintf("target url %s: %s", raw, reason))
}

// ResolveOptions override values of the resolved target.
type ResolveOptions struct {
	Token    string
	Insecure bool
}

// Resolve opens target, looked up by name in manager first, then parsed as a url.
func Resolve(ctx context.Context, target string, manager *TargetManager, opts ResolveOptions) (Target, error) {
	cfg, err := ResolveConfig(target, manager)
	if err != nil {
		return nil, err
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}
	if opts.Insecure {
		if cfg.Options == nil {
			cfg.Options = map[string]string{}
		}
		cfg.Options["insecure"] = "true"
	}
	return NewTarget(ctx, cfg)
}

func ResolveConfig(target string, manager *TargetManager) (TargetConfig, error) {
	if manager != nil {
		cfg, err := manager.Get(target)
		if err == nil {
			return cfg, nil
		}
		if !errors.IsErrCode(err, errors.ErrCodeTargetUnknown) {
			return TargetConfig{}, err
		}
	}
	return ParseTargetURL(expandHome(target))
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	if home, err := homeDir(); err == nil {
		return filepath.Join(home, path[2:])
	}
	return path
}
