package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"kubegems.io/deployx/pkg/types"
	"sigs.k8s.io/yaml"
)

// Init scaffolds a model directory with a config template and a README.
func Init(ctx context.Context, path string, force bool) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("path", path)

	configfile := filepath.Join(path, types.ModelConfigFileName)
	if _, err := os.Stat(configfile); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", configfile)
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(path, DefaultDirMode); err != nil {
		return fmt.Errorf("create model directory %s: %w", path, err)
	}

	entries, _ := os.ReadDir(path)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	framework := types.DetectFramework(names)
	if framework == "" {
		framework = "<some framework>"
	}

	config := types.ModelConfig{
		Description: "This is a deployx model",
		FrameWork:   framework,
		Task:        "<some task>",
		Config: map[string]any{
			"inputs":  map[string]any{},
			"outputs": map[string]any{},
		},
		Tags: []string{
			"deployx",
		},
		Resources: map[string]any{
			"cpu":    "4",
			"memory": "16Gi",
			"gpu": map[string]any{
				"nvidia.com/gpu": "1",
			},
		},
		Maintainers: []string{
			"maintainer",
		},
		ModelFiles: []string{},
	}
	for _, name := range names {
		if types.IsModelFile(name) {
			config.ModelFiles = append(config.ModelFiles, name)
		}
	}
	content, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode model config: %w", err)
	}
	if err := os.WriteFile(configfile, content, DefaultFileMode); err != nil {
		return fmt.Errorf("write model config %s: %w", configfile, err)
	}

	readmefile := filepath.Join(path, types.ReadmeFileName)
	if _, err := os.Stat(readmefile); errors.Is(err, os.ErrNotExist) {
		abs, _ := filepath.Abs(path)
		readme := fmt.Sprintf("# %s\n\nAwesome model description.\n", filepath.Base(abs))
		if err := os.WriteFile(readmefile, []byte(readme), DefaultFileMode); err != nil {
			return err
		}
	}
	log.Info("model initialized")
	return nil
}
