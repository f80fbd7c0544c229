package types

import (
	"fmt"
	"path/filepath"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	ModelConfigFileName       = "deployx.yaml"
	LegacyModelConfigFileName = "modelx.yaml"
	ReadmeFileName            = "README.md"
)

type ModelConfig struct {
	Description string            `json:"description"`
	FrameWork   string            `json:"framework"`
	Task        string            `json:"task,omitempty"`
	Tags        []string          `json:"tags"`
	Resources   map[string]any    `json:"resources,omitempty"`
	Maintainers []string          `json:"maintainers"`
	Annotations map[string]string `json:"annotations,omitempty"`
	ModelFiles  []string          `json:"modelFiles"`
	Config      any               `json:"config"`
}

// Validate checks that cpu and memory resources are valid quantities.
func (c ModelConfig) Validate() error {
	for _, key := range []string{"cpu", "memory"} {
		val, ok := c.Resources[key]
		if !ok || val == nil {
			continue
		}
		str := fmt.Sprint(val)
		if _, err := resource.ParseQuantity(str); err != nil {
			return fmt.Errorf("resources.%s: invalid quantity %q: %w", key, str, err)
		}
	}
	for _, file := range c.ModelFiles {
		if !filepath.IsLocal(file) {
			return fmt.Errorf("modelFiles: %q must be relative to the model directory", file)
		}
	}
	return nil
}

// ManifestAnnotations are merged into the package manifest annotations.
func (c ModelConfig) ManifestAnnotations() map[string]string {
	annotations := map[string]string{}
	for k, v := range c.Annotations {
		annotations[k] = v
	}
	if c.Description != "" {
		annotations[AnnotationModelDescription] = c.Description
	}
	if c.FrameWork != "" {
		annotations[AnnotationModelFramework] = c.FrameWork
	}
	if c.Task != "" {
		annotations[AnnotationModelTask] = c.Task
	}
	return annotations
}

var frameworkExtensions = map[string]string{
	".onnx":        "onnx",
	".pt":          "pytorch",
	".pth":         "pytorch",
	".pb":          "tensorflow",
	".savedmodel":  "tensorflow",
	".h5":          "keras",
	".keras":       "keras",
	".safetensors": "safetensors",
	".gguf":        "gguf",
	".pkl":         "sklearn",
	".joblib":      "sklearn",
	".mlmodel":     "coreml",
	".tflite":      "tflite",
}

// DetectFramework guesses the framework from file names, first match wins.
func DetectFramework(filenames []string) string {
	for _, name := range filenames {
		if framework, ok := frameworkExtensions[strings.ToLower(filepath.Ext(name))]; ok {
			return framework
		}
	}
	return ""
}

// IsModelFile reports whether name has a known model weights extension.
func IsModelFile(name string) bool {
	_, ok := frameworkExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}
