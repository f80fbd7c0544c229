package deploy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/exp/slices"
	"kubegems.io/deployx/pkg/errors"
)

var homeDir = os.UserHomeDir

var targetNameRegexp = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

type TargetsFile struct {
	Targets []TargetConfig `json:"targets,omitempty"`
}

// TargetManager keeps named targets in a json file.
type TargetManager struct {
	Path    string
	targets TargetsFile
}

func NewTargetManager(path string) *TargetManager {
	return &TargetManager{Path: path}
}

// Set adds or replaces the target named item.Name.
// An empty type is inferred from the url.
func (m *TargetManager) Set(item TargetConfig) error {
	if !targetNameRegexp.MatchString(item.Name) {
		return errors.NewParameterInvalidError(fmt.Sprintf("invalid target name %q", item.Name))
	}
	parsed, err := ParseTargetURL(expandHome(item.URL))
	if err != nil && item.Type == "" {
		return err
	}
	if item.Type == "" {
		item.Type = parsed.Type
	}
	if !IsRegistered(item.Type) {
		return errors.NewTargetUnknownError(item.Type, ListTypes())
	}
	if err := m.load(); err != nil {
		return err
	}
	var exists bool
	for i, target := range m.targets.Targets {
		if target.Name == item.Name {
			m.targets.Targets[i] = item
			exists = true
			break
		}
	}
	if !exists {
		m.targets.Targets = append(m.targets.Targets, item)
	}
	return m.save()
}

// Get returns the target with name (or url) name.
func (m *TargetManager) Get(name string) (TargetConfig, error) {
	if err := m.load(); err != nil {
		return TargetConfig{}, err
	}
	for _, target := range m.targets.Targets {
		if target.Name == name || target.URL == name {
			return target, nil
		}
	}
	return TargetConfig{}, errors.NewTargetUnknownError(name, ListTypes())
}

func (m *TargetManager) Remove(name string) error {
	if err := m.load(); err != nil {
		return err
	}
	for i, target := range m.targets.Targets {
		if target.Name == name {
			m.targets.Targets = slices.Delete(m.targets.Targets, i, i+1)
			return m.save()
		}
	}
	return errors.NewTargetUnknownError(name, ListTypes())
}

func (m *TargetManager) List() ([]TargetConfig, error) {
	if err := m.load(); err != nil {
		return nil, err
	}
	return m.targets.Targets, nil
}

func (m *TargetManager) load() error {
	content, err := os.ReadFile(m.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		content = []byte("{}")
	}
	m.targets = TargetsFile{}
	if err := json.Unmarshal(content, &m.targets); err != nil {
		return errors.NewConfigInvalidError(fmt.Sprintf("targets file %s: %v", m.Path, err))
	}
	return nil
}

func (m *TargetManager) save() error {
	content, err := json.MarshalIndent(m.targets, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return err
	}
	tmp := m.Path + ".tmp"
	// tokens are stored here
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.Path)
}
