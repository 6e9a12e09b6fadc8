package engine

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sunshow/workgear/sessionstore/internal/config"
)

// ─── Definition Data Structures ───

// Definition is a parsed YAML workflow definition.
type Definition struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Timezone    string          `yaml:"timezone"`
	Params      config.Config   `yaml:"params"`
	Export      config.Config   `yaml:"export"`
	Parallel    bool            `yaml:"parallel"`
	Tasks       []TaskDef       `yaml:"tasks"`
	Monitors    []config.Config `yaml:"monitors"`
}

// TaskDef is one task of a definition. A task with Tasks is a group and runs
// no operator of its own.
type TaskDef struct {
	Name          string        `yaml:"name"`
	Config        config.Config `yaml:"config"`
	Export        config.Config `yaml:"export"`
	DependsOn     []string      `yaml:"depends_on"`
	Retry         int           `yaml:"retry"`
	RetryInterval string        `yaml:"retry_interval"`
	Parallel      bool          `yaml:"parallel"`
	Tasks         []TaskDef     `yaml:"tasks"`
}

// Reserved config keys the engine reads from a task's local config.
const (
	retryLimitKey    = "_retry"
	retryIntervalKey = "_retry_interval"
)

// IsGroup reports whether the task only groups children.
func (t *TaskDef) IsGroup() bool {
	return len(t.Tasks) > 0
}

// localConfig folds the retry shorthand into the task's config.
func (t *TaskDef) localConfig() config.Config {
	cfg := t.Config
	if t.Retry > 0 {
		cfg = cfg.Set(retryLimitKey, t.Retry)
	}
	if t.RetryInterval != "" {
		cfg = cfg.Set(retryIntervalKey, t.RetryInterval)
	}
	return cfg
}

// ParseDefinition parses a YAML workflow definition and validates its graph.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := validateTaskName(def.Name); err != nil {
		return nil, fmt.Errorf("workflow: %w", err)
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("workflow %s has no tasks", def.Name)
	}
	if _, err := Compile(&def); err != nil {
		return nil, err
	}
	for i, m := range def.Monitors {
		if m.GetString("type", "") == "" {
			return nil, fmt.Errorf("monitor at index %d has no type", i)
		}
	}
	return &def, nil
}

// LoadDefinition reads and parses a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

func validateTaskName(name string) error {
	if name == "" {
		return fmt.Errorf("task has no name")
	}
	if strings.ContainsAny(name, "+^ ") {
		return fmt.Errorf("task name %q contains a reserved character", name)
	}
	return nil
}
