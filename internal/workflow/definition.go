package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is a parsed workflow file.
type Definition struct {
	Name  string    `yaml:"name"`
	Tasks []TaskDef `yaml:"tasks"`
}

// Duration decodes YAML scalars like "90s" or "5m" into a time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// TaskDef declares one task within a workflow definition.
type TaskDef struct {
	ID      string            `yaml:"id"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env,omitempty"`
	After   []string          `yaml:"after,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`

	Resources ResourcesDef `yaml:"resources,omitempty"`

	// Transfer declares object-storage payloads for the s3 backend.
	Transfer *TransferDef `yaml:"transfer,omitempty"`

	// Input is an opaque JSON document passed to the sfn backend as the
	// state-machine execution input.
	Input string `yaml:"input,omitempty"`
}

// ResourcesDef declares resource requirements for one task.
type ResourcesDef struct {
	CPUs  int `yaml:"cpus,omitempty"`
	MemMB int `yaml:"mem_mb,omitempty"`
}

// TransferDef declares object-storage payloads for one task: objects fetched
// into the work directory before the task is considered started, and local
// files uploaded under the run's URI prefix on completion.
type TransferDef struct {
	Downloads []string `yaml:"downloads,omitempty"`
	Uploads   []string `yaml:"uploads,omitempty"`
}

// Parse decodes a workflow definition from YAML bytes.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &GraphBuildError{Reason: fmt.Sprintf("parse workflow: %v", err)}
	}
	if def.Name == "" {
		return nil, &GraphBuildError{Reason: "workflow name is required"}
	}
	if len(def.Tasks) == 0 {
		return nil, &GraphBuildError{Reason: "workflow declares no tasks"}
	}
	return &def, nil
}

// ParseFile reads and decodes a workflow definition from a file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return Parse(data)
}
