package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mtzanidakis/swarmcrew/internal/graph"
	"gopkg.in/yaml.v3"
)

// CrewDefinition is a crew file: a named set of tasks plus the seed inputs they render
// against. Schedule, when set, is a cron expression for recurring runs.
type CrewDefinition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	Schedule    string         `yaml:"schedule" json:"schedule,omitempty"`
	Parallelism int            `yaml:"parallelism" json:"parallelism,omitempty"`
	Evaluate    bool           `yaml:"evaluate" json:"evaluate,omitempty"`
	Inputs      map[string]any `yaml:"inputs" json:"inputs,omitempty"`
	Tasks       []graph.Task   `yaml:"tasks" json:"tasks"`
}

// ParseCrew decodes a crew definition and checks its task graph.
func ParseCrew(data []byte) (*CrewDefinition, error) {
	var def CrewDefinition
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &def); err != nil {
		return nil, fmt.Errorf("parse crew: %w", err)
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("crew %q has no tasks", def.Name)
	}
	if _, err := graph.Build(def.Tasks); err != nil {
		return nil, fmt.Errorf("crew %q: %w", def.Name, err)
	}
	return &def, nil
}

// LoadCrew reads a crew file. The name defaults to the file's base name.
func LoadCrew(path string) (*CrewDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read crew: %w", err)
	}
	def, err := ParseCrew(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// LoadCrews reads every .yaml and .yml file in dir, sorted by file name. A missing
// directory yields no crews.
func LoadCrews(dir string) ([]*CrewDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read crews dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	crews := make([]*CrewDefinition, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		def, err := LoadCrew(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("crew %q defined in both %s and %s", def.Name, prev, name)
		}
		seen[def.Name] = name
		crews = append(crews, def)
	}
	return crews, nil
}
