package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProjectRoot maps a project name to its checkout directory.
type ProjectRoot struct {
	Name      string `yaml:"name"`
	Directory string `yaml:"directory"`
}

type projectRootsFile struct {
	Projects []ProjectRoot `yaml:"projects"`
}

// ProjectRoots is the authoritative name → directory table.
type ProjectRoots map[string]string

// Lookup returns the directory registered for name.
func (r ProjectRoots) Lookup(name string) (string, bool) {
	dir, ok := r[name]
	return dir, ok
}

// LoadProjectRoots parses a YAML project roots file. An empty path yields an
// empty table.
func LoadProjectRoots(path string) (ProjectRoots, error) {
	roots := ProjectRoots{}
	if path == "" {
		return roots, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading project roots: %w", err)
	}

	var f projectRootsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing project roots: %w", err)
	}

	for i, p := range f.Projects {
		name := strings.TrimSpace(p.Name)
		dir := strings.TrimSpace(p.Directory)
		if name == "" || dir == "" {
			return nil, fmt.Errorf("project roots entry %d: name and directory are required", i)
		}
		dir, err := expandHome(dir)
		if err != nil {
			return nil, err
		}
		roots[name] = filepath.Clean(dir)
	}
	return roots, nil
}
