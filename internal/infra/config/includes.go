package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includer overlays the files named in a config's includes list, in order.
// Nested includes are followed up to maxIncludeDepth.
type includer struct {
	root    string
	visited map[string]bool
}

func newIncluder(rootFile string) *includer {
	return &includer{
		root:    rootFile,
		visited: map[string]bool{rootFile: true},
	}
}

// apply merges every include of cfg, relative to the root file's directory.
func (in *includer) apply(cfg *Config) error {
	return in.mergeAll(cfg, filepath.Dir(in.root), 1)
}

func (in *includer) mergeAll(cfg *Config, baseDir string, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	patterns := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if in.visited[p] {
				return fmt.Errorf("config includes: circular include detected for %q", p)
			}
			in.visited[p] = true
			if err := in.merge(cfg, p, depth); err != nil {
				return err
			}
		}
	}
	return nil
}

// merge unmarshals one file over cfg, then follows that file's own includes.
func (in *includer) merge(cfg *Config, path string, depth int) error {
	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	return in.mergeAll(cfg, filepath.Dir(path), depth+1)
}

// expandInclude resolves a possibly-glob pattern against baseDir. Relative
// patterns must stay inside baseDir. A literal path is returned even when
// missing so the read reports it; a glob with no matches yields nothing.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		joined := filepath.Clean(filepath.Join(baseDir, pattern))
		rel, err := filepath.Rel(baseDir, joined)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
		}
		pattern = joined
	}

	if !strings.ContainsAny(pattern, "*?[") {
		abs, err := filepath.Abs(pattern)
		if err != nil {
			return nil, fmt.Errorf("config includes: abs path %q: %w", pattern, err)
		}
		return []string{abs}, nil
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("config includes: abs path %q: %w", m, err)
		}
		out = append(out, abs)
	}
	return out, nil
}
