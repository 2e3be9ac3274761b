// Package setup prepares a conductor data directory.
package setup

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/model"
	atomicyaml "github.com/msageha/conductor/internal/yaml"
	"github.com/msageha/conductor/templates"
)

const ConfigName = "conductor.yaml"

type Options struct {
	// MachineName is written to agent.machine_name when set.
	MachineName string
	// Family is written to agent.family and orchestrator.default_family when set.
	Family string
	Force  bool
}

// Run creates dataDir with its store directories and writes a commented config file
// from the template. It refuses to overwrite an existing config unless Force is set.
func Run(dataDir string, opts Options) (string, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}
	configPath := filepath.Join(abs, ConfigName)
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists", configPath)
	}

	content, err := renderConfig(opts)
	if err != nil {
		return "", err
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(content, &cfg); err != nil {
		return "", fmt.Errorf("parse rendered config: %w", err)
	}
	cfg = cfg.WithDefaults()

	dirs := []string{"logs", cfg.Lease.Dir, cfg.Repository.Dir, cfg.Agent.Workspace}
	for _, d := range dirs {
		if d == "" || filepath.IsAbs(d) {
			continue
		}
		if err := os.MkdirAll(filepath.Join(abs, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if err := atomicyaml.AtomicWriteRaw(configPath, content); err != nil {
		return "", fmt.Errorf("write %s: %w", ConfigName, err)
	}
	return configPath, nil
}

// renderConfig fills the template through the node tree so its comments survive.
func renderConfig(opts Options) ([]byte, error) {
	data, err := fs.ReadFile(templates.FS, ConfigName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}
	var doc yamlv3.Node
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if opts.MachineName != "" {
		if err := setScalar(&doc, opts.MachineName, "agent", "machine_name"); err != nil {
			return nil, err
		}
	}
	if opts.Family != "" {
		if err := setScalar(&doc, opts.Family, "agent", "family"); err != nil {
			return nil, err
		}
		if err := setScalar(&doc, opts.Family, "orchestrator", "default_family"); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	enc := yamlv3.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}

func setScalar(doc *yamlv3.Node, value string, path ...string) error {
	node := doc
	if node.Kind == yamlv3.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	for _, key := range path {
		next := lookup(node, key)
		if next == nil {
			return fmt.Errorf("config template has no %v", path)
		}
		node = next
	}
	node.Kind = yamlv3.ScalarNode
	node.Tag = "!!str"
	node.Style = yamlv3.DoubleQuotedStyle
	node.Value = value
	return nil
}

func lookup(mapping *yamlv3.Node, key string) *yamlv3.Node {
	if mapping.Kind != yamlv3.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}
