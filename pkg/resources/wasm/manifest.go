package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/calderahq/caldera/pkg/resources"
)

// Manifest describes a WASM provider plugin: its identity, the module it
// ships, and the resource types it serves.
type Manifest struct {
	// Name identifies the plugin.
	Name string `yaml:"name"`

	// Version is the plugin version.
	Version string `yaml:"version"`

	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`

	// Entrypoint is the path to the WASM module, relative to the
	// manifest file unless absolute.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the required hex-encoded SHA-256 of the WASM module.
	Checksum string `yaml:"checksum"`

	// ResourceTypes maps type names to their schemas.
	ResourceTypes map[string]ResourceTypeSchema `yaml:"resource_types"`

	// path is where the manifest was loaded from, for resolving the
	// entrypoint.
	path string
}

// ResourceTypeSchema is the manifest form of a resource type schema.
type ResourceTypeSchema struct {
	Description        string                               `yaml:"description,omitempty"`
	Properties         map[string]resources.PropertySchema `yaml:"properties,omitempty"`
	Attributes         []string                             `yaml:"attributes,omitempty"`
	ReplaceCreateFirst bool                                 `yaml:"replace_create_first,omitempty"`
}

// LoadManifest reads and validates a plugin manifest from a YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.path = path

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if m.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	if len(m.ResourceTypes) == 0 {
		return fmt.Errorf("at least one resource type is required")
	}
	for name := range m.ResourceTypes {
		if name == "" {
			return fmt.Errorf("resource type names must be non-empty")
		}
	}
	return nil
}

// WasmPath returns the resolved path to the plugin's WASM module.
func (m *Manifest) WasmPath() string {
	if filepath.IsAbs(m.Entrypoint) {
		return m.Entrypoint
	}
	if m.path != "" {
		return filepath.Join(filepath.Dir(m.path), m.Entrypoint)
	}
	return m.Entrypoint
}

// VerifyChecksum checks the module bytes against the manifest checksum.
func (m *Manifest) VerifyChecksum(module []byte) error {
	sum := sha256.Sum256(module)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("checksum mismatch for %s: manifest has %s, module is %s",
			m.Name, m.Checksum, computed)
	}
	return nil
}

// Schema converts one manifest resource type into an engine schema.
func (m *Manifest) Schema(resourceType string) (*resources.Schema, error) {
	rt, ok := m.ResourceTypes[resourceType]
	if !ok {
		return nil, fmt.Errorf("resource type %s not in manifest %s", resourceType, m.Name)
	}
	return &resources.Schema{
		Type:               resourceType,
		Description:        rt.Description,
		Properties:         rt.Properties,
		Attributes:         rt.Attributes,
		ReplaceCreateFirst: rt.ReplaceCreateFirst,
	}, nil
}

// Metadata returns provider identity for the plugin.
func (m *Manifest) Metadata() resources.Metadata {
	return resources.Metadata{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Author:      m.Author,
	}
}
