package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxManifestBytes caps the size of a manifest document.
const MaxManifestBytes = 4 << 20

// format is the document syntax of a manifest.
type format int

const (
	formatAuto format = iota
	formatYAML
	formatJSON
)

func formatFor(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON
	case ".yaml", ".yml":
		return formatYAML
	default:
		return formatAuto
	}
}

// Load reads a scene manifest from path and returns it validated with
// defaults applied.
//
// .json files are JSON, .yaml and .yml files are YAML; anything else is
// tried as YAML, then JSON.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return LoadFromBytes(data, path)
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("manifest file not found: %s", path)
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("permission denied reading manifest: %s", path)
	default:
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
}

// LoadFromReader reads at most MaxManifestBytes from r and loads them like
// LoadFromBytes. path only selects the format.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// LoadFromBytes decodes data, validates the decoded document against the
// schema and then decodes it into a Manifest.
//
// The schema checks the document itself, so fields the Manifest struct does
// not know are rejected instead of dropped.
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("manifest file is empty")
	}
	if len(data) > MaxManifestBytes {
		return nil, fmt.Errorf("manifest exceeds %d bytes", MaxManifestBytes)
	}

	doc, err := decodeDocument(data, formatFor(path))
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(doc); err != nil {
		return nil, err
	}

	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	m.ApplyDefaults()

	if err := m.Check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// decodeDocument returns data as canonical JSON.
func decodeDocument(data []byte, f format) ([]byte, error) {
	switch f {
	case formatJSON:
		if !json.Valid(data) {
			var raw any
			err := json.Unmarshal(data, &raw)
			return nil, fmt.Errorf("invalid JSON in manifest: %w", err)
		}
		return data, nil
	case formatYAML:
		return yamlDocument(data)
	}

	doc, yamlErr := yamlDocument(data)
	if yamlErr == nil {
		return doc, nil
	}
	if json.Valid(data) {
		return data, nil
	}
	return nil, fmt.Errorf("failed to parse manifest (tried YAML and JSON): %w", yamlErr)
}

func yamlDocument(data []byte) ([]byte, error) {
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	doc, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("manifest is not representable as JSON: %w", err)
	}
	return doc, nil
}
