package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Decode parses raw config bytes. ".yaml" and ".yml" files are read as YAML,
// anything else as JSON; both go through the same strict JSON decoder so an
// unknown key is an error in either format.
func Decode(path string, b []byte) (*Config, error) {
	jb := b
	if isYAML(path) {
		var err error
		if jb, err = yamlToJSON(b); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: trailing data after config", filepath.Base(path))
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		// an empty file is an empty config
		return []byte("{}"), nil
	}
	j, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return j, nil
}

// stringKeys rewrites map[any]any, which yaml produces for non-string keys
// such as `1:`, into something encoding/json accepts.
func stringKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = stringKeys(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []any:
		for i, e := range x {
			x[i] = stringKeys(e)
		}
		return x
	}
	return v
}

// fingerprint identifies the effective config (after env overrides), so a
// file rewrite that changes nothing is not republished.
func fingerprint(cfg *Config) [sha256.Size]byte {
	if cfg == nil {
		return [sha256.Size]byte{}
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return [sha256.Size]byte{}
	}
	return sha256.Sum256(b)
}
