package plan

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/teranos/stagee/errors"
)

// Decode parses a JSON plan strictly: unknown fields are a validation error.
func Decode(data []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, errors.NewValidationError("plan is not valid JSON: %v", err)
	}
	return &p, nil
}

// DecodeSnapshot decodes a stored canonical snapshot. Snapshots were
// validated before they were persisted, so a failure here is corruption.
func DecodeSnapshot(snapshot string) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal([]byte(snapshot), &p); err != nil {
		return nil, errors.Wrap(err, "stored plan snapshot is corrupt")
	}
	return &p, nil
}

// ParseFile reads a plan from a .json, .yaml/.yml or .toml file.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read plan file %s", path)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return Decode(data)
	case ".yaml", ".yml":
		var p Plan
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, errors.NewValidationError("plan file %s is not valid YAML: %v", path, err)
		}
		return &p, nil
	case ".toml":
		var p Plan
		md, err := toml.Decode(string(data), &p)
		if err != nil {
			return nil, errors.NewValidationError("plan file %s is not valid TOML: %v", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.NewValidationError("plan file %s has unknown keys: %v", path, undecoded)
		}
		return &p, nil
	default:
		return nil, errors.NewValidationError("unsupported plan file extension %q", ext)
	}
}
