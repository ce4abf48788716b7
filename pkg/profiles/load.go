package profiles

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadProfile reads a single profile from a JSON or YAML file, chosen
// by extension. Unknown fields are ignored so profile files can carry
// annotations for other tools.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile file: %w", err)
	}
	var p Profile
	if err := unmarshalByExt(path, data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}
	return &p, nil
}

// LoadTiers reads tier presets from a JSON or YAML file. The file holds
// a list of tiers; every tier must be named.
func LoadTiers(path string) ([]Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiers file: %w", err)
	}
	var tiers []Tier
	if err := unmarshalByExt(path, data, &tiers); err != nil {
		return nil, fmt.Errorf("failed to parse tiers %s: %w", path, err)
	}
	for i, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("tiers %s: entry %d has no name", path, i)
		}
	}
	return tiers, nil
}

func unmarshalByExt(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, v)
	case ".json":
		return json.Unmarshal(data, v)
	default:
		return fmt.Errorf("unsupported profile format %q (want .json, .yaml, or .yml)", filepath.Ext(path))
	}
}
