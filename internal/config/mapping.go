package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Mappings holds the static lookup tables that drive reconciliation.
type Mappings struct {
	// Org maps a Sophos tenant name to an Autotask company id.
	Org map[string]int64
	// UpDown maps an up-event type to the down-event type it resolves.
	UpDown map[string]string
}

// LoadMappings reads both tables. JSON files are accepted since YAML is a superset.
// A missing up/down file yields an empty table; a missing org file is an error.
func LoadMappings(cfg MappingConfig) (*Mappings, error) {
	m := &Mappings{Org: map[string]int64{}, UpDown: map[string]string{}}

	if err := readTable(cfg.OrgMappingPath, &m.Org, true); err != nil {
		return nil, fmt.Errorf("org mapping: %w", err)
	}
	if err := readTable(cfg.UpDownEventsPath, &m.UpDown, false); err != nil {
		return nil, fmt.Errorf("up/down events: %w", err)
	}
	return m, nil
}

func readTable(path string, out any, required bool) error {
	if path == "" {
		if required {
			return fmt.Errorf("path not configured")
		}
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
