package alarm

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// definition mirrors one alarm entry in the YAML definition document.
// Pointer fields distinguish "absent" from zero values so that incomplete
// entries are rejected instead of silently defaulting.
type definition struct {
	Set      *int64 `yaml:"set"`
	Reset    *int64 `yaml:"reset"`
	Severity *int   `yaml:"severity"`
	Meas     string `yaml:"meas"`
}

// LoadDefinitions reads and parses the alarm definition document at path.
// Any error is fatal to startup; there is no partial load.
func LoadDefinitions(path string) ([]Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("alarm: read definitions: %w", err)
	}
	return ParseDefinitions(raw)
}

// ParseDefinitions parses a definition document: a two-level YAML mapping of
// area to alarm name to definition. The fully qualified name of each alarm
// is "<area>/<alarm_name>" and must be unique across the whole document.
//
// The numeric severity field encodes Low=0, Medium=1, High=2. The returned
// configs are sorted by name so startup order is deterministic.
func ParseDefinitions(raw []byte) ([]Config, error) {
	var doc map[string]map[string]definition
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("alarm: parse definitions: %w", err)
	}

	configs := make([]Config, 0, len(doc))
	seen := make(map[string]struct{})
	for area, alarms := range doc {
		for name, def := range alarms {
			fqn := area + "/" + name
			cfg, err := def.toConfig(fqn)
			if err != nil {
				return nil, err
			}
			// YAML rejects duplicate keys within one mapping, but areas
			// containing "/" can still collide after qualification.
			if _, dup := seen[fqn]; dup {
				return nil, fmt.Errorf("alarm: duplicate alarm name %q", fqn)
			}
			seen[fqn] = struct{}{}
			configs = append(configs, cfg)
		}
	}

	sort.Slice(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

func (d definition) toConfig(fqn string) (Config, error) {
	if d.Set == nil || d.Reset == nil || d.Severity == nil || d.Meas == "" {
		return Config{}, fmt.Errorf("alarm: %q: set, reset, severity and meas are all required", fqn)
	}
	if *d.Set == *d.Reset {
		return Config{}, fmt.Errorf("alarm: %q: set and reset values must differ", fqn)
	}
	sev, err := severityFromLevel(*d.Severity)
	if err != nil {
		return Config{}, fmt.Errorf("alarm: %q: %w", fqn, err)
	}
	return Config{
		Name:        fqn,
		Measurement: d.Meas,
		SetValue:    *d.Set,
		ResetValue:  *d.Reset,
		Severity:    sev,
	}, nil
}

// severityFromLevel maps the numeric severity of the definition document
// onto a Severity.
func severityFromLevel(level int) (Severity, error) {
	switch level {
	case 0:
		return SeverityLow, nil
	case 1:
		return SeverityMedium, nil
	case 2:
		return SeverityHigh, nil
	default:
		return "", fmt.Errorf("severity must be 0, 1 or 2, got %d", level)
	}
}
