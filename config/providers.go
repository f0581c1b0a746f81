package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderDefaults holds the sizing applied to signals of one provider.
type ProviderDefaults struct {
	Name     string  `yaml:"name"`
	Risk     float64 `yaml:"risk"`
	Leverage int     `yaml:"leverage"`
}

// ProvidersFile is the top-level YAML structure.
type ProvidersFile struct {
	Providers []ProviderDefaults `yaml:"providers"`
}

// LoadProviders reads per-provider defaults from a YAML file, keyed by
// lowercased provider name.
func LoadProviders(path string) (map[string]ProviderDefaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseProviders(data)
}

func parseProviders(data []byte) (map[string]ProviderDefaults, error) {
	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	out := make(map[string]ProviderDefaults, len(file.Providers))
	for _, p := range file.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, fmt.Errorf("provider entry without a name")
		}
		if p.Risk < 0 || p.Risk >= 1 {
			return nil, fmt.Errorf("provider %s: risk %.4g outside [0, 1)", name, p.Risk)
		}
		if p.Leverage < 0 || p.Leverage > 125 {
			return nil, fmt.Errorf("provider %s: leverage %d outside [0, 125]", name, p.Leverage)
		}
		p.Name = name
		out[name] = p
	}
	return out, nil
}
