package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"registryd/services/registry"
)

// SourcesFile is the YAML document that seeds registry sources.
type SourcesFile struct {
	Sources []SourceEntry `yaml:"sources"`
}

// SourceEntry is one source in the sources file.
type SourceEntry struct {
	Network   string `yaml:"network"`
	PolicyID  string `yaml:"policy_id"`
	APIKey    string `yaml:"api_key"`
	APIKeyEnv string `yaml:"api_key_env"`
	Note      string `yaml:"note"`
}

// LoadSources reads the sources file at path. An empty path yields no
// sources. Entries that fail validation are returned as problems and left
// out of the result.
func LoadSources(path string) ([]registry.SourceSpec, []error, error) {
	if path == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(data, os.LookupEnv)
}

// ParseSources decodes a sources document. lookupEnv resolves api_key_env.
func ParseSources(data []byte, lookupEnv func(string) (string, bool)) ([]registry.SourceSpec, []error, error) {
	var file SourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("decode sources file: %w", err)
	}

	type key struct {
		network  registry.Network
		policyID string
	}
	seen := make(map[key]bool, len(file.Sources))

	var specs []registry.SourceSpec
	var problems []error
	for i, entry := range file.Sources {
		spec, err := entry.spec(lookupEnv)
		if err != nil {
			problems = append(problems, fmt.Errorf("sources[%d]: %w", i, err))
			continue
		}
		k := key{spec.Network, spec.PolicyID}
		if seen[k] {
			problems = append(problems, fmt.Errorf("sources[%d]: duplicate %s policy %s", i, spec.Network, spec.PolicyID))
			continue
		}
		seen[k] = true
		specs = append(specs, spec)
	}
	return specs, problems, nil
}

func (e SourceEntry) spec(lookupEnv func(string) (string, bool)) (registry.SourceSpec, error) {
	network, err := registry.ParseNetwork(e.Network)
	if err != nil {
		return registry.SourceSpec{}, err
	}
	policyID := strings.ToLower(strings.TrimSpace(e.PolicyID))
	if !registry.ValidPolicyID(policyID) {
		return registry.SourceSpec{}, fmt.Errorf("invalid policy id %q", e.PolicyID)
	}

	apiKey := strings.TrimSpace(e.APIKey)
	if e.APIKeyEnv != "" {
		if apiKey != "" {
			return registry.SourceSpec{}, errors.New("api_key and api_key_env are mutually exclusive")
		}
		v, ok := lookupEnv(e.APIKeyEnv)
		if !ok || strings.TrimSpace(v) == "" {
			return registry.SourceSpec{}, fmt.Errorf("environment variable %s is not set", e.APIKeyEnv)
		}
		apiKey = strings.TrimSpace(v)
	}
	if apiKey == "" {
		return registry.SourceSpec{}, errors.New("api key is required")
	}

	return registry.SourceSpec{
		Network:  network,
		PolicyID: policyID,
		APIKey:   apiKey,
		Note:     strings.TrimSpace(e.Note),
	}, nil
}
