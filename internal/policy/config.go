package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// policyFile is the on-disk shape of configs/billing-policy.yaml.
type policyFile struct {
	Version         string `yaml:"version"`
	GracePeriodDays int    `yaml:"grace_period_days"`
	MaxRetries      int    `yaml:"max_retries"`
	Description     string `yaml:"description,omitempty"`
}

// Default returns the built-in policy: a 7-day grace window and 3
// advisory retries.
func Default() Policy {
	return Policy{
		GracePeriodDays: 7,
		MaxRetries:      3,
	}
}

// Load reads billing-policy.yaml from configDir. Callers are expected
// to fall back to Default() when the file is absent or malformed.
func Load(configDir string) (Policy, error) {
	configFile := filepath.Join(configDir, "billing-policy.yaml")
	data, err := os.ReadFile(configFile)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("failed to parse policy YAML: %w", err)
	}

	if file.GracePeriodDays <= 0 {
		return Policy{}, fmt.Errorf("grace_period_days must be positive, got %d", file.GracePeriodDays)
	}
	if file.MaxRetries <= 0 {
		return Policy{}, fmt.Errorf("max_retries must be positive, got %d", file.MaxRetries)
	}

	return Policy{
		GracePeriodDays: file.GracePeriodDays,
		MaxRetries:      file.MaxRetries,
	}, nil
}
