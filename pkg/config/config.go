// Package config provides configuration loading and management for dwirecon.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumThreads specifies how many CPU threads to use for parallel processing
		NumThreads int `yaml:"numThreads"`

		// BZeroThreshold is the b-value (s/mm²) at or below which a shell
		// is treated as b=0
		BZeroThreshold float64 `yaml:"bZeroThreshold"`

		// ShellGapTolerance is the minimum b-value gap (s/mm²) that separates
		// two shells during shell clustering
		ShellGapTolerance float64 `yaml:"shellGapTolerance"`
	} `yaml:"processing"`

	// Recombination parameters
	Recombination struct {
		// ClampedWeights switches the empirical blend weight from the legacy
		// max(1, J) form to the clamped min(1, J) form
		ClampedWeights bool `yaml:"clampedWeights"`

		// PairingDotThreshold is the minimum |g1·g2| for two unit gradient
		// directions to count as equivalent sensitisation
		PairingDotThreshold float64 `yaml:"pairingDotThreshold"`
	} `yaml:"recombination"`

	// Output parameters
	Output struct {
		// GzipLevel is the compression level used when writing .mif.gz images
		GzipLevel int `yaml:"gzipLevel"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumThreads = runtime.NumCPU() // Use all available threads by default
	cfg.Processing.BZeroThreshold = 10.0
	cfg.Processing.ShellGapTolerance = 80.0

	// Set default recombination parameters
	cfg.Recombination.ClampedWeights = false
	cfg.Recombination.PairingDotThreshold = 0.999

	// Set default output parameters
	cfg.Output.GzipLevel = 6
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
