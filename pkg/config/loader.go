package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Initialize loads, merges and validates configuration. path names the
// dipeo.yaml file; a missing file yields the built-in defaults.
//
// Steps performed:
//  1. Read the YAML file (optional)
//  2. Expand environment variables
//  3. Parse into the user config
//  4. Merge user config over defaults
//  5. Validate the result
func Initialize(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		slog.Info("No configuration file, using defaults", "path", path)
	case err != nil:
		return nil, NewLoadError(path, err)
	default:
		var user Config
		if err := yaml.Unmarshal(ExpandEnv(data), &user); err != nil {
			return nil, NewLoadError(path, fmt.Errorf("invalid YAML: %w", err))
		}
		if err := mergo.Merge(cfg, user, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	slog.Info("Configuration initialized",
		"database_path", cfg.State.DatabasePath,
		"max_parallel_nodes", cfg.Engine.MaxParallelNodes,
		"llm_provider", cfg.LLM.Provider)
	return cfg, nil
}
