// Package config loads and validates the dipeo.yaml configuration.
package config

import (
	"time"
)

// Config is the fully merged, validated runtime configuration.
type Config struct {
	Engine       EngineConfig       `yaml:"engine"`
	State        StateConfig        `yaml:"state"`
	Conversation ConversationConfig `yaml:"conversation"`
	Events       EventsConfig       `yaml:"events"`
	Files        FilesConfig        `yaml:"files"`
	LLM          LLMConfig          `yaml:"llm"`
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	MaxParallelNodes     int           `yaml:"max_parallel_nodes"`
	NodeTimeout          time.Duration `yaml:"node_timeout"`
	ExecutionTimeout     time.Duration `yaml:"execution_timeout"`
	CancelGrace          time.Duration `yaml:"cancel_grace"`
	DefaultMaxIterations int           `yaml:"default_max_iterations"`
}

// StateConfig tunes the execution state registry.
type StateConfig struct {
	DatabasePath    string        `yaml:"database_path"`
	MaxInlineBytes  int           `yaml:"max_inline_bytes"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ConversationConfig tunes per-person message logs.
type ConversationConfig struct {
	MaxMessagesPerPerson int    `yaml:"max_messages_per_person"`
	LogDir               string `yaml:"log_dir"`
}

// EventsConfig tunes the streaming observer.
type EventsConfig struct {
	ProgressBufferSize int `yaml:"progress_buffer_size"`
}

// FilesConfig scopes the file port.
type FilesConfig struct {
	BaseDir string `yaml:"base_dir"`
}

// LLMConfig selects the default LLM backend. APIKeyEnv names the environment
// variable holding the key; the key itself never lives in YAML.
type LLMConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
}
