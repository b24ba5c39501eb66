package config

import (
	"time"
)

// Defaults returns the built-in configuration. User YAML is merged on top.
func Defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxParallelNodes:     10,
			NodeTimeout:          60 * time.Second,
			ExecutionTimeout:     time.Hour,
			CancelGrace:          2 * time.Second,
			DefaultMaxIterations: 100,
		},
		State: StateConfig{
			DatabasePath:    "data/dipeo.db",
			MaxInlineBytes:  64 * 1024,
			Retention:       30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Conversation: ConversationConfig{
			MaxMessagesPerPerson: 100,
			LogDir:               "data/conversations",
		},
		Events: EventsConfig{
			ProgressBufferSize: 256,
		},
		Files: FilesConfig{
			BaseDir: "data/files",
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
			Timeout:   120 * time.Second,
		},
	}
}
