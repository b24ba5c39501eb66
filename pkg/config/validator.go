package config

import (
	"fmt"
)

// validate checks the merged configuration for values the runtime cannot
// work with.
func validate(cfg *Config) error {
	if cfg.Engine.MaxParallelNodes < 1 {
		return NewValidationError("engine", "max_parallel_nodes",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if cfg.Engine.NodeTimeout <= 0 {
		return NewValidationError("engine", "node_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Engine.CancelGrace <= 0 {
		return NewValidationError("engine", "cancel_grace",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if cfg.Engine.DefaultMaxIterations < 1 {
		return NewValidationError("engine", "default_max_iterations",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if cfg.State.DatabasePath == "" {
		return NewValidationError("state", "database_path",
			fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	if cfg.State.MaxInlineBytes < 1 {
		return NewValidationError("state", "max_inline_bytes",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if cfg.Conversation.MaxMessagesPerPerson < 1 {
		return NewValidationError("conversation", "max_messages_per_person",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if cfg.Events.ProgressBufferSize < 1 {
		return NewValidationError("events", "progress_buffer_size",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if cfg.LLM.Provider == "" {
		return NewValidationError("llm", "provider",
			fmt.Errorf("%w: must not be empty", ErrInvalidValue))
	}
	return nil
}
