// Package engine defines the reasoning engine capability and its production
// implementation backed by an LLM client and a checkpoint saver.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/szaher/agentfront/internal/llm"
)

// ErrInvalidConfig is returned when an invocation configuration is missing
// one of its identity fields.
var ErrInvalidConfig = errors.New("invalid invocation configuration")

// Config is the identity and session context handed to an engine.
type Config struct {
	ThreadID string `json:"thread_id"`
	ActorID  string `json:"actor_id"`
	UserID   string `json:"user_id"`
}

// Map returns the configuration as a flat map. encoding/json sorts map keys,
// so equal configurations always marshal to identical bytes.
func (c Config) Map() map[string]string {
	return map[string]string{
		"thread_id": c.ThreadID,
		"actor_id":  c.ActorID,
		"user_id":   c.UserID,
	}
}

// Validate reports whether every field is set.
func (c Config) Validate() error {
	switch {
	case c.ThreadID == "":
		return fmt.Errorf("%w: thread_id is empty", ErrInvalidConfig)
	case c.ActorID == "":
		return fmt.Errorf("%w: actor_id is empty", ErrInvalidConfig)
	case c.UserID == "":
		return fmt.Errorf("%w: user_id is empty", ErrInvalidConfig)
	}
	return nil
}

// Engine accepts new messages for a thread and returns the resulting
// ordered message sequence. Implementations restore and persist thread
// history themselves, keyed by cfg.ThreadID.
type Engine interface {
	Invoke(ctx context.Context, messages []llm.Message, cfg Config) ([]llm.Message, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, messages []llm.Message, cfg Config) ([]llm.Message, error)

// Invoke calls f.
func (f EngineFunc) Invoke(ctx context.Context, messages []llm.Message, cfg Config) ([]llm.Message, error) {
	return f(ctx, messages, cfg)
}
