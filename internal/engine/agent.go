package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/szaher/agentfront/internal/checkpoint"
	"github.com/szaher/agentfront/internal/llm"
)

const defaultMaxTokens = 4096

// Agent is the production Engine: one model call per invocation, with
// thread history restored from and committed to a checkpoint.Saver.
type Agent struct {
	client      llm.Client
	saver       checkpoint.Saver
	model       string
	system      string
	maxTokens   int
	temperature *float64
	tokenBudget int
	window      int
	logger      zerolog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSystemPrompt sets the system prompt sent with every call.
func WithSystemPrompt(system string) AgentOption {
	return func(a *Agent) { a.system = system }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) AgentOption {
	return func(a *Agent) { a.temperature = &t }
}

// WithTokenBudget caps the total tokens a single thread may consume.
// Zero means unlimited.
func WithTokenBudget(n int) AgentOption {
	return func(a *Agent) { a.tokenBudget = n }
}

// WithHistoryWindow limits how many of the most recent turns are replayed
// to the model. Zero replays the whole thread.
func WithHistoryWindow(turns int) AgentOption {
	return func(a *Agent) { a.window = turns }
}

// WithLogger sets the agent logger.
func WithLogger(l zerolog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates an Agent that talks to model through client.
func NewAgent(client llm.Client, saver checkpoint.Saver, model string, opts ...AgentOption) *Agent {
	a := &Agent{
		client:    client,
		saver:     saver,
		model:     model,
		maxTokens: defaultMaxTokens,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Invoke restores the thread, asks the model for a reply and commits the new
// turn. Nothing is written if the model call fails or ctx ends first.
func (a *Agent) Invoke(ctx context.Context, messages []llm.Message, cfg Config) ([]llm.Message, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.New("engine: no input messages")
	}

	st, err := a.saver.Load(ctx, cfg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("engine: restore thread %q: %w", cfg.ThreadID, err)
	}

	tracker := llm.NewTokenTracker(a.tokenBudget)
	tracker.Add(st.Usage)
	if err := tracker.CheckBudget(a.maxTokens); err != nil {
		return nil, fmt.Errorf("engine: thread %q: %w", cfg.ThreadID, err)
	}

	history := st.Messages()
	prompt := append(a.windowed(st), messages...)

	resp, err := a.client.Chat(ctx, llm.ChatRequest{
		Model:       a.model,
		Messages:    prompt,
		System:      a.system,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: model call: %w", err)
	}
	tracker.Add(resp.Usage)
	reply := resp.Message()

	// Every new message but the last becomes its own input-only turn so the
	// stored order matches what the model saw.
	for _, m := range messages[:len(messages)-1] {
		st.Append(checkpoint.Turn{Input: m, ActorID: cfg.ActorID, UserID: cfg.UserID})
	}
	st.Append(checkpoint.Turn{
		Input:   messages[len(messages)-1],
		Output:  []llm.Message{reply},
		ActorID: cfg.ActorID,
		UserID:  cfg.UserID,
	})
	st.Usage = tracker.Usage()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine: commit thread %q: %w", cfg.ThreadID, err)
	}
	if err := a.saver.Save(ctx, st); err != nil {
		return nil, fmt.Errorf("engine: commit thread %q: %w", cfg.ThreadID, err)
	}

	a.logger.Debug().
		Str("thread_id", cfg.ThreadID).
		Int("turns", len(st.Turns)).
		Int("input_tokens", resp.Usage.InputTokens).
		Int("output_tokens", resp.Usage.OutputTokens).
		Str("stop_reason", string(resp.StopReason)).
		Msg("turn committed")

	out := make([]llm.Message, 0, len(history)+len(messages)+1)
	out = append(out, history...)
	out = append(out, messages...)
	out = append(out, reply)
	return out, nil
}

func (a *Agent) windowed(st *checkpoint.State) []llm.Message {
	if a.window <= 0 || len(st.Turns) <= a.window {
		return st.Messages()
	}
	recent := &checkpoint.State{Turns: st.Turns[len(st.Turns)-a.window:]}
	return recent.Messages()
}
