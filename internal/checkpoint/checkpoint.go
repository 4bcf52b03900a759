// Package checkpoint provides the durable, thread-keyed conversation store
// consumed by the reasoning engine.
package checkpoint

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/szaher/agentfront/internal/llm"
)

// ErrConflict is returned by Save when the stored version no longer matches
// the version the state was loaded at.
var ErrConflict = errors.New("checkpoint version conflict")

// ErrEmptyThreadID is returned for operations addressed to an empty thread id.
var ErrEmptyThreadID = errors.New("empty thread id")

// Turn is one request/response pair within a thread.
type Turn struct {
	ID        string        `json:"id" cbor:"id"`
	Input     llm.Message   `json:"input" cbor:"input"`
	Output    []llm.Message `json:"output" cbor:"output"`
	ActorID   string        `json:"actor_id" cbor:"actor_id"`
	UserID    string        `json:"user_id" cbor:"user_id"`
	CreatedAt time.Time     `json:"created_at" cbor:"created_at"`
}

// State is the conversation state of a single thread.
//
// Version is the store's optimistic concurrency token. A freshly loaded
// unknown thread has Version 0 and no turns.
type State struct {
	ThreadID  string         `json:"thread_id" cbor:"thread_id"`
	Version   int64          `json:"version" cbor:"version"`
	Turns     []Turn         `json:"turns" cbor:"turns"`
	Usage     llm.TokenUsage `json:"usage" cbor:"usage"`
	UpdatedAt time.Time      `json:"updated_at" cbor:"updated_at"`
}

// NewState returns the empty state of a thread that has no history.
func NewState(threadID string) *State {
	return &State{ThreadID: threadID, Turns: []Turn{}}
}

// Messages flattens the turns into conversation order.
func (s *State) Messages() []llm.Message {
	var out []llm.Message
	for _, t := range s.Turns {
		out = append(out, t.Input)
		out = append(out, t.Output...)
	}
	return out
}

// Append adds a turn and returns it.
func (s *State) Append(t Turn) Turn {
	if t.ID == "" {
		t.ID = NewTurnID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.Turns = append(s.Turns, t)
	return t
}

// Clone returns a deep copy of the turn list so callers can mutate the
// result without touching a backend's cached copy.
func (s *State) Clone() *State {
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		t.Output = append([]llm.Message(nil), t.Output...)
		c.Turns[i] = t
	}
	return &c
}

// NewTurnID returns a lexically sortable unique turn id.
func NewTurnID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Saver is the keyed checkpoint capability.
type Saver interface {
	// Load returns the state for threadID. An unknown thread yields an empty
	// state with Version 0, never an error.
	Load(ctx context.Context, threadID string) (*State, error)

	// Save commits state if the stored version still equals state.Version,
	// then advances state.Version. A mismatch returns ErrConflict.
	Save(ctx context.Context, state *State) error

	// Delete removes all checkpoints for threadID.
	Delete(ctx context.Context, threadID string) error
}

// Expirer is implemented by savers that support retention.
type Expirer interface {
	// DeleteBefore removes threads not updated since cutoff and reports how
	// many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// trimTurns keeps the most recent max turns. max <= 0 keeps everything.
func trimTurns(turns []Turn, max int) []Turn {
	if max <= 0 || len(turns) <= max {
		return turns
	}
	return turns[len(turns)-max:]
}
