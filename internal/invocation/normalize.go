package invocation

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/szaher/agentfront/internal/engine"
	"github.com/szaher/agentfront/internal/llm"
)

// ErrMalformedEngineResponse is returned when the engine yields no messages.
var ErrMalformedEngineResponse = errors.New("malformed engine response")

// BuildConfig assembles the engine configuration for a resolved identity.
// The actor and the user are the same principal.
func BuildConfig(userID, sessionID string) engine.Config {
	return engine.Config{
		ThreadID: sessionID,
		ActorID:  userID,
		UserID:   userID,
	}
}

// Content holds the content blocks of the final assistant message. A reply
// made of exactly one text block is encoded as a plain JSON string; any
// other reply is encoded as an array of blocks.
type Content []llm.ContentBlock

// Text concatenates the text blocks.
func (c Content) Text() string {
	return llm.Message{Content: c}.Text()
}

// MarshalJSON implements json.Marshaler.
func (c Content) MarshalJSON() ([]byte, error) {
	if len(c) == 1 && c[0].Type == llm.BlockText {
		return json.Marshal(c[0].Text)
	}
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]llm.ContentBlock(c))
}

// UnmarshalJSON accepts both encodings produced by MarshalJSON.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{llm.TextBlock(s)}
		return nil
	}
	var blocks []llm.ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	*c = blocks
	return nil
}

// Result is the outbound response body.
type Result struct {
	Content   Content `json:"content"`
	SessionID string  `json:"session_id"`
}

// Normalize packages the last message of the engine's output with the
// session id.
func Normalize(messages []llm.Message, sessionID string) (*Result, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: engine returned no messages", ErrMalformedEngineResponse)
	}
	last := messages[len(messages)-1]
	content := make(Content, len(last.Content))
	copy(content, last.Content)
	return &Result{Content: content, SessionID: sessionID}, nil
}
