// Package llm is a minimal chat-completion client used by the LLM-backed
// judge and detector.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	Seed        int64   `json:"seed"`
	MaxTokens   int     `json:"max_tokens"`
	// JSON asks the model for a single JSON object.
	JSON bool `json:"json"`
}

type Response struct {
	Content string `json:"content"`
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)

func (f ClientFunc) Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error) {
	return f(ctx, messages, options)
}

// DecodeJSON unmarshals a model reply into v, tolerating a surrounding
// markdown code fence.
func DecodeJSON(content string, v any) error {
	if err := json.Unmarshal([]byte(stripFence(content)), v); err != nil {
		return fmt.Errorf("llm: decode reply: %w", err)
	}
	return nil
}

func stripFence(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
