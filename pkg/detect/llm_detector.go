package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Assassin-1234/clawtrial/pkg/contracts"
	"github.com/Assassin-1234/clawtrial/pkg/llm"
)

// LLMDetector asks a chat model to classify the window against the offense
// catalog.
type LLMDetector struct {
	client  llm.Client
	options llm.SamplingOptions
}

func NewLLMDetector(client llm.Client) *LLMDetector {
	return &LLMDetector{
		client:  client,
		options: llm.SamplingOptions{Temperature: 0, JSON: true, MaxTokens: 300},
	}
}

var detectionSchema = llm.MustCompileSchema("detection", `{
  "type": "object",
  "required": ["triggered"],
  "properties": {
    "triggered": {"type": "boolean"},
    "offense": {"type": "string"},
    "confidence": {"type": "number"},
    "evidence": {"type": "array", "items": {"type": "string"}}
  }
}`)

type detectionReply struct {
	Triggered  bool     `json:"triggered"`
	Offense    string   `json:"offense"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

func (d *LLMDetector) Evaluate(ctx context.Context, turns []contracts.Turn, memory Memory) (contracts.Detection, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: detectorPrompt()},
		{Role: llm.RoleUser, Content: transcript(turns, memory)},
	}

	resp, err := d.client.Chat(ctx, msgs, &d.options)
	if err != nil {
		return contracts.Detection{}, fmt.Errorf("llm detector: %w", err)
	}

	var reply detectionReply
	if err := detectionSchema.Decode(resp.Content, &reply); err != nil {
		return contracts.Detection{}, err
	}
	if reply.Triggered {
		if _, ok := contracts.LookupOffense(reply.Offense); !ok {
			return contracts.Detection{}, fmt.Errorf("llm detector: unknown offense %q", reply.Offense)
		}
	}

	return contracts.Detection{
		Triggered:  reply.Triggered,
		Offense:    reply.Offense,
		Confidence: reply.Confidence,
		Evidence:   reply.Evidence,
	}, nil
}

func detectorPrompt() string {
	var b strings.Builder
	b.WriteString("You watch a conversation between a user and an AI assistant for behavioral offenses by the assistant's user.\n")
	b.WriteString("Offenses:\n")
	for _, o := range contracts.Offenses() {
		fmt.Fprintf(&b, "- %s: %s\n", o.Name, o.Description)
	}
	b.WriteString(`Reply with one JSON object: {"triggered": bool, "offense": string, "confidence": number between 0 and 1, "evidence": [short quotes]}.`)
	return b.String()
}

func transcript(turns []contracts.Turn, memory Memory) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s: %s\n", t.Timestamp.UTC().Format("15:04:05"), t.Role, t.Content)
	}
	if len(memory) > 0 {
		if raw, err := json.Marshal(memory); err == nil {
			fmt.Fprintf(&b, "\nAgent memory: %s\n", raw)
		}
	}
	return b.String()
}
