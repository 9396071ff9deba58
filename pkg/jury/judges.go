package jury

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/Assassin-1234/clawtrial/pkg/config"
	"github.com/Assassin-1234/clawtrial/pkg/contracts"
	"github.com/Assassin-1234/clawtrial/pkg/llm"
)

// ThresholdJudge votes guilty when the detection confidence reaches the
// juror's persona threshold. It needs no external service.
type ThresholdJudge struct {
	MaxCommentary int
}

func (t ThresholdJudge) Deliberate(ctx context.Context, j Juror, d contracts.Detection) (Opinion, error) {
	if err := ctx.Err(); err != nil {
		return Opinion{}, err
	}

	margin := d.Confidence - j.Threshold
	op := Opinion{Confidence: math.Min(1, 0.5+math.Abs(margin))}
	if margin >= 0 {
		op.Vote = contracts.VoteGuilty
		op.Reasoning = fmt.Sprintf("As %s, I find the %s evidence persuasive at %.0f%% confidence.", j.Persona, d.Offense, d.Confidence*100)
	} else {
		op.Vote = contracts.VoteNotGuilty
		op.Reasoning = fmt.Sprintf("As %s, %.0f%% confidence of %s does not clear my bar.", j.Persona, d.Confidence*100, d.Offense)
	}
	op.Reasoning = truncate(op.Reasoning, t.MaxCommentary)
	return op, nil
}

// LLMJudge asks a chat model to deliberate in the juror's persona.
type LLMJudge struct {
	client llm.Client
	humor  config.HumorConfig
}

func NewLLMJudge(client llm.Client, humor config.HumorConfig) *LLMJudge {
	return &LLMJudge{client: client, humor: humor}
}

var opinionSchema = llm.MustCompileSchema("opinion", `{
  "type": "object",
  "required": ["vote"],
  "properties": {
    "vote": {"type": "string"},
    "confidence": {"type": "number"},
    "reasoning": {"type": "string"}
  }
}`)

type opinionReply struct {
	Vote       string  `json:"vote"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

func (l *LLMJudge) Deliberate(ctx context.Context, j Juror, d contracts.Detection) (Opinion, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: l.systemPrompt(j)},
		{Role: llm.RoleUser, Content: casePrompt(d)},
	}

	resp, err := l.client.Chat(ctx, msgs, &llm.SamplingOptions{Temperature: 0.7, JSON: true, MaxTokens: 300})
	if err != nil {
		return Opinion{}, fmt.Errorf("llm judge: %w", err)
	}

	var reply opinionReply
	if err := opinionSchema.Decode(resp.Content, &reply); err != nil {
		return Opinion{}, err
	}

	op := Opinion{
		Vote:       contracts.Vote(strings.ToLower(strings.TrimSpace(reply.Vote))),
		Confidence: reply.Confidence,
		Reasoning:  reply.Reasoning,
	}
	if l.humor.MaxCommentaryLength > 0 {
		op.Reasoning = truncate(op.Reasoning, l.humor.MaxCommentaryLength)
	}
	return op, nil
}

func (l *LLMJudge) systemPrompt(j Juror) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a juror in a mock courtroom for AI agent conversations. You are %s.\n", j.Persona)
	if l.humor.Enabled {
		fmt.Fprintf(&b, "Write your reasoning with dry wit (level %.1f of 1).\n", l.humor.DryWitLevel)
	}
	if l.humor.MaxCommentaryLength > 0 {
		fmt.Fprintf(&b, "Keep reasoning under %d characters.\n", l.humor.MaxCommentaryLength)
	}
	b.WriteString(`Reply with one JSON object: {"vote": "guilty" | "not_guilty" | "abstain", "confidence": number between 0 and 1, "reasoning": string}.`)
	return b.String()
}

func casePrompt(d contracts.Detection) string {
	var b strings.Builder
	desc := d.Offense
	if o, ok := contracts.LookupOffense(d.Offense); ok {
		desc = fmt.Sprintf("%s (%s)", o.Name, o.Description)
	}
	fmt.Fprintf(&b, "Charge: %s\nDetector confidence: %.2f\n", desc, d.Confidence)
	for _, e := range d.Evidence {
		fmt.Fprintf(&b, "Evidence: %q\n", e)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
