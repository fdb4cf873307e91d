package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// probeTimeout caps a single contradiction check. The probe is the main
// blocking call on the chat-turn path, so it fails fast.
const probeTimeout = 15 * time.Second

const probeSystemPrompt = `You are a contradiction detector for a personal memory system. You receive a DRAFT reply a model wants to send, and a FACT the system has recorded as true. Decide whether the draft contradicts the fact.

RULES:
- A draft that states a different value for the same attribute contradicts the fact.
- A draft that claims not to know ("I don't know", "I'm not sure") contradicts a fact the system holds with high durability.
- A draft that simply does not mention the fact does NOT contradict it.
- Paraphrases and formatting differences are NOT contradictions.

Return ONLY a JSON object: {"contradicts": true|false, "reason": "one sentence"}`

// ProbeResult is the strict contract of the contradiction probe.
type ProbeResult struct {
	Contradicts bool   `json:"contradicts"`
	Reason      string `json:"reason"`
}

// CheckContradiction asks the provider whether draft contradicts the stated
// fact. Any transport or parse failure is returned to the caller, which is
// expected to fall back to its structural check.
func CheckContradiction(ctx context.Context, provider Provider, draft, factStatement string) (*ProbeResult, error) {
	if provider == nil {
		return nil, fmt.Errorf("no provider configured")
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	prompt := fmt.Sprintf("DRAFT:\n%s\n\nFACT:\n%s", draft, factStatement)
	raw, err := provider.Complete(ctx, prompt, CompletionOpts{
		System:      probeSystemPrompt,
		Temperature: TemperatureProtection,
		Format:      "json",
		MaxTokens:   200,
	})
	if err != nil {
		return nil, fmt.Errorf("contradiction probe: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal([]byte(extractJSON(raw)), &result); err != nil {
		return nil, fmt.Errorf("parsing probe response %q: %w", truncate(raw, 120), err)
	}
	return &result, nil
}

// extractJSON pulls the first {...} block out of a response, tolerating
// markdown fences some models wrap around JSON output.
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
