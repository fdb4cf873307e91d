package llm

import (
	"context"
	"errors"
	"testing"
)

type scriptedProvider struct {
	response string
	err      error
	prompts  []string
}

func (s *scriptedProvider) Complete(_ context.Context, prompt string, _ CompletionOpts) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.response, s.err
}

func (s *scriptedProvider) Name() string { return "scripted" }

func TestCheckContradictionParsesVerdict(t *testing.T) {
	p := &scriptedProvider{response: `{"contradicts": true, "reason": "age differs"}`}
	res, err := CheckContradiction(context.Background(), p, "You are 25.", "identity age: 30")
	if err != nil {
		t.Fatalf("probing: %v", err)
	}
	if !res.Contradicts || res.Reason != "age differs" {
		t.Errorf("result = %+v", res)
	}
	if len(p.prompts) != 1 {
		t.Fatalf("provider called %d times", len(p.prompts))
	}
}

func TestCheckContradictionToleratesFencedJSON(t *testing.T) {
	p := &scriptedProvider{response: "```json\n{\"contradicts\": false, \"reason\": \"\"}\n```"}
	res, err := CheckContradiction(context.Background(), p, "draft", "fact")
	if err != nil {
		t.Fatalf("probing: %v", err)
	}
	if res.Contradicts {
		t.Error("fenced clear verdict misread as contradiction")
	}
}

func TestCheckContradictionSurfacesFailures(t *testing.T) {
	p := &scriptedProvider{err: errors.New("timeout")}
	if _, err := CheckContradiction(context.Background(), p, "draft", "fact"); err == nil {
		t.Error("transport failure swallowed")
	}

	p = &scriptedProvider{response: "I cannot answer that."}
	if _, err := CheckContradiction(context.Background(), p, "draft", "fact"); err == nil {
		t.Error("unparseable response swallowed")
	}

	if _, err := CheckContradiction(context.Background(), nil, "draft", "fact"); err == nil {
		t.Error("nil provider accepted")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a":1}`:                       `{"a":1}`,
		"```json\n{\"a\":1}\n```":       `{"a":1}`,
		"Sure! Here you go: {\"a\":1}.": `{"a":1}`,
		"no json here":                  "no json here",
	}
	for in, want := range cases {
		if got := extractJSON(in); got != want {
			t.Errorf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFlag(t *testing.T) {
	cfg, err := ParseFlag("")
	if err != nil || cfg.Provider != "google" {
		t.Errorf("default flag = %+v, %v", cfg, err)
	}
	cfg, err = ParseFlag("openrouter/openai/gpt-4o-mini")
	if err != nil || cfg.Provider != "openrouter" || cfg.Model != "openai/gpt-4o-mini" {
		t.Errorf("openrouter flag = %+v, %v", cfg, err)
	}
	if _, err := ParseFlag("frobnicator/x"); err == nil {
		t.Error("unknown provider accepted")
	}
}
