package metalearn

import (
	"context"
	"path/filepath"
	"testing"
)

func newLearner(t *testing.T, path string) *Learner {
	t.Helper()
	l, err := New(Options{StatePath: path})
	if err != nil {
		t.Fatalf("creating learner: %v", err)
	}
	return l
}

func observe(t *testing.T, l *Learner, domain, pattern string, success bool, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		if err := l.Observe(domain, pattern, success); err != nil {
			t.Fatalf("observing %s/%s: %v", domain, pattern, err)
		}
	}
}

func TestNormalizePattern(t *testing.T) {
	cases := map[string]string{
		"What's my NAME?":      "whats my name",
		"  what   is my name ": "what is my name",
		"!!!":                  "",
	}
	for in, want := range cases {
		if got := NormalizePattern(in); got != want {
			t.Errorf("NormalizePattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestThresholdDeltaBands(t *testing.T) {
	l := newLearner(t, "")

	// High success: 9/10.
	observe(t, l, "identity", "what is my name", true, 9)
	observe(t, l, "identity", "what is my name", false, 1)
	if got := l.ThresholdDelta("identity"); got != deltaHighSuccess {
		t.Errorf("high-success delta = %v, want %v", got, deltaHighSuccess)
	}

	// Good success: 7/10.
	observe(t, l, "family", "who are my kids", true, 7)
	observe(t, l, "family", "who are my kids", false, 3)
	if got := l.ThresholdDelta("family"); got != deltaGoodSuccess {
		t.Errorf("good-success delta = %v, want %v", got, deltaGoodSuccess)
	}

	// Poor success: 2/10.
	observe(t, l, "gaming", "what is my rank", true, 2)
	observe(t, l, "gaming", "what is my rank", false, 8)
	if got := l.ThresholdDelta("gaming"); got != deltaPoorSuccess {
		t.Errorf("poor-success delta = %v, want %v", got, deltaPoorSuccess)
	}

	// Middle band: 5/10 adjusts nothing.
	observe(t, l, "professional", "where do i work", true, 5)
	observe(t, l, "professional", "where do i work", false, 5)
	if got := l.ThresholdDelta("professional"); got != 0 {
		t.Errorf("middle-band delta = %v, want 0", got)
	}
}

func TestThresholdDeltaNeedsHistory(t *testing.T) {
	l := newLearner(t, "")
	observe(t, l, "identity", "what is my name", true, minObservations-1)
	if got := l.ThresholdDelta("identity"); got != 0 {
		t.Errorf("delta with thin history = %v, want 0", got)
	}
	if got := l.ThresholdDelta("never_seen"); got != 0 {
		t.Errorf("delta for unseen domain = %v, want 0", got)
	}
}

func TestPatternBecomesUniversal(t *testing.T) {
	l := newLearner(t, "")

	observe(t, l, "identity", "what is my X", true, 4)
	observe(t, l, "family", "what is my X", true, 3)
	observe(t, l, "family", "what is my X", false, 1)
	if got := l.Universals(); len(got) != 0 {
		t.Fatalf("universal after 2 domains: %+v", got)
	}

	observe(t, l, "preferences", "what is my X", true, 2)
	universals := l.Universals()
	if len(universals) != 1 {
		t.Fatalf("universals = %d, want 1", len(universals))
	}
	// Confidence is the minimum rate: family at 3/4.
	if universals[0].Confidence != 0.75 {
		t.Errorf("confidence = %v, want 0.75", universals[0].Confidence)
	}
}

func TestFailingDomainDoesNotValidate(t *testing.T) {
	l := newLearner(t, "")
	observe(t, l, "identity", "what is my X", true, 3)
	observe(t, l, "family", "what is my X", true, 3)
	// Third domain mostly fails, so it does not count toward universality.
	observe(t, l, "gaming", "what is my X", false, 3)
	observe(t, l, "gaming", "what is my X", true, 1)
	if got := l.Universals(); len(got) != 0 {
		t.Errorf("pattern validated through a failing domain: %+v", got)
	}
}

func TestActivationBonusForUniversalPattern(t *testing.T) {
	l := newLearner(t, "")
	for _, d := range []string{"identity", "family", "preferences"} {
		observe(t, l, d, "what is my favorite", true, 2)
	}
	if got := l.Activation("What is my favorite?"); got != ActivationBonus {
		t.Errorf("activation = %v, want %v", got, ActivationBonus)
	}
	if got := l.Activation("tell me a story"); got != 0 {
		t.Errorf("activation for unrelated question = %v, want 0", got)
	}
}

func TestCollapseMergesDuplicates(t *testing.T) {
	l := newLearner(t, "")
	observe(t, l, "identity", "what is my name", true, 2)

	// Simulate a stale entry whose key predates current normalization.
	l.mu.Lock()
	l.state.Patterns["What is MY name?"] = &CrossDomainPattern{
		Pattern: "What is MY name?",
		Domains: map[string]*PatternStat{
			"identity": {Attempts: 3, Successes: 3},
			"family":   {Attempts: 2, Successes: 2},
		},
	}
	l.mu.Unlock()

	merged, err := l.Collapse(context.Background())
	if err != nil {
		t.Fatalf("collapsing: %v", err)
	}
	if merged != 1 {
		t.Errorf("merged = %d, want 1", merged)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.state.Patterns) != 1 {
		t.Fatalf("patterns after collapse = %d, want 1", len(l.state.Patterns))
	}
	p := l.state.Patterns["what is my name"]
	if p == nil {
		t.Fatal("canonical pattern missing after collapse")
	}
	if got := p.Domains["identity"].Attempts; got != 5 {
		t.Errorf("identity attempts = %d, want 5", got)
	}
	if got := p.Domains["family"].Attempts; got != 2 {
		t.Errorf("family attempts = %d, want 2", got)
	}
}

func TestStatePersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.json")

	l := newLearner(t, path)
	for _, d := range []string{"identity", "family", "preferences"} {
		observe(t, l, d, "what is my favorite", true, 2)
	}

	reloaded := newLearner(t, path)
	if got := reloaded.Universals(); len(got) != 1 {
		t.Fatalf("universals after reload = %d, want 1", len(got))
	}
	if got := reloaded.Activation("what is my favorite"); got != ActivationBonus {
		t.Errorf("activation after reload = %v, want %v", got, ActivationBonus)
	}
}

func TestCustomCrossDomainThreshold(t *testing.T) {
	l, err := New(Options{CrossDomainThreshold: 2})
	if err != nil {
		t.Fatalf("creating learner: %v", err)
	}
	observe(t, l, "identity", "what is my X", true, 2)
	observe(t, l, "family", "what is my X", true, 2)
	if got := l.Universals(); len(got) != 1 {
		t.Errorf("universals at threshold 2 = %d, want 1", len(got))
	}
}
