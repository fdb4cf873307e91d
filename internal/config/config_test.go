package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestResolvePrecedenceConfigEnvCLI(t *testing.T) {
	path := writeConfig(t, `db_path: /from-config.db
llm:
  provider: google/gemini-2.5-flash
embed:
  provider: ollama/nomic-embed-text
`)
	t.Setenv("ENGRAM_DB", "/from-env.db")
	t.Setenv("ENGRAM_LLM", "openrouter/openai/gpt-4o-mini")

	resolved, err := Resolve(ResolveOptions{
		ConfigPath: path,
		CLIDBPath:  "/from-cli.db",
	})
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}

	// CLI beats env beats config.
	if resolved.DBPath.Value != "/from-cli.db" || resolved.DBPath.Source != SourceCLI {
		t.Errorf("db path = %+v, want CLI value", resolved.DBPath)
	}
	// No CLI flag for LLM: env wins over the file.
	if resolved.LLMProvider.Value != "openrouter/openai/gpt-4o-mini" || resolved.LLMProvider.Source != SourceEnv {
		t.Errorf("llm provider = %+v, want env value", resolved.LLMProvider)
	}
	// Embed provider only set in the file.
	if resolved.EmbedProvider.Value != "ollama/nomic-embed-text" || resolved.EmbedProvider.Source != SourceConfig {
		t.Errorf("embed provider = %+v, want config value", resolved.EmbedProvider)
	}
}

func TestResolveDefaultsWithoutConfigFile(t *testing.T) {
	resolved, err := Resolve(ResolveOptions{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
	})
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if resolved.DBPath.Source != SourceDefault || resolved.DBPath.Value == "" {
		t.Errorf("db path = %+v, want built-in default", resolved.DBPath)
	}
	if resolved.Limits.MaxTotalFacts != 1000 || resolved.Limits.MinConfidence != 0.6 {
		t.Errorf("limits = %+v", resolved.Limits)
	}
	if resolved.Schema.CreationThreshold != 3 || resolved.Schema.FuzzyThreshold != 0.85 {
		t.Errorf("schema = %+v", resolved.Schema)
	}
	if resolved.Mesh.DecayRate != 0.95 || resolved.Optimizer.EvaluationWindowHours != 24 {
		t.Errorf("mesh/optimizer = %+v / %+v", resolved.Mesh, resolved.Optimizer)
	}
}

func TestResolveOverridesNestedSettings(t *testing.T) {
	path := writeConfig(t, `limits:
  max_total_facts: 50
  min_confidence: 0.8
mesh:
  decay_rate: 0.9
`)
	resolved, err := Resolve(ResolveOptions{ConfigPath: path})
	if err != nil {
		t.Fatalf("resolving: %v", err)
	}
	if resolved.Limits.MaxTotalFacts != 50 {
		t.Errorf("max total facts = %d, want 50", resolved.Limits.MaxTotalFacts)
	}
	if resolved.Limits.MinConfidence != 0.8 {
		t.Errorf("min confidence = %v, want 0.8", resolved.Limits.MinConfidence)
	}
	if resolved.Mesh.DecayRate != 0.9 {
		t.Errorf("decay rate = %v, want 0.9", resolved.Mesh.DecayRate)
	}
	// Untouched settings keep their defaults.
	if resolved.Limits.MaxFactLength != 500 {
		t.Errorf("max fact length = %d, want default 500", resolved.Limits.MaxFactLength)
	}
}

func TestExpandUserPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := expandUserPath("~/x/y.db"); got != filepath.Join(home, "x/y.db") {
		t.Errorf("expandUserPath = %q", got)
	}
	if got := expandUserPath("/abs/y.db"); got != "/abs/y.db" {
		t.Errorf("absolute path rewritten: %q", got)
	}
}

func TestParamsSetGetRoundTrip(t *testing.T) {
	p := DefaultParams()
	names := []string{"promotionThreshold", "temporalDecayDays", "ameOverrideStrength", "smmDecayRate", "ddeDomainWeight"}
	for _, name := range names {
		if err := p.Set(name, 2); err != nil {
			t.Fatalf("setting %s: %v", name, err)
		}
		got, err := p.Get(name)
		if err != nil {
			t.Fatalf("getting %s: %v", name, err)
		}
		if got != 2 {
			t.Errorf("%s = %v after Set(2)", name, got)
		}
	}
	if err := p.Set("bogus", 1); err == nil {
		t.Error("unknown parameter accepted")
	}
}

func TestParamStoreClonesOnWrite(t *testing.T) {
	seed := DefaultParams()
	ps := NewParamStore(seed)
	// The store cloned the seed; later mutation must not leak in.
	seed.Strictness["identity"] = 0.1
	if got := ps.Load().StrictnessFor("identity"); got != 1.0 {
		t.Errorf("seed mutation leaked into store: strictness = %v", got)
	}

	next := ps.Load().Clone()
	next.OverrideStrength = 0.5
	ps.Publish(next)
	next.Strictness["identity"] = 0.2
	if got := ps.Load().OverrideStrength; got != 0.5 {
		t.Errorf("override strength = %v after publish", got)
	}
	if got := ps.Load().StrictnessFor("identity"); got != 1.0 {
		t.Errorf("post-publish mutation leaked: strictness = %v", got)
	}
}
