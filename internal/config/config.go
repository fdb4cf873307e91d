// Package config resolves Engram configuration from three layers:
// config file < environment < CLI flags. Every resolved value carries its
// provenance so `engram config` can explain where a setting came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

// ResolvedValue is a configuration value plus where it came from.
type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

// ResolveOptions carries CLI-level overrides into resolution.
type ResolveOptions struct {
	ConfigPath string
	CLIDBPath  string
	CLILLM     string
	CLIEmbed   string
}

// ResolvedConfig is the fully layered configuration.
type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath     ResolvedValue `json:"db_path"`
	VectorPath ResolvedValue `json:"vector_path"`
	StatePath  ResolvedValue `json:"state_path"`

	LLMProvider ResolvedValue `json:"llm_provider"`
	LLMAPIKey   ResolvedValue `json:"llm_api_key"`

	EmbedProvider   ResolvedValue `json:"embed_provider"`
	EmbedEndpoint   ResolvedValue `json:"embed_endpoint"`
	EmbedAPIKey     ResolvedValue `json:"embed_api_key"`
	EmbedDimensions ResolvedValue `json:"embed_dimensions"`

	Limits    Limits    `json:"limits"`
	Schema    Schema    `json:"schema"`
	Mesh      Mesh      `json:"mesh"`
	Patterns  Patterns  `json:"patterns"`
	Optimizer Optimizer `json:"optimizer"`
}

// Limits holds the CMC hard caps.
type Limits struct {
	MaxTotalFacts     int     `json:"max_total_facts" yaml:"max_total_facts"`
	MaxFactsPerDomain int     `json:"max_facts_per_domain" yaml:"max_facts_per_domain"`
	MaxFactLength     int     `json:"max_fact_length" yaml:"max_fact_length"`
	MinConfidence     float64 `json:"min_confidence" yaml:"min_confidence"`
}

// Schema holds adaptive-schema growth settings.
type Schema struct {
	CreationThreshold int     `json:"creation_threshold" yaml:"creation_threshold"`
	MaxDynamicDomains int     `json:"max_dynamic_domains" yaml:"max_dynamic_domains"`
	FuzzyThreshold    float64 `json:"fuzzy_similarity_threshold" yaml:"fuzzy_similarity_threshold"`
}

// Mesh holds semantic-mesh aging settings.
type Mesh struct {
	PruneDays    int     `json:"prune_days" yaml:"prune_days"`
	DecayRate    float64 `json:"decay_rate" yaml:"decay_rate"`
	MinRelevance float64 `json:"min_relevance" yaml:"min_relevance"`
}

// Patterns holds meta-learning settings.
type Patterns struct {
	CrossDomainThreshold int `json:"cross_domain_threshold" yaml:"cross_domain_threshold"`
}

// Optimizer holds self-optimization scheduling settings.
type Optimizer struct {
	CycleHours            int `json:"optimization_cycle_hours" yaml:"optimization_cycle_hours"`
	EvaluationWindowHours int `json:"evaluation_window_hours" yaml:"evaluation_window_hours"`
}

type fileConfig struct {
	DBPath     string `yaml:"db_path"`
	VectorPath string `yaml:"vector_path"`
	StatePath  string `yaml:"state_path"`
	LLM        struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
	} `yaml:"llm"`
	Embed struct {
		Provider   string `yaml:"provider"`
		Endpoint   string `yaml:"endpoint"`
		APIKey     string `yaml:"api_key"`
		Dimensions int    `yaml:"dimensions"`
	} `yaml:"embed"`
	Limits    Limits    `yaml:"limits"`
	Schema    Schema    `yaml:"schema"`
	Mesh      Mesh      `yaml:"mesh"`
	Patterns  Patterns  `yaml:"patterns"`
	Optimizer Optimizer `yaml:"optimizer"`
}

// DefaultConfigPath returns ~/.engram/config.yaml.
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".engram", "config.yaml")
}

// DefaultDBPath returns ~/.engram/engram.db.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".engram", "engram.db")
}

// DefaultVectorPath returns ~/.engram/vectors.db.
func DefaultVectorPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".engram", "vectors.db")
}

// DefaultStatePath returns ~/.engram/state (JSON state files live here).
func DefaultStatePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".engram", "state")
}

// Resolve layers file, env, and CLI values into a ResolvedConfig.
func Resolve(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{
		ConfigPath: path,
		Limits: Limits{
			MaxTotalFacts:     1000,
			MaxFactsPerDomain: 100,
			MaxFactLength:     500,
			MinConfidence:     0.6,
		},
		Schema: Schema{
			CreationThreshold: 3,
			MaxDynamicDomains: 50,
			FuzzyThreshold:    0.85,
		},
		Mesh: Mesh{
			PruneDays:    30,
			DecayRate:    0.95,
			MinRelevance: 0.1,
		},
		Patterns:  Patterns{CrossDomainThreshold: 3},
		Optimizer: Optimizer{CycleHours: 1, EvaluationWindowHours: 24},
	}

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}

	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.VectorPath, cfg.VectorPath, SourceConfig, path)
		apply(&out.StatePath, cfg.StatePath, SourceConfig, path)
		apply(&out.LLMProvider, cfg.LLM.Provider, SourceConfig, path)
		apply(&out.LLMAPIKey, cfg.LLM.APIKey, SourceConfig, path)
		apply(&out.EmbedProvider, cfg.Embed.Provider, SourceConfig, path)
		apply(&out.EmbedEndpoint, cfg.Embed.Endpoint, SourceConfig, path)
		apply(&out.EmbedAPIKey, cfg.Embed.APIKey, SourceConfig, path)
		if cfg.Embed.Dimensions > 0 {
			apply(&out.EmbedDimensions, strconv.Itoa(cfg.Embed.Dimensions), SourceConfig, path)
		}

		mergeInts(&out.Limits.MaxTotalFacts, cfg.Limits.MaxTotalFacts)
		mergeInts(&out.Limits.MaxFactsPerDomain, cfg.Limits.MaxFactsPerDomain)
		mergeInts(&out.Limits.MaxFactLength, cfg.Limits.MaxFactLength)
		mergeFloats(&out.Limits.MinConfidence, cfg.Limits.MinConfidence)
		mergeInts(&out.Schema.CreationThreshold, cfg.Schema.CreationThreshold)
		mergeInts(&out.Schema.MaxDynamicDomains, cfg.Schema.MaxDynamicDomains)
		mergeFloats(&out.Schema.FuzzyThreshold, cfg.Schema.FuzzyThreshold)
		mergeInts(&out.Mesh.PruneDays, cfg.Mesh.PruneDays)
		mergeFloats(&out.Mesh.DecayRate, cfg.Mesh.DecayRate)
		mergeFloats(&out.Mesh.MinRelevance, cfg.Mesh.MinRelevance)
		mergeInts(&out.Patterns.CrossDomainThreshold, cfg.Patterns.CrossDomainThreshold)
		mergeInts(&out.Optimizer.CycleHours, cfg.Optimizer.CycleHours)
		mergeInts(&out.Optimizer.EvaluationWindowHours, cfg.Optimizer.EvaluationWindowHours)
	}

	applyEnv(&out.DBPath, "ENGRAM_DB")
	applyEnv(&out.VectorPath, "ENGRAM_VECTOR_DB")
	applyEnv(&out.StatePath, "ENGRAM_STATE_DIR")
	applyEnv(&out.LLMProvider, "ENGRAM_LLM")
	applyEnv(&out.EmbedProvider, "ENGRAM_EMBED")
	applyEnv(&out.EmbedEndpoint, "ENGRAM_EMBED_ENDPOINT")
	applyEnv(&out.EmbedAPIKey, "ENGRAM_EMBED_API_KEY")
	applyEnv(&out.EmbedDimensions, "ENGRAM_EMBED_DIMENSIONS")

	for _, env := range []string{"OPENROUTER_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" && out.LLMAPIKey.Value == "" {
			out.LLMAPIKey = ResolvedValue{Value: v, Source: SourceEnv, From: env}
		}
	}

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.LLMProvider, opts.CLILLM, SourceCLI, "--llm")
	apply(&out.EmbedProvider, opts.CLIEmbed, SourceCLI, "--embed")

	if out.DBPath.Value == "" {
		out.DBPath = ResolvedValue{Value: DefaultDBPath(), Source: SourceDefault, From: "built-in default"}
	}
	if out.VectorPath.Value == "" {
		out.VectorPath = ResolvedValue{Value: DefaultVectorPath(), Source: SourceDefault, From: "built-in default"}
	}
	if out.StatePath.Value == "" {
		out.StatePath = ResolvedValue{Value: DefaultStatePath(), Source: SourceDefault, From: "built-in default"}
	}
	out.DBPath.Value = expandUserPath(out.DBPath.Value)
	out.VectorPath.Value = expandUserPath(out.VectorPath.Value)
	out.StatePath.Value = expandUserPath(out.StatePath.Value)

	return out, nil
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, envKey string) {
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		*dst = ResolvedValue{Value: v, Source: SourceEnv, From: envKey}
	}
}

func mergeInts(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func mergeFloats(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
