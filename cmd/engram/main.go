// Command engram is the CLI front end for the layered memory engine.
//
// The chat-turn command speaks the hosted contract: stdout carries exactly
// one JSON document per invocation, and all diagnostics go to the log
// file. The remaining commands are operator tooling around the same
// stores.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/domain"
	"github.com/hurttlocker/engram/internal/embed"
	"github.com/hurttlocker/engram/internal/enforce"
	"github.com/hurttlocker/engram/internal/fact"
	"github.com/hurttlocker/engram/internal/graphmem"
	"github.com/hurttlocker/engram/internal/llm"
	"github.com/hurttlocker/engram/internal/logging"
	"github.com/hurttlocker/engram/internal/mesh"
	"github.com/hurttlocker/engram/internal/metalearn"
	"github.com/hurttlocker/engram/internal/optimize"
	"github.com/hurttlocker/engram/internal/router"
	"github.com/hurttlocker/engram/internal/store"
	"github.com/hurttlocker/engram/internal/truth"
	"github.com/hurttlocker/engram/internal/vector"
)

const version = "0.1.0"

const defaultEmbedDimensions = 1536

// rootFlags are the persistent flags shared by every command.
type rootFlags struct {
	configPath string
	dbPath     string
	llmFlag    string
	embedFlag  string
	logLevel   string
	logFile    string
}

func main() {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "engram",
		Short:         "Layered conversational memory engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default ~/.engram/config.yaml)")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "fact store path (default ~/.engram/engram.db)")
	root.PersistentFlags().StringVar(&flags.llmFlag, "llm", "", "LLM provider/model for the contradiction probe")
	root.PersistentFlags().StringVar(&flags.embedFlag, "embed", "", "embedding provider/model")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "log file (default <db dir>/engram.log)")

	root.AddCommand(
		newChatTurnCmd(flags),
		newObserveCmd(flags),
		newTruthCmd(flags),
		newConflictsCmd(flags),
		newFactsCmd(flags),
		newDecayCmd(flags),
		newOptimizeCmd(flags),
		newPatternsCmd(flags),
		newStatsCmd(flags),
		newConfigCmd(flags),
		newServeCmd(flags),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the fully wired engine behind every command.
type app struct {
	cfg        config.ResolvedConfig
	log        *zap.Logger
	store      *store.Store
	vectors    *vector.DB
	embedder   embed.Embedder
	provider   llm.Provider
	params     *config.ParamStore
	truth      *truth.Engine
	facts      *fact.Core
	mesh       *mesh.Mesh
	graph      *graphmem.Graph
	learner    *metalearn.Learner
	classifier *domain.Classifier
	enforcer   *enforce.Enforcer
	optimizer  *optimize.Optimizer
	router     *router.Router
}

// openApp resolves configuration and wires the engine. Layers whose
// backends are not configured come up disabled, not as errors: a bare
// SQLite file is enough for the fact path.
func openApp(cmd *cobra.Command, flags *rootFlags) (*app, error) {
	cfg, err := config.Resolve(config.ResolveOptions{
		ConfigPath: flags.configPath,
		CLIDBPath:  flags.dbPath,
		CLILLM:     flags.llmFlag,
		CLIEmbed:   flags.embedFlag,
	})
	if err != nil {
		return nil, err
	}

	logFile := flags.logFile
	if logFile == "" {
		logFile = filepath.Join(filepath.Dir(cfg.DBPath.Value), "engram.log")
	}
	log, err := logging.New(logging.Options{Level: flags.logLevel, File: logFile})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath.Value), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.Open(store.Config{DBPath: cfg.DBPath.Value})
	if err != nil {
		return nil, err
	}

	// Tunables start from the configured values, not the built-in defaults,
	// so the optimizer adjusts what the operator actually runs with.
	params := config.DefaultParams()
	if cfg.Mesh.DecayRate > 0 {
		params.MeshDecayRate = cfg.Mesh.DecayRate
	}
	a := &app{cfg: cfg, log: log, store: st, params: config.NewParamStore(params)}

	if cfg.EmbedProvider.Value != "" {
		if err := a.wireVectors(cmd, cfg); err != nil {
			st.Close()
			return nil, err
		}
	}
	a.graph = graphmem.New(graphmem.Options{Vectors: a.vectors, Embedder: a.embedder, Logger: log})

	if cfg.LLMProvider.Value != "" {
		llmCfg, err := llm.ParseFlag(cfg.LLMProvider.Value)
		if err != nil {
			return nil, err
		}
		llmCfg.APIKey = cfg.LLMAPIKey.Value
		provider, err := llm.NewProvider(llmCfg)
		if err != nil {
			// Stage B is optional; structural checking still enforces.
			log.Warn("LLM provider unavailable, contradiction probe disabled", zap.Error(err))
		} else {
			a.provider = provider
		}
	}

	a.truth, err = truth.New(truth.Options{
		Store:         st,
		Params:        a.params,
		Logger:        log,
		MinConfidence: cfg.Limits.MinConfidence,
	})
	if err != nil {
		return nil, err
	}

	a.learner, err = metalearn.New(metalearn.Options{
		StatePath:            filepath.Join(cfg.StatePath.Value, "patterns.json"),
		Graph:                a.graph,
		CrossDomainThreshold: cfg.Patterns.CrossDomainThreshold,
		Logger:               log,
	})
	if err != nil {
		return nil, err
	}

	schema, err := fact.NewSchema(fact.SchemaOptions{
		StatePath:         filepath.Join(cfg.StatePath.Value, "schema.json"),
		CreationThreshold: cfg.Schema.CreationThreshold,
		MaxDynamicDomains: cfg.Schema.MaxDynamicDomains,
		FuzzyThreshold:    cfg.Schema.FuzzyThreshold,
		Thresholds:        a.learner,
	})
	if err != nil {
		return nil, err
	}
	a.facts, err = fact.New(fact.Options{
		Store:    st,
		Truth:    a.truth,
		Vectors:  a.vectors,
		Embedder: a.embedder,
		Schema:   schema,
		Limits:   cfg.Limits,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	if a.vectors != nil && a.embedder != nil {
		a.mesh, err = mesh.New(mesh.Options{
			Vectors:  a.vectors,
			Embedder: a.embedder,
			Meta:     st,
			Config:   cfg.Mesh,
			Params:   a.params,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
	}

	a.classifier = domain.New(domain.Options{
		Embedder:  a.embedder,
		Params:    a.params,
		Activator: a.learner,
		Logger:    log,
	})
	for _, d := range schema.KnownDomains() {
		a.classifier.RegisterDomain(d, nil, nil)
	}

	a.enforcer, err = enforce.New(enforce.Options{
		Facts:  a.facts,
		Truth:  a.truth,
		LLM:    a.provider,
		Params: a.params,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	a.optimizer, err = optimize.New(optimize.Options{
		Store:  st,
		Params: a.params,
		Config: cfg.Optimizer,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	a.router, err = router.New(router.Options{
		Facts:      a.facts,
		Mesh:       a.mesh,
		Truth:      a.truth,
		Enforcer:   a.enforcer,
		Classifier: a.classifier,
		Learner:    a.learner,
		Optimizer:  a.optimizer,
		Params:     a.params,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

// wireVectors builds the embedder and the vector database it feeds.
func (a *app) wireVectors(cmd *cobra.Command, cfg config.ResolvedConfig) error {
	embedCfg, err := embed.ParseFlag(cfg.EmbedProvider.Value)
	if err != nil {
		return err
	}
	if cfg.EmbedEndpoint.Value != "" {
		embedCfg.Endpoint = cfg.EmbedEndpoint.Value
	}
	if cfg.EmbedAPIKey.Value != "" {
		embedCfg.APIKey = cfg.EmbedAPIKey.Value
	}
	dims := defaultEmbedDimensions
	if cfg.EmbedDimensions.Value != "" {
		n, err := strconv.Atoi(cfg.EmbedDimensions.Value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid embed dimensions %q", cfg.EmbedDimensions.Value)
		}
		dims = n
	}
	embedCfg.Dimensions = dims

	client, err := embed.NewClient(embedCfg)
	if err != nil {
		return err
	}
	a.embedder = embed.NewCached(client, 60)

	a.vectors, err = vector.Open(cmd.Context(), vector.Config{
		Path:        cfg.VectorPath.Value,
		Dimensions:  dims,
		EnableGraph: true,
	})
	return err
}

func (a *app) Close() {
	if a.vectors != nil {
		if err := a.vectors.Close(); err != nil {
			a.log.Warn("closing vector store", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing fact store", zap.Error(err))
	}
	_ = a.log.Sync()
}
