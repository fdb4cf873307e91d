package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/router"
	"github.com/hurttlocker/engram/internal/store"
)

// printJSON writes one indented JSON document to stdout. Every command's
// machine-readable output goes through here.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newChatTurnCmd(flags *rootFlags) *cobra.Command {
	var (
		message string
		draft   string
		session string
		noStore bool
	)
	cmd := &cobra.Command{
		Use:   "chat-turn",
		Short: "Route one chat turn through memory and print the response",
		Long: `Route one chat turn: classify the domain, retrieve facts and context,
check the draft against canonical memory, and print the final reply.
Stdout carries exactly one JSON document; logs go to the log file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.router.HandleChatTurn(cmd.Context(), router.TurnRequest{
				UserMessage:    message,
				AssistantDraft: draft,
				SessionID:      session,
				SkipStore:      noStore,
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "user message (required)")
	cmd.Flags().StringVarP(&draft, "draft", "d", "", "assistant draft reply (required)")
	cmd.Flags().StringVarP(&session, "session", "s", "", "session id (default \"default\")")
	cmd.Flags().BoolVar(&noStore, "no-store", false, "do not persist the interaction")
	cmd.MarkFlagRequired("message")
	cmd.MarkFlagRequired("draft")
	return cmd
}

func newObserveCmd(flags *rootFlags) *cobra.Command {
	var (
		source    string
		authority string
	)
	cmd := &cobra.Command{
		Use:   "observe <domain> <key> <value>",
		Short: "Register one observation and print the resolution",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.truth.RegisterObservation(cmd.Context(), &store.Observation{
				Domain:    args[0],
				Key:       args[1],
				Value:     args[2],
				Source:    source,
				Authority: authority,
			})
			if err != nil {
				return err
			}
			out := map[string]interface{}{"outcome": res.Outcome}
			if res.Fact != nil {
				out["fact"] = factView(res.Fact)
			}
			if res.Conflict != nil {
				out["conflict"] = conflictView(res.Conflict)
			}
			if len(res.Demoted) > 0 {
				out["demoted"] = res.Demoted
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&source, "source", store.SourceChatUser, "observation source (CHAT_USER, INGEST_DOC, CLI_TEST, ...)")
	cmd.Flags().StringVar(&authority, "authority", store.AuthorityShortTerm, "observation authority (SHORT_TERM, STABLE, LONG_TERM, ...)")
	return cmd
}

func newTruthCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "truth <domain> <key>",
		Short: "Print the canonical fact for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			f, err := a.truth.GetCanonicalTruth(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if f == nil {
				return printJSON(map[string]interface{}{"canonical": nil})
			}
			return printJSON(map[string]interface{}{"canonical": factView(f)})
		},
	}
}

func newConflictsCmd(flags *rootFlags) *cobra.Command {
	var (
		domainFilter string
		all          bool
		limit        int
		resolve      string
	)
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List value conflicts, open ones by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if resolve != "" {
				found, err := a.truth.DetectConflicts(cmd.Context(), resolve)
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"open": conflictViews(found)})
			}

			conflicts, err := a.store.ListConflicts(cmd.Context(), domainFilter, !all, limit)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{"conflicts": conflictViews(conflicts)})
		},
	}
	cmd.Flags().StringVar(&domainFilter, "domain", "", "restrict to one domain")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum conflicts to list")
	cmd.Flags().StringVar(&resolve, "resolve", "", "re-run weighted resolution for a domain before listing")
	return cmd
}

func newFactsCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "facts [domain]",
		Short: "List canonical facts, or per-domain counts with no argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				counts, err := a.facts.DomainCounts(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]interface{}{"domains": counts})
			}

			facts, err := a.facts.CanonicalByDomain(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			views := make([]map[string]interface{}, len(facts))
			for i, f := range facts {
				views[i] = factView(f)
			}
			return printJSON(map[string]interface{}{"facts": views})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum facts to list")
	return cmd
}

func newDecayCmd(flags *rootFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "decay",
		Short: "Run the daily temporal decay pass over facts and chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			report, err := a.truth.ApplyTemporalDecay(ctx, dryRun)
			if err != nil {
				return err
			}
			out := map[string]interface{}{"facts": report}

			if a.mesh != nil && !dryRun {
				decayed, err := a.mesh.ApplyTemporalDecay(ctx)
				if err != nil {
					return err
				}
				pruned, err := a.mesh.PruneOldConversations(ctx, a.cfg.Mesh.PruneDays)
				if err != nil {
					return err
				}
				out["chunks"] = map[string]int{"decayed": decayed, "sessions_pruned": pruned}
			}
			return printJSON(out)
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "report without writing")
	return cmd
}

func newOptimizeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Run one optimization cycle and print system health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			health, err := a.optimizer.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			adjustments, err := a.store.ListAdjustments(cmd.Context(), 20)
			if err != nil {
				return err
			}
			views := make([]map[string]interface{}, len(adjustments))
			for i, adj := range adjustments {
				views[i] = map[string]interface{}{
					"parameter":  adj.Parameter,
					"old_value":  adj.OldValue,
					"new_value":  adj.NewValue,
					"reason":     adj.Reason,
					"result":     adj.Result,
					"applied_at": adj.AppliedAt.Format(time.RFC3339),
				}
			}
			return printJSON(map[string]interface{}{"health": health, "adjustments": views})
		},
	}
}

func newPatternsCmd(flags *rootFlags) *cobra.Command {
	var collapse bool
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Show universal question patterns learned across domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			out := map[string]interface{}{}
			if collapse {
				merged, err := a.learner.Collapse(cmd.Context())
				if err != nil {
					return err
				}
				out["merged"] = merged
			}
			out["universal"] = a.learner.Universals()
			return printJSON(out)
		},
	}
	cmd.Flags().BoolVar(&collapse, "collapse", false, "merge duplicate patterns first")
	return cmd
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func newConfigCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration with provenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(config.ResolveOptions{
				ConfigPath: flags.configPath,
				CLIDBPath:  flags.dbPath,
				CLILLM:     flags.llmFlag,
				CLIEmbed:   flags.embedFlag,
			})
			if err != nil {
				return err
			}
			cfg.LLMAPIKey.Value = redact(cfg.LLMAPIKey.Value)
			cfg.EmbedAPIKey.Value = redact(cfg.EmbedAPIKey.Value)
			return printJSON(cfg)
		},
	}
}

// newServeCmd runs the background maintenance loops until interrupted.
func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background maintenance loops (decay, pruning, optimization)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintln(os.Stderr, "engram: maintenance loops running, Ctrl-C to stop")
			a.router.RunBackground(ctx, a.cfg.Optimizer, a.cfg.Mesh)
			return nil
		},
	}
}

// redact keeps enough of a key to recognize it without printing it.
func redact(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 6 {
		return "***"
	}
	return key[:4] + "***"
}

func factView(f *store.Fact) map[string]interface{} {
	return map[string]interface{}{
		"id":            f.ID,
		"domain":        f.Domain,
		"key":           f.Key,
		"value":         f.Value,
		"status":        f.Status,
		"authority":     f.Authority,
		"source":        f.Source,
		"confidence":    f.Confidence,
		"support_count": f.SupportCount,
		"created_at":    f.CreatedAt.Format(time.RFC3339),
	}
}

func conflictView(c *store.Conflict) map[string]interface{} {
	out := map[string]interface{}{
		"id":          c.ID,
		"domain":      c.Domain,
		"key":         c.Key,
		"values":      c.CompetingValues,
		"resolution":  c.Resolution,
		"detected_at": c.DetectedAt.Format(time.RFC3339),
	}
	if c.ResolvedAt != nil {
		out["resolved_at"] = c.ResolvedAt.Format(time.RFC3339)
	}
	return out
}

func conflictViews(conflicts []*store.Conflict) []map[string]interface{} {
	out := make([]map[string]interface{}, len(conflicts))
	for i, c := range conflicts {
		out[i] = conflictView(c)
	}
	return out
}
