// Package router orchestrates one chat turn across the memory layers:
// classify the domain, retrieve canonical facts and conversational
// context in parallel, enforce the draft against memory, persist the
// interaction, and feed the learning loops. Every layer's timing,
// decision, and error lands in the routing log; a failing layer degrades
// the turn instead of aborting it, except enforcement, whose failure
// ships the original draft untouched.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/domain"
	"github.com/hurttlocker/engram/internal/enforce"
	"github.com/hurttlocker/engram/internal/fact"
	"github.com/hurttlocker/engram/internal/logging"
	"github.com/hurttlocker/engram/internal/mesh"
	"github.com/hurttlocker/engram/internal/metalearn"
	"github.com/hurttlocker/engram/internal/optimize"
	"github.com/hurttlocker/engram/internal/store"
	"github.com/hurttlocker/engram/internal/truth"
)

// DefaultSessionID is used when the caller passes no session.
const DefaultSessionID = "default"

// retrievalK is how many facts and chunks a turn pulls in.
const retrievalK = 5

// TurnRequest is one chat turn to route.
type TurnRequest struct {
	UserMessage    string `json:"userMessage"`
	AssistantDraft string `json:"assistantDraft"`
	SessionID      string `json:"sessionId,omitempty"`
	// SkipStore suppresses persisting the interaction; the zero value
	// stores it.
	SkipStore bool `json:"skipStore,omitempty"`
}

// StoredRef points at what this turn persisted.
type StoredRef struct {
	ChunkID string `json:"chunkId,omitempty"`
}

// MemorySummary reports what memory contributed to the turn.
type MemorySummary struct {
	CanonicalFactsRetrieved int       `json:"canonicalFactsRetrieved"`
	ContextChunksRetrieved  int       `json:"contextChunksRetrieved"`
	Stored                  StoredRef `json:"stored"`
}

// Metadata carries the turn's classification and timing context.
type Metadata struct {
	Timestamp        string  `json:"timestamp"`
	SessionID        string  `json:"sessionId"`
	Domain           string  `json:"domain"`
	DomainConfidence float64 `json:"domainConfidence"`
}

// LayerTrace is one layer's entry in the routing log.
type LayerTrace struct {
	DurationMS float64 `json:"durationMs"`
	Decision   string  `json:"decision,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// RoutingLog is the per-turn debugging record.
type RoutingLog struct {
	Layers map[string]LayerTrace `json:"layers"`
	Errors []string              `json:"errors,omitempty"`
}

// TurnResponse is the single observable output of a turn.
type TurnResponse struct {
	FinalReply     string        `json:"finalReply"`
	WasOverridden  bool          `json:"wasOverridden"`
	ConflictReason string        `json:"conflictReason,omitempty"`
	Memory         MemorySummary `json:"memory"`
	Metadata       Metadata      `json:"metadata"`
	RoutingLog     RoutingLog    `json:"routingLog"`
}

// Options wires the router. Facts, Mesh, Enforcer, and Classifier are
// required; the learning loops are optional and skipped when absent.
type Options struct {
	Facts      *fact.Core
	Mesh       *mesh.Mesh
	Truth      *truth.Engine
	Enforcer   *enforce.Enforcer
	Classifier *domain.Classifier
	Learner    *metalearn.Learner
	Optimizer  *optimize.Optimizer
	Params     *config.ParamStore
	Logger     *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Router is the per-turn orchestrator.
type Router struct {
	facts      *fact.Core
	mesh       *mesh.Mesh
	truth      *truth.Engine
	enforcer   *enforce.Enforcer
	classifier *domain.Classifier
	learner    *metalearn.Learner
	optimizer  *optimize.Optimizer
	params     *config.ParamStore
	log        *zap.Logger
	now        func() time.Time
}

// New creates a router.
func New(opts Options) (*Router, error) {
	if opts.Facts == nil || opts.Enforcer == nil || opts.Classifier == nil {
		return nil, fmt.Errorf("router requires fact core, enforcer, and classifier")
	}
	if opts.Params == nil {
		opts.Params = config.NewParamStore(config.DefaultParams())
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Router{
		facts:      opts.Facts,
		mesh:       opts.Mesh,
		truth:      opts.Truth,
		enforcer:   opts.Enforcer,
		classifier: opts.Classifier,
		learner:    opts.Learner,
		optimizer:  opts.Optimizer,
		params:     opts.Params,
		log:        logging.OrNop(opts.Logger),
		now:        opts.Now,
	}, nil
}

// HandleChatTurn routes one turn end to end.
func (r *Router) HandleChatTurn(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if req.UserMessage == "" || req.AssistantDraft == "" {
		return nil, fmt.Errorf("turn requires user message and assistant draft")
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	res := &TurnResponse{
		FinalReply: req.AssistantDraft,
		Metadata: Metadata{
			Timestamp: r.now().Format(time.RFC3339),
			SessionID: sessionID,
			Domain:    domain.Unknown,
		},
		RoutingLog: RoutingLog{Layers: make(map[string]LayerTrace)},
	}

	signal := r.classify(ctx, req.UserMessage, res)
	facts, chunks := r.retrieve(ctx, req.UserMessage, signal, res)
	res.Memory.CanonicalFactsRetrieved = len(facts)
	res.Memory.ContextChunksRetrieved = len(chunks)

	r.enforce(ctx, req, facts, res)
	if !req.SkipStore {
		r.persist(ctx, sessionID, req.UserMessage, res)
	}
	r.learn(ctx, req.UserMessage, signal, len(facts) > 0 || len(chunks) > 0, res)

	return res, nil
}

// classify runs the domain classifier; failure degrades to "unknown".
func (r *Router) classify(ctx context.Context, text string, res *TurnResponse) *domain.Signal {
	start := r.now()
	signal, err := r.classifier.Classify(ctx, text)
	trace := LayerTrace{DurationMS: r.sinceMS(start)}
	if err != nil {
		trace.Error = err.Error()
		r.fail(res, "dde", err)
		signal = &domain.Signal{Domain: domain.Unknown}
	} else {
		trace.Decision = fmt.Sprintf("%s (%.2f)", signal.Domain, signal.Confidence)
		res.Metadata.Domain = signal.Domain
		res.Metadata.DomainConfidence = signal.Confidence
	}
	res.RoutingLog.Layers["dde"] = trace
	return signal
}

// retrieve pulls canonical facts and context chunks in parallel and joins
// before enforcement. Either side failing leaves that side empty.
func (r *Router) retrieve(ctx context.Context, text string, signal *domain.Signal, res *TurnResponse) ([]*store.Fact, []*mesh.Chunk) {
	var (
		wg       sync.WaitGroup
		facts    []*store.Fact
		factsDur float64
		factsErr error
		chunks   []*mesh.Chunk
		meshDur  float64
		meshErr  error
	)

	searchDomain := signal.Domain
	if searchDomain == domain.Unknown {
		searchDomain = ""
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		start := r.now()
		facts, factsErr = r.lookupFacts(ctx, text, searchDomain)
		factsDur = r.sinceMS(start)
	}()

	if r.mesh != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := r.now()
			chunks, meshErr = r.mesh.SearchContext(ctx, text, retrievalK, 0)
			meshDur = r.sinceMS(start)
		}()
	}
	wg.Wait()

	cmcTrace := LayerTrace{DurationMS: factsDur, Decision: fmt.Sprintf("%d facts", len(facts))}
	if factsErr != nil {
		cmcTrace.Error = factsErr.Error()
		r.fail(res, "cmc", factsErr)
		facts = nil
	}
	res.RoutingLog.Layers["cmc"] = cmcTrace

	if r.mesh != nil {
		smmTrace := LayerTrace{DurationMS: meshDur, Decision: fmt.Sprintf("%d chunks", len(chunks))}
		if meshErr != nil {
			smmTrace.Error = meshErr.Error()
			r.fail(res, "smm", meshErr)
			chunks = nil
		}
		res.RoutingLog.Layers["smm"] = smmTrace
	}
	return facts, chunks
}

// lookupFacts prefers vector similarity and falls back to a plain domain
// listing when no vector backend is wired or the search comes back empty.
func (r *Router) lookupFacts(ctx context.Context, text, searchDomain string) ([]*store.Fact, error) {
	related, err := r.facts.QueryRelatedFacts(ctx, text, searchDomain, retrievalK)
	if err != nil {
		return nil, err
	}
	if len(related) > 0 {
		out := make([]*store.Fact, len(related))
		for i, rf := range related {
			out[i] = rf.Fact
		}
		return out, nil
	}
	if searchDomain == "" {
		return nil, nil
	}
	return r.facts.CanonicalByDomain(ctx, searchDomain, retrievalK*4)
}

// enforce runs the draft check. Enforcement failure is the one case that
// ships the original draft: the caller still gets a reply, flagged
// unoverridden, with the error in the log.
func (r *Router) enforce(ctx context.Context, req TurnRequest, facts []*store.Fact, res *TurnResponse) {
	start := r.now()
	verdict, err := r.enforcer.Check(ctx, req.UserMessage, req.AssistantDraft, facts)
	trace := LayerTrace{DurationMS: r.sinceMS(start)}
	if err != nil {
		trace.Error = err.Error()
		r.fail(res, "ame", err)
		res.RoutingLog.Layers["ame"] = trace
		return
	}
	trace.Decision = verdict.Decision
	res.RoutingLog.Layers["ame"] = trace

	res.FinalReply = verdict.FinalReply
	res.WasOverridden = verdict.Decision == enforce.DecisionOverride
	res.ConflictReason = verdict.ConflictReason
}

// persist stores the user turn and the final reply as mesh chunks. The
// user chunk's id is reported; storage failure only logs.
func (r *Router) persist(ctx context.Context, sessionID, userMessage string, res *TurnResponse) {
	if r.mesh == nil {
		return
	}
	start := r.now()
	trace := LayerTrace{}

	chunk, err := r.mesh.StoreTurn(ctx, sessionID, "user", userMessage, nil)
	if err != nil {
		trace.Error = err.Error()
		r.fail(res, "store", err)
	} else {
		res.Memory.Stored.ChunkID = chunk.ID
		if _, err := r.mesh.StoreTurn(ctx, sessionID, "assistant", res.FinalReply, nil); err != nil {
			r.fail(res, "store", err)
		}
	}
	trace.DurationMS = r.sinceMS(start)
	res.RoutingLog.Layers["store"] = trace
}

// learn feeds the turn outcome into the classifier, the pattern learner,
// and the optimizer's metric streams. All of it is best-effort.
func (r *Router) learn(ctx context.Context, userMessage string, signal *domain.Signal, memoryHit bool, res *TurnResponse) {
	if signal.Domain != domain.Unknown {
		r.classifier.ObserveOutcome(signal.Domain)
	}
	if r.learner != nil && signal.Domain != domain.Unknown {
		if err := r.learner.Observe(signal.Domain, userMessage, memoryHit); err != nil {
			r.fail(res, "mlc", err)
		}
	}
	if r.optimizer != nil {
		err := r.optimizer.ObserveTurn(ctx, optimize.TurnSample{
			Overridden:       res.WasOverridden,
			MemoryHit:        memoryHit,
			DomainConfidence: signal.Confidence,
		})
		if err != nil {
			r.fail(res, "optimize", err)
		}
	}
}

func (r *Router) fail(res *TurnResponse, layer string, err error) {
	r.log.Warn("layer failed", zap.String("layer", layer), zap.Error(err))
	res.RoutingLog.Errors = append(res.RoutingLog.Errors, layer+": "+err.Error())
}

func (r *Router) sinceMS(start time.Time) float64 {
	return float64(r.now().Sub(start)) / float64(time.Millisecond)
}
