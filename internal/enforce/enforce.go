// Package enforce is the memory enforcer: it compares an assistant draft
// against canonical facts before the reply leaves the system, and
// overrides the draft when the two disagree.
//
// Checking is two-stage. Stage A is structural (number, negation, and
// named-entity mismatches) and always available. Stage B asks the LLM for
// a contradiction verdict; when the probe fails, Stage A's verdict stands.
// There is no augment path: the decision is OVERRIDE or TRUST_LLM.
package enforce

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/fact"
	"github.com/hurttlocker/engram/internal/llm"
	"github.com/hurttlocker/engram/internal/logging"
	"github.com/hurttlocker/engram/internal/store"
	"github.com/hurttlocker/engram/internal/truth"
)

// Decisions.
const (
	DecisionOverride = "OVERRIDE"
	DecisionTrustLLM = "TRUST_LLM"
)

// Result is the enforcement verdict for one turn.
type Result struct {
	Decision   string
	FinalReply string
	// ConflictReason is set when the draft was overridden.
	ConflictReason string
	// CheckedFacts lists the fact ids compared against the draft.
	CheckedFacts []string
}

// Options configures the enforcer.
type Options struct {
	Facts  *fact.Core
	Truth  *truth.Engine
	LLM    llm.Provider // nil disables Stage B
	Params *config.ParamStore
	Logger *zap.Logger
}

// Enforcer checks drafts against canonical memory.
type Enforcer struct {
	facts  *fact.Core
	truth  *truth.Engine
	llm    llm.Provider
	params *config.ParamStore
	log    *zap.Logger
}

// New creates an enforcer.
func New(opts Options) (*Enforcer, error) {
	if opts.Facts == nil || opts.Truth == nil {
		return nil, fmt.Errorf("enforcer requires fact core and truth engine")
	}
	if opts.Params == nil {
		opts.Params = config.NewParamStore(config.DefaultParams())
	}
	return &Enforcer{
		facts:  opts.Facts,
		truth:  opts.Truth,
		llm:    opts.LLM,
		params: opts.Params,
		log:    logging.OrNop(opts.Logger),
	}, nil
}

// factualShapes detect questions and statements worth checking against
// memory. Small talk skips enforcement entirely.
var factualShapes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy\s+\w+`),
	regexp.MustCompile(`(?i)\bwhat('?s| is| are)\b`),
	regexp.MustCompile(`(?i)\bwho\s+(is|are|am)\b`),
	regexp.MustCompile(`(?i)\bhow\s+(many|old|much)\b`),
	regexp.MustCompile(`(?i)\bwhere\s+(do|does|did|is|am)\b`),
	regexp.MustCompile(`(?i)\bwhen\s+(was|is|did)\b`),
	regexp.MustCompile(`(?i)\bdo\s+i\b`),
	regexp.MustCompile(`(?i)\b(am|is|are)\s+i\b`),
}

// ShouldCheckFacts gates enforcement on the turn's shape.
func ShouldCheckFacts(userMessage string) bool {
	for _, p := range factualShapes {
		if p.MatchString(userMessage) {
			return true
		}
	}
	return false
}

// uncertaintyShapes match drafts that admit not knowing.
var uncertaintyShapes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bI don'?t know\b`),
	regexp.MustCompile(`(?i)\bI'?m not sure\b`),
	regexp.MustCompile(`(?i)\bno information\b`),
	regexp.MustCompile(`(?i)\bI don'?t have\b`),
}

func isUncertain(draft string) bool {
	for _, p := range uncertaintyShapes {
		if p.MatchString(draft) {
			return true
		}
	}
	return false
}

// Check compares the draft against the retrieved facts for this turn and
// decides OVERRIDE or TRUST_LLM. A turn that fails enforcement internally
// returns an error; the caller ships the original draft in that case.
func (e *Enforcer) Check(ctx context.Context, userMessage, draft string, facts []*store.Fact) (*Result, error) {
	res := &Result{Decision: DecisionTrustLLM, FinalReply: draft}

	// Assertion capture happens on every turn, enforced or not.
	e.emitAssertions(ctx, userMessage)

	if len(facts) == 0 || !ShouldCheckFacts(userMessage) {
		return res, nil
	}

	uncertain := isUncertain(draft)
	params := e.params.Load()

	for _, f := range facts {
		res.CheckedFacts = append(res.CheckedFacts, f.ID)

		// An honest "I don't know" only contradicts memory the system is
		// genuinely confident in.
		if uncertain {
			if f.Status != store.StatusStable && f.Authority != store.AuthorityLongTerm {
				continue
			}
			res.Decision = DecisionOverride
			res.ConflictReason = fmt.Sprintf("draft claims ignorance but %s/%s is established memory", f.Domain, f.Key)
			break
		}

		contradicts, reason, err := e.checkFact(ctx, draft, f)
		if err != nil {
			return nil, err
		}
		if !contradicts {
			continue
		}

		// Per-domain strictness scaled by the global override strength;
		// below half strength the enforcer only warns.
		strictness := params.StrictnessFor(f.Domain) * params.OverrideStrength
		if strictness < 0.5 {
			e.log.Info("contradiction ignored at low strictness",
				zap.String("fact", f.ID),
				zap.Float64("strictness", strictness))
			continue
		}
		res.Decision = DecisionOverride
		res.ConflictReason = reason
		break
	}

	if res.Decision == DecisionOverride {
		reply, err := e.synthesize(ctx, userMessage, facts)
		if err != nil {
			return nil, err
		}
		res.FinalReply = reply
		e.emitRefutations(ctx, res)
	}
	return res, nil
}

// checkFact runs Stage A, then Stage B when a provider is wired. Probe
// failure falls back to the structural verdict.
func (e *Enforcer) checkFact(ctx context.Context, draft string, f *store.Fact) (bool, string, error) {
	structural, reason := structuralMismatch(draft, f)

	if e.llm == nil {
		return structural, reason, nil
	}
	statement := fmt.Sprintf("%s %s: %s", f.Domain, f.Key, f.Value)
	probe, err := llm.CheckContradiction(ctx, e.llm, draft, statement)
	if err != nil {
		e.log.Warn("contradiction probe failed, using structural verdict",
			zap.String("fact", f.ID), zap.Error(err))
		return structural, reason, nil
	}
	if probe.Contradicts {
		return true, probe.Reason, nil
	}
	// The probe explicitly cleared the draft; structural suspicion alone
	// does not override.
	return false, "", nil
}

// emitRefutations reinforces the facts that won an override: memory held
// against the draft, which counts as successful use.
func (e *Enforcer) emitRefutations(ctx context.Context, res *Result) {
	for _, id := range res.CheckedFacts {
		if err := e.facts.Reinforce(ctx, id); err != nil {
			e.log.Warn("reinforcement failed", zap.String("fact", id), zap.Error(err))
		}
	}
}

// assertionShapes extract user statements worth remembering as
// observations, e.g. "my name is Alice".
var assertionShape = regexp.MustCompile(`(?i)\bmy\s+([a-z][a-z _-]{1,40}?)\s+(?:is|are)\s+([^.,;!?]{1,200})`)

// emitAssertions records user self-statements as CHAT_USER observations.
// Failures are logged, never fatal: assertion capture is opportunistic.
func (e *Enforcer) emitAssertions(ctx context.Context, userMessage string) {
	for _, m := range assertionShape.FindAllStringSubmatch(userMessage, 5) {
		key := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])
		if key == "" || value == "" {
			continue
		}
		_, err := e.facts.StoreFact(ctx, fact.StoreFactRequest{
			Domain:    e.guessDomain(key),
			Key:       key,
			Value:     value,
			Source:    store.SourceChatUser,
			Authority: store.AuthorityShortTerm,
		})
		if err != nil {
			e.log.Debug("assertion not stored", zap.String("key", key), zap.Error(err))
		}
	}
}

// guessDomain maps an asserted key to its home domain via the schema.
func (e *Enforcer) guessDomain(key string) string {
	for _, d := range e.facts.Schema().KnownDomains() {
		for _, k := range e.facts.Schema().KnownKeys(d) {
			if k == key {
				return d
			}
		}
	}
	return "identity"
}
