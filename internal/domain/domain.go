// Package domain classifies a piece of text into a memory domain by
// combining four weighted signals: semantic similarity against domain
// exemplars, whole-word keyword hits, learned domain-transition history,
// and a meta-prior, with a token-entropy term gating confidence on very
// short inputs. Below the confidence threshold the classifier answers
// "unknown" with a ranked secondary list instead of guessing.
package domain

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/config"
	"github.com/hurttlocker/engram/internal/embed"
	"github.com/hurttlocker/engram/internal/logging"
)

// Unknown is the answer when no domain clears the confidence threshold.
const Unknown = "unknown"

// Signal weights. The semantic weight is runtime-tunable through the
// parameter store; the rest are fixed.
const (
	keywordWeight    = 0.15
	transitionWeight = 0.20
	priorWeight      = 0.10
	entropyWeight    = 0.15

	// minEntropyTokens gates the entropy signal: below this many tokens
	// the term contributes nothing.
	minEntropyTokens = 10

	defaultConfidenceThreshold = 0.7
)

// Signal is the classification result for one text.
type Signal struct {
	Domain     string
	Confidence float64
	// Secondary ranks the remaining candidates, best first.
	Secondary []string
}

// Default exemplars and keywords per core domain. Dynamic domains get
// registered at runtime via RegisterDomain.
var defaultExemplars = map[string][]string{
	"identity":     {"my name is", "I am from", "I was born in", "I live in"},
	"family":       {"my wife", "my husband", "my kids", "my parents", "my brother"},
	"preferences":  {"I like", "I love", "my favorite", "I prefer", "I can't stand"},
	"professional": {"at work", "my job", "my company", "my career", "my team"},
	"assistant":    {"answer in", "be concise", "explain like", "format your reply"},
}

var defaultKeywords = map[string][]string{
	"identity":     {"name", "age", "born", "live", "nationality", "email"},
	"family":       {"wife", "husband", "partner", "son", "daughter", "child", "kids", "mother", "father", "sister", "brother", "pet"},
	"preferences":  {"like", "love", "favorite", "prefer", "hate", "dislike", "enjoy"},
	"professional": {"work", "job", "company", "career", "role", "team", "project", "boss"},
	"assistant":    {"concise", "verbose", "format", "tone", "style", "language"},
}

// Activator supplies a confidence bonus when the text matches a learned
// universal pattern. The meta-learning layer implements it.
type Activator interface {
	Activation(text string) float64
}

// Options configures the classifier.
type Options struct {
	Embedder embed.Embedder // nil disables the semantic signal
	Params   *config.ParamStore
	// Activator, when set, lifts confidence for texts matching universal
	// patterns. Nil disables the bonus.
	Activator Activator
	// ConfidenceThreshold below which the answer is "unknown". Zero
	// means 0.7.
	ConfidenceThreshold float64
	Logger              *zap.Logger
}

// Classifier scores text against known domains.
type Classifier struct {
	embedder  embed.Embedder
	params    *config.ParamStore
	activator Activator
	threshold float64
	log       *zap.Logger

	mu          sync.Mutex
	exemplars   map[string][]string
	keywords    map[string]*regexp.Regexp
	transitions map[string]map[string]int // from -> to -> count
	priors      map[string]float64        // meta-prior bonus per domain
	lastDomain  string

	cache *exemplarCache
}

// New creates a classifier seeded with the core domains.
func New(opts Options) *Classifier {
	if opts.Params == nil {
		opts.Params = config.NewParamStore(config.DefaultParams())
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = defaultConfidenceThreshold
	}
	c := &Classifier{
		embedder:    opts.Embedder,
		params:      opts.Params,
		activator:   opts.Activator,
		threshold:   opts.ConfidenceThreshold,
		log:         logging.OrNop(opts.Logger),
		exemplars:   make(map[string][]string),
		keywords:    make(map[string]*regexp.Regexp),
		transitions: make(map[string]map[string]int),
		priors:      make(map[string]float64),
		cache:       newExemplarCache(20),
	}
	for d, ex := range defaultExemplars {
		c.exemplars[d] = append([]string(nil), ex...)
	}
	for d, kws := range defaultKeywords {
		c.keywords[d] = keywordPattern(kws)
	}
	return c
}

// keywordPattern builds one whole-word alternation; substring hits like
// "password" for "word" must not match.
func keywordPattern(keywords []string) *regexp.Regexp {
	quoted := make([]string, len(keywords))
	for i, kw := range keywords {
		quoted[i] = regexp.QuoteMeta(kw)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

// RegisterDomain makes a dynamic domain classifiable. Exemplars and
// keywords may be empty; the domain then relies on transitions and priors.
func (c *Classifier) RegisterDomain(domain string, exemplars, keywords []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.exemplars[domain]; !ok {
		c.exemplars[domain] = nil
	}
	c.exemplars[domain] = append(c.exemplars[domain], exemplars...)
	if len(keywords) > 0 {
		c.keywords[domain] = keywordPattern(keywords)
	}
}

// SetPrior sets the meta-prior bonus for a domain. The meta-learning layer
// uses this to activate universal patterns in domains with no history.
func (c *Classifier) SetPrior(domain string, bonus float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priors[domain] = bonus
}

// ObserveOutcome records the accepted domain for transition learning.
func (c *Classifier) ObserveOutcome(domain string) {
	if domain == "" || domain == Unknown {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastDomain != "" {
		m, ok := c.transitions[c.lastDomain]
		if !ok {
			m = make(map[string]int)
			c.transitions[c.lastDomain] = m
		}
		m[domain]++
	}
	c.lastDomain = domain
}

// Classify scores the text against every known domain.
func (c *Classifier) Classify(ctx context.Context, text string) (*Signal, error) {
	if strings.TrimSpace(text) == "" {
		return &Signal{Domain: Unknown}, nil
	}

	c.mu.Lock()
	domains := make([]string, 0, len(c.exemplars))
	for d := range c.exemplars {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	last := c.lastDomain
	c.mu.Unlock()

	semWeight := c.params.Load().DomainWeight

	scores := make(map[string]float64, len(domains))
	for _, d := range domains {
		sem, err := c.semanticScore(ctx, d, text)
		if err != nil {
			// Semantic degradation is survivable; the other signals
			// still classify.
			c.log.Warn("semantic signal failed", zap.String("domain", d), zap.Error(err))
			sem = 0
		}
		scores[d] = semWeight*sem +
			keywordWeight*c.keywordScore(d, text) +
			transitionWeight*c.transitionScore(last, d) +
			priorWeight*c.priorScore(d)
	}

	ranked := make([]string, 0, len(domains))
	for _, d := range domains {
		ranked = append(ranked, d)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return scores[ranked[i]] > scores[ranked[j]] })

	// Entropy and universal-pattern activation are domain-independent, so
	// they cannot reorder candidates; they only move the winner's
	// confidence relative to the threshold.
	best := ranked[0]
	confidence := scores[best] + entropyWeight*tokenEntropy(text)
	if c.activator != nil {
		confidence += c.activator.Activation(text)
	}

	sig := &Signal{Confidence: confidence}
	if confidence >= c.threshold {
		sig.Domain = best
		sig.Secondary = ranked[1:]
	} else {
		sig.Domain = Unknown
		sig.Secondary = ranked
	}
	return sig, nil
}

// semanticScore is the best cosine against the domain's exemplars,
// clamped to [0,1].
func (c *Classifier) semanticScore(ctx context.Context, domain, text string) (float64, error) {
	if c.embedder == nil {
		return 0, nil
	}
	c.mu.Lock()
	exemplars := append([]string(nil), c.exemplars[domain]...)
	c.mu.Unlock()
	if len(exemplars) == 0 {
		return 0, nil
	}

	exVecs, err := c.cache.get(ctx, c.embedder, exemplars)
	if err != nil {
		return 0, err
	}
	qv, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return 0, err
	}

	best := 0.0
	for _, ev := range exVecs {
		if cos := cosine(qv, ev); cos > best {
			best = cos
		}
	}
	return best, nil
}

func (c *Classifier) keywordScore(domain, text string) float64 {
	c.mu.Lock()
	p := c.keywords[domain]
	c.mu.Unlock()
	if p == nil {
		return 0
	}
	hits := len(p.FindAllString(text, 3))
	return float64(hits) / 3
}

// transitionScore is P(next = domain | last) from recorded history.
func (c *Classifier) transitionScore(last, domain string) float64 {
	if last == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.transitions[last]
	if len(m) == 0 {
		return 0
	}
	total := 0
	for _, n := range m {
		total += n
	}
	return float64(m[domain]) / float64(total)
}

func (c *Classifier) priorScore(domain string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.priors[domain]
	if b > 1 {
		b = 1
	}
	return b
}

// tokenEntropy is the normalized Shannon entropy of the token
// distribution, zero for texts under the minimum token count.
func tokenEntropy(text string) float64 {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) < minEntropyTokens {
		return 0
	}
	counts := make(map[string]int, len(tokens))
	for _, t := range tokens {
		counts[t]++
	}
	if len(counts) < 2 {
		return 0
	}
	h := 0.0
	n := float64(len(tokens))
	for _, cnt := range counts {
		p := float64(cnt) / n
		h -= p * math.Log2(p)
	}
	return h / math.Log2(float64(len(counts)))
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if cos < 0 {
		return 0
	}
	return cos
}

// exemplarCache is a small LRU of exemplar-set embeddings, keyed by the
// exemplar set itself so updated exemplar lists never serve stale vectors.
type exemplarCache struct {
	mu    sync.Mutex
	cap   int
	order []string
	items map[string][][]float32
}

func newExemplarCache(capacity int) *exemplarCache {
	return &exemplarCache{cap: capacity, items: make(map[string][][]float32)}
}

func (c *exemplarCache) get(ctx context.Context, e embed.Embedder, exemplars []string) ([][]float32, error) {
	key := strings.Join(exemplars, "\x00")

	c.mu.Lock()
	if vecs, ok := c.items[key]; ok {
		c.touch(key)
		c.mu.Unlock()
		return vecs, nil
	}
	c.mu.Unlock()

	vecs, err := e.EmbedBatch(ctx, exemplars)
	if err != nil {
		return nil, fmt.Errorf("embedding exemplars: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		c.items[key] = vecs
		c.order = append(c.order, key)
		for len(c.order) > c.cap {
			evict := c.order[0]
			c.order = c.order[1:]
			delete(c.items, evict)
		}
	}
	c.touch(key)
	return vecs, nil
}

func (c *exemplarCache) touch(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}
