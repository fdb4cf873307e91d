package fact

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Core domains and their seed keys. Dynamic domains and keys grow from
// usage; nothing here is ever removed.
var coreDomains = map[string][]string{
	"identity":     {"name", "age", "location", "birth_year", "nationality", "email"},
	"family":       {"spouse", "partner", "child", "parent", "sibling", "pet"},
	"preferences":  {"likes", "dislikes", "favorite", "editor", "style"},
	"professional": {"employer", "role", "skill", "project", "team"},
	"assistant":    {"tone", "language", "format", "verbosity"},
}

// forbiddenPatterns always reject, regardless of schema state. Secrets and
// financial identifiers do not belong in long-term memory.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)password`),
	regexp.MustCompile(`(?i)api[_-]?key`),
	regexp.MustCompile(`(?i)secret[_-]?token`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),    // SSN-shaped
	regexp.MustCompile(`\b\d{9,18}\b.*(?i:account)`), // bank-account-shaped
	regexp.MustCompile(`(?i:account).*\b\d{9,18}\b`),
}

// numberedKey matches prefix_N keys like child_1, child_2.
var numberedKey = regexp.MustCompile(`^([a-z][a-z0-9]*(?:_[a-z][a-z0-9]*)*)_(\d+)$`)

// schemaState is the JSON-persisted shape of the adaptive schema.
type schemaState struct {
	// Domains maps domain name -> sorted known keys.
	Domains map[string][]string `json:"domains"`
	// DynamicDomains lists domains added at runtime, for the cap.
	DynamicDomains []string `json:"dynamic_domains"`
	// DomainUsage counts valid uses of not-yet-created domains.
	DomainUsage map[string]int `json:"domain_usage"`
	// KeyUsage counts uses of unknown keys within known domains,
	// keyed "domain/key".
	KeyUsage map[string]int `json:"key_usage"`
}

// ThresholdSource adjusts the creation threshold per domain from learned
// success rates. The meta-learning layer implements it: a negative delta
// lets reliable domains learn keys faster, a positive one slows down
// domains that keep producing conflicts.
type ThresholdSource interface {
	ThresholdDelta(domain string) float64
}

// Schema is the adaptive domain/key schema. Growth is monotone: domains and
// keys are added when usage crosses the creation threshold, never removed.
type Schema struct {
	mu    sync.Mutex
	state schemaState
	path  string // empty disables persistence

	creationThreshold int
	maxDynamicDomains int
	fuzzyThreshold    float64
	thresholds        ThresholdSource
}

// SchemaOptions configures schema growth. Zero values get defaults.
type SchemaOptions struct {
	// StatePath is the JSON file the schema persists to. Empty keeps the
	// schema in memory only (tests).
	StatePath         string
	CreationThreshold int
	MaxDynamicDomains int
	FuzzyThreshold    float64
	// Thresholds, when set, shifts the creation threshold per domain. Nil
	// keeps the static threshold everywhere.
	Thresholds ThresholdSource
}

// NewSchema loads (or initializes) the adaptive schema.
func NewSchema(opts SchemaOptions) (*Schema, error) {
	if opts.CreationThreshold <= 0 {
		opts.CreationThreshold = 3
	}
	if opts.MaxDynamicDomains <= 0 {
		opts.MaxDynamicDomains = 50
	}
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.85
	}

	s := &Schema{
		path:              opts.StatePath,
		creationThreshold: opts.CreationThreshold,
		maxDynamicDomains: opts.MaxDynamicDomains,
		fuzzyThreshold:    opts.FuzzyThreshold,
		thresholds:        opts.Thresholds,
	}
	s.state = schemaState{
		Domains:     make(map[string][]string),
		DomainUsage: make(map[string]int),
		KeyUsage:    make(map[string]int),
	}
	for d, keys := range coreDomains {
		sorted := append([]string(nil), keys...)
		sort.Strings(sorted)
		s.state.Domains[d] = sorted
	}

	if s.path != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// load merges persisted state over the seeded core schema.
func (s *Schema) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading schema state: %w", err)
	}
	var saved schemaState
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("decoding schema state %s: %w", s.path, err)
	}
	for d, keys := range saved.Domains {
		for _, k := range keys {
			s.addKeyLocked(d, k)
		}
	}
	s.state.DynamicDomains = saved.DynamicDomains
	for d, n := range saved.DomainUsage {
		s.state.DomainUsage[d] = n
	}
	for k, n := range saved.KeyUsage {
		s.state.KeyUsage[k] = n
	}
	return nil
}

// save atomically rewrites the state file (write temp, then rename).
func (s *Schema) save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding schema state: %w", err)
	}
	return atomicWrite(s.path, data)
}

// atomicWrite writes data to path via a temp file and rename, so a crash
// never leaves a half-written state file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

func (s *Schema) addKeyLocked(domain, key string) {
	keys := s.state.Domains[domain]
	for _, k := range keys {
		if k == key {
			return
		}
	}
	keys = append(keys, key)
	sort.Strings(keys)
	s.state.Domains[domain] = keys
}

func (s *Schema) knownKeyLocked(domain, key string) bool {
	for _, k := range s.state.Domains[domain] {
		if k == key {
			return true
		}
	}
	return false
}

// normalize lowercases and snake_cases a domain or key name.
func normalize(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

// Validate checks (domain, key, value) against the adaptive schema and
// returns the normalized domain and key to store under. Unknown domains and
// keys accumulate usage and are auto-created once they cross the creation
// threshold; until then the call fails with ErrSchemaViolation.
func (s *Schema) Validate(domain, key, value string) (string, string, error) {
	domain = normalize(domain)
	key = normalize(key)
	if domain == "" || key == "" {
		return "", "", fmt.Errorf("%w: empty domain or key", ErrSchemaViolation)
	}

	for _, p := range forbiddenPatterns {
		if p.MatchString(key) || p.MatchString(value) {
			return "", "", fmt.Errorf("%w: forbidden content in %s/%s", ErrSchemaViolation, domain, key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Domains[domain]; !ok {
		return "", "", s.recordUnknownDomainLocked(domain, key)
	}

	if s.knownKeyLocked(domain, key) {
		return domain, key, nil
	}

	// Numbered keys validate against their prefix: child_2 is fine when
	// "child" is a known key.
	if m := numberedKey.FindStringSubmatch(key); m != nil && s.knownKeyLocked(domain, m[1]) {
		return domain, key, nil
	}

	// Fuzzy rescue: a near-miss of a known key stores under the known key.
	if match, ok := s.fuzzyMatchLocked(domain, key); ok {
		return domain, match, nil
	}

	return "", "", s.recordUnknownKeyLocked(domain, key)
}

// effectiveThresholdLocked is the creation threshold for one domain, the
// static base shifted by the learned delta and floored at one use.
func (s *Schema) effectiveThresholdLocked(domain string) int {
	if s.thresholds == nil {
		return s.creationThreshold
	}
	n := int(math.Ceil(float64(s.creationThreshold) + s.thresholds.ThresholdDelta(domain)))
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Schema) recordUnknownDomainLocked(domain, key string) error {
	threshold := s.effectiveThresholdLocked(domain)
	s.state.DomainUsage[domain]++
	if s.state.DomainUsage[domain] < threshold {
		if err := s.save(); err != nil {
			return err
		}
		return fmt.Errorf("%w: unknown domain %q (%d/%d uses toward creation)",
			ErrSchemaViolation, domain, s.state.DomainUsage[domain], threshold)
	}
	if len(s.state.DynamicDomains) >= s.maxDynamicDomains {
		return fmt.Errorf("%w: dynamic domain cap (%d) reached, cannot create %q",
			ErrLimitExceeded, s.maxDynamicDomains, domain)
	}
	s.state.Domains[domain] = []string{}
	s.state.DynamicDomains = append(s.state.DynamicDomains, domain)
	delete(s.state.DomainUsage, domain)
	s.addKeyLocked(domain, key)
	if err := s.save(); err != nil {
		return err
	}
	// Creation succeeded: the triggering write is still rejected; the
	// caller retries and passes cleanly from now on.
	return fmt.Errorf("%w: domain %q created, retry the write", ErrSchemaViolation, domain)
}

func (s *Schema) recordUnknownKeyLocked(domain, key string) error {
	threshold := s.effectiveThresholdLocked(domain)
	usageKey := domain + "/" + key
	s.state.KeyUsage[usageKey]++
	if s.state.KeyUsage[usageKey] < threshold {
		if err := s.save(); err != nil {
			return err
		}
		return fmt.Errorf("%w: unknown key %q in domain %q (%d/%d uses toward learning)",
			ErrSchemaViolation, key, domain, s.state.KeyUsage[usageKey], threshold)
	}
	s.addKeyLocked(domain, key)
	delete(s.state.KeyUsage, usageKey)
	if err := s.save(); err != nil {
		return err
	}
	return fmt.Errorf("%w: key %q learned in domain %q, retry the write", ErrSchemaViolation, key, domain)
}

func (s *Schema) fuzzyMatchLocked(domain, key string) (string, bool) {
	best := ""
	bestScore := 0.0
	for _, known := range s.state.Domains[domain] {
		score := similarity(key, known)
		if score > bestScore {
			best = known
			bestScore = score
		}
	}
	if bestScore >= s.fuzzyThreshold {
		return best, true
	}
	return "", false
}

// NormalizeKey resolves a key the way Validate would, without mutating
// usage counters. Used on the read path.
func (s *Schema) NormalizeKey(domain, key string) string {
	domain = normalize(domain)
	key = normalize(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.knownKeyLocked(domain, key) {
		return key
	}
	if m := numberedKey.FindStringSubmatch(key); m != nil && s.knownKeyLocked(domain, m[1]) {
		return key
	}
	if match, ok := s.fuzzyMatchLocked(domain, key); ok {
		return match
	}
	return key
}

// KnownDomains returns the current domain list, sorted.
func (s *Schema) KnownDomains() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.state.Domains))
	for d := range s.state.Domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// KnownKeys returns the known keys for a domain, sorted.
func (s *Schema) KnownKeys(domain string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.state.Domains[normalize(domain)]...)
}
