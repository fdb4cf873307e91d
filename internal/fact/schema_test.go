package fact

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(SchemaOptions{})
	if err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return s
}

func TestCoreDomainKeyAccepted(t *testing.T) {
	s := newTestSchema(t)
	domain, key, err := s.Validate("identity", "name", "Alice")
	if err != nil {
		t.Fatalf("core key rejected: %v", err)
	}
	if domain != "identity" || key != "name" {
		t.Errorf("normalized to %s/%s", domain, key)
	}
}

func TestNormalization(t *testing.T) {
	s := newTestSchema(t)
	domain, key, err := s.Validate("Identity", "  Name ", "Alice")
	if err != nil {
		t.Fatalf("normalized core key rejected: %v", err)
	}
	if domain != "identity" || key != "name" {
		t.Errorf("normalized to %s/%s, want identity/name", domain, key)
	}
}

func TestFuzzyKeyMatchRescuesNearMiss(t *testing.T) {
	s := newTestSchema(t)
	// "emplyer" is one edit from "employer": similarity 7/8 = 0.875 >= 0.85.
	_, key, err := s.Validate("professional", "emplyer", "Acme")
	if err != nil {
		t.Fatalf("near-miss rejected: %v", err)
	}
	if key != "employer" {
		t.Errorf("fuzzy match resolved to %q, want employer", key)
	}
}

func TestNumberedKeys(t *testing.T) {
	s := newTestSchema(t)
	for _, k := range []string{"child_1", "child_2", "child_17"} {
		if _, _, err := s.Validate("family", k, "x"); err != nil {
			t.Errorf("numbered key %s rejected: %v", k, err)
		}
	}
	// Numbered form of an unknown prefix does not validate.
	if _, _, err := s.Validate("family", "vehicle_1", "x"); err == nil {
		t.Error("numbered key with unknown prefix accepted")
	}
}

func TestForbiddenPatternsAlwaysRejected(t *testing.T) {
	s := newTestSchema(t)
	cases := []struct{ key, value string }{
		{"password", "hunter2"},
		{"api_key", "sk-123"},
		{"name", "my password is hunter2"},
		{"note", "SSN 123-45-6789"},
	}
	for _, c := range cases {
		_, _, err := s.Validate("identity", c.key, c.value)
		if !errors.Is(err, ErrSchemaViolation) {
			t.Errorf("Validate(%q, %q) = %v, want schema violation", c.key, c.value, err)
		}
	}
}

func TestUnknownKeyLearnsAfterThreshold(t *testing.T) {
	s := newTestSchema(t)
	for i := 0; i < 3; i++ {
		if _, _, err := s.Validate("identity", "blood_type", "O+"); !errors.Is(err, ErrSchemaViolation) {
			t.Fatalf("use %d: err = %v, want schema violation", i+1, err)
		}
	}
	// Learned now; the retry passes.
	if _, _, err := s.Validate("identity", "blood_type", "O+"); err != nil {
		t.Fatalf("learned key still rejected: %v", err)
	}
}

type fixedThresholds struct{ deltas map[string]float64 }

func (f *fixedThresholds) ThresholdDelta(domain string) float64 { return f.deltas[domain] }

func TestCreationThresholdTracksDomainRecord(t *testing.T) {
	src := &fixedThresholds{deltas: map[string]float64{
		"identity":     -1.5, // reliable domain learns keys faster
		"professional": 1.0,  // conflict-prone domain learns slower
	}}
	s, err := NewSchema(SchemaOptions{Thresholds: src})
	if err != nil {
		t.Fatalf("creating schema: %v", err)
	}

	// Base threshold 3 shifted by -1.5 rounds up to 2 uses.
	if _, _, err := s.Validate("identity", "blood_type", "O+"); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("first use: err = %v, want schema violation", err)
	}
	if _, _, err := s.Validate("identity", "blood_type", "O+"); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("second use: err = %v, want learn-and-retry", err)
	}
	if _, _, err := s.Validate("identity", "blood_type", "O+"); err != nil {
		t.Fatalf("learned key still rejected: %v", err)
	}

	// Shifted to 4: three uses are not enough.
	for i := 0; i < 3; i++ {
		if _, _, err := s.Validate("professional", "clearance", "secret"); !errors.Is(err, ErrSchemaViolation) {
			t.Fatalf("use %d: err = %v, want schema violation", i+1, err)
		}
	}
	if _, _, err := s.Validate("professional", "clearance", "secret"); !errors.Is(err, ErrSchemaViolation) {
		t.Fatalf("fourth use: err = %v, want learn-and-retry", err)
	}
	if _, _, err := s.Validate("professional", "clearance", "secret"); err != nil {
		t.Fatalf("learned key still rejected: %v", err)
	}
}

func TestUnknownDomainCreatesAfterThreshold(t *testing.T) {
	s := newTestSchema(t)
	for i := 0; i < 3; i++ {
		if _, _, err := s.Validate("gaming", "platform", "pc"); !errors.Is(err, ErrSchemaViolation) {
			t.Fatalf("use %d: err = %v, want schema violation", i+1, err)
		}
	}
	if _, _, err := s.Validate("gaming", "platform", "pc"); err != nil {
		t.Fatalf("created domain still rejected: %v", err)
	}
	found := false
	for _, d := range s.KnownDomains() {
		if d == "gaming" {
			found = true
		}
	}
	if !found {
		t.Error("created domain missing from KnownDomains")
	}
}

func TestDynamicDomainCap(t *testing.T) {
	s, err := NewSchema(SchemaOptions{MaxDynamicDomains: 1})
	if err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	for i := 0; i < 3; i++ {
		s.Validate("gaming", "platform", "pc")
	}
	if _, _, err := s.Validate("gaming", "platform", "pc"); err != nil {
		t.Fatalf("first dynamic domain rejected: %v", err)
	}
	for i := 0; i < 2; i++ {
		s.Validate("cooking", "cuisine", "thai")
	}
	_, _, err = s.Validate("cooking", "cuisine", "thai")
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("cap breach err = %v, want limit exceeded", err)
	}
}

func TestSchemaPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.json")

	s, err := NewSchema(SchemaOptions{StatePath: path})
	if err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	for i := 0; i < 3; i++ {
		s.Validate("identity", "blood_type", "O+")
	}
	if _, _, err := s.Validate("identity", "blood_type", "O+"); err != nil {
		t.Fatalf("learned key rejected before reload: %v", err)
	}

	reloaded, err := NewSchema(SchemaOptions{StatePath: path})
	if err != nil {
		t.Fatalf("reloading schema: %v", err)
	}
	if _, _, err := reloaded.Validate("identity", "blood_type", "O+"); err != nil {
		t.Errorf("learned key lost on reload: %v", err)
	}
}

func TestSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		min  float64
		max  float64
	}{
		{"employer", "employer", 1, 1},
		{"emplyer", "employer", 0.85, 1},
		{"cat", "dog", 0, 0.2},
		{"", "", 1, 1},
	}
	for _, c := range cases {
		got := similarity(c.a, c.b)
		if got < c.min || got > c.max {
			t.Errorf("similarity(%q, %q) = %f, want in [%f, %f]", c.a, c.b, got, c.min, c.max)
		}
	}
}
