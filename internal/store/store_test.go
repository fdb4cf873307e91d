package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertFact(t *testing.T, s *Store, domain, key, value, status string) *Fact {
	t.Helper()
	f := &Fact{Domain: domain, Key: key, Value: value, Status: status, Confidence: 0.6,
		Authority: AuthorityShortTerm, Source: SourceChatUser}
	if err := s.InsertFact(context.Background(), f); err != nil {
		t.Fatalf("inserting %s/%s: %v", domain, key, err)
	}
	return f
}

func TestCanonicalUniquenessEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertFact(t, s, "identity", "name", "Alice", StatusActive)
	// A second canonical fact for the same key must be rejected.
	dup := &Fact{Domain: "identity", Key: "name", Value: "Bob", Status: StatusActive}
	if err := s.InsertFact(ctx, dup); err == nil {
		t.Fatal("second canonical fact for the same key accepted")
	}
	// A deprecated sibling is allowed.
	old := &Fact{Domain: "identity", Key: "name", Value: "Bob", Status: StatusDeprecated}
	if err := s.InsertFact(ctx, old); err != nil {
		t.Fatalf("deprecated sibling rejected: %v", err)
	}
}

func TestCanonicalLookupAfterDemotion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := insertFact(t, s, "identity", "age", "30", StatusActive)
	got, err := s.GetCanonicalFact(ctx, "identity", "age")
	if err != nil || got == nil || got.ID != f.ID {
		t.Fatalf("canonical lookup = %+v, %v", got, err)
	}

	if err := s.UpdateFactStatus(ctx, f.ID, StatusDeprecated, "superseded"); err != nil {
		t.Fatalf("demoting: %v", err)
	}
	got, err = s.GetCanonicalFact(ctx, "identity", "age")
	if err != nil {
		t.Fatalf("lookup after demotion: %v", err)
	}
	if got != nil {
		t.Errorf("deprecated fact still canonical: %+v", got)
	}

	byID, err := s.GetFact(ctx, f.ID)
	if err != nil {
		t.Fatalf("lookup by id: %v", err)
	}
	if byID.DeprecatedReason != "superseded" {
		t.Errorf("deprecated reason = %q", byID.DeprecatedReason)
	}
}

func TestAuthorityOnlyRaises(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := insertFact(t, s, "identity", "name", "Alice", StatusActive)
	if err := s.UpdateFactAuthority(ctx, f.ID, AuthorityLongTerm); err != nil {
		t.Fatalf("raising authority: %v", err)
	}
	if err := s.UpdateFactAuthority(ctx, f.ID, AuthorityTest); err != nil {
		t.Fatalf("lowering authority: %v", err)
	}
	got, err := s.GetFact(ctx, f.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Authority != AuthorityLongTerm {
		t.Errorf("authority = %s, want LONG_TERM kept", got.Authority)
	}
}

func TestObservationsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"Alice", "Alice", "Alina"} {
		err := s.AppendObservation(ctx, &Observation{
			Domain: "identity", Key: "name", Value: v,
			Source: SourceChatUser, Authority: AuthorityShortTerm,
		})
		if err != nil {
			t.Fatalf("appending: %v", err)
		}
	}
	obs, err := s.ListObservations(ctx, "identity", "name")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(obs) != 3 {
		t.Errorf("observations = %d, want 3", len(obs))
	}

	keys, err := s.ListObservedKeys(ctx, "identity")
	if err != nil {
		t.Fatalf("listing keys: %v", err)
	}
	if len(keys) != 1 || keys[0][1] != "name" {
		t.Errorf("observed keys = %v", keys)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetMeta(ctx, "missing")
	if err != nil || got != "" {
		t.Fatalf("missing meta = %q, %v", got, err)
	}
	if err := s.SetMeta(ctx, "marker", "2026-08-24"); err != nil {
		t.Fatalf("setting: %v", err)
	}
	if err := s.SetMeta(ctx, "marker", "2026-08-25"); err != nil {
		t.Fatalf("overwriting: %v", err)
	}
	got, err = s.GetMeta(ctx, "marker")
	if err != nil || got != "2026-08-25" {
		t.Errorf("meta = %q, %v", got, err)
	}
}

func TestConflictLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &Conflict{Domain: "identity", Key: "name", CompetingValues: []string{"Alice", "Bob"}}
	if err := s.InsertConflict(ctx, c); err != nil {
		t.Fatalf("inserting: %v", err)
	}

	open, err := s.ListConflicts(ctx, "", true, 0)
	if err != nil || len(open) != 1 {
		t.Fatalf("open conflicts = %d, %v", len(open), err)
	}
	if len(open[0].CompetingValues) != 2 {
		t.Errorf("competing values = %v", open[0].CompetingValues)
	}

	if err := s.ResolveConflict(ctx, c.ID, "Alice wins on weight"); err != nil {
		t.Fatalf("resolving: %v", err)
	}
	open, err = s.ListConflicts(ctx, "", true, 0)
	if err != nil || len(open) != 0 {
		t.Errorf("open after resolve = %d, %v", len(open), err)
	}

	n, err := s.CountConflictsSince(ctx, time.Now().Add(-time.Minute))
	if err != nil || n != 1 {
		t.Errorf("conflicts since = %d, %v", n, err)
	}
}

func TestAccessLogDrivesCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := insertFact(t, s, "preferences", "editor", "vim", StatusActive)
	for i := 0; i < 3; i++ {
		if err := s.TouchFact(ctx, f.ID, "read"); err != nil {
			t.Fatalf("touching: %v", err)
		}
	}
	n, err := s.CountAccesses(ctx, f.ID, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != 3 {
		t.Errorf("accesses = %d, want 3", n)
	}
}

func TestFactEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := insertFact(t, s, "professional", "employer", "Initech", StatusActive)
	b := insertFact(t, s, "professional", "commute", "45 minutes", StatusActive)

	if err := s.AddFactEdge(ctx, b.ID, a.ID, "derived from employer"); err != nil {
		t.Fatalf("adding edge: %v", err)
	}
	deps, err := s.ListDependents(ctx, a.ID)
	if err != nil || len(deps) != 1 || deps[0] != b.ID {
		t.Fatalf("dependents = %v, %v", deps, err)
	}
	has, err := s.HasDependents(ctx, a.ID)
	if err != nil || !has {
		t.Errorf("HasDependents = %v, %v", has, err)
	}
	has, err = s.HasDependents(ctx, b.ID)
	if err != nil || has {
		t.Errorf("leaf HasDependents = %v, %v", has, err)
	}
}

func TestInjectedClockStampsRows(t *testing.T) {
	frozen := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, err := Open(Config{DBPath: ":memory:", Now: func() time.Time { return frozen }})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	f := insertFact(t, s, "identity", "name", "Alice", StatusActive)
	if !f.CreatedAt.Equal(frozen) {
		t.Errorf("fact created_at = %v, want %v", f.CreatedAt, frozen)
	}

	o := &Observation{Domain: "identity", Key: "name", Value: "Alice",
		Source: SourceChatUser, Authority: AuthorityShortTerm}
	if err := s.AppendObservation(ctx, o); err != nil {
		t.Fatalf("appending: %v", err)
	}
	if !o.CreatedAt.Equal(frozen) {
		t.Errorf("observation created_at = %v, want %v", o.CreatedAt, frozen)
	}

	if err := s.TouchFact(ctx, f.ID, "read"); err != nil {
		t.Fatalf("touching: %v", err)
	}
	got, err := s.GetFact(ctx, f.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !got.LastAccessedAt.Equal(frozen) {
		t.Errorf("last_accessed_at = %v, want %v", got.LastAccessedAt, frozen)
	}
}

func TestStatsAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertFact(t, s, "identity", "name", "Alice", StatusActive)
	insertFact(t, s, "family", "child_1", "Ana", StatusStable)
	insertFact(t, s, "family", "child_2", "Ben", StatusDeprecated)

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.FactCount != 3 {
		t.Errorf("fact count = %d", stats.FactCount)
	}
	if stats.FactsByStatus[StatusActive] != 1 || stats.FactsByStatus[StatusStable] != 1 {
		t.Errorf("by status = %v", stats.FactsByStatus)
	}
	if stats.FactsByDomain["family"] != 2 {
		t.Errorf("by domain = %v", stats.FactsByDomain)
	}
}
