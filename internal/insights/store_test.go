package insights

import (
	"path/filepath"
	"testing"
	"time"

	"hadoctor/internal/docstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ds, err := docstore.Open(filepath.Join(t.TempDir(), "insights_test.db"), nil)
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { ds.Close() })
	return NewStore(ds, nil)
}

func errorCandidate(id, alias string) Candidate {
	return Candidate{
		Category:        CategorySingle,
		InsightType:     "error",
		Severity:        "warning",
		Title:           "Issues in '" + alias + "'",
		Description:     "something is off",
		AutomationIDs:   []string{id},
		AutomationNames: []string{alias},
		Recommendation:  "Review the automation for the identified issues.",
	}
}

func TestID_OrderIndependent(t *testing.T) {
	a := Candidate{
		Category:         CategoryMulti,
		InsightType:      "conflict",
		AutomationIDs:    []string{"a1", "a2"},
		AffectedEntities: []string{"light.x", "light.y"},
	}
	b := Candidate{
		Category:         CategoryMulti,
		InsightType:      "conflict",
		AutomationIDs:    []string{"a2", "a1"},
		AffectedEntities: []string{"light.y", "light.x"},
	}

	if ID(a) != ID(b) {
		t.Errorf("ID(a) = %q, ID(b) = %q; want equal", ID(a), ID(b))
	}
	if len(ID(a)) != 16 {
		t.Errorf("ID length = %d, want 16", len(ID(a)))
	}
}

func TestID_DistinguishesCandidates(t *testing.T) {
	a := errorCandidate("a1", "One")
	b := errorCandidate("a2", "Two")
	if ID(a) == ID(b) {
		t.Error("different automations produced the same ID")
	}

	c := a
	c.InsightType = "conflict"
	if ID(a) == ID(c) {
		t.Error("different insight types produced the same ID")
	}
}

func TestAdd_NewAndDuplicate(t *testing.T) {
	s := newTestStore(t)

	added, err := s.Add([]Candidate{errorCandidate("a1", "One"), errorCandidate("a2", "Two")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}

	// Re-adding the same candidates counts zero new insights.
	added, err = s.Add([]Candidate{errorCandidate("a1", "One")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added != 0 {
		t.Errorf("added = %d, want 0", added)
	}

	all, err := s.GetAll("")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("stored insights = %d, want 2", len(all))
	}
}

func TestAdd_RefreshPreservesFirstSeenAndResolved(t *testing.T) {
	s := newTestStore(t)

	t0 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	c := errorCandidate("a1", "One")
	if _, err := s.Add([]Candidate{c}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	id := ID(c)
	if _, err := s.MarkResolved(id, true); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}

	t1 := t0.Add(24 * time.Hour)
	s.now = func() time.Time { return t1 }

	c.Description = "updated description"
	if _, err := s.Add([]Candidate{c}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	all, err := s.GetAll("")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("stored insights = %d, want 1", len(all))
	}

	ins := all[0]
	if !ins.FirstSeen.Equal(t0) {
		t.Errorf("FirstSeen = %v, want %v", ins.FirstSeen, t0)
	}
	if !ins.LastSeen.Equal(t1) {
		t.Errorf("LastSeen = %v, want %v", ins.LastSeen, t1)
	}
	if !ins.Resolved {
		t.Error("Resolved flag was lost on refresh")
	}
	if ins.Description != "updated description" {
		t.Errorf("Description = %q, not refreshed", ins.Description)
	}
}

func TestGetAll_CategoryFilterAndOrder(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	if _, err := s.Add([]Candidate{errorCandidate("a1", "One")}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.now = func() time.Time { return base.Add(time.Hour) }
	conflict := Candidate{
		Category:      CategoryMulti,
		InsightType:   "conflict",
		Severity:      "critical",
		Title:         "State Conflict",
		AutomationIDs: []string{"a1", "a2"},
	}
	if _, err := s.Add([]Candidate{conflict}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	multi, err := s.GetAll(CategoryMulti)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(multi) != 1 || multi[0].Category != CategoryMulti {
		t.Errorf("category filter returned %+v", multi)
	}

	all, err := s.GetAll("")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all insights = %d, want 2", len(all))
	}
	// Newest last_seen first.
	if all[0].Category != CategoryMulti {
		t.Errorf("first insight = %+v, want the newer conflict", all[0])
	}
}

func TestUnresolvedCountAndClearResolved(t *testing.T) {
	s := newTestStore(t)

	one := errorCandidate("a1", "One")
	two := errorCandidate("a2", "Two")
	if _, err := s.Add([]Candidate{one, two}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	count, err := s.UnresolvedCount()
	if err != nil {
		t.Fatalf("UnresolvedCount: %v", err)
	}
	if count != 2 {
		t.Errorf("UnresolvedCount = %d, want 2", count)
	}

	found, err := s.MarkResolved(ID(one), true)
	if err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if !found {
		t.Fatal("MarkResolved did not find the insight")
	}

	count, err = s.UnresolvedCount()
	if err != nil {
		t.Fatalf("UnresolvedCount: %v", err)
	}
	if count != 1 {
		t.Errorf("UnresolvedCount = %d, want 1", count)
	}

	removed, err := s.ClearResolved()
	if err != nil {
		t.Fatalf("ClearResolved: %v", err)
	}
	if removed != 1 {
		t.Errorf("ClearResolved = %d, want 1", removed)
	}

	all, err := s.GetAll("")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 || all[0].InsightID != ID(two) {
		t.Errorf("remaining insights = %+v", all)
	}
}

func TestMarkResolved_Unknown(t *testing.T) {
	s := newTestStore(t)

	found, err := s.MarkResolved("deadbeefdeadbeef", true)
	if err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}
	if found {
		t.Error("MarkResolved found a nonexistent insight")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	c := errorCandidate("a1", "One")
	if _, err := s.Add([]Candidate{c}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	deleted, err := s.Delete(ID(c))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Error("Delete did not find the insight")
	}

	deleted, err = s.Delete(ID(c))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Error("second Delete reported success")
	}
}
