// Package insights persists deduplicated findings from diagnosis runs.
// An insight survives across runs: re-detection refreshes its text and
// last_seen timestamp but never resets first_seen or the user's
// resolved flag.
package insights

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"hadoctor/internal/docstore"
)

// Insight categories.
const (
	CategorySingle = "single" // one automation
	CategoryMulti  = "multi"  // cross-automation (conflicts)
)

// Candidate is a finding produced by a diagnosis run, before
// deduplication against the stored history.
type Candidate struct {
	Category         string   `json:"category"`
	InsightType      string   `json:"insight_type"`
	Severity         string   `json:"severity"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	AutomationIDs    []string `json:"automation_ids"`
	AutomationNames  []string `json:"automation_names"`
	AffectedEntities []string `json:"affected_entities"`
	Recommendation   string   `json:"recommendation"`
}

// Insight is the durable, deduplicated form of a Candidate.
type Insight struct {
	InsightID        string    `json:"insight_id"`
	Category         string    `json:"category"`
	InsightType      string    `json:"insight_type"`
	Severity         string    `json:"severity"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	AutomationIDs    []string  `json:"automation_ids"`
	AutomationNames  []string  `json:"automation_names"`
	AffectedEntities []string  `json:"affected_entities"`
	Recommendation   string    `json:"recommendation"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	Resolved         bool      `json:"resolved"`
}

// document is the persisted shape.
type document struct {
	Insights []Insight `json:"insights"`
}

// Store persists insights behind a lock-guarded JSON document.
type Store struct {
	doc    *docstore.Doc
	logger *slog.Logger
	now    func() time.Time // overridable in tests
}

// NewStore creates an insight store over the given document store.
func NewStore(ds *docstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		doc:    ds.Doc("insights"),
		logger: logger.With("component", "insights"),
		now:    time.Now,
	}
}

// ID derives the deterministic deduplication key for a candidate:
// a truncated SHA-256 over category, type, and the sorted automation
// and entity sets. Candidates differing only in slice order produce
// the same ID.
func ID(c Candidate) string {
	ids := append([]string(nil), c.AutomationIDs...)
	sort.Strings(ids)
	entities := append([]string(nil), c.AffectedEntities...)
	sort.Strings(entities)

	key := c.Category + ":" + c.InsightType + ":" +
		strings.Join(ids, ":") + ":" + strings.Join(entities, ":")

	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// Add merges candidates into the store. Existing insights (same ID)
// get a refreshed last_seen, title, description, and recommendation;
// first_seen and resolved are preserved. Returns the number of new
// insights added.
func (s *Store) Add(candidates []Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	newCount := 0
	err := s.doc.Modify(func(raw json.RawMessage) (any, error) {
		doc := decode(raw)
		byID := make(map[string]int, len(doc.Insights))
		for i, ins := range doc.Insights {
			byID[ins.InsightID] = i
		}

		now := s.now().UTC()
		for _, c := range candidates {
			id := ID(c)
			if i, ok := byID[id]; ok {
				existing := &doc.Insights[i]
				existing.LastSeen = now
				existing.Title = c.Title
				existing.Description = c.Description
				existing.Recommendation = c.Recommendation
				continue
			}
			doc.Insights = append(doc.Insights, Insight{
				InsightID:        id,
				Category:         c.Category,
				InsightType:      c.InsightType,
				Severity:         c.Severity,
				Title:            c.Title,
				Description:      c.Description,
				AutomationIDs:    c.AutomationIDs,
				AutomationNames:  c.AutomationNames,
				AffectedEntities: c.AffectedEntities,
				Recommendation:   c.Recommendation,
				FirstSeen:        now,
				LastSeen:         now,
			})
			byID[id] = len(doc.Insights) - 1
			newCount++
		}

		sortByLastSeen(doc.Insights)
		return doc, nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("processed insights", "candidates", len(candidates), "new", newCount)
	return newCount, nil
}

// GetAll returns all insights sorted by last_seen descending,
// optionally filtered by category ("" for all).
func (s *Store) GetAll(category string) ([]Insight, error) {
	var out []Insight
	err := s.doc.View(func(raw json.RawMessage) error {
		doc := decode(raw)
		for _, ins := range doc.Insights {
			if category != "" && ins.Category != category {
				continue
			}
			out = append(out, ins)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByLastSeen(out)
	return out, nil
}

// UnresolvedCount returns the number of insights not marked resolved.
func (s *Store) UnresolvedCount() (int, error) {
	count := 0
	err := s.doc.View(func(raw json.RawMessage) error {
		for _, ins := range decode(raw).Insights {
			if !ins.Resolved {
				count++
			}
		}
		return nil
	})
	return count, err
}

// MarkResolved sets the resolved flag on one insight. Returns false
// when the ID is unknown.
func (s *Store) MarkResolved(insightID string, resolved bool) (bool, error) {
	found := false
	err := s.doc.Modify(func(raw json.RawMessage) (any, error) {
		doc := decode(raw)
		for i := range doc.Insights {
			if doc.Insights[i].InsightID == insightID {
				doc.Insights[i].Resolved = resolved
				found = true
				break
			}
		}
		return doc, nil
	})
	if err != nil {
		return false, err
	}
	if found {
		s.logger.Info("marked insight", "id", insightID, "resolved", resolved)
	}
	return found, nil
}

// Delete removes one insight permanently. Returns false when the ID is
// unknown.
func (s *Store) Delete(insightID string) (bool, error) {
	deleted := false
	err := s.doc.Modify(func(raw json.RawMessage) (any, error) {
		doc := decode(raw)
		kept := doc.Insights[:0]
		for _, ins := range doc.Insights {
			if ins.InsightID == insightID {
				deleted = true
				continue
			}
			kept = append(kept, ins)
		}
		doc.Insights = kept
		return doc, nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

// ClearResolved removes every resolved insight and returns how many
// were deleted.
func (s *Store) ClearResolved() (int, error) {
	deleted := 0
	err := s.doc.Modify(func(raw json.RawMessage) (any, error) {
		doc := decode(raw)
		kept := doc.Insights[:0]
		for _, ins := range doc.Insights {
			if ins.Resolved {
				deleted++
				continue
			}
			kept = append(kept, ins)
		}
		doc.Insights = kept
		return doc, nil
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("cleared resolved insights", "count", deleted)
	}
	return deleted, nil
}

func decode(raw json.RawMessage) document {
	var doc document
	if len(raw) > 0 {
		// Corrupt content was already filtered by the docstore; a
		// decode failure here leaves the empty default.
		_ = json.Unmarshal(raw, &doc)
	}
	return doc
}

func sortByLastSeen(insights []Insight) {
	sort.SliceStable(insights, func(i, j int) bool {
		return insights[i].LastSeen.After(insights[j].LastSeen)
	})
}
