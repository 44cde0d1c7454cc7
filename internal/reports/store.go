// Package reports persists batch diagnosis run reports with bounded
// retention: newest first, capped at MaxReports, oldest silently
// evicted.
package reports

import (
	"encoding/json"
	"log/slog"
	"time"

	"hadoctor/internal/conflict"
	"hadoctor/internal/docstore"
)

// MaxReports is the retention cap for stored reports.
const MaxReports = 30

// AutomationSummary is the per-automation outcome of a batch run.
type AutomationSummary struct {
	AutomationID    string `json:"automation_id"`
	AutomationAlias string `json:"automation_alias"`
	HasErrors       bool   `json:"has_errors"`
	ErrorCount      int    `json:"error_count"`
	WarningCount    int    `json:"warning_count"`
	BriefSummary    string `json:"brief_summary"`
}

// Report is one full diagnosis run. Immutable once saved, except for
// deletion.
type Report struct {
	RunID                 string              `json:"run_id"`
	RunAt                 time.Time           `json:"run_at"`
	Scheduled             bool                `json:"scheduled"`
	TotalAutomations      int                 `json:"total_automations"`
	AutomationsAnalyzed   int                 `json:"automations_analyzed"`
	AutomationsWithErrors int                 `json:"automations_with_errors"`
	ConflictsFound        int                 `json:"conflicts_found"`
	InsightsAdded         int                 `json:"insights_added"`
	AutomationSummaries   []AutomationSummary `json:"automation_summaries"`
	Conflicts             []conflict.Conflict `json:"conflicts"`
	OverallSummary        string              `json:"overall_summary"`
	FullAnalyses          []string            `json:"full_analyses,omitempty"`
}

// ListEntry is the lightweight listing shape; it omits the summaries,
// conflicts, and full analyses for size.
type ListEntry struct {
	RunID                 string    `json:"run_id"`
	RunAt                 time.Time `json:"run_at"`
	Scheduled             bool      `json:"scheduled"`
	TotalAutomations      int       `json:"total_automations"`
	AutomationsWithErrors int       `json:"automations_with_errors"`
	ConflictsFound        int       `json:"conflicts_found"`
	InsightsAdded         int       `json:"insights_added"`
}

type document struct {
	Reports []Report `json:"reports"`
}

// Store persists reports behind a lock-guarded JSON document.
type Store struct {
	doc    *docstore.Doc
	logger *slog.Logger
}

// NewStore creates a report store over the given document store.
func NewStore(ds *docstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		doc:    ds.Doc("reports"),
		logger: logger.With("component", "reports"),
	}
}

// Save prepends a report and truncates to the MaxReports most recent.
func (s *Store) Save(report *Report) error {
	err := s.doc.Modify(func(raw json.RawMessage) (any, error) {
		doc := decode(raw)
		doc.Reports = append([]Report{*report}, doc.Reports...)
		if len(doc.Reports) > MaxReports {
			doc.Reports = doc.Reports[:MaxReports]
		}
		return doc, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("saved diagnosis report", "run_id", report.RunID)
	return nil
}

// GetLatest returns the most recent report, or nil when none exist.
func (s *Store) GetLatest() (*Report, error) {
	var latest *Report
	err := s.doc.View(func(raw json.RawMessage) error {
		doc := decode(raw)
		if len(doc.Reports) > 0 {
			r := doc.Reports[0]
			latest = &r
		}
		return nil
	})
	return latest, err
}

// Get returns a report by run ID, or nil when unknown.
func (s *Store) Get(runID string) (*Report, error) {
	var found *Report
	err := s.doc.View(func(raw json.RawMessage) error {
		for _, r := range decode(raw).Reports {
			if r.RunID == runID {
				found = &r
				break
			}
		}
		return nil
	})
	return found, err
}

// List returns lightweight entries for all stored reports, newest
// first.
func (s *Store) List() ([]ListEntry, error) {
	var entries []ListEntry
	err := s.doc.View(func(raw json.RawMessage) error {
		for _, r := range decode(raw).Reports {
			entries = append(entries, ListEntry{
				RunID:                 r.RunID,
				RunAt:                 r.RunAt,
				Scheduled:             r.Scheduled,
				TotalAutomations:      r.TotalAutomations,
				AutomationsWithErrors: r.AutomationsWithErrors,
				ConflictsFound:        r.ConflictsFound,
				InsightsAdded:         r.InsightsAdded,
			})
		}
		return nil
	})
	return entries, err
}

// Delete removes a report by run ID. Returns false when unknown.
func (s *Store) Delete(runID string) (bool, error) {
	deleted := false
	err := s.doc.Modify(func(raw json.RawMessage) (any, error) {
		doc := decode(raw)
		kept := doc.Reports[:0]
		for _, r := range doc.Reports {
			if r.RunID == runID {
				deleted = true
				continue
			}
			kept = append(kept, r)
		}
		doc.Reports = kept
		return doc, nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func decode(raw json.RawMessage) document {
	var doc document
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &doc)
	}
	return doc
}
