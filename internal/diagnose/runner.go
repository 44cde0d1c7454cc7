// Package diagnose orchestrates LLM-backed automation diagnosis: the
// batch pipeline covering every automation and the single-automation
// doctor with execution history.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hadoctor/internal/automation"
	"hadoctor/internal/conflict"
	"hadoctor/internal/homeassistant"
	"hadoctor/internal/insights"
	"hadoctor/internal/llm"
	"hadoctor/internal/prompts"
	"hadoctor/internal/reports"
	"hadoctor/internal/repository"
)

// MaxBatchSize caps how many automations go into one LLM call.
const MaxBatchSize = 30

var (
	// ErrAlreadyRunning is returned when a run is requested while one
	// is in flight. At most one diagnosis runs at a time.
	ErrAlreadyRunning = errors.New("a diagnosis is already running")

	// ErrCancelled is returned when a run is cancelled cooperatively.
	// No report is persisted for a cancelled run.
	ErrCancelled = errors.New("diagnosis was cancelled")
)

const batchSystemPrompt = "You are a Home Assistant automation expert. Respond only with valid JSON."

// Runner executes batch diagnosis runs.
type Runner struct {
	repo     *repository.Repository
	client   *homeassistant.Client
	llm      llm.Client
	insights *insights.Store
	reports  *reports.Store
	logger   *slog.Logger
	now      func() time.Time

	mu              sync.Mutex
	running         bool
	cancelRequested bool
}

// NewRunner wires a batch diagnosis runner.
func NewRunner(
	repo *repository.Repository,
	client *homeassistant.Client,
	llmClient llm.Client,
	insightStore *insights.Store,
	reportStore *reports.Store,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		repo:     repo,
		client:   client,
		llm:      llmClient,
		insights: insightStore,
		reports:  reportStore,
		logger:   logger.With("component", "diagnose"),
		now:      time.Now,
	}
}

// IsRunning reports whether a diagnosis is in flight.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Cancel requests cooperative cancellation of the current run. Returns
// false when no run is in flight.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	r.cancelRequested = true
	r.logger.Info("cancellation requested")
	return true
}

func (r *Runner) cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

// Run executes a full batch diagnosis: fetch all automations, analyze
// them in batches of at most MaxBatchSize, detect conflicts, extract
// insights, and persist a report. Cancellation is checked between
// stages and between batches; a cancelled run persists nothing and
// returns ErrCancelled.
func (r *Runner) Run(ctx context.Context, scheduled bool) (*reports.Report, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	r.running = true
	r.cancelRequested = false
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.cancelRequested = false
		r.mu.Unlock()
	}()

	runID := uuid.NewString()[:8]
	runAt := r.now().UTC()
	r.logger.Info("starting batch diagnosis", "run_id", runID, "scheduled", scheduled)

	defs, err := r.repo.Definitions(ctx, r.cancelled)
	if err != nil {
		if errors.Is(err, repository.ErrFetchCancelled) {
			r.logger.Info("diagnosis cancelled during fetch", "run_id", runID)
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("listing automations: %w", err)
	}
	total := len(defs)
	r.logger.Info("found automations to analyze", "count", total)

	if total == 0 {
		report := &reports.Report{
			RunID:          runID,
			RunAt:          runAt,
			Scheduled:      scheduled,
			OverallSummary: "No automations found in Home Assistant.",
		}
		if err := r.reports.Save(report); err != nil {
			return nil, err
		}
		return report, nil
	}

	if r.cancelled() {
		r.logger.Info("diagnosis cancelled before analysis", "run_id", runID)
		return nil, ErrCancelled
	}

	// Entity list is best-effort validation input.
	availableEntities := r.entityList(ctx)

	// Static conflict detection runs before any LLM call so conflicts
	// survive model failures.
	staticConflicts := conflict.Detect(defs)

	if r.cancelled() {
		r.logger.Info("diagnosis cancelled before analysis", "run_id", runID)
		return nil, ErrCancelled
	}

	var (
		allSummaries []reports.AutomationSummary
		allConflicts []conflict.Conflict
		summary      string
	)
	allConflicts = append(allConflicts, staticConflicts...)

	if total <= MaxBatchSize {
		summaries, conflicts, batchSummary := r.analyzeBatch(ctx, defs, availableEntities)
		allSummaries = summaries
		allConflicts = mergeConflicts(allConflicts, conflicts)
		summary = batchSummary
	} else {
		r.logger.Info("splitting automations into batches", "total", total, "batch_size", MaxBatchSize)
		for i := 0; i < total; i += MaxBatchSize {
			if r.cancelled() {
				r.logger.Info("diagnosis cancelled between batches",
					"run_id", runID, "analyzed", len(allSummaries))
				return nil, ErrCancelled
			}
			end := i + MaxBatchSize
			if end > total {
				end = total
			}
			batch := defs[i:end]
			r.logger.Info("analyzing batch", "batch", i/MaxBatchSize+1, "count", len(batch))

			summaries, conflicts, batchSummary := r.analyzeBatch(ctx, batch, availableEntities)
			allSummaries = append(allSummaries, summaries...)
			allConflicts = mergeConflicts(allConflicts, conflicts)
			if summary == "" {
				summary = batchSummary
			}
		}
		summary = combinedSummary(allSummaries, allConflicts, total)
	}

	withErrors := 0
	for _, s := range allSummaries {
		if s.HasErrors {
			withErrors++
		}
	}

	extracted := extractInsights(allSummaries, allConflicts)
	added, err := r.insights.Add(extracted)
	if err != nil {
		r.logger.Error("failed to persist insights", "run_id", runID, "error", err)
		added = 0
	}
	r.logger.Info("added new insights", "count", added)

	report := &reports.Report{
		RunID:                 runID,
		RunAt:                 runAt,
		Scheduled:             scheduled,
		TotalAutomations:      total,
		AutomationsAnalyzed:   len(allSummaries),
		AutomationsWithErrors: withErrors,
		ConflictsFound:        len(allConflicts),
		InsightsAdded:         added,
		AutomationSummaries:   allSummaries,
		Conflicts:             allConflicts,
		OverallSummary:        summary,
	}
	if err := r.reports.Save(report); err != nil {
		return nil, err
	}

	r.logger.Info("batch diagnosis complete",
		"run_id", runID,
		"analyzed", len(allSummaries),
		"with_errors", withErrors,
		"conflicts", len(allConflicts),
	)
	return report, nil
}

// entityList fetches all entity IDs for validation. Failure degrades
// to nil so the prompt skips entity checks.
func (r *Runner) entityList(ctx context.Context) []string {
	states, err := r.client.GetStates(ctx)
	if err != nil {
		r.logger.Warn("could not fetch entity list", "error", err)
		return nil
	}
	ids := make([]string, 0, len(states))
	for _, s := range states {
		if s.EntityID != "" {
			ids = append(ids, s.EntityID)
		}
	}
	return ids
}

// analyzeBatch sends one batch through the LLM. An LLM failure
// produces placeholder summaries rather than failing the run.
func (r *Runner) analyzeBatch(ctx context.Context, batch []*automation.Definition, availableEntities []string) ([]reports.AutomationSummary, []conflict.Conflict, string) {
	prompt := prompts.BatchAnalysisPrompt(batch, availableEntities)

	r.logger.Debug("sending batch to model", "count", len(batch))
	response, err := r.llm.Generate(ctx, batchSystemPrompt, prompt)
	if err != nil {
		r.logger.Error("batch analysis failed", "error", err)
		summaries := make([]reports.AutomationSummary, 0, len(batch))
		for _, d := range batch {
			summaries = append(summaries, reports.AutomationSummary{
				AutomationID:    d.ID,
				AutomationAlias: d.DisplayName(),
				BriefSummary:    "Analysis failed",
			})
		}
		return summaries, nil, fmt.Sprintf("Batch analysis failed: %v", err)
	}

	return parseBatchResponse(r.logger, response, batch)
}

// mergeConflicts appends LLM-reported conflicts that do not duplicate
// an already detected one (same type over the same automation set).
func mergeConflicts(existing, incoming []conflict.Conflict) []conflict.Conflict {
	seen := make(map[string]bool, len(existing))
	key := func(c conflict.Conflict) string {
		k := string(c.Type)
		for _, id := range c.AutomationIDs {
			k += "|" + id
		}
		return k
	}
	for _, c := range existing {
		seen[key(c)] = true
	}
	for _, c := range incoming {
		if !seen[key(c)] {
			seen[key(c)] = true
			existing = append(existing, c)
		}
	}
	return existing
}

// combinedSummary builds a deterministic aggregate summary for
// multi-batch runs.
func combinedSummary(summaries []reports.AutomationSummary, conflicts []conflict.Conflict, total int) string {
	withErrors := 0
	for _, s := range summaries {
		if s.HasErrors {
			withErrors++
		}
	}
	critical := 0
	for _, c := range conflicts {
		if c.Severity == conflict.SeverityCritical {
			critical++
		}
	}

	if withErrors == 0 && len(conflicts) == 0 {
		return fmt.Sprintf("All %d automations analyzed successfully with no issues detected.", total)
	}

	out := fmt.Sprintf("Analyzed %d automations.", total)
	if withErrors > 0 {
		out += fmt.Sprintf(" Found issues in %d automation(s).", withErrors)
	}
	if len(conflicts) > 0 {
		out += fmt.Sprintf(" Detected %d potential conflict(s)", len(conflicts))
		if critical > 0 {
			out += fmt.Sprintf(" (%d critical).", critical)
		} else {
			out += "."
		}
	}
	return out
}
