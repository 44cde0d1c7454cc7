package diagnose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hadoctor/internal/docstore"
	"hadoctor/internal/homeassistant"
	"hadoctor/internal/insights"
	"hadoctor/internal/reports"
	"hadoctor/internal/repository"
)

type fakeLLM struct {
	mu       sync.Mutex
	calls    int
	generate func(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

func (f *fakeLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.generate(ctx, systemPrompt, userPrompt)
}

func (f *fakeLLM) Ping(ctx context.Context) error { return nil }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const emptyBatchJSON = `{"automations": [], "conflicts": [], "overall_summary": "ok"}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeAutomationsFile writes n automations with distinct triggers and
// targets so the static conflict detector stays quiet.
func writeAutomationsFile(t *testing.T, dir string, n int) {
	t.Helper()
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `- id: "auto%02d"
  alias: Automation %02d
  trigger:
    - platform: state
      entity_id: sensor.motion_%02d
  action:
    - service: light.turn_on
      target:
        entity_id: light.lamp_%02d
`, i, i, i, i)
	}
	path := filepath.Join(dir, "automations.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("writing automations file: %v", err)
	}
}

func newTestRunner(t *testing.T, automations int, llm *fakeLLM) (*Runner, *reports.Store, *insights.Store) {
	t.Helper()

	dir := t.TempDir()
	writeAutomationsFile(t, dir, automations)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "[]")
	}))
	t.Cleanup(srv.Close)

	logger := discardLogger()
	client := homeassistant.NewClient(srv.URL, "test-token", logger)
	repo := repository.New(dir, client, logger)

	ds, err := docstore.Open(filepath.Join(dir, "runner_test.db"), logger)
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	insightStore := insights.NewStore(ds, logger)
	reportStore := reports.NewStore(ds, logger)
	runner := NewRunner(repo, client, llm, insightStore, reportStore, logger)
	return runner, reportStore, insightStore
}

func TestRun_NoAutomations(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		return emptyBatchJSON, nil
	}}
	runner, reportStore, _ := newTestRunner(t, 0, llm)

	report, err := runner.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.OverallSummary != "No automations found in Home Assistant." {
		t.Errorf("summary = %q", report.OverallSummary)
	}
	if llm.callCount() != 0 {
		t.Errorf("LLM calls = %d, want 0", llm.callCount())
	}

	latest, err := reportStore.GetLatest()
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest == nil || latest.RunID != report.RunID {
		t.Error("empty run should still persist a report")
	}
}

func TestRun_BatchSplitting(t *testing.T) {
	tests := []struct {
		automations int
		wantCalls   int
	}{
		{1, 1},
		{30, 1},
		{31, 2},
		{61, 3},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d automations", tt.automations), func(t *testing.T) {
			llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
				return emptyBatchJSON, nil
			}}
			runner, _, _ := newTestRunner(t, tt.automations, llm)

			report, err := runner.Run(context.Background(), false)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if llm.callCount() != tt.wantCalls {
				t.Errorf("LLM calls = %d, want %d", llm.callCount(), tt.wantCalls)
			}
			if report.TotalAutomations != tt.automations {
				t.Errorf("TotalAutomations = %d, want %d", report.TotalAutomations, tt.automations)
			}
		})
	}
}

func TestRun_MultiBatchSummary(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		return emptyBatchJSON, nil
	}}
	runner, _, _ := newTestRunner(t, 31, llm)

	report, err := runner.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := "All 31 automations analyzed successfully with no issues detected."
	if report.OverallSummary != want {
		t.Errorf("summary = %q, want %q", report.OverallSummary, want)
	}
}

func TestRun_ParsesModelResponse(t *testing.T) {
	response := "```json\n" + `{
		"automations": [
			{"id": "auto00", "alias": "Automation 00", "status": "error",
			 "issues": ["references missing entity", "bad condition", "unreachable action"],
			 "summary": "Multiple problems found."},
			{"id": "auto01", "alias": "Automation 01", "status": "ok", "issues": [],
			 "summary": "Looks healthy."}
		],
		"conflicts": [
			{"conflict_type": "timing_race", "severity": "warning",
			 "automation_ids": ["auto00", "auto01"],
			 "automation_names": ["Automation 00", "Automation 01"],
			 "description": "Both race on startup.",
			 "affected_entities": ["light.lamp_00"]}
		],
		"overall_summary": "One automation has problems."
	}` + "\n```"

	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		return response, nil
	}}
	runner, _, insightStore := newTestRunner(t, 2, llm)

	report, err := runner.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.AutomationsAnalyzed != 2 {
		t.Errorf("AutomationsAnalyzed = %d, want 2", report.AutomationsAnalyzed)
	}
	if report.AutomationsWithErrors != 1 {
		t.Errorf("AutomationsWithErrors = %d, want 1", report.AutomationsWithErrors)
	}
	if report.OverallSummary != "One automation has problems." {
		t.Errorf("summary = %q", report.OverallSummary)
	}
	if report.ConflictsFound != 1 {
		t.Errorf("ConflictsFound = %d, want 1", report.ConflictsFound)
	}

	first := report.AutomationSummaries[0]
	if !first.HasErrors || first.ErrorCount != 3 {
		t.Errorf("first summary = %+v, want 3 errors", first)
	}
	if report.AutomationSummaries[1].HasErrors {
		t.Error("healthy automation marked as having errors")
	}

	// Three issues push the single-automation insight to critical, and
	// the conflict contributes a second insight.
	if report.InsightsAdded != 2 {
		t.Errorf("InsightsAdded = %d, want 2", report.InsightsAdded)
	}
	all, err := insightStore.GetAll("")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	for _, in := range all {
		if in.Category == insights.CategorySingle && in.Severity != "critical" {
			t.Errorf("single insight severity = %q, want critical", in.Severity)
		}
	}
}

func TestRun_MalformedResponse(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		return "I cannot produce JSON today.", nil
	}}
	runner, _, _ := newTestRunner(t, 2, llm)

	report, err := runner.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.OverallSummary != "Analysis completed but response parsing failed." {
		t.Errorf("summary = %q", report.OverallSummary)
	}
	if len(report.AutomationSummaries) != 2 {
		t.Fatalf("summaries = %d, want 2", len(report.AutomationSummaries))
	}
	if report.ConflictsFound != 0 {
		t.Errorf("conflicts = %d, want 0 for unparseable response", report.ConflictsFound)
	}
	for _, s := range report.AutomationSummaries {
		if s.BriefSummary != "Could not parse analysis" {
			t.Errorf("brief summary = %q", s.BriefSummary)
		}
		if s.HasErrors {
			t.Error("placeholder summary should not be marked as an error")
		}
	}
}

func TestRun_LLMFailure(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		return "", errors.New("model overloaded")
	}}
	runner, _, _ := newTestRunner(t, 1, llm)

	report, err := runner.Run(context.Background(), false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(report.OverallSummary, "Batch analysis failed") {
		t.Errorf("summary = %q", report.OverallSummary)
	}
	if report.AutomationSummaries[0].BriefSummary != "Analysis failed" {
		t.Errorf("brief summary = %q", report.AutomationSummaries[0].BriefSummary)
	}
}

func TestRun_CancelBetweenBatches(t *testing.T) {
	var runner *Runner
	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		// Cancel during the first batch so the check before the second
		// batch aborts the run.
		runner.Cancel()
		return emptyBatchJSON, nil
	}}
	r, reportStore, _ := newTestRunner(t, 31, llm)
	runner = r

	_, err := runner.Run(context.Background(), false)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run = %v, want ErrCancelled", err)
	}
	if llm.callCount() != 1 {
		t.Errorf("LLM calls = %d, want 1", llm.callCount())
	}

	latest, err := reportStore.GetLatest()
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest != nil {
		t.Error("cancelled run should not persist a report")
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return emptyBatchJSON, nil
	}}
	runner, _, _ := newTestRunner(t, 1, llm)

	done := make(chan error, 1)
	go func() {
		_, err := runner.Run(context.Background(), false)
		done <- err
	}()

	<-started
	if !runner.IsRunning() {
		t.Error("IsRunning = false during a run")
	}
	if _, err := runner.Run(context.Background(), false); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v, want ErrAlreadyRunning", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if runner.IsRunning() {
		t.Error("IsRunning = true after the run finished")
	}
	if runner.Cancel() {
		t.Error("Cancel succeeded with no run in flight")
	}
}

func TestCancel_Idle(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		return emptyBatchJSON, nil
	}}
	runner, _, _ := newTestRunner(t, 0, llm)
	if runner.Cancel() {
		t.Error("Cancel succeeded with no run in flight")
	}
}

func TestRun_StaticConflictsSurviveLLMFailure(t *testing.T) {
	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		return "", errors.New("model down")
	}}

	// Two automations sharing a trigger entity produce a static conflict
	// even when the model call fails.
	dir := t.TempDir()
	yaml := `- id: "opener"
  alias: Open Blinds
  trigger:
    - platform: state
      entity_id: sun.sun
  action:
    - service: cover.open_cover
      target:
        entity_id: cover.blinds
- id: "closer"
  alias: Close Blinds
  trigger:
    - platform: state
      entity_id: sun.sun
  action:
    - service: cover.close_cover
      target:
        entity_id: cover.shades
`
	if err := os.WriteFile(filepath.Join(dir, "automations.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing automations file: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "[]")
	}))
	t.Cleanup(srv.Close)
	logger := discardLogger()
	client := homeassistant.NewClient(srv.URL, "test-token", logger)
	repo := repository.New(dir, client, logger)

	ds, err := docstore.Open(filepath.Join(dir, "conflict_test.db"), logger)
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	runner := NewRunner(repo, client, llm, insights.NewStore(ds, logger), reports.NewStore(ds, logger), logger)
	report, err := runner.Run(context.Background(), true)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.ConflictsFound != 1 {
		t.Fatalf("ConflictsFound = %d, want 1", report.ConflictsFound)
	}
	if !report.Scheduled {
		t.Error("Scheduled flag not carried into the report")
	}

	elapsed := time.Since(report.RunAt)
	if elapsed < 0 || elapsed > time.Minute {
		t.Errorf("RunAt = %v looks wrong", report.RunAt)
	}
}

func TestRun_CancelDuringFetch(t *testing.T) {
	var runner *Runner
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/states":
			io.WriteString(w, `[
				{"entity_id":"automation.one","state":"on","attributes":{"id":"one"}},
				{"entity_id":"automation.two","state":"on","attributes":{"id":"two"}}
			]`)
		case strings.HasPrefix(r.URL.Path, "/api/config/automation/config/"):
			// A cancel request lands while configs are still being
			// fetched one by one.
			runner.Cancel()
			io.WriteString(w, `{"alias":"One","trigger":[],"action":[]}`)
		default:
			io.WriteString(w, "[]")
		}
	}))
	t.Cleanup(srv.Close)

	logger := discardLogger()
	client := homeassistant.NewClient(srv.URL, "test-token", logger)
	// No automations.yaml in the config dir, so definitions come from
	// the API.
	repo := repository.New(t.TempDir(), client, logger)

	ds, err := docstore.Open(filepath.Join(t.TempDir(), "runner_test.db"), logger)
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { ds.Close() })
	insightStore := insights.NewStore(ds, logger)
	reportStore := reports.NewStore(ds, logger)

	llm := &fakeLLM{generate: func(context.Context, string, string) (string, error) {
		return emptyBatchJSON, nil
	}}
	runner = NewRunner(repo, client, llm, insightStore, reportStore, logger)

	_, err = runner.Run(context.Background(), false)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Run = %v, want ErrCancelled", err)
	}
	if llm.callCount() != 0 {
		t.Errorf("LLM calls = %d, want 0", llm.callCount())
	}

	latest, err := reportStore.GetLatest()
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest != nil {
		t.Error("cancelled run should not persist a report")
	}
}
