package repository

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
	"sync/atomic"
	"testing"

	"hadoctor/internal/homeassistant"
)

func newTestRepository(t *testing.T, automationsYAML, tracesJSON string) *Repository {
	t.Helper()

	dir := t.TempDir()
	if automationsYAML != "" {
		path := filepath.Join(dir, "automations.yaml")
		if err := os.WriteFile(path, []byte(automationsYAML), 0o644); err != nil {
			t.Fatalf("writing automations file: %v", err)
		}
	}
	if tracesJSON != "" {
		storage := filepath.Join(dir, ".storage")
		if err := os.MkdirAll(storage, 0o755); err != nil {
			t.Fatalf("creating .storage: %v", err)
		}
		path := filepath.Join(storage, "trace.saved_traces")
		if err := os.WriteFile(path, []byte(tracesJSON), 0o644); err != nil {
			t.Fatalf("writing traces file: %v", err)
		}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// The client is only consulted when the file is absent; these tests
	// never reach it.
	return New(dir, nil, logger)
}

const sampleAutomations = `- id: "morning"
  alias: Morning Routine
  trigger:
    - platform: time
      at: "07:00:00"
  action:
    - service: light.turn_on
      target:
        entity_id: light.bedroom
- id: 1714594231000
  alias: Epoch ID
  trigger:
    - platform: state
      entity_id: sun.sun
  action:
    - service: cover.open_cover
`

func TestDefinitions_FromFile(t *testing.T) {
	repo := newTestRepository(t, sampleAutomations, "")

	defs, err := repo.Definitions(context.Background(), nil)
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("definitions = %d, want 2", len(defs))
	}
	if defs[0].ID != "morning" || defs[0].Alias != "Morning Routine" {
		t.Errorf("first = %+v", defs[0])
	}
	if defs[1].ID != "1714594231000" {
		t.Errorf("integer id = %q, want 1714594231000", defs[1].ID)
	}
}

func TestDefinitions_EmptyFile(t *testing.T) {
	repo := newTestRepository(t, "\n", "")

	defs, err := repo.Definitions(context.Background(), nil)
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("definitions = %d, want 0", len(defs))
	}
}

func TestGet_ByID(t *testing.T) {
	repo := newTestRepository(t, sampleAutomations, "")

	def, err := repo.Get(context.Background(), "morning")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def == nil || def.Alias != "Morning Routine" {
		t.Errorf("def = %+v", def)
	}

	def, err = repo.Get(context.Background(), "no_such_automation")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def != nil {
		t.Errorf("unknown id returned %+v", def)
	}
}

func TestTraces_PrefixHandling(t *testing.T) {
	traces := `{"data": {
		"automation.morning": [
			{"run_id": "r1", "state": "stopped"},
			{"run_id": "r2", "state": "stopped"}
		]
	}}`
	repo := newTestRepository(t, sampleAutomations, traces)

	// Bare config ID resolves through the automation. prefix.
	got, status := repo.Traces("morning")
	if status != TraceStatusOK {
		t.Fatalf("status = %v", status)
	}
	if len(got) != 2 {
		t.Errorf("traces = %d, want 2", len(got))
	}

	// Full entity ID works too.
	got, status = repo.Traces("automation.morning")
	if status != TraceStatusOK || len(got) != 2 {
		t.Errorf("prefixed lookup = %d traces, status %v", len(got), status)
	}

	got, status = repo.Traces("unknown")
	if status != TraceStatusOK {
		t.Fatalf("status = %v", status)
	}
	if len(got) != 0 {
		t.Errorf("unknown automation returned %d traces", len(got))
	}
}

func TestTraces_FileStatuses(t *testing.T) {
	repo := newTestRepository(t, sampleAutomations, "")
	if _, status := repo.Traces("morning"); status != TraceStatusMissingFile {
		t.Errorf("missing file status = %v", status)
	}

	repo = newTestRepository(t, sampleAutomations, "  \n")
	if _, status := repo.Traces("morning"); status != TraceStatusEmptyFile {
		t.Errorf("empty file status = %v", status)
	}

	repo = newTestRepository(t, sampleAutomations, "{not json")
	if _, status := repo.Traces("morning"); status != TraceStatusInvalidJSON {
		t.Errorf("invalid json status = %v", status)
	}
}

func TestGetWithTraces(t *testing.T) {
	traces := `{"data": {
		"automation.morning": [
			{"run_id": "r1", "state": "stopped", "trigger": "time",
			 "timestamp": {"start": "2026-05-01T07:00:00+00:00"}},
			{"run_id": "r2"}
		]
	}}`
	repo := newTestRepository(t, sampleAutomations, traces)

	def, records, stats, err := repo.GetWithTraces(context.Background(), "morning")
	if err != nil {
		t.Fatalf("GetWithTraces: %v", err)
	}
	if def == nil || def.ID != "morning" {
		t.Fatalf("def = %+v", def)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].RunID != "r1" || records[0].TimestampStart == "" {
		t.Errorf("first record = %+v", records[0])
	}
	if stats.MissingTimestamps != 1 || stats.MissingTriggers != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestGetWithTraces_MissingTracesFile(t *testing.T) {
	repo := newTestRepository(t, sampleAutomations, "")

	def, records, _, err := repo.GetWithTraces(context.Background(), "morning")
	if err != nil {
		t.Fatalf("GetWithTraces: %v", err)
	}
	if def == nil {
		t.Fatal("definition not found")
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

// newFallbackServer serves the two endpoints the API fallback path
// hits: the states list and the per-automation config fetch. The
// returned counter tracks config fetches.
func newFallbackServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var configFetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/states":
			fmt.Fprint(w, `[
				{"entity_id":"automation.one","state":"on","attributes":{"id":"one","friendly_name":"One"}},
				{"entity_id":"automation.two","state":"on","attributes":{"id":"two","friendly_name":"Two"}}
			]`)
		case strings.HasPrefix(r.URL.Path, "/api/config/automation/config/"):
			configFetches.Add(1)
			fmt.Fprint(w, `{"alias":"Fetched","trigger":[],"action":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &configFetches
}

func TestDefinitions_APIFallback(t *testing.T) {
	srv, fetches := newFallbackServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := homeassistant.NewClient(srv.URL, "token", logger)
	// Empty config dir: no automations.yaml, so reads go through the API.
	repo := New(t.TempDir(), client, logger)

	defs, err := repo.Definitions(context.Background(), nil)
	if err != nil {
		t.Fatalf("Definitions: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if got := fetches.Load(); got != 2 {
		t.Errorf("config fetches = %d, want 2", got)
	}
	if defs[0].EntityID != "automation.one" {
		t.Errorf("entity id = %q, want automation.one", defs[0].EntityID)
	}
}

func TestDefinitions_CancelledDuringAPIFetch(t *testing.T) {
	srv, fetches := newFallbackServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := homeassistant.NewClient(srv.URL, "token", logger)
	repo := New(t.TempDir(), client, logger)

	// Cancellation lands after the first per-automation fetch; the
	// second automation must never be fetched.
	cancelled := func() bool { return fetches.Load() >= 1 }
	_, err := repo.Definitions(context.Background(), cancelled)
	if !errors.Is(err, ErrFetchCancelled) {
		t.Fatalf("Definitions = %v, want ErrFetchCancelled", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("config fetches = %d, want 1", got)
	}
}
