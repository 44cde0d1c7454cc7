package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"hadoctor/internal/diagnose"
	"hadoctor/internal/docstore"
	"hadoctor/internal/homeassistant"
	"hadoctor/internal/insights"
	"hadoctor/internal/reports"
	"hadoctor/internal/repository"
	"hadoctor/internal/schedule"
)

func newTestServer(t *testing.T) (*Server, *insights.Store, *reports.Store) {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ha := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "[]")
	}))
	t.Cleanup(ha.Close)

	client := homeassistant.NewClient(ha.URL, "test-token", logger)
	repo := repository.New(dir, client, logger)

	ds, err := docstore.Open(filepath.Join(dir, "api_test.db"), logger)
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	insightStore := insights.NewStore(ds, logger)
	reportStore := reports.NewStore(ds, logger)

	// These handlers never reach the model; a nil client is safe here.
	runner := diagnose.NewRunner(repo, client, nil, insightStore, reportStore, logger)
	scheduler := schedule.New(logger, schedule.NewStore(ds), func(ctx context.Context, scheduled bool) error { return nil })

	srv := NewServer("", 0, Deps{
		Runner:    runner,
		Repo:      repo,
		HA:        client,
		Insights:  insightStore,
		Reports:   reportStore,
		Scheduler: scheduler,
	}, logger)
	return srv, insightStore, reportStore
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestErrorResponse_Shape(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.errorResponse(rec, http.StatusNotFound, "thing not found")

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("body = %v, want error object", body)
	}
	if errObj["message"] != "thing not found" {
		t.Errorf("message = %v", errObj["message"])
	}
	if errObj["code"] != float64(404) {
		t.Errorf("code = %v", errObj["code"])
	}
}

func TestHandleDiagnosisStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleDiagnosisStatus(rec, httptest.NewRequest("GET", "/api/diagnosis/status", nil))

	body := decodeBody(t, rec)
	if body["running"] != false {
		t.Errorf("running = %v, want false", body["running"])
	}
}

func TestHandleDiagnosisCancel_Idle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleDiagnosisCancel(rec, httptest.NewRequest("POST", "/api/diagnosis/cancel", nil))

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestHandleReportLatest_Empty(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleReportLatest(rec, httptest.NewRequest("GET", "/api/reports/latest", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleReportGet(t *testing.T) {
	srv, _, reportStore := newTestServer(t)

	if err := reportStore.Save(&reports.Report{RunID: "abc123", OverallSummary: "all good"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/reports/abc123", nil)
	req.SetPathValue("runId", "abc123")
	rec := httptest.NewRecorder()
	srv.handleReportGet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["run_id"] != "abc123" {
		t.Errorf("run_id = %v", body["run_id"])
	}

	req = httptest.NewRequest("GET", "/api/reports/missing", nil)
	req.SetPathValue("runId", "missing")
	rec = httptest.NewRecorder()
	srv.handleReportGet(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing report status = %d, want 404", rec.Code)
	}
}

func TestHandleInsightList_CategoryValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleInsightList(rec, httptest.NewRequest("GET", "/api/insights?category=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bogus category status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleInsightList(rec, httptest.NewRequest("GET", "/api/insights?category=single", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("valid category status = %d, want 200", rec.Code)
	}
}

func TestHandleInsightResolve(t *testing.T) {
	srv, insightStore, _ := newTestServer(t)

	if _, err := insightStore.Add([]insights.Candidate{{
		Category:      insights.CategorySingle,
		InsightType:   "error",
		Severity:      "warning",
		Title:         "Issues in 'Test'",
		AutomationIDs: []string{"test"},
	}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	all, err := insightStore.GetAll("")
	if err != nil || len(all) != 1 {
		t.Fatalf("GetAll = %v, %v", all, err)
	}
	id := all[0].InsightID

	// Empty body defaults to resolved=true.
	req := httptest.NewRequest("POST", "/api/insights/"+id+"/resolve", nil)
	req.SetPathValue("id", id)
	rec := httptest.NewRecorder()
	srv.handleInsightResolve(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["resolved"] != true {
		t.Errorf("resolved = %v, want true", body["resolved"])
	}

	// Explicit resolved=false unresolves.
	req = httptest.NewRequest("POST", "/api/insights/"+id+"/resolve", strings.NewReader(`{"resolved": false}`))
	req.SetPathValue("id", id)
	rec = httptest.NewRecorder()
	srv.handleInsightResolve(rec, req)
	body = decodeBody(t, rec)
	if body["resolved"] != false {
		t.Errorf("resolved = %v, want false", body["resolved"])
	}

	// Unknown insight is a 404.
	req = httptest.NewRequest("POST", "/api/insights/nope/resolve", nil)
	req.SetPathValue("id", "nope")
	rec = httptest.NewRecorder()
	srv.handleInsightResolve(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown insight status = %d, want 404", rec.Code)
	}
}

func TestHandleScheduleUpdate(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleScheduleUpdate(rec, httptest.NewRequest("PUT", "/api/schedule",
		strings.NewReader(`{"enabled": true, "time": "99:99", "frequency": "daily"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid schedule status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleScheduleUpdate(rec, httptest.NewRequest("PUT", "/api/schedule",
		strings.NewReader(`{"enabled": true, "time": "04:00", "frequency": "daily"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("valid schedule status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["time"] != "04:00" || body["enabled"] != true {
		t.Errorf("schedule = %v", body)
	}
	if body["next_run"] == nil {
		t.Error("enabled schedule should include next_run")
	}
}

func TestHandleScheduleUpdate_PartialMerge(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleScheduleUpdate(rec, httptest.NewRequest("PUT", "/api/schedule",
		strings.NewReader(`{"enabled": true, "time": "03:00", "frequency": "daily"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("seed status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// A partial body only touches the fields it names.
	rec = httptest.NewRecorder()
	srv.handleScheduleUpdate(rec, httptest.NewRequest("PUT", "/api/schedule",
		strings.NewReader(`{"time": "05:30"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("partial update status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["time"] != "05:30" || body["enabled"] != true || body["frequency"] != "daily" {
		t.Errorf("schedule = %v", body)
	}
}

func TestHandleScheduleUpdate_RejectedPatchKeepsStored(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleScheduleUpdate(rec, httptest.NewRequest("PUT", "/api/schedule",
		strings.NewReader(`{"enabled": true, "time": "03:00", "frequency": "daily"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("seed status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.handleScheduleUpdate(rec, httptest.NewRequest("PUT", "/api/schedule",
		strings.NewReader(`{"frequency": "biweekly"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad frequency status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.handleScheduleGet(rec, httptest.NewRequest("GET", "/api/schedule", nil))
	body := decodeBody(t, rec)
	if body["enabled"] != true || body["time"] != "03:00" || body["frequency"] != "daily" {
		t.Errorf("stored schedule changed after rejected update: %v", body)
	}
}

func TestHandleValidate(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleValidate(rec, httptest.NewRequest("POST", "/api/validate",
		strings.NewReader(`{"yaml_content": "alias: Test\ntrigger: []\naction: []\n"}`)))

	body := decodeBody(t, rec)
	if body["valid"] != true {
		t.Errorf("valid = %v, body = %v", body["valid"], body)
	}
}
