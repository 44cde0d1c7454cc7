package diagnose

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"hadoctor/internal/automation"
	"hadoctor/internal/conflict"
	"hadoctor/internal/reports"
)

var jsonFenceRe = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// batchResponse mirrors the JSON contract the batch prompt demands.
type batchResponse struct {
	Automations []struct {
		ID      string   `json:"id"`
		Alias   string   `json:"alias"`
		Status  string   `json:"status"`
		Issues  []string `json:"issues"`
		Summary string   `json:"summary"`
	} `json:"automations"`
	Conflicts []struct {
		ConflictType     string   `json:"conflict_type"`
		Severity         string   `json:"severity"`
		AutomationIDs    []string `json:"automation_ids"`
		AutomationNames  []string `json:"automation_names"`
		Description      string   `json:"description"`
		AffectedEntities []string `json:"affected_entities"`
	} `json:"conflicts"`
	OverallSummary string `json:"overall_summary"`
}

// parseBatchResponse decodes the model's JSON, tolerating a ```json
// fence. Malformed JSON degrades to placeholder summaries so a single
// bad response never fails the run.
func parseBatchResponse(logger *slog.Logger, response string, batch []*automation.Definition) ([]reports.AutomationSummary, []conflict.Conflict, string) {
	jsonStr := strings.TrimSpace(response)
	if m := jsonFenceRe.FindStringSubmatch(response); m != nil {
		jsonStr = m[1]
	}

	var data batchResponse
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		logger.Error("failed to parse model response", "error", err)
		logger.Debug("unparseable response", "head", head(response, 500))

		summaries := make([]reports.AutomationSummary, 0, len(batch))
		for _, d := range batch {
			summaries = append(summaries, reports.AutomationSummary{
				AutomationID:    d.ID,
				AutomationAlias: d.DisplayName(),
				BriefSummary:    "Could not parse analysis",
			})
		}
		return summaries, nil, "Analysis completed but response parsing failed."
	}

	summaries := make([]reports.AutomationSummary, 0, len(data.Automations))
	for _, a := range data.Automations {
		alias := a.Alias
		if alias == "" {
			alias = "Unknown"
		}
		s := reports.AutomationSummary{
			AutomationID:    a.ID,
			AutomationAlias: alias,
			HasErrors:       a.Status == "error" || len(a.Issues) > 0,
			BriefSummary:    a.Summary,
		}
		switch a.Status {
		case "error":
			s.ErrorCount = len(a.Issues)
		case "warning":
			s.WarningCount = len(a.Issues)
		}
		summaries = append(summaries, s)
	}

	var conflicts []conflict.Conflict
	for _, c := range data.Conflicts {
		severity := conflict.Severity(c.Severity)
		if severity == "" {
			severity = conflict.SeverityInfo
		}
		conflicts = append(conflicts, conflict.Conflict{
			Type:             conflict.Type(c.ConflictType),
			Severity:         severity,
			AutomationIDs:    c.AutomationIDs,
			AutomationNames:  c.AutomationNames,
			Description:      c.Description,
			AffectedEntities: c.AffectedEntities,
		})
	}

	summary := data.OverallSummary
	if summary == "" {
		summary = "Analysis complete."
	}
	return summaries, conflicts, summary
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
