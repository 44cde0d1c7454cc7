package diagnose

import (
	"fmt"
	"strings"

	"hadoctor/internal/conflict"
	"hadoctor/internal/insights"
	"hadoctor/internal/reports"
)

var conflictRecommendations = map[conflict.Type]string{
	conflict.TypeSharedTrigger:      "Consider using conditions to differentiate when each automation should run, or consolidate into a single automation.",
	conflict.TypeStateConflict:      "Review which automation should take precedence, or add conditions to prevent conflicting actions.",
	conflict.TypeResourceContention: "Verify this is intentional. If automations should not run simultaneously, add mutual exclusion conditions.",
	conflict.TypeTimingRace:         "Add delays or conditions to ensure proper sequencing of automations.",
}

// extractInsights derives durable insight candidates from a run's
// per-automation summaries and conflicts.
func extractInsights(summaries []reports.AutomationSummary, conflicts []conflict.Conflict) []insights.Candidate {
	var out []insights.Candidate

	for _, s := range summaries {
		if !s.HasErrors {
			continue
		}
		severity := "warning"
		if s.ErrorCount >= 3 {
			severity = "critical"
		}
		out = append(out, insights.Candidate{
			Category:        insights.CategorySingle,
			InsightType:     "error",
			Severity:        severity,
			Title:           fmt.Sprintf("Issues in '%s'", s.AutomationAlias),
			Description:     s.BriefSummary,
			AutomationIDs:   []string{s.AutomationID},
			AutomationNames: []string{s.AutomationAlias},
			Recommendation:  "Review the automation for the identified issues.",
		})
	}

	for _, c := range conflicts {
		recommendation := conflictRecommendations[c.Type]
		if recommendation == "" {
			recommendation = "Review the conflict and adjust automation logic as needed."
		}
		out = append(out, insights.Candidate{
			Category:         insights.CategoryMulti,
			InsightType:      "conflict",
			Severity:         string(c.Severity),
			Title:            conflictTitle(c.Type),
			Description:      c.Description,
			AutomationIDs:    c.AutomationIDs,
			AutomationNames:  c.AutomationNames,
			AffectedEntities: c.AffectedEntities,
			Recommendation:   recommendation,
		})
	}

	return out
}

// conflictTitle turns "shared_trigger" into "Shared Trigger".
func conflictTitle(t conflict.Type) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
