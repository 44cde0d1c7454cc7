package prompts

import (
	"fmt"
	"strings"

	"hadoctor/internal/automation"
)

// batchAnalysisTemplate instructs the model to diagnose a batch of
// automations in a single call and answer with strict JSON. The format
// verbs receive the rendered automation list and the available entity
// list.
const batchAnalysisTemplate = `You are a Home Assistant automation expert performing a health check on a set of automations.

## Automations
Each automation is rendered in a compact form: one header line followed by its triggers, conditions, and actions.

%s

## Available Entities
These entity IDs currently exist in this Home Assistant instance. An automation referencing an entity not in this list is broken.

%s

## Your Task
For every automation, check for:
1. References to entities that do not exist
2. Trigger or condition configurations that can never fire
3. Actions with invalid or suspicious service calls
4. Logic problems (contradictory conditions, unreachable branches)
5. Mode settings that could cause re-entrancy problems

Also look for conflicts BETWEEN automations: shared triggers with contradictory actions, automations fighting over the same entity, or timing races.

## Response Format
Respond with ONLY valid JSON matching this schema, no other text and no markdown fences:

{
  "automations": [
    {
      "id": "<automation id exactly as given>",
      "alias": "<automation alias>",
      "status": "ok" | "warning" | "error",
      "issues": ["<one sentence per issue>"],
      "summary": "<one sentence describing the automation's health>"
    }
  ],
  "conflicts": [
    {
      "conflict_type": "shared_trigger" | "state_conflict" | "resource_contention" | "timing_race",
      "severity": "info" | "warning" | "critical",
      "automation_ids": ["..."],
      "automation_names": ["..."],
      "description": "<what conflicts and why>",
      "affected_entities": ["..."]
    }
  ],
  "overall_summary": "<2-4 sentences on the overall health of this batch>"
}

Include an entry in "automations" for every automation given, even healthy ones (status "ok", empty issues).`

// BatchAnalysisPrompt builds the single-call diagnosis prompt for a
// batch of automations.
func BatchAnalysisPrompt(automations []*automation.Definition, availableEntities []string) string {
	var rendered strings.Builder
	for _, d := range automations {
		rendered.WriteString(automation.Compact(d))
		rendered.WriteString("\n")
	}

	entities := "No entity list available. Skip entity existence checks."
	if len(availableEntities) > 0 {
		entities = strings.Join(availableEntities, "\n")
	}

	return fmt.Sprintf(batchAnalysisTemplate, rendered.String(), entities)
}
