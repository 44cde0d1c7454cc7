// Package conflict statically detects interaction hazards between
// automations: shared triggers, opposing state writes, and contention
// on the same entities. Detection is a pure function over a set of
// definitions; it performs no I/O.
package conflict

import (
	"fmt"
	"sort"
	"strings"

	"hadoctor/internal/automation"
)

// Type classifies a detected conflict.
type Type string

const (
	TypeSharedTrigger      Type = "shared_trigger"
	TypeStateConflict      Type = "state_conflict"
	TypeResourceContention Type = "resource_contention"
	TypeTimingRace         Type = "timing_race"
)

// Severity grades a conflict.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Conflict is one detected hazard between two or more automations.
// Produced fresh each run; only derived insights are persisted.
type Conflict struct {
	Type             Type     `json:"conflict_type"`
	Severity         Severity `json:"severity"`
	AutomationIDs    []string `json:"automation_ids"`
	AutomationNames  []string `json:"automation_names"`
	Description      string   `json:"description"`
	AffectedEntities []string `json:"affected_entities"`
}

// stateIntent is the inferred write intent of a service call.
type stateIntent int

const (
	intentNone stateIntent = iota
	intentOn
	intentOff
	intentToggle
)

// ref ties an automation to one of its triggers or actions on an entity.
type ref struct {
	def    *automation.Definition
	intent stateIntent
}

// Detect analyzes a set of automation definitions and returns every
// conflict found. Blueprint-defined automations contribute nothing to
// any index (their internals are opaque) and are never flagged. An
// automation referencing the same entity from several of its own
// triggers or actions does not conflict with itself.
//
// The toggle rule is a best-effort heuristic: a toggle co-occurring
// with a fixed on/off write is reported as a state conflict at warning
// severity, since the toggle's outcome depends on runtime state.
func Detect(defs []*automation.Definition) []Conflict {
	triggerIndex := make(map[string][]ref)
	actionIndex := make(map[string][]ref)

	for _, def := range defs {
		if def.IsBlueprint() {
			continue
		}
		for _, t := range def.Triggers {
			for _, entity := range t.EntityIDs {
				triggerIndex[entity] = append(triggerIndex[entity], ref{def: def})
			}
		}
		for _, a := range def.Actions {
			if a.Kind != automation.ActionService {
				continue
			}
			intent := serviceIntent(a.Service)
			for _, entity := range a.Targets {
				actionIndex[entity] = append(actionIndex[entity], ref{def: def, intent: intent})
			}
		}
	}

	var conflicts []Conflict
	conflicts = append(conflicts, sharedTriggerConflicts(triggerIndex)...)
	conflicts = append(conflicts, actionConflicts(actionIndex)...)
	return conflicts
}

// sharedTriggerConflicts emits one warning per entity that triggers
// two or more distinct automations.
func sharedTriggerConflicts(index map[string][]ref) []Conflict {
	var conflicts []Conflict
	for _, entity := range sortedEntityKeys(index) {
		ids, names := distinctAutomations(index[entity])
		if len(ids) < 2 {
			continue
		}
		conflicts = append(conflicts, Conflict{
			Type:             TypeSharedTrigger,
			Severity:         SeverityWarning,
			AutomationIDs:    ids,
			AutomationNames:  names,
			AffectedEntities: []string{entity},
			Description: fmt.Sprintf("%d automations (%s) are triggered by %s and may run simultaneously.",
				len(ids), strings.Join(names, ", "), entity),
		})
	}
	return conflicts
}

// actionConflicts classifies entities written by two or more distinct
// automations: opposing on/off intents are a critical state conflict,
// a toggle mixed with a fixed intent is a warning-grade state conflict,
// anything else is informational resource contention.
func actionConflicts(index map[string][]ref) []Conflict {
	var conflicts []Conflict
	for _, entity := range sortedEntityKeys(index) {
		refs := index[entity]
		ids, names := distinctAutomations(refs)
		if len(ids) < 2 {
			continue
		}

		var hasOn, hasOff, hasToggle bool
		for _, r := range refs {
			switch r.intent {
			case intentOn:
				hasOn = true
			case intentOff:
				hasOff = true
			case intentToggle:
				hasToggle = true
			}
		}

		c := Conflict{
			AutomationIDs:    ids,
			AutomationNames:  names,
			AffectedEntities: []string{entity},
		}

		switch {
		case hasOn && hasOff:
			c.Type = TypeStateConflict
			c.Severity = SeverityCritical
			c.Description = fmt.Sprintf("Automations %s set opposing states on %s (both turn_on and turn_off).",
				strings.Join(names, ", "), entity)
		case hasToggle && (hasOn || hasOff):
			c.Type = TypeStateConflict
			c.Severity = SeverityWarning
			c.Description = fmt.Sprintf("Automations %s mix toggle with a fixed state on %s; the outcome depends on execution order.",
				strings.Join(names, ", "), entity)
		default:
			c.Type = TypeResourceContention
			c.Severity = SeverityInfo
			c.Description = fmt.Sprintf("Automations %s all act on %s.",
				strings.Join(names, ", "), entity)
		}

		conflicts = append(conflicts, c)
	}
	return conflicts
}

// serviceIntent infers the intended entity state from the service name.
func serviceIntent(service string) stateIntent {
	switch {
	case strings.Contains(service, "turn_on"):
		return intentOn
	case strings.Contains(service, "turn_off"):
		return intentOff
	case strings.Contains(service, "toggle"):
		return intentToggle
	}
	return intentNone
}

// distinctAutomations deduplicates refs by automation ID, preserving
// first-seen order, and returns parallel id/name slices.
func distinctAutomations(refs []ref) (ids, names []string) {
	seen := make(map[string]bool)
	for _, r := range refs {
		id := r.def.ID
		if id == "" {
			id = r.def.EntityID
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
		names = append(names, r.def.DisplayName())
	}
	return ids, names
}

func sortedEntityKeys(index map[string][]ref) []string {
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
