package automation

import (
	"fmt"
	"strings"
)

// Compact renders an automation as a short tagged-line representation
// for LLM prompts. Each trigger, condition, and action becomes one
// line; this costs a fraction of the tokens a full YAML dump would.
func Compact(d *Definition) string {
	var b strings.Builder

	fmt.Fprintf(&b, "automation id=%s alias=%q mode=%s", d.ID, d.DisplayName(), d.Mode)
	if d.EntityID != "" {
		fmt.Fprintf(&b, " entity=%s", d.EntityID)
	}
	b.WriteByte('\n')

	if d.Description != "" {
		fmt.Fprintf(&b, "  desc: %s\n", firstLine(d.Description))
	}

	if d.Blueprint != nil {
		fmt.Fprintf(&b, "  blueprint: %s (internals not inspectable)\n", d.Blueprint.Path)
		return b.String()
	}

	for _, t := range d.Triggers {
		b.WriteString("  " + compactTrigger(t) + "\n")
	}
	for _, c := range d.Conditions {
		b.WriteString("  " + compactCondition(c) + "\n")
	}
	for _, a := range d.Actions {
		b.WriteString("  " + compactAction(a) + "\n")
	}

	return b.String()
}

func compactTrigger(t Trigger) string {
	switch t.Kind {
	case TriggerState:
		s := "trigger[state] entity=" + strings.Join(t.EntityIDs, ",")
		if t.From != "" {
			s += " from=" + t.From
		}
		if t.To != "" {
			s += " to=" + t.To
		}
		return s
	case TriggerNumericState:
		return "trigger[numeric_state] entity=" + strings.Join(t.EntityIDs, ",")
	case TriggerZone:
		return "trigger[zone] entity=" + strings.Join(t.EntityIDs, ",")
	case TriggerTime:
		return "trigger[time] at=" + t.At
	case TriggerTimePattern:
		return "trigger[time_pattern]"
	case TriggerSun:
		return "trigger[sun] event=" + t.Event
	case TriggerEvent:
		return "trigger[event] type=" + t.Event
	case TriggerMQTT:
		return "trigger[mqtt] topic=" + t.Topic
	case TriggerWebhook:
		return "trigger[webhook] id=" + t.WebhookID
	case TriggerDevice:
		return "trigger[device]"
	case TriggerTemplate:
		return "trigger[template]"
	default:
		return "trigger[unknown]"
	}
}

func compactCondition(c Condition) string {
	switch c.Kind {
	case ConditionState, ConditionNumericState, ConditionZone:
		return fmt.Sprintf("condition[%s] entity=%s", c.Kind, strings.Join(c.EntityIDs, ","))
	case ConditionAnd, ConditionOr, ConditionNot:
		parts := make([]string, 0, len(c.Conditions))
		for _, sub := range c.Conditions {
			parts = append(parts, compactCondition(sub))
		}
		return fmt.Sprintf("condition[%s] (%s)", c.Kind, strings.Join(parts, "; "))
	case ConditionOpaque:
		return "condition[unknown]"
	default:
		return fmt.Sprintf("condition[%s]", c.Kind)
	}
}

func compactAction(a Action) string {
	switch a.Kind {
	case ActionService:
		if len(a.Targets) > 0 {
			return fmt.Sprintf("action[service] %s -> %s", a.Service, strings.Join(a.Targets, ","))
		}
		return "action[service] " + a.Service
	case ActionOpaque:
		return "action[unknown]"
	default:
		return fmt.Sprintf("action[%s]", a.Kind)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
