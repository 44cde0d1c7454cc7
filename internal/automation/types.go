// Package automation models Home Assistant automation definitions as
// closed variant sets rather than free-form dictionaries, so static
// analysis can pattern-match on trigger/condition/action kinds instead
// of probing string keys. Shapes the parser does not recognize land in
// an explicit Opaque variant and are excluded from analysis rather
// than misread.
package automation

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Mode values for an automation's run mode.
const (
	ModeSingle   = "single"
	ModeRestart  = "restart"
	ModeQueued   = "queued"
	ModeParallel = "parallel"
)

// TriggerKind identifies a trigger variant.
type TriggerKind string

const (
	TriggerState        TriggerKind = "state"
	TriggerTime         TriggerKind = "time"
	TriggerTimePattern  TriggerKind = "time_pattern"
	TriggerSun          TriggerKind = "sun"
	TriggerNumericState TriggerKind = "numeric_state"
	TriggerEvent        TriggerKind = "event"
	TriggerDevice       TriggerKind = "device"
	TriggerTemplate     TriggerKind = "template"
	TriggerZone         TriggerKind = "zone"
	TriggerMQTT         TriggerKind = "mqtt"
	TriggerWebhook      TriggerKind = "webhook"
	TriggerOpaque       TriggerKind = "opaque"
)

// Trigger is one trigger spec. Only the fields meaningful for the
// trigger's Kind are populated; Raw always carries the original spec
// for rendering.
type Trigger struct {
	Kind      TriggerKind
	EntityIDs []string // state, numeric_state, zone
	From      string   // state
	To        string   // state
	At        string   // time
	Event     string   // sun event or event_type
	Topic     string   // mqtt
	WebhookID string
	Raw       map[string]any
}

// ConditionKind identifies a condition variant.
type ConditionKind string

const (
	ConditionState        ConditionKind = "state"
	ConditionNumericState ConditionKind = "numeric_state"
	ConditionTime         ConditionKind = "time"
	ConditionSun          ConditionKind = "sun"
	ConditionZone         ConditionKind = "zone"
	ConditionTemplate     ConditionKind = "template"
	ConditionDevice       ConditionKind = "device"
	ConditionAnd          ConditionKind = "and"
	ConditionOr           ConditionKind = "or"
	ConditionNot          ConditionKind = "not"
	ConditionOpaque       ConditionKind = "opaque"
)

// Condition is one condition spec. And/Or/Not carry nested conditions.
type Condition struct {
	Kind       ConditionKind
	EntityIDs  []string
	Conditions []Condition // and/or/not
	Raw        map[string]any
}

// ActionKind identifies an action variant.
type ActionKind string

const (
	ActionService      ActionKind = "service"
	ActionDelay        ActionKind = "delay"
	ActionWaitTemplate ActionKind = "wait_template"
	ActionCondition    ActionKind = "condition"
	ActionEvent        ActionKind = "event"
	ActionDevice       ActionKind = "device"
	ActionChoose       ActionKind = "choose"
	ActionRepeat       ActionKind = "repeat"
	ActionScene        ActionKind = "scene"
	ActionOpaque       ActionKind = "opaque"
)

// Action is one action spec. Service actions carry the service name
// and every entity the call targets (entity_id, target.entity_id, and
// data.entity_id flattened together).
type Action struct {
	Kind    ActionKind
	Service string   // service actions: "light.turn_on"
	Targets []string // service actions: targeted entity ids
	Raw     map[string]any
}

// BlueprintRef is a reference to a reusable automation template. The
// blueprint's own triggers and actions are not visible here; an
// automation built from a blueprint is opaque to static analysis.
type BlueprintRef struct {
	Path   string
	Inputs map[string]any
}

// Definition is one automation, fetched fresh per diagnosis run and
// never mutated.
type Definition struct {
	ID          string
	Alias       string
	Description string
	Mode        string
	Triggers    []Trigger
	Conditions  []Condition
	Actions     []Action
	Blueprint   *BlueprintRef

	// EntityID is the live automation.<slug> entity, when resolved.
	EntityID string

	// Raw preserves the decoded config for YAML round-tripping.
	Raw map[string]any
}

// ToYAML renders the original config as YAML for display and for the
// single-automation diagnosis prompt.
func (d *Definition) ToYAML() (string, error) {
	if d.Raw == nil {
		return "", nil
	}
	out, err := yaml.Marshal(d.Raw)
	if err != nil {
		return "", fmt.Errorf("marshal automation %s: %w", d.ID, err)
	}
	return string(out), nil
}

// IsBlueprint reports whether the automation is defined by a blueprint
// reference and therefore contributes nothing to static analysis.
func (d *Definition) IsBlueprint() bool {
	return d.Blueprint != nil
}

// DisplayName returns the alias, or a fallback derived from the ID.
func (d *Definition) DisplayName() string {
	if d.Alias != "" {
		return d.Alias
	}
	if d.ID != "" {
		return "automation " + d.ID
	}
	return "Unnamed Automation"
}

// Summary is the lightweight listing shape, enriched with registry and
// live-state metadata when available.
type Summary struct {
	ID          string `json:"id"`
	Alias       string `json:"alias"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
	AreaID      string `json:"area_id,omitempty"`
	AreaName    string `json:"area_name,omitempty"`
	State       string `json:"state"` // on/off/unknown
}
