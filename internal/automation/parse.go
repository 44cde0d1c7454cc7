package automation

import "strconv"

// FromMap builds a Definition from a decoded automation config, as
// found in automations.yaml or returned by the automation config API.
// Unknown shapes degrade to Opaque variants; parsing never fails.
func FromMap(m map[string]any) Definition {
	def := Definition{
		ID:          str(m["id"]),
		Alias:       str(m["alias"]),
		Description: str(m["description"]),
		Mode:        str(m["mode"]),
		Raw:         m,
	}
	if def.Mode == "" {
		def.Mode = ModeSingle
	}

	if bp, ok := m["use_blueprint"].(map[string]any); ok {
		def.Blueprint = &BlueprintRef{
			Path:   str(bp["path"]),
			Inputs: asMap(bp["input"]),
		}
		// Blueprint internals are not statically inspectable; leave
		// triggers/conditions/actions empty rather than guessing.
		return def
	}

	for _, raw := range specList(m, "trigger", "triggers") {
		def.Triggers = append(def.Triggers, parseTrigger(raw))
	}
	for _, raw := range specList(m, "condition", "conditions") {
		def.Conditions = append(def.Conditions, parseCondition(raw))
	}
	for _, raw := range specList(m, "action", "actions") {
		def.Actions = append(def.Actions, parseAction(raw))
	}

	return def
}

// parseTrigger maps one trigger spec onto the closed TriggerKind set.
// Both the legacy `platform:` key and the 2024+ `trigger:` key are
// recognized.
func parseTrigger(raw map[string]any) Trigger {
	t := Trigger{Kind: TriggerOpaque, Raw: raw}

	platform := str(raw["platform"])
	if platform == "" {
		platform = str(raw["trigger"])
	}

	switch platform {
	case "state":
		t.Kind = TriggerState
		t.EntityIDs = stringList(raw["entity_id"])
		t.From = str(raw["from"])
		t.To = str(raw["to"])
	case "numeric_state":
		t.Kind = TriggerNumericState
		t.EntityIDs = stringList(raw["entity_id"])
	case "zone":
		t.Kind = TriggerZone
		t.EntityIDs = stringList(raw["entity_id"])
	case "time":
		t.Kind = TriggerTime
		t.At = str(raw["at"])
	case "time_pattern":
		t.Kind = TriggerTimePattern
	case "sun":
		t.Kind = TriggerSun
		t.Event = str(raw["event"])
	case "event":
		t.Kind = TriggerEvent
		t.Event = str(raw["event_type"])
	case "device":
		t.Kind = TriggerDevice
	case "template":
		t.Kind = TriggerTemplate
	case "mqtt":
		t.Kind = TriggerMQTT
		t.Topic = str(raw["topic"])
	case "webhook":
		t.Kind = TriggerWebhook
		t.WebhookID = str(raw["webhook_id"])
	}

	return t
}

// parseCondition maps one condition spec onto the ConditionKind set,
// recursing into and/or/not groups.
func parseCondition(raw map[string]any) Condition {
	c := Condition{Kind: ConditionOpaque, Raw: raw}

	switch str(raw["condition"]) {
	case "state":
		c.Kind = ConditionState
		c.EntityIDs = stringList(raw["entity_id"])
	case "numeric_state":
		c.Kind = ConditionNumericState
		c.EntityIDs = stringList(raw["entity_id"])
	case "zone":
		c.Kind = ConditionZone
		c.EntityIDs = stringList(raw["entity_id"])
	case "time":
		c.Kind = ConditionTime
	case "sun":
		c.Kind = ConditionSun
	case "template":
		c.Kind = ConditionTemplate
	case "device":
		c.Kind = ConditionDevice
	case "and", "or", "not":
		c.Kind = ConditionKind(str(raw["condition"]))
		for _, sub := range mapList(raw["conditions"]) {
			c.Conditions = append(c.Conditions, parseCondition(sub))
		}
	default:
		// Shorthand template condition: bare string handled by caller;
		// anything else stays opaque.
	}

	return c
}

// parseAction maps one action spec onto the ActionKind set. Service
// calls collect targets from entity_id, target.entity_id, and
// data.entity_id, flattening list values.
func parseAction(raw map[string]any) Action {
	a := Action{Kind: ActionOpaque, Raw: raw}

	service := str(raw["service"])
	if service == "" {
		// 2024+ syntax renames `service:` to `action:`.
		service = str(raw["action"])
	}

	switch {
	case service != "":
		a.Kind = ActionService
		a.Service = service
		a.Targets = serviceTargets(raw)
	case raw["delay"] != nil:
		a.Kind = ActionDelay
	case raw["wait_template"] != nil:
		a.Kind = ActionWaitTemplate
	case raw["condition"] != nil:
		a.Kind = ActionCondition
	case raw["event"] != nil:
		a.Kind = ActionEvent
	case raw["device_id"] != nil:
		a.Kind = ActionDevice
	case raw["choose"] != nil:
		a.Kind = ActionChoose
	case raw["repeat"] != nil:
		a.Kind = ActionRepeat
	case raw["scene"] != nil:
		a.Kind = ActionScene
	}

	return a
}

// serviceTargets gathers every entity a service call addresses.
func serviceTargets(raw map[string]any) []string {
	seen := make(map[string]bool)
	var targets []string

	add := func(ids []string) {
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				targets = append(targets, id)
			}
		}
	}

	add(stringList(raw["entity_id"]))
	if target, ok := raw["target"].(map[string]any); ok {
		add(stringList(target["entity_id"]))
	}
	if data, ok := raw["data"].(map[string]any); ok {
		add(stringList(data["entity_id"]))
	}

	return targets
}

// specList returns the list of spec maps under either the singular or
// plural key. A single map value is treated as a one-element list.
func specList(m map[string]any, keys ...string) []map[string]any {
	for _, key := range keys {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		if single, ok := v.(map[string]any); ok {
			return []map[string]any{single}
		}
		if list := mapList(v); list != nil {
			return list
		}
	}
	return nil
}

// mapList coerces a decoded YAML/JSON list into []map[string]any,
// skipping non-map elements.
func mapList(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// stringList flattens a string-or-list-of-strings value.
func stringList(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	}
	return nil
}

// str coerces scalar config values to string. Automation IDs in
// automations.yaml are frequently unquoted epoch digits, which YAML
// decodes as integers.
func str(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case uint64:
		return strconv.FormatUint(s, 10)
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return ""
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
