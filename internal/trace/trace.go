// Package trace parses historical automation execution records.
//
// Home Assistant has stored saved traces in several shapes over the
// years: fields at the root, fields nested under per-key step lists in
// a "trace" sub-document, and whole payloads wrapped in short_dict /
// extended_dict (sometimes as a JSON-encoded string). Parsing never
// fails; a field that cannot be located degrades to its zero value and
// is counted in Stats for observability.
package trace

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Record is one normalized automation execution.
type Record struct {
	RunID           string `json:"run_id"`
	State           string `json:"state,omitempty"`
	ScriptExecution string `json:"script_execution,omitempty"`
	Trigger         any    `json:"trigger,omitempty"`
	TimestampStart  string `json:"timestamp_start,omitempty"`
	TimestampFinish string `json:"timestamp_finish,omitempty"`
	Error           any    `json:"error,omitempty"`
}

// Stats accumulates parse-quality counters across a batch of traces.
// These are diagnostics only, never a failure signal.
type Stats struct {
	MissingTimestamps int      `json:"missing_timestamps"`
	MissingTriggers   int      `json:"missing_triggers"`
	MissingStates     int      `json:"missing_states"`
	SampleKeys        []string `json:"sample_keys,omitempty"`
	SamplePayloadKeys []string `json:"sample_payload_keys,omitempty"`
}

// Parse normalizes one raw trace entry and reports which fields could
// not be located.
func Parse(raw map[string]any) (Record, Stats) {
	payload := unwrapPayload(raw)
	source := raw
	if payload != nil {
		source = payload
	}

	trigger := source["trigger"]
	if isEmpty(trigger) {
		trigger = extractTrigger(source)
	}

	state := extractState(source)
	scriptExecution := toString(source["script_execution"])
	if scriptExecution == "" {
		scriptExecution = toString(source["script"])
	}

	start, finish := extractTimestamps(source)
	errVal := extractError(raw)

	rec := Record{
		RunID:           extractRunID(source),
		State:           state,
		ScriptExecution: scriptExecution,
		Trigger:         trigger,
		TimestampStart:  start,
		TimestampFinish: finish,
		Error:           errVal,
	}

	stats := Stats{}
	if start == "" {
		stats.MissingTimestamps = 1
	}
	if isEmpty(trigger) {
		stats.MissingTriggers = 1
	}
	if state == "" && scriptExecution == "" {
		stats.MissingStates = 1
	}
	stats.SampleKeys = sortedKeys(raw)
	stats.SamplePayloadKeys = sortedKeys(payload)

	return rec, stats
}

// ParseAll normalizes a list of raw traces and aggregates stats.
// The sample key sets come from the first trace that has any.
func ParseAll(raws []map[string]any) ([]Record, Stats) {
	records := make([]Record, 0, len(raws))
	var total Stats

	for _, raw := range raws {
		rec, s := Parse(raw)
		total.MissingTimestamps += s.MissingTimestamps
		total.MissingTriggers += s.MissingTriggers
		total.MissingStates += s.MissingStates
		if len(total.SampleKeys) == 0 {
			total.SampleKeys = s.SampleKeys
		}
		if len(total.SamplePayloadKeys) == 0 {
			total.SamplePayloadKeys = s.SamplePayloadKeys
		}
		records = append(records, rec)
	}

	return records, total
}

// DescribeTrigger renders a trigger value (string or descriptor map)
// as a single prompt-friendly line.
func DescribeTrigger(trigger any) string {
	switch t := trigger.(type) {
	case nil:
		return "Unknown trigger"
	case string:
		if t == "" {
			return "Unknown trigger"
		}
		return t
	case map[string]any:
		if desc := toString(t["description"]); desc != "" {
			return desc
		}
		platform := toString(t["platform"])
		entity := toString(t["entity_id"])
		switch {
		case platform != "" && entity != "":
			return platform + " of " + entity
		case platform != "":
			return platform + " trigger"
		case entity != "":
			return "trigger on " + entity
		}
		return "Unknown trigger"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// unwrapPayload extracts the real trace payload when it is stored
// under short_dict/extended_dict, decoding a JSON-encoded string
// wrapper when necessary. Returns nil when no wrapper is present.
func unwrapPayload(raw map[string]any) map[string]any {
	payload := raw["extended_dict"]
	if payload == nil {
		payload = raw["short_dict"]
	}
	switch p := payload.(type) {
	case map[string]any:
		return p
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(p), &decoded); err != nil {
			return nil
		}
		return decoded
	}
	return nil
}

// extractState returns the first non-empty of state/status/result.
func extractState(source map[string]any) string {
	for _, key := range []string{"state", "status", "result"} {
		if s, ok := source[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// extractRunID returns the first non-empty of run_id/id/trace_id.
func extractRunID(source map[string]any) string {
	for _, key := range []string{"run_id", "id", "trace_id"} {
		if s := toString(source[key]); s != "" {
			return s
		}
	}
	return ""
}

// extractTimestamps resolves start/finish in priority order: a direct
// timestamp dict (or bare string), flat root-level fields, then any
// nested dict under trace.* whose key mentions "timestamp".
func extractTimestamps(source map[string]any) (start, finish string) {
	switch ts := source["timestamp"].(type) {
	case map[string]any:
		start, finish = timeFields(ts)
	case string:
		start = ts
	}

	if start == "" {
		for _, key := range []string{"timestamp_start", "start", "start_time"} {
			if start = toString(source[key]); start != "" {
				break
			}
		}
	}
	if finish == "" {
		for _, key := range []string{"timestamp_finish", "finish", "end", "end_time"} {
			if finish = toString(source[key]); finish != "" {
				break
			}
		}
	}

	if start == "" {
		if traceData, ok := source["trace"].(map[string]any); ok {
			for key, value := range traceData {
				if !strings.Contains(strings.ToLower(key), "timestamp") {
					continue
				}
				if nested, ok := value.(map[string]any); ok {
					if s, f := timeFields(nested); s != "" {
						return s, f
					}
				}
			}
		}
	}

	return start, finish
}

// timeFields extracts start/finish values from a timestamp payload
// under its historical aliases.
func timeFields(payload map[string]any) (start, finish string) {
	for _, key := range []string{"start", "started", "start_time"} {
		if start = toString(payload[key]); start != "" {
			break
		}
	}
	for _, key := range []string{"finish", "end", "finished", "end_time"} {
		if finish = toString(payload[key]); finish != "" {
			break
		}
	}
	return start, finish
}

// extractTrigger searches the nested trace sub-document for trigger
// information: direct trigger fields first, then any step list under a
// key that mentions "trigger".
func extractTrigger(source map[string]any) any {
	traceData, ok := source["trace"].(map[string]any)
	if !ok {
		return nil
	}

	for _, key := range []string{"trigger", "trigger_data", "trigger_description"} {
		if v, present := traceData[key]; present && !isEmpty(v) {
			return v
		}
	}

	for key, steps := range traceData {
		if !strings.Contains(strings.ToLower(key), "trigger") {
			continue
		}
		if trigger := triggerFromSteps(steps); trigger != nil {
			return trigger
		}
	}
	return nil
}

// triggerFromSteps scans a list-of-steps (or single step) for trigger
// information.
func triggerFromSteps(steps any) any {
	switch s := steps.(type) {
	case []any:
		for _, item := range s {
			step, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if trigger := triggerFromStep(step); trigger != nil {
				return trigger
			}
		}
	case map[string]any:
		return triggerFromStep(s)
	}
	return nil
}

// triggerFromStep pulls a trigger from one step-like payload, either a
// direct trigger field or a synthesized descriptor from the step's
// description/platform/entity_id.
func triggerFromStep(step map[string]any) any {
	if v := step["trigger"]; !isEmpty(v) {
		return v
	}
	if !isEmpty(step["description"]) || !isEmpty(step["platform"]) || !isEmpty(step["entity_id"]) {
		return map[string]any{
			"description": step["description"],
			"platform":    step["platform"],
			"entity_id":   step["entity_id"],
		}
	}
	return nil
}

// extractError returns the root error field, overridden by the first
// truthy step error found in any list-valued trace key. The root trace
// object is used here, not the unwrapped payload, matching where HA
// stores step errors.
func extractError(raw map[string]any) any {
	errVal := raw["error"]
	traceData, ok := raw["trace"].(map[string]any)
	if !ok {
		return errVal
	}
	for _, steps := range traceData {
		list, ok := steps.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			step, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if e := step["error"]; !isEmpty(e) {
				return e
			}
		}
	}
	return errVal
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case bool:
		return !val
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	}
	return false
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	}
	return ""
}

func sortedKeys(m map[string]any) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
