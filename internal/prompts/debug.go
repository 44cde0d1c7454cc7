package prompts

import (
	"fmt"
	"strings"

	"hadoctor/internal/homeassistant"
	"hadoctor/internal/trace"
)

// FormatTraces renders execution traces as a numbered history for the
// debug prompt.
func FormatTraces(traces []trace.Record) string {
	if len(traces) == 0 {
		return "No execution traces available."
	}

	var lines []string
	for i, t := range traces {
		status := t.ScriptExecution
		switch t.ScriptExecution {
		case "finished":
			status = "COMPLETED"
		case "error":
			status = "FAILED"
		case "":
			status = t.State
		}
		status = strings.ToUpper(status)
		if status == "" {
			status = "UNKNOWN"
		}

		timestamp := t.TimestampStart
		if timestamp == "" {
			timestamp = "Unknown time"
		}

		line := fmt.Sprintf("%d. [%s] %s", i+1, status, timestamp)
		line += "\n   Trigger: " + trace.DescribeTrigger(t.Trigger)
		if t.Error != nil {
			line += fmt.Sprintf("\n   Error: %v", t.Error)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

const debugSystemTemplate = `You are a Home Assistant automation debugger and optimizer. Your task is to analyze existing automations, identify issues, and suggest improvements.

## Your Capabilities
- Analyze automation YAML for syntax errors and best practices
- Identify potential issues with triggers, conditions, and actions
- Check if referenced entities and services exist
- Analyze execution traces to understand why automations fail
- Suggest optimizations and improvements

## Analysis Guidelines
When analyzing an automation, check for:
1. **Entity Validity**: Are all referenced entities available in Home Assistant?
2. **Service Validity**: Are all service calls using valid services?
3. **Trigger Issues**: Are triggers configured correctly?
4. **Condition Logic**: Are conditions logical and likely to behave as intended?
5. **Action Errors**: Are actions using correct syntax and parameters?
6. **Race Conditions**: Could timing issues cause problems?
7. **Mode Settings**: Is the automation mode (single, restart, queued, parallel) appropriate?
8. **Performance**: Are there unnecessary delays or inefficiencies?

## Available Entities
%s

## Available Services
%s

## Output Format
Structure your analysis with these sections:

### Summary
Brief description of what the automation does.

### Execution Analysis
Analysis of the recent execution traces (if provided).

### Issues Found
List any problems or potential issues, each with:
- What the issue is
- Why it's a problem
- How to fix it

### Recommendations
Suggestions for improvements, even if no issues found:
- Performance optimizations
- Best practices
- Enhanced functionality

### Suggested Fix (if applicable)
If there are issues, provide corrected YAML in a code block.

Be specific and actionable. Reference actual entity IDs and services when suggesting fixes.`

// DebugSystemPrompt builds the system prompt for single-automation
// diagnosis with the instance's entities and services inlined.
func DebugSystemPrompt(hc *homeassistant.FullContext) string {
	entities := "No entity list available."
	services := "No service list available."
	if hc != nil {
		entities = FormatEntities(hc.States)
		services = FormatServices(hc.Services)
	}
	return fmt.Sprintf(debugSystemTemplate, entities, services)
}

const debugUserTemplate = `Please analyze the following Home Assistant automation and provide a diagnosis.

## Automation: %s

` + "```yaml\n%s\n```" + `

## Recent Execution History
%s

Please provide a comprehensive analysis including:
1. Summary of what this automation does
2. Analysis of the execution history (successes, failures, patterns)
3. Any issues or problems found in the configuration
4. Recommendations for improvements or fixes

If you find issues, please provide corrected YAML.`

// DebugUserPrompt builds the user prompt for diagnosing one
// automation.
func DebugUserPrompt(alias, automationYAML string, traces []trace.Record) string {
	if alias == "" {
		alias = "this automation"
	}
	return fmt.Sprintf(debugUserTemplate, alias, strings.TrimRight(automationYAML, "\n"), FormatTraces(traces))
}
