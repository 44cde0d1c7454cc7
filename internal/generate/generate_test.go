package generate

import (
	"strings"
	"testing"
)

func TestExtractYAML_Fenced(t *testing.T) {
	response := "Here is your automation:\n```yaml\nalias: Night Light\ntrigger:\n  - platform: state\n```\nLet me know if you want changes."

	got := ExtractYAML(response)
	if !strings.HasPrefix(got, "alias: Night Light") {
		t.Errorf("ExtractYAML = %q", got)
	}
	if strings.Contains(got, "```") {
		t.Error("fence markers leaked into extracted YAML")
	}
}

func TestExtractYAML_BareFence(t *testing.T) {
	response := "```\nalias: Bare Fence\ntrigger:\n  - platform: time\n```"

	got := ExtractYAML(response)
	if !strings.HasPrefix(got, "alias: Bare Fence") {
		t.Errorf("ExtractYAML = %q", got)
	}
}

func TestExtractYAML_NoFence(t *testing.T) {
	if got := ExtractYAML("I could not produce an automation for that request."); got != "" {
		t.Errorf("ExtractYAML = %q, want empty", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		valid     bool
		wantError string
	}{
		{
			name:  "complete legacy keys",
			yaml:  "alias: Test\ntrigger:\n  - platform: state\naction:\n  - service: light.turn_on\n",
			valid: true,
		},
		{
			name:  "complete modern keys",
			yaml:  "alias: Test\ntriggers:\n  - trigger: state\nactions:\n  - action: light.turn_on\n",
			valid: true,
		},
		{
			name:      "missing alias",
			yaml:      "trigger:\n  - platform: state\naction:\n  - service: light.turn_on\n",
			wantError: "missing 'alias' field",
		},
		{
			name:      "missing trigger",
			yaml:      "alias: Test\naction:\n  - service: light.turn_on\n",
			wantError: "missing 'trigger' or 'triggers' field",
		},
		{
			name:      "missing action",
			yaml:      "alias: Test\ntrigger:\n  - platform: state\n",
			wantError: "missing 'action' or 'actions' field",
		},
		{
			name:      "not a mapping",
			yaml:      "- just\n- a\n- list\n",
			wantError: "invalid YAML syntax",
		},
		{
			name:      "empty",
			yaml:      "",
			wantError: "YAML must be a mapping",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.yaml)
			if v.Valid != tt.valid {
				t.Fatalf("Valid = %v, errors = %v", v.Valid, v.Errors)
			}
			if tt.wantError == "" {
				return
			}
			found := false
			for _, e := range v.Errors {
				if strings.Contains(e, tt.wantError) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors = %v, want one containing %q", v.Errors, tt.wantError)
			}
		})
	}
}
