// Package generate turns natural language requests into Home
// Assistant automation YAML, validates it, and optionally deploys it
// through the config API.
package generate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"hadoctor/internal/automation"
	"hadoctor/internal/homeassistant"
	"hadoctor/internal/llm"
	"hadoctor/internal/prompts"
)

// Result is the outcome of a generation request.
type Result struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
	YAML     string `json:"yaml_content,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Validation reports YAML structural checks.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ContextSummary describes the instance context fed to the model.
type ContextSummary struct {
	EntityCount  int      `json:"entity_count"`
	DeviceCount  int      `json:"device_count"`
	AreaCount    int      `json:"area_count"`
	ServiceCount int      `json:"service_count"`
	Domains      []string `json:"domains"`
}

var yamlFencePatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```yaml\\s*(.*?)\\s*```"),
	regexp.MustCompile("(?s)```\\s*(alias:.*?)\\s*```"),
}

// ExtractYAML pulls the automation YAML out of a model response. It
// accepts a ```yaml fence or a bare fence starting with alias:.
func ExtractYAML(response string) string {
	for _, re := range yamlFencePatterns {
		if m := re.FindStringSubmatch(response); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// Validate checks that the YAML parses as a mapping with the fields an
// automation needs. Both legacy and 2024+ key spellings are accepted.
func Validate(yamlContent string) Validation {
	var errs []string

	var data map[string]any
	if err := yaml.Unmarshal([]byte(yamlContent), &data); err != nil {
		return Validation{Errors: []string{fmt.Sprintf("invalid YAML syntax: %v", err)}}
	}
	if data == nil {
		return Validation{Errors: []string{"YAML must be a mapping"}}
	}

	if _, ok := data["alias"]; !ok {
		errs = append(errs, "missing 'alias' field")
	}
	if !hasAny(data, "trigger", "triggers") {
		errs = append(errs, "missing 'trigger' or 'triggers' field")
	}
	if !hasAny(data, "action", "actions") {
		errs = append(errs, "missing 'action' or 'actions' field")
	}

	return Validation{Valid: len(errs) == 0, Errors: errs}
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// Generator produces automations from natural language.
type Generator struct {
	client *homeassistant.Client
	llm    llm.Client
	logger *slog.Logger
}

// New wires an automation generator.
func New(client *homeassistant.Client, llmClient llm.Client, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		client: client,
		llm:    llmClient,
		logger: logger.With("component", "generate"),
	}
}

// Generate builds an automation for the request. LLM failure is
// reported inside the Result.
func (g *Generator) Generate(ctx context.Context, request string) *Result {
	hc := g.client.GetFullContext(ctx)

	systemPrompt := prompts.GenerationSystemPrompt(hc)
	userPrompt := prompts.GenerationUserPrompt(request)

	response, err := g.llm.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		g.logger.Error("failed to generate automation", "error", err)
		return &Result{Error: err.Error()}
	}

	return &Result{
		Success:  true,
		Response: response,
		YAML:     ExtractYAML(response),
	}
}

// Deploy validates the YAML and creates the automation through the
// config API, then reloads automations. Returns the assigned ID.
func (g *Generator) Deploy(ctx context.Context, yamlContent string) (string, error) {
	if v := Validate(yamlContent); !v.Valid {
		return "", fmt.Errorf("automation validation failed: %s", strings.Join(v.Errors, "; "))
	}

	var cfg map[string]any
	if err := yaml.Unmarshal([]byte(yamlContent), &cfg); err != nil {
		return "", fmt.Errorf("parsing automation yaml: %w", err)
	}

	def := automation.FromMap(cfg)
	id := def.ID
	if id == "" {
		id = uuid.NewString()
		cfg["id"] = id
	}

	if err := g.client.CreateOrUpdateAutomation(ctx, id, cfg); err != nil {
		return "", fmt.Errorf("creating automation: %w", err)
	}
	if err := g.client.ReloadAutomations(ctx); err != nil {
		g.logger.Warn("automation created but reload failed", "id", id, "error", err)
	}

	g.logger.Info("deployed automation", "id", id, "alias", def.DisplayName())
	return id, nil
}

// ContextOverview summarizes what the model will see.
func (g *Generator) ContextOverview(ctx context.Context) *ContextSummary {
	hc := g.client.GetFullContext(ctx)

	domains := make(map[string]bool)
	for _, s := range hc.States {
		if i := strings.Index(s.EntityID, "."); i > 0 {
			domains[s.EntityID[:i]] = true
		}
	}
	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)

	serviceCount := 0
	for _, d := range hc.Services {
		serviceCount += len(d.Services)
	}

	return &ContextSummary{
		EntityCount:  len(hc.States),
		DeviceCount:  len(hc.Devices),
		AreaCount:    len(hc.Areas),
		ServiceCount: serviceCount,
		Domains:      names,
	}
}
