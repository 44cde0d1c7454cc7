package diagnose

import (
	"context"
	"fmt"
	"log/slog"

	"hadoctor/internal/homeassistant"
	"hadoctor/internal/llm"
	"hadoctor/internal/prompts"
	"hadoctor/internal/repository"
	"hadoctor/internal/trace"
)

// Diagnosis is the outcome of a single-automation deep analysis.
type Diagnosis struct {
	AutomationID    string         `json:"automation_id"`
	AutomationAlias string         `json:"automation_alias"`
	AutomationYAML  string         `json:"automation_yaml"`
	Traces          []trace.Record `json:"traces_summary"`
	Analysis        string         `json:"analysis"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
}

// Doctor diagnoses one automation at a time, feeding the model the
// automation YAML, its execution history, and the instance context.
type Doctor struct {
	repo   *repository.Repository
	client *homeassistant.Client
	llm    llm.Client
	logger *slog.Logger
}

// NewDoctor wires a single-automation doctor.
func NewDoctor(repo *repository.Repository, client *homeassistant.Client, llmClient llm.Client, logger *slog.Logger) *Doctor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Doctor{
		repo:   repo,
		client: client,
		llm:    llmClient,
		logger: logger.With("component", "doctor"),
	}
}

// Diagnose analyzes one automation. Failures are reported inside the
// Diagnosis rather than as an error so callers always get a result to
// show.
func (d *Doctor) Diagnose(ctx context.Context, automationID string) *Diagnosis {
	def, records, _, err := d.repo.GetWithTraces(ctx, automationID)
	if err != nil {
		return failedDiagnosis(automationID, err.Error())
	}
	if def == nil {
		return failedDiagnosis(automationID, fmt.Sprintf("automation with ID %q not found", automationID))
	}

	yamlText, err := def.ToYAML()
	if err != nil {
		d.logger.Warn("failed to render automation yaml", "id", automationID, "error", err)
	}

	hc := d.client.GetFullContext(ctx)

	systemPrompt := prompts.DebugSystemPrompt(hc)
	userPrompt := prompts.DebugUserPrompt(def.DisplayName(), yamlText, records)

	d.logger.Debug("diagnosing automation", "id", automationID, "alias", def.DisplayName(), "traces", len(records))

	analysis, err := d.llm.Generate(ctx, systemPrompt, userPrompt)
	if err != nil {
		d.logger.Error("failed to diagnose automation", "id", automationID, "error", err)
		return failedDiagnosis(automationID, err.Error())
	}

	return &Diagnosis{
		AutomationID:    automationID,
		AutomationAlias: def.DisplayName(),
		AutomationYAML:  yamlText,
		Traces:          records,
		Analysis:        analysis,
		Success:         true,
	}
}

func failedDiagnosis(automationID, message string) *Diagnosis {
	return &Diagnosis{
		AutomationID:    automationID,
		AutomationAlias: "Unknown",
		Success:         false,
		Error:           message,
	}
}
