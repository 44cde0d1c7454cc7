// Package repository reads automations and execution traces from the
// Home Assistant config directory, falling back to the REST API when
// the files are not mounted (local development).
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"hadoctor/internal/automation"
	"hadoctor/internal/homeassistant"
	"hadoctor/internal/trace"
)

// TraceStatus reports how the saved traces file was read.
type TraceStatus string

const (
	TraceStatusOK          TraceStatus = "ok"
	TraceStatusMissingFile TraceStatus = "missing_file"
	TraceStatusEmptyFile   TraceStatus = "empty_file"
	TraceStatusInvalidJSON TraceStatus = "invalid_json"
)

// Repository provides automation configs and traces.
type Repository struct {
	automationsFile string
	tracesFile      string
	client          *homeassistant.Client
	logger          *slog.Logger
}

// New creates a repository rooted at the Home Assistant config
// directory, typically /config inside the add-on container.
func New(configDir string, client *homeassistant.Client, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		automationsFile: filepath.Join(configDir, "automations.yaml"),
		tracesFile:      filepath.Join(configDir, ".storage", "trace.saved_traces"),
		client:          client,
		logger:          logger.With("component", "repository"),
	}
}

// readAutomationsFile parses automations.yaml. A missing file returns
// (nil, false); a malformed file degrades to empty with an error log.
func (r *Repository) readAutomationsFile() ([]map[string]any, bool) {
	content, err := os.ReadFile(r.automationsFile)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Error("failed to read automations file", "path", r.automationsFile, "error", err)
			return nil, true
		}
		r.logger.Warn("automations file not found", "path", r.automationsFile)
		return nil, false
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, true
	}

	var raw []map[string]any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		r.logger.Error("failed to parse automations file", "path", r.automationsFile, "error", err)
		return nil, true
	}
	return raw, true
}

// ErrFetchCancelled is returned when the cancelled callback reports
// true between per-automation API fetches.
var ErrFetchCancelled = errors.New("automation fetch cancelled")

// rawConfigs returns all automation configs as maps, from the file or
// from the API when the file is absent. In the API path cancelled is
// checked before each per-automation fetch; pass nil to never stop.
func (r *Repository) rawConfigs(ctx context.Context, cancelled func() bool) ([]map[string]any, error) {
	raw, fileExists := r.readAutomationsFile()
	if fileExists {
		return raw, nil
	}

	r.logger.Info("automations file not found, fetching via API")
	listed, err := r.client.ListAutomations(ctx)
	if err != nil {
		return nil, err
	}
	var configs []map[string]any
	for _, a := range listed {
		if cancelled != nil && cancelled() {
			return nil, ErrFetchCancelled
		}
		if a.ID == "" {
			continue
		}
		cfg, err := r.client.GetAutomationConfig(ctx, a.ID)
		if err != nil {
			r.logger.Warn("failed to fetch automation config", "id", a.ID, "error", err)
			continue
		}
		if cfg == nil {
			continue
		}
		cfg["_entity_id"] = a.EntityID
		configs = append(configs, cfg)
	}
	return configs, nil
}

// Definitions returns all automations fully parsed. The cancelled
// callback, when non-nil, stops the per-automation API fetch loop
// early with ErrFetchCancelled.
func (r *Repository) Definitions(ctx context.Context, cancelled func() bool) ([]*automation.Definition, error) {
	raw, err := r.rawConfigs(ctx, cancelled)
	if err != nil {
		return nil, err
	}
	defs := make([]*automation.Definition, 0, len(raw))
	for _, m := range raw {
		def := automation.FromMap(m)
		if def.EntityID == "" {
			def.EntityID = entityIDFromMap(m)
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// lookupMaps holds the registry and state indexes used for listing
// enrichment.
type lookupMaps struct {
	areaName  map[string]string                            // area_id -> name
	entity    map[string]homeassistant.EntityRegistryEntry // entity_id -> entry
	byUnique  map[string]string                            // unique_id -> entity_id
	state     map[string]string                            // entity_id -> on/off
	byStateID map[string]string                            // attributes.id -> entity_id
}

// buildLookups fetches the registries. A fetch failure degrades to
// empty maps so listing still works without enrichment.
func (r *Repository) buildLookups(ctx context.Context) *lookupMaps {
	lk := &lookupMaps{
		areaName:  make(map[string]string),
		entity:    make(map[string]homeassistant.EntityRegistryEntry),
		byUnique:  make(map[string]string),
		state:     make(map[string]string),
		byStateID: make(map[string]string),
	}

	registry, err := r.client.GetEntityRegistry(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch entity registry", "error", err)
	}
	areas, err := r.client.GetAreas(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch areas", "error", err)
	}
	states, err := r.client.GetStates(ctx)
	if err != nil {
		r.logger.Warn("failed to fetch states", "error", err)
	}

	for _, a := range areas {
		lk.areaName[a.AreaID] = a.Name
	}
	for _, e := range registry {
		if !strings.HasPrefix(e.EntityID, "automation.") {
			continue
		}
		lk.entity[e.EntityID] = e
		if e.UniqueID != "" {
			lk.byUnique[e.UniqueID] = e.EntityID
		}
	}
	for _, s := range states {
		if !strings.HasPrefix(s.EntityID, "automation.") {
			continue
		}
		lk.state[s.EntityID] = s.State
		if id := s.AttributeString("id"); id != "" {
			lk.byStateID[id] = s.EntityID
		}
	}
	return lk
}

// List returns summaries of all automations, enriched with area and
// enabled state from the registries.
func (r *Repository) List(ctx context.Context) ([]automation.Summary, error) {
	raw, err := r.rawConfigs(ctx, nil)
	if err != nil {
		return nil, err
	}

	lk := r.buildLookups(ctx)

	summaries := make([]automation.Summary, 0, len(raw))
	for _, m := range raw {
		def := automation.FromMap(m)

		entityID := entityIDFromMap(m)
		if entityID == "" && def.ID != "" {
			if eid, ok := lk.byUnique[def.ID]; ok {
				entityID = eid
			} else if eid, ok := lk.byStateID[def.ID]; ok {
				entityID = eid
			} else {
				entityID = "automation." + def.ID
			}
		}

		s := automation.Summary{
			ID:          def.ID,
			Alias:       def.DisplayName(),
			Description: def.Description,
			Mode:        def.Mode,
			State:       "unknown",
		}
		if entityID != "" {
			if entry, ok := lk.entity[entityID]; ok && entry.AreaID != "" {
				s.AreaID = entry.AreaID
				s.AreaName = lk.areaName[entry.AreaID]
			}
			if state, ok := lk.state[entityID]; ok {
				s.State = state
			}
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// Get returns one automation by config ID, or nil when unknown.
func (r *Repository) Get(ctx context.Context, id string) (*automation.Definition, error) {
	raw, fileExists := r.readAutomationsFile()
	if fileExists {
		for _, m := range raw {
			def := automation.FromMap(m)
			if def.ID == id {
				return &def, nil
			}
		}
		return nil, nil
	}

	cfg, err := r.client.GetAutomationConfig(ctx, id)
	if err != nil || cfg == nil {
		return nil, err
	}
	def := automation.FromMap(cfg)
	return &def, nil
}

// readTracesFile parses .storage/trace.saved_traces. The data map is
// keyed by automation entity ID.
func (r *Repository) readTracesFile() (map[string][]map[string]any, TraceStatus) {
	content, err := os.ReadFile(r.tracesFile)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Error("failed to read traces file", "path", r.tracesFile, "error", err)
			return nil, TraceStatusInvalidJSON
		}
		r.logger.Warn("traces file not found", "path", r.tracesFile)
		return nil, TraceStatusMissingFile
	}
	if strings.TrimSpace(string(content)) == "" {
		return nil, TraceStatusEmptyFile
	}

	var file struct {
		Data map[string][]map[string]any `json:"data"`
	}
	if err := json.Unmarshal(content, &file); err != nil {
		r.logger.Error("failed to parse traces file", "path", r.tracesFile, "error", err)
		return nil, TraceStatusInvalidJSON
	}
	return file.Data, TraceStatusOK
}

// Traces returns the raw saved traces for one automation. The ID is
// accepted with or without the automation. prefix.
func (r *Repository) Traces(automationID string) ([]map[string]any, TraceStatus) {
	data, status := r.readTracesFile()
	if status != TraceStatusOK {
		return nil, status
	}

	key := automationID
	if !strings.HasPrefix(key, "automation.") {
		key = "automation." + key
	}
	traces := data[key]
	if len(traces) == 0 {
		traces = data[automationID]
	}
	return traces, TraceStatusOK
}

// GetWithTraces returns one automation together with its parsed
// execution history. A missing traces file yields an empty history.
func (r *Repository) GetWithTraces(ctx context.Context, id string) (*automation.Definition, []trace.Record, trace.Stats, error) {
	def, err := r.Get(ctx, id)
	if err != nil || def == nil {
		return def, nil, trace.Stats{}, err
	}

	raw, status := r.Traces(id)
	if status != TraceStatusOK {
		r.logger.Debug("no traces available", "id", id, "status", status)
		return def, nil, trace.Stats{}, nil
	}

	records, stats := trace.ParseAll(raw)
	if len(records) > 0 {
		r.logger.Debug("parsed traces",
			"id", id,
			"count", len(records),
			"missing_timestamps", stats.MissingTimestamps,
			"missing_triggers", stats.MissingTriggers,
			"missing_states", stats.MissingStates,
		)
	}
	return def, records, stats, nil
}

func entityIDFromMap(m map[string]any) string {
	if eid, ok := m["_entity_id"].(string); ok {
		return eid
	}
	return ""
}
