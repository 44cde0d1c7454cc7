package homeassistant

import "context"

// FullContext bundles everything the LLM prompts need to validate
// entity and service references.
type FullContext struct {
	States         []State
	Services       []ServiceDomain
	Config         *CoreConfig
	Devices        []Device
	Areas          []Area
	EntityRegistry []EntityRegistryEntry
}

// GetFullContext fetches all context data from Home Assistant.
// Each fetch is best-effort: a failed call degrades to empty data so a
// partially reachable controller still produces a usable context.
// Unavailable, unknown, and disabled entities are filtered out.
func (c *Client) GetFullContext(ctx context.Context) *FullContext {
	full := &FullContext{}

	states, err := c.GetStates(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch states for context", "error", err)
	}
	if full.Services, err = c.GetServices(ctx); err != nil {
		c.logger.Warn("failed to fetch services for context", "error", err)
	}
	if full.Config, err = c.GetConfig(ctx); err != nil {
		c.logger.Warn("failed to fetch config for context", "error", err)
	}
	devices, err := c.GetDevices(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch devices for context", "error", err)
	}
	if full.Areas, err = c.GetAreas(ctx); err != nil {
		c.logger.Warn("failed to fetch areas for context", "error", err)
	}
	entities, err := c.GetEntityRegistry(ctx)
	if err != nil {
		c.logger.Warn("failed to fetch entity registry for context", "error", err)
	}

	disabled := make(map[string]bool, len(entities))
	for _, e := range entities {
		if e.IsDisabled() {
			disabled[e.EntityID] = true
			continue
		}
		full.EntityRegistry = append(full.EntityRegistry, e)
	}

	for _, s := range states {
		if s.State == "unavailable" || s.State == "unknown" {
			continue
		}
		if disabled[s.EntityID] {
			continue
		}
		full.States = append(full.States, s)
	}

	for _, d := range devices {
		if d.DisabledBy != "" {
			continue
		}
		full.Devices = append(full.Devices, d)
	}

	return full
}
