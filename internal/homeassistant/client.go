// Package homeassistant provides clients for the Home Assistant API.
//
// Inside the Supervisor the add-on reaches Home Assistant core at
// http://supervisor/core using the SUPERVISOR_TOKEN; for remote
// development any HA base URL and long-lived access token work.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"hadoctor/internal/httpkit"
)

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new Home Assistant client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		logger:  logger.With("component", "ha"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// APIError is returned when Home Assistant answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// AttributeString returns a string attribute, or "" if absent or not a string.
func (s State) AttributeString(key string) string {
	if v, ok := s.Attributes[key].(string); ok {
		return v
	}
	return ""
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// CoreConfig represents basic HA configuration.
type CoreConfig struct {
	LocationName string `json:"location_name"`
	TimeZone     string `json:"time_zone"`
	Version      string `json:"version"`
}

// Area represents a Home Assistant area.
type Area struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// EntityRegistryEntry represents an entity from the registry with area info.
type EntityRegistryEntry struct {
	EntityID     string `json:"entity_id"`
	UniqueID     string `json:"unique_id"`
	Name         string `json:"name"`
	OriginalName string `json:"original_name"`
	AreaID       string `json:"area_id"`
	DeviceID     string `json:"device_id"`
	Platform     string `json:"platform"`
	DisabledBy   string `json:"disabled_by"`
}

// IsDisabled reports whether the entity is disabled in Home Assistant.
func (e EntityRegistryEntry) IsDisabled() bool {
	return e.DisabledBy != ""
}

// Device represents a device registry entry.
type Device struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	NameByUser   string `json:"name_by_user"`
	AreaID       string `json:"area_id"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	DisabledBy   string `json:"disabled_by"`
}

// ServiceDomain is one domain's worth of the service registry.
type ServiceDomain struct {
	Domain   string                   `json:"domain"`
	Services map[string]ServiceDetail `json:"services"`
}

// ServiceDetail describes a single callable service.
type ServiceDetail struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// AutomationSummary is one automation as exposed by the states API.
type AutomationSummary struct {
	ID       string // attributes.id, the stable config identifier
	EntityID string // automation.<slug>
	Alias    string // friendly name
	State    string // on/off
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the Home Assistant configuration.
func (c *Client) GetConfig(ctx context.Context) (*CoreConfig, error) {
	var cfg CoreConfig
	if err := c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetStates retrieves all entity states.
func (c *Client) GetStates(ctx context.Context) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	return states, nil
}

// GetServices retrieves the service registry.
func (c *Client) GetServices(ctx context.Context) ([]ServiceDomain, error) {
	var services []ServiceDomain
	if err := c.get(ctx, "/api/services", &services); err != nil {
		return nil, err
	}
	return services, nil
}

// ListAutomations returns every automation entity known to Home
// Assistant, derived from the states API. The returned ID is the
// stable config identifier (attributes.id) when present.
func (c *Client) ListAutomations(ctx context.Context) ([]AutomationSummary, error) {
	states, err := c.GetStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("get states: %w", err)
	}

	var result []AutomationSummary
	for _, s := range states {
		if domainOf(s.EntityID) != "automation" {
			continue
		}
		result = append(result, AutomationSummary{
			ID:       s.AttributeString("id"),
			EntityID: s.EntityID,
			Alias:    s.AttributeString("friendly_name"),
			State:    s.State,
		})
	}
	return result, nil
}

// GetAutomationConfig fetches one automation's stored configuration by
// its stable config ID. Returns nil (no error) when the automation
// does not exist.
func (c *Client) GetAutomationConfig(ctx context.Context, id string) (map[string]any, error) {
	var cfg map[string]any
	err := c.get(ctx, "/api/config/automation/config/"+id, &cfg)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if cfg != nil && cfg["id"] == nil {
		cfg["id"] = id
	}
	return cfg, nil
}

// CreateOrUpdateAutomation writes an automation config under the given
// ID. Home Assistant creates the automation if the ID is new.
func (c *Client) CreateOrUpdateAutomation(ctx context.Context, id string, cfg map[string]any) error {
	return c.post(ctx, "/api/config/automation/config/"+id, cfg, nil)
}

// ReloadAutomations asks Home Assistant to reload automations.yaml.
func (c *Client) ReloadAutomations(ctx context.Context) error {
	return c.post(ctx, "/api/services/automation/reload", map[string]any{}, nil)
}

// CallService calls an arbitrary Home Assistant service.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	return c.post(ctx, path, data, nil)
}

func domainOf(entityID string) string {
	for i, r := range entityID {
		if r == '.' {
			return entityID[:i]
		}
	}
	return ""
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("request %s: %w", path, &APIError{StatusCode: resp.StatusCode, Body: body})
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// post performs a POST request to the HA API.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	var reqBody []byte
	if data != nil {
		var err error
		reqBody, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("request %s: %w", path, &APIError{StatusCode: resp.StatusCode, Body: body})
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
