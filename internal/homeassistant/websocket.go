package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// wsMessage is the generic WebSocket message format.
type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wsCommand opens a WebSocket connection, authenticates, issues a
// single command, and decodes its result into result. The registry
// list commands (entity/area/device) are only available over the
// WebSocket API, not REST.
//
// A fresh connection per command keeps the client stateless; registry
// fetches happen at most once per diagnosis run, so connection churn
// is negligible.
func (c *Client) wsCommand(ctx context.Context, commandType string, result any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	// Large buffer: entity registries on big installs run to megabytes.
	dialer := websocket.Dialer{
		ReadBufferSize:  1024 * 1024,
		WriteBufferSize: 64 * 1024,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(100 * 1024 * 1024)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	// Auth handshake: auth_required → auth → auth_ok.
	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if authResp.Type != "auth_ok" {
		return fmt.Errorf("websocket auth failed: %s", authResp.Type)
	}

	if err := conn.WriteJSON(wsMessage{ID: 1, Type: commandType}); err != nil {
		return fmt.Errorf("send %s: %w", commandType, err)
	}

	// Skip unsolicited frames (events) until our result arrives.
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read %s result: %w", commandType, err)
		}
		if msg.ID != 1 || msg.Type != "result" {
			continue
		}
		if !msg.Success {
			if msg.Error != nil {
				return fmt.Errorf("%s failed: %s (%s)", commandType, msg.Error.Message, msg.Error.Code)
			}
			return fmt.Errorf("%s failed", commandType)
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", commandType, err)
			}
		}
		return nil
	}
}

// GetEntityRegistry retrieves the entity registry via WebSocket.
func (c *Client) GetEntityRegistry(ctx context.Context) ([]EntityRegistryEntry, error) {
	var entries []EntityRegistryEntry
	if err := c.wsCommand(ctx, "config/entity_registry/list", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetAreas retrieves the area registry via WebSocket.
func (c *Client) GetAreas(ctx context.Context) ([]Area, error) {
	var areas []Area
	if err := c.wsCommand(ctx, "config/area_registry/list", &areas); err != nil {
		return nil, err
	}
	return areas, nil
}

// GetDevices retrieves the device registry via WebSocket.
func (c *Client) GetDevices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.wsCommand(ctx, "config/device_registry/list", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}
