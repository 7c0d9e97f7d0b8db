package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nubiot/fleetsync/pkg/types"
)

// Client wraps the fleetsync HTTP API for CLI usage.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a client against a running engine's API address.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ListSensors returns every known sync record.
func (c *Client) ListSensors(ctx context.Context) ([]*types.SensorSyncState, error) {
	var states []*types.SensorSyncState
	err := c.do(ctx, http.MethodGet, "/v1/sensors", nil, &states)
	return states, err
}

// GetSensor returns one stream's sync record.
func (c *Client) GetSensor(ctx context.Context, deviceType types.DeviceType, sensorID string) (*types.SensorSyncState, error) {
	var state types.SensorSyncState
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sensors/%s/%s", deviceType, sensorID), nil, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// DiscoverSensor registers a stream without enabling it.
func (c *Client) DiscoverSensor(ctx context.Context, deviceType types.DeviceType, sensorID, sensorName string, kind types.SensorValueKind) (*types.SensorSyncState, error) {
	var state types.SensorSyncState
	err := c.do(ctx, http.MethodPost, "/v1/sensors", map[string]interface{}{
		"device_type": deviceType,
		"sensor_id":   sensorID,
		"sensor_name": sensorName,
		"value_kind":  kind,
	}, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// EnableSensor turns a stream on and starts its initial backfill.
func (c *Client) EnableSensor(ctx context.Context, deviceType types.DeviceType, sensorID string) (*types.SensorSyncState, error) {
	var state types.SensorSyncState
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sensors/%s/%s/enable", deviceType, sensorID), nil, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// DisableSensor turns a stream off and removes its synced documents.
func (c *Client) DisableSensor(ctx context.Context, deviceType types.DeviceType, sensorID string) (*types.SensorSyncState, error) {
	var state types.SensorSyncState
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sensors/%s/%s/disable", deviceType, sensorID), nil, &state)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Backfill requests an additional historical range for a stream.
func (c *Client) Backfill(ctx context.Context, deviceType types.DeviceType, sensorID string, from time.Time, to *time.Time) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/sensors/%s/%s/backfill", deviceType, sensorID), map[string]interface{}{
		"from": from,
		"to":   to,
	}, nil)
}

// CreateCredential stores a tenant credential.
func (c *Client) CreateCredential(ctx context.Context, cred *types.TenantCredential) (*types.TenantCredential, error) {
	var created types.TenantCredential
	if err := c.do(ctx, http.MethodPost, "/v1/credentials", cred, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// CreateDeviceGroup stores a device group.
func (c *Client) CreateDeviceGroup(ctx context.Context, group *types.DeviceGroup) (*types.DeviceGroup, error) {
	var created types.DeviceGroup
	if err := c.do(ctx, http.MethodPost, "/v1/device-groups", group, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// CreateDevice registers a fleet device.
func (c *Client) CreateDevice(ctx context.Context, device *types.Device) (*types.Device, error) {
	var created types.Device
	if err := c.do(ctx, http.MethodPost, "/v1/devices", device, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListDevices returns the fleet.
func (c *Client) ListDevices(ctx context.Context) ([]*types.Device, error) {
	var devices []*types.Device
	err := c.do(ctx, http.MethodGet, "/v1/devices", nil, &devices)
	return devices, err
}
