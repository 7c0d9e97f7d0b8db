package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nubiot/fleetsync/pkg/metrics"
	"github.com/nubiot/fleetsync/pkg/types"
)

// ErrUpstreamUnavailable is returned when the device cloud's
// historical API cannot serve a page. A backfill job treats this as
// fatal for the current attempt.
var ErrUpstreamUnavailable = errors.New("historical data API unavailable")

// Client fetches paginated historical telemetry from the device cloud.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a historical API client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type record struct {
	DeviceID string          `json:"deviceId"`
	Time     time.Time       `json:"time"`
	Value    json.RawMessage `json:"value"`
}

type pageResponse struct {
	Records []record `json:"records"`
}

// FetchPage retrieves one page of samples for a device's sensor within
// [start, end), newest limit records first boundary excluded. The
// tenant credential authenticates the request.
func (c *Client) FetchPage(ctx context.Context, cred *types.TenantCredential, deviceID, sensorID string, start, end time.Time, limit int) ([]types.TelemetrySample, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HistoryRequestDuration)

	q := url.Values{}
	q.Set("device", deviceID)
	q.Set("sensor", sensorID)
	q.Set("start", start.UTC().Format(time.RFC3339Nano))
	q.Set("end", end.UTC().Format(time.RFC3339Nano))
	q.Set("limit", strconv.Itoa(limit))

	reqURL := fmt.Sprintf("%s/v1/history?%s", c.baseURL, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}
	req.Header.Set("X-Project-Id", cred.ProjectID)
	req.Header.Set("X-App-Key", cred.AppKey)
	req.Header.Set("X-App-Secret", cred.AppSecret)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("history request returned %d: %w", resp.StatusCode, ErrUpstreamUnavailable)
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode history page: %w: %v", ErrUpstreamUnavailable, err)
	}

	samples := make([]types.TelemetrySample, 0, len(page.Records))
	for _, rec := range page.Records {
		var value interface{}
		if len(rec.Value) > 0 {
			if err := json.Unmarshal(rec.Value, &value); err != nil {
				value = string(rec.Value)
			}
		}
		samples = append(samples, types.TelemetrySample{
			DeviceID: rec.DeviceID,
			SensorID: sensorID,
			Time:     rec.Time,
			Value:    value,
		})
	}
	return samples, nil
}
