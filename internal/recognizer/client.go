package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Detection is one recognized face reported by the vision service. Identity is
// the employee id the service resolved; confidence filtering already happened
// upstream.
type Detection struct {
	Identity   string    `json:"identity"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	Confidence float64   `json:"confidence"`
}

// Client calls the vision/recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits all calls, used when no vision
// service is deployed (dev and CI).
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Detections fetches and drains the detections the service accumulated since
// the previous poll.
func (c *Client) Detections(ctx context.Context) ([]Detection, error) {
	if c.Skip {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/detections", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vision service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vision service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Detections []Detection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Detections, nil
}

// Health checks if the vision service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("vision service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("vision service unhealthy: %s", resp.Status)
	}
	return nil
}
