package cs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

// GatewayClient reads and writes channels through an HTTP gateway that
// bridges the control-system protocol. Endpoints:
//
//	GET {base}/api/v1/pv/{name}         -> {"value": ..., "timestamp": ..., "connected": ..., "metadata": ...}
//	PUT {base}/api/v1/pv/{name}         <- {"value": ...}
type GatewayClient struct {
	baseURL string
	client  *http.Client
}

// NewGatewayClient returns a client for the gateway at baseURL. A zero
// timeout falls back to 5 seconds.
func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GatewayClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type gatewayReading struct {
	Value     any               `json:"value"`
	Timestamp float64           `json:"timestamp"` // epoch seconds
	Connected bool              `json:"connected"`
	Metadata  map[string]string `json:"metadata"`
}

func (g *GatewayClient) pvURL(identity, attribute string) string {
	return fmt.Sprintf("%s/api/v1/pv/%s", g.baseURL, url.PathEscape(Address(identity, attribute)))
}

// Get fetches the current value of a channel from the gateway.
func (g *GatewayClient) Get(ctx context.Context, identity, attribute string) (Reading, error) {
	addr := Address(identity, attribute)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.pvURL(identity, attribute), nil)
	if err != nil {
		return Reading{}, fmt.Errorf("get %s: %w", addr, err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("get %s: %w: %w", addr, ErrDisconnected, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Reading{}, fmt.Errorf("get %s: %w", addr, ErrNotFound)
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Reading{}, fmt.Errorf("get %s: gateway status %s: %s", addr, resp.Status, bytes.TrimSpace(body))
	}

	var raw gatewayReading
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Reading{}, fmt.Errorf("get %s: decode: %w", addr, err)
	}
	if !raw.Connected {
		return Reading{}, fmt.Errorf("get %s: %w", addr, ErrDisconnected)
	}
	return Reading{
		Value:     raw.Value,
		Timestamp: epochToTime(raw.Timestamp),
		Metadata:  raw.Metadata,
	}, nil
}

// Put writes a value to a channel through the gateway.
func (g *GatewayClient) Put(ctx context.Context, identity, attribute string, value any) error {
	addr := Address(identity, attribute)
	body, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return fmt.Errorf("put %s: %w", addr, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.pvURL(identity, attribute), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("put %s: %w", addr, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("put %s: %w: %w", addr, ErrDisconnected, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("put %s: %w", addr, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("put %s: gateway status %s", addr, resp.Status)
	}
	return nil
}

func epochToTime(secs float64) time.Time {
	if secs <= 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9))
}
