package cs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultArchiveWindow bounds how far back a point lookup searches for
// the last archived sample.
const DefaultArchiveWindow = 24 * time.Hour

// ArchiveSource serves channel values "as of" a fixed timestamp from an
// archiver appliance's JSON retrieval endpoint. It lets a checkout run
// against historical machine state instead of live data.
type ArchiveSource struct {
	baseURL string
	at      time.Time
	window  time.Duration
	client  *http.Client
}

// NewArchiveSource returns a source reading archived values at the
// given instant. baseURL points at the appliance retrieval service,
// typically host:17668.
func NewArchiveSource(baseURL string, at time.Time) *ArchiveSource {
	return &ArchiveSource{
		baseURL: baseURL,
		at:      at,
		window:  DefaultArchiveWindow,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// archivePoint is one sample in the appliance's getData.json response.
type archivePoint struct {
	Secs     int64           `json:"secs"`
	Nanos    int64           `json:"nanos"`
	Val      json.RawMessage `json:"val"`
	Severity int             `json:"severity"`
	Status   int             `json:"status"`
}

type archiveSeries struct {
	Meta struct {
		Name string `json:"name"`
	} `json:"meta"`
	Data []archivePoint `json:"data"`
}

// Get returns the last archived sample at or before the source's
// timestamp.
func (a *ArchiveSource) Get(ctx context.Context, identity, attribute string) (Reading, error) {
	addr := Address(identity, attribute)
	query := url.Values{}
	query.Set("pv", addr)
	query.Set("from", a.at.Add(-a.window).UTC().Format(time.RFC3339))
	query.Set("to", a.at.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/retrieval/data/getData.json?%s", a.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Reading{}, fmt.Errorf("archive %s: %w", addr, err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("archive %s: %w: %w", addr, ErrDisconnected, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Reading{}, fmt.Errorf("archive %s: %w", addr, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		return Reading{}, fmt.Errorf("archive %s: appliance status %s", addr, resp.Status)
	}

	var series []archiveSeries
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return Reading{}, fmt.Errorf("archive %s: decode: %w", addr, err)
	}
	if len(series) == 0 || len(series[0].Data) == 0 {
		return Reading{}, fmt.Errorf("archive %s: no samples before %s: %w",
			addr, a.at.Format(time.RFC3339), ErrNotFound)
	}

	last := series[0].Data[len(series[0].Data)-1]
	return Reading{
		Value:     decodeArchiveValue(last.Val),
		Timestamp: time.Unix(last.Secs, last.Nanos),
		Metadata: map[string]string{
			"severity": strconv.Itoa(last.Severity),
			"status":   strconv.Itoa(last.Status),
			"archived": "true",
		},
	}, nil
}

// Put always fails: archived data is read-only.
func (a *ArchiveSource) Put(ctx context.Context, identity, attribute string, value any) error {
	return fmt.Errorf("put %s: archive source is read-only", Address(identity, attribute))
}

// decodeArchiveValue narrows a raw JSON sample value. Whole numbers
// come back as int so comparisons against integer expectations behave.
func decodeArchiveValue(raw json.RawMessage) any {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		if num == float64(int64(num)) {
			return int(num)
		}
		return num
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
