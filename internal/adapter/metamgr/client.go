// Package metamgr talks to the station metadata service and memoizes lookups
// for the lifetime of one run.
package metamgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudrook/obs-ingest/internal/domain"
)

// Client implements domain.StationResolver against the metadata manager's
// HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a metadata service client.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Resolve fetches a station record by id. A 404 is a definitive not-found and
// returns domain.ErrStationNotFound.
func (c *Client) Resolve(ctx context.Context, stationID string) (domain.StationRecord, error) {
	u := fmt.Sprintf("%s/stations/%s", c.baseURL, url.PathEscape(stationID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.StationRecord{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.StationRecord{}, fmt.Errorf("station lookup %s: %w", stationID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.StationRecord{}, fmt.Errorf("station %s: %w", stationID, domain.ErrStationNotFound)
	default:
		body, _ := io.ReadAll(resp.Body)
		return domain.StationRecord{}, fmt.Errorf("metamgr error: status %d: %s", resp.StatusCode, body)
	}

	var station domain.StationRecord
	if err := json.NewDecoder(resp.Body).Decode(&station); err != nil {
		return domain.StationRecord{}, fmt.Errorf("decode station %s: %w", stationID, err)
	}
	if station.ID == "" {
		station.ID = stationID
	}
	return station, nil
}
