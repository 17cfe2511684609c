package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/h1v3-io/courier/internal/coords"
)

// PlatformOptions holds parameters for fetching config from a central
// dashboard that manages several desks.
type PlatformOptions struct {
	PlatformURL string // e.g. https://dashboard.example.com
	DeskID      string
	APIKey      string
	DataDir     string // local data directory, default /data
}

// platformDocument is the dashboard response: a Config plus, optionally,
// the desk's coordinate file.
type platformDocument struct {
	*Config
	CoordinateFile json.RawMessage `json:"coordinate_file,omitempty"`
}

// LoadFromPlatform fetches the desk configuration from the dashboard API.
// When the response carries a coordinate document it is written to
// <data_dir>/coordinates.json unless that file already exists, so local
// calibration survives restarts.
func LoadFromPlatform(opts PlatformOptions) (*Config, error) {
	if opts.DataDir == "" {
		opts.DataDir = "/data"
	}

	url := fmt.Sprintf("%s/api/desks/config", opts.PlatformURL)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("platform: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+opts.APIKey)
	req.Header.Set("X-Desk-ID", opts.DeskID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform: fetch config: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("platform: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("platform: HTTP %d: %s", resp.StatusCode, string(body))
	}

	doc := platformDocument{Config: Defaults()}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("platform: parse config: %w", err)
	}
	cfg := doc.Config

	// Local paths always win over whatever the dashboard thinks.
	cfg.DataDir = opts.DataDir
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("platform: create data dir: %w", err)
	}

	if len(doc.CoordinateFile) > 0 && string(doc.CoordinateFile) != "null" {
		path := filepath.Join(opts.DataDir, "coordinates.json")
		cfg.Coordinates.PrimaryPath = path
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := coords.WriteFileAtomic(path, doc.CoordinateFile); err != nil {
				return nil, fmt.Errorf("platform: write coordinates: %w", err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	return cfg, nil
}
