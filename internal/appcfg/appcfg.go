// Package appcfg loads the server settings file for atef serve. The
// checkout document format lives in internal/config; this package only
// covers application-level settings.
package appcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the root of the atef server configuration file.
type Settings struct {
	Server  ServerSettings  `yaml:"server"`
	Storage StorageSettings `yaml:"storage"`
	Control ControlSettings `yaml:"control"`
	Runs    RunSettings     `yaml:"runs"`
}

// ServerSettings holds HTTP server options.
type ServerSettings struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	EnableCORS   bool   `yaml:"enable_cors"`
	AllowOrigins string `yaml:"allow_origins"`
	// ReadTimeout/WriteTimeout/IdleTimeout in seconds.
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
	BodyLimit    string `yaml:"body_limit"`
}

// StorageSettings holds on-disk locations.
type StorageSettings struct {
	DataDirectory    string `yaml:"data_directory"`
	UploadsDirectory string `yaml:"uploads_directory"`
	// HistoryDatabase is the DuckDB file recording completed runs.
	HistoryDatabase string `yaml:"history_database"`
}

// ControlSettings holds how the server reaches the control system and
// the device database.
type ControlSettings struct {
	// GatewayURL is the channel-access HTTP gateway base URL. Empty
	// selects the in-memory source (demos and tests).
	GatewayURL string `yaml:"gateway_url"`
	// ArchiverURL is the archiver appliance base URL used for
	// timestamped checkouts.
	ArchiverURL string `yaml:"archiver_url"`
	// HappiDB is the device database file (JSON or YAML).
	HappiDB string `yaml:"happi_db"`
	// FetchTimeout bounds each live fetch, in seconds.
	FetchTimeout int `yaml:"fetch_timeout"`
}

// RunSettings tunes background checkout runs.
type RunSettings struct {
	// Parallel is the worker count for leaf fetches per run.
	Parallel int `yaml:"parallel"`
	// MaxAgeMinutes is how long completed runs stay queryable.
	MaxAgeMinutes int `yaml:"max_age_minutes"`
	// CleanupIntervalMinutes is how often aged runs are dropped.
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{
		Server: ServerSettings{
			Port:         8439,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "16M",
		},
		Storage: StorageSettings{
			DataDirectory:    "./data",
			UploadsDirectory: "./data/uploads",
			HistoryDatabase:  "./data/history.duckdb",
		},
		Control: ControlSettings{
			FetchTimeout: 5,
		},
		Runs: RunSettings{
			Parallel:               4,
			MaxAgeMinutes:          30,
			CleanupIntervalMinutes: 5,
		},
	}
}

// Load reads the settings at path. A missing file writes the defaults
// there and returns them, so a first run leaves an editable file
// behind. Environment overrides are applied after parsing.
func Load(path string) (*Settings, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		s := Default()
		if err := s.Save(path); err != nil {
			return nil, fmt.Errorf("write default settings: %w", err)
		}
		s.applyEnvironmentOverrides()
		s.resolvePaths(filepath.Dir(path))
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	s := Default()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}

	s.applyEnvironmentOverrides()
	s.resolvePaths(filepath.Dir(path))
	return s, nil
}

// Save writes the settings as YAML.
func (s *Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}
	out, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	header := []byte("# atef server settings\n# This file is auto-generated on first run.\n\n")
	if err := os.WriteFile(path, append(header, out...), 0644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides lets the environment win over the file for
// the settings that differ per deployment.
func (s *Settings) applyEnvironmentOverrides() {
	if port := os.Getenv("ATEF_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			s.Server.Port = p
		}
	}
	if dataDir := os.Getenv("ATEF_DATA_DIR"); dataDir != "" {
		s.Storage.DataDirectory = dataDir
		s.Storage.UploadsDirectory = filepath.Join(dataDir, "uploads")
		s.Storage.HistoryDatabase = filepath.Join(dataDir, "history.duckdb")
	}
	if gw := os.Getenv("ATEF_GATEWAY_URL"); gw != "" {
		s.Control.GatewayURL = gw
	}
	if db := os.Getenv("ATEF_HAPPI_DB"); db != "" {
		s.Control.HappiDB = db
	}
}

// resolvePaths anchors relative paths at the settings file location.
func (s *Settings) resolvePaths(configDir string) {
	if !filepath.IsAbs(s.Storage.DataDirectory) {
		s.Storage.DataDirectory = filepath.Join(configDir, s.Storage.DataDirectory)
	}
	if !filepath.IsAbs(s.Storage.UploadsDirectory) {
		s.Storage.UploadsDirectory = filepath.Join(configDir, s.Storage.UploadsDirectory)
	}
	if !filepath.IsAbs(s.Storage.HistoryDatabase) {
		s.Storage.HistoryDatabase = filepath.Join(configDir, s.Storage.HistoryDatabase)
	}
	if s.Control.HappiDB != "" && !filepath.IsAbs(s.Control.HappiDB) {
		s.Control.HappiDB = filepath.Join(configDir, s.Control.HappiDB)
	}
}

// ServerAddr returns the bind address for the HTTP server.
func (s *Settings) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Server.BindAddress, s.Server.Port)
}

// FetchTimeout returns the configured per-fetch bound.
func (s *Settings) FetchTimeout() time.Duration {
	if s.Control.FetchTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.Control.FetchTimeout) * time.Second
}

// CORSOrigins splits the configured origin list.
func (s *Settings) CORSOrigins() []string {
	parts := strings.Split(s.Server.AllowOrigins, ",")
	var origins []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}

// EnsureDirectories creates the storage locations.
func (s *Settings) EnsureDirectories() error {
	dirs := []string{
		s.Storage.DataDirectory,
		s.Storage.UploadsDirectory,
		filepath.Dir(s.Storage.HistoryDatabase),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
