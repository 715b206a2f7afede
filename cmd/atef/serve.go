package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/atef-tools/atef/internal/api"
	"github.com/atef-tools/atef/internal/appcfg"
	"github.com/atef-tools/atef/internal/checkout"
	"github.com/atef-tools/atef/internal/cs"
	"github.com/atef-tools/atef/internal/happi"
	"github.com/atef-tools/atef/internal/history"
	"github.com/atef-tools/atef/internal/runs"
	"github.com/atef-tools/atef/internal/storage"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the checkout REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appcfg.Load(configPath)
			if err != nil {
				return fmt.Errorf("load settings: %w", err)
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("create directories: %w", err)
			}
			return serve(cfg, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "atef.yaml", "server settings file (created on first run)")
	return cmd
}

func serve(cfg *appcfg.Settings, configPath string) error {
	store, err := storage.NewLocalStore(cfg.Storage.UploadsDirectory)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	// History is best effort: a broken database file disables the
	// history endpoints but never blocks checkouts.
	var hist *history.Store
	if cfg.Storage.HistoryDatabase != "" {
		hist, err = history.Open(cfg.Storage.HistoryDatabase)
		if err != nil {
			fmt.Printf("Warning: history disabled: %v\n", err)
			hist = nil
		} else {
			defer hist.Close()
		}
	}

	var source cs.Source
	if cfg.Control.GatewayURL != "" {
		source = cs.NewGatewayClient(cfg.Control.GatewayURL, cfg.FetchTimeout())
	} else {
		// Without a gateway the server still works for uploads and
		// history browsing; runs evaluate against an empty source and
		// report everything disconnected.
		fmt.Println("Warning: no gateway configured, runs use an empty in-memory source")
		source = cs.NewMemSource()
	}

	var resolver happi.Resolver
	if cfg.Control.HappiDB != "" {
		client, err := happi.Load(cfg.Control.HappiDB)
		if err != nil {
			fmt.Printf("Warning: device database unavailable: %v\n", err)
		} else {
			resolver = client
			fmt.Printf("Loaded device database: %s (%d devices)\n",
				cfg.Control.HappiDB, len(client.Names()))
		}
	}

	var recorder runs.Recorder
	if hist != nil {
		recorder = hist
	}
	runMgr := runs.NewManager(checkout.Options{
		Source:       source,
		Resolver:     resolver,
		FetchTimeout: cfg.FetchTimeout(),
		Parallel:     cfg.Runs.Parallel,
	}, recorder)

	// Background cleanup of aged runs.
	go func() {
		interval := time.Duration(cfg.Runs.CleanupIntervalMinutes) * time.Minute
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		maxAge := time.Duration(cfg.Runs.MaxAgeMinutes) * time.Minute
		if maxAge <= 0 {
			maxAge = runs.RunMaxAge
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			runMgr.CleanupOldRuns(maxAge)
		}
	}()

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/status") ||
				strings.HasSuffix(path, "/health") ||
				strings.Contains(path, "/ws/")
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return strings.Contains(c.Request().URL.Path, "/ws/")
		},
	}))

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins(),
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	api.RegisterRoutes(e, &api.Dependencies{
		Store:   store,
		RunMgr:  runMgr,
		History: hist,
		Version: Version,
	})

	s := &http.Server{
		Addr:         cfg.ServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	fmt.Printf("\n")
	fmt.Printf("atef checkout server %s (built %s)\n", Version, BuildTime)
	fmt.Printf("  config:   %s\n", configPath)
	fmt.Printf("  listen:   http://%s\n", cfg.ServerAddr())
	fmt.Printf("  uploads:  %s\n", cfg.Storage.UploadsDirectory)
	if hist != nil {
		fmt.Printf("  history:  %s\n", hist.Path())
	}
	if cfg.Control.GatewayURL != "" {
		fmt.Printf("  gateway:  %s\n", cfg.Control.GatewayURL)
	}
	fmt.Printf("\n")

	return e.StartServer(s)
}
