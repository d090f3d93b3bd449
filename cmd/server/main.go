package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/emsdesk/livecall/internal/api"
	"github.com/emsdesk/livecall/internal/audio"
	"github.com/emsdesk/livecall/internal/bus"
	"github.com/emsdesk/livecall/internal/call"
	"github.com/emsdesk/livecall/internal/config"
	"github.com/emsdesk/livecall/internal/storage/sqlite"
	"github.com/emsdesk/livecall/internal/transport"
	"github.com/emsdesk/livecall/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: "console", // Always use console format for better readability
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting livecall server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Generate today's database filename
	today := time.Now().Format("2006-01-02")
	dbFilename := fmt.Sprintf("livecall-%s.db", today)
	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath, dbFilename)

	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err),
			logger.String("path", cfg.Storage.SQLiteBasePath))
		os.Exit(1)
	}

	log.Info("Using daily database", logger.String("path", dbPath))

	callStorage, err := sqlite.NewCallStorage(dbPath, log)
	if err != nil {
		log.Error("Failed to create SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer callStorage.Close()

	// Create the display hub
	hub := bus.NewHub(cfg.Display.SendBufferSize, log)
	go hub.Run()
	defer hub.Stop()

	// Session factory: each call gets a fresh backend channel and a fresh
	// capture pipeline off the configured input device.
	transportCfg := transport.Config{
		URL:              cfg.Backend.URL,
		HandshakeTimeout: time.Duration(cfg.Backend.HandshakeTimeoutSecs) * time.Second,
		PingInterval:     time.Duration(cfg.Backend.PingIntervalSecs) * time.Second,
	}
	deviceCfg := audio.DeviceConfig{
		FFmpegPath:  cfg.Audio.FFmpegPath,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
	}
	segmentInterval := time.Duration(cfg.Audio.SegmentIntervalMs) * time.Millisecond

	factory := func(language string) *call.Session {
		deps := call.Deps{
			DialTransport: func(ctx context.Context) (call.Transport, error) {
				return transport.Dial(ctx, transportCfg, log)
			},
			NewCapture: func(emit audio.EmitFunc) (call.Capture, error) {
				device, err := audio.OpenFFmpegDevice(deviceCfg, log)
				if err != nil {
					return nil, err
				}
				return audio.NewChunker(device, segmentInterval, emit, log), nil
			},
			Publisher:       hub,
			Records:         callStorage,
			FinalizeTimeout: time.Duration(cfg.Backend.FinalizeTimeoutSecs) * time.Second,
			Source:          "dispatch-console",
			OnComplete: func(snap call.Snapshot) {
				// Refresh every display's call list once the record lands.
				records, err := callStorage.GetCalls(cfg.Storage.MaxCallsInAPI)
				if err != nil {
					log.Error("Failed to load call list for display refresh", logger.Error(err))
					return
				}
				env, err := bus.NewCallsSnapshot(records, snap.Language)
				if err != nil {
					log.Error("Failed to build call list snapshot", logger.Error(err))
					return
				}
				hub.Publish(env)
			},
		}
		return call.NewSession(language, deps, log)
	}
	callManager := call.NewManager(factory, cfg.Backend.Language, log)

	// Create API router
	router := api.NewRouter(callManager, callStorage, hub, cfg, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down server...")

	// Drop any live call first so the capture process and backend channel
	// close before the HTTP listeners do.
	callManager.AbortCall()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", logger.Error(err))
	} else {
		log.Info("HTTP server shutdown complete")
	}

	log.Info("Server fully stopped")
}
