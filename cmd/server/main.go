package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/signcam/streaming-server/internal/artifact"
	"github.com/signcam/streaming-server/internal/capture"
	"github.com/signcam/streaming-server/internal/config"
	"github.com/signcam/streaming-server/internal/detector"
	"github.com/signcam/streaming-server/internal/gate"
	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/metrics"
	"github.com/signcam/streaming-server/internal/server"
)

// App wires the detection server together.
type App struct {
	cfg        config.Config
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	metrics    *metrics.Metrics
	gate       *gate.Gate
	store      *artifact.Store
	server     *server.Server
	httpServer *http.Server
}

func main() {
	cfg := config.DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Detection server starting...")
	logger.Info("Main", "Log level: %s", level)

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	app.Start()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := app.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewApp loads the engine and builds every component.
func NewApp(cfg config.Config) (*App, error) {
	m := metrics.New()

	engine, err := detector.Load(cfg.DetectorConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to load detector: %w", err)
	}

	store, err := artifact.NewStore(cfg.UploadDir, m)
	if err != nil {
		engine.Close()
		return nil, err
	}

	g := gate.New(engine, gate.Options{
		QueueDepth: cfg.GateQueueDepth,
		MaxWait:    cfg.GateMaxWait,
		Metrics:    m,
	})

	srv := server.NewServer(server.Deps{
		Config:  cfg,
		Gate:    g,
		Store:   store,
		Sources: capture.Opener{CameraDevice: cfg.CameraDevice, MaxWidth: cfg.ReplayMaxWidth},
		Metrics: m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		gate:    g,
		store:   store,
		server:  srv,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start launches the listeners and the upload sweeper.
func (a *App) Start() {
	logger.Info("Main", "Starting detection server...")
	logger.Info("Main", "  HTTP server: %s", a.cfg.Addr)
	logger.Info("Main", "  Upload dir: %s", a.store.Dir())
	logger.Info("Main", "  Model: %s (%s, imgsz=%d)", a.cfg.ModelPath, a.cfg.Inference.Device, a.cfg.Inference.InputSize)

	if a.cfg.PprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", a.cfg.PprofAddr)
			if err := http.ListenAndServe(a.cfg.PprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", a.cfg.MetricsAddr)
			if err := a.metrics.StartServer(a.cfg.MetricsAddr); err != nil {
				logger.Warn("Main", "Metrics server error: %v", err)
			}
		}()
	}

	go func() {
		if err := a.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.store.RunSweeper(a.ctx, a.cfg.SweepInterval, a.cfg.ArtifactTTL)
	}()

	logger.Info("Main", "Server started successfully")
}

// Shutdown stops accepting requests, ends live sessions, then closes the
// engine.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	a.cancel()

	// Close the listener first; streaming handlers only return once their
	// sessions are cancelled below.
	httpDone := make(chan error, 1)
	go func() { httpDone <- a.httpServer.Shutdown(ctx) }()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	if err := <-httpDone; err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	a.wg.Wait()

	if err := a.gate.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	return errors.Join(errs...)
}
