package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narrolabs/narro-core/internal/bus"
	"github.com/narrolabs/narro-core/internal/config"
	"github.com/narrolabs/narro-core/internal/convert"
	"github.com/narrolabs/narro-core/internal/jobstore"
	"github.com/narrolabs/narro-core/internal/natsserver"
	"github.com/narrolabs/narro-core/internal/pdftext"
	"github.com/narrolabs/narro-core/internal/progress"
	"github.com/narrolabs/narro-core/internal/protocol"
	"github.com/narrolabs/narro-core/internal/server"
	"github.com/narrolabs/narro-core/internal/speech"
)

// Runtime assembles the conversion pipeline with its supporting services and
// serves the admin endpoints (health, readiness, metrics).
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	ready      atomic.Bool
	checks     []func() bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// NewLogger builds the process logger from telemetry settings.
func NewLogger(cfg config.TelemetryConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// Start brings every service up in dependency order and blocks until ctx is
// cancelled, then closes them in reverse.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	var closers []func()
	unwind := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	busCfg := r.cfg.Bus
	var busClient *bus.Client
	if busCfg.Enabled {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		closers = append(closers, embedded.Shutdown)
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}

		busClient, err = bus.Connect(busCfg, r.logger)
		if err != nil {
			unwind()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		closers = append(closers, busClient.Close)
	} else {
		r.logger.Info("bus disabled, conversion events will not be published")
	}

	store, err := jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		unwind()
		return fmt.Errorf("failed to open job store: %w", err)
	}
	closers = append(closers, func() {
		if err := store.Close(); err != nil {
			r.logger.Warn("job store close failed", slog.String("error", err.Error()))
		}
	})

	recorder := progress.NewService(ctx, r.cfg.JobStore, busClient, store, r.logger)
	if err := recorder.Start(); err != nil {
		unwind()
		return fmt.Errorf("failed to start progress recorder: %w", err)
	}
	closers = append(closers, recorder.Close)

	synth, err := speech.New(r.cfg.Synthesis)
	if err != nil {
		unwind()
		return fmt.Errorf("failed to initialize synthesis backend: %w", err)
	}
	r.logger.Info("synthesis backend ready", slog.String("backend", synth.Name()))

	metrics, err := convert.NewMetrics()
	if err != nil {
		unwind()
		return fmt.Errorf("failed to register converter metrics: %w", err)
	}

	client := convert.NewClient(synth, r.cfg.Converter, r.logger, metrics)
	supervisor := convert.NewSupervisor(ctx, r.cfg.Converter, client, r.logger, metrics, r.progressPublisher(busClient))
	closers = append(closers, supervisor.Close)

	api := server.NewService(ctx, r.cfg, supervisor, pdftext.Extractor{}, store, busClient, r.logger)
	if err := api.Start(); err != nil {
		unwind()
		return fmt.Errorf("failed to start api: %w", err)
	}
	closers = append(closers, api.Close)

	r.checks = []func() bool{
		api.Healthy,
		recorder.Healthy,
		func() bool { return store.Ensure() == nil },
	}
	if busCfg.Enabled {
		r.checks = append(r.checks, busClient.Healthy)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("admin server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("admin_addr", addr),
		slog.String("api_addr", fmt.Sprintf("%s:%d", r.cfg.Server.Bind, r.cfg.Server.Port)),
		slog.String("environment", r.cfg.Environment))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	unwind()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}

	return nil
}

// progressPublisher adapts supervisor progress reports onto the bus. Terminal
// states travel as completed/failed events from the orchestrator, so only
// in-flight transitions publish here.
func (r *Runtime) progressPublisher(busClient *bus.Client) func(convert.Progress) {
	return func(p convert.Progress) {
		if p.State.Terminal() {
			return
		}
		data, err := json.Marshal(protocol.ConversionProgress{
			JobID:       p.JobID,
			State:       p.State.String(),
			ChunksDone:  p.ChunksDone,
			ChunksTotal: p.ChunksTotal,
			Timestamp:   time.Now(),
		})
		if err != nil {
			return
		}
		if err := busClient.Publish(protocol.SubjectConversionProgress, data); err != nil {
			r.logger.Warn("failed to publish progress event", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for _, healthy := range r.checks {
		if !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
