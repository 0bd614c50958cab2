package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/narrolabs/narro-core/internal/bus"
	"github.com/narrolabs/narro-core/internal/config"
	"github.com/narrolabs/narro-core/internal/convert"
	"github.com/narrolabs/narro-core/internal/jobstore"
	"github.com/narrolabs/narro-core/internal/protocol"
)

// Extractor pulls the text out of an uploaded document.
type Extractor interface {
	Validate(path string) (int, error)
	Text(path string) (string, error)
}

// Service is the HTTP boundary: it validates uploads, drives conversions, and
// serves artifacts and job records.
type Service struct {
	cfg        config.Config
	supervisor *convert.Supervisor
	extractor  Extractor
	store      *jobstore.Store
	bus        *bus.Client
	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	ready      atomic.Bool
	wg         sync.WaitGroup
	logger     *slog.Logger
	clock      func() time.Time
}

func NewService(parent context.Context, cfg config.Config, supervisor *convert.Supervisor, extractor Extractor, store *jobstore.Store, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		supervisor: supervisor,
		extractor:  extractor,
		store:      store,
		bus:        busClient,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "api")),
		clock:      time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /download/{filename}", s.handleDownload)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleJob)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		// Request contexts descend from the service context, so Close
		// interrupts conversions still waiting on a backend.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	return s
}

// Handler exposes the route table for tests and embedding.
func (s *Service) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Service) Start() error {
	for _, dir := range []string{s.cfg.Server.UploadDir, s.cfg.Server.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	s.ready.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.ready.Store(false)
		s.logger.Info("api listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server terminated", slogError(err))
		}
	}()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api shutdown incomplete", slogError(err))
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load()
}

func (s *Service) publishAccepted(jobID, source, lang string, textLength int) {
	s.publish(protocol.SubjectConversionAccepted, protocol.ConversionAccepted{
		JobID:      jobID,
		SourceName: source,
		Language:   lang,
		TextLength: textLength,
		Timestamp:  s.clock(),
	})
}

func (s *Service) publishCompleted(jobID, artifact string, textLength int) {
	s.publish(protocol.SubjectConversionCompleted, protocol.ConversionCompleted{
		JobID:      jobID,
		Artifact:   artifact,
		TextLength: textLength,
		Timestamp:  s.clock(),
	})
}

func (s *Service) publishFailed(jobID string, convErr error) {
	s.publish(protocol.SubjectConversionFailed, protocol.ConversionFailed{
		JobID:     jobID,
		Reason:    failureReason(convErr),
		Error:     convErr.Error(),
		Timestamp: s.clock(),
	})
}

// publish is fire-and-forget: losing an event loses a progress row, never a
// conversion.
func (s *Service) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode bus event",
			slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.bus.Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish bus event",
			slog.String("subject", subject), slogError(err))
	}
}

func failureReason(err error) string {
	var timeoutErr *convert.TimeoutError
	var synthErr *convert.ChunkSynthesisError
	var assemblyErr *convert.AssemblyError
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &synthErr):
		return "synthesis"
	case errors.As(err, &assemblyErr):
		return "assembly"
	default:
		return "conversion"
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
