package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/narrolabs/narro-core/internal/bus"
	"github.com/narrolabs/narro-core/internal/config"
	"github.com/narrolabs/narro-core/internal/jobstore"
	"github.com/narrolabs/narro-core/internal/protocol"
)

// Service materializes conversion lifecycle events into job records. It owns
// no conversion logic; malformed payloads are logged and dropped.
type Service struct {
	cfg    config.JobStoreConfig
	bus    *bus.Client
	store  *jobstore.Store
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.JobStoreConfig, busClient *bus.Client, store *jobstore.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		store:  store,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "progress")),
	}
}

// Start subscribes to the conversion subjects and begins the prune loop. A
// nil bus client leaves the recorder idle: conversions still run, the jobs
// surface just stays empty.
func (s *Service) Start() error {
	if s.bus != nil {
		sub, err := s.bus.Subscribe(protocol.SubjectConversionAll, s.handleEvent)
		if err != nil {
			return err
		}
		s.sub = sub
	} else {
		s.logger.Info("bus disabled, conversion events will not be recorded")
	}
	s.wg.Add(1)
	go s.runPruner()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.bus == nil || s.sub != nil
}

func (s *Service) handleEvent(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectConversionAccepted:
		var evt protocol.ConversionAccepted
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.logger.Warn("failed to decode accepted event", slogError(err))
			return
		}
		s.recordAccepted(evt)
	case protocol.SubjectConversionProgress:
		var evt protocol.ConversionProgress
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.logger.Warn("failed to decode progress event", slogError(err))
			return
		}
		s.recordProgress(evt)
	case protocol.SubjectConversionCompleted:
		var evt protocol.ConversionCompleted
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.logger.Warn("failed to decode completed event", slogError(err))
			return
		}
		s.recordCompleted(evt)
	case protocol.SubjectConversionFailed:
		var evt protocol.ConversionFailed
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.logger.Warn("failed to decode failed event", slogError(err))
			return
		}
		s.recordFailed(evt)
	default:
		s.logger.Debug("ignoring conversion event", slog.String("subject", msg.Subject))
	}
}

func (s *Service) recordAccepted(evt protocol.ConversionAccepted) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	rec := jobstore.JobRecord{
		ID:         evt.JobID,
		SourceName: evt.SourceName,
		Language:   evt.Language,
		TextLength: evt.TextLength,
		Status:     jobstore.StatusPending,
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.logger.Warn("failed to record accepted job",
			slog.String("job_id", evt.JobID), slogError(err))
	}
}

func (s *Service) recordProgress(evt protocol.ConversionProgress) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	rec, err := s.load(ctx, evt.JobID)
	if err != nil {
		return
	}
	rec.Status = jobstore.StatusConverting
	rec.ChunksDone = evt.ChunksDone
	rec.ChunksTotal = evt.ChunksTotal
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.logger.Warn("failed to record job progress",
			slog.String("job_id", evt.JobID), slogError(err))
	}
}

func (s *Service) recordCompleted(evt protocol.ConversionCompleted) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	rec, err := s.load(ctx, evt.JobID)
	if err != nil {
		return
	}
	rec.Status = jobstore.StatusDone
	rec.Artifact = evt.Artifact
	rec.Error = ""
	if evt.TextLength > 0 {
		rec.TextLength = evt.TextLength
	}
	rec.ChunksDone = rec.ChunksTotal
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.logger.Warn("failed to record completed job",
			slog.String("job_id", evt.JobID), slogError(err))
	}
}

func (s *Service) recordFailed(evt protocol.ConversionFailed) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	rec, err := s.load(ctx, evt.JobID)
	if err != nil {
		return
	}
	rec.Status = jobstore.StatusFailed
	if evt.Reason == "timeout" {
		rec.Status = jobstore.StatusTimeout
	}
	rec.Error = evt.Error
	if err := s.store.Upsert(ctx, rec); err != nil {
		s.logger.Warn("failed to record failed job",
			slog.String("job_id", evt.JobID), slogError(err))
	}
}

// load fetches the current record so an update merges instead of clobbering.
// Events for jobs the recorder never saw still create a row.
func (s *Service) load(ctx context.Context, jobID string) (jobstore.JobRecord, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return jobstore.JobRecord{ID: jobID}, nil
		}
		s.logger.Warn("failed to load job record",
			slog.String("job_id", jobID), slogError(err))
		return jobstore.JobRecord{}, err
	}
	return rec, nil
}

func (s *Service) runPruner() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.PruneIntervalMS) * time.Millisecond
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			if err := s.store.Prune(ctx); err != nil {
				s.logger.Warn("job store prune failed", slogError(err))
			}
			cancel()
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
