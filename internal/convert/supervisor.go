package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/narrolabs/narro-core/internal/config"
)

// State identifies where a conversion is in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateChunking
	StateSynthesizing
	StateAssembling
	StateDone
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChunking:
		return "chunking"
	case StateSynthesizing:
		return "synthesizing"
	case StateAssembling:
		return "assembling"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateTimedOut
}

// Request carries one conversion through the pipeline.
type Request struct {
	JobID      string
	Text       string
	Language   string
	OutputPath string
}

// Progress is emitted on every state transition of a conversion.
type Progress struct {
	JobID       string
	State       State
	ChunksDone  int
	ChunksTotal int
	Err         error
}

// Supervisor runs each conversion on its own goroutine under a wall-clock
// deadline enforced from the caller's side; a stalled backend never blocks
// the foreground request past the deadline.
type Supervisor struct {
	cfg        config.ConverterConfig
	client     *Client
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
	metrics    *Metrics
	onProgress func(Progress)
	sleep      SleepFunc
	timeout    time.Duration
	delay      time.Duration
}

func NewSupervisor(parent context.Context, cfg config.ConverterConfig, client *Client, log *slog.Logger, metrics *Metrics, onProgress func(Progress)) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		cfg:        cfg,
		client:     client,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "convert")),
		metrics:    metrics,
		onProgress: onProgress,
		sleep:      sleepContext,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		delay:      time.Duration(cfg.InterChunkDelayMS) * time.Millisecond,
	}
}

// Close stops accepting work and waits for in-flight conversions to drain.
// Units abandoned by a timeout were already cancelled and unwind on their own.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

// Convert runs the chunk/synthesize/assemble sequence for req on a background
// goroutine and waits for it up to the configured timeout. On expiry the
// background context is cancelled (best-effort interruption of the backend
// call) and TimeoutError returns immediately; the goroutine drains on its own.
func (s *Supervisor) Convert(ctx context.Context, req Request) error {
	start := time.Now()
	s.metrics.ConversionStarted(ctx)

	bgCtx, cancel := context.WithCancel(s.ctx)
	track := &tracker{jobID: req.JobID, report: s.onProgress}

	done := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done <- s.run(bgCtx, req, track)
	}()

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		cancel()
		if err == nil {
			track.finish(StateDone, nil)
			s.metrics.ConversionFinished(ctx, "success", time.Since(start))
			s.logger.Info("conversion completed",
				slog.String("job_id", req.JobID),
				slog.Duration("elapsed", time.Since(start)))
			return nil
		}
		err = classify(err)
		track.finish(StateFailed, err)
		s.metrics.ConversionFinished(ctx, "failure", time.Since(start))
		s.logger.Warn("conversion failed",
			slog.String("job_id", req.JobID),
			slogError(err))
		return err

	case <-timer.C:
		cancel()
		terr := &TimeoutError{After: s.timeout}
		track.finish(StateTimedOut, terr)
		s.metrics.ConversionFinished(ctx, "timeout", time.Since(start))
		s.logger.Warn("conversion timed out",
			slog.String("job_id", req.JobID),
			slog.Duration("after", s.timeout))
		return terr

	case <-ctx.Done():
		cancel()
		cerr := &ConversionError{Err: ctx.Err()}
		track.finish(StateFailed, cerr)
		s.metrics.ConversionFinished(ctx, "cancelled", time.Since(start))
		s.logger.Warn("conversion cancelled",
			slog.String("job_id", req.JobID),
			slogError(ctx.Err()))
		return cerr
	}
}

// run executes the pipeline sequentially. Chunk N only starts after chunk
// N-1's persist completed; the inter-chunk sleep throttles the backend and
// never follows the last chunk.
func (s *Supervisor) run(ctx context.Context, req Request, track *tracker) error {
	track.emit(StateChunking, 0, nil)
	chunks := Split(req.Text, s.cfg.ChunkSize)
	track.setTotal(len(chunks))
	s.logger.Debug("text chunked",
		slog.String("job_id", req.JobID),
		slog.Int("chunks", len(chunks)))

	if len(chunks) == 1 {
		track.emit(StateSynthesizing, 0, nil)
		audio, err := s.client.SynthesizeChunk(ctx, chunks[0], req.Language)
		if err != nil {
			return err
		}
		staging := req.OutputPath + ".partial"
		if err := s.client.PersistChunk(ctx, chunks[0], audio, staging); err != nil {
			os.Remove(staging)
			return err
		}
		if err := os.Rename(staging, req.OutputPath); err != nil {
			os.Remove(staging)
			return fmt.Errorf("finalize artifact: %w", err)
		}
		s.metrics.ChunkSynthesized(ctx)
		return nil
	}

	parts := make([]string, 0, len(chunks))
	cleanup := func() {
		for _, p := range parts {
			os.Remove(p)
		}
	}
	for i, chunk := range chunks {
		track.emit(StateSynthesizing, i, nil)
		audio, err := s.client.SynthesizeChunk(ctx, chunk, req.Language)
		if err != nil {
			cleanup()
			return err
		}
		part := fmt.Sprintf("%s.chunk_%d.mp3", req.OutputPath, chunk.Index)
		if err := s.client.PersistChunk(ctx, chunk, audio, part); err != nil {
			os.Remove(part)
			cleanup()
			return err
		}
		parts = append(parts, part)
		s.metrics.ChunkSynthesized(ctx)
		if i < len(chunks)-1 {
			if err := s.sleep(ctx, s.delay); err != nil {
				cleanup()
				return err
			}
		}
	}

	track.emit(StateAssembling, len(chunks), nil)
	return Assemble(ctx, parts, req.OutputPath)
}

// classify maps a background failure onto the error taxonomy. Typed pipeline
// errors pass through; anything else wraps as ConversionError.
func classify(err error) error {
	var chunkErr *ChunkSynthesisError
	var asmErr *AssemblyError
	if errors.As(err, &chunkErr) || errors.As(err, &asmErr) {
		return err
	}
	return &ConversionError{Err: err}
}

// tracker serializes progress reporting for one conversion. finish has the
// last word: once the supervising side records a terminal state, anything the
// abandoned background unit still reports is dropped.
type tracker struct {
	jobID  string
	report func(Progress)

	mu        sync.Mutex
	total     int
	done      int
	abandoned bool
}

func (t *tracker) setTotal(n int) {
	t.mu.Lock()
	t.total = n
	t.mu.Unlock()
}

func (t *tracker) emit(state State, done int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return
	}
	t.done = done
	if t.report != nil {
		t.report(Progress{JobID: t.jobID, State: state, ChunksDone: done, ChunksTotal: t.total, Err: err})
	}
}

func (t *tracker) finish(state State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return
	}
	t.abandoned = true
	done := t.done
	if state == StateDone {
		done = t.total
	}
	if t.report != nil {
		t.report(Progress{JobID: t.jobID, State: state, ChunksDone: done, ChunksTotal: t.total, Err: err})
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
