package convert

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/narrolabs/narro-core/internal/config"
	"github.com/narrolabs/narro-core/internal/speech"
)

// SleepFunc waits for d or until ctx is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Client drives the synthesis backend with a bounded linear-backoff retry
// policy. Persisting chunk audio retries independently of the fetch.
type Client struct {
	synth      speech.Synthesizer
	maxRetries int
	baseDelay  time.Duration
	sleep      SleepFunc
	logger     *slog.Logger
	metrics    *Metrics
}

func NewClient(synth speech.Synthesizer, cfg config.ConverterConfig, log *slog.Logger, metrics *Metrics) *Client {
	return &Client{
		synth:      synth,
		maxRetries: cfg.MaxRetries,
		baseDelay:  time.Duration(cfg.RetryBaseDelayMS) * time.Millisecond,
		sleep:      sleepContext,
		logger:     log.With(slog.String("component", "synth-client")),
		metrics:    metrics,
	}
}

// SynthesizeChunk fetches audio for one chunk under the retry policy.
func (c *Client) SynthesizeChunk(ctx context.Context, chunk Chunk, lang string) ([]byte, error) {
	var audio []byte
	err := c.withRetry(ctx, chunk.Index, "synthesize", func() error {
		var err error
		audio, err = c.synth.Synthesize(ctx, chunk.Content, lang)
		return err
	})
	if err != nil {
		return nil, err
	}
	return audio, nil
}

// PersistChunk writes chunk audio to dest under the retry policy.
func (c *Client) PersistChunk(ctx context.Context, chunk Chunk, audio []byte, dest string) error {
	return c.withRetry(ctx, chunk.Index, "persist", func() error {
		return os.WriteFile(dest, audio, 0o644)
	})
}

// withRetry runs fn up to maxRetries times, waiting attempt*baseDelay between
// failed attempts and never after the last.
func (c *Client) withRetry(ctx context.Context, chunk int, op string, fn func() error) error {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		attempts = attempt
		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				c.logger.Info("attempt succeeded after retry",
					slog.String("op", op),
					slog.Int("chunk", chunk),
					slog.Int("attempt", attempt))
			}
			return nil
		}
		c.logger.Warn("attempt failed",
			slog.String("op", op),
			slog.Int("chunk", chunk),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxRetries),
			slogError(lastErr))
		if attempt == c.maxRetries {
			break
		}
		c.metrics.RetryScheduled(ctx)
		if err := c.sleep(ctx, time.Duration(attempt)*c.baseDelay); err != nil {
			break
		}
	}
	return &ChunkSynthesisError{Chunk: chunk, Attempts: attempts, Err: lastErr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
