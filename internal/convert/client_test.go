package convert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/narrolabs/narro-core/internal/config"
	"github.com/narrolabs/narro-core/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func retryCfg(maxRetries, baseDelayMS int) config.ConverterConfig {
	return config.ConverterConfig{
		ChunkSize:        1000,
		MaxRetries:       maxRetries,
		RetryBaseDelayMS: baseDelayMS,
	}
}

func TestSynthesizeChunkRetriesThenSucceeds(t *testing.T) {
	mock := &speech.Mock{FailFirst: 2}
	c := NewClient(mock, retryCfg(3, 2000), newLogger(), nil)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	audio, err := c.SynthesizeChunk(context.Background(), Chunk{Index: 0, Content: "hello"}, "en")
	if err != nil {
		t.Fatalf("synthesize chunk: %v", err)
	}
	if !bytes.Equal(audio, speech.Audio("hello", "en")) {
		t.Fatalf("unexpected audio: %q", audio)
	}
	if mock.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d", mock.Calls())
	}
	if len(waits) != 2 || waits[0] != 2*time.Second || waits[1] != 4*time.Second {
		t.Fatalf("unexpected waits: %v", waits)
	}
}

func TestSynthesizeChunkExhaustsRetries(t *testing.T) {
	backendErr := errors.New("backend down")
	mock := &speech.Mock{FailFirst: 10, Err: backendErr}
	c := NewClient(mock, retryCfg(3, 2000), newLogger(), nil)
	var waits []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := c.SynthesizeChunk(context.Background(), Chunk{Index: 4, Content: "hello"}, "en")
	var chunkErr *ChunkSynthesisError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected ChunkSynthesisError, got %v", err)
	}
	if chunkErr.Chunk != 4 || chunkErr.Attempts != 3 {
		t.Fatalf("unexpected error detail: %+v", chunkErr)
	}
	if !errors.Is(err, backendErr) {
		t.Fatalf("cause not preserved: %v", err)
	}
	if mock.Calls() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", mock.Calls())
	}
	// No wait after the last attempt.
	if len(waits) != 2 {
		t.Fatalf("expected 2 waits, got %v", waits)
	}
}

func TestSynthesizeChunkCancelledContext(t *testing.T) {
	mock := speech.NewMock()
	c := NewClient(mock, retryCfg(3, 0), newLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SynthesizeChunk(ctx, Chunk{Index: 0, Content: "hello"}, "en")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if mock.Calls() != 0 {
		t.Fatalf("expected no attempts on cancelled context, got %d", mock.Calls())
	}
}

func TestSynthesizeChunkKeepsAttemptErrorOverSleepError(t *testing.T) {
	backendErr := errors.New("backend down")
	mock := &speech.Mock{FailFirst: 10, Err: backendErr}
	c := NewClient(mock, retryCfg(3, 2000), newLogger(), nil)
	c.sleep = func(context.Context, time.Duration) error {
		return errors.New("wait aborted")
	}

	_, err := c.SynthesizeChunk(context.Background(), Chunk{Index: 0, Content: "hello"}, "en")
	var chunkErr *ChunkSynthesisError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected ChunkSynthesisError, got %v", err)
	}
	if chunkErr.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", chunkErr.Attempts)
	}
	if !errors.Is(err, backendErr) {
		t.Fatalf("expected attempt error as cause, got %v", err)
	}
}

func TestPersistChunk(t *testing.T) {
	c := NewClient(speech.NewMock(), retryCfg(3, 0), newLogger(), nil)
	dest := filepath.Join(t.TempDir(), "part.mp3")

	if err := c.PersistChunk(context.Background(), Chunk{Index: 0}, []byte("audio"), dest); err != nil {
		t.Fatalf("persist chunk: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read persisted chunk: %v", err)
	}
	if string(data) != "audio" {
		t.Fatalf("unexpected contents: %q", data)
	}
}

func TestPersistChunkFailure(t *testing.T) {
	c := NewClient(speech.NewMock(), retryCfg(2, 0), newLogger(), nil)
	dest := filepath.Join(t.TempDir(), "missing", "part.mp3")

	err := c.PersistChunk(context.Background(), Chunk{Index: 1}, []byte("audio"), dest)
	var chunkErr *ChunkSynthesisError
	if !errors.As(err, &chunkErr) {
		t.Fatalf("expected ChunkSynthesisError, got %v", err)
	}
	if chunkErr.Chunk != 1 || chunkErr.Attempts != 2 {
		t.Fatalf("unexpected error detail: %+v", chunkErr)
	}
}
