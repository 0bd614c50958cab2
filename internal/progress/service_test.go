package progress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/narrolabs/narro-core/internal/config"
	"github.com/narrolabs/narro-core/internal/jobstore"
	"github.com/narrolabs/narro-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func storeCfg(t *testing.T) config.JobStoreConfig {
	t.Helper()
	return config.JobStoreConfig{
		Path:            filepath.Join(t.TempDir(), "jobs.db"),
		RetentionDays:   30,
		MaxJobs:         100,
		PruneIntervalMS: 3600000,
	}
}

func newService(t *testing.T, cfg config.JobStoreConfig) *Service {
	t.Helper()
	store, err := jobstore.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	svc := NewService(context.Background(), cfg, nil, store, newLogger())
	t.Cleanup(svc.Close)
	return svc
}

func TestRecordLifecycle(t *testing.T) {
	svc := newService(t, storeCfg(t))
	ctx := context.Background()
	now := time.Now().UTC()

	svc.recordAccepted(protocol.ConversionAccepted{
		JobID:      "job-1",
		SourceName: "paper.pdf",
		Language:   "en",
		TextLength: 2500,
		Timestamp:  now,
	})
	rec, err := svc.store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get after accepted: %v", err)
	}
	if rec.Status != jobstore.StatusPending {
		t.Fatalf("status = %q, want %q", rec.Status, jobstore.StatusPending)
	}
	if rec.SourceName != "paper.pdf" || rec.TextLength != 2500 {
		t.Fatalf("unexpected record after accepted: %+v", rec)
	}

	svc.recordProgress(protocol.ConversionProgress{
		JobID:       "job-1",
		State:       "synthesizing",
		ChunksDone:  1,
		ChunksTotal: 3,
		Timestamp:   now,
	})
	rec, err = svc.store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get after progress: %v", err)
	}
	if rec.Status != jobstore.StatusConverting {
		t.Fatalf("status = %q, want %q", rec.Status, jobstore.StatusConverting)
	}
	if rec.ChunksDone != 1 || rec.ChunksTotal != 3 {
		t.Fatalf("chunks = %d/%d, want 1/3", rec.ChunksDone, rec.ChunksTotal)
	}
	if rec.SourceName != "paper.pdf" {
		t.Fatalf("progress update lost source name: %+v", rec)
	}

	svc.recordCompleted(protocol.ConversionCompleted{
		JobID:      "job-1",
		Artifact:   "paper.mp3",
		TextLength: 2500,
		Timestamp:  now,
	})
	rec, err = svc.store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get after completed: %v", err)
	}
	if rec.Status != jobstore.StatusDone {
		t.Fatalf("status = %q, want %q", rec.Status, jobstore.StatusDone)
	}
	if rec.Artifact != "paper.mp3" {
		t.Fatalf("artifact = %q, want paper.mp3", rec.Artifact)
	}
	if rec.ChunksDone != rec.ChunksTotal {
		t.Fatalf("completed record should report all chunks done, got %d/%d",
			rec.ChunksDone, rec.ChunksTotal)
	}
}

func TestRecordFailed(t *testing.T) {
	svc := newService(t, storeCfg(t))
	ctx := context.Background()

	svc.recordAccepted(protocol.ConversionAccepted{JobID: "job-2", SourceName: "b.pdf", Language: "en"})
	svc.recordFailed(protocol.ConversionFailed{
		JobID:  "job-2",
		Reason: "synthesis",
		Error:  "chunk 1 failed after 3 attempts: boom",
	})
	rec, err := svc.store.Get(ctx, "job-2")
	if err != nil {
		t.Fatalf("get failed job: %v", err)
	}
	if rec.Status != jobstore.StatusFailed {
		t.Fatalf("status = %q, want %q", rec.Status, jobstore.StatusFailed)
	}
	if rec.Error == "" {
		t.Fatal("failure detail was not recorded")
	}

	// A timeout reason maps to its own status, and an event for a job the
	// recorder never saw still creates a row.
	svc.recordFailed(protocol.ConversionFailed{
		JobID:  "job-3",
		Reason: "timeout",
		Error:  "text-to-speech conversion timed out after 15m0s",
	})
	rec, err = svc.store.Get(ctx, "job-3")
	if err != nil {
		t.Fatalf("get timed out job: %v", err)
	}
	if rec.Status != jobstore.StatusTimeout {
		t.Fatalf("status = %q, want %q", rec.Status, jobstore.StatusTimeout)
	}
}

func TestHandleEventDispatch(t *testing.T) {
	svc := newService(t, storeCfg(t))
	ctx := context.Background()

	payload, err := json.Marshal(protocol.ConversionAccepted{
		JobID:      "evt-1",
		SourceName: "a.pdf",
		Language:   "en",
		TextLength: 10,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	svc.handleEvent(&nats.Msg{Subject: protocol.SubjectConversionAccepted, Data: payload})

	rec, err := svc.store.Get(ctx, "evt-1")
	if err != nil {
		t.Fatalf("get dispatched job: %v", err)
	}
	if rec.Status != jobstore.StatusPending {
		t.Fatalf("status = %q, want %q", rec.Status, jobstore.StatusPending)
	}

	// Malformed payloads and foreign subjects are dropped without a trace.
	svc.handleEvent(&nats.Msg{Subject: protocol.SubjectConversionProgress, Data: []byte("{not json")})
	svc.handleEvent(&nats.Msg{Subject: "narro.conversion.bogus", Data: nil})

	jobs, err := svc.store.List(ctx, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("job count = %d, want 1", len(jobs))
	}
}

func TestStartWithoutBus(t *testing.T) {
	svc := newService(t, storeCfg(t))
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !svc.Healthy() {
		t.Fatal("recorder without a bus should report healthy")
	}
	svc.Close()
}

func TestPrunerTrimsStore(t *testing.T) {
	cfg := storeCfg(t)
	cfg.MaxJobs = 1
	cfg.PruneIntervalMS = 10
	svc := newService(t, cfg)
	ctx := context.Background()

	svc.recordAccepted(protocol.ConversionAccepted{JobID: "old", SourceName: "old.pdf"})
	time.Sleep(5 * time.Millisecond)
	svc.recordAccepted(protocol.ConversionAccepted{JobID: "new", SourceName: "new.pdf"})
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		jobs, err := svc.store.List(ctx, 10)
		if err != nil {
			t.Fatalf("list jobs: %v", err)
		}
		if len(jobs) == 1 {
			if jobs[0].ID != "new" {
				t.Fatalf("pruner kept %q, want the most recent job", jobs[0].ID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pruner did not trim store, %d jobs remain", len(jobs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
