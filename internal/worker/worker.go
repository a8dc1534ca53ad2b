package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"transcribe-queue/internal/domain"
	"transcribe-queue/internal/engine"
	"transcribe-queue/internal/store"
)

// Store is the claim and settlement surface workers operate against.
type Store interface {
	ClaimNext(ctx context.Context) (domain.Job, bool, error)
	Complete(ctx context.Context, id string, outputs map[string]string) error
	Fail(ctx context.Context, id, lastError, sourcePath string) error
	ExtendLease(ctx context.Context, id string) error
	Wake() <-chan struct{}
}

// Engine runs one transcription and reports produced files per format.
type Engine interface {
	Run(ctx context.Context, req engine.Request) (map[string]string, error)
}

// Worker is one independent claim/execute/settle loop. Multiple workers run
// concurrently against the same store; the store's atomic claim keeps each
// job on a single worker while its lease is live.
type Worker struct {
	id        int
	store     Store
	engine    Engine
	outputDir string
	failedDir string
	formats   []string
	poll      time.Duration
	heartbeat time.Duration

	stat     func(name string) (os.FileInfo, error)
	rename   func(oldpath, newpath string) error
	mkdirAll func(path string, perm os.FileMode) error
}

// New creates a worker. The heartbeat interval is derived from the lease so
// a healthy worker always renews well before expiry.
func New(id int, st Store, eng Engine, cfg domain.Config) *Worker {
	heartbeat := cfg.LeaseDuration() / 3
	if heartbeat <= 0 {
		heartbeat = time.Second
	}

	return &Worker{
		id:        id,
		store:     st,
		engine:    eng,
		outputDir: cfg.OutputDir,
		failedDir: cfg.FailedDir,
		formats:   cfg.Formats,
		poll:      cfg.PollInterval(),
		heartbeat: heartbeat,
		stat:      os.Stat,
		rename:    os.Rename,
		mkdirAll:  os.MkdirAll,
	}
}

// Run loops claiming and executing jobs until the context is cancelled.
// With no claimable work the worker suspends until a wake signal or the
// polling interval elapses.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[worker-%d] started", w.id)
	for {
		if ctx.Err() != nil {
			log.Printf("[worker-%d] stopped", w.id)
			return
		}

		job, ok, err := w.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("[worker-%d] claim: %v", w.id, err)
			w.idle(ctx)
			continue
		}
		if !ok {
			w.idle(ctx)
			continue
		}

		w.process(ctx, job)
	}
}

// idle suspends until new work is signaled or the polling interval elapses.
func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.store.Wake():
	case <-time.After(w.poll):
	}
}

// process executes one claimed job through to a terminal state.
func (w *Worker) process(ctx context.Context, job domain.Job) {
	log.Printf("[worker-%d] claimed job %s (%s, attempt %d)", w.id, job.ID, job.FileName, job.Attempts)

	if _, err := w.stat(job.SourcePath); err != nil {
		msg := fmt.Sprintf("cannot access source file %s: %v", job.SourcePath, err)
		if errors.Is(err, os.ErrNotExist) {
			msg = fmt.Sprintf("source file missing: %s", job.SourcePath)
		}
		if failErr := w.store.Fail(context.WithoutCancel(ctx), job.ID, msg, ""); failErr != nil {
			log.Printf("[worker-%d] fail job %s: %v", w.id, job.ID, failErr)
			return
		}
		log.Printf("[worker-%d] job %s failed without engine run: %s", w.id, job.ID, msg)
		return
	}

	heartbeatDone := make(chan struct{})
	go w.keepLease(ctx, job.ID, heartbeatDone)

	// Outputs live in a per-job directory so two inputs sharing a file name
	// never overwrite each other's results.
	outputs, err := w.engine.Run(ctx, engine.Request{
		InputPath: job.SourcePath,
		OutputDir: filepath.Join(w.outputDir, job.ID),
		Formats:   w.formats,
	})
	close(heartbeatDone)

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the engine. The job stays active and the
			// lease sweep will hand it to a worker after restart.
			log.Printf("[worker-%d] job %s interrupted by shutdown, leaving to lease sweep", w.id, job.ID)
			return
		}
		w.settleFailure(context.WithoutCancel(ctx), job, err)
		return
	}

	if err := w.store.Complete(context.WithoutCancel(ctx), job.ID, outputs); err != nil {
		if errors.Is(err, store.ErrClaimRace) {
			// The lease expired mid-run and the sweep handed the job to
			// another worker. The duplicated attempt is the accepted cost of
			// crash recovery; this result is simply discarded.
			log.Printf("[worker-%d] job %s was reclaimed during execution, discarding result", w.id, job.ID)
			return
		}
		log.Printf("[worker-%d] complete job %s: %v", w.id, job.ID, err)
		return
	}
	log.Printf("[worker-%d] job %s completed with %d output(s)", w.id, job.ID, len(outputs))
}

// keepLease renews the lease while the engine is genuinely progressing. When
// renewal reports the lease lost, the heartbeat stops; the engine run is not
// killed, its late result just loses the settlement race.
func (w *Worker) keepLease(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.ExtendLease(ctx, jobID); err != nil {
				if errors.Is(err, store.ErrClaimRace) {
					log.Printf("[worker-%d] lease lost for job %s, attempt may be duplicated", w.id, jobID)
					return
				}
				log.Printf("[worker-%d] extend lease for job %s: %v", w.id, jobID, err)
			}
		}
	}
}

// settleFailure quarantines the input and records the terminal failure. The
// file move and the state transition belong together: a failed job's source
// always points into the holding directory when the move succeeded.
func (w *Worker) settleFailure(ctx context.Context, job domain.Job, engineErr error) {
	held := w.quarantine(job)
	if err := w.store.Fail(ctx, job.ID, engineErr.Error(), held); err != nil {
		log.Printf("[worker-%d] fail job %s: %v", w.id, job.ID, err)
		return
	}
	log.Printf("[worker-%d] job %s failed: %v", w.id, job.ID, engineErr)
}

// quarantine moves the source file into the failure-holding directory and
// returns its new path, or empty when the move could not be performed.
func (w *Worker) quarantine(job domain.Job) string {
	if err := w.mkdirAll(w.failedDir, 0o755); err != nil {
		log.Printf("[worker-%d] create failed dir: %v", w.id, err)
		return ""
	}

	dest := filepath.Join(w.failedDir, job.FileName)
	if err := w.rename(job.SourcePath, dest); err != nil {
		log.Printf("[worker-%d] move %s to holding dir: %v", w.id, job.SourcePath, err)
		return ""
	}
	return dest
}

// NewForTests creates a worker with injectable filesystem dependencies.
func NewForTests(
	id int,
	st Store,
	eng Engine,
	cfg domain.Config,
	heartbeat time.Duration,
	stat func(name string) (os.FileInfo, error),
	rename func(oldpath, newpath string) error,
) *Worker {
	return &Worker{
		id:        id,
		store:     st,
		engine:    eng,
		outputDir: cfg.OutputDir,
		failedDir: cfg.FailedDir,
		formats:   cfg.Formats,
		poll:      cfg.PollInterval(),
		heartbeat: heartbeat,
		stat:      stat,
		rename:    rename,
		mkdirAll:  os.MkdirAll,
	}
}
