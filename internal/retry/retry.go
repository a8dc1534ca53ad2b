package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"transcribe-queue/internal/domain"
	"transcribe-queue/internal/store"
)

// ErrSourceFileMissing is returned when the failure-holding copy is gone.
var ErrSourceFileMissing = errors.New("source file missing from failure holding directory")

// Store is the job surface the coordinator reads and requeues through.
type Store interface {
	Get(ctx context.Context, id string) (domain.Job, error)
	Requeue(ctx context.Context, id, sourcePath string) error
}

// Coordinator reverses a failed job back to waiting, recovering its input
// file from the failure-holding directory first.
type Coordinator struct {
	store     Store
	ingestDir string

	stat     func(name string) (os.FileInfo, error)
	rename   func(oldpath, newpath string) error
	mkdirAll func(path string, perm os.FileMode) error
}

// NewCoordinator creates a coordinator restoring files into ingestDir.
func NewCoordinator(st Store, ingestDir string) *Coordinator {
	return &Coordinator{
		store:     st,
		ingestDir: ingestDir,
		stat:      os.Stat,
		rename:    os.Rename,
		mkdirAll:  os.MkdirAll,
	}
}

// Retry moves a failed job's held input back into the ingest directory and
// requeues the job. The file is recovered before the requeue on purpose:
// requeuing first would let a worker claim and fail on a missing file,
// masking the original problem.
func (c *Coordinator) Retry(ctx context.Context, id string) (domain.Job, error) {
	job, err := c.store.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.State != domain.JobStateFailed {
		return domain.Job{}, fmt.Errorf("%w: job %s is %s", store.ErrRetryNotAllowed, id, job.State)
	}

	if _, err := c.stat(job.SourcePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.Job{}, fmt.Errorf("%w: %s", ErrSourceFileMissing, job.SourcePath)
		}
		return domain.Job{}, fmt.Errorf("stat held file %s: %w", job.SourcePath, err)
	}

	if err := c.mkdirAll(c.ingestDir, 0o755); err != nil {
		return domain.Job{}, fmt.Errorf("create ingest directory: %w", err)
	}
	recovered := filepath.Join(c.ingestDir, job.FileName)
	if err := c.rename(job.SourcePath, recovered); err != nil {
		return domain.Job{}, fmt.Errorf("recover held file %s: %w", job.SourcePath, err)
	}

	if err := c.store.Requeue(ctx, id, recovered); err != nil {
		// The file is back in ingest but the job stayed failed. The watcher
		// will pick the recovered file up as new work.
		log.Printf("[retry] requeue job %s after file recovery: %v", id, err)
		return domain.Job{}, err
	}

	return c.store.Get(ctx, id)
}
