package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"transcribe-queue/internal/domain"
)

// ErrAlreadyTracked is returned when a non-terminal job already covers the path.
var ErrAlreadyTracked = errors.New("path already tracked by an open job")

// Store is the job persistence surface the watcher submits into.
type Store interface {
	Create(ctx context.Context, job domain.Job) (domain.Job, error)
	HasOpenJobForPath(ctx context.Context, path string) (bool, error)
}

// DurationProber reads media duration for the priority heuristic.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (time.Duration, error)
}

// Submitter converts a stable file into exactly one waiting job.
type Submitter struct {
	store  Store
	prober DurationProber
	stat   func(name string) (os.FileInfo, error)
}

// NewSubmitter creates a submitter over the given store and prober.
func NewSubmitter(store Store, prober DurationProber) *Submitter {
	return &Submitter{
		store:  store,
		prober: prober,
		stat:   os.Stat,
	}
}

// Submit creates a waiting job for path unless an open job already covers it.
func (s *Submitter) Submit(ctx context.Context, path string) (domain.Job, error) {
	info, err := s.stat(path)
	if err != nil {
		return domain.Job{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return domain.Job{}, fmt.Errorf("cannot submit directory: %s", path)
	}

	open, err := s.store.HasOpenJobForPath(ctx, path)
	if err != nil {
		return domain.Job{}, fmt.Errorf("check open jobs for %s: %w", path, err)
	}
	if open {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrAlreadyTracked, path)
	}

	return s.store.Create(ctx, domain.Job{
		ID:         uuid.NewString(),
		FileName:   filepath.Base(path),
		SourcePath: path,
		Priority:   s.classify(ctx, path, info.Size()),
	})
}

// classify derives priority from media duration, falling back to file size
// when the probe fails. Shorter inputs rank higher so short files give fast
// feedback on the whole pipeline.
func (s *Submitter) classify(ctx context.Context, path string, size int64) domain.Priority {
	if s.prober != nil {
		if duration, err := s.prober.ProbeDuration(ctx, path); err == nil {
			return PriorityForDuration(duration)
		}
	}
	return PriorityForSize(size)
}

// PriorityForDuration maps media duration to claim priority.
func PriorityForDuration(duration time.Duration) domain.Priority {
	switch {
	case duration < 15*time.Second:
		return domain.PriorityUrgent
	case duration < 60*time.Second:
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}

// PriorityForSize maps file size to claim priority when duration is unknown.
func PriorityForSize(size int64) domain.Priority {
	const mib = 1 << 20
	switch {
	case size < 1*mib:
		return domain.PriorityUrgent
	case size < 8*mib:
		return domain.PriorityHigh
	default:
		return domain.PriorityNormal
	}
}
