package retry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"transcribe-queue/internal/domain"
	"transcribe-queue/internal/store"
)

// fakeStore serves one job and records requeues.
type fakeStore struct {
	jobs       map[string]domain.Job
	requeued   map[string]string
	requeueErr error
}

// newFakeStore creates a fake store with the given jobs.
func newFakeStore(jobs ...domain.Job) *fakeStore {
	f := &fakeStore{jobs: map[string]domain.Job{}, requeued: map[string]string{}}
	for _, job := range jobs {
		f.jobs[job.ID] = job
	}
	return f
}

// Get returns the stored job or store.ErrNotFound.
func (f *fakeStore) Get(ctx context.Context, id string) (domain.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, store.ErrNotFound
	}
	return job, nil
}

// Requeue records the transition and updates the stored snapshot.
func (f *fakeStore) Requeue(ctx context.Context, id, sourcePath string) error {
	if f.requeueErr != nil {
		return f.requeueErr
	}
	f.requeued[id] = sourcePath
	job := f.jobs[id]
	job.State = domain.JobStateWaiting
	job.SourcePath = sourcePath
	job.LastError = ""
	f.jobs[id] = job
	return nil
}

// failedJob writes a held file and returns a failed job pointing at it.
func failedJob(t *testing.T, failedDir, name string) domain.Job {
	t.Helper()
	if err := os.MkdirAll(failedDir, 0o755); err != nil {
		t.Fatalf("mkdir failed dir: %v", err)
	}
	held := filepath.Join(failedDir, name)
	if err := os.WriteFile(held, []byte("audio"), 0o644); err != nil {
		t.Fatalf("write held file: %v", err)
	}
	return domain.Job{
		ID:         "job-" + name,
		FileName:   name,
		SourcePath: held,
		State:      domain.JobStateFailed,
		Attempts:   1,
		LastError:  "engine exited with status 1",
	}
}

// TestRetryRecoversFileThenRequeues verifies the two-step retry ordering.
func TestRetryRecoversFileThenRequeues(t *testing.T) {
	root := t.TempDir()
	ingestDir := filepath.Join(root, "ingest")
	job := failedJob(t, filepath.Join(root, "failed"), "meeting.wav")
	st := newFakeStore(job)

	c := NewCoordinator(st, ingestDir)
	got, err := c.Retry(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	recovered := filepath.Join(ingestDir, "meeting.wav")
	if st.requeued[job.ID] != recovered {
		t.Fatalf("requeued path = %q, want %q", st.requeued[job.ID], recovered)
	}
	if _, err := os.Stat(recovered); err != nil {
		t.Fatalf("recovered file missing: %v", err)
	}
	if _, err := os.Stat(job.SourcePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("held file should have moved, stat err = %v", err)
	}
	if got.State != domain.JobStateWaiting {
		t.Fatalf("state = %s, want waiting", got.State)
	}
	if got.SourcePath != recovered {
		t.Fatalf("source path = %q, want %q", got.SourcePath, recovered)
	}
}

// TestRetryNonFailedJobRejected verifies the precondition on job state.
func TestRetryNonFailedJobRejected(t *testing.T) {
	root := t.TempDir()
	job := domain.Job{
		ID:       "job-done",
		FileName: "done.wav",
		State:    domain.JobStateCompleted,
		Outputs:  map[string]string{"txt": "/out.txt"},
	}
	st := newFakeStore(job)

	c := NewCoordinator(st, filepath.Join(root, "ingest"))
	if _, err := c.Retry(context.Background(), job.ID); !errors.Is(err, store.ErrRetryNotAllowed) {
		t.Fatalf("err = %v, want ErrRetryNotAllowed", err)
	}

	got, _ := st.Get(context.Background(), job.ID)
	if got.State != domain.JobStateCompleted {
		t.Fatalf("state mutated to %s", got.State)
	}
	if len(st.requeued) != 0 {
		t.Fatal("requeue must not happen for non-failed jobs")
	}
}

// TestRetryMissingHeldFile verifies the job stays failed when the holding
// copy is gone.
func TestRetryMissingHeldFile(t *testing.T) {
	root := t.TempDir()
	job := domain.Job{
		ID:         "job-lost",
		FileName:   "lost.wav",
		SourcePath: filepath.Join(root, "failed", "lost.wav"),
		State:      domain.JobStateFailed,
		LastError:  "boom",
	}
	st := newFakeStore(job)

	c := NewCoordinator(st, filepath.Join(root, "ingest"))
	if _, err := c.Retry(context.Background(), job.ID); !errors.Is(err, ErrSourceFileMissing) {
		t.Fatalf("err = %v, want ErrSourceFileMissing", err)
	}

	got, _ := st.Get(context.Background(), job.ID)
	if got.State != domain.JobStateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if len(st.requeued) != 0 {
		t.Fatal("requeue must not happen without the held file")
	}
}

// TestRetryUnknownJob verifies not-found pass-through.
func TestRetryUnknownJob(t *testing.T) {
	c := NewCoordinator(newFakeStore(), t.TempDir())
	if _, err := c.Retry(context.Background(), "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
