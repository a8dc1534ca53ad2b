package bootstrap

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"transcribe-queue/internal/domain"
)

// writeTestConfig writes a config file rooted under a temp directory and
// returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	cfg := domain.Config{
		IngestDir:        filepath.Join(root, "ingest"),
		OutputDir:        filepath.Join(root, "output"),
		FailedDir:        filepath.Join(root, "failed"),
		DBPath:           filepath.Join(root, "db", "jobs.db"),
		Formats:          []string{"txt"},
		WorkerCount:      1,
		HTTPAddr:         "127.0.0.1:0",
		QuietPeriodMS:    50,
		PollIntervalMS:   50,
		LeaseDurationSec: 60,
		Engine: domain.EngineConfig{
			Script: filepath.Join(root, "transcribe.py"),
			Python: "python3",
			Model:  "tiny",
		},
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(root, "config.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestNewCreatesDirectories verifies bootstrap provisions the working tree.
func TestNewCreatesDirectories(t *testing.T) {
	app, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.store.Close()

	cfg := app.Config()
	for _, dir := range []string{cfg.IngestDir, cfg.OutputDir, cfg.FailedDir, filepath.Dir(cfg.DBPath)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("%s is not a directory", dir)
		}
	}
}

// TestNewMissingConfigUsesDefaults verifies a missing file is not fatal.
func TestNewMissingConfigUsesDefaults(t *testing.T) {
	root := t.TempDir()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })

	app, err := New(filepath.Join(root, "absent.json"))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.store.Close()

	if app.Config().WorkerCount <= 0 {
		t.Fatalf("worker count = %d, want positive default", app.Config().WorkerCount)
	}
}

// TestRunStopsOnCancel verifies a clean shutdown path.
func TestRunStopsOnCancel(t *testing.T) {
	app, err := New(writeTestConfig(t))
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	// Let the components start before pulling the plug.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

// TestSweepInterval verifies the cadence floor.
func TestSweepInterval(t *testing.T) {
	if got := sweepInterval(10 * time.Minute); got != 5*time.Minute {
		t.Fatalf("interval = %s, want 5m", got)
	}
	if got := sweepInterval(time.Second); got != time.Second {
		t.Fatalf("interval = %s, want 1s floor", got)
	}
}
