package config

import (
	"path/filepath"

	"transcribe-queue/internal/domain"
)

// DefaultConfig returns baseline configuration for first launch.
func DefaultConfig() domain.Config {
	return domain.Config{
		IngestDir:   filepath.Join("data", "ingest"),
		OutputDir:   filepath.Join("data", "output"),
		FailedDir:   filepath.Join("data", "failed"),
		DBPath:      filepath.Join("data", "jobs.db"),
		Formats:     []string{"txt", "json"},
		WorkerCount: 2,
		HTTPAddr:    ":8085",

		QuietPeriodMS:    2000,
		PollIntervalMS:   2000,
		LeaseDurationSec: 600,

		Engine: domain.EngineConfig{
			Script:      filepath.Join("scripts", "faster_whisper_transcribe.py"),
			Python:      "python3",
			Model:       "large-v3",
			Device:      "cpu",
			ComputeType: "float16",
			Language:    "auto",
			BeamSize:    5,
		},
	}
}
