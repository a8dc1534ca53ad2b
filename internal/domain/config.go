package domain

import "time"

// EngineConfig selects the external transcription engine invocation.
type EngineConfig struct {
	Script      string `json:"script"`
	Python      string `json:"python"`
	Model       string `json:"model"`
	Device      string `json:"device"`
	ComputeType string `json:"computeType"`
	Language    string `json:"language"`
	BeamSize    int    `json:"beamSize"`
}

// Config contains runtime configuration for the pipeline service.
type Config struct {
	IngestDir   string   `json:"ingestDir"`
	OutputDir   string   `json:"outputDir"`
	FailedDir   string   `json:"failedDir"`
	DBPath      string   `json:"dbPath"`
	Formats     []string `json:"formats"`
	WorkerCount int      `json:"workerCount"`
	HTTPAddr    string   `json:"httpAddr"`

	// Operational tuning values, exposed rather than hard-coded.
	QuietPeriodMS    int `json:"quietPeriodMs"`
	PollIntervalMS   int `json:"pollIntervalMs"`
	LeaseDurationSec int `json:"leaseDurationSec"`

	Engine EngineConfig `json:"engine"`
}

// QuietPeriod returns the watcher debounce window.
func (c Config) QuietPeriod() time.Duration {
	return time.Duration(c.QuietPeriodMS) * time.Millisecond
}

// PollInterval returns the idle worker polling interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// LeaseDuration returns how long a claimed job may run without a heartbeat.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSec) * time.Second
}
