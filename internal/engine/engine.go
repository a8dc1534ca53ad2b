package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"transcribe-queue/internal/domain"
)

// SupportedFormats lists the output formats the engine can produce.
var SupportedFormats = []string{"txt", "vtt", "srt", "json"}

// Request contains one transcription invocation.
type Request struct {
	InputPath string
	OutputDir string
	Formats   []string
}

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// EngineError is a stage-aware engine failure with optional command context.
type EngineError struct {
	Stage      string     `json:"stage"`
	Message    string     `json:"message"`
	CommandLog CommandLog `json:"commandLog"`
	Err        error      `json:"-"`
}

// Error formats engine failures for logs and job records.
func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}

	return fmt.Sprintf(
		"%s: %s (cmd=%s exit=%d)",
		e.Stage,
		e.Message,
		e.CommandLog.Command,
		e.CommandLog.ExitCode,
	)
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Transcript mirrors the JSON document written by the transcription script.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
}

// Segment is one timed span of recognized speech.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command and captures stdout/stderr and exit code.
func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// Runner invokes the faster-whisper script and exports requested formats.
type Runner struct {
	cfg         domain.EngineConfig
	ffprobePath string
	runner      commandRunner
	stat        func(name string) (os.FileInfo, error)
	mkdirAll    func(path string, perm os.FileMode) error
	readFile    func(name string) ([]byte, error)
	writeFile   func(name string, data []byte, perm os.FileMode) error
	remove      func(name string) error
}

// NewRunner constructs the production engine runner with OS dependencies.
func NewRunner(cfg domain.EngineConfig) *Runner {
	return &Runner{
		cfg:         cfg,
		ffprobePath: "ffprobe",
		runner:      &execRunner{},
		stat:        os.Stat,
		mkdirAll:    os.MkdirAll,
		readFile:    os.ReadFile,
		writeFile:   os.WriteFile,
		remove:      os.Remove,
	}
}

// Run transcribes one input and returns format name to produced file path.
// Only files confirmed present on disk are reported as produced.
func (r *Runner) Run(ctx context.Context, req Request) (map[string]string, error) {
	if strings.TrimSpace(req.InputPath) == "" {
		return nil, &EngineError{Stage: "transcribe", Message: "input path is required"}
	}
	if _, err := r.stat(req.InputPath); err != nil {
		return nil, &EngineError{
			Stage:   "transcribe",
			Message: fmt.Sprintf("cannot access input file: %s", req.InputPath),
			Err:     err,
		}
	}
	formats, err := normalizeFormats(req.Formats)
	if err != nil {
		return nil, &EngineError{Stage: "transcribe", Message: err.Error(), Err: err}
	}
	if err := r.mkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, &EngineError{
			Stage:   "transcribe",
			Message: fmt.Sprintf("cannot create output directory: %s", req.OutputDir),
			Err:     err,
		}
	}

	base := outputBaseName(req.InputPath)
	jsonPath := filepath.Join(req.OutputDir, base+".json")
	args := buildTranscribeArgs(r.cfg, req.InputPath, jsonPath)

	cmdResult, runErr := r.runner.Run(ctx, r.cfg.Python, args...)
	log := CommandLog{
		Command:  r.cfg.Python,
		Args:     args,
		ExitCode: cmdResult.ExitCode,
		Stdout:   cmdResult.Stdout,
		Stderr:   cmdResult.Stderr,
	}
	if runErr != nil {
		return nil, &EngineError{
			Stage:      "transcribe",
			Message:    "transcription script failed",
			CommandLog: log,
			Err:        runErr,
		}
	}
	if _, err := r.stat(jsonPath); err != nil {
		return nil, &EngineError{
			Stage:      "transcribe",
			Message:    "script completed but transcript JSON is missing",
			CommandLog: log,
			Err:        err,
		}
	}

	data, err := r.readFile(jsonPath)
	if err != nil {
		return nil, &EngineError{
			Stage:      "export",
			Message:    fmt.Sprintf("failed to read transcript: %s", jsonPath),
			CommandLog: log,
			Err:        err,
		}
	}
	var transcript Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return nil, &EngineError{
			Stage:      "export",
			Message:    "transcript JSON is not parseable",
			CommandLog: log,
			Err:        err,
		}
	}

	outputs := make(map[string]string, len(formats))
	for _, format := range formats {
		if format == "json" {
			outputs["json"] = jsonPath
			continue
		}

		path := filepath.Join(req.OutputDir, base+"."+format)
		if err := r.writeFile(path, []byte(renderTranscript(transcript, format)), 0o644); err != nil {
			return nil, &EngineError{
				Stage:   "export",
				Message: fmt.Sprintf("failed to write %s output: %s", format, path),
				Err:     err,
			}
		}
		outputs[format] = path
	}

	// The JSON document is an intermediate unless it was requested.
	if _, wanted := outputs["json"]; !wanted {
		_ = r.remove(jsonPath)
	}

	for format, path := range outputs {
		if _, err := r.stat(path); err != nil {
			delete(outputs, format)
		}
	}
	if len(outputs) == 0 {
		return nil, &EngineError{
			Stage:      "export",
			Message:    "engine produced no usable output",
			CommandLog: log,
		}
	}

	return outputs, nil
}

// normalizeFormats validates and deduplicates requested output formats.
func normalizeFormats(formats []string) ([]string, error) {
	if len(formats) == 0 {
		return nil, errors.New("at least one output format is required")
	}

	seen := make(map[string]bool, len(formats))
	out := make([]string, 0, len(formats))
	for _, format := range formats {
		name := strings.ToLower(strings.TrimSpace(format))
		if seen[name] {
			continue
		}
		if !isSupportedFormat(name) {
			return nil, fmt.Errorf("unsupported output format: %s", format)
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

// isSupportedFormat reports whether the engine can produce the format.
func isSupportedFormat(name string) bool {
	for _, format := range SupportedFormats {
		if format == name {
			return true
		}
	}
	return false
}

// buildTranscribeArgs builds the faster-whisper script invocation.
func buildTranscribeArgs(cfg domain.EngineConfig, inputPath, outputPath string) []string {
	args := []string{
		cfg.Script,
		"--input", inputPath,
		"--output", outputPath,
		"--model", cfg.Model,
		"--device", cfg.Device,
		"--compute_type", cfg.ComputeType,
		"--beam_size", strconv.Itoa(cfg.BeamSize),
	}

	if lang := normalizeLanguage(cfg.Language); lang != "" {
		args = append(args, "--language", lang)
	}

	return args
}

// normalizeLanguage maps "auto" and empty language to no CLI override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}

// outputBaseName builds output file base name from the input file name.
func outputBaseName(inputPath string) string {
	base := filepath.Base(inputPath)
	name := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "transcript"
	}
	return name
}

// NewRunnerForTests constructs a runner with injectable dependencies.
func NewRunnerForTests(
	cfg domain.EngineConfig,
	ffprobePath string,
	runner commandRunner,
	stat func(name string) (os.FileInfo, error),
) *Runner {
	return &Runner{
		cfg:         cfg,
		ffprobePath: ffprobePath,
		runner:      runner,
		stat:        stat,
		mkdirAll:    os.MkdirAll,
		readFile:    os.ReadFile,
		writeFile:   os.WriteFile,
		remove:      os.Remove,
	}
}
