package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ProbeDuration reads the media duration of a file via ffprobe.
func (r *Runner) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	args := buildProbeArgs(path)
	result, err := r.runner.Run(ctx, r.ffprobePath, args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	raw := strings.TrimSpace(result.Stdout)
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", raw, err)
	}
	if seconds < 0 {
		return 0, fmt.Errorf("negative ffprobe duration: %f", seconds)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// buildProbeArgs builds ffprobe CLI args for bare duration output.
func buildProbeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}
