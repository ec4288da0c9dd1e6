package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewWithWriter returns a slog.Logger writing to w with the provided level
// string (info, debug, warn, error). format may be "json" or "text".
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup builds the process logger writing to w (os.Stderr when nil),
// additionally appending to file when it is set, and installs it as the slog
// default. Logs never share stdout with command output. The returned close
// function releases the log file.
func Setup(w io.Writer, level, format, file string) (*slog.Logger, func() error, error) {
	closeFn := func() error { return nil }
	if w == nil {
		w = os.Stderr
	}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closeFn = f.Close
	}

	logger := NewWithWriter(w, level, format)
	slog.SetDefault(logger)
	return logger, closeFn, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRunStart logs the beginning of a plate analysis run
func LogRunStart(logger *slog.Logger, runID string, wells int, params map[string]any) {
	logger.Info("analysis run started",
		"run_id", runID,
		"wells", wells,
		"params", params,
	)
}

// LogRunComplete logs the end of a plate analysis run
func LogRunComplete(logger *slog.Logger, runID string, duration time.Duration, summary map[string]any) {
	logger.Info("analysis run completed",
		"run_id", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"summary", summary,
	)
}

// LogStepStart logs the beginning of a pipeline step
func LogStepStart(logger *slog.Logger, runID, step string) {
	logger.Info("step started",
		"run_id", runID,
		"step", step,
	)
}

// LogStepComplete logs a finished pipeline step
func LogStepComplete(logger *slog.Logger, runID, step string, duration time.Duration, details map[string]any) {
	logger.Info("step completed",
		"run_id", runID,
		"step", step,
		"duration_ms", duration.Milliseconds(),
		"details", details,
	)
}

// LogStepError logs a failed pipeline step
func LogStepError(logger *slog.Logger, runID, step string, duration time.Duration, err error) {
	logger.Error("step failed",
		"run_id", runID,
		"step", step,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}
