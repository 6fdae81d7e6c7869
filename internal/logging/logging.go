package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/me/calcjob/pkg/model"
)

// NewLogger creates a configured slog.Logger.
//
// level: slog level (DEBUG, INFO, WARN, ERROR)
// format: "text" (human-readable) or "json" (structured)
//
// Output goes to stderr by default (stdout is reserved for program output).
func NewLogger(level slog.Level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to the given writer.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level. It accepts the
// names slog understands, with optional offsets such as "debug-2", plus
// "warning". Unrecognized values yield slog.LevelInfo.
func ParseLevel(s string) slog.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// ForJob returns a child logger carrying the job's identifiers, computer and state.
func ForJob(logger *slog.Logger, rec model.JobRecord) *slog.Logger {
	attrs := []any{"job_id", rec.LocalID, "state", rec.State}
	if rec.Job.Computer != "" {
		attrs = append(attrs, "computer", rec.Job.Computer)
	}
	if rec.RemoteID != "" {
		attrs = append(attrs, "remote_id", rec.RemoteID)
	}
	return logger.With(attrs...)
}
