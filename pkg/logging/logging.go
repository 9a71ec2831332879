// Package logging builds the campaign logger.
//
// Records are rendered by slog's text handler and fanned out to every
// configured writer. Each record is written with a single Write call under a
// shared lock, so lines from concurrent pipelines never interleave.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CampaignLog is the name of the log file kept in every run directory.
const CampaignLog = "campaign.log"

// ParseLevel converts a level name to slog.Level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", level)
}

type lineWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// New returns a logger writing text records at level to all writers. With no
// writers it logs to stderr.
func New(level slog.Level, writers ...io.Writer) *slog.Logger {
	if len(writers) == 0 {
		writers = []io.Writer{os.Stderr}
	}
	w := &lineWriter{mu: &sync.Mutex{}, w: io.MultiWriter(writers...)}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// OpenCampaignLog opens the campaign log of runDir for appending, creating
// the directory if needed.
func OpenCampaignLog(runDir string) (*os.File, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory %s: %w", runDir, err)
	}
	path := filepath.Join(runDir, CampaignLog)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}
