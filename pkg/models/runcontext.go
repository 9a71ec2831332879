package models

import (
	"log/slog"
	"path/filepath"
)

// RunContext carries campaign-wide context through every pipeline stage.
type RunContext struct {
	RunID   string
	BaseDir string
	Logger  *slog.Logger
}

// RunDir is the directory holding every artifact of this run.
func (rc RunContext) RunDir() string {
	return filepath.Join(rc.BaseDir, rc.RunID)
}

// Dir is the output slot owned by a single test's pipeline.
func (rc RunContext) Dir(testName string) string {
	return filepath.Join(rc.RunDir(), testName)
}

// Log returns the context logger, falling back to the default logger.
func (rc RunContext) Log() *slog.Logger {
	if rc.Logger == nil {
		return slog.Default()
	}
	return rc.Logger
}
