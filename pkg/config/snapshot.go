package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"perf-tester/pkg/models"
)

// SnapshotFile is the name of the resolved-test snapshot inside a run
// directory.
const SnapshotFile = "resolved_tests.yaml"

type snapshot struct {
	RunID string            `yaml:"run_id,omitempty"`
	Tests []models.TestSpec `yaml:"tests"`
}

// Encode writes specs as a YAML document.
func Encode(w io.Writer, runID string, specs []models.TestSpec) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snapshot{RunID: runID, Tests: specs}); err != nil {
		return fmt.Errorf("failed to encode tests: %w", err)
	}
	return enc.Close()
}

// WriteSnapshot records the resolved specs of a run in runDir so the
// campaign can be reproduced exactly.
func WriteSnapshot(runDir, runID string, specs []models.TestSpec) error {
	f, err := os.Create(filepath.Join(runDir, SnapshotFile))
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := Encode(f, runID, specs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// readSnapshot loads a snapshot written by WriteSnapshot.
func readSnapshot(path string) ([]models.TestSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s snapshot
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return s.Tests, nil
}
