// Package capture persists measurement artifacts.
//
// Every artifact is a JSON document written once under
// <base>/<run-id>/<test>/. Files are created exclusively so a later run can
// never replace an earlier one. Artifacts may additionally be mirrored to a
// database; mirror failures are logged and never fail the pipeline.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"perf-tester/pkg/models"
)

// ErrExists is returned when an artifact with the same name was already
// written.
var ErrExists = errors.New("artifact already exists")

// Recorder mirrors artifacts into a database.
type Recorder interface {
	InsertMeasurement(ctx context.Context, m *models.Measurement) error
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName makes a test name usable as a path component.
func SafeName(name string) string {
	s := unsafeChars.ReplaceAllString(name, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// RunFile is the artifact name of one fixed-rate run.
func RunFile(test string, dir models.Direction, run int) string {
	return fmt.Sprintf("iperf_%s_%s_run%d.json", SafeName(test), dir, run)
}

// RampFile is the artifact name of one adaptive ramp.
func RampFile(test string, dir models.Direction) string {
	return fmt.Sprintf("adaptive_udp_%s_%s.json", SafeName(test), dir)
}

// ToolFile is the artifact name of a single-shot diagnostic such as ping,
// mtr or mtu.
func ToolFile(tool, test string) string {
	return fmt.Sprintf("%s_%s.json", tool, SafeName(test))
}

// Store writes artifacts for one campaign run.
type Store struct {
	rc       models.RunContext
	recorder Recorder
}

// NewStore returns a Store rooted at rc.RunDir(). recorder may be nil.
func NewStore(rc models.RunContext, recorder Recorder) *Store {
	return &Store{rc: rc, recorder: recorder}
}

// Init creates the run directory.
func (s *Store) Init() error {
	if err := os.MkdirAll(s.rc.RunDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return nil
}

// Slot creates the exclusive output directory of one test. It fails if the
// directory already exists, which means two pipelines share a name.
func (s *Store) Slot(test string) (string, error) {
	dir := s.rc.Dir(SafeName(test))
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output slot: %w", err)
	}
	return dir, nil
}

// CheckFree fails if the output directory of any of tests already exists,
// which happens when a run id is reused.
func (s *Store) CheckFree(tests ...string) error {
	var taken []string
	for _, t := range tests {
		dir := s.rc.Dir(SafeName(t))
		if _, err := os.Stat(dir); err == nil {
			taken = append(taken, dir)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check output slot: %w", err)
		}
	}
	if len(taken) > 0 {
		return fmt.Errorf("%w: %s", ErrExists, strings.Join(taken, ", "))
	}
	return nil
}

// SaveRun writes a fixed-rate run artifact.
func (s *Store) SaveRun(ctx context.Context, r models.RunResult) (string, error) {
	name := RunFile(r.Meta.Name, r.Meta.Direction, r.Meta.RunIndex)
	return s.save(ctx, name, r.Meta, r.Valid, string(r.Error), r)
}

// SaveRamp writes an adaptive ramp artifact.
func (s *Store) SaveRamp(ctx context.Context, r models.RampResult) (string, error) {
	name := RampFile(r.Meta.Name, r.Meta.Direction)
	return s.save(ctx, name, r.Meta, r.Meta.Valid, string(r.Meta.Error), r)
}

// SaveTool writes a diagnostic artifact. body must marshal to an object
// carrying its own meta block.
func (s *Store) SaveTool(ctx context.Context, tool string, meta models.Meta, body interface{}) (string, error) {
	return s.save(ctx, ToolFile(tool, meta.Name), meta, meta.Valid, string(meta.Error), body)
}

func (s *Store) save(ctx context.Context, name string, meta models.Meta, valid bool, errMsg string, body interface{}) (string, error) {
	b, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(s.rc.Dir(SafeName(meta.Name)), name)
	if err := WriteExclusive(path, b); err != nil {
		return "", err
	}
	s.rc.Log().Debug("Artifact written", "path", path)

	if s.recorder != nil {
		row := &models.Measurement{
			RunID:         meta.RunID,
			MeasurementID: meta.MeasurementID,
			TestName:      meta.Name,
			Tool:          meta.Tool,
			Protocol:      string(meta.Protocol),
			Direction:     string(meta.Direction),
			RunIndex:      meta.RunIndex,
			ServerHost:    meta.ServerHost,
			Time:          meta.Timestamp,
			Valid:         valid,
			ErrorMsg:      errMsg,
			Path:          path,
			FullReport:    b,
		}
		if row.Time.IsZero() {
			row.Time = time.Now().UTC()
		}
		if err := s.recorder.InsertMeasurement(ctx, row); err != nil {
			s.rc.Log().Warn("Failed to mirror artifact to database", "path", path, "error", err)
		}
	}
	return path, nil
}

// WriteExclusive creates path and writes b to it, failing with ErrExists if
// the file is already present.
func WriteExclusive(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return f.Close()
}
