package capture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"perf-tester/pkg/models"
)

type memRecorder struct {
	rows []*models.Measurement
	err  error
}

func (m *memRecorder) InsertMeasurement(ctx context.Context, row *models.Measurement) error {
	m.rows = append(m.rows, row)
	return m.err
}

func newStore(t *testing.T, rec Recorder) (*Store, models.RunContext) {
	t.Helper()
	rc := models.RunContext{
		RunID:   "run-1",
		BaseDir: t.TempDir(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s := NewStore(rc, rec)
	rtx.Must(s.Init(), "failed to init store")
	return s, rc
}

func readJSON(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	b, err := os.ReadFile(path)
	rtx.Must(err, "failed to read %s", path)
	var out map[string]interface{}
	rtx.Must(json.Unmarshal(b, &out), "invalid json in %s", path)
	return out
}

func TestSaveRunLayout(t *testing.T) {
	rec := &memRecorder{}
	s, rc := newStore(t, rec)
	_, err := s.Slot("lab 1")
	rtx.Must(err, "failed to create slot")

	raw := "not json"
	res := models.RunResult{
		Meta: models.Meta{Name: "lab 1", RunID: "run-1", Direction: models.Downlink, RunIndex: 2,
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		Raw:   &raw,
		Error: models.ErrJSONParse,
	}
	path, err := s.SaveRun(context.Background(), res)
	rtx.Must(err, "SaveRun failed")

	want := filepath.Join(rc.BaseDir, "run-1", "lab_1", "iperf_lab_1_downlink_run2.json")
	if path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	doc := readJSON(t, path)
	if doc["raw"] != "not json" {
		t.Errorf("raw = %v", doc["raw"])
	}
	if len(rec.rows) != 1 || rec.rows[0].Valid || rec.rows[0].ErrorMsg != "json_parse" {
		t.Errorf("recorded rows = %+v", rec.rows)
	}
}

func TestSaveNeverOverwrites(t *testing.T) {
	s, _ := newStore(t, nil)
	_, err := s.Slot("t")
	rtx.Must(err, "failed to create slot")
	res := models.RunResult{Meta: models.Meta{Name: "t", Direction: models.Uplink, RunIndex: 1}, Valid: true, Result: json.RawMessage(`{}`)}
	first, err := s.SaveRun(context.Background(), res)
	rtx.Must(err, "first SaveRun failed")

	res.Result = json.RawMessage(`{"second": true}`)
	if _, err := s.SaveRun(context.Background(), res); !errors.Is(err, ErrExists) {
		t.Errorf("second SaveRun() error = %v, want ErrExists", err)
	}
	if doc := readJSON(t, first); doc["result"].(map[string]interface{})["second"] != nil {
		t.Error("first artifact was overwritten")
	}
}

func TestSlotIsExclusive(t *testing.T) {
	s, _ := newStore(t, nil)
	_, err := s.Slot("dup")
	rtx.Must(err, "failed to create slot")
	if _, err := s.Slot("dup"); err == nil {
		t.Error("Slot() succeeded twice for the same test")
	}
}

func TestCheckFree(t *testing.T) {
	s, _ := newStore(t, nil)
	rtx.Must(s.CheckFree("a", "b"), "fresh run reported taken slots")

	_, err := s.Slot("b")
	rtx.Must(err, "failed to create slot")
	err = s.CheckFree("a", "b")
	if !errors.Is(err, ErrExists) {
		t.Fatalf("CheckFree() = %v, want ErrExists", err)
	}
	if got := err.Error(); !strings.Contains(got, filepath.Join("run-1", "b")) || strings.Contains(got, filepath.Join("run-1", "a")) {
		t.Errorf("CheckFree() error = %q, want only slot b", got)
	}
}

func TestRecorderFailureIsNotFatal(t *testing.T) {
	s, _ := newStore(t, &memRecorder{err: errors.New("db down")})
	_, err := s.Slot("r")
	rtx.Must(err, "failed to create slot")
	ramp := models.RampResult{Meta: models.Meta{Name: "r", Direction: models.Uplink, Valid: true}, StopReason: models.StopMaxReached}
	path, err := s.SaveRamp(context.Background(), ramp)
	if err != nil {
		t.Fatalf("SaveRamp() error = %v", err)
	}
	if filepath.Base(path) != "adaptive_udp_r_uplink.json" {
		t.Errorf("path = %s", path)
	}
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"lab-1":     "lab-1",
		"a/b":       "a_b",
		"..":        "_",
		"":          "_",
		"eu west 2": "eu_west_2",
	}
	for in, want := range tests {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}
