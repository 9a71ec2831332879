package logging

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/m-lab/go/rtx"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewFansOut(t *testing.T) {
	var a, b bytes.Buffer
	logger := New(slog.LevelInfo, &a, &b)
	logger.Debug("hidden")
	logger.Info("Run complete", "test", "t1")

	for _, buf := range []*bytes.Buffer{&a, &b} {
		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Errorf("debug record written at info level: %q", out)
		}
		if !strings.Contains(out, `msg="Run complete" test=t1`) {
			t.Errorf("missing record: %q", out)
		}
	}
}

func TestConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelInfo, &buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := logger.With("test", fmt.Sprintf("t%d", i))
			for j := 0; j < 50; j++ {
				l.Info("step", "n", j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 400 {
		t.Fatalf("got %d lines, want 400", len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "time=") || !strings.Contains(line, "msg=step") {
			t.Fatalf("torn line: %q", line)
		}
	}
}

func TestOpenCampaignLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run1")
	f, err := OpenCampaignLog(dir)
	rtx.Must(err, "failed to open campaign log")
	logger := New(slog.LevelInfo, f)
	logger.Info("hello")
	rtx.Must(f.Close(), "failed to close")

	b, err := os.ReadFile(filepath.Join(dir, CampaignLog))
	rtx.Must(err, "failed to read campaign log")
	if !strings.Contains(string(b), "msg=hello") {
		t.Errorf("campaign log = %q", b)
	}
}
