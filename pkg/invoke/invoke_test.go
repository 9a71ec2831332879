package invoke

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"perf-tester/pkg/models"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not on PATH")
	}
}

func TestExecInvokerCapturesOutput(t *testing.T) {
	requireShell(t)
	out, err := ExecInvoker{}.Invoke(context.Background(), []string{"sh", "-c", "echo out; echo err >&2; exit 3"}, 10*time.Second)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
	if out.Stdout != "out\n" || out.Stderr != "err\n" {
		t.Errorf("Stdout = %q, Stderr = %q", out.Stdout, out.Stderr)
	}
	if out.TimedOut {
		t.Error("TimedOut = true")
	}
}

func TestExecInvokerKillsProcessGroupOnTimeout(t *testing.T) {
	requireShell(t)
	start := time.Now()
	// The child sleep inherits the pipes, so only a group kill lets Run return.
	out, err := ExecInvoker{WaitDelay: 5 * time.Second}.Invoke(context.Background(),
		[]string{"sh", "-c", "sleep 30 & sleep 30"}, 300*time.Millisecond)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !out.TimedOut {
		t.Errorf("TimedOut = false, outcome %+v", out)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Invoke() took %v after a 300ms timeout", elapsed)
	}
}

func TestExecInvokerMissingTool(t *testing.T) {
	_, err := ExecInvoker{}.Invoke(context.Background(), []string{"perf-tester-no-such-tool"}, time.Second)
	if !errors.Is(err, ErrToolMissing) {
		t.Errorf("Invoke() error = %v, want ErrToolMissing", err)
	}
}

func TestRequireTools(t *testing.T) {
	err := RequireTools("perf-tester-no-such-tool", "perf-tester-other-missing")
	if !errors.Is(err, ErrToolMissing) {
		t.Fatalf("RequireTools() error = %v, want ErrToolMissing", err)
	}
	if err := RequireTools(); err != nil {
		t.Errorf("RequireTools() with no tools = %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		out  Outcome
		err  error
		want models.ErrorKind
	}{
		{"clean", Outcome{}, nil, ""},
		{"timeout", Outcome{TimedOut: true, ExitCode: -1}, nil, models.ErrTimeout},
		{"exit", Outcome{ExitCode: 2}, nil, "exit_2"},
		{"spawn", Outcome{ExitCode: -1}, errors.New("boom"), models.ErrSpawn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.out, tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	got := Format([]string{"iperf3", "-c", "host one", "-J"})
	if want := `iperf3 -c "host one" -J`; got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}
