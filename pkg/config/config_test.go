package config

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"perf-tester/pkg/models"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	rtx.Must(os.WriteFile(path, []byte(content), 0o644), "failed to write config")
	return path
}

const campaign = `
defaults:
  duration: 10
  parallel_streams: 2
  cooldown_sec: 1
tests:
  - name: lab
    server_host: 10.0.0.5
    direction: uplink
    site: ams
  - server_host: 10.0.0.6
  - name: nohost
  - name: udp-ramp
    server_host: iperf.example.net
    protocol: udp
    adaptive_udp: true
    duration: "5"
    udp_start_bps: 1G
    tags:
      phase: baseline
  - name: lab
    server_host: 10.0.0.7
  - name: badproto
    server_host: 10.0.0.8
    protocol: sctp
  - name: badbw
    server_host: 10.0.0.9
    udp_bandwidth: lots
settings:
  workers: 2
`

func TestResolverSkipsInvalidEntries(t *testing.T) {
	cfg, err := Load(writeConfig(t, "campaign.yaml", campaign))
	rtx.Must(err, "failed to load config")

	r := NewResolver(cfg, "", discard)
	specs := r.All()
	if got := r.Skipped(); got != 5 {
		t.Errorf("Skipped() = %d, want 5", got)
	}
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
	}
	if want := []string{"lab", "udp-ramp"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("resolved names = %v, want %v", names, want)
	}
	if specs[0].ServerHost != "10.0.0.5" {
		t.Errorf("duplicate name replaced the first entry: host = %s", specs[0].ServerHost)
	}
}

func TestResolveOrder(t *testing.T) {
	cfg, err := Load(writeConfig(t, "campaign.yaml", campaign))
	rtx.Must(err, "failed to load config")
	specs := NewResolver(cfg, "", discard).All()

	lab := specs[0]
	if lab.Duration != 10*time.Second {
		t.Errorf("file defaults not applied: duration = %v", lab.Duration)
	}
	if lab.Parallel != 2 {
		t.Errorf("parallel = %d, want 2", lab.Parallel)
	}
	if lab.Port != 5201 || lab.Protocol != models.ProtocolTCP {
		t.Errorf("built-in defaults not applied: port %d protocol %s", lab.Port, lab.Protocol)
	}
	if lab.Direction != models.Uplink {
		t.Errorf("entry did not override direction: %s", lab.Direction)
	}
	if lab.Tags["site"] != "ams" {
		t.Errorf("unknown key not kept as tag: %v", lab.Tags)
	}
	if lab.SSH.Requested() {
		t.Error("SSH requested without any SSH field")
	}
	if lab.SSH.Port != 22 {
		t.Errorf("ssh port = %d, want 22", lab.SSH.Port)
	}

	ramp := specs[1]
	if ramp.Duration != 5*time.Second {
		t.Errorf("string duration not accepted: %v", ramp.Duration)
	}
	if !ramp.IsAdaptive() {
		t.Error("udp-ramp not adaptive")
	}
	if ramp.Ramp.Start != 1e9 || ramp.Ramp.Step != 2e9 || ramp.Ramp.Max != 10e9 {
		t.Errorf("ramp = %+v", ramp.Ramp)
	}
	if ramp.Ramp.StepDuration != ramp.Duration {
		t.Errorf("step duration = %v, want test duration", ramp.Ramp.StepDuration)
	}
	if ramp.Ramp.StepTimeout != 45*time.Second {
		t.Errorf("step timeout = %v", ramp.Ramp.StepTimeout)
	}
	if ramp.Tags["phase"] != "baseline" {
		t.Errorf("tags = %v", ramp.Tags)
	}
}

func TestResolverFilter(t *testing.T) {
	cfg, err := Load(writeConfig(t, "campaign.yaml", campaign))
	rtx.Must(err, "failed to load config")

	specs := NewResolver(cfg, "udp-ramp", discard).All()
	if len(specs) != 1 || specs[0].Name != "udp-ramp" {
		t.Errorf("filtered specs = %+v", specs)
	}
	if specs := NewResolver(cfg, "missing", discard).All(); len(specs) != 0 {
		t.Errorf("unknown filter yielded %d specs", len(specs))
	}
}

func TestSpecsStopsEarly(t *testing.T) {
	cfg, err := Load(writeConfig(t, "campaign.yaml", campaign))
	rtx.Must(err, "failed to load config")
	count := 0
	for range NewResolver(cfg, "", discard).Specs() {
		count++
		break
	}
	if count != 1 {
		t.Errorf("iterated %d specs after break", count)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "campaign.json", `{"tests": [{"name": "j", "server_host": "h", "runs_per_test": 3, "parallel_streams": 8}]}`)
	cfg, err := Load(path)
	rtx.Must(err, "failed to load json config")
	specs := NewResolver(cfg, "", discard).All()
	if len(specs) != 1 || specs[0].Repeat != 3 || specs[0].Parallel != 8 {
		t.Errorf("specs = %+v", specs)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
	if _, err := Load(writeConfig(t, "bad.yaml", "tests: [\n  - name: x\n")); err == nil {
		t.Error("Load() of malformed yaml succeeded")
	}
	_, err := Load(writeConfig(t, "empty.yaml", "defaults:\n  duration: 5\n"))
	if !errors.Is(err, ErrNoTests) {
		t.Errorf("Load() error = %v, want ErrNoTests", err)
	}
}

func TestSettings(t *testing.T) {
	cfg, err := Load(writeConfig(t, "campaign.yaml", campaign))
	rtx.Must(err, "failed to load config")
	s := cfg.Settings()
	if s.Workers != 2 {
		t.Errorf("workers = %d, want 2", s.Workers)
	}
	if s.Tools.Iperf3 != "iperf3" || s.Database.Port != 5432 {
		t.Errorf("setting defaults missing: %+v", s)
	}

	t.Setenv("PERFTEST_SETTINGS_WORKERS", "5")
	if got := cfg.Settings().Workers; got != 5 {
		t.Errorf("env override workers = %d, want 5", got)
	}
}

func TestMergeIsPure(t *testing.T) {
	defaults := map[string]interface{}{"a": 1, "b": 2}
	override := map[string]interface{}{"b": 3, "c": 4}
	got := Merge(defaults, override)
	want := map[string]interface{}{"a": 1, "b": 3, "c": 4}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge() = %v, want %v", got, want)
	}
	if defaults["b"] != 2 || len(defaults) != 2 {
		t.Errorf("Merge() modified defaults: %v", defaults)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, "campaign.yaml", campaign))
	rtx.Must(err, "failed to load config")
	specs := NewResolver(cfg, "", discard).All()

	dir := t.TempDir()
	rtx.Must(WriteSnapshot(dir, "run-1", specs), "failed to write snapshot")
	got, err := readSnapshot(filepath.Join(dir, SnapshotFile))
	rtx.Must(err, "failed to read snapshot")
	if len(got) != len(specs) {
		t.Fatalf("snapshot has %d tests, want %d", len(got), len(specs))
	}
	if got[1].Ramp.StepTimeout != specs[1].Ramp.StepTimeout || got[0].Cooldown != specs[0].Cooldown {
		t.Errorf("snapshot lost durations: %+v", got[1].Ramp)
	}
}

func TestResolverSkipsSameOutputDirectory(t *testing.T) {
	path := writeConfig(t, "campaign.yaml", `
tests:
  - name: site a
    server_host: 10.0.0.1
  - name: site/a
    server_host: 10.0.0.2
  - name: site_a
    server_host: 10.0.0.3
  - name: site-b
    server_host: 10.0.0.4
`)
	cfg, err := Load(path)
	rtx.Must(err, "failed to load config")

	r := NewResolver(cfg, "", discard)
	specs := r.All()
	var hosts []string
	for _, s := range specs {
		hosts = append(hosts, s.ServerHost)
	}
	if want := []string{"10.0.0.1", "10.0.0.4"}; !reflect.DeepEqual(hosts, want) {
		t.Errorf("resolved hosts = %v, want %v", hosts, want)
	}
	if got := r.Skipped(); got != 2 {
		t.Errorf("Skipped() = %d, want 2", got)
	}
}

func TestResolveRejectsNonFiniteBandwidth(t *testing.T) {
	for _, value := range []interface{}{"inf", "nan", math.Inf(1), math.NaN()} {
		merged := Merge(Builtin(), map[string]interface{}{
			"name":         "ramp",
			"server_host":  "10.0.0.1",
			"protocol":     "udp",
			"adaptive_udp": true,
			"udp_max_bps":  value,
		})
		if _, err := Resolve(merged); err == nil {
			t.Errorf("Resolve() accepted udp_max_bps = %v", value)
		}
	}
}
