package config

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"perf-tester/pkg/capture"
	"perf-tester/pkg/models"
)

// Builtin returns the built-in per-test defaults. Keys match the
// configuration file keys.
func Builtin() map[string]interface{} {
	return map[string]interface{}{
		"iperf_port":            5201,
		"protocol":              "tcp",
		"direction":             "bidirectional",
		"duration":              15,
		"parallel_streams":      4,
		"udp_bandwidth":         "1G",
		"start_server":          false,
		"server_command":        "",
		"server_settle_sec":     2,
		"server_ssh_port":       22,
		"run_iperf":             true,
		"preflight_ping":        true,
		"runs_per_test":         1,
		"cooldown_sec":          3,
		"run_grace_sec":         30,
		"run_timeout_sec":       0,
		"ping_count":            5,
		"ping_interval_ms":      200,
		"ping_pause_ms":         200,
		"ping_bursts":           1,
		"adaptive_udp":          false,
		"udp_start_bps":         "2G",
		"udp_step_bps":          "2G",
		"udp_max_bps":           "10G",
		"udp_loss_threshold":    1.0,
		"udp_jitter_threshold":  5.0,
		"udp_drop_threshold":    5.0,
		"udp_step_duration_sec": 0,
		"udp_step_timeout_sec":  45,
		"udp_confirm_ceiling":   false,
		"run_latency":           false,
		"run_mtr":               false,
		"mtr_cycles":            10,
		"run_mtu":               false,
		"mtu_min_size":          1200,
		"mtu_max_size":          1472,
	}
}

// Merge overlays override on defaults field by field. Neither input is
// modified.
func Merge(defaults, override map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults)+len(override))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// rawTest mirrors the file keys of one test entry after merging. Unknown keys
// are collected in Extra and become metadata tags.
type rawTest struct {
	Name       string `mapstructure:"name"`
	ServerHost string `mapstructure:"server_host"`
	Port       int    `mapstructure:"iperf_port"`
	Protocol   string `mapstructure:"protocol"`
	Direction  string `mapstructure:"direction"`

	Duration     float64 `mapstructure:"duration"`
	Parallel     int     `mapstructure:"parallel_streams"`
	UDPBandwidth string  `mapstructure:"udp_bandwidth"`

	StartServer   bool    `mapstructure:"start_server"`
	ServerCommand string  `mapstructure:"server_command"`
	SettleSec     float64 `mapstructure:"server_settle_sec"`
	SSHUser       string  `mapstructure:"server_ssh_user"`
	SSHHost       string  `mapstructure:"server_ssh_host"`
	SSHPort       int     `mapstructure:"server_ssh_port"`
	SSHKey        string  `mapstructure:"server_ssh_key"`
	SSHOpts       string  `mapstructure:"server_ssh_opts"`

	RunIperf      bool    `mapstructure:"run_iperf"`
	PreflightPing bool    `mapstructure:"preflight_ping"`
	Runs          int     `mapstructure:"runs_per_test"`
	CooldownSec   float64 `mapstructure:"cooldown_sec"`
	GraceSec      float64 `mapstructure:"run_grace_sec"`
	TimeoutSec    float64 `mapstructure:"run_timeout_sec"`

	PingCount      int     `mapstructure:"ping_count"`
	PingIntervalMs float64 `mapstructure:"ping_interval_ms"`
	PingPauseMs    float64 `mapstructure:"ping_pause_ms"`
	PingBursts     int     `mapstructure:"ping_bursts"`

	Adaptive        bool    `mapstructure:"adaptive_udp"`
	UDPStart        string  `mapstructure:"udp_start_bps"`
	UDPStep         string  `mapstructure:"udp_step_bps"`
	UDPMax          string  `mapstructure:"udp_max_bps"`
	LossThreshold   float64 `mapstructure:"udp_loss_threshold"`
	JitterThreshold float64 `mapstructure:"udp_jitter_threshold"`
	DropThreshold   float64 `mapstructure:"udp_drop_threshold"`
	StepDurationSec float64 `mapstructure:"udp_step_duration_sec"`
	StepTimeoutSec  float64 `mapstructure:"udp_step_timeout_sec"`
	ConfirmCeiling  bool    `mapstructure:"udp_confirm_ceiling"`

	RunLatency bool `mapstructure:"run_latency"`
	RunMTR     bool `mapstructure:"run_mtr"`
	MTRCycles  int  `mapstructure:"mtr_cycles"`
	RunMTU     bool `mapstructure:"run_mtu"`
	MTUMin     int  `mapstructure:"mtu_min_size"`
	MTUMax     int  `mapstructure:"mtu_max_size"`

	Tags  map[string]interface{} `mapstructure:"tags"`
	Extra map[string]interface{} `mapstructure:",remain"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Resolve turns one merged mapping into a TestSpec. It returns an error
// describing why the entry is unusable.
func Resolve(merged map[string]interface{}) (models.TestSpec, error) {
	var raw rawTest
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &raw,
	})
	if err != nil {
		return models.TestSpec{}, err
	}
	if err := dec.Decode(merged); err != nil {
		return models.TestSpec{}, fmt.Errorf("decode: %w", err)
	}

	if strings.TrimSpace(raw.Name) == "" {
		return models.TestSpec{}, fmt.Errorf("missing name")
	}
	if strings.TrimSpace(raw.ServerHost) == "" {
		return models.TestSpec{}, fmt.Errorf("missing server_host")
	}

	proto := models.Protocol(strings.ToLower(raw.Protocol))
	if proto != models.ProtocolTCP && proto != models.ProtocolUDP {
		return models.TestSpec{}, fmt.Errorf("unknown protocol %q", raw.Protocol)
	}
	dir := models.Direction(strings.ToLower(raw.Direction))
	if !dir.Valid() {
		return models.TestSpec{}, fmt.Errorf("unknown direction %q", raw.Direction)
	}
	if raw.Duration <= 0 {
		return models.TestSpec{}, fmt.Errorf("duration must be positive")
	}
	if raw.Port <= 0 || raw.Port > 65535 {
		return models.TestSpec{}, fmt.Errorf("invalid iperf_port %d", raw.Port)
	}

	bandwidths := map[string]float64{}
	for key, value := range map[string]string{
		"udp_bandwidth": raw.UDPBandwidth,
		"udp_start_bps": raw.UDPStart,
		"udp_step_bps":  raw.UDPStep,
		"udp_max_bps":   raw.UDPMax,
	} {
		bps, err := models.ParseBps(value)
		if err != nil {
			return models.TestSpec{}, fmt.Errorf("%s: %w", key, err)
		}
		bandwidths[key] = bps
	}
	if raw.Adaptive && proto == models.ProtocolUDP {
		if bandwidths["udp_step_bps"] <= 0 {
			return models.TestSpec{}, fmt.Errorf("udp_step_bps must be positive")
		}
		if bandwidths["udp_start_bps"] <= 0 {
			return models.TestSpec{}, fmt.Errorf("udp_start_bps must be positive")
		}
	}

	spec := models.TestSpec{
		Name:         strings.TrimSpace(raw.Name),
		ServerHost:   strings.TrimSpace(raw.ServerHost),
		Port:         raw.Port,
		Protocol:     proto,
		Direction:    dir,
		Duration:     seconds(raw.Duration),
		Parallel:     raw.Parallel,
		UDPBandwidth: bandwidths["udp_bandwidth"],
		Adaptive:     raw.Adaptive,
		Ramp: models.RampParams{
			Start:           bandwidths["udp_start_bps"],
			Step:            bandwidths["udp_step_bps"],
			Max:             bandwidths["udp_max_bps"],
			LossThreshold:   raw.LossThreshold,
			JitterThreshold: raw.JitterThreshold,
			DropThreshold:   raw.DropThreshold,
			StepDuration:    seconds(raw.StepDurationSec),
			StepTimeout:     seconds(raw.StepTimeoutSec),
			ConfirmCeiling:  raw.ConfirmCeiling,
		},
		StartServer:   raw.StartServer,
		ServerCommand: raw.ServerCommand,
		SettleDelay:   seconds(raw.SettleSec),
		SSH: models.SSHParams{
			User: raw.SSHUser,
			Host: raw.SSHHost,
			Port: raw.SSHPort,
			Key:  raw.SSHKey,
			Opts: raw.SSHOpts,
		},
		Repeat:        raw.Runs,
		Cooldown:      seconds(raw.CooldownSec),
		Grace:         seconds(raw.GraceSec),
		Timeout:       seconds(raw.TimeoutSec),
		RunIperf:      raw.RunIperf,
		PreflightPing: raw.PreflightPing,
		Ping: models.PingParams{
			Count:    raw.PingCount,
			Interval: millis(raw.PingIntervalMs),
			Pause:    millis(raw.PingPauseMs),
			Bursts:   raw.PingBursts,
		},
		RunLatency: raw.RunLatency,
		RunMTR:     raw.RunMTR,
		MTRCycles:  raw.MTRCycles,
		RunMTU:     raw.RunMTU,
		MTUMin:     raw.MTUMin,
		MTUMax:     raw.MTUMax,
	}
	if spec.Repeat < 1 {
		spec.Repeat = 1
	}
	if spec.Ramp.StepDuration <= 0 {
		spec.Ramp.StepDuration = spec.Duration
	}
	if spec.MTUMin > spec.MTUMax {
		spec.MTUMin, spec.MTUMax = spec.MTUMax, spec.MTUMin
	}

	if len(raw.Extra) > 0 || len(raw.Tags) > 0 {
		spec.Tags = make(map[string]interface{}, len(raw.Extra)+len(raw.Tags))
		for k, v := range raw.Extra {
			spec.Tags[k] = v
		}
		for k, v := range raw.Tags {
			spec.Tags[k] = v
		}
	}
	return spec, nil
}

// Resolver yields the TestSpecs of a configuration in file order.
type Resolver struct {
	defaults map[string]interface{}
	tests    []map[string]interface{}
	filter   string
	logger   *slog.Logger
	skipped  int
}

// NewResolver returns a resolver over cfg. When filter is non-empty only the
// test with that name is yielded.
func NewResolver(cfg *Config, filter string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		defaults: Merge(Builtin(), cfg.Defaults),
		tests:    cfg.Tests,
		filter:   filter,
		logger:   logger,
	}
}

// Specs lazily resolves each entry. Unusable entries and later entries whose
// name maps to the same output directory as an already yielded one are
// logged and skipped.
func (r *Resolver) Specs() iter.Seq[models.TestSpec] {
	return func(yield func(models.TestSpec) bool) {
		seen := make(map[string]string)
		r.skipped = 0
		for i, entry := range r.tests {
			if r.filter != "" {
				if name, _ := entry["name"].(string); strings.TrimSpace(name) != r.filter {
					continue
				}
			}
			spec, err := Resolve(Merge(r.defaults, entry))
			if err != nil {
				r.logger.Warn("Skipping test", "index", i, "name", entry["name"], "reason", err)
				r.skipped++
				continue
			}
			slot := capture.SafeName(spec.Name)
			if prev, ok := seen[slot]; ok {
				r.logger.Warn("Skipping test", "index", i, "name", spec.Name, "reason", "duplicate name",
					"conflicts_with", prev, "slot", slot)
				r.skipped++
				continue
			}
			seen[slot] = spec.Name
			r.logger.Debug("Resolved test", "name", spec.Name, "server", spec.ServerHost,
				"protocol", spec.Protocol, "direction", spec.Direction, "adaptive", spec.IsAdaptive())
			if !yield(spec) {
				return
			}
		}
	}
}

// Skipped returns the number of entries skipped by the last iteration of
// Specs.
func (r *Resolver) Skipped() int {
	return r.skipped
}

// All collects Specs into a slice.
func (r *Resolver) All() []models.TestSpec {
	return slices.Collect(r.Specs())
}
