package models

import (
	"time"
)

// Protocol is the transport measured by a throughput test.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Direction is the direction of traffic relative to the client running the
// campaign. Uplink sends client to server, downlink reverses the flow.
type Direction string

const (
	Uplink        Direction = "uplink"
	Downlink      Direction = "downlink"
	Bidirectional Direction = "bidirectional"
)

// Expand returns the concrete directions a test runs in. Bidirectional
// expands to uplink followed by downlink.
func (d Direction) Expand() []Direction {
	if d == Bidirectional {
		return []Direction{Uplink, Downlink}
	}
	return []Direction{d}
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == Uplink || d == Downlink || d == Bidirectional
}

// SSHParams holds the optional remote provisioning fields. Port is not
// considered when deciding whether SSH was requested.
type SSHParams struct {
	User string `yaml:"user,omitempty"`
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
	Key  string `yaml:"key,omitempty"`
	Opts string `yaml:"opts,omitempty"`
}

// Requested reports whether at least one SSH field was explicitly set.
func (s SSHParams) Requested() bool {
	return s.User != "" || s.Host != "" || s.Key != "" || s.Opts != ""
}

// RampParams configures the adaptive UDP search. Rates are in bits per second.
type RampParams struct {
	Start           float64 `yaml:"start_bps"`
	Step            float64 `yaml:"step_bps"`
	Max             float64 `yaml:"max_bps"`
	LossThreshold   float64 `yaml:"loss_threshold"`
	JitterThreshold float64 `yaml:"jitter_threshold"`
	DropThreshold   float64 `yaml:"drop_threshold"`

	// StepDuration is the length of one trial. StepTimeout bounds the wall
	// clock of one trial including tool startup.
	StepDuration time.Duration `yaml:"step_duration"`
	StepTimeout  time.Duration `yaml:"step_timeout"`

	// ConfirmCeiling re-tests the ceiling once after a breach and steps
	// down once if the confirmation fails.
	ConfirmCeiling bool `yaml:"confirm_ceiling,omitempty"`
}

// PingParams configures echo probes.
type PingParams struct {
	Count    int           `yaml:"count"`
	Interval time.Duration `yaml:"interval"`
	Pause    time.Duration `yaml:"pause"`
	Bursts   int           `yaml:"bursts"`
}

// TestSpec is the fully resolved parameter set for one measurement target.
type TestSpec struct {
	Name       string    `yaml:"name"`
	ServerHost string    `yaml:"server_host"`
	Port       int       `yaml:"port"`
	Protocol   Protocol  `yaml:"protocol"`
	Direction  Direction `yaml:"direction"`

	Duration time.Duration `yaml:"duration"`
	Parallel int           `yaml:"parallel_streams"`

	// UDPBandwidth is the fixed-rate UDP target in bits per second.
	UDPBandwidth float64 `yaml:"udp_bandwidth_bps,omitempty"`

	Adaptive bool       `yaml:"adaptive_udp"`
	Ramp     RampParams `yaml:"ramp"`

	StartServer   bool          `yaml:"start_server"`
	ServerCommand string        `yaml:"server_command,omitempty"`
	SettleDelay   time.Duration `yaml:"settle_delay"`
	SSH           SSHParams     `yaml:"ssh,omitempty"`

	Repeat   int           `yaml:"runs_per_test"`
	Cooldown time.Duration `yaml:"cooldown"`
	Grace    time.Duration `yaml:"grace"`
	// Timeout, when non-zero, replaces Duration+Grace as the per-run limit.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	RunIperf      bool       `yaml:"run_iperf"`
	PreflightPing bool       `yaml:"preflight_ping"`
	Ping          PingParams `yaml:"ping"`

	RunLatency bool `yaml:"run_latency"`
	RunMTR     bool `yaml:"run_mtr"`
	MTRCycles  int  `yaml:"mtr_cycles"`
	RunMTU     bool `yaml:"run_mtu"`
	MTUMin     int  `yaml:"mtu_min_size"`
	MTUMax     int  `yaml:"mtu_max_size"`

	// Tags is free-form metadata copied into every artifact.
	Tags map[string]interface{} `yaml:"tags,omitempty"`
}

// RunTimeout returns the wall-clock limit for one fixed-rate run.
func (s TestSpec) RunTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return s.Duration + s.Grace
}

// IsAdaptive reports whether throughput testing uses the UDP ramp.
func (s TestSpec) IsAdaptive() bool {
	return s.Protocol == ProtocolUDP && s.Adaptive
}
