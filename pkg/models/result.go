package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// RunState is a state of the fixed-rate run state machine.
type RunState string

const (
	StatePending     RunState = "PENDING"
	StateServerReady RunState = "SERVER_READY"
	StateRunning     RunState = "RUNNING"
	StateSucceeded   RunState = "SUCCEEDED"
	StateTimedOut    RunState = "TIMED_OUT"
	StateFailed      RunState = "FAILED"
)

// ErrorKind classifies why a measurement is degraded.
type ErrorKind string

const (
	ErrTimeout   ErrorKind = "timeout"
	ErrSpawn     ErrorKind = "spawn"
	ErrJSONParse ErrorKind = "json_parse"
	ErrTool      ErrorKind = "tool_error"

	// ErrOutputParse marks text output that no known format recognised.
	ErrOutputParse ErrorKind = "output_parse"
)

// ExitError returns the classification for a nonzero exit code.
func ExitError(code int) ErrorKind {
	return ErrorKind("exit_" + strconv.Itoa(code))
}

// PreflightStats are the numbers extracted from an echo-probe burst. Fields
// the tool output did not yield are nil.
type PreflightStats struct {
	Dialect     string   `json:"dialect,omitempty"`
	Transmitted *int     `json:"transmitted"`
	Received    *int     `json:"received"`
	LossPercent *float64 `json:"loss_percent"`
	MinMs       *float64 `json:"rtt_min_ms"`
	AvgMs       *float64 `json:"rtt_avg_ms"`
	MaxMs       *float64 `json:"rtt_max_ms"`
	TTLAvg      *float64 `json:"ttl_avg"`
}

// Meta is the identity and context block of an artifact.
type Meta struct {
	Name          string
	Tool          string
	Protocol      Protocol
	Direction     Direction
	RunIndex      int
	RunID         string
	MeasurementID string
	Timestamp     time.Time
	ServerHost    string
	ServerIP      string
	Port          int
	State         RunState
	Valid         bool
	Error         ErrorKind
	Stderr        string
	Command       string

	// Preflight is propagated from the pipeline's preflight probe.
	Preflight *PreflightStats
	// PortReachable is set when a reachability check ran.
	PortReachable *bool

	// Extra holds stage-specific fixed fields.
	Extra map[string]interface{}
	// Tags are copied from the TestSpec and never override fixed fields.
	Tags map[string]interface{}
}

// MarshalJSON flattens fixed fields, extra fields and tags into one object.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"name":           m.Name,
		"tool":           m.Tool,
		"run_id":         m.RunID,
		"measurement_id": m.MeasurementID,
		"timestamp":      m.Timestamp.UTC().Format(time.RFC3339Nano),
		"server_host":    m.ServerHost,
		"port":           m.Port,
		"valid":          m.Valid,
	}
	if m.Protocol != "" {
		out["protocol"] = m.Protocol
	}
	if m.Direction != "" {
		out["direction"] = m.Direction
	}
	if m.RunIndex > 0 {
		out["run_index"] = m.RunIndex
	}
	if m.ServerIP != "" {
		out["server_ip"] = m.ServerIP
	}
	if m.State != "" {
		out["state"] = m.State
	}
	if m.Error != "" {
		out["error"] = m.Error
	}
	if m.Stderr != "" {
		out["stderr"] = m.Stderr
	}
	if m.Command != "" {
		out["cmd"] = m.Command
	}
	if p := m.Preflight; p != nil {
		out["rtt_min_ms"] = p.MinMs
		out["rtt_avg_ms"] = p.AvgMs
		out["rtt_max_ms"] = p.MaxMs
		out["preflight_loss"] = p.LossPercent
		out["ttl_avg"] = p.TTLAvg
	}
	if m.PortReachable != nil {
		out["port_reachable"] = *m.PortReachable
	}
	for k, v := range m.Extra {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	for k, v := range m.Tags {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return json.Marshal(out)
}

// Summary is the protocol-specific projection of a result. An invalid result
// has an empty summary, which marshals to {}.
type Summary struct {
	TCPSentBps     *float64 `json:"tcp_sent_bps,omitempty"`
	TCPRecvBps     *float64 `json:"tcp_recv_bps,omitempty"`
	TCPRetransmits *int64   `json:"tcp_retransmits,omitempty"`
	UDPBps         *float64 `json:"udp_bps,omitempty"`
	UDPJitterMs    *float64 `json:"udp_jitter_ms,omitempty"`
	UDPLostPercent *float64 `json:"udp_lost_percent,omitempty"`
	UDPPackets     *int64   `json:"udp_packets,omitempty"`
}

// RunResult is the persisted outcome of one measurement attempt. A valid
// result carries Result; an invalid one carries Raw, possibly empty when the
// tool produced no output before it failed.
type RunResult struct {
	Meta    Meta
	Summary Summary
	Result  json.RawMessage
	Raw     *string
	Valid   bool
	Error   ErrorKind
}

// MarshalJSON renders the {meta, summary, result|raw} envelope.
func (r RunResult) MarshalJSON() ([]byte, error) {
	meta := r.Meta
	meta.Valid = r.Valid
	meta.Error = r.Error
	env := struct {
		Meta    Meta            `json:"meta"`
		Summary Summary         `json:"summary"`
		Result  json.RawMessage `json:"result,omitempty"`
		Raw     *string         `json:"raw,omitempty"`
	}{Meta: meta}
	if r.Valid {
		env.Summary = r.Summary
		env.Result = r.Result
	} else {
		raw := ""
		if r.Raw != nil {
			raw = *r.Raw
		}
		env.Raw = &raw
	}
	return json.Marshal(env)
}
