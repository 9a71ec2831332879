// Package pathinfo runs the path diagnostics that accompany throughput
// tests: repeated echo bursts, an mtr hop trace and a don't-fragment path MTU
// search. Each diagnostic produces one artifact in the same
// {meta, summary, result|raw} shape as throughput runs.
package pathinfo

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"perf-tester/pkg/clock"
	"perf-tester/pkg/invoke"
	"perf-tester/pkg/models"
	"perf-tester/pkg/preflight"
)

// Tool names recorded in artifact metadata and file names.
const (
	ToolPing = "ping"
	ToolMTR  = "mtr"
	ToolMTU  = "mtu"
)

// Report is a diagnostic artifact.
type Report struct {
	Meta    models.Meta
	Summary interface{}
	Result  interface{}
	Raw     string
}

// MarshalJSON renders the envelope. Only one of result and raw is present,
// selected by Meta.Valid; an invalid report has an empty summary.
func (r Report) MarshalJSON() ([]byte, error) {
	env := struct {
		Meta    models.Meta `json:"meta"`
		Summary interface{} `json:"summary"`
		Result  interface{} `json:"result,omitempty"`
		Raw     *string     `json:"raw,omitempty"`
	}{Meta: r.Meta, Summary: struct{}{}}
	if r.Meta.Valid {
		if r.Summary != nil {
			env.Summary = r.Summary
		}
		env.Result = r.Result
	} else {
		raw := r.Raw
		env.Raw = &raw
	}
	return json.Marshal(env)
}

// Diagnostics runs the path diagnostics against one endpoint.
type Diagnostics struct {
	Invoker invoke.Invoker
	Prober  *preflight.Prober
	// Ping and MTR name the binaries; they default to "ping" and "mtr".
	Ping   string
	MTR    string
	Clock  clock.Clock
	Logger *slog.Logger
}

func (d *Diagnostics) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *Diagnostics) clock() clock.Clock {
	if d.Clock == nil {
		return clock.Real{}
	}
	return d.Clock
}

func (d *Diagnostics) pingBin() string {
	if d.Ping == "" {
		return "ping"
	}
	return d.Ping
}

func (d *Diagnostics) mtrBin() string {
	if d.MTR == "" {
		return "mtr"
	}
	return d.MTR
}

// stamp fills the per-artifact identity of meta.
func (d *Diagnostics) stamp(meta models.Meta, tool string, args []string) models.Meta {
	meta.Tool = tool
	meta.Protocol = ""
	meta.Direction = ""
	meta.RunIndex = 0
	meta.MeasurementID = uuid.NewString()
	meta.Timestamp = d.clock().Now().UTC()
	meta.Command = invoke.Format(args)
	return meta
}
