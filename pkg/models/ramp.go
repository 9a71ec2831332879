package models

import "encoding/json"

// Ramp stop reasons.
const (
	StopMaxReached = "max_reached"
	StopLoss       = "loss_threshold"
	StopJitter     = "jitter_threshold"
	StopDrop       = "throughput_drop"
)

// RampStep is one rung of an adaptive UDP search.
type RampStep struct {
	OfferedBps  float64  `json:"target_bps"`
	Offered     string   `json:"target_str"`
	AchievedBps *float64 `json:"throughput_bps"`
	JitterMs    *float64 `json:"jitter_ms"`
	LossPercent *float64 `json:"loss_percent"`
	Packets     *int64   `json:"packets"`
	Accepted    bool     `json:"ok"`
	Verdict     string   `json:"verdict"`
	Error       string   `json:"error,omitempty"`
	Confirm     bool     `json:"confirm,omitempty"`
	Fallback    bool     `json:"fallback,omitempty"`
	Command     string   `json:"cmd,omitempty"`
	Stderr      string   `json:"stderr,omitempty"`
}

// RampResult is the outcome of one ramp sequence. Ceiling is nil when the
// floor step was already rejected.
type RampResult struct {
	Meta       Meta
	Ladder     []RampStep
	Attempts   []RampStep
	Ceiling    *RampStep
	StopReason string
}

// Summary projects the ceiling into the UDP summary shape.
func (r RampResult) Summary() Summary {
	if r.Ceiling == nil {
		return Summary{}
	}
	return Summary{
		UDPBps:         r.Ceiling.AchievedBps,
		UDPJitterMs:    r.Ceiling.JitterMs,
		UDPLostPercent: r.Ceiling.LossPercent,
		UDPPackets:     r.Ceiling.Packets,
	}
}

// MarshalJSON renders the adaptive artifact. The ladder is always an array.
func (r RampResult) MarshalJSON() ([]byte, error) {
	ladder := r.Ladder
	if ladder == nil {
		ladder = []RampStep{}
	}
	attempts := r.Attempts
	if attempts == nil {
		attempts = []RampStep{}
	}
	return json.Marshal(struct {
		Meta       Meta       `json:"meta"`
		Summary    Summary    `json:"summary"`
		Ladder     []RampStep `json:"ladder"`
		Steps      []RampStep `json:"steps"`
		Selected   *RampStep  `json:"selected"`
		StopReason string     `json:"stop_reason"`
	}{
		Meta:       r.Meta,
		Summary:    r.Summary(),
		Ladder:     ladder,
		Steps:      attempts,
		Selected:   r.Ceiling,
		StopReason: r.StopReason,
	})
}
