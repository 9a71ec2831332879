package pathinfo

import (
	"context"
	"strings"

	"perf-tester/pkg/invoke"
	"perf-tester/pkg/models"
	"perf-tester/pkg/preflight"
)

// Burst is the outcome of one echo burst.
type Burst struct {
	Index    int                   `json:"burst"`
	Stats    models.PreflightStats `json:"stats"`
	ExitCode int                   `json:"exit_code"`
	Error    models.ErrorKind      `json:"error,omitempty"`
}

// LatencySummary aggregates every burst that produced a summary line.
type LatencySummary struct {
	Bursts      int      `json:"bursts"`
	Transmitted int      `json:"transmitted"`
	Received    int      `json:"received"`
	LossPercent *float64 `json:"loss_percent"`
	MinMs       *float64 `json:"rtt_min_ms"`
	AvgMs       *float64 `json:"rtt_avg_ms"`
	MaxMs       *float64 `json:"rtt_max_ms"`
}

// Aggregate combines bursts. The average is weighted by replies received.
// It reports false when no burst could be parsed.
func Aggregate(bursts []Burst) (LatencySummary, bool) {
	var s LatencySummary
	var weighted, weight float64
	for _, b := range bursts {
		st := b.Stats
		if st.Transmitted == nil {
			continue
		}
		s.Bursts++
		s.Transmitted += *st.Transmitted
		rx := 0
		if st.Received != nil {
			rx = *st.Received
		}
		s.Received += rx
		if st.MinMs != nil && (s.MinMs == nil || *st.MinMs < *s.MinMs) {
			v := *st.MinMs
			s.MinMs = &v
		}
		if st.MaxMs != nil && (s.MaxMs == nil || *st.MaxMs > *s.MaxMs) {
			v := *st.MaxMs
			s.MaxMs = &v
		}
		if st.AvgMs != nil && rx > 0 {
			weighted += *st.AvgMs * float64(rx)
			weight += float64(rx)
		}
	}
	if s.Bursts == 0 {
		return LatencySummary{}, false
	}
	if weight > 0 {
		avg := weighted / weight
		s.AvgMs = &avg
	}
	if s.Transmitted > 0 {
		loss := float64(s.Transmitted-s.Received) / float64(s.Transmitted) * 100
		s.LossPercent = &loss
	}
	return s, true
}

// Latency sends spec.Ping.Bursts echo bursts separated by spec.Ping.Pause and
// aggregates them.
func (d *Diagnostics) Latency(ctx context.Context, spec models.TestSpec, target string, meta models.Meta) Report {
	logger := d.logger()
	bursts := spec.Ping.Bursts
	if bursts < 1 {
		bursts = 1
	}
	args := preflight.Args(d.pingBin(), spec.Ping.Count, spec.Ping.Interval, target)
	meta = d.stamp(meta, ToolPing, args)

	var results []Burst
	var raw []string
	for i := 1; i <= bursts; i++ {
		stats, out, err := d.Prober.Probe(ctx, target, spec.Ping)
		b := Burst{Index: i, Stats: stats, ExitCode: out.ExitCode}
		switch {
		case err != nil:
			b.Error = models.ErrSpawn
			raw = append(raw, err.Error())
		case stats.Transmitted == nil:
			b.Error = invoke.Classify(out, nil)
			if b.Error == "" {
				b.Error = models.ErrOutputParse
			}
		}
		if out.Stdout != "" {
			raw = append(raw, out.Stdout)
		}
		results = append(results, b)
		logger.Debug("Latency burst", "target", target, "burst", i, "exit", out.ExitCode, "error", b.Error)

		if i < bursts {
			if err := d.clock().Sleep(ctx, spec.Ping.Pause); err != nil {
				break
			}
		}
	}

	summary, ok := Aggregate(results)
	meta.Valid = ok
	if !ok {
		meta.Error = results[len(results)-1].Error
		logger.Warn("Latency bursts produced no statistics", "target", target, "error", meta.Error)
		return Report{Meta: meta, Raw: strings.Join(raw, "\n")}
	}
	logger.Info("Latency measured",
		"target", target,
		"bursts", summary.Bursts,
		"rtt_avg_ms", deref(summary.AvgMs),
		"loss", deref(summary.LossPercent))
	return Report{Meta: meta, Summary: summary, Result: results}
}

func deref(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
