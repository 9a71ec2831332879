// Package preflight measures round-trip time to an endpoint before the
// throughput stages run. The result annotates every later artifact and never
// gates the pipeline.
package preflight

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"perf-tester/pkg/invoke"
	"perf-tester/pkg/models"
)

// Prober runs echo-probe bursts.
type Prober struct {
	Invoker invoke.Invoker
	// Ping is the ping binary; it defaults to "ping".
	Ping   string
	Logger *slog.Logger
}

// Args returns the ping command line for count probes spaced by interval.
func Args(bin string, count int, interval time.Duration, host string) []string {
	if bin == "" {
		bin = "ping"
	}
	if count < 1 {
		count = 1
	}
	args := []string{bin, "-c", strconv.Itoa(count)}
	if interval > 0 {
		args = append(args, "-i", strconv.FormatFloat(interval.Seconds(), 'f', -1, 64))
	}
	return append(args, host)
}

// Timeout bounds one burst of count probes.
func Timeout(count int, interval time.Duration) time.Duration {
	return time.Duration(count)*interval + 10*time.Second
}

// Probe sends one burst and parses the summary. The stats are returned even
// when ping exits non-zero, which it does on partial loss.
func (p *Prober) Probe(ctx context.Context, host string, params models.PingParams) (models.PreflightStats, invoke.Outcome, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := Args(p.Ping, params.Count, params.Interval, host)
	out, err := p.Invoker.Invoke(ctx, args, Timeout(params.Count, params.Interval))
	if err != nil {
		logger.Warn("Preflight ping could not start", "host", host, "error", err)
		return models.PreflightStats{}, out, err
	}
	stats := Parse(out.Stdout)
	logger.Info("Preflight ping",
		"host", host,
		"dialect", stats.Dialect,
		"rtt_avg_ms", deref(stats.AvgMs),
		"loss", deref(stats.LossPercent),
		"exit", out.ExitCode)
	return stats, out, nil
}

func deref(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
