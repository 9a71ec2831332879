// Package runner executes fixed-rate iperf3 client sessions.
//
// Each session moves through PENDING, SERVER_READY and RUNNING before it
// ends as SUCCEEDED, TIMED_OUT or FAILED. The server is (re)provisioned
// before every session because iperf3 servers started with -1 accept a
// single client.
package runner

import (
	"context"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"perf-tester/pkg/clock"
	"perf-tester/pkg/endpoint"
	"perf-tester/pkg/invoke"
	"perf-tester/pkg/iperf"
	"perf-tester/pkg/models"
	"perf-tester/pkg/provision"
)

// Preparer readies the server side before a session.
type Preparer interface {
	Prepare(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint) provision.Result
}

// Sink receives each result as soon as its session ends.
type Sink func(models.RunResult) error

// maxStderr caps the tool stderr kept in artifacts.
const maxStderr = 4096

// Runner drives iperf3 client sessions.
type Runner struct {
	Invoker  invoke.Invoker
	Preparer Preparer
	Clock    clock.Clock
	Logger   *slog.Logger
	// Iperf3 is the client binary; it defaults to "iperf3".
	Iperf3 string
}

// Attempt is the outcome of one provisioned client session.
type Attempt struct {
	State     models.RunState
	Args      []string
	Outcome   invoke.Outcome
	Report    *iperf.Report
	Kind      models.ErrorKind
	Provision provision.Result
}

// Valid reports whether the session produced a usable report.
func (a Attempt) Valid() bool {
	return a.Kind == "" && a.Report != nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Attempt provisions the server, runs one client with the given arguments
// and classifies the outcome. It does not retry.
func (r *Runner) Attempt(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint, client iperf.ClientArgs, timeout time.Duration) Attempt {
	a := Attempt{State: models.StatePending}
	if r.Preparer != nil {
		a.Provision = r.Preparer.Prepare(ctx, spec, ep)
	}
	a.State = models.StateServerReady

	if client.Binary == "" {
		client.Binary = r.Iperf3
	}
	a.Args = client.Args()
	a.State = models.StateRunning

	out, err := r.Invoker.Invoke(ctx, a.Args, timeout)
	a.Outcome = out
	a.Kind = invoke.Classify(out, err)
	switch {
	case err != nil:
		a.State = models.StateFailed
		a.Outcome.Stderr = err.Error()
		return a
	case out.TimedOut:
		a.State = models.StateTimedOut
		return a
	case out.ExitCode != 0:
		a.State = models.StateFailed
		return a
	}

	a.State = models.StateSucceeded
	report, perr := iperf.Parse(out.Stdout)
	if perr != nil {
		a.Kind = models.ErrJSONParse
		return a
	}
	a.Report = report
	if report.Output.Error != "" {
		a.Kind = models.ErrTool
	}
	return a
}

// Result converts an attempt into its persisted form. Invalid attempts keep
// the verbatim tool output.
func Result(a Attempt, proto models.Protocol, meta models.Meta) models.RunResult {
	meta.State = a.State
	meta.Command = invoke.Format(a.Args)
	meta.Stderr = truncate(strings.TrimSpace(a.Outcome.Stderr), maxStderr)
	if a.Report != nil && a.Report.Output.Error != "" {
		extra := maps.Clone(meta.Extra)
		if extra == nil {
			extra = map[string]interface{}{}
		}
		meta.Extra = extra
		meta.Extra["tool_error"] = a.Report.Output.Error
	}

	res := models.RunResult{Meta: meta, Error: a.Kind}
	if a.Valid() {
		res.Valid = true
		res.Result = a.Report.Raw
		res.Summary = a.Report.Summary(proto)
		return res
	}
	raw := a.Outcome.Stdout
	res.Raw = &raw
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Execute runs every step of plan in order, hands each result to sink and
// observes the step's delay before the next one. A failed session never
// stops the plan.
func (r *Runner) Execute(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint, base models.Meta, plan models.RunPlan, sink Sink) []models.RunResult {
	logger := r.logger().With("test", spec.Name)
	results := make([]models.RunResult, 0, plan.Len())

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			logger.Warn("Run plan interrupted", "remaining", plan.Len()-i, "error", err)
			break
		}

		client := iperf.ClientArgs{
			Host:      spec.ServerHost,
			Port:      spec.Port,
			Duration:  spec.Duration,
			Parallel:  spec.Parallel,
			Protocol:  spec.Protocol,
			Bandwidth: spec.UDPBandwidth,
			Direction: step.Direction,
		}
		logger.Info("Starting run", "direction", step.Direction, "run", step.RunIndex, "of", spec.Repeat)

		a := r.Attempt(ctx, spec, ep, client, spec.RunTimeout())

		meta := base
		meta.Tool = "iperf3"
		meta.Protocol = spec.Protocol
		meta.Direction = step.Direction
		meta.RunIndex = step.RunIndex
		meta.MeasurementID = uuid.NewString()
		meta.Timestamp = r.Clock.Now().UTC()
		res := Result(a, spec.Protocol, meta)
		results = append(results, res)

		logger.Info("Run finished",
			"direction", step.Direction,
			"run", step.RunIndex,
			"state", a.State,
			"valid", res.Valid,
			"error", res.Error,
			"elapsed", a.Outcome.Elapsed)

		if sink != nil {
			if err := sink(res); err != nil {
				logger.Error("Failed to persist run", "direction", step.Direction, "run", step.RunIndex, "error", err)
			}
		}

		if step.Delay > 0 {
			logger.Debug("Cooldown", "delay", step.Delay)
			if err := r.Clock.Sleep(ctx, step.Delay); err != nil {
				logger.Warn("Cooldown interrupted", "error", err)
			}
		}
	}
	return results
}
