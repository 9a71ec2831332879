// Package ramp searches for the highest UDP rate an endpoint sustains.
//
// The controller offers increasing rates starting at the floor. A rung is
// accepted while loss and jitter stay within their thresholds and the
// achieved rate has not dropped more than the drop threshold below the
// previously accepted rung. The ceiling is the last accepted rung.
package ramp

import (
	"context"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"perf-tester/pkg/clock"
	"perf-tester/pkg/endpoint"
	"perf-tester/pkg/iperf"
	"perf-tester/pkg/models"
	"perf-tester/pkg/runner"
)

// Sink receives each finished ramp.
type Sink func(models.RampResult) error

// Controller runs ramps through a Runner.
type Controller struct {
	Runner *runner.Runner
	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Evaluate applies the thresholds to a measured rung. prev is the achieved
// rate of the previously accepted rung, nil for the floor. Missing metrics
// never breach. When several thresholds are breached the reason reported is
// the last one checked, in the order loss, jitter, drop.
func Evaluate(p models.RampParams, step models.RampStep, prev *float64) (bool, string) {
	ok, reason := true, ""
	if step.LossPercent != nil && *step.LossPercent > p.LossThreshold {
		ok, reason = false, models.StopLoss
	}
	if step.JitterMs != nil && *step.JitterMs > p.JitterThreshold {
		ok, reason = false, models.StopJitter
	}
	if prev != nil && step.AchievedBps != nil && *step.AchievedBps < *prev*(1-p.DropThreshold/100.0) {
		ok, reason = false, models.StopDrop
	}
	return ok, reason
}

// trial runs one rung at rate bps.
func (c *Controller) trial(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint, dir models.Direction, bps float64) models.RampStep {
	client := iperf.ClientArgs{
		Host:      spec.ServerHost,
		Port:      spec.Port,
		Duration:  spec.Ramp.StepDuration,
		Parallel:  spec.Parallel,
		Protocol:  models.ProtocolUDP,
		Bandwidth: bps,
		Direction: dir,
	}
	if client.Duration <= 0 {
		client.Duration = spec.Duration
	}
	timeout := spec.Ramp.StepTimeout
	if timeout <= 0 {
		timeout = client.Duration + spec.Grace
	}

	a := c.Runner.Attempt(ctx, spec, ep, client, timeout)
	step := models.RampStep{
		OfferedBps: bps,
		Offered:    models.FormatBps(bps),
		Error:      string(a.Kind),
	}
	res := runner.Result(a, models.ProtocolUDP, models.Meta{})
	step.Command = res.Meta.Command
	step.Stderr = res.Meta.Stderr
	if a.Report != nil {
		s := iperf.UDPStats(a.Report.Output)
		step.AchievedBps = s.BitsPerSecond
		step.JitterMs = s.JitterMS
		step.LossPercent = s.LostPercent
		step.Packets = s.Packets
	}
	return step
}

func (c *Controller) narrate(logger *slog.Logger, kind string, step models.RampStep) {
	logger.Info("Ramp step",
		"kind", kind,
		"offered", step.Offered,
		"achieved_bps", ptr(step.AchievedBps),
		"jitter_ms", ptr(step.JitterMs),
		"loss_percent", ptr(step.LossPercent),
		"ok", step.Accepted,
		"verdict", step.Verdict)
}

func ptr(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// Run performs the search for one direction. It always returns a result;
// trial failures end the search and are recorded as the stop reason.
func (c *Controller) Run(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint, dir models.Direction, meta models.Meta) models.RampResult {
	p := spec.Ramp
	logger := c.logger().With("test", spec.Name, "direction", dir)
	res := models.RampResult{StopReason: models.StopMaxReached}

	var (
		lastOK *models.RampStep
		prev   *float64
	)
	logger.Info("Starting adaptive UDP ramp",
		"start", models.FormatBps(p.Start), "step", models.FormatBps(p.Step), "max", models.FormatBps(p.Max))

	for current := p.Start; current <= p.Max+1; current += p.Step {
		if err := ctx.Err(); err != nil {
			res.StopReason = "interrupted"
			break
		}
		step := c.trial(ctx, spec, ep, dir, current)
		if step.Error != "" {
			step.Verdict = step.Error
			res.Attempts = append(res.Attempts, step)
			c.narrate(logger, "trial", step)
			res.StopReason = step.Error
			break
		}

		ok, reason := Evaluate(p, step, prev)
		step.Accepted = ok
		step.Verdict = "accepted"
		if !ok {
			step.Verdict = reason
		}
		res.Attempts = append(res.Attempts, step)
		c.narrate(logger, "trial", step)

		if ok {
			res.Ladder = append(res.Ladder, step)
			accepted := step
			lastOK = &accepted
			if step.AchievedBps != nil {
				prev = step.AchievedBps
			}
			if p.Step <= 0 {
				break
			}
			continue
		}

		res.StopReason = reason
		if lastOK != nil && p.ConfirmCeiling {
			lastOK, res.StopReason = c.fallback(ctx, spec, ep, dir, &res, lastOK, logger)
		}
		break
	}

	res.Ceiling = lastOK
	meta.Tool = "iperf3"
	meta.Protocol = models.ProtocolUDP
	meta.Direction = dir
	meta.Valid = true
	if meta.MeasurementID == "" {
		meta.MeasurementID = uuid.NewString()
	}
	if c.Clock != nil {
		meta.Timestamp = c.Clock.Now().UTC()
	}
	extra := maps.Clone(meta.Extra)
	if extra == nil {
		extra = map[string]interface{}{}
	}
	extra["adaptive"] = true
	extra["loss_threshold"] = p.LossThreshold
	extra["jitter_threshold"] = p.JitterThreshold
	extra["drop_threshold"] = p.DropThreshold
	extra["start_bps"] = p.Start
	extra["step_bps"] = p.Step
	extra["max_bps"] = p.Max
	meta.Extra = extra
	res.Meta = meta

	ceiling := interface{}(nil)
	if lastOK != nil {
		ceiling = lastOK.Offered
	}
	logger.Info("Adaptive UDP ramp finished", "ceiling", ceiling, "rungs", len(res.Ladder), "stop_reason", res.StopReason)
	return res
}

// reference returns the achieved rate of the highest accepted rung offered
// at or below bps. Re-tests are compared against it for the drop check.
func reference(ladder []models.RampStep, bps float64) *float64 {
	var ref *float64
	for _, s := range ladder {
		if s.OfferedBps <= bps && s.AchievedBps != nil {
			ref = s.AchievedBps
		}
	}
	return ref
}

// fallback re-tests the ceiling once and, if that fails, steps down once.
func (c *Controller) fallback(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint, dir models.Direction,
	res *models.RampResult, lastOK *models.RampStep, logger *slog.Logger) (*models.RampStep, string) {
	p := spec.Ramp
	reason := res.StopReason

	confirm := c.trial(ctx, spec, ep, dir, lastOK.OfferedBps)
	confirm.Confirm = true
	if confirm.Error == "" {
		ok, why := Evaluate(p, confirm, reference(res.Ladder, confirm.OfferedBps))
		confirm.Accepted = ok
		confirm.Verdict = "accepted"
		if !ok {
			confirm.Verdict = why
		}
		res.Attempts = append(res.Attempts, confirm)
		c.narrate(logger, "confirm", confirm)
		if ok {
			return &confirm, reason + "_fallback_confirmed"
		}
	} else {
		confirm.Verdict = confirm.Error
		res.Attempts = append(res.Attempts, confirm)
		c.narrate(logger, "confirm", confirm)
	}

	down := lastOK.OfferedBps - p.Step
	if down < p.Start {
		down = p.Start
	}
	if down >= lastOK.OfferedBps {
		return lastOK, reason
	}
	retry := c.trial(ctx, spec, ep, dir, down)
	retry.Fallback = true
	if retry.Error != "" {
		retry.Verdict = retry.Error
		res.Attempts = append(res.Attempts, retry)
		c.narrate(logger, "stepdown", retry)
		return lastOK, reason
	}
	ok, why := Evaluate(p, retry, reference(res.Ladder, retry.OfferedBps))
	retry.Accepted = ok
	retry.Verdict = "accepted"
	if !ok {
		retry.Verdict = why
	}
	res.Attempts = append(res.Attempts, retry)
	c.narrate(logger, "stepdown", retry)
	if ok {
		return &retry, reason + "_fallback_stepdown"
	}
	return lastOK, reason
}

// RunAll performs one ramp per direction of spec, observing the cooldown
// between directions. Repeat counts beyond the first are ignored.
func (c *Controller) RunAll(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint, base models.Meta, sink Sink) []models.RampResult {
	logger := c.logger().With("test", spec.Name)
	plan := models.BuildRampPlan(spec)
	if spec.Repeat > 1 {
		logger.Info("Adaptive ramp runs once per direction, ignoring extra repeats", "runs_per_test", spec.Repeat)
	}
	var results []models.RampResult
	for _, step := range plan.Steps {
		meta := base
		meta.RunIndex = step.RunIndex
		r := c.Run(ctx, spec, ep, step.Direction, meta)
		results = append(results, r)
		if sink != nil {
			if err := sink(r); err != nil {
				logger.Error("Failed to persist ramp", "direction", step.Direction, "error", err)
			}
		}
		if step.Delay > 0 && c.Clock != nil {
			if err := c.Clock.Sleep(ctx, step.Delay); err != nil {
				logger.Warn("Cooldown interrupted", "error", err)
			}
		}
	}
	return results
}
