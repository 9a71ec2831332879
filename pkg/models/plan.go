package models

import "time"

// PlanStep is one scheduled invocation. Delay is the pause to observe after
// the step completes and before the next one starts.
type PlanStep struct {
	Direction Direction
	RunIndex  int
	Delay     time.Duration
}

// RunPlan is the ordered queue of invocations for one TestSpec.
type RunPlan struct {
	Steps []PlanStep
}

// Len returns the number of scheduled steps.
func (p RunPlan) Len() int {
	return len(p.Steps)
}

// BuildRunPlan expands the repeat count and direction of spec into
// Repeat x |directions| steps ordered by run index, then direction. Every step
// but the last carries the cooldown as its delay.
func BuildRunPlan(spec TestSpec) RunPlan {
	repeat := spec.Repeat
	if repeat < 1 {
		repeat = 1
	}
	return buildPlan(spec.Direction.Expand(), repeat, spec.Cooldown)
}

// BuildRampPlan returns one step per direction. Repeat indices beyond the
// first do not produce additional ramps.
func BuildRampPlan(spec TestSpec) RunPlan {
	return buildPlan(spec.Direction.Expand(), 1, spec.Cooldown)
}

func buildPlan(dirs []Direction, repeat int, cooldown time.Duration) RunPlan {
	var steps []PlanStep
	for run := 1; run <= repeat; run++ {
		for _, d := range dirs {
			steps = append(steps, PlanStep{Direction: d, RunIndex: run, Delay: cooldown})
		}
	}
	if len(steps) > 0 {
		steps[len(steps)-1].Delay = 0
	}
	return RunPlan{Steps: steps}
}
