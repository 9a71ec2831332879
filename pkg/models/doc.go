/*
Package models defines the data structures shared by every stage of a
measurement campaign.

TestSpec is the fully resolved parameter set for one endpoint. It is built by
the config package and is read-only afterwards. RunPlan expands a TestSpec into
the ordered (direction, run index) steps a pipeline executes, each annotated
with the delay to observe before the next step:

	spec := models.TestSpec{Direction: models.Bidirectional, Repeat: 2, Cooldown: 3 * time.Second}
	plan := models.BuildRunPlan(spec)
	// uplink/1, downlink/1, uplink/2, downlink/2

RunResult and RampResult are the persisted artifacts. Both marshal to the
{meta, summary, ...} envelope written by the capture package. A RunResult holds
either the parsed tool payload or the verbatim tool output, never both.

Measurement is the bun model used when artifacts are mirrored into Postgres.

RunContext carries the run id, output directory and logger through the
pipeline explicitly.
*/
package models
