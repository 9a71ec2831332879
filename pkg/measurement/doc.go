/*
Package measurement runs the measurement pipeline of a single TestSpec.

Key Components:

  - MeasurementService: wires the pipeline stages and runs them for one spec
  - Outcome: the results one pipeline produced
  - Annotator, Locker, PortChecker: optional stages, replaceable in tests

Pipeline Stages:

1. Output slot:
  - Claims <run dir>/<test>/ exclusively; failure aborts only this pipeline

2. Endpoint:
  - Resolves the server host, IPv4 first
  - Annotates the server address with ASN and location when ipinfo is enabled

3. Preflight:
  - Sends one echo burst; the statistics annotate every later artifact
  - Dials the server port when the campaign does not start the server itself

4. Throughput:
  - Takes the advisory endpoint lease when Redis is configured
  - Runs the adaptive UDP ramp or the fixed-rate run plan
  - Persists each result as soon as it ends

5. Path diagnostics:
  - Latency bursts, mtr trace and path MTU search, each when enabled

Error Handling:

No stage failure stops the pipeline. Degraded measurements are persisted with
valid=false and an error kind; sink failures are logged.

Usage Example:

	svc := measurement.NewMeasurementService(rc, cfg.Settings(), store, invoke.ExecInvoker{Logger: logger})
	defer svc.Close()
	out := svc.Measure(ctx, spec)
*/
package measurement
