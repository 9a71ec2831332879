package measurement

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"perf-tester/pkg/capture"
	"perf-tester/pkg/clock"
	"perf-tester/pkg/config"
	"perf-tester/pkg/connectivity"
	"perf-tester/pkg/endpoint"
	"perf-tester/pkg/invoke"
	"perf-tester/pkg/ipinfo"
	"perf-tester/pkg/lease"
	"perf-tester/pkg/metrics"
	"perf-tester/pkg/models"
	"perf-tester/pkg/pathinfo"
	"perf-tester/pkg/preflight"
	"perf-tester/pkg/provision"
	"perf-tester/pkg/ramp"
	"perf-tester/pkg/runner"
)

// Annotator looks up ownership and location of an address.
type Annotator interface {
	GetIPInfo(ctx context.Context, ip string) (ipinfo.IPInfoResponse, error)
}

// Locker hands out advisory endpoint leases.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// PortChecker dials host:port and reports whether it accepted a connection.
type PortChecker func(ctx context.Context, transportConfig, host string, port int, timeout time.Duration) (connectivity.Report, error)

// Reachability configures the port check done before tests whose server is
// not provisioned by the campaign.
type Reachability struct {
	Check     PortChecker
	Transport string
	Timeout   time.Duration
}

// Outcome is everything one pipeline produced.
type Outcome struct {
	Name        string
	Runs        []models.RunResult
	Ramps       []models.RampResult
	Diagnostics []pathinfo.Report
	// Err is set when the pipeline could not run at all.
	Err error
}

// MeasurementService executes the pipeline of one TestSpec: resolve the
// endpoint, annotate it, probe it, measure throughput and run the path
// diagnostics, persisting each artifact as soon as it exists.
type MeasurementService struct {
	rc    models.RunContext
	store *capture.Store

	Resolver     endpoint.Resolver
	Prober       *preflight.Prober
	Runner       *runner.Runner
	Ramp         *ramp.Controller
	Diagnostics  *pathinfo.Diagnostics
	IPInfo       Annotator
	Lease        Locker
	LeaseTTL     time.Duration
	LeaseWait    time.Duration
	Reachability Reachability
}

// NewMeasurementService wires the pipeline stages for real tools. ipinfo
// annotation is enabled when a token is configured and the endpoint lease
// when a Redis address is.
func NewMeasurementService(rc models.RunContext, s config.Settings, store *capture.Store, inv invoke.Invoker) *MeasurementService {
	logger := rc.Log()
	clk := clock.Real{}
	preparer := provision.NewPreparer(s.Tools.Iperf3, logger)
	r := &runner.Runner{
		Invoker:  inv,
		Preparer: meteredPreparer{preparer},
		Clock:    clk,
		Logger:   logger,
		Iperf3:   s.Tools.Iperf3,
	}
	prober := &preflight.Prober{Invoker: inv, Ping: s.Tools.Ping, Logger: logger}
	svc := &MeasurementService{
		rc:       rc,
		store:    store,
		Resolver: endpoint.Resolver{},
		Prober:   prober,
		Runner:   r,
		Ramp:     &ramp.Controller{Runner: r, Clock: clk, Logger: logger},
		Diagnostics: &pathinfo.Diagnostics{
			Invoker: inv,
			Prober:  prober,
			Ping:    s.Tools.Ping,
			MTR:     s.Tools.MTR,
			Clock:   clk,
			Logger:  logger,
		},
		Reachability: Reachability{
			Check:     connectivity.CheckPort,
			Transport: s.Reachability.Transport,
			Timeout:   time.Duration(s.Reachability.TimeoutSec) * time.Second,
		},
	}
	if s.IPInfo.Token != "" {
		svc.IPInfo = ipinfo.NewClient(s.IPInfo.BaseURL, s.IPInfo.Token, time.Duration(s.IPInfo.CacheTTLSec)*time.Second)
	}
	if s.Redis.Addr != "" {
		svc.Lease = lease.NewClient(s.Redis.Addr)
		svc.LeaseTTL = time.Duration(s.Redis.LeaseTTLSec) * time.Second
		svc.LeaseWait = time.Duration(s.Redis.LeaseWaitSec) * time.Second
	}
	return svc
}

// Close releases the connections held by optional stages.
func (s *MeasurementService) Close() error {
	if c, ok := s.Lease.(*lease.Client); ok {
		return c.Close()
	}
	return nil
}

// Measure runs the whole pipeline of spec. Stage failures are recorded in
// the artifacts; only a failure to claim the output slot aborts the
// pipeline.
func (s *MeasurementService) Measure(ctx context.Context, spec models.TestSpec) Outcome {
	logger := s.rc.Log().With("test", spec.Name)
	out := Outcome{Name: spec.Name}

	if _, err := s.store.Slot(spec.Name); err != nil {
		logger.Error("Cannot create output directory, skipping test", "error", err)
		out.Err = err
		return out
	}

	ep, err := s.Resolver.Resolve(ctx, spec.ServerHost)
	if err != nil {
		logger.Warn("Could not resolve server, tools will resolve it themselves", "server", spec.ServerHost, "error", err)
		ep = endpoint.Endpoint{Host: spec.ServerHost}
	}
	target := ep.Primary()
	if target == "" {
		target = spec.ServerHost
	}
	base := s.baseMeta(ctx, spec, ep, logger)

	if spec.PreflightPing && s.Prober != nil {
		stats, _, err := s.Prober.Probe(ctx, target, spec.Ping)
		if err == nil {
			base.Preflight = &stats
			if stats.AvgMs != nil {
				metrics.PreflightRTT.WithLabelValues(spec.Name).Set(*stats.AvgMs)
			}
		}
	}

	if !spec.StartServer && s.Reachability.Check != nil {
		base.PortReachable = s.checkPort(ctx, spec, target, logger)
	}

	if spec.RunIperf {
		release := s.acquire(ctx, spec, logger)
		if spec.IsAdaptive() {
			out.Ramps = s.Ramp.RunAll(ctx, spec, ep, base, s.saveRamp(ctx))
		} else {
			out.Runs = s.Runner.Execute(ctx, spec, ep, base, models.BuildRunPlan(spec), s.saveRun(ctx))
		}
		release()
	}

	out.Diagnostics = s.diagnose(ctx, spec, target, base, logger)
	logger.Info("Test complete",
		"runs", len(out.Runs),
		"ramps", len(out.Ramps),
		"diagnostics", len(out.Diagnostics))
	return out
}

func (s *MeasurementService) baseMeta(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint, logger *slog.Logger) models.Meta {
	meta := models.Meta{
		Name:       spec.Name,
		RunID:      s.rc.RunID,
		ServerHost: spec.ServerHost,
		ServerIP:   ep.Primary(),
		Port:       spec.Port,
		Tags:       maps.Clone(spec.Tags),
		Extra:      make(map[string]interface{}),
	}
	if s.IPInfo == nil || meta.ServerIP == "" {
		return meta
	}
	info, err := s.IPInfo.GetIPInfo(ctx, meta.ServerIP)
	if err != nil {
		logger.Warn("ipinfo lookup failed", "ip", meta.ServerIP, "error", err)
		return meta
	}
	maps.Copy(meta.Extra, info.Fields())
	logger.Debug("Server annotated", "ip", meta.ServerIP, "org", info.Org, "country", info.Country)
	return meta
}

func (s *MeasurementService) checkPort(ctx context.Context, spec models.TestSpec, target string, logger *slog.Logger) *bool {
	rep, err := s.Reachability.Check(ctx, s.Reachability.Transport, target, spec.Port, s.Reachability.Timeout)
	if err != nil {
		logger.Warn("Reachability check could not run", "error", err)
		return nil
	}
	ok := rep.IsSuccess()
	if ok {
		logger.Debug("Server port reachable", "port", spec.Port, "duration_ms", rep.DurationMs)
	} else {
		logger.Warn("Server port unreachable, measuring anyway", "port", spec.Port, "error", rep.Error)
	}
	return &ok
}

// acquire takes the endpoint lease if one is configured. The returned
// function releases it and is always safe to call.
func (s *MeasurementService) acquire(ctx context.Context, spec models.TestSpec, logger *slog.Logger) func() {
	if s.Lease == nil {
		return func() {}
	}
	key := lease.Key(spec.ServerHost, spec.Port)
	ok, err := s.Lease.Acquire(ctx, key, s.LeaseTTL, s.LeaseWait)
	switch {
	case err != nil:
		logger.Warn("Endpoint lease unavailable, proceeding", "key", key, "error", err)
		return func() {}
	case !ok:
		logger.Warn("Endpoint lease still held elsewhere, proceeding", "key", key, "waited", s.LeaseWait)
		return func() {}
	}
	logger.Debug("Endpoint lease acquired", "key", key)
	return func() {
		if err := s.Lease.Release(context.WithoutCancel(ctx), key); err != nil {
			logger.Warn("Failed to release endpoint lease", "key", key, "error", err)
		}
	}
}

func (s *MeasurementService) saveRun(ctx context.Context) runner.Sink {
	return func(r models.RunResult) error {
		result := "valid"
		if !r.Valid {
			result = string(r.Error)
		}
		metrics.RunResults.WithLabelValues(string(r.Meta.Protocol), string(r.Meta.Direction), result).Inc()
		if r.Valid {
			if bps := throughput(r.Summary); bps != nil {
				metrics.Throughput.WithLabelValues(string(r.Meta.Protocol), string(r.Meta.Direction)).Observe(*bps / 1e6)
			}
		}
		_, err := s.store.SaveRun(ctx, r)
		return err
	}
}

func (s *MeasurementService) saveRamp(ctx context.Context) ramp.Sink {
	return func(r models.RampResult) error {
		for _, step := range r.Attempts {
			result := "accepted"
			switch {
			case step.Error != "":
				result = step.Error
			case !step.Accepted:
				result = "rejected"
			}
			metrics.RunResults.WithLabelValues(string(models.ProtocolUDP), string(r.Meta.Direction), result).Inc()
		}
		ceiling := 0.0
		if r.Ceiling != nil {
			ceiling = r.Ceiling.OfferedBps
		}
		metrics.RampCeiling.WithLabelValues(r.Meta.Name, string(r.Meta.Direction)).Set(ceiling)
		_, err := s.store.SaveRamp(ctx, r)
		return err
	}
}

func (s *MeasurementService) diagnose(ctx context.Context, spec models.TestSpec, target string, base models.Meta, logger *slog.Logger) []pathinfo.Report {
	if s.Diagnostics == nil {
		return nil
	}
	var reports []pathinfo.Report
	stages := []struct {
		enabled bool
		tool    string
		run     func(context.Context, models.TestSpec, string, models.Meta) pathinfo.Report
	}{
		{spec.RunLatency, pathinfo.ToolPing, s.Diagnostics.Latency},
		{spec.RunMTR, pathinfo.ToolMTR, s.Diagnostics.Trace},
		{spec.RunMTU, pathinfo.ToolMTU, s.Diagnostics.PathMTU},
	}
	for _, st := range stages {
		if !st.enabled {
			continue
		}
		if err := ctx.Err(); err != nil {
			logger.Warn("Diagnostics interrupted", "tool", st.tool, "error", err)
			break
		}
		r := st.run(ctx, spec, target, base)
		reports = append(reports, r)
		if _, err := s.store.SaveTool(ctx, st.tool, r.Meta, r); err != nil {
			logger.Error("Failed to persist diagnostic", "tool", st.tool, "error", err)
		}
	}
	return reports
}

func throughput(s models.Summary) *float64 {
	switch {
	case s.TCPRecvBps != nil:
		return s.TCPRecvBps
	case s.UDPBps != nil:
		return s.UDPBps
	}
	return s.TCPSentBps
}

// meteredPreparer counts provisioning outcomes.
type meteredPreparer struct {
	runner.Preparer
}

func (m meteredPreparer) Prepare(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint) provision.Result {
	res := m.Preparer.Prepare(ctx, spec, ep)
	result := "ok"
	if res.Err != nil {
		result = "error"
	}
	metrics.ProvisionResults.WithLabelValues(string(res.Path), result).Inc()
	return res
}
