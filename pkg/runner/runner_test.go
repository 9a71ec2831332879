package runner

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"perf-tester/pkg/clock"
	"perf-tester/pkg/endpoint"
	"perf-tester/pkg/invoke"
	"perf-tester/pkg/models"
	"perf-tester/pkg/provision"
)

const tcpJSON = `{"end": {"sum_sent": {"bits_per_second": 9.4e8, "retransmits": 3}, "sum_received": {"bits_per_second": 9.3e8}}}`

type scripted struct {
	mu       sync.Mutex
	calls    [][]string
	timeouts []time.Duration
	next     func(n int, args []string) (invoke.Outcome, error)
}

func (s *scripted) Invoke(ctx context.Context, args []string, timeout time.Duration) (invoke.Outcome, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, args)
	s.timeouts = append(s.timeouts, timeout)
	s.mu.Unlock()
	return s.next(n, args)
}

type countingPreparer struct{ n int }

func (c *countingPreparer) Prepare(ctx context.Context, spec models.TestSpec, ep endpoint.Endpoint) provision.Result {
	c.n++
	return provision.Result{Path: provision.PathNone}
}

func succeed(n int, args []string) (invoke.Outcome, error) {
	return invoke.Outcome{Stdout: tcpJSON}, nil
}

func newRunner(inv invoke.Invoker) (*Runner, *countingPreparer, *clock.Fake) {
	prep := &countingPreparer{}
	c := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return &Runner{Invoker: inv, Preparer: prep, Clock: c}, prep, c
}

func TestExecuteBidirectionalRepeat(t *testing.T) {
	inv := &scripted{next: succeed}
	r, prep, c := newRunner(inv)
	spec := models.TestSpec{
		Name: "lab", ServerHost: "10.0.0.1", Port: 5201, Protocol: models.ProtocolTCP,
		Direction: models.Bidirectional, Duration: 10 * time.Second, Parallel: 4,
		Repeat: 2, Cooldown: 3 * time.Second, Grace: 30 * time.Second,
	}

	var persisted []models.RunResult
	results := r.Execute(context.Background(), spec, endpoint.Endpoint{}, models.Meta{Name: "lab"}, models.BuildRunPlan(spec),
		func(res models.RunResult) error {
			persisted = append(persisted, res)
			return nil
		})

	if len(results) != 4 || len(persisted) != 4 {
		t.Fatalf("got %d results, %d persisted; want 4", len(results), len(persisted))
	}
	type key struct {
		dir models.Direction
		run int
	}
	var order []key
	for _, res := range results {
		order = append(order, key{res.Meta.Direction, res.Meta.RunIndex})
		if !res.Valid || res.Meta.State != models.StateSucceeded {
			t.Errorf("run %+v not successful: %+v", res.Meta, res)
		}
	}
	want := []key{{models.Uplink, 1}, {models.Downlink, 1}, {models.Uplink, 2}, {models.Downlink, 2}}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("run order = %v, want %v", order, want)
	}
	if got := c.Sleeps(); !reflect.DeepEqual(got, []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second}) {
		t.Errorf("cooldowns = %v", got)
	}
	if prep.n != 4 {
		t.Errorf("server prepared %d times, want once per session", prep.n)
	}
	if inv.calls[1][len(inv.calls[1])-1] != "-R" || inv.calls[0][len(inv.calls[0])-1] == "-R" {
		t.Errorf("direction flags wrong: %v / %v", inv.calls[0], inv.calls[1])
	}
	if results[0].Meta.MeasurementID == results[1].Meta.MeasurementID {
		t.Error("measurement ids are not unique")
	}
}

func TestExecuteTimeout(t *testing.T) {
	inv := &scripted{next: func(n int, args []string) (invoke.Outcome, error) {
		return invoke.Outcome{TimedOut: true, ExitCode: -1, Stdout: `{"start":`}, nil
	}}
	r, _, _ := newRunner(inv)
	spec := models.TestSpec{
		Name: "slow", ServerHost: "h", Port: 5201, Protocol: models.ProtocolTCP, Direction: models.Uplink,
		Duration: 10 * time.Second, Grace: 20 * time.Second, Repeat: 1,
	}
	results := r.Execute(context.Background(), spec, endpoint.Endpoint{}, models.Meta{}, models.BuildRunPlan(spec), nil)

	if inv.timeouts[0] != 30*time.Second {
		t.Errorf("run timeout = %v, want 30s", inv.timeouts[0])
	}
	res := results[0]
	if res.Meta.State != models.StateTimedOut || res.Error != models.ErrTimeout || res.Valid {
		t.Errorf("result = state %s error %s valid %v", res.Meta.State, res.Error, res.Valid)
	}
	if res.Raw == nil || *res.Raw != `{"start":` {
		t.Errorf("raw = %v", res.Raw)
	}
}

func TestExecuteFailuresContinue(t *testing.T) {
	inv := &scripted{next: func(n int, args []string) (invoke.Outcome, error) {
		switch n {
		case 0:
			return invoke.Outcome{ExitCode: 1, Stderr: "iperf3: error - unable to connect"}, nil
		case 1:
			return invoke.Outcome{ExitCode: -1}, errors.New("exec: permission denied")
		case 2:
			return invoke.Outcome{Stdout: "\x1bnot json at all"}, nil
		}
		return invoke.Outcome{Stdout: `{"error": "the server is busy"}`}, nil
	}}
	r, _, _ := newRunner(inv)
	spec := models.TestSpec{
		Name: "flaky", ServerHost: "h", Port: 5201, Protocol: models.ProtocolTCP, Direction: models.Bidirectional,
		Duration: time.Second, Repeat: 2,
	}
	results := r.Execute(context.Background(), spec, endpoint.Endpoint{}, models.Meta{}, models.BuildRunPlan(spec), nil)
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	wantKinds := []models.ErrorKind{"exit_1", models.ErrSpawn, models.ErrJSONParse, models.ErrTool}
	wantStates := []models.RunState{models.StateFailed, models.StateFailed, models.StateSucceeded, models.StateSucceeded}
	for i, res := range results {
		if res.Error != wantKinds[i] || res.Meta.State != wantStates[i] || res.Valid {
			t.Errorf("result %d: error %s state %s valid %v", i, res.Error, res.Meta.State, res.Valid)
		}
		if res.Raw == nil {
			t.Errorf("result %d has no raw output", i)
		}
	}
	if results[3].Meta.Extra["tool_error"] != "the server is busy" {
		t.Errorf("tool error not recorded: %v", results[3].Meta.Extra)
	}
}

func TestSinkErrorDoesNotStopPlan(t *testing.T) {
	inv := &scripted{next: succeed}
	r, _, _ := newRunner(inv)
	spec := models.TestSpec{Name: "s", ServerHost: "h", Port: 1, Protocol: models.ProtocolTCP, Direction: models.Bidirectional, Duration: time.Second, Repeat: 1}
	results := r.Execute(context.Background(), spec, endpoint.Endpoint{}, models.Meta{}, models.BuildRunPlan(spec),
		func(models.RunResult) error { return errors.New("disk full") })
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}
