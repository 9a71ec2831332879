package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"perf-tester/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func specs(n int) []models.TestSpec {
	out := make([]models.TestSpec, n)
	for i := range out {
		out[i] = models.TestSpec{Name: fmt.Sprintf("t%d", i+1)}
	}
	return out
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gauge tracks the number of concurrently running pipelines.
type gauge struct {
	active atomic.Int32
	max    atomic.Int32

	mu   sync.Mutex
	runs []string
}

func (g *gauge) pipeline(ctx context.Context, spec models.TestSpec) error {
	n := g.active.Add(1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	g.active.Add(-1)

	g.mu.Lock()
	g.runs = append(g.runs, spec.Name)
	g.mu.Unlock()
	return nil
}

func TestRunBoundedConcurrency(t *testing.T) {
	tests := []struct {
		workers int
		wantMax int32
	}{
		{workers: 2, wantMax: 2},
		{workers: 0, wantMax: 1},
		{workers: -3, wantMax: 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("W=%d", tt.workers), func(t *testing.T) {
			g := &gauge{}
			s := &Scheduler{Workers: tt.workers, Logger: quiet()}
			sum := s.Run(context.Background(), slices.Values(specs(5)), g.pipeline)

			if got := g.max.Load(); got > tt.wantMax {
				t.Errorf("max concurrent = %d, want <= %d", got, tt.wantMax)
			}
			sort.Strings(g.runs)
			if want := []string{"t1", "t2", "t3", "t4", "t5"}; !slices.Equal(g.runs, want) {
				t.Errorf("runs = %v, want each of %v exactly once", g.runs, want)
			}
			if sum.Count(StatusOK) != 5 || len(sum.Order) != 5 {
				t.Errorf("summary = %+v", sum)
			}
		})
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	var mu sync.Mutex
	var done []string
	fn := func(ctx context.Context, spec models.TestSpec) error {
		switch spec.Name {
		case "t2":
			return errors.New("boom")
		case "t3":
			panic("unexpected")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		done = append(done, spec.Name)
		mu.Unlock()
		return nil
	}

	s := &Scheduler{Workers: 2, Logger: quiet()}
	sum := s.Run(context.Background(), slices.Values(specs(5)), fn)

	want := map[string]Status{"t1": StatusOK, "t2": StatusFailed, "t3": StatusPanicked, "t4": StatusOK, "t5": StatusOK}
	for name, st := range want {
		if sum.Statuses[name] != st {
			t.Errorf("status[%s] = %q, want %q", name, sum.Statuses[name], st)
		}
	}
	sort.Strings(done)
	if !slices.Equal(done, []string{"t1", "t4", "t5"}) {
		t.Errorf("completed = %v", done)
	}
}

func TestRunConsumesLazily(t *testing.T) {
	var pulled atomic.Int32
	seq := func(yield func(models.TestSpec) bool) {
		for _, s := range specs(4) {
			pulled.Add(1)
			if !yield(s) {
				return
			}
		}
	}
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	fn := func(ctx context.Context, spec models.TestSpec) error {
		started <- struct{}{}
		<-release
		return nil
	}

	s := &Scheduler{Workers: 1, Logger: quiet()}
	finished := make(chan Summary)
	go func() { finished <- s.Run(context.Background(), seq, fn) }()

	<-started
	// With one worker busy, at most the next spec has been pulled and is
	// blocked waiting for the slot.
	if got := pulled.Load(); got > 2 {
		t.Errorf("pulled %d specs while one worker was busy", got)
	}
	close(release)
	sum := <-finished
	if len(sum.Order) != 4 {
		t.Errorf("ran %d pipelines, want 4", len(sum.Order))
	}
}
