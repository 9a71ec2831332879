// Package scheduler runs test pipelines on a bounded worker pool.
package scheduler

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"perf-tester/pkg/metrics"
	"perf-tester/pkg/models"
)

// Pipeline measures one TestSpec. A returned error marks the pipeline as
// failed; it never affects other pipelines.
type Pipeline func(ctx context.Context, spec models.TestSpec) error

// Status is how a pipeline ended.
type Status string

const (
	StatusOK       Status = "ok"
	StatusFailed   Status = "failed"
	StatusPanicked Status = "panicked"
)

// Summary counts pipeline outcomes of one campaign.
type Summary struct {
	Statuses map[string]Status
	Order    []string
}

// Count returns the number of pipelines that ended with status.
func (s Summary) Count(status Status) int {
	n := 0
	for _, st := range s.Statuses {
		if st == status {
			n++
		}
	}
	return n
}

// Scheduler runs at most Workers pipelines concurrently. Values below one
// are treated as one.
type Scheduler struct {
	Workers int
	Logger  *slog.Logger
}

// Run starts fn for every spec in order as soon as a worker is free and
// returns once all of them have finished. specs is consumed lazily, one
// item per free slot.
func (s *Scheduler) Run(ctx context.Context, specs iter.Seq[models.TestSpec], fn Pipeline) Summary {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}

	var (
		mu  sync.Mutex
		sum = Summary{Statuses: make(map[string]Status)}
	)
	record := func(name string, st Status) {
		mu.Lock()
		defer mu.Unlock()
		sum.Statuses[name] = st
		sum.Order = append(sum.Order, name)
	}

	// A plain Group: a failing pipeline must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(workers)
	logger.Info("Starting test pipelines", "workers", workers)

	for spec := range specs {
		g.Go(func() error {
			metrics.PipelinesActive.Inc()
			defer metrics.PipelinesActive.Dec()

			st := run(ctx, spec, fn, logger)
			metrics.PipelinesCompleted.WithLabelValues(string(st)).Inc()
			record(spec.Name, st)
			return nil
		})
	}
	g.Wait()

	logger.Info("All test pipelines finished",
		"total", len(sum.Order),
		"ok", sum.Count(StatusOK),
		"failed", sum.Count(StatusFailed),
		"panicked", sum.Count(StatusPanicked))
	return sum
}

func run(ctx context.Context, spec models.TestSpec, fn Pipeline, logger *slog.Logger) (st Status) {
	logger = logger.With("test", spec.Name)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Test pipeline panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			st = StatusPanicked
		}
	}()
	logger.Info("Test pipeline started", "server", spec.ServerHost, "port", spec.Port)
	if err := fn(ctx, spec); err != nil {
		logger.Error("Test pipeline failed", "error", err)
		return StatusFailed
	}
	logger.Info("Test pipeline finished")
	return StatusOK
}
