// Package parallel fans independent units out over a shared, bounded
// worker pool and collects every outcome.
package parallel

import (
	"context"
	"fmt"
	"sync"

	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/unit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Task is one member of a group.
type Task struct {
	ID  unit.ID
	Run func(ctx context.Context) unit.Outcome
}

// Group is a named set of independent tasks.
type Group struct {
	Name  string
	Tasks []Task
}

// Coordinator runs groups concurrently. All groups share one pool, so the
// ceiling holds across every group in flight.
type Coordinator struct {
	pool   *semaphore.Weighted
	logger *logging.Logger
}

// New creates a Coordinator with at most maxConcurrency running tasks.
func New(maxConcurrency int, logger *logging.Logger) *Coordinator {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		pool:   semaphore.NewWeighted(int64(maxConcurrency)),
		logger: logger,
	}
}

// Run executes every task in g and waits for all of them. A failing task
// never cancels its siblings.
func (c *Coordinator) Run(ctx context.Context, g Group) map[unit.ID]unit.Outcome {
	results := make(map[unit.ID]unit.Outcome, len(g.Tasks))
	var mu sync.Mutex

	var eg errgroup.Group
	for _, t := range g.Tasks {
		eg.Go(func() error {
			out := c.runTask(ctx, g.Name, t)
			mu.Lock()
			results[t.ID] = out
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

// RunGroups executes every group concurrently and returns results keyed by
// group name.
func (c *Coordinator) RunGroups(ctx context.Context, groups ...Group) map[string]map[unit.ID]unit.Outcome {
	results := make(map[string]map[unit.ID]unit.Outcome, len(groups))
	var mu sync.Mutex

	var eg errgroup.Group
	for _, g := range groups {
		eg.Go(func() error {
			out := c.Run(ctx, g)
			mu.Lock()
			results[g.Name] = out
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

func (c *Coordinator) runTask(ctx context.Context, group string, t Task) (out unit.Outcome) {
	if err := c.pool.Acquire(ctx, 1); err != nil {
		return unit.Fail(t.ID, unit.KindCancelled, fmt.Sprintf("no worker slot: %v", err), 0)
	}
	defer c.pool.Release(1)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(ctx, "parallel task panicked",
				zap.String("group", group),
				zap.String("unit.id", string(t.ID)),
				zap.Any("panic", r),
			)
			out = unit.Fail(t.ID, unit.KindInternal, fmt.Sprintf("panic: %v", r), 0)
		}
	}()

	out = t.Run(ctx)
	out.Unit = t.ID
	return out
}

// Merge flattens group results into a single map.
func Merge(groups map[string]map[unit.ID]unit.Outcome) map[unit.ID]unit.Outcome {
	merged := map[unit.ID]unit.Outcome{}
	for _, g := range groups {
		for id, out := range g {
			merged[id] = out
		}
	}
	return merged
}
