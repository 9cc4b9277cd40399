package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/taskgrid/taskgrid/pkg/parallel"
	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

// Summary is the outcome of one workload run.
type Summary struct {
	Name     string        `json:"name,omitempty"`
	Duration time.Duration `json:"duration"`

	TasksSubmitted int `json:"tasks_submitted"`
	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`
	TasksCancelled int `json:"tasks_cancelled"`

	LoopsRun    int `json:"loops_run"`
	LoopsFailed int `json:"loops_failed"`
}

// Run submits the workload's task graph and parallel loops concurrently
// and blocks until both sides finish or ctx is cancelled. The scheduler
// and executor are the caller's; Run adds no observers and owns no
// lifecycle.
func Run(ctx context.Context, w *Workload, sched *scheduler.Scheduler, exec *parallel.Executor, seed int64) (*Summary, error) {
	start := time.Now()
	summary := &Summary{Name: w.Name}

	g, ctx := errgroup.WithContext(ctx)

	var ids map[string]scheduler.TaskID
	if len(w.Tasks) > 0 {
		var err error
		ids, err = sched.ScheduleGraph(w.GraphTasks(seed))
		if err != nil {
			return nil, fmt.Errorf("failed to submit workload tasks: %w", err)
		}
		summary.TasksSubmitted = len(ids)

		g.Go(func() error {
			all := make([]scheduler.TaskID, 0, len(ids))
			for _, id := range ids {
				all = append(all, id)
			}
			deadline := time.Duration(0)
			if d, ok := ctx.Deadline(); ok {
				deadline = time.Until(d)
			}
			if !sched.WaitForMany(all, true, deadline) {
				return fmt.Errorf("workload tasks did not settle before the deadline")
			}
			return nil
		})
	}

	if len(w.Parallel) > 0 {
		g.Go(func() error {
			for i, loop := range w.Parallel {
				if err := ctx.Err(); err != nil {
					return err
				}
				ok := runLoop(exec, loop)
				summary.LoopsRun++
				if !ok {
					summary.LoopsFailed++
					log.Warn().Int("loop", i).Int("count", loop.Count).Msg("Workload loop did not complete")
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		st, ok := sched.Status(id)
		if !ok {
			continue
		}
		switch st {
		case scheduler.StatusCompleted:
			summary.TasksCompleted++
		case scheduler.StatusFailed:
			summary.TasksFailed++
		case scheduler.StatusCancelled:
			summary.TasksCancelled++
		}
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

// runLoop executes one parallel loop spec, spinning for work_ns per index
// to simulate compute.
func runLoop(exec *parallel.Executor, loop LoopSpec) bool {
	workNs := int64(loop.WorkNs)
	return exec.For(loop.Count, func(int) {
		if workNs <= 0 {
			return
		}
		end := time.Now().Add(time.Duration(workNs))
		for time.Now().Before(end) {
		}
	}, parseMode(loop.Mode), loop.Granularity)
}
