package scheduler

import (
	"fmt"

	"github.com/gammazero/toposort"
	"github.com/rs/zerolog/log"
)

// GraphTask describes one node of a dependency graph submitted as a unit.
// DependsOn names other tasks within the same graph; the edges become
// required TaskDependencies once ids are known.
type GraphTask struct {
	Name        string
	Description string
	Fn          TaskFunc
	Config      TaskConfig
	DependsOn   []string
	Callback    CompletionCallback
}

// ScheduleGraph validates a named dependency graph and submits its tasks in
// topological order, returning the assigned id per name. The whole batch is
// rejected — nothing is submitted — when a name is duplicated, an edge
// references an unknown name, or the edges form a cycle.
//
// Single tasks submitted through Schedule cannot form cycles (dependencies
// can only reference already-assigned ids), so this is the one place cycle
// detection is needed.
func (s *Scheduler) ScheduleGraph(tasks []GraphTask) (map[string]TaskID, error) {
	if len(tasks) == 0 {
		return map[string]TaskID{}, nil
	}

	byName := make(map[string]*GraphTask, len(tasks))
	for i := range tasks {
		gt := &tasks[i]
		if gt.Name == "" {
			return nil, fmt.Errorf("graph task %d has no name", i)
		}
		if gt.Fn == nil {
			return nil, fmt.Errorf("graph task %q has no body", gt.Name)
		}
		if _, dup := byName[gt.Name]; dup {
			return nil, fmt.Errorf("duplicate graph task name %q", gt.Name)
		}
		byName[gt.Name] = gt
	}

	var edges []toposort.Edge
	for _, gt := range tasks {
		if len(gt.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, gt.Name})
			continue
		}
		for _, dep := range gt.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("graph task %q depends on unknown task %q", gt.Name, dep)
			}
			edges = append(edges, toposort.Edge{dep, gt.Name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency graph contains a cycle: %w", err)
	}

	ids := make(map[string]TaskID, len(tasks))
	for _, node := range sorted {
		if node == nil {
			continue
		}
		name := node.(string)
		gt := byName[name]

		cfg := gt.Config
		cfg.Dependencies = cfg.Dependencies[:0:0]
		for _, dep := range gt.DependsOn {
			cfg.Dependencies = append(cfg.Dependencies, TaskDependency{
				TaskID:   ids[dep],
				Required: true,
			})
		}

		id := s.ScheduleWithCallback(gt.Fn, cfg, gt.Description, gt.Callback)
		if id == 0 {
			return nil, fmt.Errorf("submission of graph task %q failed", name)
		}
		ids[name] = id
	}

	log.Debug().Int("tasks", len(ids)).Msg("Dependency graph scheduled")
	return ids, nil
}
