// Package workload loads declarative JSON workloads, validates them
// against an embedded schema, and runs them through the scheduler and the
// parallel executor. Workloads are the input format of the bench command.
package workload

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/taskgrid/taskgrid/pkg/parallel"
	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

// schema is the workload document contract. Validation failures name the
// offending fields before anything is submitted.
const schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "type": {"type": "string"},
          "priority": {
            "type": "string",
            "enum": ["critical", "high", "normal", "low", "background"]
          },
          "sleep_ms": {"type": "integer", "minimum": 0},
          "fail_rate": {"type": "number", "minimum": 0, "maximum": 1},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "retries": {"type": "integer", "minimum": 0},
          "retry_boost": {"type": "integer", "minimum": 0},
          "cancellable": {"type": "boolean"}
        }
      }
    },
    "parallel": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["count"],
        "properties": {
          "count": {"type": "integer", "minimum": 1},
          "mode": {
            "type": "string",
            "enum": ["automatic", "sequential", "parallel", "simd", "cache"]
          },
          "granularity": {"type": "integer", "minimum": 0},
          "work_ns": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

// TaskSpec is one scheduled task of a workload.
type TaskSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	SleepMs     int      `json:"sleep_ms,omitempty"`
	FailRate    float64  `json:"fail_rate,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Retries     int      `json:"retries,omitempty"`
	RetryBoost  int      `json:"retry_boost,omitempty"`
	Cancellable bool     `json:"cancellable,omitempty"`
}

// LoopSpec is one parallel-for invocation of a workload.
type LoopSpec struct {
	Count       int    `json:"count"`
	Mode        string `json:"mode,omitempty"`
	Granularity int    `json:"granularity,omitempty"`
	WorkNs      int    `json:"work_ns,omitempty"`
}

// Workload is a declarative benchmark document.
type Workload struct {
	Name     string     `json:"name,omitempty"`
	Tasks    []TaskSpec `json:"tasks,omitempty"`
	Parallel []LoopSpec `json:"parallel,omitempty"`
}

// Parse validates raw JSON against the workload schema and decodes it.
func Parse(raw []byte) (*Workload, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("workload validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("invalid workload: %s", strings.Join(msgs, "; "))
	}

	var w Workload
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("failed to decode workload: %w", err)
	}
	return &w, nil
}

// Load reads and parses a workload file.
func Load(path string) (*Workload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workload file: %w", err)
	}
	return Parse(raw)
}

// parsePriority maps a workload priority name to a scheduler priority.
func parsePriority(name string) scheduler.TaskPriority {
	switch name {
	case "critical":
		return scheduler.PriorityCritical
	case "high":
		return scheduler.PriorityHigh
	case "low":
		return scheduler.PriorityLow
	case "background":
		return scheduler.PriorityBackground
	default:
		return scheduler.PriorityNormal
	}
}

// parseMode maps a workload mode name to an executor mode.
func parseMode(name string) parallel.Mode {
	switch name {
	case "sequential":
		return parallel.ForceSequential
	case "parallel":
		return parallel.ForceParallel
	case "simd":
		return parallel.SIMDOptimized
	case "cache":
		return parallel.CacheOptimized
	default:
		return parallel.Automatic
	}
}

// body builds the task function for spec: optional sleep, then an optional
// seeded random failure.
func body(spec TaskSpec, rng func() float64) scheduler.TaskFunc {
	return func(tc *scheduler.TaskContext) error {
		if spec.SleepMs > 0 {
			deadline := time.Now().Add(time.Duration(spec.SleepMs) * time.Millisecond)
			for time.Now().Before(deadline) {
				if tc.Cancelled() {
					return nil
				}
				time.Sleep(time.Millisecond)
			}
		}
		if spec.FailRate > 0 && rng() < spec.FailRate {
			return fmt.Errorf("injected failure in %q", spec.Name)
		}
		return nil
	}
}

// GraphTasks converts the workload's task specs into a schedulable graph.
func (w *Workload) GraphTasks(seed int64) []scheduler.GraphTask {
	// Task bodies run on worker goroutines; the shared source needs a
	// lock.
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	roll := func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()
	}

	tasks := make([]scheduler.GraphTask, 0, len(w.Tasks))
	for _, spec := range w.Tasks {
		cfg := scheduler.TaskConfig{
			Priority:           parsePriority(spec.Priority),
			Type:               spec.Type,
			Cancellable:        spec.Cancellable,
			AutoRetry:          spec.Retries > 0,
			MaxRetries:         int32(spec.Retries),
			RetryPriorityBoost: spec.RetryBoost,
		}
		desc := spec.Description
		if desc == "" {
			desc = spec.Name
		}
		tasks = append(tasks, scheduler.GraphTask{
			Name:        spec.Name,
			Description: desc,
			Fn:          body(spec, roll),
			Config:      cfg,
			DependsOn:   spec.DependsOn,
		})
	}
	return tasks
}
