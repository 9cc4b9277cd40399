package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgrid/taskgrid/pkg/parallel"
	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

func newTestServer(t *testing.T) (*httptest.Server, *scheduler.Scheduler, *EventBus) {
	t.Helper()

	sched := scheduler.New(scheduler.Config{Workers: 2, IdleSleep: 500 * time.Microsecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	metrics := NewMetrics()
	sched.AddObserver(metrics)
	bus := NewEventBus()
	t.Cleanup(bus.Close)
	sched.AddObserver(bus)

	executor := parallel.New(parallel.Config{Threads: 2})
	srv := NewServer(DefaultServerConfig(), sched, executor, metrics, bus)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, sched, bus
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestServerHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body map[string]any
	getJSON(t, ts.URL+"/healthz", &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(2), body["workers"])
}

func TestServerStats(t *testing.T) {
	ts, sched, _ := newTestServer(t)

	id := sched.Schedule(func(*scheduler.TaskContext) error { return nil },
		scheduler.DefaultTaskConfig(), "stat fodder")
	require.True(t, sched.WaitFor(id, 5*time.Second))

	var stats statsResponse
	getJSON(t, ts.URL+"/stats", &stats)
	assert.Equal(t, 2, stats.Workers)
	assert.Equal(t, int64(1), stats.TaskCounts["completed"])
	assert.Contains(t, stats.QueueDepths, "critical")
	assert.Equal(t, 1, stats.RegistrySize)
}

func TestServerTasks(t *testing.T) {
	ts, sched, _ := newTestServer(t)

	id := sched.Schedule(func(*scheduler.TaskContext) error { return nil },
		scheduler.TaskConfig{Priority: scheduler.PriorityHigh, Type: "compute"}, "listed task")
	require.True(t, sched.WaitFor(id, 5*time.Second))

	var body struct {
		Count int        `json:"count"`
		Tasks []taskView `json:"tasks"`
	}
	getJSON(t, ts.URL+"/tasks", &body)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, uint64(id), body.Tasks[0].ID)
	assert.Equal(t, "listed task", body.Tasks[0].Description)
	assert.Equal(t, "high", body.Tasks[0].Priority)
	assert.Equal(t, "completed", body.Tasks[0].Status)

	// Status filter excludes non-matching tasks.
	getJSON(t, ts.URL+"/tasks?status=failed", &body)
	assert.Zero(t, body.Count)
}

func TestServerMetricsEndpoint(t *testing.T) {
	ts, sched, _ := newTestServer(t)

	id := sched.Schedule(func(*scheduler.TaskContext) error { return nil },
		scheduler.DefaultTaskConfig(), "scraped")
	require.True(t, sched.WaitFor(id, 5*time.Second))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "taskgrid_tasks_completed_total")
}

func TestServerEventStream(t *testing.T) {
	ts, sched, bus := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// The handler subscribes after the upgrade; wait for the
	// subscription before producing events.
	require.Eventually(t, func() bool {
		return bus.SubscriberCount() == 1
	}, 5*time.Second, time.Millisecond)

	id := sched.Schedule(func(*scheduler.TaskContext) error { return nil },
		scheduler.DefaultTaskConfig(), "streamed")
	require.True(t, sched.WaitFor(id, 5*time.Second))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev scheduler.TransitionEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, id, ev.TaskID)
	assert.Equal(t, scheduler.StatusQueued, ev.From)
	assert.Equal(t, scheduler.StatusExecuting, ev.To)
}
