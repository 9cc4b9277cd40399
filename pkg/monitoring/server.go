package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/taskgrid/taskgrid/pkg/parallel"
	"github.com/taskgrid/taskgrid/pkg/scheduler"
)

// ServerConfig holds configuration for the debug HTTP server.
type ServerConfig struct {
	Address      string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the default debug server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost",
		Port:         8780,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the HTTP debug surface: health, stats, a task listing, the
// prometheus scrape endpoint, and a websocket stream of transition events.
type Server struct {
	cfg      ServerConfig
	sched    *scheduler.Scheduler
	executor *parallel.Executor
	metrics  *Metrics
	bus      *EventBus

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer wires the debug server. executor, metrics and bus may be nil;
// the corresponding endpoints then report their absence.
func NewServer(cfg ServerConfig, sched *scheduler.Scheduler, executor *parallel.Executor, metrics *Metrics, bus *EventBus) *Server {
	s := &Server{
		cfg:      cfg,
		sched:    sched,
		executor: executor,
		metrics:  metrics,
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/stats", s.handleStats).Methods("GET")
	router.HandleFunc("/tasks", s.handleTasks).Methods("GET")
	if metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	}
	if bus != nil {
		router.HandleFunc("/events", s.handleEvents).Methods("GET")
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until Shutdown. It blocks; run it on its own goroutine.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("Debug server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("debug server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"workers": s.sched.WorkerCount(),
		"time":    time.Now().UTC(),
	})
}

// statsResponse is the /stats payload.
type statsResponse struct {
	Workers      int              `json:"workers"`
	Queued       int64            `json:"queued"`
	QueueDepths  map[string]int   `json:"queue_depths"`
	TaskCounts   map[string]int64 `json:"task_counts"`
	RegistrySize int              `json:"registry_size"`

	ParallelInvocations int64 `json:"parallel_invocations,omitempty"`
	SequentialRuns      int64 `json:"sequential_runs,omitempty"`
	ChunksStolen        int64 `json:"chunks_stolen,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	depths := s.sched.QueueDepths()
	resp := statsResponse{
		Workers:      s.sched.WorkerCount(),
		Queued:       s.sched.QueuedCount(),
		QueueDepths:  make(map[string]int, len(depths)),
		TaskCounts:   make(map[string]int64),
		RegistrySize: s.sched.RegistrySize(),
	}
	for p, d := range depths {
		resp.QueueDepths[scheduler.TaskPriority(p).String()] = d
	}
	for st, n := range s.sched.TaskCounts() {
		resp.TaskCounts[st.String()] = n
	}
	if s.executor != nil {
		resp.ParallelInvocations = s.executor.Invocations()
		resp.SequentialRuns = s.executor.SequentialRuns()
		resp.ChunksStolen = s.executor.ChunksStolen()
	}
	writeJSON(w, http.StatusOK, resp)
}

// taskView is one row of the /tasks listing.
type taskView struct {
	ID          uint64    `json:"id"`
	Description string    `json:"description"`
	Type        string    `json:"type,omitempty"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	Attempts    int32     `json:"attempts"`
	Progress    int32     `json:"progress"`
	WorkerID    int32     `json:"worker_id"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")

	tasks := s.sched.Tasks()
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		status := t.Status()
		if statusFilter != "" && status.String() != statusFilter {
			continue
		}
		stats := t.Stats()
		v := taskView{
			ID:          uint64(t.ID()),
			Description: t.Description(),
			Type:        t.Config().Type,
			Priority:    t.EffectivePriority().String(),
			Status:      status.String(),
			Attempts:    t.Attempts(),
			Progress:    t.Progress(),
			WorkerID:    stats.WorkerID,
			CreatedAt:   t.CreatedAt(),
			StartedAt:   t.StartedAt(),
			CompletedAt: t.CompletedAt(),
		}
		if err := t.Err(); err != nil {
			v.Error = err.Error()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(views),
		"tasks": views,
	})
}

// handleEvents upgrades to a websocket and streams transition events until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.bus.Subscribe()
	defer cancel()

	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("Event stream client connected")

	// Reader goroutine: we never expect client messages, but reading is
	// what surfaces close frames.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("Event stream write failed, dropping client")
				return
			}
		case <-clientGone:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}
