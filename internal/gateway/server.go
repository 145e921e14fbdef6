// Package gateway exposes the orchestrator over HTTP and streams committed
// events over WebSocket.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/taskflow/internal/logging"
	"github.com/alekspetrov/taskflow/internal/model"
	"github.com/alekspetrov/taskflow/internal/monitor"
	"github.com/alekspetrov/taskflow/internal/orchestrator"
	"github.com/alekspetrov/taskflow/internal/teams"
)

// MonitorPoller polls a single monitor on demand.
type MonitorPoller interface {
	PollMonitor(ctx context.Context, id string) (monitor.Result, error)
}

// RecurringTrigger materializes a recurring task outside its schedule.
type RecurringTrigger interface {
	Trigger(ctx context.Context, id string) (*model.Task, error)
}

// Server is the HTTP and WebSocket front of the orchestrator. Server is safe
// for concurrent use.
type Server struct {
	config     *Config
	authConfig *AuthConfig
	svc        *orchestrator.Service
	teams      *teams.Service
	poller     MonitorPoller
	trigger    RecurringTrigger
	hub        *Hub
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	server     *http.Server
	mu         sync.RWMutex
	running    bool
}

// Config holds gateway server configuration including network binding options.
type Config struct {
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
	// Auth protects /api/v1. Nil leaves the API open.
	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// ServerOption is a functional option for configuring Server.
type ServerOption func(*Server)

// WithAuthConfig sets the authentication configuration for the server.
// When set, API endpoints under /api/v1/* will require authentication.
func WithAuthConfig(auth *AuthConfig) ServerOption {
	return func(s *Server) { s.authConfig = auth }
}

// WithHub sets the hub that streams events on /ws. The same hub should be
// the orchestrator's notifier.
func WithHub(h *Hub) ServerOption {
	return func(s *Server) { s.hub = h }
}

// WithTeams enables the team and personal queue endpoints.
func WithTeams(t *teams.Service) ServerOption {
	return func(s *Server) { s.teams = t }
}

// WithPoller routes manual polls through the running poller so they respect
// its per-monitor lock.
func WithPoller(p MonitorPoller) ServerOption {
	return func(s *Server) { s.poller = p }
}

// WithTrigger routes manual recurring triggers through the scheduler.
func WithTrigger(t RecurringTrigger) ServerOption {
	return func(s *Server) { s.trigger = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a gateway over svc. The server is not started until
// Start is called.
func NewServer(config *Config, svc *orchestrator.Service, opts ...ServerOption) *Server {
	s := &Server{
		config: config,
		svc:    svc,
		logger: logging.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Allow requests with no origin (same-origin, CLI tools, etc.)
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
	if config != nil {
		s.authConfig = config.Auth
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	return s
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		if s.authConfig != nil {
			r.Use(NewAuthenticator(s.authConfig).Middleware)
		}
		r.Use(actorMiddleware)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.createTask)
			r.Get("/{taskID}", s.getTask)
			r.Delete("/{taskID}", s.deleteTask)
			r.Put("/{taskID}/dependencies", s.updateDependencies)
			r.Post("/{taskID}/dependencies/{depID}/override", s.overrideDependency)
			r.Post("/{taskID}/{action}", s.taskAction)
		})

		r.Route("/queues", func(r chi.Router) {
			r.Get("/", s.listQueues)
			r.Post("/", s.createQueue)
			r.Get("/{queueID}", s.getQueue)
			r.Delete("/{queueID}", s.deleteQueue)
		})

		if s.teams != nil {
			r.Route("/teams", func(r chi.Router) {
				r.Get("/", s.listTeams)
				r.Post("/", s.createTeam)
				r.Delete("/{teamID}", s.deleteTeam)
				r.Get("/{teamID}/members", s.listMembers)
				r.Post("/{teamID}/members", s.addMember)
				r.Put("/{teamID}/members/{userID}", s.updateMemberRole)
				r.Delete("/{teamID}/members/{userID}", s.removeMember)
			})
			r.Post("/users/{userID}/queue", s.ensurePersonalQueue)
		}

		r.Route("/playbooks", func(r chi.Router) {
			r.Get("/", s.listPlaybooks)
			r.Post("/", s.createPlaybook)
			r.Get("/{playbookID}", s.getPlaybook)
			r.Put("/{playbookID}", s.updatePlaybook)
			r.Delete("/{playbookID}", s.deletePlaybook)
			r.Get("/{playbookID}/versions", s.listPlaybookVersions)
			r.Post("/{playbookID}/run", s.runPlaybook)
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.getRun)
			r.Post("/{runID}/steps/{stepID}/skip", s.skipStep)
		})

		r.Route("/recurring", func(r chi.Router) {
			r.Get("/", s.listRecurring)
			r.Post("/", s.createRecurring)
			r.Get("/{recurringID}", s.getRecurring)
			r.Post("/{recurringID}/trigger", s.triggerRecurring)
			r.Post("/{recurringID}/reactivate", s.reactivateRecurring)
			r.Post("/{recurringID}/deactivate", s.deactivateRecurring)
		})

		r.Route("/monitors", func(r chi.Router) {
			r.Get("/", s.listMonitors)
			r.Post("/", s.createMonitor)
			r.Get("/{monitorID}", s.getMonitor)
			r.Delete("/{monitorID}", s.deleteMonitor)
			r.Get("/{monitorID}/events", s.listMonitorEvents)
			r.Post("/{monitorID}/poll", s.pollMonitor)
			r.Post("/{monitorID}/pause", s.pauseMonitor)
			r.Post("/{monitorID}/resume", s.resumeMonitor)
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Start starts the gateway server and blocks until the context is cancelled
// or an error occurs. Returns an error if the server fails to start or is
// already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info("Gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server with a 30-second timeout.
// It waits for active connections to complete before returning.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.running = false
	return s.server.Shutdown(ctx)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"running":  running,
		"sessions": s.hub.Count(),
	})
}
