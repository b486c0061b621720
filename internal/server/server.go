package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/events"
	"github.com/andresmejia3/rollcall/internal/scheduler"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Controller is the part of the scheduler the API drives. *scheduler.Scheduler implements it.
type Controller interface {
	State() scheduler.State
	Settings() scheduler.Settings
	ApplySettings(st scheduler.Settings) error
	Tuning() *config.Tuning
	SetTuning(t *config.Tuning)
	StartSession(ctx context.Context, sessionID, courseID string) (scheduler.Session, error)
	EndSession(ctx context.Context) (scheduler.SessionSummary, error)
	SwitchCourse(ctx context.Context, courseID string) (scheduler.Session, error)
	Confirm(ctx context.Context, studentID string) (*events.Confirmation, error)
	Undo(ctx context.Context, studentID string) error
	RefreshRoster(ctx context.Context) (int, error)
	SearchRoster(query string) ([]scheduler.Student, error)
}

// SessionLog records session boundaries. It is optional.
type SessionLog interface {
	StartSession(ctx context.Context, sessionID, courseID string, startedAt time.Time) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
}

type Server struct {
	ctl        Controller
	sessions   SessionLog
	log        *slog.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// New builds the control API. sessions may be nil.
func New(addr string, ctl Controller, sessions SessionLog, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	r := chi.NewRouter()
	s := &Server{
		ctl:      ctl,
		sessions: sessions,
		log:      log.With("component", "server"),
		router:   r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/state", s.state)

		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
		r.Get("/tuning", s.getTuning)
		r.Put("/tuning", s.putTuning)

		r.Post("/sessions", s.startSession)
		r.Delete("/sessions/current", s.endSession)
		r.Put("/sessions/current/course", s.switchCourse)

		r.Post("/confirmations", s.confirm)
		r.Delete("/confirmations/{studentId}", s.undo)

		r.Get("/roster", s.searchRoster)
		r.Post("/roster/refresh", s.refreshRoster)
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("starting control API", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
