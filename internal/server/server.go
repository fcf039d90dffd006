package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/db"
	"github.com/taskdesk/server/internal/handlers"
	"github.com/taskdesk/server/internal/logger"
	"github.com/taskdesk/server/internal/metrics"
	"github.com/taskdesk/server/internal/notify"
	"github.com/taskdesk/server/internal/services"
	"github.com/taskdesk/server/internal/session"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	closers    []func() error
}

// Services groups the workflows the HTTP layer serves.
type Services struct {
	Auth  *services.AuthService
	Users *services.UserService
	Tasks *services.TaskService
	Keys  *services.KeyService
}

// NewServices wires the workflows over the store repositories.
func NewServices(conn *sql.DB, notifier services.Notifications, cfg config.Config) Services {
	repos := services.NewRepositories(conn)
	uow := services.NewUnitOfWork(db.NewTxRunner(conn))
	keys := services.NewKeyService(repos.Keys, cfg.Security)
	return Services{
		Auth:  services.NewAuthService(repos.Users, uow, keys, notifier, cfg.Security),
		Users: services.NewUserService(repos.Users, repos.Tasks),
		Tasks: services.NewTaskService(repos.Tasks, repos.Users, notifier),
		Keys:  keys,
	}
}

// New connects to the database, session store and notification transport
// and builds the router.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &Server{db: dbConn}

	store, closeStore, err := session.Open(ctx, cfg)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	s.closers = append(s.closers, closeStore)

	sender, closeSender, err := notify.OpenSender(ctx, cfg)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}
	s.closers = append(s.closers, closeSender)

	notifier, err := notify.NewNotifier(sender, cfg.BaseURL)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}

	pages, err := handlers.NewPages()
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}

	trusted, err := handlers.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		_ = s.Shutdown()
		return nil, err
	}

	svc := NewServices(dbConn, notifier, cfg)
	sessions := handlers.NewSessionManager(store, cfg.Session)
	s.router = NewRouter(svc, sessions, pages, trusted)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// NewRouter mounts the pages behind the middleware stack. Forwarding headers
// are only honoured from the trusted proxies.
func NewRouter(svc Services, sessions *handlers.SessionManager, pages *handlers.Pages, trusted []netip.Prefix) *chi.Mux {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		handlers.TrustedRealIP(trusted),
		requestLogger(logger.Named("http")),
		middleware.Recoverer,
		metrics.Middleware,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz)
	router.Handle("/metrics", metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(sessions.Load)
		handlers.AuthRouter(r, handlers.NewAuthHandler(svc.Auth, sessions, pages))
		r.Route("/admin", func(r chi.Router) {
			r.Use(handlers.RequireAdmin)
			handlers.AdminRouter(r, handlers.NewAdminHandler(svc.Users, svc.Tasks, svc.Keys, pages))
		})
		r.Route("/dashboard", func(r chi.Router) {
			r.Use(handlers.RequireLogin)
			handlers.DashboardRouter(r, handlers.NewDashboardHandler(svc.Tasks, pages))
		})
	})
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server.
func (s *Server) Start() error {
	logger.L().Info("http server listening", logger.Component("server"), logger.Path(s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, then releases the session store,
// notification transport and database.
func (s *Server) Shutdown() error {
	var errs []error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
