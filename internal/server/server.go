package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/config"
	"github.com/scopedauth/apiserver/internal/auth"
	"github.com/scopedauth/apiserver/internal/db"
	"github.com/scopedauth/apiserver/internal/events"
	"github.com/scopedauth/apiserver/internal/handlers"
	"github.com/scopedauth/apiserver/internal/mq"
	"github.com/scopedauth/apiserver/internal/services"
	"github.com/scopedauth/apiserver/internal/store"
)

const requestTimeout = 60 * time.Second

// Server wraps the HTTP server and the resources it owns.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	dbManager  *db.Manager
	queue      *mq.MQ
	log        *zap.Logger
}

// New connects the database and event backend and wires the routes.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	tokens, err := auth.NewTokenService(cfg.Auth)
	if err != nil {
		return nil, err
	}

	dbManager := db.NewManager(cfg, log)
	if err := dbManager.Initialize(ctx); err != nil {
		return nil, err
	}
	dbConn, err := dbManager.DB()
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher = events.Noop{}
	queue, err := mq.Open(ctx, cfg.Events)
	switch {
	case err == nil:
		publisher = events.NewMQPublisher(queue, cfg.Events.Channel, log)
		log.Info("account events enabled", zap.String("backend", cfg.Events.Backend), zap.String("channel", cfg.Events.Channel))
	case errors.Is(err, mq.ErrDisabled):
		log.Info("account events disabled")
	default:
		_ = dbManager.Shutdown()
		return nil, fmt.Errorf("connect events backend: %w", err)
	}

	userRepo := store.NewUserRepository(dbConn, log)
	accounts := services.NewAccountService(userRepo, publisher, log)

	router := NewRouter(cfg, accounts, tokens, log)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		dbManager:  dbManager,
		queue:      queue,
		log:        log,
	}, nil
}

// NewRouter builds the HTTP routes around an account service.
func NewRouter(cfg config.Config, accounts *services.AccountService, tokens *auth.TokenService, log *zap.Logger) *chi.Mux {
	guard := handlers.NewGuard(auth.NewAuthorizer(tokens, accounts), log)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		handlers.LoggingMiddleware(log),
		middleware.Recoverer,
		middleware.StripSlashes,
		handlers.SecurityHeadersMiddleware,
		middleware.Timeout(requestTimeout),
	)
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"WWW-Authenticate"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	router.Get("/healthz", handlers.Healthz)
	handlers.AuthRouter(router, handlers.NewAuthHandler(accounts, tokens, cfg.Auth.TokenType, log))
	handlers.UserRouter(router, handlers.NewUserHandler(accounts, cfg.MaxListLimit, log), guard)
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.log.Info("server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then releases the event backend and
// the database pool.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.queue != nil {
		if qErr := s.queue.Close(); qErr != nil {
			s.log.Warn("close events backend", zap.Error(qErr))
		}
	}
	if dbErr := s.dbManager.Shutdown(); dbErr != nil && err == nil {
		err = dbErr
	}
	return err
}
