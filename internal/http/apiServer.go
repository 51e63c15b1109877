package http

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/ratelimit"
	"parley/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type APIServerConfig struct {
	Addr        string
	CORSOrigins []string
}

type APIServer struct {
	server *http.Server
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(
	cfg APIServerConfig,
	handlers *api.API,
	live *ws.Server,
	verifier *auth.Verifier,
	limiter *ratelimit.Limiter,
	log *slog.Logger,
) *APIServer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: NewRouter(cfg, handlers, live, verifier, limiter, log),
		},
		log: log,
	}
}

// accessLog is middleware.Logger minus the given paths.
func accessLog(quiet ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		logged := middleware.Logger(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if slices.Contains(quiet, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			logged.ServeHTTP(w, r)
		})
	}
}

// NewRouter builds the REST and websocket routes.
func NewRouter(
	cfg APIServerConfig,
	handlers *api.API,
	live *ws.Server,
	verifier *auth.Verifier,
	limiter *ratelimit.Limiter,
	log *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(api.HeartbeatPath))
	r.Use(middleware.Recoverer)

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(api.Authenticate(verifier, log))

		r.Get("/ws", live.HandleConnections)

		r.Route("/status", func(r chi.Router) {
			r.Use(api.RateLimit(limiter, log))

			r.Get("/me", handlers.GetMyStatusHandler)
			r.Put("/me", handlers.UpdateMyStatusHandler)
			r.Post("/me/oof", handlers.SetOutOfOfficeHandler)
			r.Post("/bulk", handlers.BulkStatusHandler)
			r.Get("/online", handlers.OnlineUsersHandler)
			r.With(api.RequireAdmin).Get("/statistics", handlers.StatisticsHandler)
			r.Post("/heartbeat", handlers.HeartbeatHandler)
			r.Get("/{userId}", handlers.GetUserStatusHandler)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", handlers.ListConversationsHandler)
			r.Post("/{conversationId}/messages", handlers.SendMessageHandler)
			r.Get("/{conversationId}/messages", handlers.ListMessagesHandler)
			r.Post("/{conversationId}/read", handlers.MarkReadHandler)
			r.Get("/{conversationId}/unread", handlers.UnreadHandler)
		})

		r.Post("/push/subscriptions", handlers.SubscribePushHandler)
	})

	return r
}

func (s *APIServer) Start() error {
	s.log.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
