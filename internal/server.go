package internal

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/handlers"
	"github.com/rs/cors"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/pushcast/internal/config"
	"github.com/kazz187/pushcast/internal/pushnotification"
	"github.com/kazz187/pushcast/pkg/cerr"
	"github.com/kazz187/pushcast/pkg/clog"
)

type Server struct {
	server                 *http.Server
	env                    *config.Env
	pushNotificationServer *pushnotification.Server
}

func NewServer(env *config.Env, pushNotificationServer *pushnotification.Server) *Server {
	return &Server{
		env:                    env,
		pushNotificationServer: pushNotificationServer,
	}
}

// Handler builds the complete HTTP handler: the /api/v1 routes, health
// checks, panic recovery and CORS.
func (s *Server) Handler() (http.Handler, error) {
	rateLimit, err := s.rateLimitMiddleware()
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(
			middleware.RequestID,
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})

		r.With(rateLimit).Post("/subscribe", s.pushNotificationServer.Subscribe)
		r.With(s.apiKeyMiddleware).Post("/send-notification", s.pushNotificationServer.SendNotification)
		r.Get("/vapid-public-key", s.pushNotificationServer.GetVapidPublicKey)
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)
	mux.Handle(grpchealth.NewHandler(grpchealth.NewStaticChecker()))

	var h http.Handler = cerr.NewRecoveryMiddleware()(mux)
	h = cors.New(cors.Options{
		AllowedOrigins: s.env.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
	}).Handler(h)
	if s.env.TrustProxyHeaders {
		h = handlers.ProxyHeaders(h)
	}
	return h, nil
}

// ListenAndServe starts the HTTP server. ctx becomes the base context of
// every request.
func (s *Server) ListenAndServe(ctx context.Context) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(h, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// rateLimitMiddleware throttles per client address. The limiter counts in
// process memory, so each instance enforces its own budget.
func (s *Server) rateLimitMiddleware() (func(http.Handler) http.Handler, error) {
	if s.env.RateLimit == "" {
		return func(next http.Handler) http.Handler { return next }, nil
	}
	rate, err := limiter.NewRateFromFormatted(s.env.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT %q: %w", s.env.RateLimit, err)
	}
	mw := stdlib.NewMiddleware(
		limiter.New(memory.NewStore(), rate),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.ResourceExhausted, "too many requests", nil)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			cerr.SetNewJSONError(r.Context(), cerr.Internal, "server error", err)
		}),
	)
	return mw.Handler, nil
}

// apiKeyMiddleware guards operator endpoints when an API key is configured.
// The key is read from X-API-Key or a bearer Authorization header.
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	if s.env.APIKey == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(s.env.APIKey)) != 1 {
			cerr.SetNewJSONError(r.Context(), cerr.Unauthenticated, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
