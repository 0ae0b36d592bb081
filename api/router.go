package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"proximity-server/config"
	"proximity-server/server"
)

// NewRouter builds the root router: the websocket endpoint, the /api admin routes and,
// when configured, the static client.
func NewRouter(cfg config.Config, srv *server.Server, metrics *MetricsHandler, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Handle("/ws", srv)
	r.Mount("/api", NewAPIRouter(cfg, srv, metrics, logger))
	if cfg.StaticDir != "" {
		r.Handle("/*", StaticFileServer(cfg.StaticDir, "/index.html"))
	}
	return r
}

// NewAPIRouter builds the /api router with middlewares and routes.
func NewAPIRouter(cfg config.Config, srv *server.Server, metrics *MetricsHandler, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.Named("api")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	ch := NewChannelHandler(srv.Channels())
	sh := NewSchemaHandler()
	r.Route("/v1", func(sub chi.Router) {
		// Health
		sub.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
		ch.Routes(sub)
		sh.Routes(sub)
		if metrics != nil {
			metrics.Routes(sub)
		}
	})

	return r
}

// requestLogger is middleware.Logger writing through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("elapsed", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
