package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/onexay/notepub/internal/config"
	"github.com/onexay/notepub/internal/metrics"
	"github.com/onexay/notepub/internal/service"
)

// shutdownGrace bounds how long in-flight requests get on shutdown.
const shutdownGrace = 10 * time.Second

// Server wraps the HTTP server configuration and dependencies.
type Server struct {
	addr    string
	handler http.Handler
	svc     *service.Service
	watch   bool
	logger  *slog.Logger
}

// NewServer creates an HTTP server with routes and middleware.
func NewServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	svc, err := service.New(ctx, cfg, logger, collector)
	if err != nil {
		return nil, err
	}

	return &Server{
		addr:    cfg.APIAddr,
		handler: routes(svc, reg, logger),
		svc:     svc,
		watch:   cfg.Import.Watch,
		logger:  logger,
	}, nil
}

func routes(svc *service.Service, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(recovery(logger), requestLog(logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler(gatherer))
	r.Mount("/api/v1", service.Handler(svc))
	return r
}

// Run imports targets, then serves until ctx is done and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	defer s.svc.Close()

	summary, err := s.svc.Import(ctx)
	if err != nil {
		s.logger.Error("startup import failed", slog.String("error", err.Error()))
	} else {
		s.logger.Info("startup import finished",
			slog.Int("imported", len(summary.Imported)),
			slog.Int("skipped", len(summary.Skipped)),
			slog.Int("errors", len(summary.Errors)),
		)
	}
	if s.watch {
		go func() {
			if err := s.svc.WatchImports(ctx); err != nil {
				s.logger.Error("import watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps event streams working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func requestLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						slog.Any("panic", rec),
						slog.String("path", r.URL.Path),
						slog.String("stack", string(debug.Stack())),
					)
					http.Error(w, `{"success":false,"error":"internal server error"}`, http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
