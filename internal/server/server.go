// Package server exposes the bucket service over HTTP with chi.
//
// Usage:
//
//	srv := server.New(server.Config{Addr: ":8080"}, svc, log)
//	if err := srv.Run(ctx); err != nil { ... }
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koustreak/bucketgw/internal/bucket"
	"github.com/koustreak/bucketgw/internal/disconnect"
	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/metrics"
)

// Config configures the HTTP surface.
type Config struct {
	Addr              string
	URLPrefix         string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// MaxUploadSize caps request bodies of uploads. Zero means no limit.
	MaxUploadSize int64
	Version       string
}

// Server serves the bucket API.
type Server struct {
	cfg    Config
	svc    *bucket.Service
	log    *logger.Logger
	router chi.Router
}

// New builds the router for svc.
func New(cfg Config, svc *bucket.Service, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{cfg: cfg, svc: svc, log: log}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat(s.cfg.URLPrefix + "/healthz"))
	r.Use(disconnect.Middleware(s.log))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, errs.New(errs.ErrKindNotFound, "no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	})

	api := func(r chi.Router) {
		r.Get("/version", s.version)
		r.Handle("/metrics", metrics.Handler())
		r.Get("/objects/drivers", s.listDrivers)

		r.Route("/objects/buckets", func(r chi.Router) {
			r.Get("/", s.listBuckets)
			r.Post("/", s.createBucket)

			// "/{bucket}" is the record, "/{bucket}/" the bucket root
			r.Get("/{bucket}", s.getBucket)
			r.Put("/{bucket}", s.updateBucket)
			r.Delete("/{bucket}", s.deleteBucket)

			r.Get("/{bucket}/*", s.getPath)
			r.Put("/{bucket}/*", s.putPath)
			r.Delete("/{bucket}/*", s.deletePath)
		})
	}

	if s.cfg.URLPrefix == "" {
		api(r)
	} else {
		r.Route(s.cfg.URLPrefix, api)
	}
	return r
}

// accessLog logs one line per request and records request metrics under
// the route pattern. Handlers find a request-scoped logger in the context.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqID := middleware.GetReqID(r.Context())
		rlog := s.log.With().Str("request_id", reqID).Logger()

		next.ServeHTTP(ww, r.WithContext(rlog.WithContext(r.Context())))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		metrics.RecordHTTPRequest(r.Method, route, status, elapsed)

		s.log.HTTPEvent(status).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", elapsed).
			Str("request_id", reqID).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.With().Str("addr", s.cfg.Addr).Str("prefix", s.cfg.URLPrefix).Logger().Info("http server listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
