// Package httpapi serves health probes and read-only campaign reports.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/m3rciful/fundbot/core/logger"
	"github.com/m3rciful/fundbot/internal/campaign"
	"github.com/m3rciful/fundbot/internal/ledger"
)

// Ledger is the read side of the ledger engine.
type Ledger interface {
	Overview(ctx context.Context) ([]ledger.Snapshot, error)
	GetState(ctx context.Context, key string) (ledger.Snapshot, error)
	Cycles(ctx context.Context, key string) ([]campaign.Cycle, error)
}

// Tally is the read side of the tally service.
type Tally interface {
	List(ctx context.Context, key string) ([]campaign.TallyEntry, error)
	Total(ctx context.Context, key string) (int64, error)
}

// Pinger reports storage readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the API.
type Handler struct {
	ledger Ledger
	tally  Tally
	ready  Pinger
}

// NewHandler builds a handler over the given readers.
func NewHandler(l Ledger, t Tally, ready Pinger) *Handler {
	return &Handler{ledger: l, tally: t, ready: ready}
}

// NewRouter mounts the API routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(accessLog)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ok", nil) })
	r.Get("/readyz", h.readyz)
	r.Route("/v1/campaigns", func(r chi.Router) {
		r.Get("/", h.listCampaigns)
		r.Get("/{key}", h.getCampaign)
		r.Get("/{key}/cycles", h.listCycles)
		r.Get("/{key}/tally", h.listTally)
	})
	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logger.WithRID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("http_code", status),
			slog.Duration("duration", logger.Took(start)),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn(ctx, logger.CompHTTP, "http.request", attrs...)
			return
		}
		logger.Debug(ctx, logger.CompHTTP, "http.request", attrs...)
	})
}

// Server runs the router on a listen address.
type Server struct {
	srv *http.Server
}

// NewServer binds h to addr.
func NewServer(addr string, h http.Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, logger.CompHTTP, "http.listen", slog.String("listen", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.srv.Shutdown(shutdownCtx)
	logger.Info(ctx, logger.CompHTTP, "http.stop", slog.String("status", logger.Status(err)))
	return err
}
