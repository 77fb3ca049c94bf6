package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DeafMist/flash-digest/internal/acquisition"
	"github.com/DeafMist/flash-digest/internal/app"
	"github.com/DeafMist/flash-digest/internal/config"
	"github.com/DeafMist/flash-digest/internal/logger"
	"github.com/DeafMist/flash-digest/internal/models"
)

type archiveReader interface {
	Range(ctx context.Context, start, end time.Time) ([]models.NewsItem, error)
	Latest(ctx context.Context) (*models.NewsItem, error)
}

type passRunner interface {
	RunPass(ctx context.Context) acquisition.Report
}

type digestRunner interface {
	Run(ctx context.Context, start, end time.Time) (acquisition.DigestReport, error)
}

type healthChecker interface {
	Health(ctx context.Context) error
}

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	stack, err := app.Build(ctx, &cfg.Worker, log)
	if err != nil {
		log.Error("build acquisition stack", slog.Any("err", err))
		os.Exit(1)
	}
	defer stack.Close()

	srv := &server{
		log:     log,
		loc:     cfg.Location,
		archive: stack.Archive,
		passes:  stack.Orchestrator,
		digest:  stack.Digest,
		now:     time.Now,
	}
	if stack.Search != nil {
		srv.search = stack.Search
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// a manual pass may walk many pages
		WriteTimeout: 10 * time.Minute,
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

type server struct {
	log     *slog.Logger
	loc     *time.Location
	archive archiveReader
	passes  passRunner
	digest  digestRunner
	search  healthChecker // nil when the mirror is disabled
	now     func() time.Time
}

type errorResponse struct {
	Error string `json:"error"`
}

type newsResponse struct {
	Start time.Time         `json:"start"`
	End   time.Time         `json:"end"`
	Count int               `json:"count"`
	Items []models.NewsItem `json:"items"`
}

type fetchResponse struct {
	Archived  int               `json:"archived"`
	Batch     string            `json:"batch,omitempty"`
	Pages     int               `json:"pages"`
	Bootstrap bool              `json:"bootstrap"`
	Duration  string            `json:"duration"`
	Error     string            `json:"error,omitempty"`
	Items     []models.NewsItem `json:"items"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/news", func(r chi.Router) {
		r.Get("/", s.handleRange)
		r.Get("/latest", s.handleLatest)
	})
	r.Post("/fetch", s.handleFetch)
	r.Post("/digest", s.handleDigest)
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.search.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "search": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "search": "ok"})
}

func (s *server) handleRange(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	items, err := s.archive.Range(ctx, start, end)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if items == nil {
		items = []models.NewsItem{}
	}

	writeJSON(w, http.StatusOK, newsResponse{Start: start, End: end, Count: len(items), Items: items})
}

func (s *server) handleLatest(w http.ResponseWriter, r *http.Request) {
	item, err := s.archive.Latest(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if item == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "archive is empty"})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	report := s.passes.RunPass(r.Context())

	resp := fetchResponse{
		Archived:  len(report.Items),
		Batch:     string(report.Label),
		Pages:     report.Pages,
		Bootstrap: report.Bootstrap,
		Duration:  report.Duration.String(),
		Items:     report.Items,
	}
	if resp.Items == nil {
		resp.Items = []models.NewsItem{}
	}

	status := http.StatusOK
	if report.Err != nil {
		resp.Error = report.Err.Error()
		if len(report.Items) == 0 {
			status = http.StatusBadGateway
		}
	}
	s.log.Info("manual fetch", slog.Int("archived", resp.Archived), slog.String("error", resp.Error))
	writeJSON(w, status, resp)
}

func (s *server) handleDigest(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.window(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	report, err := s.digest.Run(r.Context(), start, end)
	switch {
	case errors.Is(err, acquisition.ErrInvalidRange):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

// window reads start and end query parameters, defaulting to the last hour.
func (s *server) window(r *http.Request) (time.Time, time.Time, error) {
	end := s.now()
	start := end.Add(-time.Hour)

	if raw := r.URL.Query().Get("start"); raw != "" {
		ts, err := config.ParseTime(raw, s.loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
		start = ts
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		ts, err := config.ParseTime(raw, s.loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		end = ts
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, acquisition.ErrInvalidRange
	}
	return start, end, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
