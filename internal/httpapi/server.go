// Package httpapi exposes the analysis orchestrator over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Napageneral/reframe/internal/auth"
	"github.com/Napageneral/reframe/internal/metrics"
	"github.com/Napageneral/reframe/internal/orchestrator"
)

// AnalyzePath is the endpoint clients call after saving an entry.
const AnalyzePath = "/functions/v1/analyze-entry"

const maxBodyBytes = 1 << 20

// Error codes returned in the "error" field.
const (
	codeBadRequest   = "bad_request"
	codeUnauthorized = "unauthorized"
	codeNotFound     = "not_found"
	codeRateLimited  = "rate_limited"
	codeInternal     = "internal_error"
)

// Analyzer runs one authenticated analysis. *orchestrator.Orchestrator
// satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

type Options struct {
	Analyzer Analyzer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// RatePerMin and RateBurst bound analyze calls per caller. Zero
	// RatePerMin disables the limit.
	RatePerMin int
	RateBurst  int
}

type Server struct {
	router   *mux.Router
	analyzer Analyzer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		analyzer: opts.Analyzer,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.router.Use(recoverer(s.logger), requestLogging(s.logger))
	if s.metrics != nil {
		s.router.Use(s.metrics.Instrument)
		s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	var analyze http.Handler = http.HandlerFunc(s.handleAnalyze)
	if opts.RatePerMin > 0 {
		var onReject func()
		if s.metrics != nil {
			onReject = s.metrics.RateLimited
		}
		analyze = newRateLimiter(opts.RatePerMin, opts.RateBurst, onReject).Middleware(analyze)
	}
	s.router.Handle(AnalyzePath, cors(analyze)).Methods(http.MethodPost, http.MethodOptions)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type analyzeRequest struct {
	EntryID    string `json:"entryId"`
	Transcript string `json:"transcript,omitempty"`
	OwnerID    string `json:"ownerId,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, codeBadRequest, "request body must be a JSON object")
		return
	}
	resp, err := s.analyzer.Analyze(r.Context(), orchestrator.Request{
		EntryID:    body.EntryID,
		Transcript: body.Transcript,
		OwnerID:    body.OwnerID,
		Bearer:     bearer(r),
	})
	if err != nil {
		e := orchestrator.AsError(err)
		switch e.Kind {
		case orchestrator.KindAuth:
			writeError(w, e.HTTPStatus(), codeUnauthorized, e.Message)
		case orchestrator.KindNotFound:
			writeError(w, e.HTTPStatus(), codeNotFound, "")
		case orchestrator.KindBadRequest:
			writeError(w, e.HTTPStatus(), codeBadRequest, e.Message)
		default:
			writeError(w, http.StatusInternalServerError, codeInternal, "")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// bearer returns the token, or "" which every authenticator rejects.
func bearer(r *http.Request) string {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	return token
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]string{"error": code}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}
