// Package api exposes the worklog contract over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"worklog/internal/contract"
	"worklog/internal/domain"
	"worklog/internal/ingest"
	"worklog/internal/query"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Address string
	Target  contract.Target
	Health  func(context.Context) error
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	invoker ingest.Invoker
	logger  *slog.Logger
	router  chi.Router
	http    *http.Server
}

func NewServer(cfg Config, invoker ingest.Invoker) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{cfg: cfg, invoker: invoker, logger: logger.With("component", "api")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Post("/query", srv.handleQuery)
		r.Post("/worklogs", srv.handleCreate)
		r.Get("/worklogs/{profileID}", srv.handleLatest)
		r.Get("/worklogs/{profileID}/history", srv.handleHistory)
	})
	r.Handle("/metrics", promhttp.Handler())

	srv.router = r
	return srv
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{Addr: s.cfg.Address, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP API", "addr", s.cfg.Address)
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "worklog"})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	arg, _ := json.Marshal(map[string]string{"profileId": chi.URLParam(r, "profileID")})
	s.invoke(w, r, contract.OpQueryWorklog, string(arg))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	fields := make(map[string]any)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			fields[name] = queryValue(values[len(values)-1])
		}
	}
	sel, err := query.NewSelector(domain.WorklogKey(chi.URLParam(r, "profileID")), fields)
	if err != nil {
		writeError(w, err)
		return
	}
	text, err := json.Marshal(sel)
	if err != nil {
		writeError(w, err)
		return
	}
	s.invoke(w, r, contract.OpQueryWorklogByString, string(text))
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	s.invoke(w, r, contract.OpQueryWorklogByString, string(body))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	txID := r.Header.Get("X-Tx-Id")
	if txID == "" {
		txID = uuid.NewString()
	}
	_, err := s.invoker.Invoke(r.Context(), contract.Invocation{
		Target:   s.cfg.Target,
		TxID:     txID,
		Function: contract.OpCreateWorklog.String(),
		Args:     []string{string(body)},
	})
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"txId": txID})
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request, op contract.Operation, arg string) {
	payload, err := s.invoker.Invoke(r.Context(), contract.Invocation{
		Target:   s.cfg.Target,
		Function: op.String(),
		Args:     []string{arg},
	})
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (s *Server) logFailure(r *http.Request, err error) {
	if contract.StatusOf(err) == contract.StatusInternal {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
}

// queryValue reads a query parameter as a JSON scalar so ?eventValue=7 and
// ?active=true constrain numbers and booleans. Anything else is a string.
func queryValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	switch v.(type) {
	case nil, bool, string, json.Number:
		return v
	default:
		return raw
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return nil, false
	}
	return body, true
}

func statusCode(err error) int {
	switch contract.StatusOf(err) {
	case contract.StatusBadRequest:
		return http.StatusBadRequest
	case contract.StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
