// Package httpapi exposes a bottleneck.Router over HTTP.
//
// The surface mirrors the request lifecycle: submit returns a token
// immediately, responses are polled until resolved, and a pending
// request can be cancelled. Route keys appear as path segments, so an
// element must not itself contain a slash when served over HTTP.
//
//	POST   /requests/{route...}   submit, body is a JSON object of arguments
//	GET    /responses/{token}     poll
//	DELETE /requests/{token}      request cancellation
//	GET    /healthz               liveness
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentstation/bottleneck"
)

const (
	defaultAddr  = ":8080"
	maxBodyBytes = 1 << 20
)

// Server serves the request lifecycle of a router over HTTP.
type Server struct {
	router  *bottleneck.Router
	logger  *zap.Logger
	schemas map[string]*gojsonschema.Schema

	addr            string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) ServerOption {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeouts sets the HTTP read and write timeouts.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// WithShutdownTimeout bounds graceful shutdown once Run's context ends.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer creates a server over the given router.
func NewServer(router *bottleneck.Router, opts ...ServerOption) *Server {
	s := &Server{
		router:          router,
		logger:          zap.NewNop(),
		schemas:         make(map[string]*gojsonschema.Schema),
		addr:            defaultAddr,
		readTimeout:     10 * time.Second,
		writeTimeout:    10 * time.Second,
		shutdownTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSchema compiles a JSON schema and applies it to request bodies
// submitted under the given route key.
func (s *Server) SetSchema(key bottleneck.RouteKey, schemaJSON []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("httpapi: compile schema for route %q: %w", key, err)
	}
	s.schemas[key.String()] = schema
	return nil
}

// Handler builds the HTTP handler. Exposed separately from Run so tests
// can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /requests/{route...}", s.handleSubmit)
	mux.HandleFunc("GET /responses/{token}", s.handlePoll)
	mux.HandleFunc("DELETE /requests/{token}", s.handleCancel)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	key := bottleneck.RouteKey(strings.Split(r.PathValue("route"), "/"))

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if schema := s.schemas[key.String()]; schema != nil {
		result, err := schema.Validate(gojsonschema.NewGoLoader(body))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("validate body: %v", err))
			return
		}
		if !result.Valid() {
			var parts []string
			for _, desc := range result.Errors() {
				parts = append(parts, desc.String())
			}
			s.writeError(w, http.StatusBadRequest, "body validation failed: "+strings.Join(parts, "; "))
			return
		}
	}

	token, err := s.router.QueueRequest(key, body)
	if err != nil {
		s.writeQueueError(w, key, err)
		return
	}

	s.logger.Debug("request queued", zap.String("route", key.String()), zap.String("token", token))
	s.writeJSON(w, http.StatusAccepted, map[string]any{"token": token})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	resp, resolved, err := s.router.PollResponse(token)
	if err != nil {
		s.writeTokenError(w, err)
		return
	}
	if !resolved {
		s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "pending"})
		return
	}

	switch {
	case resp.IsCancelled():
		s.writeJSON(w, http.StatusConflict, map[string]any{"status": "cancelled"})
	case resp.HasError():
		s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"status": "error",
			"error":  resp.ErrorMessage(),
		})
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{
			"status":  "done",
			"payload": resp.Payload(),
		})
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	if err := s.router.CancelRequest(token); err != nil {
		s.writeTokenError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancel_requested"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// readBody parses the request body as a JSON object. An empty body is
// treated as an empty argument map.
func readBody(r *http.Request) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %v", err)
	}
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	parsed, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse body: %v", err)
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("body must be a JSON object")
	}
	return obj, nil
}

func (s *Server) writeQueueError(w http.ResponseWriter, key bottleneck.RouteKey, err error) {
	switch {
	case errors.Is(err, bottleneck.ErrRouteNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bottleneck.ErrQueueFull):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, bottleneck.ErrStopped):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		// Preprocessor rejections surface as client errors.
		s.logger.Debug("submit rejected", zap.String("route", key.String()), zap.Error(err))
		s.writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bottleneck.ErrTokenNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, bottleneck.ErrBadCompositeToken), errors.Is(err, bottleneck.ErrExecutorNotFound):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte(oj.JSON(v))); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}
