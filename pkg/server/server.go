// Package server exposes the volume queries as a JSON HTTP API.
//
// Every endpoint takes a JSON body that is validated against an embedded
// JSON schema before it is decoded. Failures are answered with
//
//	{"error": "...", "stage": "lookup"}
//
// where stage names the pipeline step that failed (empty for malformed
// requests).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/blang/semver"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"
	"github.com/zenazn/goji/web/mutil"

	"volumeqa/internal/models"
	"volumeqa/pkg/config"
	"volumeqa/pkg/service"
)

// Version is the API version reported by /api/version.
var Version = semver.MustParse("1.2.0")

// Server routes HTTP requests to a Service.
type Server struct {
	svc     *service.Service
	cfg     *config.Config
	schemas map[string]*jsonschema.Schema
	mux     *web.Mux
	log     zerolog.Logger
}

// New builds the router for svc.
func New(svc *service.Service, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	s := &Server{
		svc:     svc,
		cfg:     cfg,
		schemas: schemas,
		mux:     web.New(),
		log:     logger.With().Str("component", "http").Logger(),
	}

	s.mux.Use(middleware.RequestID)
	s.mux.Use(s.requestLogger)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(s.limitBody)

	s.mux.Post("/api/browse", s.handleBrowse)
	s.mux.Post("/api/load-dicom-files", s.handleLoadFiles)
	s.mux.Post("/api/load-dicom", s.handleLoadPath)
	s.mux.Post("/api/get-projection", s.handleProjection)
	s.mux.Post("/api/gaussian-profile", s.handleGaussian)
	s.mux.Post("/api/mtf-analysis", s.handleMTF)
	s.mux.Get("/api/volumes", s.handleVolumes)
	s.mux.Delete("/api/volumes/:id", s.handleEvict)
	s.mux.Get("/api/version", s.handleVersion)
	s.mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no route for " + r.Method + " " + r.URL.Path})
	})
	s.mux.Compile()

	return s, nil
}

// Handler returns the CORS-enabled root handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", srv.Addr).Stringer("version", Version).Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs one line per request with its id, status and duration.
func (s *Server) requestLogger(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := mutil.WrapWriter(w)
		h.ServeHTTP(lw, r)

		status := lw.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := s.log.Info()
		if status >= http.StatusInternalServerError {
			event = s.log.Error()
		}
		event.
			Str("req_id", middleware.GetReqID(*c)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", lw.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
	return http.HandlerFunc(fn)
}

// limitBody caps request bodies at the configured size.
func (s *Server) limitBody(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

type errorBody struct {
	Error string       `json:"error"`
	Stage models.Stage `json:"stage,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidAxis),
		errors.Is(err, models.ErrIndexOutOfRange),
		errors.Is(err, models.ErrEmptyROI),
		errors.Is(err, models.ErrLineTooShort),
		errors.Is(err, models.ErrNoPixelData),
		errors.Is(err, models.ErrInvalidWindow),
		errors.Is(err, models.ErrShapeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(c web.C, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Str("req_id", middleware.GetReqID(c)).Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Stage: models.StageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// the status line is already out; an encoding failure can only truncate
	_ = json.NewEncoder(w).Encode(v)
}
