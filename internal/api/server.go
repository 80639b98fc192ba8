// Package api exposes the router over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/cartrouter/internal/model"
	"github.com/sells-group/cartrouter/internal/router"
)

const maxBodyBytes = 1 << 20

// Config tunes the HTTP surface.
type Config struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// Server serves the routing API.
type Server struct {
	router *router.Router
	cfg    Config
}

// New creates a Server.
func New(r *router.Router, cfg Config) *Server {
	return &Server{router: r, cfg: cfg}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/route", s.route)
		r.Post("/outcomes", s.outcome)
		r.Post("/tokens/confirm", s.confirm)
		r.Post("/tokens/cancel", s.cancel)
		r.Get("/tokens/{id}", s.getToken)
		r.Get("/providers", s.providers)
		r.Get("/providers/health", s.providerHealth)
		r.Post("/providers/{id}/enable", s.toggleProvider(true))
		r.Post("/providers/{id}/disable", s.toggleProvider(false))
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	var req router.Request
	if !decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = middleware.GetReqID(r.Context())
	}
	dec, err := s.router.Route(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func (s *Server) outcome(w http.ResponseWriter, r *http.Request) {
	var o model.OrderOutcome
	if !decode(w, r, &o) {
		return
	}
	if err := s.router.RecordOutcome(r.Context(), o); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

type tokenRequest struct {
	ConfirmationToken string `json:"confirmationToken"`
}

type tokenResponse struct {
	ConfirmationToken string           `json:"confirmationToken"`
	State             model.TokenState `json:"state"`
	ProviderID        string           `json:"providerId"`
	TotalCents        int64            `json:"totalCents"`
	ExpiresAt         time.Time        `json:"expiresAt"`
}

func toTokenResponse(t *model.ConfirmationToken) tokenResponse {
	return tokenResponse{
		ConfirmationToken: t.ID,
		State:             t.State,
		ProviderID:        t.Quote.ProviderID,
		TotalCents:        t.Quote.Quote.TotalCents,
		ExpiresAt:         t.ExpiresAt,
	}
}

func (s *Server) confirm(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.router.Confirm(r.Context(), req.ConfirmationToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(t))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.router.Cancel(r.Context(), req.ConfirmationToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(t))
}

func (s *Server) getToken(w http.ResponseWriter, r *http.Request) {
	t, err := s.router.Token(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) providers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.router.Providers()})
}

func (s *Server) providerHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.router.Health(r.Context())})
}

func (s *Server) toggleProvider(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.router.SetProviderEnabled(id, enabled); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"providerId": id, "enabled": enabled})
	}
}

type errorBody struct {
	Error   router.Code `json:"error"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code router.Code) int {
	switch code {
	case router.CodeInvalidRequest:
		return http.StatusBadRequest
	case router.CodeNoProviders:
		return http.StatusUnprocessableEntity
	case router.CodeNoValidQuotes:
		return http.StatusBadGateway
	case router.CodeTokenNotFound, router.CodeProviderNotFound:
		return http.StatusNotFound
	case router.CodeTokenConflict:
		return http.StatusConflict
	case router.CodeTokenExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	re := router.AsError(err)
	status := StatusFor(re.Code)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.String("code", string(re.Code)), zap.Error(err))
	} else {
		zap.L().Debug("api: request rejected", zap.String("code", string(re.Code)), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: re.Code, Message: re.Message, Details: re.Details})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		msg := "invalid request body"
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			msg = "request body too large"
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: router.CodeInvalidRequest, Message: msg})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
