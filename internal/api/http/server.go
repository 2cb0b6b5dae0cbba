package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livepoll/livepoll/internal/application/coordinator"
	appPoll "github.com/livepoll/livepoll/internal/application/poll"
	appSession "github.com/livepoll/livepoll/internal/application/session"
	"github.com/livepoll/livepoll/internal/domain/notification"
)

// Options tunes the HTTP layer.
type Options struct {
	RequestTimeout    time.Duration
	SSEBuffer         int
	HeartbeatInterval time.Duration
	HistoryLimit      int
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	coord          *coordinator.Coordinator
	pollSvc        *appPoll.Service
	registry       *appSession.Registry
	sseHub         notification.SSEHub
	identity       *Identity
	metricsHandler http.Handler
	opts           Options
	logger         zerolog.Logger
}

func NewServer(
	coord *coordinator.Coordinator,
	pollSvc *appPoll.Service,
	registry *appSession.Registry,
	sseHub notification.SSEHub,
	identity *Identity,
	metricsHandler http.Handler,
	opts Options,
	logger zerolog.Logger,
) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = appPoll.DefaultHistoryLimit
	}
	if identity == nil {
		identity = NewIdentity(nil)
	}
	return &Server{
		coord:          coord,
		pollSvc:        pollSvc,
		registry:       registry,
		sseHub:         sseHub,
		identity:       identity,
		metricsHandler: metricsHandler,
		opts:           opts,
		logger:         logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.withCaller)

	r.Get("/health", s.health)
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		// streams are long lived and must not inherit the request timeout
		r.Get("/stream", s.sseEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))

			r.Route("/connections/{clientId}", func(r chi.Router) {
				r.With(s.requirePresenterKey).Post("/presenter", s.registerPresenter)
				r.Post("/participant", s.registerParticipant)
				r.Post("/resync", s.resync)
				r.Post("/polls", s.createPoll)
				r.Post("/polls/{pollId}/votes", s.submitVote)
				r.Post("/polls/{pollId}/end", s.endPoll)
				r.Get("/history", s.connectionHistory)
			})

			r.Route("/polls", func(r chi.Router) {
				r.Get("/active", s.getActivePoll)
				r.Get("/history", s.listHistory)
				r.Get("/{pollId}/votes/{name}", s.checkVote)
			})

			r.With(s.requirePresenterKey).Get("/participants", s.listParticipants)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.pollSvc.Ping(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("health check failed")
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "store unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"connections":  s.sseHub.GetClientCount(),
		"participants": s.registry.ParticipantCount(),
	})
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondIntentError maps a rejected intent to its HTTP status. The
// originating connection has already received the matching error event.
func respondIntentError(w http.ResponseWriter, err error) {
	code := coordinator.ErrorCode(err)
	message := err.Error()
	if code == coordinator.CodeInternal {
		message = coordinator.ErrInternal.Error()
	}
	respondError(w, statusForCode(code), code, message)
}

func statusForCode(code string) int {
	switch code {
	case coordinator.CodeValidation:
		return http.StatusBadRequest
	case coordinator.CodeConflict, coordinator.CodeInactive, coordinator.CodeDuplicateVote:
		return http.StatusConflict
	case coordinator.CodeNotFound:
		return http.StatusNotFound
	case coordinator.CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeOptionalBody is decodeBody that accepts an empty body.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	if err := decodeBody(r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
