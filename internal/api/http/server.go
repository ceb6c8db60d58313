package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	appSession "github.com/clipstake/clipstake/internal/application/session"
	appSettlement "github.com/clipstake/clipstake/internal/application/settlement"
	"github.com/clipstake/clipstake/internal/domain/session"
	"github.com/clipstake/clipstake/internal/domain/settlement"
	"github.com/clipstake/clipstake/internal/infrastructure/broadcast"
	"github.com/clipstake/clipstake/internal/infrastructure/channel"
)

// ChannelStatus reports the coordinator connection.
type ChannelStatus interface {
	State() channel.State
	Degraded() bool
}

// KeyStatus reports the signing identity.
type KeyStatus interface {
	Address() string
	Degraded() bool
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	sessions   *appSession.Service
	settlement *appSettlement.Coordinator
	hub        *broadcast.Hub
	channel    ChannelStatus
	key        KeyStatus
	gatherer   prometheus.Gatherer
	apiToken   string
	logger     zerolog.Logger
}

// Options carries the optional parts of the server. A nil Channel means
// local simulation mode; an empty APIToken disables authentication.
type Options struct {
	Channel  ChannelStatus
	Gatherer prometheus.Gatherer
	APIToken string
}

func NewServer(
	sessions *appSession.Service,
	coord *appSettlement.Coordinator,
	hub *broadcast.Hub,
	key KeyStatus,
	opts Options,
	logger zerolog.Logger,
) *Server {
	return &Server{
		sessions:   sessions,
		settlement: coord,
		hub:        hub,
		channel:    opts.Channel,
		key:        key,
		gatherer:   opts.Gatherer,
		apiToken:   opts.APIToken,
		logger:     logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)

		// Streams outlive the request timeout.
		r.Get("/events", s.events)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/session", func(r chi.Router) {
				r.Post("/", s.createSession)
				r.Get("/", s.getSession)
				r.Post("/settle", s.settleSession)
				r.Post("/challenge/respond", s.respondToChallenge)
			})

			r.Route("/predictions", func(r chi.Router) {
				r.Post("/", s.predict)
				r.Get("/{predictionId}", s.getPrediction)
				r.Patch("/{predictionId}", s.updatePrediction)
				r.Delete("/{predictionId}", s.cancelPrediction)
			})

			r.Post("/votes", s.vote)

			r.Route("/contests/{contestId}", func(r chi.Router) {
				r.Get("/entries", s.listEntries)
				r.Post("/close", s.closeContest)
			})
		})
	})

	return r
}

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

// respondDomainError maps service errors onto the API error codes.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidAmount), errors.Is(err, settlement.ErrNoContest):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, session.ErrPredictionNotFound), errors.Is(err, session.ErrVoteNotFound), errors.Is(err, session.ErrNoSession):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, session.ErrInsufficientBalance):
		respondError(w, http.StatusConflict, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, session.ErrSessionSettled), errors.Is(err, session.ErrSessionExpired), errors.Is(err, session.ErrSessionNotActive):
		respondError(w, http.StatusConflict, "SESSION_CLOSED", err.Error())
	case errors.Is(err, settlement.ErrSettlement), errors.Is(err, session.ErrUnhandledChallenge):
		respondError(w, http.StatusBadGateway, "SETTLEMENT_FAILED", err.Error())
	case errors.Is(err, channel.ErrAuthentication):
		respondError(w, http.StatusServiceUnavailable, "COORDINATOR_UNAVAILABLE", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
