package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	appSession "github.com/clipstake/clipstake/internal/application/session"
	"github.com/clipstake/clipstake/internal/domain/settlement"
)

type createSessionRequest struct {
	ContestID    string          `json:"contestId"`
	Deposit      decimal.Decimal `json:"deposit"`
	Participants []string        `json:"participants"`
}

type predictRequest struct {
	ContestID string          `json:"contestId"`
	ItemID    string          `json:"itemId"`
	Amount    decimal.Decimal `json:"amount"`
}

type updatePredictionRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type voteRequest struct {
	ContestID string `json:"contestId"`
	ItemID    string `json:"itemId"`
}

type closeContestRequest struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	WinningItemID string    `json:"winningItemId"`
	Submit        bool      `json:"submit"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "ok",
		"mode":    "local",
		"address": s.key.Address(),
		"streams": s.hub.ClientCount(),
		"dropped": s.hub.Dropped(),
	}
	degraded := s.key.Degraded()
	if s.channel != nil {
		resp["mode"] = "network"
		resp["channel"] = s.channel.State()
		degraded = degraded || s.channel.Degraded()
	}
	if degraded {
		resp["status"] = "degraded"
	}
	if cfg, ok := s.sessions.NetworkConfig(); ok {
		resp["network"] = cfg
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.ContestID) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "contestId is required")
		return
	}
	sess, err := s.sessions.CreateSession(r.Context(), appSession.CreateSessionInput{
		ContestID:    req.ContestID,
		Deposit:      req.Deposit,
		Participants: req.Participants,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Session()
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no active session")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) settleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.RequestSettlement(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) respondToChallenge(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.RespondToChallenge(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.ContestID == "" || req.ItemID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "contestId and itemId are required")
		return
	}
	p, err := s.sessions.Predict(r.Context(), appSession.PredictInput{
		ContestID: req.ContestID,
		ItemID:    req.ItemID,
		Amount:    req.Amount,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) getPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := s.sessions.Prediction(chi.URLParam(r, "predictionId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) updatePrediction(w http.ResponseWriter, r *http.Request) {
	var req updatePredictionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	p, err := s.sessions.UpdatePrediction(r.Context(), chi.URLParam(r, "predictionId"), req.Amount)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) cancelPrediction(w http.ResponseWriter, r *http.Request) {
	p, err := s.sessions.CancelPrediction(r.Context(), chi.URLParam(r, "predictionId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) vote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.ContestID == "" || req.ItemID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "contestId and itemId are required")
		return
	}
	v, err := s.sessions.Vote(r.Context(), req.ContestID, req.ItemID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, v)
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.settlement.Entries(chi.URLParam(r, "contestId"))
	if entries == nil {
		entries = []settlement.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

func (s *Server) closeContest(w http.ResponseWriter, r *http.Request) {
	var req closeContestRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.Start.IsZero() || req.End.IsZero() || !req.End.After(req.Start) {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "start and end are required and end must follow start")
		return
	}
	contest := settlement.Contest{
		ID:            chi.URLParam(r, "contestId"),
		Start:         req.Start,
		End:           req.End,
		WinningItemID: req.WinningItemID,
	}
	res, err := s.settlement.Close(r.Context(), contest)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if req.Submit {
		if err := s.settlement.Submit(r.Context(), res.Record); err != nil {
			respondDomainError(w, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"result":    res,
		"submitted": req.Submit,
	})
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	client := s.hub.Register(64)
	defer s.hub.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.C:
			payload, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn().Err(err).Msg("encode change")
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-client.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
