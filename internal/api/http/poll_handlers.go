package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/livepoll/livepoll/internal/application/coordinator"
)

const codeNotConnected = "NOT_CONNECTED"

type participantRequest struct {
	Name string `json:"name"`
}

type voteRequest struct {
	OptionIndex *int   `json:"optionIndex"`
	Name        string `json:"name,omitempty"`
}

// Connection intents

func (s *Server) registerPresenter(w http.ResponseWriter, r *http.Request) {
	connID := chi.URLParam(r, "clientId")
	s.registerConnection(w, connID, func() (*coordinator.PollState, error) {
		return s.coord.RegisterPresenter(r.Context(), connID)
	})
}

func (s *Server) registerParticipant(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, coordinator.CodeValidation, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = callerName(r)
	}
	connID := chi.URLParam(r, "clientId")
	s.registerConnection(w, connID, func() (*coordinator.PollState, error) {
		return s.coord.RegisterParticipant(r.Context(), connID, req.Name)
	})
}

// registerConnection runs a registration intent for a connection that has an
// open event stream. Sessions live only as long as the stream: a stream that
// closed while the intent ran has already been released, so the session it
// created is dropped again.
func (s *Server) registerConnection(w http.ResponseWriter, connID string, register func() (*coordinator.PollState, error)) {
	if s.sseHub.GetClient(connID) == nil {
		respondError(w, http.StatusConflict, codeNotConnected, "connection has no open event stream")
		return
	}
	state, err := register()
	if err != nil {
		respondIntentError(w, err)
		return
	}
	if s.sseHub.GetClient(connID) == nil {
		s.coord.Disconnect(connID)
		respondError(w, http.StatusConflict, codeNotConnected, "event stream closed during registration")
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) resync(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, coordinator.CodeValidation, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = callerName(r)
	}
	state, err := s.coord.Resync(r.Context(), chi.URLParam(r, "clientId"), req.Name)
	if err != nil {
		respondIntentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) createPoll(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreatePollRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, coordinator.CodeValidation, err.Error())
		return
	}
	started, err := s.coord.CreatePoll(r.Context(), chi.URLParam(r, "clientId"), req)
	if err != nil {
		respondIntentError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, started)
}

func (s *Server) submitVote(w http.ResponseWriter, r *http.Request) {
	pollID, err := parseUUIDParam(r, "pollId")
	if err != nil {
		respondError(w, http.StatusBadRequest, coordinator.CodeValidation, "invalid poll id")
		return
	}
	var req voteRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, coordinator.CodeValidation, err.Error())
		return
	}
	if req.OptionIndex == nil {
		respondError(w, http.StatusBadRequest, coordinator.CodeValidation, "optionIndex is required")
		return
	}
	if req.Name == "" {
		req.Name = callerName(r)
	}
	ev, err := s.coord.SubmitVote(r.Context(), chi.URLParam(r, "clientId"), pollID, req.Name, *req.OptionIndex)
	if err != nil {
		respondIntentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) endPoll(w http.ResponseWriter, r *http.Request) {
	pollID, err := parseUUIDParam(r, "pollId")
	if err != nil {
		respondError(w, http.StatusBadRequest, coordinator.CodeValidation, "invalid poll id")
		return
	}
	ev, err := s.coord.EndPoll(r.Context(), chi.URLParam(r, "clientId"), pollID)
	if err != nil {
		respondIntentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) connectionHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, s.opts.HistoryLimit, s.opts.HistoryLimit)
	ev, err := s.coord.History(r.Context(), chi.URLParam(r, "clientId"), limit)
	if err != nil {
		respondIntentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

// Read-only poll endpoints

func (s *Server) getActivePoll(w http.ResponseWriter, r *http.Request) {
	p, remaining, err := s.pollSvc.CurrentState(r.Context())
	if err != nil {
		respondIntentError(w, err)
		return
	}
	state := coordinator.PollState{Poll: p, RemainingSeconds: remaining}
	if name := callerName(r); p != nil && name != "" {
		state.HasVoted = s.pollSvc.HasVoted(r.Context(), p.PollID, name)
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, s.opts.HistoryLimit, s.opts.HistoryLimit)
	polls, err := s.pollSvc.History(r.Context(), limit)
	if err != nil {
		respondIntentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, coordinator.PollHistory{Polls: polls})
}

func (s *Server) checkVote(w http.ResponseWriter, r *http.Request) {
	pollID, err := parseUUIDParam(r, "pollId")
	if err != nil {
		respondError(w, http.StatusBadRequest, coordinator.CodeValidation, "invalid poll id")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"hasVoted": s.pollSvc.HasVoted(r.Context(), pollID, chi.URLParam(r, "name")),
	})
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Participants()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"participants": names,
		"count":        len(names),
	})
}
