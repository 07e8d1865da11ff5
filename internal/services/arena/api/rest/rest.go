// Package rest exposes the arena service over JSON HTTP.
package rest

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	apperrors "github.com/louisbranch/arena/internal/platform/errors"
	"github.com/louisbranch/arena/internal/services/arena/match"
	"github.com/louisbranch/arena/internal/services/arena/matchmaker"
)

const defaultListLimit = 50

// Handler routes the public endpoints.
type Handler struct {
	matchmaker *matchmaker.Matchmaker
	machine    *match.Machine
	mux        *http.ServeMux
}

// NewHandler builds the HTTP handler for the arena API.
func NewHandler(mm *matchmaker.Matchmaker, machine *match.Machine) *Handler {
	h := &Handler{matchmaker: mm, machine: machine, mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /v1/sessions/join", h.handleJoin)
	h.mux.HandleFunc("POST /v1/matches/submit", h.handleSubmit)
	h.mux.HandleFunc("POST /v1/matches/automated", h.handleAutomated)
	h.mux.HandleFunc("GET /v1/matches/completed", h.handleCompleted)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type joinRequest struct {
	ParticipantID string `json:"participant_id"`
	SessionID     string `json:"session_id,omitempty"`
	ForceNew      bool   `json:"force_new,omitempty"`
}

type joinResponse struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sessionID, err := h.matchmaker.Join(r.Context(), req.ParticipantID, req.SessionID, req.ForceNew)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, joinResponse{SessionID: sessionID})
}

type submitRequest struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Submission    string `json:"submission"`
}

type ackResponse struct {
	MatchID string `json:"match_id"`
	Status  string `json:"status"`
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ack, err := h.machine.Submit(r.Context(), req.SessionID, req.ParticipantID, req.Submission)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{MatchID: ack.MatchID, Status: string(ack.Status)})
}

type automatedRequest struct {
	ParticipantID      string `json:"participant_id"`
	Submission         string `json:"submission"`
	OpponentID         string `json:"opponent_id"`
	OpponentSubmission string `json:"opponent_submission"`
}

func (h *Handler) handleAutomated(w http.ResponseWriter, r *http.Request) {
	var req automatedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ack, err := h.machine.PlayAutomated(r.Context(), req.ParticipantID, req.Submission, req.OpponentID, req.OpponentSubmission)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{MatchID: ack.MatchID, Status: string(ack.Status)})
}

type completedMatch struct {
	ParticipantA      string `json:"participant_a"`
	ParticipantB      string `json:"participant_b"`
	RulesetCommitment string `json:"ruleset_commitment"`
	Result            string `json:"result"`
	WinnerID          string `json:"winner_id,omitempty"`
	WinnerCommitment  string `json:"winner_commitment,omitempty"`
}

type completedResponse struct {
	Matches []completedMatch `json:"matches"`
}

func (h *Handler) handleCompleted(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, apperrors.New(apperrors.CodeValidation, "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	views, err := h.machine.CompletedMatches(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := completedResponse{Matches: make([]completedMatch, 0, len(views))}
	for _, view := range views {
		out.Matches = append(out.Matches, completedMatch{
			ParticipantA:      view.ParticipantA,
			ParticipantB:      view.ParticipantB,
			RulesetCommitment: view.RulesetCommitment,
			Result:            view.Result,
			WinnerID:          view.WinnerID,
			WinnerCommitment:  view.WinnerCommitment,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeValidation, "invalid request body", err))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("rest: %s: %v", code, err)
	}
	message := err.Error()
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("rest: encode response: %v", err)
	}
}
