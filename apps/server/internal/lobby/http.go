package lobby

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"bazaar-lite/apps/server/internal/session"
	"bazaar-lite/apps/server/internal/transcript"
	"bazaar-lite/bazaar"
	"bazaar-lite/turn"
)

const (
	collectionRoute = "/api/session"
	routePrefix     = "/api/session/"
	turnTimeout     = 60 * time.Second
)

type HTTPHandler struct {
	lobby *Lobby
	debug bool
}

type errorResponse struct {
	Error string `json:"error"`
}

type sessionResponse struct {
	SessionID     string            `json:"session_id"`
	World         bazaar.World      `json:"world_state"`
	Objective     *bazaar.Objective `json:"objective,omitempty"`
	Turns         int               `json:"turns"`
	ExecutedTurns int               `json:"executed_turns"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActive    time.Time         `json:"last_active"`
}

type turnRequest struct {
	Utterance string `json:"utterance"`
}

type turnResponse struct {
	SessionID string            `json:"session_id"`
	Intent    bazaar.Intent     `json:"intent"`
	Valid     bool              `json:"valid"`
	Executed  bool              `json:"executed"`
	Retries   int               `json:"retries"`
	Feedback  []string          `json:"feedback"`
	Diff      *bazaar.Diff      `json:"diff,omitempty"`
	Trace     []turn.TraceEntry `json:"trace"`
	World     bazaar.World      `json:"world_state"`
	Objective *bazaar.Objective `json:"objective,omitempty"`
}

// NewHTTPHandler serves the session lifecycle API. The turn endpoint is only
// mounted when debug is set; players normally talk over the websocket.
func NewHTTPHandler(lby *Lobby, debug bool) *HTTPHandler {
	return &HTTPHandler{lobby: lby, debug: debug}
}

func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(collectionRoute, h.handleCreate)
	mux.HandleFunc(routePrefix, h.handleSession)
}

func (h *HTTPHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s, err := h.lobby.Create(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create session failed")
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(s.State()))
}

// handleSession serves /api/session/{id}, /api/session/{id}/turn and
// /api/session/{id}/transcript.pdf.
func (h *HTTPHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, routePrefix), "/")
	parts := strings.Split(path, "/")
	sessionID := strings.TrimSpace(parts[0])
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}
	if err := ValidateID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch {
	case len(parts) == 1:
		switch r.Method {
		case http.MethodGet:
			h.handleGet(w, r, sessionID)
		case http.MethodDelete:
			h.handleDelete(w, r, sessionID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case len(parts) == 2 && parts[1] == "turn" && h.debug:
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleTurn(w, r, sessionID)
	case len(parts) == 2 && parts[1] == "transcript.pdf":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleTranscript(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *HTTPHandler) handleGet(w http.ResponseWriter, r *http.Request, sessionID string) {
	s, ok := h.resume(w, r, sessionID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s.State()))
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.lobby.Delete(ctx, sessionID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete session failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"deleted":    true,
	})
}

func (h *HTTPHandler) handleTurn(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req turnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Utterance = strings.TrimSpace(req.Utterance)
	if req.Utterance == "" {
		writeError(w, http.StatusBadRequest, "missing utterance")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), turnTimeout)
	defer cancel()
	s, err := h.lobby.GetOrCreate(ctx, sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load session failed")
		return
	}
	res, err := s.SubmitTurn(ctx, req.Utterance)
	if errors.Is(err, session.ErrSessionClosed) {
		// swept between lookup and submit
		if s, err = h.lobby.GetOrCreate(ctx, sessionID); err == nil {
			res, err = s.SubmitTurn(ctx, req.Utterance)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, turn.ErrCancelled):
			writeError(w, http.StatusRequestTimeout, "turn cancelled")
		case errors.Is(err, session.ErrEmptyUtterance):
			writeError(w, http.StatusBadRequest, "missing utterance")
		default:
			writeError(w, http.StatusInternalServerError, "turn failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{
		SessionID: sessionID,
		Intent:    res.Intent,
		Valid:     res.Verdict.Valid,
		Executed:  res.Executed,
		Retries:   res.Retries,
		Feedback:  res.Feedback,
		Diff:      res.Diff,
		Trace:     res.Trace,
		World:     res.World,
		Objective: res.World.Objective,
	})
}

func (h *HTTPHandler) handleTranscript(w http.ResponseWriter, r *http.Request, sessionID string) {
	s, ok := h.resume(w, r, sessionID)
	if !ok {
		return
	}
	st := s.State()
	var buf bytes.Buffer
	err := transcript.Render(&buf, transcript.Document{
		SessionID:   st.SessionID,
		World:       st.World,
		Turns:       st.Turns,
		GeneratedAt: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "render transcript failed")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sessionID+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *HTTPHandler) resume(w http.ResponseWriter, r *http.Request, sessionID string) (*session.Session, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	s, err := h.lobby.Resume(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "load session failed")
		return nil, false
	}
	return s, true
}

func toSessionResponse(st session.State) sessionResponse {
	return sessionResponse{
		SessionID:     st.SessionID,
		World:         st.World,
		Objective:     st.World.Objective,
		Turns:         st.Turns,
		ExecutedTurns: st.ExecutedTurns,
		CreatedAt:     st.CreatedAt,
		LastActive:    st.LastActive,
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
