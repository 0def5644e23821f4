package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserplane/internal/command"
	"github.com/shehryarbajwa/browserplane/internal/registry"
	"github.com/shehryarbajwa/browserplane/pkg/models"
)

const maxBodyBytes = 1 << 20

// Sessions is the session manager as seen by the HTTP layer
type Sessions interface {
	Create(ctx context.Context, req models.CreateSessionRequest) (models.Session, error)
	Get(id string) (models.Session, error)
	List(f registry.Filter) []models.Session
	Execute(ctx context.Context, id string, cmd command.Command) (command.Result, error)
	Delete(ctx context.Context, id string) error
	DebugURL(id string) (string, error)
	Usage(projectID string) models.ProjectUsage
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions Sessions
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions Sessions, logger *zap.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		logger:   logger.Named("api"),
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// CreateSession handles POST /v1/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest

	// An empty body asks for a session with every default.
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeBadRequest(w, "Invalid request body: "+err.Error())
			return
		}
	}

	session, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.CreateSessionResponse{
		SessionID: session.ID,
		Session:   session,
	})
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := h.sessions.Get(id)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SessionStatusResponse{
		Status:  models.StatusActive,
		Session: &session,
	})
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	filter := registry.Filter{
		ProjectID: r.URL.Query().Get("projectId"),
		State:     models.State(r.URL.Query().Get("status")),
	}

	writeJSON(w, http.StatusOK, h.sessions.List(filter))
}

// DeleteSession handles DELETE /v1/sessions/{id}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.sessions.Delete(r.Context(), id); err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SessionStatusResponse{Status: models.StatusDeleted})
}

// ExecuteCommand handles POST /v1/sessions/{id}/commands
func (h *Handler) ExecuteCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.CommandRequest
	if err := decode(w, r, &req); err != nil {
		writeBadRequest(w, "Invalid request body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeBadRequest(w, "type is required")
		return
	}

	h.execute(w, r, id, command.Command{Type: req.Type, Params: req.Params})
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request, id string, cmd command.Command) {
	result, err := h.sessions.Execute(r.Context(), id, cmd)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, models.CommandResponse{
		Status: models.StatusSuccess,
		Result: result,
	})
}

// NavigateSession handles POST /v1/sessions/{id}/navigate
func (h *Handler) NavigateSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		URL string `json:"url"`
	}
	if err := decode(w, r, &req); err != nil {
		writeBadRequest(w, "Invalid request")
		return
	}

	h.logger.Debug("Navigating session", zap.String("session_id", id), zap.String("url", req.URL))
	h.execute(w, r, id, command.Command{
		Type:   "navigate",
		Params: map[string]interface{}{"url": req.URL},
	})
}

// GetSessionScreenshot handles GET /v1/sessions/{id}/screenshot
func (h *Handler) GetSessionScreenshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := h.sessions.Execute(r.Context(), id, command.Command{Type: "screenshot"})
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	data, _ := result["data"].(string)
	png, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		h.logger.Error("Invalid screenshot data", zap.String("session_id", id), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Status: models.StatusError,
			Error:  "Failed to decode screenshot",
		})
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// GetDebugURL handles GET /v1/sessions/{id}/debug
func (h *Handler) GetDebugURL(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := h.sessions.DebugURL(id); err != nil {
		h.writeSessionError(w, err)
		return
	}

	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"debuggerUrl": fmt.Sprintf("%s://%s/v1/sessions/%s/ws", scheme, r.Host, id),
		"sessionId":   id,
		"status":      models.StatusActive,
	})
}

// GetProjectUsage handles GET /v1/projects/{id}/usage
func (h *Handler) GetProjectUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Usage(mux.Vars(r)["id"]))
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	active := h.sessions.List(registry.Filter{State: models.StateActive})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"activeSessions": len(active),
	})
}
