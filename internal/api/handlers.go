package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postwatch/postwatch/internal/models"
	"github.com/postwatch/postwatch/internal/registry"
	"github.com/postwatch/postwatch/internal/scheduler"
	"github.com/postwatch/postwatch/internal/staleness"
)

const maxBodyBytes = 1 << 16

// ClientView is a client record together with its staleness classification.
type ClientView struct {
	models.ClientRecord
	Staleness staleness.Classification `json:"staleness"`
}

// ClientsResponse is the body of GET /api/clients.
type ClientsResponse struct {
	Clients []ClientView    `json:"clients"`
	Count   int             `json:"count"`
	Filter  registry.Filter `json:"filter"`
	Query   string          `json:"query,omitempty"`
}

// SyncStartedResponse is returned when a background sync was accepted.
type SyncStartedResponse struct {
	Status   string `json:"status"`
	ClientID string `json:"client_id,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type Handler struct {
	registry    *registry.Registry
	engine      *scheduler.Engine
	logger      *slog.Logger
	now         func() time.Time
	healthCheck func(ctx context.Context) error
	startTime   time.Time
}

func NewHandler(reg *registry.Registry, engine *scheduler.Engine, logger *slog.Logger) *Handler {
	return &Handler{
		registry:  reg,
		engine:    engine,
		logger:    logger,
		now:       time.Now,
		startTime: time.Now(),
	}
}

// SetHealthCheck installs the check run by GET /healthz, typically the roster
// table check when the roster lives in Postgres.
func (h *Handler) SetHealthCheck(check func(ctx context.Context) error) {
	h.healthCheck = check
}

// ListClients handles GET /api/clients?filter=all|alert&q=
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	filter, err := registry.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ValidationError{Field: "filter", Message: "Filter must be 'all' or 'alert'"})
		return
	}
	query := r.URL.Query().Get("q")

	clients := h.registry.List(filter, query)
	now := h.now()

	views := make([]ClientView, 0, len(clients))
	for _, c := range clients {
		views = append(views, h.view(c, now))
	}

	writeJSON(w, http.StatusOK, ClientsResponse{
		Clients: views,
		Count:   len(views),
		Filter:  filter,
		Query:   query,
	})
}

// CreateClient handles POST /api/clients
// Body: {"name": "Padaria Pão Quente", "username": "@padariapaoquente", "manager": "Maria"}
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var candidate models.ClientCandidate
	if err := decodeBody(w, r, &candidate); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := ValidateCandidate(candidate); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	record, err := h.engine.AddClient(r.Context(), candidate)
	if err != nil {
		h.respondRegistryError(w, "failed to add client", err)
		return
	}

	writeJSON(w, http.StatusCreated, h.view(record, h.now()))
}

// GetClient handles GET /api/clients/{id}
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	record, ok := h.registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("client not found"))
		return
	}
	writeJSON(w, http.StatusOK, h.view(record, h.now()))
}

// UpdateClient handles PUT /api/clients/{id}
func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	var fields models.ClientFields
	if err := decodeBody(w, r, &fields); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := ValidateClientFields(fields); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id := chi.URLParam(r, "id")
	record, found, err := h.registry.Update(r.Context(), id, fields)
	if err != nil {
		h.respondRegistryError(w, "failed to update client", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, errors.New("client not found"))
		return
	}

	h.logger.Info("client updated", "client_id", id)
	writeJSON(w, http.StatusOK, h.view(record, h.now()))
}

// DeleteClient handles DELETE /api/clients/{id}
func (h *Handler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.registry.Remove(r.Context(), id) {
		writeError(w, http.StatusNotFound, errors.New("client not found"))
		return
	}

	h.logger.Info("client removed", "client_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// SyncClient handles POST /api/clients/{id}/sync
func (h *Handler) SyncClient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.engine.SyncClient(id); err != nil {
		if errors.Is(err, scheduler.ErrClientNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to start client sync", "client_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to start sync"))
		return
	}

	writeJSON(w, http.StatusAccepted, SyncStartedResponse{Status: "started", ClientID: id})
}

// RefreshAll handles POST /api/sync
func (h *Handler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	if !h.engine.StartRefreshAll() {
		writeError(w, http.StatusConflict, scheduler.ErrBusy)
		return
	}
	writeJSON(w, http.StatusAccepted, SyncStartedResponse{Status: "started"})
}

// SyncStatus handles GET /api/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status())
}

// Stats handles GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Stats())
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"busy":           h.engine.IsBusy(),
	}

	if h.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := h.healthCheck(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
	}

	writeJSON(w, status, body)
}

func (h *Handler) view(c models.ClientRecord, now time.Time) ClientView {
	return ClientView{ClientRecord: c, Staleness: staleness.Classify(c, now)}
}

func (h *Handler) respondRegistryError(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, registry.ErrInvalidClient) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, errors.New(msg))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ValidationError{Field: "body", Message: "Invalid request body"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var verr ValidationError
	if errors.As(err, &verr) {
		resp = ErrorResponse{Error: verr.Message, Field: verr.Field}
	}
	writeJSON(w, status, resp)
}
