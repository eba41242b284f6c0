package updater

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/contest-sync/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Handler exposes the update engine over HTTP.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new updater handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterRoutes registers the admin routes. Mount under /api/v1/updates.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/queues", h.CreateQueue)
	r.Delete("/queues/{queueID}", h.DeleteQueue)
	r.Post("/clear", h.ClearAll)
	r.Post("/queues/{queueID}/complete", h.CompleteQueue)
	r.Post("/queues/{queueID}/requeue", h.RequeueQueue)
	r.Get("/status", h.GetStatus)
	r.Post("/cleanup", h.Cleanup)
	r.Post("/auto-update", h.AutoUpdate)
	r.Get("/history", h.GetHistory)
	r.Get("/settings", h.GetSettings)
	r.Put("/settings", h.UpdateSettings)
}

// CreateQueueRequest represents the request body for creating a queue.
type CreateQueueRequest struct {
	AccountIDs []int64 `json:"account_ids" validate:"max=10000,dive,gt=0"`
	GroupID    int64   `json:"group_id" validate:"gte=0"`
}

// CleanupRequest represents the request body for a cleanup run.
type CleanupRequest struct {
	OlderThanHours   *float64 `json:"older_than_hours" validate:"omitempty,gte=0"`
	MinProgress      float64  `json:"min_progress" validate:"gte=0,lte=100"`
	MaxProgress      *float64 `json:"max_progress" validate:"omitempty,gte=0,lte=100"`
	IncludeCompleted bool     `json:"include_completed"`
	DryRun           *bool    `json:"dry_run"`
}

// Options converts the request to cleanup options. Unset fields keep their defaults.
func (r *CleanupRequest) Options() CleanupOptions {
	opts := DefaultCleanupOptions()
	if r.OlderThanHours != nil {
		opts.OlderThan = time.Duration(*r.OlderThanHours * float64(time.Hour))
	}
	opts.MinProgress = r.MinProgress
	if r.MaxProgress != nil {
		opts.MaxProgress = *r.MaxProgress
	}
	opts.IncludeCompleted = r.IncludeCompleted
	if r.DryRun != nil {
		opts.DryRun = *r.DryRun
	}
	return opts
}

// ClearAllRequest represents the request body for an emergency clear.
type ClearAllRequest struct {
	Confirm bool `json:"confirm" validate:"required"`
}

// UpdateSettingsRequest represents the request body for replacing runtime settings.
type UpdateSettingsRequest struct {
	TimeoutMinutes            int               `json:"timeout_minutes" validate:"required,gte=1,lte=1440"`
	BatchSize                 int               `json:"batch_size" validate:"required,gte=1,lte=100"`
	DefaultMode               string            `json:"default_mode" validate:"required,oneof=sequential batch"`
	GroupModes                map[string]string `json:"group_modes" validate:"omitempty,dive,keys,numeric,endkeys,oneof=sequential batch"`
	AutoUpdateEnabled         bool              `json:"auto_update_enabled"`
	AutoUpdateIntervalMinutes int               `json:"auto_update_interval_minutes" validate:"required,gte=1"`
}

// ToSettings converts the request to Settings.
func (r *UpdateSettingsRequest) ToSettings() (Settings, error) {
	s := Settings{
		TimeoutMinutes:            r.TimeoutMinutes,
		BatchSize:                 r.BatchSize,
		DefaultMode:               Mode(r.DefaultMode),
		AutoUpdateEnabled:         r.AutoUpdateEnabled,
		AutoUpdateIntervalMinutes: r.AutoUpdateIntervalMinutes,
	}
	if len(r.GroupModes) > 0 {
		s.GroupModes = make(map[int64]Mode, len(r.GroupModes))
		for k, m := range r.GroupModes {
			g, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				return Settings{}, err
			}
			s.GroupModes[g] = Mode(m)
		}
	}
	return s, nil
}

// CreateQueue handles POST /queues request.
func (h *Handler) CreateQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	result, err := h.service.CreateQueue(r.Context(), CreateRequest{
		AccountIDs: req.AccountIDs,
		GroupID:    req.GroupID,
		Initiator:  manualInitiator(r),
	})
	if errors.Is(err, ErrEmptyAccountList) {
		httputil.JSON(w, http.StatusBadRequest, result)
		return
	}
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusAccepted, result)
}

// GetStatus handles GET /status request. With queue_id it returns one queue,
// otherwise the aggregate of the group.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	groupID, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	if queueID := r.URL.Query().Get("queue_id"); queueID != "" {
		st, err := h.service.QueueStatus(r.Context(), groupID, queueID)
		if err != nil {
			h.handleServiceError(w, r, err)
			return
		}
		httputil.Success(w, http.StatusOK, st)
		return
	}

	agg, err := h.service.GroupStatus(r.Context(), groupID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}
	httputil.Success(w, http.StatusOK, agg)
}

// CompleteQueue handles POST /queues/{queueID}/complete request.
func (h *Handler) CompleteQueue(w http.ResponseWriter, r *http.Request) {
	groupID, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	if err := h.service.CompleteQueue(r.Context(), groupID, chi.URLParam(r, "queueID")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteQueue handles DELETE /queues/{queueID} request.
func (h *Handler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	groupID, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteQueue(r.Context(), groupID, chi.URLParam(r, "queueID")); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ClearAll handles POST /clear request. The body must confirm the clear.
func (h *Handler) ClearAll(w http.ResponseWriter, r *http.Request) {
	var req ClearAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	report, err := h.service.ClearAll(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	slog.Warn("update queues cleared by operator", "operator", httputil.GetOperator(r.Context()), "cleared", len(report.Cleared))
	httputil.Success(w, http.StatusOK, report)
}

// RequeueQueue handles POST /queues/{queueID}/requeue request.
func (h *Handler) RequeueQueue(w http.ResponseWriter, r *http.Request) {
	groupID, ok := parseGroupID(w, r)
	if !ok {
		return
	}

	result, err := h.service.RequeueUnfinished(r.Context(), groupID, chi.URLParam(r, "queueID"), manualInitiator(r))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.JSON(w, http.StatusAccepted, result)
}

// Cleanup handles POST /cleanup request. An empty body is a dry run with defaults.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	report, err := h.service.Cleanup(r.Context(), req.Options())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, report)
}

// AutoUpdate handles POST /auto-update request.
func (h *Handler) AutoUpdate(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	report, err := h.service.RunAutoUpdate(r.Context(), force)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, report)
}

// GetHistory handles GET /history request.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.History(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, records)
}

// GetSettings handles GET /settings request.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.Settings(r.Context())
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, settings)
}

// UpdateSettings handles PUT /settings request.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	settings, err := req.ToSettings()
	if err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if err := h.service.UpdateSettings(r.Context(), settings); err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	httputil.Success(w, http.StatusOK, settings)
}

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrQueueNotFound, Status: http.StatusNotFound},
	{Error: ErrQueueRunning, Status: http.StatusConflict},
	{Error: ErrNothingToRequeue, Status: http.StatusConflict},
	{Error: ErrInvalidSettings, Status: http.StatusBadRequest},
	{Error: ErrNoGroupSource, Status: http.StatusServiceUnavailable},
}

func (h *Handler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	httputil.HandleError(r.Context(), w, err, errorMappings)
}

func manualInitiator(r *http.Request) Initiator {
	return Initiator{Kind: InitiatorManual, Identity: httputil.GetOperator(r.Context())}
}

// parseGroupID reads the optional group_id query parameter; absent means global.
func parseGroupID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("group_id")
	if raw == "" {
		return 0, true
	}
	groupID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || groupID < 0 {
		httputil.Error(w, http.StatusBadRequest, "invalid group_id")
		return 0, false
	}
	return groupID, true
}
