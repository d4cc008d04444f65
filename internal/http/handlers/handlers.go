package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/staydesk/backend/internal/db"
	"github.com/staydesk/backend/internal/models"
	"github.com/staydesk/backend/internal/service"
)

// Store is the storage surface the API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	InsertMessage(ctx context.Context, m models.Message) error
	InsertMessages(ctx context.Context, msgs []models.Message) (int64, error)
	GetMessage(ctx context.Context, id string) (models.Message, error)
	ListMessages(ctx context.Context, f db.MessageFilter) ([]models.Message, error)
	ListMessageIDsByStatus(ctx context.Context, status models.MessageStatus) ([]string, error)
	RequeueMessage(ctx context.Context, id string) error
	InsertBookings(ctx context.Context, bookings []models.Booking) (int64, error)
	ListBookings(ctx context.Context) ([]models.Booking, error)
	ListTasks(ctx context.Context, f db.TaskFilter) ([]models.MaintenanceTask, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (models.MaintenanceTask, error)
	AppendLog(ctx context.Context, e models.LogEntry) error
	ListLogs(ctx context.Context, limit int) ([]models.LogEntry, error)
	ListNotifications(ctx context.Context, limit int) ([]models.Notification, error)
	ListAlerts(ctx context.Context, limit int) ([]models.Alert, error)
	GetLatestRun(ctx context.Context, kind string) (models.Run, error)
}

type Handler struct {
	Store      Store
	Triage     *service.Triage
	Lifecycle  *service.Lifecycle
	Dispatcher *service.Dispatcher
	Directory  service.StaffDirectory
	Validator  *validator.Validate
	Logger     zerolog.Logger
	Now        func() time.Time
}

type CreateMessageRequest struct {
	GuestName string `json:"guest_name" validate:"required,max=200"`
	Platform  string `json:"platform" validate:"omitempty,max=50"`
	Content   string `json:"content" validate:"required,max=4000"`
}

type UpdateTaskRequest struct {
	Status string `json:"status" validate:"required"`
}

type StaffView struct {
	models.MaintenanceStaff
	Workload int `json:"workload"`
}

type Stats struct {
	ActiveStays      int `json:"active_stays"`
	UpcomingCheckIns int `json:"upcoming_check_ins"`
	NewMessages      int `json:"new_messages"`
	OpenTasks        int `json:"open_tasks"`
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary List guest messages
// @Tags messages
// @Produce json
// @Param status query string false "Message status"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} map[string]any
// @Router /api/messages [get]
func (h *Handler) MessagesList(c *gin.Context) {
	status := models.MessageStatus(strings.TrimSpace(c.Query("status")))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := h.Store.ListMessages(c.Request.Context(), db.MessageFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list messages", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

func (h *Handler) MessageDetails(c *gin.Context) {
	msg, err := h.Store.GetMessage(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load message", err.Error())
		return
	}
	c.JSON(http.StatusOK, msg)
}

// @Summary Ingest a guest message
// @Tags messages
// @Accept json
// @Produce json
// @Param request body CreateMessageRequest true "Guest message"
// @Success 201 {object} models.Message
// @Failure 400 {object} map[string]any
// @Router /api/messages [post]
func (h *Handler) CreateMessage(c *gin.Context) {
	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", err.Error())
		return
	}
	req.GuestName = strings.TrimSpace(req.GuestName)
	req.Content = strings.TrimSpace(req.Content)
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid message", err.Error())
		return
	}
	if req.Platform == "" {
		req.Platform = "Airbnb"
	}

	msg := models.Message{
		ID:        "msg_" + uuid.NewString(),
		GuestName: req.GuestName,
		Platform:  req.Platform,
		Content:   req.Content,
		Timestamp: h.now(),
		Status:    models.MessageNew,
		Author:    models.AuthorGuest,
	}
	if err := h.Store.InsertMessage(c.Request.Context(), msg); err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to store message", err.Error())
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// @Summary Requeue a failed message
// @Tags messages
// @Produce json
// @Param id path string true "Message ID"
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/messages/{id}/retry [post]
func (h *Handler) RetryMessage(c *gin.Context) {
	id := c.Param("id")
	if err := h.Store.RequeueMessage(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, db.ErrNotFound):
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Message not found", nil)
		case errors.Is(err, db.ErrConflict):
			writeError(c, http.StatusConflict, "INVALID_STATE", "Only failed messages can be retried", nil)
		default:
			writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to requeue message", err.Error())
		}
		return
	}
	h.Logger.Info().Str("message_id", id).Msg("message requeued")
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message_id": id})
}

func (h *Handler) BookingsList(c *gin.Context) {
	items, err := h.Store.ListBookings(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list bookings", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// @Summary List maintenance tasks
// @Tags maintenance
// @Produce json
// @Param status query string false "Task status"
// @Param staff_id query string false "Assignee"
// @Success 200 {object} map[string]any
// @Router /api/maintenance/tasks [get]
func (h *Handler) TasksList(c *gin.Context) {
	f := db.TaskFilter{
		Status:  models.TaskStatus(strings.TrimSpace(c.Query("status"))),
		StaffID: strings.TrimSpace(c.Query("staff_id")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown task status", f.Status)
		return
	}
	items, err := h.Store.ListTasks(c.Request.Context(), f)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list tasks", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// @Summary Update a maintenance task status
// @Tags maintenance
// @Accept json
// @Produce json
// @Param id path string true "Task ID"
// @Param request body UpdateTaskRequest true "New status"
// @Success 200 {object} models.MaintenanceTask
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/maintenance/tasks/{id} [patch]
func (h *Handler) UpdateTask(c *gin.Context) {
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "status is required", err.Error())
		return
	}
	status := models.TaskStatus(strings.TrimSpace(req.Status))
	if !status.Valid() {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Unknown task status", req.Status)
		return
	}

	ctx := c.Request.Context()
	task, err := h.Store.UpdateTaskStatus(ctx, c.Param("id"), status)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "Task not found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to update task", err.Error())
		return
	}
	entry := models.LogEntry{
		ID:        uuid.NewString(),
		Timestamp: h.now(),
		Message:   "Maintenance task for " + task.Property + " updated to " + string(task.Status),
		Outcome:   "System",
	}
	if err := h.Store.AppendLog(ctx, entry); err != nil {
		h.Logger.Warn().Err(err).Str("task_id", task.ID).Msg("append log")
	}
	c.JSON(http.StatusOK, task)
}

// @Summary Staff roster with live workload
// @Tags maintenance
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/staff [get]
func (h *Handler) StaffList(c *gin.Context) {
	tasks, err := h.Store.ListTasks(c.Request.Context(), db.TaskFilter{})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list tasks", err.Error())
		return
	}
	staff := h.Directory.Staff()
	loads := service.Workloads(staff, tasks)
	items := make([]StaffView, 0, len(staff))
	for _, s := range staff {
		items = append(items, StaffView{MaintenanceStaff: s, Workload: loads[s.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) LogsList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	items, err := h.Store.ListLogs(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list logs", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) NotificationsList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	items, err := h.Store.ListNotifications(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list notifications", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) AlertsList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	items, err := h.Store.ListAlerts(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list alerts", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// @Summary Latest run
// @Tags runs
// @Produce json
// @Param kind query string false "triage or lifecycle"
// @Success 200 {object} models.Run
// @Router /api/runs/latest [get]
func (h *Handler) RunsLatest(c *gin.Context) {
	result, err := h.Store.GetLatestRun(c.Request.Context(), strings.TrimSpace(c.Query("kind")))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(c, http.StatusNotFound, "NOT_FOUND", "No runs found", nil)
			return
		}
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load run", err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary Dashboard counters
// @Tags stats
// @Produce json
// @Success 200 {object} Stats
// @Router /api/stats [get]
func (h *Handler) StatsSummary(c *gin.Context) {
	ctx := c.Request.Context()
	bookings, err := h.Store.ListBookings(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list bookings", err.Error())
		return
	}
	newIDs, err := h.Store.ListMessageIDsByStatus(ctx, models.MessageNew)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to count messages", err.Error())
		return
	}
	tasks, err := h.Store.ListTasks(ctx, db.TaskFilter{})
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list tasks", err.Error())
		return
	}

	now := h.now()
	stats := Stats{NewMessages: len(newIDs)}
	for _, b := range bookings {
		switch {
		case b.CheckIn.After(now):
			stats.UpcomingCheckIns++
		case !b.CheckOut.Before(now):
			stats.ActiveStays++
		}
	}
	for _, t := range tasks {
		if t.Status.Open() {
			stats.OpenTasks++
		}
	}
	c.JSON(http.StatusOK, stats)
}

// @Summary Run a triage tick now
// @Tags process
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/process [post]
func (h *Handler) Process(c *gin.Context) {
	summary, err := h.Triage.ProcessNew(c.Request.Context())
	if err != nil {
		h.Logger.Error().Err(err).Msg("processing failed")
		writeError(c, http.StatusInternalServerError, "PROCESSING_ERROR", "Processing failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// @Summary Run the lifecycle messaging trigger now
// @Tags process
// @Produce json
// @Success 200 {object} map[string]any
// @Router /api/lifecycle/run [post]
func (h *Handler) RunLifecycle(c *gin.Context) {
	summary, err := h.Lifecycle.Run(c.Request.Context())
	if err != nil {
		h.Logger.Error().Err(err).Msg("lifecycle run failed")
		writeError(c, http.StatusInternalServerError, "PROCESSING_ERROR", "Lifecycle run failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

// @Summary Debug dispatch
// @Description Shows how a task description would be dispatched without advancing rotation.
// @Tags debug
// @Produce json
// @Param description query string true "Task description"
// @Param property query string false "Property name"
// @Success 200 {object} service.DispatchTrace
// @Router /api/debug/dispatch [get]
func (h *Handler) DebugDispatch(c *gin.Context) {
	description := strings.TrimSpace(c.Query("description"))
	if description == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "description is required", nil)
		return
	}
	property := strings.TrimSpace(c.Query("property"))

	ctx := c.Request.Context()
	open, err := h.openTasks(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list tasks", err.Error())
		return
	}
	trace, err := h.Dispatcher.Preview(ctx, description, property, open)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "COUNTER_UNAVAILABLE", "Rotation counters unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, trace)
}

func (h *Handler) openTasks(ctx context.Context) ([]models.MaintenanceTask, error) {
	tasks, err := h.Store.ListTasks(ctx, db.TaskFilter{})
	if err != nil {
		return nil, err
	}
	var open []models.MaintenanceTask
	for _, t := range tasks {
		if t.Status.Open() {
			open = append(open, t)
		}
	}
	return open, nil
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
