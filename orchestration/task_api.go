package orchestration

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/finsight/capcore/core"
)

// TaskAPI exposes the orchestrator over HTTP. Submission follows the
// accepted-then-poll pattern: POST returns 202 with a status URL, GET polls
// the task record, POST to /cancel requests cancellation.
//
//	POST /api/v1/executions             submit an async execution
//	GET  /api/v1/executions             list tasks
//	GET  /api/v1/executions/{id}        poll task status
//	POST /api/v1/executions/{id}/cancel cancel a task
//	GET  /api/v1/capabilities           list registered capabilities
type TaskAPI struct {
	orchestrator *Orchestrator
	registry     *core.Registry
	logger       core.Logger
}

// NewTaskAPI creates the HTTP adapter.
func NewTaskAPI(orchestrator *Orchestrator, registry *core.Registry, logger core.Logger) *TaskAPI {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &TaskAPI{
		orchestrator: orchestrator,
		registry:     registry,
		logger:       logger,
	}
}

// RegisterRoutes wires the API onto a mux. Each route is wrapped with
// otelhttp so incoming trace context propagates into execution spans.
func (a *TaskAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/executions", traced("executions", a.handleExecutions))
	mux.Handle("/api/v1/executions/", traced("execution", a.handleExecutionByID))
	mux.Handle("/api/v1/capabilities", traced("capabilities", a.handleCapabilities))
}

func traced(operation string, h http.HandlerFunc) http.Handler {
	return otelhttp.NewHandler(h, operation,
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		}))
}

// submitRequest is the POST /api/v1/executions body.
type submitRequest struct {
	CapabilityID  string         `json:"capability_id"`
	Input         map[string]any `json:"input"`
	Priority      *int           `json:"priority,omitempty"`
	CountdownSecs int            `json:"countdown_seconds,omitempty"`
	ETA           *time.Time     `json:"eta,omitempty"`
	MaxRetries    *int           `json:"max_retries,omitempty"`
	UserID        string         `json:"user_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	CallbackURL   string         `json:"callback_url,omitempty"`
}

type submitResponse struct {
	TaskID    string               `json:"task_id"`
	Status    core.ExecutionStatus `json:"status"`
	StatusURL string               `json:"status_url"`
}

type errorResponse struct {
	Error     string   `json:"error"`
	ErrorType string   `json:"error_type,omitempty"`
	Causes    []string `json:"causes,omitempty"`
}

func (a *TaskAPI) handleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submit(w, r)
	case http.MethodGet:
		a.list(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (a *TaskAPI) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "")
		return
	}
	if req.CapabilityID == "" {
		writeError(w, http.StatusBadRequest, "capability_id is required", "")
		return
	}

	ec := core.NewExecutionContext(req.CapabilityID)
	ec.UserID = req.UserID
	ec.CorrelationID = req.CorrelationID
	ec.CallbackURL = req.CallbackURL

	opts := &EnqueueOptions{
		ETA:        req.ETA,
		MaxRetries: req.MaxRetries,
	}
	if req.CountdownSecs > 0 {
		opts.Countdown = time.Duration(req.CountdownSecs) * time.Second
	}
	if req.Priority != nil {
		p := core.PriorityFromLevel(*req.Priority)
		opts.Priority = &p
	}

	task, err := a.orchestrator.ExecuteAsync(r.Context(), req.CapabilityID, req.Input, ec, opts)
	if err != nil {
		a.writeSubmitError(w, req.CapabilityID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:    task.TaskID,
		Status:    task.Status,
		StatusURL: "/api/v1/executions/" + task.TaskID,
	})
}

func (a *TaskAPI) writeSubmitError(w http.ResponseWriter, capabilityID string, err error) {
	var validationErr *core.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     validationErr.Error(),
			ErrorType: core.ErrorTypeValidation,
			Causes:    validationErr.Causes,
		})
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, core.ErrNotAsyncCapability):
		writeError(w, http.StatusBadRequest, err.Error(), "")
	case errors.Is(err, core.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "")
	case errors.Is(err, core.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error(), "")
	default:
		a.logger.Error("Failed to submit execution", map[string]interface{}{
			"capability_id": capabilityID,
			"error":         err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "failed to submit execution", "")
	}
}

func (a *TaskAPI) list(w http.ResponseWriter, r *http.Request) {
	filter := TaskFilter{
		CapabilityID: r.URL.Query().Get("capability_id"),
		Status:       core.ExecutionStatus(r.URL.Query().Get("status")),
	}
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if _, err := fmt.Sscanf(limitParam, "%d", &filter.Limit); err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
	}

	tasks, err := a.orchestrator.queue.ListTasks(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tasks", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (a *TaskAPI) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/executions/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}

	if taskID, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
			return
		}
		a.cancel(w, r, taskID)
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	a.status(w, r, rest)
}

func (a *TaskAPI) status(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := a.orchestrator.GetStatus(r.Context(), taskID)
	if err != nil {
		if core.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "task not found", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load task", "")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *TaskAPI) cancel(w http.ResponseWriter, r *http.Request, taskID string) {
	if a.orchestrator.Cancel(r.Context(), taskID) {
		writeJSON(w, http.StatusOK, map[string]any{
			"task_id":   taskID,
			"cancelled": true,
		})
		return
	}

	// Distinguish unknown tasks from ones already terminal.
	if _, err := a.orchestrator.GetStatus(r.Context(), taskID); core.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "task not found", "")
		return
	}
	writeJSON(w, http.StatusConflict, map[string]any{
		"task_id":   taskID,
		"cancelled": false,
		"error":     "task already finished",
	})
}

func (a *TaskAPI) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	caps := a.registry.ListAPI()
	if r.URL.Query().Get("all") == "true" {
		caps = a.registry.ListAll()
	}

	type capabilitySummary struct {
		ID          string             `json:"id"`
		Title       string             `json:"title"`
		Description string             `json:"description,omitempty"`
		Group       core.Group         `json:"group"`
		Mode        core.ExecutionMode `json:"mode"`
		Path        string             `json:"path,omitempty"`
		Deprecated  bool               `json:"deprecated,omitempty"`
		Tags        []string           `json:"tags,omitempty"`
	}

	summaries := make([]capabilitySummary, 0, len(caps))
	for _, c := range caps {
		summary := capabilitySummary{
			ID:          c.ID,
			Title:       c.Title,
			Description: c.Description,
			Group:       c.Group,
			Mode:        c.Execution.Mode,
			Deprecated:  c.Deprecated,
			Tags:        c.Tags,
		}
		if c.API != nil {
			summary.Path = c.API.Path
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": summaries,
		"count":        len(summaries),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, errorType string) {
	writeJSON(w, status, errorResponse{Error: message, ErrorType: errorType})
}
