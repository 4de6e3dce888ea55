package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/lifecycle"
	"github.com/designdesk/backend/internal/models"
)

const defaultTaskListLimit = 50

// Engine is the lifecycle surface the HTTP layer drives. Every task mutation goes through it.
type Engine interface {
	CreateTask(ctx context.Context, req lifecycle.CreateRequest) (*lifecycle.Result, error)
	ApplyTransition(ctx context.Context, req lifecycle.TransitionRequest) (*lifecycle.Result, error)
	ForceTransition(ctx context.Context, taskID uuid.UUID, target models.TaskStatus, actor models.Actor, reason, idempotencyKey string) (*lifecycle.Result, error)
	Purge(ctx context.Context, actor models.Actor, taskIDs []uuid.UUID) (*lifecycle.PurgeReport, error)
}

// TaskReader is the read side of the task repository.
type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	List(ctx context.Context, f models.TaskFilter) ([]*models.Task, error)
}

// TaskHandler serves /v1/tasks endpoints.
type TaskHandler struct {
	Engine Engine
	Tasks  TaskReader
	Logger *slog.Logger
}

func NewTaskHandler(engine Engine, tasks TaskReader, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{Engine: engine, Tasks: tasks, Logger: logger}
}

// taskView is a task plus the events the caller may request next.
type taskView struct {
	*models.Task
	AllowedEvents []lifecycle.Event `json:"allowed_events"`
}

func viewOf(t *models.Task, actor models.Actor) taskView {
	events := lifecycle.AllowedEvents(t, actor)
	if events == nil {
		events = []lifecycle.Event{}
	}
	return taskView{Task: t, AllowedEvents: events}
}

// canView hides tasks from accounts that have no part in them. Freelancers may browse
// unclaimed work.
func canView(t *models.Task, actor models.Actor) bool {
	return actor.IsAdmin() || t.IsParticipant(actor.ID) ||
		(actor.IsFreelancer() && t.Status == models.TaskStatusPending)
}

// --- POST /v1/tasks ---

type createTaskRequest struct {
	Category     string          `json:"category"`
	Requirements json.RawMessage `json:"requirements"`
}

func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if req.Category == "" {
		writeError(w, h.Logger, models.NewValidationError("category", "is required"))
		return
	}
	res, err := h.Engine.CreateTask(r.Context(), lifecycle.CreateRequest{
		Actor:          actor,
		Category:       req.Category,
		Requirements:   req.Requirements,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- GET /v1/tasks/{id} ---

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	t, err := h.Tasks.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if !canView(t, actor) {
		writeError(w, h.Logger, models.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t, actor))
}

// --- GET /v1/tasks ---

// ListTasks scopes the listing by role: clients see their own tasks, freelancers their
// assignments (or ?scope=open for claimable work), admins everything with optional filters.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := queryLimit(r, defaultTaskListLimit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	f := models.TaskFilter{Status: models.TaskStatus(q.Get("status")), Limit: limit}
	if f.Status != "" && !f.Status.IsValid() {
		writeError(w, h.Logger, models.NewValidationError("status", "unknown status %q", f.Status))
		return
	}

	switch {
	case actor.IsClient():
		f.ClientID = &actor.ID
	case actor.IsFreelancer():
		if q.Get("scope") == "open" {
			f.Status = models.TaskStatusPending
		} else {
			f.FreelancerID = &actor.ID
		}
	default:
		for param, dst := range map[string]**uuid.UUID{"client_id": &f.ClientID, "freelancer_id": &f.FreelancerID} {
			raw := q.Get(param)
			if raw == "" {
				continue
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, h.Logger, models.NewValidationError(param, "must be a uuid"))
				return
			}
			*dst = &id
		}
	}

	tasks, err := h.Tasks.List(r.Context(), f)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t, actor))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

// --- POST /v1/tasks/{id}/claim ---

func (h *TaskHandler) Claim(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, lifecycle.EventClaim, nil)
}

// --- POST /v1/tasks/{id}/advance ---

type advanceRequest struct {
	Event          lifecycle.Event `json:"event"`
	DeliverableURL string          `json:"deliverable_url"`
	Reason         string          `json:"reason"`
}

// advanceEvents are the participant events that share the advance endpoint.
var advanceEvents = map[lifecycle.Event]bool{
	lifecycle.EventStart:            true,
	lifecycle.EventSubmit:           true,
	lifecycle.EventApprove:          true,
	lifecycle.EventResume:           true,
	lifecycle.EventChargeExtraScope: true,
	lifecycle.EventEscalate:         true,
}

func (h *TaskHandler) Advance(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if !advanceEvents[req.Event] {
		writeError(w, h.Logger, models.NewValidationError("event", "unsupported event %q", req.Event))
		return
	}
	h.transition(w, r, req.Event, func(tr *lifecycle.TransitionRequest) {
		tr.DeliverableURL = req.DeliverableURL
		tr.Reason = req.Reason
	})
}

// --- POST /v1/tasks/{id}/revisions ---

type revisionRequest struct {
	Feedback string `json:"feedback"`
}

func (h *TaskHandler) RequestRevision(w http.ResponseWriter, r *http.Request) {
	var req revisionRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.transition(w, r, lifecycle.EventRequestRevision, func(tr *lifecycle.TransitionRequest) {
		tr.Feedback = req.Feedback
	})
}

// --- POST /v1/tasks/{id}/cancel ---

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.transition(w, r, lifecycle.EventCancel, func(tr *lifecycle.TransitionRequest) {
		tr.Reason = req.Reason
	})
}

// transition runs ev on the task named in the path. fill sets the event-specific fields.
func (h *TaskHandler) transition(w http.ResponseWriter, r *http.Request, ev lifecycle.Event, fill func(*lifecycle.TransitionRequest)) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	req := lifecycle.TransitionRequest{
		TaskID:         id,
		Event:          ev,
		Actor:          actor,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	}
	if fill != nil {
		fill(&req)
	}
	res, err := h.Engine.ApplyTransition(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
