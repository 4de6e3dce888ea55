// Package lifecycle is the task state machine and the single writer of task status and its
// ledger entries.
package lifecycle

import (
	"github.com/designdesk/backend/internal/models"
)

// Event names a requested transition.
type Event string

const (
	EventCreate           Event = "create"
	EventClaim            Event = "claim"
	EventStart            Event = "start"
	EventSubmit           Event = "submit"
	EventApprove          Event = "approve"
	EventRequestRevision  Event = "request_revision"
	EventResume           Event = "resume"
	EventFlagExtraScope   Event = "flag_extra_scope"
	EventChargeExtraScope Event = "charge_extra_scope"
	EventEscalate         Event = "escalate"
	EventResolveComplete  Event = "resolve_complete"
	EventResolveRework    Event = "resolve_rework"
	EventCancel           Event = "cancel"
	EventForce            Event = "force"
)

// actorSet is a bitmask of who may request an event.
type actorSet uint8

const (
	byClient actorSet = 1 << iota
	byAssignedFreelancer
	byAnyFreelancer
	byAdmin
)

type rule struct {
	// from lists the legal source states. Nil means any non-terminal state.
	from []models.TaskStatus
	// to is the target state. Empty keeps the current state, or for force takes the requested target.
	to     models.TaskStatus
	actors actorSet
}

var rules = map[Event]rule{
	EventClaim: {
		from:   []models.TaskStatus{models.TaskStatusPending},
		to:     models.TaskStatusAssigned,
		actors: byAnyFreelancer,
	},
	EventStart: {
		from:   []models.TaskStatus{models.TaskStatusAssigned},
		to:     models.TaskStatusInProgress,
		actors: byAssignedFreelancer,
	},
	EventSubmit: {
		from:   []models.TaskStatus{models.TaskStatusInProgress},
		to:     models.TaskStatusInReview,
		actors: byAssignedFreelancer,
	},
	EventApprove: {
		from:   []models.TaskStatus{models.TaskStatusInReview},
		to:     models.TaskStatusCompleted,
		actors: byClient,
	},
	EventRequestRevision: {
		from:   []models.TaskStatus{models.TaskStatusInReview},
		to:     models.TaskStatusRevisionRequested,
		actors: byClient,
	},
	EventResume: {
		from:   []models.TaskStatus{models.TaskStatusRevisionRequested},
		to:     models.TaskStatusInProgress,
		actors: byAssignedFreelancer,
	},
	EventFlagExtraScope: {
		from:   []models.TaskStatus{models.TaskStatusInReview},
		actors: byAdmin,
	},
	EventChargeExtraScope: {
		from:   []models.TaskStatus{models.TaskStatusInReview},
		actors: byClient,
	},
	EventEscalate: {
		from:   []models.TaskStatus{models.TaskStatusInReview},
		to:     models.TaskStatusPendingAdminReview,
		actors: byClient | byAssignedFreelancer,
	},
	EventResolveComplete: {
		from:   []models.TaskStatus{models.TaskStatusPendingAdminReview},
		to:     models.TaskStatusCompleted,
		actors: byAdmin,
	},
	EventResolveRework: {
		from:   []models.TaskStatus{models.TaskStatusPendingAdminReview},
		to:     models.TaskStatusInProgress,
		actors: byAdmin,
	},
	EventCancel: {
		to:     models.TaskStatusCancelled,
		actors: byClient | byAdmin,
	},
	EventForce: {
		actors: byAdmin,
	},
}

// Known reports whether ev is a transition the engine understands.
func Known(ev Event) bool {
	if ev == EventCreate {
		return true
	}
	_, ok := rules[ev]
	return ok
}

// Next returns the state ev leads to from status, and whether the event is legal there.
// Force is excluded: its target comes from the request.
func Next(status models.TaskStatus, ev Event) (models.TaskStatus, bool) {
	r, ok := rules[ev]
	if !ok || ev == EventForce || !r.allowsFrom(status) {
		return "", false
	}
	if r.to == "" {
		return status, true
	}
	return r.to, true
}

func (r rule) allowsFrom(status models.TaskStatus) bool {
	if r.from == nil {
		return !status.IsTerminal()
	}
	for _, s := range r.from {
		if s == status {
			return true
		}
	}
	return false
}

func (r rule) allowsActor(t *models.Task, actor models.Actor) bool {
	switch {
	case r.actors&byAdmin != 0 && actor.IsAdmin():
		return true
	case r.actors&byClient != 0 && actor.IsClient() && t.ClientID == actor.ID:
		return true
	case r.actors&byAnyFreelancer != 0 && actor.IsFreelancer():
		return true
	case r.actors&byAssignedFreelancer != 0 && actor.IsFreelancer() &&
		t.FreelancerID != nil && *t.FreelancerID == actor.ID:
		return true
	}
	return false
}

// CanApply checks actor and state guards for ev without mutating t. Guards that depend on
// request data or other rows (revision budget, deliverable, freelancer approval) are checked
// by the engine.
func CanApply(t *models.Task, actor models.Actor, ev Event) error {
	r, ok := rules[ev]
	if !ok {
		return models.NewValidationError("event", "unknown event %q", ev)
	}
	if !r.allowsActor(t, actor) {
		return &models.GuardViolation{Code: models.GuardForbidden, Status: t.Status, Event: string(ev), Reason: "actor may not perform this transition"}
	}
	if ev == EventClaim && t.Status != models.TaskStatusPending && t.FreelancerID != nil {
		return models.ErrAlreadyAssigned
	}
	if !r.allowsFrom(t.Status) {
		return &models.GuardViolation{Code: models.GuardIllegalState, Status: t.Status, Event: string(ev), Reason: "transition not allowed from current status"}
	}
	return nil
}

// eventOrder fixes the order AllowedEvents reports in.
var eventOrder = []Event{
	EventClaim, EventStart, EventSubmit, EventApprove, EventRequestRevision, EventResume,
	EventFlagExtraScope, EventChargeExtraScope, EventEscalate,
	EventResolveComplete, EventResolveRework, EventCancel,
}

// AllowedEvents lists the events actor could request on t right now.
func AllowedEvents(t *models.Task, actor models.Actor) []Event {
	var out []Event
	for _, ev := range eventOrder {
		if CanApply(t, actor, ev) != nil {
			continue
		}
		switch ev {
		case EventRequestRevision:
			if t.RevisionsUsed >= t.MaxRevisions {
				continue
			}
		case EventChargeExtraScope:
			if t.ExtraScopeCredits <= 0 {
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}
