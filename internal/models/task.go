package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending            TaskStatus = "pending"
	TaskStatusAssigned           TaskStatus = "assigned"
	TaskStatusInProgress         TaskStatus = "in_progress"
	TaskStatusInReview           TaskStatus = "in_review"
	TaskStatusRevisionRequested  TaskStatus = "revision_requested"
	TaskStatusPendingAdminReview TaskStatus = "pending_admin_review"
	TaskStatusCompleted          TaskStatus = "completed"
	TaskStatusCancelled          TaskStatus = "cancelled"
)

// AllTaskStatuses returns every known status.
func AllTaskStatuses() []TaskStatus {
	return []TaskStatus{
		TaskStatusPending,
		TaskStatusAssigned,
		TaskStatusInProgress,
		TaskStatusInReview,
		TaskStatusRevisionRequested,
		TaskStatusPendingAdminReview,
		TaskStatusCompleted,
		TaskStatusCancelled,
	}
}

func (s TaskStatus) IsValid() bool {
	for _, known := range AllTaskStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal returns true for COMPLETED and CANCELLED.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// HoldsFreelancer reports whether a task in this status must have an assigned freelancer.
func (s TaskStatus) HoldsFreelancer() bool {
	switch s {
	case TaskStatusAssigned, TaskStatusInProgress, TaskStatusInReview,
		TaskStatusRevisionRequested, TaskStatusPendingAdminReview, TaskStatusCompleted:
		return true
	}
	return false
}

type Task struct {
	ID                uuid.UUID       `json:"id"`
	ClientID          uuid.UUID       `json:"client_id"`
	FreelancerID      *uuid.UUID      `json:"freelancer_id,omitempty"`
	Category          string          `json:"category"`
	Status            TaskStatus      `json:"status"`
	CreditsCommitted  int             `json:"credits_committed"`
	RevisionsUsed     int             `json:"revisions_used"`
	MaxRevisions      int             `json:"max_revisions"`
	ExtraScopeCredits int             `json:"extra_scope_credits"`
	ExtraScopeReason  string          `json:"extra_scope_reason,omitempty"`
	DeliverableURL    string          `json:"deliverable_url,omitempty"`
	Requirements      json.RawMessage `json:"requirements"`
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	AssignedAt        *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	if t.FreelancerID != nil {
		id := *t.FreelancerID
		cp.FreelancerID = &id
	}
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		cp.AssignedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	if t.Requirements != nil {
		cp.Requirements = append(json.RawMessage(nil), t.Requirements...)
	}
	return &cp
}

// CheckInvariants verifies the revision bound and the freelancer/status relationship.
func (t *Task) CheckInvariants() error {
	if t.RevisionsUsed < 0 || t.RevisionsUsed > t.MaxRevisions {
		return &GuardViolation{Code: GuardRevisionLimit, Status: t.Status, Reason: "revisions used exceeds max revisions"}
	}
	if t.Status.HoldsFreelancer() && t.FreelancerID == nil {
		return &GuardViolation{Code: GuardPrecondition, Status: t.Status, Reason: "status requires an assigned freelancer"}
	}
	if !t.Status.HoldsFreelancer() && t.FreelancerID != nil {
		return &GuardViolation{Code: GuardPrecondition, Status: t.Status, Reason: "status must not carry a freelancer"}
	}
	return nil
}

// IsParticipant reports whether the account is the task's client or assigned freelancer.
func (t *Task) IsParticipant(accountID uuid.UUID) bool {
	if t.ClientID == accountID {
		return true
	}
	return t.FreelancerID != nil && *t.FreelancerID == accountID
}

// TransitionEvent describes a committed transition. It is the payload handed to the effect dispatcher.
type TransitionEvent struct {
	TaskID            uuid.UUID  `json:"task_id"`
	Event             string     `json:"event"`
	From              TaskStatus `json:"from,omitempty"`
	To                TaskStatus `json:"to"`
	Actor             Actor      `json:"actor"`
	Task              Task       `json:"task"`
	PriorFreelancerID *uuid.UUID `json:"prior_freelancer_id,omitempty"`
	Credits           int        `json:"credits,omitempty"`
	Note              string     `json:"note,omitempty"`
	Purged            bool       `json:"purged,omitempty"`
	CommittedAt       time.Time  `json:"committed_at"`
}

// IdempotencyRecord remembers the outcome of a keyed request.
type IdempotencyRecord struct {
	AccountID    uuid.UUID  `json:"account_id"`
	Key          string     `json:"key"`
	TaskID       uuid.UUID  `json:"task_id"`
	Event        string     `json:"event"`
	ResultStatus TaskStatus `json:"result_status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// TaskFilter narrows task listings. Nil ids and an empty status match everything.
type TaskFilter struct {
	ClientID     *uuid.UUID
	FreelancerID *uuid.UUID
	Status       TaskStatus
	Limit        int
}
