package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationKind identifies what happened.
type NotificationKind string

const (
	NotifyTaskCreated       NotificationKind = "task_created"
	NotifyTaskAssigned      NotificationKind = "task_assigned"
	NotifyTaskStarted       NotificationKind = "task_started"
	NotifyTaskSubmitted     NotificationKind = "task_submitted"
	NotifyTaskCompleted     NotificationKind = "task_completed"
	NotifyRevisionRequested NotificationKind = "revision_requested"
	NotifyTaskResumed       NotificationKind = "task_resumed"
	NotifyExtraScopeFlagged NotificationKind = "extra_scope_flagged"
	NotifyExtraScopeCharged NotificationKind = "extra_scope_charged"
	NotifyTaskEscalated     NotificationKind = "task_escalated"
	NotifyTaskRework        NotificationKind = "task_rework"
	NotifyTaskCancelled     NotificationKind = "task_cancelled"
	NotifyStatusForced      NotificationKind = "status_forced"
)

// Notification is one stored inbox entry. Seq orders a recipient's notifications in creation order.
type Notification struct {
	ID          uuid.UUID           `json:"id"`
	Seq         int64               `json:"seq"`
	RecipientID uuid.UUID           `json:"recipient_id"`
	TaskID      *uuid.UUID          `json:"task_id,omitempty"`
	Kind        NotificationKind    `json:"kind"`
	Payload     NotificationPayload `json:"payload"`
	DedupeKey   string              `json:"-"`
	CreatedAt   time.Time           `json:"created_at"`
	ReadAt      *time.Time          `json:"read_at,omitempty"`
}

// NotificationDetail is the kind-specific part of a payload.
type NotificationDetail interface {
	detailKind() string
}

// StatusDetail carries the transition that caused a notification.
type StatusDetail struct {
	From TaskStatus `json:"from,omitempty"`
	To   TaskStatus `json:"to"`
}

// RevisionDetail carries the client's feedback excerpt.
type RevisionDetail struct {
	Feedback      string `json:"feedback"`
	RevisionsUsed int    `json:"revisions_used"`
	MaxRevisions  int    `json:"max_revisions"`
}

// CreditDetail carries a credit movement tied to the notification (refunds, extra scope).
type CreditDetail struct {
	Credits int    `json:"credits"`
	Reason  string `json:"reason,omitempty"`
}

// EscalationDetail carries the reason a task went to admin review.
type EscalationDetail struct {
	Reason string `json:"reason"`
}

func (StatusDetail) detailKind() string     { return "status" }
func (RevisionDetail) detailKind() string   { return "revision" }
func (CreditDetail) detailKind() string     { return "credit" }
func (EscalationDetail) detailKind() string { return "escalation" }

// NotificationPayload is the schema-stable envelope stored and streamed for a notification.
type NotificationPayload struct {
	Title   string
	Message string
	Detail  NotificationDetail
}

type payloadEnvelope struct {
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	DetailKind string          `json:"detail_kind,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

func (p NotificationPayload) MarshalJSON() ([]byte, error) {
	env := payloadEnvelope{Title: p.Title, Message: p.Message}
	if p.Detail != nil {
		raw, err := json.Marshal(p.Detail)
		if err != nil {
			return nil, err
		}
		env.DetailKind = p.Detail.detailKind()
		env.Detail = raw
	}
	return json.Marshal(env)
}

func (p *NotificationPayload) UnmarshalJSON(data []byte) error {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	p.Title = env.Title
	p.Message = env.Message
	p.Detail = nil
	if env.DetailKind == "" {
		return nil
	}
	var detail NotificationDetail
	switch env.DetailKind {
	case "status":
		var d StatusDetail
		if err := json.Unmarshal(env.Detail, &d); err != nil {
			return err
		}
		detail = d
	case "revision":
		var d RevisionDetail
		if err := json.Unmarshal(env.Detail, &d); err != nil {
			return err
		}
		detail = d
	case "credit":
		var d CreditDetail
		if err := json.Unmarshal(env.Detail, &d); err != nil {
			return err
		}
		detail = d
	case "escalation":
		var d EscalationDetail
		if err := json.Unmarshal(env.Detail, &d); err != nil {
			return err
		}
		detail = d
	default:
		return fmt.Errorf("unknown notification detail kind %q", env.DetailKind)
	}
	p.Detail = detail
	return nil
}

// Delivery channels.
const (
	ChannelRealtime = "realtime"
	ChannelEmail    = "email"
	ChannelChat     = "chat"
)

// Delivery statuses.
const (
	DeliveryStatusAttempted = "attempted"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// DeliveryKey identifies one external send for one committed transition. Seq is the task
// version the transition produced, so a state reached twice (revision loops) gets distinct keys.
type DeliveryKey struct {
	TaskID      uuid.UUID  `json:"task_id"`
	ToState     TaskStatus `json:"to_state"`
	Seq         int        `json:"seq"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	Channel     string     `json:"channel"`
}

func (k DeliveryKey) String() string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", k.TaskID, k.ToState, k.Seq, k.RecipientID, k.Channel)
}

type Delivery struct {
	Key         DeliveryKey `json:"key"`
	Status      string      `json:"status"`
	LastError   string      `json:"last_error,omitempty"`
	Attempts    int         `json:"attempts"`
	AttemptedAt time.Time   `json:"attempted_at"`
}
