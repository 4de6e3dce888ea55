package effects

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/designdesk/backend/internal/models"
)

const feedbackExcerptRunes = 140

// Message is a rendered notification for an external channel.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// payloadFor renders the stored payload for one planned notification.
func payloadFor(ev models.TransitionEvent, kind models.NotificationKind) models.NotificationPayload {
	t := ev.Task
	status := models.StatusDetail{From: ev.From, To: ev.To}

	switch kind {
	case models.NotifyTaskCreated:
		return models.NotificationPayload{
			Title:   "New task waiting for a designer",
			Message: fmt.Sprintf("A %s task was posted: %s", t.Category, ev.Note),
			Detail:  status,
		}
	case models.NotifyTaskAssigned:
		return models.NotificationPayload{
			Title:   "A designer picked up your task",
			Message: fmt.Sprintf("Your %s task has been assigned.", t.Category),
			Detail:  status,
		}
	case models.NotifyTaskStarted:
		return models.NotificationPayload{
			Title:   "Work has started",
			Message: fmt.Sprintf("The designer started working on your %s task.", t.Category),
			Detail:  status,
		}
	case models.NotifyTaskSubmitted:
		return models.NotificationPayload{
			Title:   "Your design is ready for review",
			Message: fmt.Sprintf("A deliverable was submitted for your %s task.", t.Category),
			Detail:  status,
		}
	case models.NotifyTaskCompleted:
		return models.NotificationPayload{
			Title:   "Task completed",
			Message: fmt.Sprintf("The %s task was approved. Nice work.", t.Category),
			Detail:  status,
		}
	case models.NotifyRevisionRequested:
		return models.NotificationPayload{
			Title:   "Revision requested",
			Message: fmt.Sprintf("The client asked for revision %d of %d.", t.RevisionsUsed, t.MaxRevisions),
			Detail: models.RevisionDetail{
				Feedback:      excerpt(ev.Note, feedbackExcerptRunes),
				RevisionsUsed: t.RevisionsUsed,
				MaxRevisions:  t.MaxRevisions,
			},
		}
	case models.NotifyTaskResumed:
		return models.NotificationPayload{
			Title:   "Revision in progress",
			Message: fmt.Sprintf("The designer is working on your requested changes to the %s task.", t.Category),
			Detail:  status,
		}
	case models.NotifyExtraScopeFlagged:
		return models.NotificationPayload{
			Title:   "Extra scope needs your confirmation",
			Message: fmt.Sprintf("A reviewer flagged %d extra credits on your %s task.", ev.Credits, t.Category),
			Detail:  models.CreditDetail{Credits: ev.Credits, Reason: ev.Note},
		}
	case models.NotifyExtraScopeCharged:
		return models.NotificationPayload{
			Title:   "Extra scope confirmed",
			Message: fmt.Sprintf("%d extra credits were charged for the %s task.", ev.Credits, t.Category),
			Detail:  models.CreditDetail{Credits: ev.Credits, Reason: ev.Note},
		}
	case models.NotifyTaskEscalated:
		return models.NotificationPayload{
			Title:   "Task escalated for admin review",
			Message: fmt.Sprintf("The %s task %s needs an admin decision.", t.Category, t.ID),
			Detail:  models.EscalationDetail{Reason: ev.Note},
		}
	case models.NotifyTaskRework:
		return models.NotificationPayload{
			Title:   "Admin sent the task back to work",
			Message: fmt.Sprintf("The %s task returned to in progress after review.", t.Category),
			Detail:  status,
		}
	case models.NotifyTaskCancelled:
		msg := fmt.Sprintf("The %s task was cancelled.", t.Category)
		if ev.Credits > 0 {
			msg = fmt.Sprintf("The %s task was cancelled and %d credits were refunded.", t.Category, ev.Credits)
		}
		return models.NotificationPayload{
			Title:   "Task cancelled",
			Message: msg,
			Detail:  models.CreditDetail{Credits: ev.Credits, Reason: ev.Note},
		}
	case models.NotifyStatusForced:
		return models.NotificationPayload{
			Title:   "Task status changed by an admin",
			Message: fmt.Sprintf("The %s task moved from %s to %s.", t.Category, ev.From, ev.To),
			Detail:  status,
		}
	}
	return models.NotificationPayload{Title: string(kind), Message: string(ev.To), Detail: status}
}

// render turns a stored notification into an email or chat message.
func render(n *models.Notification) Message {
	var b strings.Builder
	b.WriteString(n.Payload.Message)
	switch d := n.Payload.Detail.(type) {
	case models.RevisionDetail:
		if d.Feedback != "" {
			fmt.Fprintf(&b, "\n\nFeedback: %s", d.Feedback)
		}
	case models.EscalationDetail:
		fmt.Fprintf(&b, "\n\nReason: %s", d.Reason)
	case models.CreditDetail:
		if d.Reason != "" {
			fmt.Fprintf(&b, "\n\nNote: %s", d.Reason)
		}
	}
	if n.TaskID != nil {
		fmt.Fprintf(&b, "\n\nTask: %s", n.TaskID)
	}
	return Message{Subject: "[designdesk] " + n.Payload.Title, Body: b.String()}
}

// excerpt cuts s to at most max runes, marking the cut with an ellipsis.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-1]) + "…"
}
