package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/models"
)

const defaultNotificationLimit = 50

// NotificationStore is the inbox side of the notification repository.
type NotificationStore interface {
	ListForRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, recipientID, id uuid.UUID) error
}

// Streamer serves one account's realtime notification stream.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, accountID uuid.UUID)
}

// NotificationHandler serves the inbox and the realtime stream.
type NotificationHandler struct {
	Notifications NotificationStore
	Stream        Streamer
	Logger        *slog.Logger
}

// GET /v1/notifications
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, defaultNotificationLimit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	unread := r.URL.Query().Get("unread") == "true"
	list, err := h.Notifications.ListForRecipient(r.Context(), actor.ID, unread, limit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

// POST /v1/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if err := h.Notifications.MarkRead(r.Context(), actor.ID, id); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/notifications/stream
func (h *NotificationHandler) StreamNotifications(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorOr401(w, r)
	if !ok {
		return
	}
	h.Logger.Debug("notification stream opened", "account_id", actor.ID)
	h.Stream.Serve(w, r, actor.ID)
	h.Logger.Debug("notification stream closed", "account_id", actor.ID)
}
