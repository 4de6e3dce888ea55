// Package realtime pushes stored notifications to connected sessions over Server-Sent Events.
// The stream is best-effort: the notifications table is the source of truth.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/models"
)

const defaultSubscriberBuffer = 32

// Subscription receives notifications for one account.
type Subscription struct {
	AccountID uuid.UUID
	C         <-chan *models.Notification

	ch      chan *models.Notification
	dropped atomic.Int64
}

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Hub fans notifications out to the subscriptions of their recipient.
type Hub struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a subscriber for accountID. Call the returned func to unsubscribe.
func (h *Hub) Subscribe(accountID uuid.UUID) (*Subscription, func()) {
	ch := make(chan *models.Notification, h.buffer)
	sub := &Subscription{AccountID: accountID, C: ch, ch: ch}

	h.mu.Lock()
	set, ok := h.subs[accountID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[accountID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[accountID], sub)
			if len(h.subs[accountID]) == 0 {
				delete(h.subs, accountID)
			}
			close(sub.ch)
		})
	}
}

// Publish delivers n to every local subscriber of its recipient. Sends never block: a full
// buffer drops the event for that subscriber. Events for one recipient keep call order.
func (h *Hub) Publish(_ context.Context, n *models.Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[n.RecipientID] {
		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
			h.logger.Warn("realtime subscriber buffer full, event dropped",
				"account_id", n.RecipientID, "notification_id", n.ID)
		}
	}
	return nil
}

// Subscribers counts open subscriptions for accountID.
func (h *Hub) Subscribers(accountID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[accountID])
}
