package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/models"
)

const (
	DefaultHeartbeat = 25 * time.Second
	backlogLimit     = 200
)

// Backlog reads stored notifications. A recipient's seq values become visible in increasing
// order, so ListSince never skips a notification that commits later.
type Backlog interface {
	ListAfter(ctx context.Context, recipientID, afterID uuid.UUID, limit int) ([]*models.Notification, error)
	ListSince(ctx context.Context, recipientID uuid.UUID, afterSeq int64, limit int) ([]*models.Notification, error)
	LatestSeq(ctx context.Context, recipientID uuid.UUID) (int64, error)
}

// Stream serves the per-account SSE endpoint.
type Stream struct {
	hub       *Hub
	backlog   Backlog
	heartbeat time.Duration
	logger    *slog.Logger
}

func NewStream(hub *Hub, backlog Backlog, heartbeat time.Duration, logger *slog.Logger) *Stream {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{hub: hub, backlog: backlog, heartbeat: heartbeat, logger: logger}
}

// Serve streams accountID's notifications until the client goes away. A Last-Event-ID header
// (or last_event_id query parameter) replays what was stored since that event.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request, accountID uuid.UUID) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	c := &cursor{w: w, stream: s, account: accountID}
	if s.backlog != nil {
		latest, err := s.backlog.LatestSeq(ctx, accountID)
		if err != nil {
			s.logger.Error("load notification cursor", "account_id", accountID, "error", err)
		}
		c.seq = latest
	}

	// Subscribe before reading the backlog so nothing created in between is missed.
	sub, unsubscribe := s.hub.Subscribe(accountID)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "retry: %d\n\n", time.Second.Milliseconds())
	flusher.Flush()

	if last := lastEventID(r); last != uuid.Nil && s.backlog != nil {
		missed, err := s.backlog.ListAfter(ctx, accountID, last, backlogLimit)
		if err != nil {
			s.logger.Error("load notification backlog", "account_id", accountID, "error", err)
		}
		for _, n := range missed {
			if err := c.write(n); err != nil {
				return
			}
		}
	}
	if s.backlog != nil {
		// Catch up on anything committed between the cursor read and Subscribe.
		if err := c.catchUp(ctx); err != nil {
			return
		}
	}
	flusher.Flush()

	s.logger.Info("realtime stream opened", "account_id", accountID)
	defer s.logger.Info("realtime stream closed", "account_id", accountID, "dropped", sub.Dropped())

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			if err := c.deliver(ctx, n); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// cursor tracks the highest seq written to one stream. Pushes can arrive out of order when
// several effect workers run at once; a push past the cursor is answered by reading the store
// from the cursor, so the client always sees seq order.
type cursor struct {
	w       http.ResponseWriter
	stream  *Stream
	account uuid.UUID
	seq     int64
}

func (c *cursor) write(n *models.Notification) error {
	if err := writeEvent(c.w, n); err != nil {
		return err
	}
	if n.Seq > c.seq {
		c.seq = n.Seq
	}
	return nil
}

// deliver writes n and anything stored before it that this stream has not sent. It returns only
// write errors.
func (c *cursor) deliver(ctx context.Context, n *models.Notification) error {
	if n.Seq != 0 && n.Seq <= c.seq {
		return nil
	}
	if n.Seq == 0 || c.stream.backlog == nil {
		return c.write(n)
	}
	for n.Seq > c.seq {
		wrote, err := c.next(ctx)
		if err != nil {
			return err
		}
		if wrote == 0 {
			return c.write(n)
		}
	}
	return nil
}

// catchUp writes every stored notification past the cursor.
func (c *cursor) catchUp(ctx context.Context) error {
	for {
		wrote, err := c.next(ctx)
		if err != nil || wrote < backlogLimit {
			return err
		}
	}
}

// next writes one page past the cursor. Read failures are logged and reported as an empty page.
func (c *cursor) next(ctx context.Context) (int, error) {
	batch, err := c.stream.backlog.ListSince(ctx, c.account, c.seq, backlogLimit)
	if err != nil {
		c.stream.logger.Error("read notifications since cursor", "account_id", c.account, "seq", c.seq, "error", err)
		return 0, nil
	}
	for _, m := range batch {
		if err := c.write(m); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

func writeEvent(w http.ResponseWriter, n *models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: notification\ndata: %s\n\n", n.ID, data)
	return err
}

func lastEventID(r *http.Request) uuid.UUID {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}
