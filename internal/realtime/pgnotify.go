package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/designdesk/backend/internal/models"
)

// NotifyChannel is the Postgres channel notifications are broadcast on.
const NotifyChannel = "designdesk_notifications"

// Postgres rejects NOTIFY payloads of 8000 bytes or more.
const maxNotifyPayload = 7900

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGPublisher broadcasts notifications with pg_notify so every API process can push them to its
// own connected sessions.
type PGPublisher struct {
	db Execer
}

func NewPGPublisher(db Execer) *PGPublisher {
	return &PGPublisher{db: db}
}

func (p *PGPublisher) Publish(ctx context.Context, n *models.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if len(data) > maxNotifyPayload {
		slim := *n
		slim.Payload.Detail = nil
		if data, err = json.Marshal(&slim); err != nil {
			return err
		}
		if len(data) > maxNotifyPayload {
			return fmt.Errorf("notification %s too large for NOTIFY (%d bytes)", n.ID, len(data))
		}
	}
	if _, err := p.db.Exec(ctx, "SELECT pg_notify($1, $2)", NotifyChannel, string(data)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// NotificationConn is a dedicated connection able to LISTEN. *pgx.Conn satisfies it.
type NotificationConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener forwards NOTIFY payloads into the local hub, reconnecting with backoff.
type Listener struct {
	Connect func(ctx context.Context) (NotificationConn, error)
	Hub     *Hub
	Backoff *Backoff
	Sleep   func(ctx context.Context, d time.Duration) error
	Logger  *slog.Logger
}

// NewListener listens on a fresh connection to connString.
func NewListener(connString string, hub *Hub, logger *slog.Logger) *Listener {
	return &Listener{
		Connect: func(ctx context.Context) (NotificationConn, error) {
			return pgx.Connect(ctx, connString)
		},
		Hub:    hub,
		Logger: logger,
	}
}

// Run blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := l.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	sleep := l.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for {
		err := l.listenOnce(ctx, backoff, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := backoff.Next()
		logger.Warn("notification listener disconnected", "error", err, "retry_in", d)
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}
}

func (l *Listener) listenOnce(ctx context.Context, backoff *Backoff, logger *slog.Logger) error {
	conn, err := l.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	backoff.Reset()
	logger.Info("notification listener connected", "channel", NotifyChannel)

	for {
		msg, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var n models.Notification
		if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
			logger.Error("bad notification payload", "error", err)
			continue
		}
		if err := l.Hub.Publish(ctx, &n); err != nil {
			logger.Error("forward notification", "notification_id", n.ID, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
