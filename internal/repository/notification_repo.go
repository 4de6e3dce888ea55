package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/designdesk/backend/internal/models"
)

const notificationColumns = `id, seq, recipient_id, task_id, kind, payload, dedupe_key, created_at, read_at`

type NotificationRepo struct {
	pool *pgxpool.Pool
}

func NewNotificationRepo(pool *pgxpool.Pool) *NotificationRepo {
	return &NotificationRepo{pool: pool}
}

func scanNotification(row pgx.Row) (*models.Notification, error) {
	var (
		n       models.Notification
		payload []byte
	)
	if err := row.Scan(&n.ID, &n.Seq, &n.RecipientID, &n.TaskID, &n.Kind, &payload, &n.DedupeKey, &n.CreatedAt, &n.ReadAt); err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(payload, &n.Payload); err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*models.Notification, error) {
	defer rows.Close()
	var list []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, n)
	}
	return list, rows.Err()
}

// CreateIfAbsent inserts n unless a notification with the same dedupe key exists. Either
// way n ends up holding the stored row; created reports which happened.
//
// Inserts for one recipient are serialized on an advisory lock, so a recipient's seq values
// commit in increasing order and a reader that has seen seq N has seen everything below it.
func (r *NotificationRepo) CreateIfAbsent(ctx context.Context, n *models.Notification) (bool, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, n.RecipientID.String()); err != nil {
		return false, err
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO notifications (id, recipient_id, task_id, kind, payload, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING seq, created_at
	`, n.ID, n.RecipientID, n.TaskID, n.Kind, payload, n.DedupeKey).Scan(&n.Seq, &n.CreatedAt)
	if err == nil {
		return true, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}

	existing, err := scanNotification(tx.QueryRow(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE dedupe_key = $1
	`, n.DedupeKey))
	if err != nil {
		return false, err
	}
	*n = *existing
	return false, tx.Commit(ctx)
}

// ListForRecipient returns the newest notifications first.
func (r *NotificationRepo) ListForRecipient(ctx context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = $1`
	if unreadOnly {
		q += " AND read_at IS NULL"
	}
	q += " ORDER BY seq DESC"
	args := []any{recipientID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// ListAfter returns the recipient's notifications stored after afterID, oldest first.
// An unknown afterID yields nothing.
func (r *NotificationRepo) ListAfter(ctx context.Context, recipientID, afterID uuid.UUID, limit int) ([]*models.Notification, error) {
	q := `
		SELECT ` + notificationColumns + ` FROM notifications
		WHERE recipient_id = $1 AND seq > (SELECT seq FROM notifications WHERE id = $2)
		ORDER BY seq`
	args := []any{recipientID, afterID}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

// ListSince returns the recipient's notifications with seq above afterSeq, oldest first.
func (r *NotificationRepo) ListSince(ctx context.Context, recipientID uuid.UUID, afterSeq int64, limit int) ([]*models.Notification, error) {
	q := `
		SELECT ` + notificationColumns + ` FROM notifications
		WHERE recipient_id = $1 AND seq > $2
		ORDER BY seq`
	args := []any{recipientID, afterSeq}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectNotifications(rows)
}

func (r *NotificationRepo) LatestSeq(ctx context.Context, recipientID uuid.UUID) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM notifications WHERE recipient_id = $1`, recipientID).Scan(&seq)
	return seq, err
}

func (r *NotificationRepo) MarkRead(ctx context.Context, recipientID, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, now())
		WHERE id = $1 AND recipient_id = $2
	`, id, recipientID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
