package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/designdesk/backend/internal/models"
)

type DeliveryRepo struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepo(pool *pgxpool.Pool) *DeliveryRepo {
	return &DeliveryRepo{pool: pool}
}

// Claim inserts an attempted delivery for key. fresh is false when a row already existed,
// in which case the stored row is returned unchanged.
func (r *DeliveryRepo) Claim(ctx context.Context, key models.DeliveryKey) (*models.Delivery, bool, error) {
	d := &models.Delivery{Key: key}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO deliveries (task_id, to_state, seq, recipient_id, channel, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
		RETURNING status, last_error, attempts, attempted_at
	`, key.TaskID, key.ToState, key.Seq, key.RecipientID, key.Channel, models.DeliveryStatusAttempted).
		Scan(&d.Status, &d.LastError, &d.Attempts, &d.AttemptedAt)
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT status, last_error, attempts, attempted_at FROM deliveries
		WHERE task_id = $1 AND to_state = $2 AND seq = $3 AND recipient_id = $4 AND channel = $5
	`, key.TaskID, key.ToState, key.Seq, key.RecipientID, key.Channel).
		Scan(&d.Status, &d.LastError, &d.Attempts, &d.AttemptedAt)
	if err != nil {
		return nil, false, notFound(err)
	}
	return d, false, nil
}

func (r *DeliveryRepo) Record(ctx context.Context, d *models.Delivery) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE deliveries SET status = $6, last_error = $7, attempts = $8, attempted_at = now()
		WHERE task_id = $1 AND to_state = $2 AND seq = $3 AND recipient_id = $4 AND channel = $5
	`, d.Key.TaskID, d.Key.ToState, d.Key.Seq, d.Key.RecipientID, d.Key.Channel, d.Status, d.LastError, d.Attempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
