package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/designdesk/backend/internal/models"
)

const idempotencyColumns = `account_id, key, task_id, event, result_status, created_at`

type IdempotencyRepo struct {
	pool *pgxpool.Pool
}

func NewIdempotencyRepo(pool *pgxpool.Pool) *IdempotencyRepo {
	return &IdempotencyRepo{pool: pool}
}

func scanIdempotency(row pgx.Row) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	if err := row.Scan(&rec.AccountID, &rec.Key, &rec.TaskID, &rec.Event, &rec.ResultStatus, &rec.CreatedAt); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (r *IdempotencyRepo) Get(ctx context.Context, accountID uuid.UUID, key string) (*models.IdempotencyRecord, error) {
	return scanIdempotency(r.pool.QueryRow(ctx, `
		SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE account_id = $1 AND key = $2
	`, accountID, key))
}

func (r *IdempotencyRepo) GetTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, key string) (*models.IdempotencyRecord, error) {
	return scanIdempotency(tx.QueryRow(ctx, `
		SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE account_id = $1 AND key = $2
	`, accountID, key))
}

// CreateTx records a keyed outcome. A concurrent duplicate fails with a unique violation
// and aborts the caller's transaction.
func (r *IdempotencyRepo) CreateTx(ctx context.Context, tx pgx.Tx, rec *models.IdempotencyRecord) error {
	return tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (account_id, key, task_id, event, result_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, rec.AccountID, rec.Key, rec.TaskID, rec.Event, rec.ResultStatus).Scan(&rec.CreatedAt)
}
