package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/designdesk/backend/internal/models"
)

const entryColumns = `id, account_id, task_id, kind, amount, balance_after, external_ref, description, created_at`

// CreditRepo stores ledger entries. It never updates or deletes a row.
type CreditRepo struct {
	pool *pgxpool.Pool
}

func NewCreditRepo(pool *pgxpool.Pool) *CreditRepo {
	return &CreditRepo{pool: pool}
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := row.Scan(&e.ID, &e.AccountID, &e.TaskID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.ExternalRef, &e.Description, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

// CreateTx inserts a ledger entry inside the given transaction.
func (r *CreditRepo) CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return tx.QueryRow(ctx, `
		INSERT INTO credit_entries (id, account_id, task_id, kind, amount, balance_after, external_ref, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, e.ID, e.AccountID, e.TaskID, e.Kind, e.Amount, e.BalanceAfter, e.ExternalRef, e.Description).Scan(&e.CreatedAt)
}

func (r *CreditRepo) GetByExternalRef(ctx context.Context, ref string) (*models.LedgerEntry, error) {
	return scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM credit_entries WHERE external_ref = $1`, ref))
}

func (r *CreditRepo) GetByExternalRefTx(ctx context.Context, tx pgx.Tx, ref string) (*models.LedgerEntry, error) {
	return scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM credit_entries WHERE external_ref = $1`, ref))
}

func (r *CreditRepo) SumByAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	var sum int
	err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_entries WHERE account_id = $1`, accountID).Scan(&sum)
	return sum, err
}

// ListByAccount returns the newest entries first. A non-positive limit returns everything.
func (r *CreditRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM credit_entries WHERE account_id = $1 ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
