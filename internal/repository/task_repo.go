package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/designdesk/backend/internal/models"
)

const taskColumns = `id, client_id, freelancer_id, category, status, credits_committed, revisions_used, max_revisions,
	extra_scope_credits, extra_scope_reason, deliverable_url, requirements, version, created_at, assigned_at, completed_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.ClientID, &t.FreelancerID, &t.Category, &t.Status, &t.CreditsCommitted, &t.RevisionsUsed, &t.MaxRevisions,
		&t.ExtraScopeCredits, &t.ExtraScopeReason, &t.DeliverableURL, &t.Requirements, &t.Version, &t.CreatedAt, &t.AssignedAt, &t.CompletedAt, &t.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, client_id, freelancer_id, category, status, credits_committed, revisions_used, max_revisions,
			extra_scope_credits, extra_scope_reason, deliverable_url, requirements, version, created_at, assigned_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, t.ID, t.ClientID, t.FreelancerID, t.Category, t.Status, t.CreditsCommitted, t.RevisionsUsed, t.MaxRevisions,
		t.ExtraScopeCredits, t.ExtraScopeReason, t.DeliverableURL, t.Requirements, t.Version, t.CreatedAt, t.AssignedAt, t.CompletedAt, t.UpdatedAt)
	return err
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByIDForUpdate locks the task row until tx ends.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// UpdateTx writes every mutable column, conditioned on the row still carrying prevVersion.
func (r *TaskRepo) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task, prevVersion int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET freelancer_id = $3, status = $4, credits_committed = $5, revisions_used = $6, max_revisions = $7,
			extra_scope_credits = $8, extra_scope_reason = $9, deliverable_url = $10, version = $11,
			assigned_at = $12, completed_at = $13, updated_at = $14
		WHERE id = $1 AND version = $2
	`, t.ID, prevVersion, t.FreelancerID, t.Status, t.CreditsCommitted, t.RevisionsUsed, t.MaxRevisions,
		t.ExtraScopeCredits, t.ExtraScopeReason, t.DeliverableURL, t.Version,
		t.AssignedAt, t.CompletedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrVersionConflict
	}
	return nil
}

// DeleteTx removes the task. Foreign keys detach its ledger entries and notifications
// and drop its idempotency records.
func (r *TaskRepo) DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *TaskRepo) List(ctx context.Context, f models.TaskFilter) ([]*models.Task, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ClientID != nil {
		add("client_id = $%d", *f.ClientID)
	}
	if f.FreelancerID != nil {
		add("freelancer_id = $%d", *f.FreelancerID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}

	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}
