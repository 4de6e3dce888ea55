package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/designdesk/backend/internal/models"
)

const categoryColumns = `name, kind, description, credit_cost, max_revisions, schema, updated_at`

type CategoryRepo struct {
	pool *pgxpool.Pool
}

func NewCategoryRepo(pool *pgxpool.Pool) *CategoryRepo {
	return &CategoryRepo{pool: pool}
}

func scanCategory(row pgx.Row) (*models.Category, error) {
	var c models.Category
	if err := row.Scan(&c.Name, &c.Kind, &c.Description, &c.CreditCost, &c.MaxRevisions, &c.Schema, &c.UpdatedAt); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *CategoryRepo) GetCategory(ctx context.Context, name string) (*models.Category, error) {
	return scanCategory(r.pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE name = $1`, name))
}

func (r *CategoryRepo) ListCategories(ctx context.Context) ([]*models.Category, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+categoryColumns+` FROM categories ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// UpsertCategories writes the whole batch in one transaction. Existing tasks keep the
// cost and revision limit they were created with.
func (r *CategoryRepo) UpsertCategories(ctx context.Context, cats []*models.Category) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range cats {
		batch.Queue(`
			INSERT INTO categories (name, kind, description, credit_cost, max_revisions, schema)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (name) DO UPDATE SET kind = EXCLUDED.kind, description = EXCLUDED.description,
				credit_cost = EXCLUDED.credit_cost, max_revisions = EXCLUDED.max_revisions,
				schema = EXCLUDED.schema, updated_at = now()
		`, c.Name, c.Kind, c.Description, c.CreditCost, c.MaxRevisions, c.Schema)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
