package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/designdesk/backend/internal/catalog"
	"github.com/designdesk/backend/internal/db"
	"github.com/designdesk/backend/internal/ledger"
	"github.com/designdesk/backend/internal/models"
	"github.com/designdesk/backend/internal/repository"
)

// These tests run the engine against PostgreSQL so row locks and the version check are the
// real ones. They need DATABASE_URL pointing at a disposable database.

// ---------------------------------------------------------------------------
// PostgreSQL fixture
// ---------------------------------------------------------------------------

type discardEffects struct{}

func (discardEffects) EnqueueTx(context.Context, pgx.Tx, models.TransitionEvent) error { return nil }

type pgFixture struct {
	pool     *pgxpool.Pool
	accounts *repository.AccountRepo
	tasks    *repository.TaskRepo
	ledger   *ledger.Service
	engine   *Engine
	category string
}

func newPGFixture(t *testing.T) *pgFixture {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.Migrate(ctx, pool, nil))

	f := &pgFixture{
		pool:     pool,
		accounts: repository.NewAccountRepo(pool),
		tasks:    repository.NewTaskRepo(pool),
		category: "logo-" + uuid.NewString()[:8],
	}
	f.ledger = ledger.NewService(pool, f.accounts, repository.NewCreditRepo(pool), nil)
	cat := catalog.New(repository.NewCategoryRepo(pool), time.Minute, nil, nil)
	require.NoError(t, cat.Import(ctx, []*models.Category{{Name: f.category, Kind: models.BriefLogo, CreditCost: 2, MaxRevisions: 2, Schema: logoSchema}}))

	f.engine = NewEngine(Deps{
		Pool:        pool,
		Tasks:       f.tasks,
		Accounts:    f.accounts,
		Idempotency: repository.NewIdempotencyRepo(pool),
		Ledger:      f.ledger,
		Catalog:     cat,
		Effects:     discardEffects{},
		Sleep:       func(time.Duration) {},
	}, Config{CommitAttempts: 5, RetryBackoff: time.Millisecond})
	return f
}

func (f *pgFixture) account(t *testing.T, role string, balance int) models.Actor {
	t.Helper()
	ctx := context.Background()
	acc := &models.Account{Email: uuid.NewString() + "@example.com", Role: role, Approved: true, Available: true}
	require.NoError(t, f.accounts.Create(ctx, acc))
	if balance > 0 {
		_, _, err := f.ledger.Purchase(ctx, acc.ID, balance, "seed-"+acc.ID.String())
		require.NoError(t, err)
	}
	return models.Actor{ID: acc.ID, Role: role}
}

func (f *pgFixture) create(t *testing.T, client models.Actor) *models.Task {
	t.Helper()
	res, err := f.engine.CreateTask(context.Background(), CreateRequest{Actor: client, Category: f.category, Requirements: logoBrief})
	require.NoError(t, err)
	return res.Task
}

func (f *pgFixture) balance(t *testing.T, id uuid.UUID) int {
	t.Helper()
	b, err := f.ledger.BalanceOf(context.Background(), id)
	require.NoError(t, err)
	return b
}

// ---------------------------------------------------------------------------
// Row locks and versions
// ---------------------------------------------------------------------------

func TestPostgres_ConcurrentClaimsOneWins(t *testing.T) {
	f := newPGFixture(t)
	client := f.account(t, models.RoleClient, 5)
	task := f.create(t, client)

	const n = 8
	claimers := make([]models.Actor, n)
	for i := range claimers {
		claimers[i] = f.account(t, models.RoleFreelancer, 0)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  []uuid.UUID
		assigned int
		other    []error
	)
	start := make(chan struct{})
	for _, c := range claimers {
		wg.Add(1)
		go func(actor models.Actor) {
			defer wg.Done()
			<-start
			_, err := f.engine.ApplyTransition(context.Background(), TransitionRequest{TaskID: task.ID, Event: EventClaim, Actor: actor})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, actor.ID)
			case errors.Is(err, models.ErrAlreadyAssigned):
				assigned++
			default:
				other = append(other, err)
			}
		}(c)
	}
	close(start)
	wg.Wait()

	require.Empty(t, other)
	require.Len(t, winners, 1)
	assert.Equal(t, n-1, assigned)

	got, err := f.tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FreelancerID)
	assert.Equal(t, winners[0], *got.FreelancerID)
	assert.Equal(t, task.Version+1, got.Version)
}

func TestPostgres_UpdateWithStaleVersionIsRejected(t *testing.T) {
	f := newPGFixture(t)
	client := f.account(t, models.RoleClient, 5)
	task := f.create(t, client)
	ctx := context.Background()

	tx, err := f.pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	locked, err := f.tasks.GetByIDForUpdate(ctx, tx, task.ID)
	require.NoError(t, err)
	stale := locked.Version
	locked.Version++
	require.NoError(t, f.tasks.UpdateTx(ctx, tx, locked, stale))

	locked.Version++
	assert.ErrorIs(t, f.tasks.UpdateTx(ctx, tx, locked, stale), models.ErrVersionConflict)
}

func TestPostgres_SameKeyCancelsRefundOnce(t *testing.T) {
	f := newPGFixture(t)
	client := f.account(t, models.RoleClient, 5)
	task := f.create(t, client)
	require.Equal(t, 3, f.balance(t, client.ID))

	const n = 6
	var wg sync.WaitGroup
	results := make([]*Result, n)
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.engine.ApplyTransition(context.Background(), TransitionRequest{
				TaskID: task.ID, Event: EventCancel, Actor: client, IdempotencyKey: "cancel-" + task.ID.String(),
			})
		}(i)
	}
	close(start)
	wg.Wait()

	replayed := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, models.TaskStatusCancelled, results[i].Task.Status)
		if results[i].Replayed {
			replayed++
		}
	}
	assert.Equal(t, n-1, replayed)
	assert.Equal(t, 5, f.balance(t, client.ID))

	report, err := f.ledger.Reconcile(context.Background(), client.ID)
	require.NoError(t, err)
	assert.Zero(t, report.Drift())
}

func TestPostgres_ConcurrentCreatesNeverOverdraw(t *testing.T) {
	f := newPGFixture(t)
	client := f.account(t, models.RoleClient, 5)

	const n = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		short   int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.CreateTask(context.Background(), CreateRequest{Actor: client, Category: f.category, Requirements: logoBrief})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, models.ErrInsufficientCredits):
				short++
			default:
				t.Errorf("create: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 2, created)
	assert.Equal(t, n-2, short)
	assert.Equal(t, 1, f.balance(t, client.ID))
}
