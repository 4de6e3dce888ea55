// Package testutil provides an in-memory, transactional stand-in for the Postgres repositories.
//
// Transactions are serialized: Begin blocks until the previous transaction commits or rolls
// back, which gives the same outcome as row locks for the single-task races tests exercise.
// Each transaction works on a private copy of the state that Commit swaps in.
package testutil

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/designdesk/backend/internal/models"
)

// ErrInjectedCommit is returned by Commit while failures are injected.
var ErrInjectedCommit = errors.New("injected commit failure")

type idemKey struct {
	account uuid.UUID
	key     string
}

type state struct {
	accounts   map[uuid.UUID]*models.Account
	tasks      map[uuid.UUID]*models.Task
	entries    []*models.LedgerEntry
	idem       map[idemKey]*models.IdempotencyRecord
	categories map[string]*models.Category
	effects    []models.TransitionEvent
}

func newState() *state {
	return &state{
		accounts:   make(map[uuid.UUID]*models.Account),
		tasks:      make(map[uuid.UUID]*models.Task),
		idem:       make(map[idemKey]*models.IdempotencyRecord),
		categories: make(map[string]*models.Category),
	}
}

func (s *state) clone() *state {
	cp := newState()
	for id, a := range s.accounts {
		ac := *a
		cp.accounts[id] = &ac
	}
	for id, t := range s.tasks {
		cp.tasks[id] = t.Clone()
	}
	cp.entries = make([]*models.LedgerEntry, len(s.entries))
	for i, e := range s.entries {
		ec := *e
		cp.entries[i] = &ec
	}
	for k, r := range s.idem {
		rc := *r
		cp.idem[k] = &rc
	}
	for n, c := range s.categories {
		cc := *c
		cp.categories[n] = &cc
	}
	cp.effects = append([]models.TransitionEvent(nil), s.effects...)
	return cp
}

// Store holds the committed state. Notifications and deliveries live outside transactions,
// matching how the dispatcher writes them.
type Store struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	st          *state
	failCommits int
	commits     int
	Now         func() time.Time

	outMu         sync.Mutex
	notifications []*models.Notification
	seq           int64
	deliveries    map[string]*models.Delivery
}

func New() *Store {
	return &Store{
		st:         newState(),
		Now:        time.Now,
		deliveries: make(map[string]*models.Delivery),
	}
}

// FailCommits makes the next n commits fail with ErrInjectedCommit.
func (s *Store) FailCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// Commits counts successful commits.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Begin implements the TxBeginner interfaces used by the services.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	s.txMu.Lock()
	if err := ctx.Err(); err != nil {
		s.txMu.Unlock()
		return nil, err
	}
	s.mu.RLock()
	st := s.st.clone()
	s.mu.RUnlock()
	return &Tx{store: s, st: st}, nil
}

// Tx is a pgx.Tx over a private copy of the state. Only Commit and Rollback are implemented;
// the embedded interface is nil.
type Tx struct {
	pgx.Tx
	store *Store
	st    *state
	done  bool
}

func (t *Tx) Commit(context.Context) error {
	if t.done {
		return pgx.ErrTxClosed
	}
	t.done = true
	defer t.store.txMu.Unlock()
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.failCommits > 0 {
		t.store.failCommits--
		return ErrInjectedCommit
	}
	t.store.st = t.st
	t.store.commits++
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

func stateOf(tx pgx.Tx) *state {
	return tx.(*Tx).st
}

func (s *Store) read(fn func(st *state)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.st)
}

func (s *Store) now() time.Time {
	return s.Now().UTC()
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

// ---------------------------------------------------------------------------
// Seeding and inspection helpers
// ---------------------------------------------------------------------------

// AddAccount stores a copy of a outside any transaction.
func (s *Store) AddAccount(a *models.Account) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.st.accounts[cp.ID] = &cp
	out := cp
	return &out
}

// AddCategory stores a copy of c outside any transaction.
func (s *Store) AddCategory(c *models.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.st.categories[c.Name] = &cp
}

// PutTask overwrites a task outside the lifecycle engine. Tests use it to set up states.
func (s *Store) PutTask(t *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.tasks[t.ID] = t.Clone()
}

// SetBalance overwrites the cached balance without an entry, simulating drift.
func (s *Store) SetBalance(id uuid.UUID, balance int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.accounts[id].CreditBalance = balance
}

// LedgerEntries returns committed ledger entries in insertion order, optionally for one account.
func (s *Store) LedgerEntries(accountID *uuid.UUID) []*models.LedgerEntry {
	var out []*models.LedgerEntry
	s.read(func(st *state) {
		for _, e := range st.entries {
			if accountID == nil || e.AccountID == *accountID {
				ec := *e
				out = append(out, &ec)
			}
		}
	})
	return out
}

// LedgerSum sums an account's committed entries.
func (s *Store) LedgerSum(accountID uuid.UUID) int {
	sum := 0
	for _, e := range s.LedgerEntries(&accountID) {
		sum += e.Amount
	}
	return sum
}

// Balance returns the cached balance of an account.
func (s *Store) Balance(accountID uuid.UUID) int {
	var b int
	s.read(func(st *state) { b = st.accounts[accountID].CreditBalance })
	return b
}

// TaskCount counts committed tasks.
func (s *Store) TaskCount() int {
	var n int
	s.read(func(st *state) { n = len(st.tasks) })
	return n
}

// Enqueued returns the committed effect events in commit order.
func (s *Store) Enqueued() []models.TransitionEvent {
	var out []models.TransitionEvent
	s.read(func(st *state) { out = append(out, st.effects...) })
	return out
}

// AllNotifications returns every stored notification in creation order.
func (s *Store) AllNotifications() []*models.Notification {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	out := make([]*models.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		nc := *n
		out = append(out, &nc)
	}
	return out
}

// AllDeliveries returns every delivery record keyed by DeliveryKey.String().
func (s *Store) AllDeliveries() map[string]models.Delivery {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	out := make(map[string]models.Delivery, len(s.deliveries))
	for k, d := range s.deliveries {
		out[k] = *d
	}
	return out
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type AccountRepo struct{ s *Store }

func (s *Store) Accounts() *AccountRepo { return &AccountRepo{s: s} }

func (r *AccountRepo) Create(_ context.Context, a *models.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.st.accounts {
		if strings.EqualFold(existing.Email, a.Email) {
			return uniqueViolation("accounts_email_key")
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = r.s.now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	r.s.st.accounts[a.ID] = &cp
	return nil
}

func (r *AccountRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	var out *models.Account
	r.s.read(func(st *state) {
		if a, ok := st.accounts[id]; ok {
			cp := *a
			out = &cp
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (r *AccountRepo) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	var out *models.Account
	r.s.read(func(st *state) {
		for _, a := range st.accounts {
			if strings.EqualFold(a.Email, email) {
				cp := *a
				out = &cp
				return
			}
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (r *AccountRepo) GetByIDTx(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	a, ok := stateOf(tx).accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return r.GetByIDTx(ctx, tx, id)
}

func (r *AccountRepo) SetBalanceTx(_ context.Context, tx pgx.Tx, id uuid.UUID, balance int) error {
	a, ok := stateOf(tx).accounts[id]
	if !ok {
		return models.ErrNotFound
	}
	a.CreditBalance = balance
	a.UpdatedAt = r.s.now()
	return nil
}

func (r *AccountRepo) ListAdmins(_ context.Context) ([]*models.Account, error) {
	var out []*models.Account
	r.s.read(func(st *state) {
		for _, a := range st.accounts {
			if a.Role == models.RoleAdmin {
				cp := *a
				out = append(out, &cp)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (r *AccountRepo) UpdateFlags(_ context.Context, id uuid.UUID, approved, available *bool) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.st.accounts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if approved != nil {
		a.Approved = *approved
	}
	if available != nil {
		a.Available = *available
	}
	a.UpdatedAt = r.s.now()
	cp := *a
	return &cp, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

type TaskRepo struct{ s *Store }

func (s *Store) Tasks() *TaskRepo { return &TaskRepo{s: s} }

func (r *TaskRepo) CreateTx(_ context.Context, tx pgx.Tx, t *models.Task) error {
	st := stateOf(tx)
	if _, ok := st.tasks[t.ID]; ok {
		return uniqueViolation("tasks_pkey")
	}
	if _, ok := st.accounts[t.ClientID]; !ok {
		return &pgconn.PgError{Code: "23503", ConstraintName: "tasks_client_id_fkey"}
	}
	st.tasks[t.ID] = t.Clone()
	return nil
}

func (r *TaskRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	var out *models.Task
	r.s.read(func(st *state) {
		if t, ok := st.tasks[id]; ok {
			out = t.Clone()
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (r *TaskRepo) GetByIDForUpdate(_ context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	t, ok := stateOf(tx).tasks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return t.Clone(), nil
}

func (r *TaskRepo) UpdateTx(_ context.Context, tx pgx.Tx, t *models.Task, prevVersion int) error {
	st := stateOf(tx)
	cur, ok := st.tasks[t.ID]
	if !ok || cur.Version != prevVersion {
		return models.ErrVersionConflict
	}
	st.tasks[t.ID] = t.Clone()
	return nil
}

// DeleteTx removes the task, detaches its ledger entries and drops idempotency records for it.
func (r *TaskRepo) DeleteTx(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	st := stateOf(tx)
	if _, ok := st.tasks[id]; !ok {
		return models.ErrNotFound
	}
	delete(st.tasks, id)
	for _, e := range st.entries {
		if e.TaskID != nil && *e.TaskID == id {
			e.TaskID = nil
		}
	}
	for k, rec := range st.idem {
		if rec.TaskID == id {
			delete(st.idem, k)
		}
	}
	r.s.outMu.Lock()
	for _, n := range r.s.notifications {
		if n.TaskID != nil && *n.TaskID == id {
			n.TaskID = nil
		}
	}
	r.s.outMu.Unlock()
	return nil
}

func (r *TaskRepo) List(_ context.Context, f models.TaskFilter) ([]*models.Task, error) {
	var out []*models.Task
	r.s.read(func(st *state) {
		for _, t := range st.tasks {
			if f.ClientID != nil && t.ClientID != *f.ClientID {
				continue
			}
			if f.FreelancerID != nil && (t.FreelancerID == nil || *t.FreelancerID != *f.FreelancerID) {
				continue
			}
			if f.Status != "" && t.Status != f.Status {
				continue
			}
			out = append(out, t.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Ledger entries
// ---------------------------------------------------------------------------

type EntryRepo struct{ s *Store }

func (s *Store) Entries() *EntryRepo { return &EntryRepo{s: s} }

func (r *EntryRepo) CreateTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	st := stateOf(tx)
	if e.ExternalRef != nil {
		for _, existing := range st.entries {
			if existing.ExternalRef != nil && *existing.ExternalRef == *e.ExternalRef {
				return uniqueViolation("credit_entries_external_ref_key")
			}
		}
	}
	if e.TaskID != nil {
		if _, ok := st.tasks[*e.TaskID]; !ok {
			return &pgconn.PgError{Code: "23503", ConstraintName: "credit_entries_task_id_fkey"}
		}
	}
	e.CreatedAt = r.s.now()
	cp := *e
	st.entries = append(st.entries, &cp)
	return nil
}

func findRef(entries []*models.LedgerEntry, ref string) (*models.LedgerEntry, error) {
	for _, e := range entries {
		if e.ExternalRef != nil && *e.ExternalRef == ref {
			cp := *e
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *EntryRepo) GetByExternalRef(_ context.Context, ref string) (*models.LedgerEntry, error) {
	var (
		out *models.LedgerEntry
		err error
	)
	r.s.read(func(st *state) { out, err = findRef(st.entries, ref) })
	return out, err
}

func (r *EntryRepo) GetByExternalRefTx(_ context.Context, tx pgx.Tx, ref string) (*models.LedgerEntry, error) {
	return findRef(stateOf(tx).entries, ref)
}

func (r *EntryRepo) SumByAccountTx(_ context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	sum := 0
	for _, e := range stateOf(tx).entries {
		if e.AccountID == accountID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (r *EntryRepo) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	var out []*models.LedgerEntry
	r.s.read(func(st *state) {
		for i := len(st.entries) - 1; i >= 0; i-- {
			e := st.entries[i]
			if e.AccountID != accountID {
				continue
			}
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				return
			}
		}
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Idempotency records
// ---------------------------------------------------------------------------

type IdempotencyRepo struct{ s *Store }

func (s *Store) Idempotency() *IdempotencyRepo { return &IdempotencyRepo{s: s} }

func (r *IdempotencyRepo) Get(_ context.Context, accountID uuid.UUID, key string) (*models.IdempotencyRecord, error) {
	var out *models.IdempotencyRecord
	r.s.read(func(st *state) {
		if rec, ok := st.idem[idemKey{accountID, key}]; ok {
			cp := *rec
			out = &cp
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (r *IdempotencyRepo) GetTx(_ context.Context, tx pgx.Tx, accountID uuid.UUID, key string) (*models.IdempotencyRecord, error) {
	rec, ok := stateOf(tx).idem[idemKey{accountID, key}]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *IdempotencyRepo) CreateTx(_ context.Context, tx pgx.Tx, rec *models.IdempotencyRecord) error {
	st := stateOf(tx)
	k := idemKey{rec.AccountID, rec.Key}
	if _, ok := st.idem[k]; ok {
		return uniqueViolation("idempotency_keys_pkey")
	}
	rec.CreatedAt = r.s.now()
	cp := *rec
	st.idem[k] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Categories
// ---------------------------------------------------------------------------

type CategoryRepo struct{ s *Store }

func (s *Store) Categories() *CategoryRepo { return &CategoryRepo{s: s} }

func (r *CategoryRepo) GetCategory(_ context.Context, name string) (*models.Category, error) {
	var out *models.Category
	r.s.read(func(st *state) {
		if c, ok := st.categories[name]; ok {
			cp := *c
			out = &cp
		}
	})
	if out == nil {
		return nil, models.ErrNotFound
	}
	return out, nil
}

func (r *CategoryRepo) ListCategories(_ context.Context) ([]*models.Category, error) {
	var out []*models.Category
	r.s.read(func(st *state) {
		for _, c := range st.categories {
			cp := *c
			out = append(out, &cp)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *CategoryRepo) UpsertCategories(_ context.Context, cats []*models.Category) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range cats {
		cp := *c
		cp.UpdatedAt = r.s.now()
		r.s.st.categories[c.Name] = &cp
	}
	return nil
}

// ---------------------------------------------------------------------------
// Effect queue
// ---------------------------------------------------------------------------

type EffectQueue struct{ s *Store }

func (s *Store) Effects() *EffectQueue { return &EffectQueue{s: s} }

// EnqueueTx records the event in the transaction; it becomes visible only on commit.
func (q *EffectQueue) EnqueueTx(_ context.Context, tx pgx.Tx, ev models.TransitionEvent) error {
	st := stateOf(tx)
	st.effects = append(st.effects, ev)
	return nil
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

type NotificationRepo struct {
	s *Store
	// FailCreates makes the next n CreateIfAbsent calls fail.
	FailCreates int
}

func (s *Store) Notifications() *NotificationRepo { return &NotificationRepo{s: s} }

func (r *NotificationRepo) CreateIfAbsent(_ context.Context, n *models.Notification) (bool, error) {
	r.s.outMu.Lock()
	defer r.s.outMu.Unlock()
	if r.FailCreates > 0 {
		r.FailCreates--
		return false, errors.New("notification store unavailable")
	}
	for _, existing := range r.s.notifications {
		if existing.DedupeKey == n.DedupeKey {
			*n = *existing
			return false, nil
		}
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	r.s.seq++
	n.Seq = r.s.seq
	n.CreatedAt = r.s.now()
	cp := *n
	r.s.notifications = append(r.s.notifications, &cp)
	return true, nil
}

func (r *NotificationRepo) ListForRecipient(_ context.Context, recipientID uuid.UUID, unreadOnly bool, limit int) ([]*models.Notification, error) {
	r.s.outMu.Lock()
	defer r.s.outMu.Unlock()
	var out []*models.Notification
	for i := len(r.s.notifications) - 1; i >= 0; i-- {
		n := r.s.notifications[i]
		if n.RecipientID != recipientID || (unreadOnly && n.ReadAt != nil) {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListAfter returns the recipient's notifications created after afterID, oldest first.
func (r *NotificationRepo) ListAfter(_ context.Context, recipientID, afterID uuid.UUID, limit int) ([]*models.Notification, error) {
	r.s.outMu.Lock()
	defer r.s.outMu.Unlock()
	start := -1
	for i, n := range r.s.notifications {
		if n.ID == afterID {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, nil
	}
	var out []*models.Notification
	for _, n := range r.s.notifications[start+1:] {
		if n.RecipientID != recipientID {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListSince returns the recipient's notifications with Seq above afterSeq, oldest first.
func (r *NotificationRepo) ListSince(_ context.Context, recipientID uuid.UUID, afterSeq int64, limit int) ([]*models.Notification, error) {
	r.s.outMu.Lock()
	defer r.s.outMu.Unlock()
	var out []*models.Notification
	for _, n := range r.s.notifications {
		if n.RecipientID != recipientID || n.Seq <= afterSeq {
			continue
		}
		cp := *n
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *NotificationRepo) LatestSeq(_ context.Context, recipientID uuid.UUID) (int64, error) {
	r.s.outMu.Lock()
	defer r.s.outMu.Unlock()
	var latest int64
	for _, n := range r.s.notifications {
		if n.RecipientID == recipientID && n.Seq > latest {
			latest = n.Seq
		}
	}
	return latest, nil
}

func (r *NotificationRepo) MarkRead(_ context.Context, recipientID, id uuid.UUID) error {
	r.s.outMu.Lock()
	defer r.s.outMu.Unlock()
	for _, n := range r.s.notifications {
		if n.ID == id && n.RecipientID == recipientID {
			if n.ReadAt == nil {
				at := r.s.now()
				n.ReadAt = &at
			}
			return nil
		}
	}
	return models.ErrNotFound
}

// ---------------------------------------------------------------------------
// Deliveries
// ---------------------------------------------------------------------------

type DeliveryRepo struct{ s *Store }

func (s *Store) Deliveries() *DeliveryRepo { return &DeliveryRepo{s: s} }

func (r *DeliveryRepo) Claim(_ context.Context, key models.DeliveryKey) (*models.Delivery, bool, error) {
	r.s.outMu.Lock()
	defer r.s.outMu.Unlock()
	if d, ok := r.s.deliveries[key.String()]; ok {
		cp := *d
		return &cp, false, nil
	}
	d := &models.Delivery{Key: key, Status: models.DeliveryStatusAttempted, Attempts: 1, AttemptedAt: r.s.now()}
	r.s.deliveries[key.String()] = d
	cp := *d
	return &cp, true, nil
}

func (r *DeliveryRepo) Record(_ context.Context, d *models.Delivery) error {
	r.s.outMu.Lock()
	defer r.s.outMu.Unlock()
	if _, ok := r.s.deliveries[d.Key.String()]; !ok {
		return models.ErrNotFound
	}
	cp := *d
	r.s.deliveries[d.Key.String()] = &cp
	return nil
}
