package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/designdesk/backend/internal/catalog"
	"github.com/designdesk/backend/internal/ledger"
	"github.com/designdesk/backend/internal/lifecycle"
	"github.com/designdesk/backend/internal/middleware"
	"github.com/designdesk/backend/internal/models"
	"github.com/designdesk/backend/internal/testutil"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

const logoSchema = `{"type":"object","required":["brand_name"],"properties":{"brand_name":{"type":"string","minLength":1}}}`

type env struct {
	store      *testutil.Store
	ledger     *ledger.Service
	catalog    *catalog.Catalog
	tasks      *TaskHandler
	admin      *AdminHandler
	accounts   *AccountHandler
	client     models.Actor
	freelancer models.Actor
	adminActor models.Actor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := testutil.New()
	store.AddCategory(&models.Category{Name: "logo", Kind: models.BriefLogo, CreditCost: 2, MaxRevisions: 1, Schema: logoSchema})

	e := &env{store: store}
	e.ledger = ledger.NewService(store, store.Accounts(), store.Entries(), nil)
	e.catalog = catalog.New(store.Categories(), time.Minute, nil, nil)
	engine := lifecycle.NewEngine(lifecycle.Deps{
		Pool:        store,
		Tasks:       store.Tasks(),
		Accounts:    store.Accounts(),
		Idempotency: store.Idempotency(),
		Ledger:      e.ledger,
		Catalog:     e.catalog,
		Effects:     store.Effects(),
		Sleep:       func(time.Duration) {},
	}, lifecycle.Config{CommitAttempts: 2})

	logger := slog.Default()
	e.tasks = NewTaskHandler(engine, store.Tasks(), logger)
	e.admin = &AdminHandler{Engine: engine, Ledger: e.ledger, Accounts: store.Accounts(), Categories: e.catalog, Logger: logger}
	e.accounts = &AccountHandler{Accounts: store.Accounts(), Ledger: e.ledger, Categories: e.catalog, Logger: logger}

	client := store.AddAccount(&models.Account{Email: "client@example.com", Role: models.RoleClient})
	_, _, err := e.ledger.Purchase(context.Background(), client.ID, 5, "seed")
	require.NoError(t, err)
	fl := store.AddAccount(&models.Account{Email: "fl@example.com", Role: models.RoleFreelancer, Approved: true, Available: true})
	adm := store.AddAccount(&models.Account{Email: "admin@example.com", Role: models.RoleAdmin})
	e.client = models.Actor{ID: client.ID, Role: models.RoleClient}
	e.freelancer = models.Actor{ID: fl.ID, Role: models.RoleFreelancer}
	e.adminActor = models.Actor{ID: adm.ID, Role: models.RoleAdmin}
	return e
}

type call struct {
	actor   *models.Actor
	method  string
	target  string
	body    any
	pathID  uuid.UUID
	idemKey string
}

func do(h http.HandlerFunc, c call) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if c.body != nil {
		_ = json.NewEncoder(&buf).Encode(c.body)
	}
	req := httptest.NewRequest(c.method, c.target, &buf)
	if c.pathID != uuid.Nil {
		req.SetPathValue("id", c.pathID.String())
	}
	if c.idemKey != "" {
		req.Header.Set(IdempotencyHeader, c.idemKey)
	}
	if c.actor != nil {
		req = req.WithContext(middleware.WithActor(req.Context(), *c.actor))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

type resultBody struct {
	Task     models.Task `json:"task"`
	Balance  int         `json:"balance"`
	Replayed bool        `json:"replayed"`
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) resultBody {
	t.Helper()
	var out resultBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var out errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (e *env) createTask(t *testing.T) models.Task {
	t.Helper()
	rec := do(e.tasks.CreateTask, call{
		actor:  &e.client,
		method: http.MethodPost,
		target: "/v1/tasks",
		body:   map[string]any{"category": "logo", "requirements": map[string]string{"brand_name": "Acme"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeResult(t, rec).Task
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

func TestWriteError_StatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{models.NewValidationError("x", "bad"), http.StatusBadRequest, "validation"},
		{&models.GuardViolation{Code: models.GuardIllegalState}, http.StatusConflict, models.GuardIllegalState},
		{&models.GuardViolation{Code: models.GuardForbidden}, http.StatusForbidden, models.GuardForbidden},
		{fmt.Errorf("debit: %w", models.ErrInsufficientCredits), http.StatusPaymentRequired, "insufficient_credits"},
		{models.ErrAlreadyAssigned, http.StatusConflict, "already_assigned"},
		{models.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("%w: %w", models.ErrTransitionFailed, errors.New("conn reset")), http.StatusServiceUnavailable, "transition_failed"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, slog.Default(), tc.err)
		assert.Equal(t, tc.want, rec.Code, "%v", tc.err)
		assert.Equal(t, tc.code, decodeError(t, rec).Code, "%v", tc.err)
	}
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

func TestCreateTask_DebitsAndReplays(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{"category": "logo", "requirements": map[string]string{"brand_name": "Acme"}}

	rec := do(e.tasks.CreateTask, call{actor: &e.client, method: http.MethodPost, target: "/v1/tasks", body: body, idemKey: "k1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeResult(t, rec)
	assert.Equal(t, 3, first.Balance)
	assert.Equal(t, models.TaskStatusPending, first.Task.Status)

	rec = do(e.tasks.CreateTask, call{actor: &e.client, method: http.MethodPost, target: "/v1/tasks", body: body, idemKey: "k1"})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeResult(t, rec)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Task.ID, again.Task.ID)
	assert.Equal(t, 3, e.store.Balance(e.client.ID))
}

func TestCreateTask_Errors(t *testing.T) {
	e := newEnv(t)

	rec := do(e.tasks.CreateTask, call{method: http.MethodPost, target: "/v1/tasks", body: map[string]any{}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e.tasks.CreateTask, call{actor: &e.client, method: http.MethodPost, target: "/v1/tasks",
		body: map[string]any{"category": "logo", "requirements": map[string]string{}}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "requirements", decodeError(t, rec).Field)

	rec = do(e.tasks.CreateTask, call{actor: &e.client, method: http.MethodPost, target: "/v1/tasks",
		body: map[string]any{"category": "logo", "unexpected": true}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e.tasks.CreateTask, call{actor: &e.freelancer, method: http.MethodPost, target: "/v1/tasks",
		body: map[string]any{"category": "logo", "requirements": map[string]string{"brand_name": "X"}}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	e.createTask(t)
	e.createTask(t)
	rec = do(e.tasks.CreateTask, call{actor: &e.client, method: http.MethodPost, target: "/v1/tasks",
		body: map[string]any{"category": "logo", "requirements": map[string]string{"brand_name": "Acme"}}})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	task := e.createTask(t)

	rec := do(e.tasks.Claim, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.TaskStatusAssigned, decodeResult(t, rec).Task.Status)

	other := e.store.AddAccount(&models.Account{Email: "late@example.com", Role: models.RoleFreelancer, Approved: true, Available: true})
	late := models.Actor{ID: other.ID, Role: models.RoleFreelancer}
	rec = do(e.tasks.Claim, call{actor: &late, method: http.MethodPost, pathID: task.ID, target: "/"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_assigned", decodeError(t, rec).Code)

	rec = do(e.tasks.Advance, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"event": "start"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e.tasks.Advance, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"event": "submit"}})
	assert.Equal(t, http.StatusConflict, rec.Code, "submit without a deliverable")

	rec = do(e.tasks.Advance, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]string{"event": "submit", "deliverable_url": "https://files.example.com/v1.zip"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(e.tasks.RequestRevision, call{actor: &e.client, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"feedback": "bigger"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeResult(t, rec).Task.RevisionsUsed)

	rec = do(e.tasks.Advance, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"event": "resume"}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(e.tasks.Advance, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]string{"event": "submit", "deliverable_url": "https://files.example.com/v2.zip"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(e.tasks.RequestRevision, call{actor: &e.client, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"feedback": "again"}})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, models.GuardRevisionLimit, decodeError(t, rec).Code)

	rec = do(e.tasks.Advance, call{actor: &e.client, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"event": "approve"}})
	require.Equal(t, http.StatusOK, rec.Code)
	done := decodeResult(t, rec)
	assert.Equal(t, models.TaskStatusCompleted, done.Task.Status)
	assert.Equal(t, 3, done.Balance)
}

func TestAdvance_RejectsOtherEvents(t *testing.T) {
	e := newEnv(t)
	task := e.createTask(t)
	for _, ev := range []string{"cancel", "force", "claim", "flag_extra_scope", ""} {
		rec := do(e.tasks.Advance, call{actor: &e.client, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"event": ev}})
		assert.Equal(t, http.StatusBadRequest, rec.Code, ev)
	}
}

func TestCancel_Refunds(t *testing.T) {
	e := newEnv(t)
	task := e.createTask(t)
	rec := do(e.tasks.Cancel, call{actor: &e.client, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"reason": "changed my mind"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeResult(t, rec)
	assert.Equal(t, models.TaskStatusCancelled, res.Task.Status)
	assert.Equal(t, 5, res.Balance)
}

func TestGetTask_Visibility(t *testing.T) {
	e := newEnv(t)
	task := e.createTask(t)
	stranger := e.store.AddAccount(&models.Account{Email: "other@example.com", Role: models.RoleClient})
	strangerActor := models.Actor{ID: stranger.ID, Role: models.RoleClient}

	rec := do(e.tasks.GetTask, call{actor: &e.client, method: http.MethodGet, pathID: task.ID, target: "/"})
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		ID            uuid.UUID `json:"id"`
		AllowedEvents []string  `json:"allowed_events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, task.ID, view.ID)
	assert.Equal(t, []string{"cancel"}, view.AllowedEvents)

	rec = do(e.tasks.GetTask, call{actor: &e.freelancer, method: http.MethodGet, pathID: task.ID, target: "/"})
	assert.Equal(t, http.StatusOK, rec.Code, "pending tasks are browsable by freelancers")

	rec = do(e.tasks.GetTask, call{actor: &strangerActor, method: http.MethodGet, pathID: task.ID, target: "/"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e.tasks.GetTask, call{actor: &e.client, method: http.MethodGet, pathID: uuid.New(), target: "/"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTasks_ScopedByRole(t *testing.T) {
	e := newEnv(t)
	first := e.createTask(t)
	e.createTask(t)
	do(e.tasks.Claim, call{actor: &e.freelancer, method: http.MethodPost, pathID: first.ID, target: "/"})

	count := func(actor models.Actor, target string) int {
		rec := do(e.tasks.ListTasks, call{actor: &actor, method: http.MethodGet, target: target})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out struct {
			Tasks []json.RawMessage `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return len(out.Tasks)
	}
	assert.Equal(t, 2, count(e.client, "/v1/tasks"))
	assert.Equal(t, 1, count(e.freelancer, "/v1/tasks"))
	assert.Equal(t, 1, count(e.freelancer, "/v1/tasks?scope=open"))
	assert.Equal(t, 2, count(e.adminActor, "/v1/tasks?client_id="+e.client.ID.String()))
	assert.Equal(t, 1, count(e.adminActor, "/v1/tasks?status=assigned"))

	rec := do(e.tasks.ListTasks, call{actor: &e.adminActor, method: http.MethodGet, target: "/v1/tasks?status=bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestAdmin_ForceAndResolve(t *testing.T) {
	e := newEnv(t)
	task := e.createTask(t)

	rec := do(e.admin.Force, call{actor: &e.adminActor, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]string{"status": "nonsense"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e.admin.Force, call{actor: &e.adminActor, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]string{"status": "cancelled", "reason": "fraud"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 5, decodeResult(t, rec).Balance)

	rec = do(e.admin.Resolve, call{actor: &e.adminActor, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]string{"outcome": "maybe"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e.admin.Resolve, call{actor: &e.adminActor, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]string{"outcome": "complete"}})
	assert.Equal(t, http.StatusConflict, rec.Code, "cancelled tasks are not under review")
}

func TestAdmin_ExtraScopeThenClientCharge(t *testing.T) {
	e := newEnv(t)
	task := e.createTask(t)
	do(e.tasks.Claim, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/"})
	do(e.tasks.Advance, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/", body: map[string]string{"event": "start"}})
	do(e.tasks.Advance, call{actor: &e.freelancer, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]string{"event": "submit", "deliverable_url": "https://files.example.com/a.zip"}})

	rec := do(e.admin.FlagExtraScope, call{actor: &e.adminActor, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]any{"credits": 2, "reason": "three extra variants"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeResult(t, rec).Task.ExtraScopeCredits)

	rec = do(e.tasks.Advance, call{actor: &e.client, method: http.MethodPost, pathID: task.ID, target: "/",
		body: map[string]string{"event": "charge_extra_scope"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeResult(t, rec)
	assert.Equal(t, 1, res.Balance)
	assert.Equal(t, 4, res.Task.CreditsCommitted)
}

func TestAdmin_PurgeAndAdjust(t *testing.T) {
	e := newEnv(t)
	task := e.createTask(t)

	rec := do(e.admin.Purge, call{actor: &e.adminActor, method: http.MethodPost, target: "/",
		body: map[string]any{"task_ids": []uuid.UUID{task.ID, uuid.New()}}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Report lifecycle.PurgeReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []uuid.UUID{task.ID}, out.Report.Purged)
	assert.Len(t, out.Report.Missing, 1)
	assert.Equal(t, 2, out.Report.Refunded)
	assert.Equal(t, 5, e.store.Balance(e.client.ID))

	rec = do(e.admin.Adjust, call{actor: &e.adminActor, method: http.MethodPost, pathID: e.client.ID, target: "/",
		body: map[string]any{"amount": -7, "reason": "chargeback"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, -2, e.store.Balance(e.client.ID))

	rec = do(e.admin.Adjust, call{actor: &e.adminActor, method: http.MethodPost, pathID: e.client.ID, target: "/",
		body: map[string]any{"amount": 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = do(e.admin.Reconcile, call{actor: &e.adminActor, method: http.MethodPost, pathID: e.client.ID, target: "/"})
	require.Equal(t, http.StatusOK, rec.Code)
	var report ledger.ReconcileReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, -2, report.Computed)
	assert.False(t, report.Repaired)
}

func TestAdmin_UpdateFreelancerAndReload(t *testing.T) {
	e := newEnv(t)
	pending := e.store.AddAccount(&models.Account{Email: "new@example.com", Role: models.RoleFreelancer})

	rec := do(e.admin.UpdateFreelancer, call{actor: &e.adminActor, method: http.MethodPatch, pathID: pending.ID, target: "/",
		body: map[string]bool{"approved": true}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	acc, err := e.store.Accounts().GetByID(context.Background(), pending.ID)
	require.NoError(t, err)
	assert.True(t, acc.Approved)
	assert.False(t, acc.Available)

	rec = do(e.admin.UpdateFreelancer, call{actor: &e.adminActor, method: http.MethodPatch, pathID: e.client.ID, target: "/",
		body: map[string]bool{"approved": true}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.admin.LoadCategories = func() ([]*models.Category, error) {
		return []*models.Category{{Name: "banner", Kind: models.BriefGeneric, CreditCost: 1, MaxRevisions: 0}}, nil
	}
	rec = do(e.admin.ReloadCategories, call{actor: &e.adminActor, method: http.MethodPost, target: "/"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cats struct {
		Categories []models.Category `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cats))
	assert.Len(t, cats.Categories, 2)
}

// ---------------------------------------------------------------------------
// Account, ledger, notifications
// ---------------------------------------------------------------------------

func TestAccount_MeLedgerAvailability(t *testing.T) {
	e := newEnv(t)
	e.createTask(t)

	rec := do(e.accounts.GetMe, call{actor: &e.client, method: http.MethodGet, target: "/v1/account/me"})
	require.Equal(t, http.StatusOK, rec.Code)
	var me models.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, 3, me.CreditBalance)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = do(e.accounts.ListLedger, call{actor: &e.client, method: http.MethodGet, target: "/v1/ledger"})
	require.Equal(t, http.StatusOK, rec.Code)
	var ledgerResp struct {
		Balance int                   `json:"balance"`
		Entries []*models.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ledgerResp))
	require.Len(t, ledgerResp.Entries, 2)
	assert.Equal(t, models.EntryUsage, ledgerResp.Entries[0].Kind)
	assert.Equal(t, 3, ledgerResp.Balance)

	rec = do(e.accounts.ListLedger, call{actor: &e.freelancer, method: http.MethodGet, target: "/v1/ledger?account_id=" + e.client.ID.String()})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(e.accounts.ListLedger, call{actor: &e.adminActor, method: http.MethodGet, target: "/v1/ledger?account_id=" + e.client.ID.String()})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(e.accounts.SetAvailability, call{actor: &e.freelancer, method: http.MethodPatch, target: "/", body: map[string]bool{"available": false}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(e.accounts.SetAvailability, call{actor: &e.client, method: http.MethodPatch, target: "/", body: map[string]bool{"available": true}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNotifications_ListAndMarkRead(t *testing.T) {
	e := newEnv(t)
	repo := e.store.Notifications()
	n := &models.Notification{RecipientID: e.client.ID, Kind: models.NotifyTaskAssigned, DedupeKey: "k"}
	_, err := repo.CreateIfAbsent(context.Background(), n)
	require.NoError(t, err)
	h := &NotificationHandler{Notifications: repo, Logger: slog.Default()}

	rec := do(h.List, call{actor: &e.client, method: http.MethodGet, target: "/v1/notifications?unread=true"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), n.ID.String())

	rec = do(h.MarkRead, call{actor: &e.freelancer, method: http.MethodPost, pathID: n.ID, target: "/"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "cannot mark someone else's notification")
	rec = do(h.MarkRead, call{actor: &e.client, method: http.MethodPost, pathID: n.ID, target: "/"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h.List, call{actor: &e.client, method: http.MethodGet, target: "/v1/notifications?unread=true"})
	assert.JSONEq(t, `{"notifications":[]}`, rec.Body.String())
}

// ---------------------------------------------------------------------------
// Payment webhook
// ---------------------------------------------------------------------------

func TestPaymentWebhook(t *testing.T) {
	e := newEnv(t)
	secret := []byte("whsec")
	h := &PaymentWebhook{Ledger: e.ledger, Secret: secret, Logger: slog.Default()}

	post := func(body []byte, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payments", bytes.NewReader(body))
		if sig != "" {
			req.Header.Set(SignatureHeader, sig)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	body, _ := json.Marshal(map[string]any{"provider_tx_id": "tx-1", "account_id": e.client.ID, "credits": 10})
	sig := hex.EncodeToString(Sign(secret, body))

	assert.Equal(t, http.StatusUnauthorized, post(body, "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(body, hex.EncodeToString(Sign([]byte("wrong"), body))).Code)

	rec := post(body, sig)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 15, e.store.Balance(e.client.ID))

	rec = post(body, "sha256="+sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"replayed":true`)
	assert.Equal(t, 15, e.store.Balance(e.client.ID))

	reused, _ := json.Marshal(map[string]any{"provider_tx_id": "tx-1", "account_id": e.client.ID, "credits": 99})
	rec = post(reused, hex.EncodeToString(Sign(secret, reused)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
