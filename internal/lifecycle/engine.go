package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/designdesk/backend/internal/ledger"
	"github.com/designdesk/backend/internal/models"
)

const (
	defaultCommitAttempts = 3
	defaultCommitTimeout  = 10 * time.Second
	defaultRetryBackoff   = 50 * time.Millisecond

	autoKeyPrefix = "auto:"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TaskStore is the task repository. Only the engine writes through it.
type TaskStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	// UpdateTx writes t if the stored row still has prevVersion, else models.ErrVersionConflict.
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task, prevVersion int) error
	DeleteTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
}

type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByIDTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
}

type IdempotencyStore interface {
	Get(ctx context.Context, accountID uuid.UUID, key string) (*models.IdempotencyRecord, error)
	GetTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, key string) (*models.IdempotencyRecord, error)
	CreateTx(ctx context.Context, tx pgx.Tx, rec *models.IdempotencyRecord) error
}

// Ledger appends credit movements inside the engine's transaction.
type Ledger interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.LedgerEntry, error)
}

// Catalog resolves a category and validates the requirements brief against it.
type Catalog interface {
	Resolve(ctx context.Context, name string, raw json.RawMessage) (*models.Category, models.Brief, error)
}

// EffectQueue enqueues side effects in the commit transaction, so they exist iff the transition does.
type EffectQueue interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, ev models.TransitionEvent) error
}

// Config bounds the commit path.
type Config struct {
	CommitAttempts int
	CommitTimeout  time.Duration
	RetryBackoff   time.Duration
}

// Deps are the engine's collaborators.
type Deps struct {
	Pool        TxBeginner
	Tasks       TaskStore
	Accounts    AccountStore
	Idempotency IdempotencyStore
	Ledger      Ledger
	Catalog     Catalog
	Effects     EffectQueue
	Logger      *slog.Logger
	Now         func() time.Time
	Sleep       func(time.Duration)
}

// Engine applies transitions. Every write (task row, ledger entry, idempotency record,
// effect job) happens in one transaction.
type Engine struct {
	Deps
	cfg Config
}

func NewEngine(d Deps, cfg Config) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = time.Sleep
	}
	if cfg.CommitAttempts <= 0 {
		cfg.CommitAttempts = defaultCommitAttempts
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	} else if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	return &Engine{Deps: d, cfg: cfg}
}

// CreateRequest commissions a new task.
type CreateRequest struct {
	Actor          models.Actor
	Category       string
	Requirements   json.RawMessage
	IdempotencyKey string
}

// TransitionRequest asks for one event on an existing task. Fields beyond the first four
// are read only by the events that need them.
type TransitionRequest struct {
	TaskID         uuid.UUID
	Event          Event
	Actor          models.Actor
	IdempotencyKey string

	DeliverableURL string            // submit
	Feedback       string            // request_revision
	Reason         string            // escalate, flag_extra_scope, force, cancel
	Credits        int               // flag_extra_scope
	Target         models.TaskStatus // force
}

// Result is the committed task and the client's balance after the transition.
type Result struct {
	Task     *models.Task        `json:"task"`
	Balance  int                 `json:"balance"`
	Entry    *models.LedgerEntry `json:"entry,omitempty"`
	Replayed bool                `json:"replayed"`
}

// outcome is what applying an event produced, before it is written.
type outcome struct {
	entry             *ledger.Entry
	credits           int
	note              string
	priorFreelancerID *uuid.UUID
}

// CreateTask validates the brief, debits the category cost and creates the task in PENDING.
func (e *Engine) CreateTask(ctx context.Context, req CreateRequest) (*Result, error) {
	if !req.Actor.IsClient() {
		return nil, &models.GuardViolation{Code: models.GuardForbidden, Event: string(EventCreate), Reason: "only clients create tasks"}
	}
	cat, brief, err := e.Catalog.Resolve(ctx, req.Category, req.Requirements)
	if err != nil {
		return nil, err
	}
	key := idempotencyKey(req.IdempotencyKey)
	if res, ok, err := e.replayIfRecorded(ctx, req.Actor.ID, key, uuid.Nil, EventCreate); ok || err != nil {
		return res, err
	}

	var (
		res    *Result
		replay *models.IdempotencyRecord
	)
	err = e.commit(ctx, func(ctx context.Context, tx pgx.Tx) error {
		res, replay = nil, nil
		rec, err := e.Idempotency.GetTx(ctx, tx, req.Actor.ID, key)
		if err == nil {
			replay = rec
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		now := e.Now().UTC()
		task := &models.Task{
			ID:               uuid.New(),
			ClientID:         req.Actor.ID,
			Category:         cat.Name,
			Status:           models.TaskStatusPending,
			CreditsCommitted: cat.CreditCost,
			MaxRevisions:     cat.MaxRevisions,
			Requirements:     req.Requirements,
			Version:          1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := e.Tasks.CreateTx(ctx, tx, task); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		entry, err := e.Ledger.AppendTx(ctx, tx, ledger.Entry{
			AccountID:   req.Actor.ID,
			Amount:      -cat.CreditCost,
			Kind:        models.EntryUsage,
			TaskID:      &task.ID,
			Description: fmt.Sprintf("%s: %s", cat.Name, brief.Summary()),
		})
		if err != nil {
			return err
		}
		if err := e.record(ctx, tx, req.Actor.ID, key, task, EventCreate); err != nil {
			return err
		}
		ev := models.TransitionEvent{
			TaskID:      task.ID,
			Event:       string(EventCreate),
			To:          task.Status,
			Actor:       req.Actor,
			Task:        *task,
			Credits:     cat.CreditCost,
			Note:        brief.Summary(),
			CommittedAt: now,
		}
		if err := e.Effects.EnqueueTx(ctx, tx, ev); err != nil {
			return fmt.Errorf("enqueue effects: %w", err)
		}
		res = &Result{Task: task, Balance: entry.BalanceAfter, Entry: entry}
		return nil
	})
	if err != nil {
		if res, ok, rerr := e.replayAfterRejection(ctx, err, req.Actor.ID, key, uuid.Nil, EventCreate); ok {
			return res, rerr
		}
		return nil, err
	}
	if replay != nil {
		return e.replay(ctx, replay, uuid.Nil, EventCreate)
	}
	e.Logger.Info("task created", "task_id", res.Task.ID, "client_id", req.Actor.ID, "category", cat.Name, "credits", cat.CreditCost)
	return res, nil
}

// ApplyTransition applies one event to an existing task.
func (e *Engine) ApplyTransition(ctx context.Context, req TransitionRequest) (*Result, error) {
	if req.TaskID == uuid.Nil {
		return nil, models.NewValidationError("task_id", "is required")
	}
	if req.Event == EventCreate || !Known(req.Event) {
		return nil, models.NewValidationError("event", "unknown event %q", req.Event)
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	key := idempotencyKey(req.IdempotencyKey)
	if res, ok, err := e.replayIfRecorded(ctx, req.Actor.ID, key, req.TaskID, req.Event); ok || err != nil {
		return res, err
	}

	var (
		res    *Result
		replay *models.IdempotencyRecord
	)
	err := e.commit(ctx, func(ctx context.Context, tx pgx.Tx) error {
		res, replay = nil, nil
		rec, err := e.Idempotency.GetTx(ctx, tx, req.Actor.ID, key)
		if err == nil {
			replay = rec
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		task, err := e.Tasks.GetByIDForUpdate(ctx, tx, req.TaskID)
		if err != nil {
			return err
		}
		// A request holding the same key may have committed while we waited for the lock.
		rec, err = e.Idempotency.GetTx(ctx, tx, req.Actor.ID, key)
		if err == nil {
			replay = rec
			return nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		r, err := e.transitionTx(ctx, tx, task, req, false)
		if err != nil {
			return err
		}
		if err := e.record(ctx, tx, req.Actor.ID, key, r.Task, req.Event); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if res, ok, rerr := e.replayAfterRejection(ctx, err, req.Actor.ID, key, req.TaskID, req.Event); ok {
			return res, rerr
		}
		return nil, err
	}
	if replay != nil {
		return e.replay(ctx, replay, req.TaskID, req.Event)
	}
	e.Logger.Info("task transitioned",
		"task_id", res.Task.ID,
		"event", req.Event,
		"status", res.Task.Status,
		"actor_id", req.Actor.ID,
		"version", res.Task.Version,
	)
	return res, nil
}

// ForceTransition moves a task to target regardless of the normal table. It still runs through
// the commit path, so a forced CANCELLED refunds and a forced PENDING clears the freelancer.
func (e *Engine) ForceTransition(ctx context.Context, taskID uuid.UUID, target models.TaskStatus, actor models.Actor, reason, idempotencyKey string) (*Result, error) {
	return e.ApplyTransition(ctx, TransitionRequest{
		TaskID:         taskID,
		Event:          EventForce,
		Actor:          actor,
		IdempotencyKey: idempotencyKey,
		Reason:         reason,
		Target:         target,
	})
}

// transitionTx applies req to the locked task and writes the task, ledger entry and effect job.
func (e *Engine) transitionTx(ctx context.Context, tx pgx.Tx, task *models.Task, req TransitionRequest, purged bool) (*Result, error) {
	if err := CanApply(task, req.Actor, req.Event); err != nil {
		return nil, err
	}
	prevVersion := task.Version
	from := task.Status
	now := e.Now().UTC()

	out, err := e.apply(ctx, tx, task, req, now)
	if err != nil {
		return nil, err
	}
	if err := task.CheckInvariants(); err != nil {
		return nil, err
	}
	task.Version++
	task.UpdatedAt = now
	if err := e.Tasks.UpdateTx(ctx, tx, task, prevVersion); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	res := &Result{Task: task}
	if out.entry != nil {
		out.entry.TaskID = &task.ID
		entry, err := e.Ledger.AppendTx(ctx, tx, *out.entry)
		if err != nil {
			return nil, err
		}
		res.Entry = entry
		res.Balance = entry.BalanceAfter
	} else {
		client, err := e.Accounts.GetByIDTx(ctx, tx, task.ClientID)
		if err != nil {
			return nil, fmt.Errorf("load client: %w", err)
		}
		res.Balance = client.CreditBalance
	}

	ev := models.TransitionEvent{
		TaskID:            task.ID,
		Event:             string(req.Event),
		From:              from,
		To:                task.Status,
		Actor:             req.Actor,
		Task:              *task,
		PriorFreelancerID: out.priorFreelancerID,
		Credits:           out.credits,
		Note:              out.note,
		Purged:            purged,
		CommittedAt:       now,
	}
	if err := e.Effects.EnqueueTx(ctx, tx, ev); err != nil {
		return nil, fmt.Errorf("enqueue effects: %w", err)
	}
	return res, nil
}

// apply mutates task for req and returns the credit effect to write. Guards not covered by
// the transition table are checked here.
func (e *Engine) apply(ctx context.Context, tx pgx.Tx, task *models.Task, req TransitionRequest, now time.Time) (*outcome, error) {
	out := &outcome{}
	guard := func(code, reason string) error {
		return &models.GuardViolation{Code: code, Status: task.Status, Event: string(req.Event), Reason: reason}
	}

	switch req.Event {
	case EventClaim:
		acc, err := e.Accounts.GetByIDTx(ctx, tx, req.Actor.ID)
		if err != nil {
			return nil, err
		}
		if !acc.Approved || !acc.Available {
			return nil, guard(models.GuardPrecondition, "freelancer must be approved and available")
		}
		id := req.Actor.ID
		task.FreelancerID = &id
		task.AssignedAt = &now
		task.Status = models.TaskStatusAssigned

	case EventSubmit:
		url := strings.TrimSpace(req.DeliverableURL)
		if url == "" {
			return nil, guard(models.GuardPrecondition, "a deliverable is required")
		}
		task.DeliverableURL = url
		task.Status = models.TaskStatusInReview

	case EventApprove, EventResolveComplete:
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &now
		task.ExtraScopeCredits, task.ExtraScopeReason = 0, ""
		out.note = strings.TrimSpace(req.Reason)

	case EventRequestRevision:
		if task.RevisionsUsed >= task.MaxRevisions {
			return nil, guard(models.GuardRevisionLimit, fmt.Sprintf("all %d revisions used", task.MaxRevisions))
		}
		task.RevisionsUsed++
		task.Status = models.TaskStatusRevisionRequested
		out.note = strings.TrimSpace(req.Feedback)

	case EventStart, EventResume, EventResolveRework:
		task.Status = models.TaskStatusInProgress
		out.note = strings.TrimSpace(req.Reason)

	case EventFlagExtraScope:
		task.ExtraScopeCredits = req.Credits
		task.ExtraScopeReason = strings.TrimSpace(req.Reason)
		out.credits = req.Credits
		out.note = task.ExtraScopeReason

	case EventChargeExtraScope:
		if task.ExtraScopeCredits <= 0 {
			return nil, guard(models.GuardPrecondition, "no extra scope has been flagged")
		}
		extra := task.ExtraScopeCredits
		out.entry = &ledger.Entry{
			AccountID:   task.ClientID,
			Amount:      -extra,
			Kind:        models.EntryUsage,
			Description: "extra scope: " + task.ExtraScopeReason,
		}
		out.credits = extra
		out.note = task.ExtraScopeReason
		task.CreditsCommitted += extra
		task.ExtraScopeCredits, task.ExtraScopeReason = 0, ""

	case EventEscalate:
		task.Status = models.TaskStatusPendingAdminReview
		out.note = strings.TrimSpace(req.Reason)

	case EventCancel:
		e.cancel(task, out, req.Reason)

	case EventForce:
		if !req.Target.IsValid() {
			return nil, models.NewValidationError("target", "unknown status %q", req.Target)
		}
		if req.Target == task.Status {
			return nil, guard(models.GuardIllegalState, "task is already in the target status")
		}
		out.note = strings.TrimSpace(req.Reason)
		switch req.Target {
		case models.TaskStatusCancelled:
			e.cancel(task, out, req.Reason)
		case models.TaskStatusPending:
			out.priorFreelancerID = task.FreelancerID
			task.FreelancerID = nil
			task.AssignedAt = nil
			task.Status = models.TaskStatusPending
		default:
			if req.Target.HoldsFreelancer() && task.FreelancerID == nil {
				return nil, guard(models.GuardPrecondition, "target status requires an assigned freelancer")
			}
			if req.Target == models.TaskStatusCompleted {
				task.CompletedAt = &now
			}
			task.Status = req.Target
		}

	default:
		return nil, models.NewValidationError("event", "unknown event %q", req.Event)
	}
	return out, nil
}

// cancel refunds everything the client committed and releases the freelancer.
func (e *Engine) cancel(task *models.Task, out *outcome, reason string) {
	if task.CreditsCommitted > 0 {
		out.entry = &ledger.Entry{
			AccountID:   task.ClientID,
			Amount:      task.CreditsCommitted,
			Kind:        models.EntryRefund,
			Description: fmt.Sprintf("refund for cancelled %s task", task.Category),
		}
		out.credits = task.CreditsCommitted
	}
	out.priorFreelancerID = task.FreelancerID
	out.note = strings.TrimSpace(reason)
	task.FreelancerID = nil
	task.AssignedAt = nil
	task.ExtraScopeCredits, task.ExtraScopeReason = 0, ""
	task.Status = models.TaskStatusCancelled
}

// PurgeReport lists what Purge did per task.
type PurgeReport struct {
	Purged   []uuid.UUID `json:"purged"`
	Missing  []uuid.UUID `json:"missing,omitempty"`
	Refunded int         `json:"refunded"`
}

// Purge deletes tasks. A non-terminal task is force-cancelled first (refunding its credits) in
// the same transaction as its deletion. Ledger entries survive with their task reference cleared.
func (e *Engine) Purge(ctx context.Context, actor models.Actor, taskIDs []uuid.UUID) (*PurgeReport, error) {
	if !actor.IsAdmin() {
		return nil, &models.GuardViolation{Code: models.GuardForbidden, Event: "purge", Reason: "only admins purge tasks"}
	}
	if len(taskIDs) == 0 {
		return nil, models.NewValidationError("task_ids", "at least one task id is required")
	}
	report := &PurgeReport{}
	var errs []error
	for _, id := range taskIDs {
		var (
			missing  bool
			refunded int
		)
		err := e.commit(ctx, func(ctx context.Context, tx pgx.Tx) error {
			missing, refunded = false, 0
			task, err := e.Tasks.GetByIDForUpdate(ctx, tx, id)
			if errors.Is(err, models.ErrNotFound) {
				missing = true
				return nil
			}
			if err != nil {
				return err
			}
			if !task.Status.IsTerminal() {
				res, err := e.transitionTx(ctx, tx, task, TransitionRequest{
					TaskID: id,
					Event:  EventForce,
					Actor:  actor,
					Reason: "purged by admin",
					Target: models.TaskStatusCancelled,
				}, true)
				if err != nil {
					return err
				}
				if res.Entry != nil {
					refunded = res.Entry.Amount
				}
			}
			return e.Tasks.DeleteTx(ctx, tx, id)
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("purge %s: %w", id, err))
		case missing:
			report.Missing = append(report.Missing, id)
		default:
			report.Purged = append(report.Purged, id)
			report.Refunded += refunded
			e.Logger.Warn("task purged", "task_id", id, "admin_id", actor.ID, "refunded", refunded)
		}
	}
	return report, errors.Join(errs...)
}

// commit runs fn in a transaction, retrying storage failures. The commit is detached from the
// caller's cancellation so an abandoned request cannot interrupt a commit that may already land.
func (e *Engine) commit(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 1; attempt <= e.cfg.CommitAttempts; attempt++ {
		err := e.commitOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if models.IsCallerError(err) {
			return err
		}
		lastErr = err
		e.Logger.Warn("transition commit failed", "attempt", attempt, "max_attempts", e.cfg.CommitAttempts, "error", err)
		if attempt < e.cfg.CommitAttempts {
			e.Sleep(e.cfg.RetryBackoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("%w: %w", models.ErrTransitionFailed, lastErr)
}

func (e *Engine) commitOnce(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CommitTimeout)
	defer cancel()

	tx, err := e.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, key string, task *models.Task, ev Event) error {
	err := e.Idempotency.CreateTx(ctx, tx, &models.IdempotencyRecord{
		AccountID:    accountID,
		Key:          key,
		TaskID:       task.ID,
		Event:        string(ev),
		ResultStatus: task.Status,
	})
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// replayIfRecorded is the lock-free fast path for retried requests.
func (e *Engine) replayIfRecorded(ctx context.Context, accountID uuid.UUID, key string, taskID uuid.UUID, ev Event) (*Result, bool, error) {
	rec, err := e.Idempotency.Get(ctx, accountID, key)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	res, err := e.replay(ctx, rec, taskID, ev)
	return res, true, err
}

// replayAfterRejection returns the recorded outcome when cause came from a guard that already saw
// the committed result of a concurrent request carrying the same key.
func (e *Engine) replayAfterRejection(ctx context.Context, cause error, accountID uuid.UUID, key string, taskID uuid.UUID, ev Event) (*Result, bool, error) {
	if !models.IsCallerError(cause) || strings.HasPrefix(key, autoKeyPrefix) {
		return nil, false, nil
	}
	res, ok, err := e.replayIfRecorded(ctx, accountID, key, taskID, ev)
	if err != nil || !ok {
		return nil, false, nil
	}
	e.Logger.Info("rejected request matched a committed twin", "account_id", accountID, "event", ev)
	return res, true, nil
}

// replay returns the current state of a task whose transition was already committed under the
// same key. taskID is uuid.Nil for creation, where the caller does not know the id yet.
func (e *Engine) replay(ctx context.Context, rec *models.IdempotencyRecord, taskID uuid.UUID, ev Event) (*Result, error) {
	if rec.Event != string(ev) || (taskID != uuid.Nil && rec.TaskID != taskID) {
		return nil, models.NewValidationError("idempotency_key", "already used for a different request")
	}
	task, err := e.Tasks.GetByID(ctx, rec.TaskID)
	if err != nil {
		return nil, err
	}
	client, err := e.Accounts.GetByID(ctx, task.ClientID)
	if err != nil {
		return nil, err
	}
	e.Logger.Info("transition replayed", "task_id", task.ID, "event", ev, "status", task.Status)
	return &Result{Task: task, Balance: client.CreditBalance, Replayed: true}, nil
}

func validateRequest(req TransitionRequest) error {
	switch req.Event {
	case EventEscalate:
		if strings.TrimSpace(req.Reason) == "" {
			return models.NewValidationError("reason", "is required to escalate")
		}
	case EventFlagExtraScope:
		if req.Credits <= 0 {
			return models.NewValidationError("credits", "must be > 0")
		}
	case EventForce:
		if req.Target == "" {
			return models.NewValidationError("target", "is required")
		}
	}
	return nil
}

// idempotencyKey falls back to a fresh key so the engine's own retries stay idempotent.
func idempotencyKey(k string) string {
	k = strings.TrimSpace(k)
	if k == "" {
		return autoKeyPrefix + uuid.NewString()
	}
	return k
}
