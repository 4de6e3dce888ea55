package effects

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/designdesk/backend/internal/models"
)

const transitionJobAttempts = 5

type TransitionJobArgs struct {
	Event models.TransitionEvent `json:"event"`
}

func (TransitionJobArgs) Kind() string { return "transition_effects" }

func (TransitionJobArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: transitionJobAttempts}
}

// InsertTransitionTxFunc inserts the effects job in the caller's transaction.
// Set from main once the River client exists.
type InsertTransitionTxFunc func(ctx context.Context, tx pgx.Tx, args TransitionJobArgs) error

// Queue is the lifecycle engine's effect queue, backed by River.
type Queue struct {
	insert InsertTransitionTxFunc
}

func NewQueue(insert InsertTransitionTxFunc) *Queue {
	return &Queue{insert: insert}
}

func (q *Queue) EnqueueTx(ctx context.Context, tx pgx.Tx, ev models.TransitionEvent) error {
	if err := q.insert(ctx, tx, TransitionJobArgs{Event: ev}); err != nil {
		return fmt.Errorf("insert transition_effects job: %w", err)
	}
	return nil
}

// EventDispatcher is what the worker needs from the dispatcher.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev models.TransitionEvent) (*Report, error)
}

// TransitionWorker runs the dispatcher for each committed transition. Returning an error makes
// River retry the job, which only happens when notifications could not be written.
type TransitionWorker struct {
	river.WorkerDefaults[TransitionJobArgs]
	dispatcher EventDispatcher
}

func NewTransitionWorker(d EventDispatcher) *TransitionWorker {
	return &TransitionWorker{dispatcher: d}
}

func (w *TransitionWorker) Timeout(*river.Job[TransitionJobArgs]) time.Duration {
	return 2 * time.Minute
}

func (w *TransitionWorker) Work(ctx context.Context, job *river.Job[TransitionJobArgs]) error {
	if _, err := w.dispatcher.Dispatch(ctx, job.Args.Event); err != nil {
		return fmt.Errorf("dispatch effects for task %s: %w", job.Args.Event.TaskID, err)
	}
	return nil
}
