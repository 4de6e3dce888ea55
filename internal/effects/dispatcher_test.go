package effects

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/designdesk/backend/internal/lifecycle"
	"github.com/designdesk/backend/internal/models"
	"github.com/designdesk/backend/internal/testutil"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type sentMessage struct {
	to  Recipient
	msg Message
}

type recordingSender struct {
	mu    sync.Mutex
	calls int
	sent  []sentMessage
	fail  int
}

func (s *recordingSender) Send(_ context.Context, to Recipient, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail > 0 {
		s.fail--
		return errors.New("451 temporary failure")
	}
	s.sent = append(s.sent, sentMessage{to: to, msg: msg})
	return nil
}

func (s *recordingSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []*models.Notification
	fail      int
}

func (p *recordingPublisher) Publish(_ context.Context, n *models.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail > 0 {
		p.fail--
		return errors.New("listener connection lost")
	}
	p.published = append(p.published, n)
	return nil
}

func (p *recordingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type harness struct {
	store         *testutil.Store
	notifications *testutil.NotificationRepo
	dispatcher    *Dispatcher
	realtime      *recordingPublisher
	email         *recordingSender
	chat          *recordingSender
	client        *models.Account
	freelancer    *models.Account
	admins        []*models.Account
}

func newHarness() *harness {
	store := testutil.New()
	h := &harness{
		store:         store,
		notifications: store.Notifications(),
		realtime:      &recordingPublisher{},
		email:         &recordingSender{},
		chat:          &recordingSender{},
	}
	h.client = store.AddAccount(&models.Account{Email: "client@example.com", Name: "Casey", Role: models.RoleClient})
	h.freelancer = store.AddAccount(&models.Account{Email: "fran@example.com", Name: "Fran", Role: models.RoleFreelancer, Approved: true, Available: true})
	h.admins = []*models.Account{
		store.AddAccount(&models.Account{Email: "ops@example.com", Role: models.RoleAdmin}),
		store.AddAccount(&models.Account{Role: models.RoleAdmin}),
	}
	h.dispatcher = &Dispatcher{
		Notifications: h.notifications,
		Deliveries:    store.Deliveries(),
		Accounts:      store.Accounts(),
		Realtime:      h.realtime,
		Email:         h.email,
		Chat:          h.chat,
	}
	return h
}

func (h *harness) task(status models.TaskStatus, version int) models.Task {
	fid := h.freelancer.ID
	t := models.Task{
		ID:               uuid.New(),
		ClientID:         h.client.ID,
		Category:         "logo",
		Status:           status,
		CreditsCommitted: 2,
		MaxRevisions:     2,
		Version:          version,
	}
	if status.HoldsFreelancer() {
		t.FreelancerID = &fid
	}
	return t
}

func transition(task models.Task, ev lifecycle.Event, from models.TaskStatus, actor models.Actor) models.TransitionEvent {
	return models.TransitionEvent{
		TaskID:      task.ID,
		Event:       string(ev),
		From:        from,
		To:          task.Status,
		Actor:       actor,
		Task:        task,
		CommittedAt: time.Now().UTC(),
	}
}

func (h *harness) actor(a *models.Account) models.Actor {
	return models.Actor{ID: a.ID, Role: a.Role}
}

func notificationsFor(all []*models.Notification, id uuid.UUID) []*models.Notification {
	var out []*models.Notification
	for _, n := range all {
		if n.RecipientID == id {
			out = append(out, n)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// 1. Plans and channels
// ---------------------------------------------------------------------------

func TestDispatch_CompletedNotifiesFreelancer(t *testing.T) {
	h := newHarness()
	task := h.task(models.TaskStatusCompleted, 5)

	report, err := h.dispatcher.Dispatch(context.Background(), transition(task, lifecycle.EventApprove, models.TaskStatusInReview, h.actor(h.client)))
	require.NoError(t, err)

	all := h.store.AllNotifications()
	require.Len(t, all, 1)
	assert.Equal(t, h.freelancer.ID, all[0].RecipientID)
	assert.Equal(t, models.NotifyTaskCompleted, all[0].Kind)
	require.NotNil(t, all[0].TaskID)
	assert.Equal(t, task.ID, *all[0].TaskID)

	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 2, report.Delivered)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, h.realtime.Count())
	require.Len(t, h.email.sent, 1)
	assert.Equal(t, "fran@example.com", h.email.sent[0].to.Email)
	assert.True(t, strings.HasPrefix(h.email.sent[0].msg.Subject, "[designdesk] "))
	assert.Zero(t, h.chat.Calls())
}

func TestDispatch_CreateNotifiesAdminsAndTeamChat(t *testing.T) {
	h := newHarness()
	task := h.task(models.TaskStatusPending, 1)
	ev := transition(task, lifecycle.EventCreate, "", h.actor(h.client))
	ev.Note = "Logo for Acme"

	report, err := h.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	all := h.store.AllNotifications()
	require.Len(t, all, 2)
	for _, a := range h.admins {
		require.Len(t, notificationsFor(all, a.ID), 1)
	}
	assert.Empty(t, notificationsFor(all, h.client.ID), "the actor is not notified")

	require.Len(t, h.chat.sent, 1)
	assert.Contains(t, h.chat.sent[0].msg.Body, "Logo for Acme")
	assert.Equal(t, models.TeamChannelID, h.chat.sent[0].to.AccountID)

	// One admin has no email address.
	assert.Equal(t, 1, h.email.Calls())
	assert.Equal(t, 2+1+1, report.Delivered)

	d, ok := h.store.AllDeliveries()[deliveryKey(ev, models.TeamChannelID, models.ChannelChat).String()]
	require.True(t, ok)
	assert.Equal(t, models.DeliveryStatusDelivered, d.Status)
}

func TestDispatch_CancelByAdminNotifiesClientAndPriorFreelancer(t *testing.T) {
	h := newHarness()
	task := h.task(models.TaskStatusCancelled, 4)
	ev := transition(task, lifecycle.EventCancel, models.TaskStatusInProgress, h.actor(h.admins[0]))
	prior := h.freelancer.ID
	ev.PriorFreelancerID = &prior
	ev.Credits = 2

	_, err := h.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	all := h.store.AllNotifications()
	require.Len(t, all, 2)
	for _, id := range []uuid.UUID{h.client.ID, h.freelancer.ID} {
		got := notificationsFor(all, id)
		require.Len(t, got, 1)
		assert.Equal(t, models.NotifyTaskCancelled, got[0].Kind)
		detail, ok := got[0].Payload.Detail.(models.CreditDetail)
		require.True(t, ok)
		assert.Equal(t, 2, detail.Credits)
	}
}

func TestDispatch_PurgedTaskHasNoTaskReference(t *testing.T) {
	h := newHarness()
	task := h.task(models.TaskStatusCancelled, 3)
	ev := transition(task, lifecycle.EventForce, models.TaskStatusPending, h.actor(h.admins[0]))
	ev.Purged = true

	_, err := h.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	all := h.store.AllNotifications()
	require.Len(t, all, 1)
	assert.Nil(t, all[0].TaskID)
	assert.Equal(t, models.NotifyTaskCancelled, all[0].Kind)
}

func TestDispatch_RevisionFeedbackExcerpt(t *testing.T) {
	h := newHarness()
	task := h.task(models.TaskStatusRevisionRequested, 6)
	task.RevisionsUsed = 1
	ev := transition(task, lifecycle.EventRequestRevision, models.TaskStatusInReview, h.actor(h.client))
	ev.Note = strings.Repeat("é", 300)

	_, err := h.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err)

	all := h.store.AllNotifications()
	require.Len(t, all, 1)
	detail, ok := all[0].Payload.Detail.(models.RevisionDetail)
	require.True(t, ok)
	assert.Equal(t, feedbackExcerptRunes, utf8.RuneCountInString(detail.Feedback))
	assert.Equal(t, 1, detail.RevisionsUsed)
	assert.Contains(t, h.email.sent[0].msg.Body, "Feedback: ")
}

// ---------------------------------------------------------------------------
// 2. Failure isolation and idempotency
// ---------------------------------------------------------------------------

func TestDispatch_EmailFailureDuringCompletedKeepsNotification(t *testing.T) {
	h := newHarness()
	h.email.fail = 1
	task := h.task(models.TaskStatusCompleted, 5)
	ev := transition(task, lifecycle.EventApprove, models.TaskStatusInReview, h.actor(h.client))

	report, err := h.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err, "channel failures never fail the dispatch")

	require.Len(t, h.store.AllNotifications(), 1)
	assert.Equal(t, 1, h.realtime.Count())
	require.Len(t, report.Failures, 1)
	assert.Equal(t, models.ChannelEmail, report.Failures[0].Channel)
	assert.Equal(t, h.freelancer.ID, report.Failures[0].RecipientID)

	deliveries := h.store.AllDeliveries()
	emailRow := deliveries[deliveryKey(ev, h.freelancer.ID, models.ChannelEmail).String()]
	assert.Equal(t, models.DeliveryStatusFailed, emailRow.Status)
	assert.Contains(t, emailRow.LastError, "451")

	// A redelivered job neither resends the email nor repeats the push.
	report, err = h.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, 1, h.email.Calls())
	assert.Equal(t, 1, h.realtime.Count())
	assert.Len(t, h.store.AllNotifications(), 1)
}

func TestDispatch_RealtimeRetriedUntilDelivered(t *testing.T) {
	h := newHarness()
	h.realtime.fail = 1
	task := h.task(models.TaskStatusInReview, 4)
	ev := transition(task, lifecycle.EventSubmit, models.TaskStatusInProgress, h.actor(h.freelancer))

	report, err := h.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, models.ChannelRealtime, report.Failures[0].Channel)

	report, err = h.dispatcher.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, h.realtime.Count())
	assert.Equal(t, 1, h.email.Calls())

	row := h.store.AllDeliveries()[deliveryKey(ev, h.client.ID, models.ChannelRealtime).String()]
	assert.Equal(t, models.DeliveryStatusDelivered, row.Status)
	assert.Equal(t, 2, row.Attempts)
	assert.Empty(t, row.LastError)
}

func TestDispatch_NotificationWriteFailureFailsJob(t *testing.T) {
	h := newHarness()
	h.notifications.FailCreates = 1
	task := h.task(models.TaskStatusCompleted, 5)

	_, err := h.dispatcher.Dispatch(context.Background(), transition(task, lifecycle.EventApprove, models.TaskStatusInReview, h.actor(h.client)))
	require.Error(t, err)

	assert.Empty(t, h.store.AllDeliveries())
	assert.Zero(t, h.realtime.Count())
	assert.Zero(t, h.email.Calls())
}

func TestDispatch_RevisionLoopGetsDistinctKeys(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	task := h.task(models.TaskStatusRevisionRequested, 5)
	task.RevisionsUsed = 1
	_, err := h.dispatcher.Dispatch(ctx, transition(task, lifecycle.EventRequestRevision, models.TaskStatusInReview, h.actor(h.client)))
	require.NoError(t, err)

	task.Version = 8
	task.RevisionsUsed = 2
	_, err = h.dispatcher.Dispatch(ctx, transition(task, lifecycle.EventRequestRevision, models.TaskStatusInReview, h.actor(h.client)))
	require.NoError(t, err)

	assert.Len(t, notificationsFor(h.store.AllNotifications(), h.freelancer.ID), 2)
	assert.Equal(t, 2, h.email.Calls())
}

func TestDispatch_DisabledChannels(t *testing.T) {
	h := newHarness()
	h.dispatcher.Email = nil
	h.dispatcher.Chat = nil
	task := h.task(models.TaskStatusPending, 1)

	report, err := h.dispatcher.Dispatch(context.Background(), transition(task, lifecycle.EventCreate, "", h.actor(h.client)))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Equal(t, 2, report.Delivered)
	assert.Len(t, h.store.AllDeliveries(), 2)
}

// ---------------------------------------------------------------------------
// 3. Rendering
// ---------------------------------------------------------------------------

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", excerpt("  short  ", 10))
	got := excerpt("abcdefghijk", 5)
	assert.Equal(t, "abcd…", got)
	assert.Equal(t, 5, utf8.RuneCountInString(got))
}

func TestRender_EscalationIncludesReason(t *testing.T) {
	id := uuid.New()
	n := &models.Notification{
		TaskID: &id,
		Payload: models.NotificationPayload{
			Title:   "Task escalated for admin review",
			Message: "needs a decision",
			Detail:  models.EscalationDetail{Reason: "deliverable is off brief"},
		},
	}
	msg := render(n)
	assert.Equal(t, "[designdesk] Task escalated for admin review", msg.Subject)
	assert.Contains(t, msg.Body, "Reason: deliverable is off brief")
	assert.Contains(t, msg.Body, id.String())
}
