// Package effects delivers the side effects of committed task transitions: stored notifications,
// realtime push, email and team chat.
package effects

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/designdesk/backend/internal/lifecycle"
	"github.com/designdesk/backend/internal/models"
)

const maxParallelDeliveries = 8

// NotificationStore persists notifications. CreateIfAbsent dedupes on DedupeKey and fills n with
// the stored row either way.
type NotificationStore interface {
	CreateIfAbsent(ctx context.Context, n *models.Notification) (bool, error)
}

// DeliveryStore tracks one row per DeliveryKey. Claim inserts an attempted row and reports whether
// this call created it.
type DeliveryStore interface {
	Claim(ctx context.Context, key models.DeliveryKey) (*models.Delivery, bool, error)
	Record(ctx context.Context, d *models.Delivery) error
}

type AccountDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	ListAdmins(ctx context.Context) ([]*models.Account, error)
}

// Publisher pushes a stored notification to connected sessions.
type Publisher interface {
	Publish(ctx context.Context, n *models.Notification) error
}

// Recipient is who an external message goes to.
type Recipient struct {
	AccountID uuid.UUID
	Name      string
	Email     string
}

// Sender delivers a rendered message over one external channel.
type Sender interface {
	Send(ctx context.Context, to Recipient, msg Message) error
}

// Dispatcher fans a committed transition out to its recipients. A nil Realtime, Email or Chat
// disables that channel.
type Dispatcher struct {
	Notifications NotificationStore
	Deliveries    DeliveryStore
	Accounts      AccountDirectory
	Realtime      Publisher
	Email         Sender
	Chat          Sender
	Logger        *slog.Logger
}

// Report summarizes one dispatch.
type Report struct {
	Created   int
	Delivered int
	Skipped   int
	Failures  []*models.DeliveryFailed
}

// target is one planned (recipient, kind) pair. Team targets go to chat only.
type target struct {
	recipientID uuid.UUID
	kind        models.NotificationKind
	team        bool
}

type delivery struct {
	key          models.DeliveryKey
	recipient    Recipient
	notification *models.Notification
	message      Message
}

// Dispatch writes the notifications for ev and then attempts every channel delivery. Only a
// failure to write a notification is returned; channel failures are logged, recorded on the
// delivery row and listed in the report.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.TransitionEvent) (*Report, error) {
	logger := d.logger().With("task_id", ev.TaskID, "event", ev.Event, "to", ev.To)

	targets, err := d.plan(ctx, ev)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	var deliveries []delivery
	for _, t := range targets {
		if t.team {
			if d.Chat == nil {
				continue
			}
			n := &models.Notification{
				RecipientID: models.TeamChannelID,
				TaskID:      taskRef(ev),
				Kind:        t.kind,
				Payload:     payloadFor(ev, t.kind),
			}
			deliveries = append(deliveries, delivery{
				key:          deliveryKey(ev, models.TeamChannelID, models.ChannelChat),
				recipient:    Recipient{AccountID: models.TeamChannelID, Name: "team"},
				notification: n,
				message:      render(n),
			})
			continue
		}

		n := &models.Notification{
			RecipientID: t.recipientID,
			TaskID:      taskRef(ev),
			Kind:        t.kind,
			Payload:     payloadFor(ev, t.kind),
			DedupeKey:   dedupeKey(ev, t.recipientID, t.kind),
		}
		created, err := d.Notifications.CreateIfAbsent(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("write notification for %s: %w", t.recipientID, err)
		}
		if created {
			report.Created++
		}

		acc, err := d.Accounts.GetByID(ctx, t.recipientID)
		if err != nil {
			return nil, fmt.Errorf("load recipient %s: %w", t.recipientID, err)
		}
		rcpt := Recipient{AccountID: acc.ID, Name: acc.Name, Email: acc.Email}
		msg := render(n)
		if d.Realtime != nil {
			deliveries = append(deliveries, delivery{key: deliveryKey(ev, acc.ID, models.ChannelRealtime), recipient: rcpt, notification: n, message: msg})
		}
		if d.Email != nil && acc.Email != "" {
			deliveries = append(deliveries, delivery{key: deliveryKey(ev, acc.ID, models.ChannelEmail), recipient: rcpt, notification: n, message: msg})
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(maxParallelDeliveries)
	for _, dl := range deliveries {
		g.Go(func() error {
			sent, skipped, err := d.deliver(ctx, dl)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failure := &models.DeliveryFailed{Channel: dl.key.Channel, RecipientID: dl.key.RecipientID, TaskID: ev.TaskID, Err: err}
				report.Failures = append(report.Failures, failure)
				logger.Warn("delivery failed", "channel", dl.key.Channel, "recipient_id", dl.key.RecipientID, "error", err)
			case skipped:
				report.Skipped++
			case sent:
				report.Delivered++
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("effects dispatched",
		"notifications_created", report.Created,
		"delivered", report.Delivered,
		"skipped", report.Skipped,
		"failed", len(report.Failures),
	)
	return report, nil
}

// deliver applies the per-channel idempotency rules. Email is claimed before sending and never
// resent once claimed. Realtime and chat are skipped once delivered and retried otherwise.
func (d *Dispatcher) deliver(ctx context.Context, dl delivery) (sent, skipped bool, err error) {
	rec, fresh, err := d.Deliveries.Claim(ctx, dl.key)
	if err != nil {
		return false, false, fmt.Errorf("claim delivery: %w", err)
	}
	if !fresh {
		if dl.key.Channel == models.ChannelEmail || rec.Status == models.DeliveryStatusDelivered {
			return false, true, nil
		}
		rec.Attempts++
	}

	sendErr := d.send(ctx, dl)
	rec.Status = models.DeliveryStatusDelivered
	rec.LastError = ""
	if sendErr != nil {
		rec.Status = models.DeliveryStatusFailed
		rec.LastError = sendErr.Error()
	}
	if err := d.Deliveries.Record(ctx, rec); err != nil {
		d.logger().Error("record delivery", "key", dl.key.String(), "error", err)
		if sendErr == nil {
			return true, false, nil
		}
	}
	if sendErr != nil {
		return false, false, sendErr
	}
	return true, false, nil
}

func (d *Dispatcher) send(ctx context.Context, dl delivery) error {
	switch dl.key.Channel {
	case models.ChannelRealtime:
		return d.Realtime.Publish(ctx, dl.notification)
	case models.ChannelEmail:
		return d.Email.Send(ctx, dl.recipient, dl.message)
	case models.ChannelChat:
		return d.Chat.Send(ctx, dl.recipient, dl.message)
	}
	return errors.New("unknown channel " + dl.key.Channel)
}

// plan decides who hears about ev. The actor who caused the transition is not notified.
func (d *Dispatcher) plan(ctx context.Context, ev models.TransitionEvent) ([]target, error) {
	t := ev.Task
	var out []target
	add := func(id *uuid.UUID, kind models.NotificationKind) {
		if id == nil || *id == uuid.Nil || *id == ev.Actor.ID {
			return
		}
		for _, existing := range out {
			if !existing.team && existing.recipientID == *id {
				return
			}
		}
		out = append(out, target{recipientID: *id, kind: kind})
	}
	addAdmins := func(kind models.NotificationKind) error {
		admins, err := d.Accounts.ListAdmins(ctx)
		if err != nil {
			return fmt.Errorf("list admins: %w", err)
		}
		for _, a := range admins {
			add(&a.ID, kind)
		}
		out = append(out, target{kind: kind, team: true})
		return nil
	}
	client := &t.ClientID
	freelancer := t.FreelancerID
	if freelancer == nil {
		freelancer = ev.PriorFreelancerID
	}

	switch lifecycle.Event(ev.Event) {
	case lifecycle.EventCreate:
		if err := addAdmins(models.NotifyTaskCreated); err != nil {
			return nil, err
		}
	case lifecycle.EventClaim:
		add(client, models.NotifyTaskAssigned)
	case lifecycle.EventStart:
		add(client, models.NotifyTaskStarted)
	case lifecycle.EventSubmit:
		add(client, models.NotifyTaskSubmitted)
	case lifecycle.EventApprove:
		add(freelancer, models.NotifyTaskCompleted)
	case lifecycle.EventResolveComplete:
		add(freelancer, models.NotifyTaskCompleted)
		add(client, models.NotifyTaskCompleted)
	case lifecycle.EventRequestRevision:
		add(freelancer, models.NotifyRevisionRequested)
	case lifecycle.EventResume:
		add(client, models.NotifyTaskResumed)
	case lifecycle.EventFlagExtraScope:
		add(client, models.NotifyExtraScopeFlagged)
	case lifecycle.EventChargeExtraScope:
		add(client, models.NotifyExtraScopeCharged)
		add(freelancer, models.NotifyExtraScopeCharged)
	case lifecycle.EventEscalate:
		if err := addAdmins(models.NotifyTaskEscalated); err != nil {
			return nil, err
		}
	case lifecycle.EventResolveRework:
		add(freelancer, models.NotifyTaskRework)
		add(client, models.NotifyTaskRework)
	case lifecycle.EventCancel:
		add(client, models.NotifyTaskCancelled)
		add(freelancer, models.NotifyTaskCancelled)
	case lifecycle.EventForce:
		kind := models.NotifyStatusForced
		if ev.To == models.TaskStatusCancelled {
			kind = models.NotifyTaskCancelled
		}
		add(client, kind)
		add(freelancer, kind)
	default:
		d.logger().Warn("no notification plan for event", "event", ev.Event, "task_id", ev.TaskID)
	}
	return out, nil
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// taskRef is nil for purged tasks, whose row no longer exists.
func taskRef(ev models.TransitionEvent) *uuid.UUID {
	if ev.Purged {
		return nil
	}
	id := ev.TaskID
	return &id
}

func dedupeKey(ev models.TransitionEvent, recipient uuid.UUID, kind models.NotificationKind) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", ev.TaskID, ev.To, ev.Task.Version, recipient, kind)
}

func deliveryKey(ev models.TransitionEvent, recipient uuid.UUID, channel string) models.DeliveryKey {
	return models.DeliveryKey{
		TaskID:      ev.TaskID,
		ToState:     ev.To,
		Seq:         ev.Task.Version,
		RecipientID: recipient,
		Channel:     channel,
	}
}
