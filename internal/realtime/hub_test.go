package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/designdesk/backend/internal/models"
)

func note(recipient uuid.UUID) *models.Notification {
	return &models.Notification{ID: uuid.New(), RecipientID: recipient, Kind: models.NotifyTaskAssigned}
}

func TestHub_PublishKeepsOrderPerRecipient(t *testing.T) {
	hub := NewHub(8, nil)
	alice, bob := uuid.New(), uuid.New()
	subA, unsubA := hub.Subscribe(alice)
	defer unsubA()
	subB, unsubB := hub.Subscribe(bob)
	defer unsubB()

	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		n := note(alice)
		want = append(want, n.ID)
		_ = hub.Publish(context.Background(), n)
	}
	_ = hub.Publish(context.Background(), note(bob))

	for i, id := range want {
		got := <-subA.C
		if got.ID != id {
			t.Fatalf("event %d: got %s, want %s", i, got.ID, id)
		}
	}
	select {
	case got := <-subB.C:
		if got.RecipientID != bob {
			t.Errorf("bob received someone else's notification")
		}
	case <-time.After(time.Second):
		t.Fatal("bob received nothing")
	}
	select {
	case extra := <-subA.C:
		t.Errorf("alice received unexpected %v", extra.ID)
	default:
	}
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(1, nil)
	acct := uuid.New()
	sub, unsub := hub.Subscribe(acct)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 3; i++ {
			_ = hub.Publish(context.Background(), note(acct))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if got := sub.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2", got)
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub(0, nil)
	acct := uuid.New()
	sub1, unsub1 := hub.Subscribe(acct)
	_, unsub2 := hub.Subscribe(acct)
	if got := hub.Subscribers(acct); got != 2 {
		t.Fatalf("Subscribers = %d, want 2", got)
	}

	unsub1()
	unsub1()
	if _, ok := <-sub1.C; ok {
		t.Error("channel still open after unsubscribe")
	}
	if got := hub.Subscribers(acct); got != 1 {
		t.Errorf("Subscribers = %d, want 1", got)
	}
	unsub2()
	if got := hub.Subscribers(acct); got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
	// Publishing with no subscribers is a no-op.
	if err := hub.Publish(context.Background(), note(acct)); err != nil {
		t.Errorf("Publish: %v", err)
	}
}

func TestBackoff_Sequence(t *testing.T) {
	b := &Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("attempt %d: got %v, want %v", i, got, w*time.Second)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}

func TestBackoff_FullJitter(t *testing.T) {
	b := &Backoff{Base: time.Second, Factor: 2, Max: 30 * time.Second, Jitter: true, Rand: func() float64 { return 0.5 }}
	if got := b.Next(); got != 500*time.Millisecond {
		t.Errorf("first: got %v", got)
	}
	if got := b.Next(); got != time.Second {
		t.Errorf("second: got %v", got)
	}

	d := DefaultBackoff()
	for i := 0; i < 20; i++ {
		if got := d.Next(); got < 0 || got >= 30*time.Second {
			t.Fatalf("jittered delay %v out of range", got)
		}
	}
}
