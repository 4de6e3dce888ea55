package effects

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/designdesk/backend/internal/models"
)

type stubDispatcher struct {
	got []models.TransitionEvent
	err error
}

func (s *stubDispatcher) Dispatch(_ context.Context, ev models.TransitionEvent) (*Report, error) {
	s.got = append(s.got, ev)
	if s.err != nil {
		return nil, s.err
	}
	return &Report{}, nil
}

func TestTransitionWorker_Work(t *testing.T) {
	ev := models.TransitionEvent{TaskID: uuid.New(), Event: "approve", To: models.TaskStatusCompleted}

	ok := &stubDispatcher{}
	w := NewTransitionWorker(ok)
	require.NoError(t, w.Work(context.Background(), &river.Job[TransitionJobArgs]{Args: TransitionJobArgs{Event: ev}}))
	require.Len(t, ok.got, 1)
	assert.Equal(t, ev.TaskID, ok.got[0].TaskID)

	failing := &stubDispatcher{err: errors.New("notifications table unavailable")}
	err := NewTransitionWorker(failing).Work(context.Background(), &river.Job[TransitionJobArgs]{Args: TransitionJobArgs{Event: ev}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ev.TaskID.String())
}

func TestTransitionJobArgs(t *testing.T) {
	args := TransitionJobArgs{}
	assert.Equal(t, "transition_effects", args.Kind())
	assert.Equal(t, transitionJobAttempts, args.InsertOpts().MaxAttempts)
}

func TestQueue_EnqueueTx(t *testing.T) {
	var got []TransitionJobArgs
	q := NewQueue(func(_ context.Context, _ pgx.Tx, args TransitionJobArgs) error {
		got = append(got, args)
		return nil
	})
	ev := models.TransitionEvent{TaskID: uuid.New(), Event: "claim"}
	require.NoError(t, q.EnqueueTx(context.Background(), nil, ev))
	require.Len(t, got, 1)
	assert.Equal(t, ev.TaskID, got[0].Event.TaskID)

	broken := NewQueue(func(context.Context, pgx.Tx, TransitionJobArgs) error { return errors.New("conn closed") })
	err := broken.EnqueueTx(context.Background(), nil, ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transition_effects")
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

func TestSMTPSender_Send(t *testing.T) {
	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	s := NewSMTPSender("mail.example.com:587", "noreply@designdesk.dev", "", "")
	s.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		return nil
	}

	err := s.Send(context.Background(), Recipient{Name: "Fran", Email: "fran@example.com"}, Message{Subject: "Hello\r\nBcc: x@y", Body: "line one\nline two"})
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com:587", gotAddr)
	assert.Equal(t, []string{"fran@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "To: Fran <fran@example.com>\r\n")
	assert.Contains(t, gotMsg, "Subject: Hello  Bcc: x@y\r\n")
	assert.Contains(t, gotMsg, "line one\r\nline two")

	require.Error(t, s.Send(context.Background(), Recipient{}, Message{}))
}

func TestChatWebhook_Send(t *testing.T) {
	var body chatPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		if strings.Contains(body.Text, "boom") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChatWebhook(srv.URL)
	require.NoError(t, c.Send(context.Background(), Recipient{}, Message{Subject: "New task", Body: "logo"}))
	assert.Equal(t, "*New task*\nlogo", body.Text)

	err := c.Send(context.Background(), Recipient{}, Message{Subject: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
