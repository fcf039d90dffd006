package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mail "github.com/go-mail/mail"
	"github.com/stretchr/testify/require"
	"github.com/taskdesk/server/config"
	"github.com/taskdesk/server/internal/mq"
	"github.com/taskdesk/server/internal/mq/mqtest"
	"github.com/taskdesk/server/types"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingSender) sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func TestNotifier_TaskAssigned(t *testing.T) {
	sender := &recordingSender{}
	n, err := NewNotifier(sender, "https://tasks.example.com/")
	require.NoError(t, err)

	task := types.Task{
		Title:    "Quarterly <report>",
		Priority: types.PriorityHigh,
		Deadline: time.Date(2026, 5, 1, 17, 0, 0, 0, time.UTC),
	}
	n.TaskAssigned(context.Background(), types.User{Name: "Uma", Email: "uma@example.com"}, task, "Ada")

	msgs := sender.sent()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	require.Equal(t, KindTaskAssigned, msg.Kind)
	require.Equal(t, "uma@example.com", msg.To)
	require.Equal(t, "New task assigned: Quarterly <report>", msg.Subject)
	require.Contains(t, msg.HTML, "Hello Uma")
	require.Contains(t, msg.HTML, "Quarterly &lt;report&gt;")
	require.Contains(t, msg.HTML, "May 1, 2026 17:00")
	require.Contains(t, msg.HTML, "https://tasks.example.com/dashboard")
}

func TestNotifier_VerificationLink(t *testing.T) {
	sender := &recordingSender{}
	n, err := NewNotifier(sender, "http://localhost:8080")
	require.NoError(t, err)

	n.Verification(context.Background(), types.User{Name: "Bo", Email: "bo@example.com"}, "abc123")

	msgs := sender.sent()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].HTML, "http://localhost:8080/verify-email?token=abc123")
	require.Contains(t, msgs[0].Text, "/verify-email?token=abc123")
}

func TestNotifier_SendFailureIsSwallowed(t *testing.T) {
	sender := &recordingSender{err: errors.New("smtp down")}
	n, err := NewNotifier(sender, "http://localhost")
	require.NoError(t, err)

	require.NotPanics(t, func() {
		n.PasswordReset(context.Background(), types.User{Email: "x@example.com"}, "tok", time.Hour)
	})
	require.Len(t, sender.sent(), 1)
}

func TestNotifier_SkipsEmptyRecipient(t *testing.T) {
	sender := &recordingSender{}
	n, err := NewNotifier(sender, "http://localhost")
	require.NoError(t, err)

	n.DeadlineReminder(context.Background(), types.User{Name: "Nobody"}, types.Task{Title: "x"})
	require.Empty(t, sender.sent())
}

func TestAsyncSender_DoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	blocking := senderFunc(func(ctx context.Context, msg Message) error {
		<-release
		return nil
	})
	async := NewAsyncSender(blocking)

	done := make(chan error, 1)
	go func() {
		done <- async.Send(context.Background(), Message{Kind: KindVerification})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("async send blocked")
	}
	close(release)
	async.Wait()
}

type senderFunc func(ctx context.Context, msg Message) error

func (f senderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type fakeDialer struct {
	sent []*mail.Message
	err  error
}

func (f *fakeDialer) DialAndSend(m ...*mail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestSMTPSender_Send(t *testing.T) {
	s, err := NewSMTPSender(config.MailConfig{Host: "smtp.example.com", Port: 587, From: "TaskDesk <no-reply@example.com>"})
	require.NoError(t, err)
	d := &fakeDialer{}
	s.dialer = d

	err = s.Send(context.Background(), Message{To: "a@example.com", Subject: "Hi", HTML: "<p>hi</p>", Text: "hi"})
	require.NoError(t, err)
	require.Len(t, d.sent, 1)
	require.Equal(t, []string{"a@example.com"}, d.sent[0].GetHeader("To"))
	require.Equal(t, []string{"Hi"}, d.sent[0].GetHeader("Subject"))

	d.err = errors.New("connection refused")
	err = s.Send(context.Background(), Message{To: "a@example.com"})
	require.ErrorContains(t, err, "smtp send")
}

func TestNewSMTPSender_Validation(t *testing.T) {
	_, err := NewSMTPSender(config.MailConfig{})
	require.Error(t, err)

	_, err = NewSMTPSender(config.MailConfig{Host: "h", From: "f", TLSMode: "tls13"})
	require.ErrorContains(t, err, "unsupported smtp tls mode")
}

func TestQueueSender_WorkerDelivers(t *testing.T) {
	queue := mq.New(mqtest.NewMemoryBackend())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, NewQueueSender(queue, "notifications").Send(ctx, Message{
		Kind:    KindTaskStatus,
		To:      "ada@example.com",
		Subject: "Task status updated",
		HTML:    "<p>done</p>",
	}))

	delivered := make(chan Message, 1)
	worker := NewWorker(queue, "notifications", senderFunc(func(_ context.Context, msg Message) error {
		delivered <- msg
		return nil
	}))
	go func() { _ = worker.Run(ctx) }()

	select {
	case msg := <-delivered:
		require.Equal(t, "ada@example.com", msg.To)
		require.Equal(t, KindTaskStatus, msg.Kind)
	case <-ctx.Done():
		t.Fatal("worker did not deliver message")
	}
}

func TestWorker_DropsMalformedPayload(t *testing.T) {
	backend := mqtest.NewMemoryBackend()
	queue := mq.New(backend)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := queue.Publish(ctx, "notifications", []byte("{not json"), nil)
	require.NoError(t, err)

	calls := make(chan struct{}, 1)
	worker := NewWorker(queue, "notifications", senderFunc(func(context.Context, Message) error {
		calls <- struct{}{}
		return nil
	}))

	runCtx, stop := context.WithTimeout(ctx, 100*time.Millisecond)
	defer stop()
	_ = worker.Run(runCtx)

	require.Empty(t, calls)
}

func TestOpenSender_MailDisabled(t *testing.T) {
	cfg := config.Config{Notify: config.NotifyConfig{Backend: "inline"}}
	sender, closeFn, err := OpenSender(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, NopSender{}, sender)
	require.NoError(t, closeFn())
}

func TestOpenSender_UnknownBackend(t *testing.T) {
	cfg := config.Config{Notify: config.NotifyConfig{Backend: "carrier-pigeon"}}
	_, _, err := OpenSender(context.Background(), cfg)
	require.Error(t, err)
}
