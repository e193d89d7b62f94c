package outbound

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/mikey/mail-triage/internal/adapters/store"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func queued(id string) *core.OutboundMessage {
	return &core.OutboundMessage{
		ID:        id,
		EmailID:   "e-" + id,
		To:        "alice@example.com",
		Subject:   "Re: Project timeline",
		Body:      "Attached, thanks!",
		InReplyTo: "<abc@example.com>",
		Status:    core.OutboundQueued,
		QueuedAt:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestCompose(t *testing.T) {
	data, err := Compose("me@example.org", queued("m1"), time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	r, err := mail.CreateReader(bytes.NewReader(data))
	require.NoError(t, err)

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "Re: Project timeline", subject)

	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "alice@example.com", to[0].Address)

	inReplyTo, err := r.Header.MsgIDList("In-Reply-To")
	require.NoError(t, err)
	assert.Equal(t, []string{"abc@example.com"}, inReplyTo)

	messageID, err := r.Header.MessageID()
	require.NoError(t, err)
	assert.NotEmpty(t, messageID)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, "Attached, thanks!", strings.TrimSpace(string(body)))
}

type fakeSender struct {
	mu    sync.Mutex
	fail  map[string]error
	sends []string
}

func (f *fakeSender) Send(_ context.Context, msg *core.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg.ID)
	return f.fail[msg.ID]
}

func TestFlushRecordsDeliveryState(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	require.NoError(t, repo.EnqueueOutbound(ctx, queued("ok")))
	require.NoError(t, repo.EnqueueOutbound(ctx, queued("flaky")))

	sender := &fakeSender{fail: map[string]error{"flaky": errors.New("451 try again")}}
	d := NewDispatcher(repo, sender, DispatcherOptions{MaxAttempts: 2}, zap.NewNop())

	sent, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	pending, err := repo.PendingOutbound(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "flaky", pending[0].ID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "451 try again", pending[0].LastError)

	// Second failure reaches the attempt limit
	sent, err = d.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	pending, err = repo.PendingOutbound(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	recent, err := repo.RecentSent(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Attached, thanks!"}, recent, "failed replies are not style samples")
	assert.Equal(t, []string{"ok", "flaky", "flaky"}, sender.sends)
}

func TestDispatcherLoop(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryStore()
	require.NoError(t, repo.EnqueueOutbound(ctx, queued("m1")))

	sender := &fakeSender{}
	d := NewDispatcher(repo, sender, DispatcherOptions{PollInterval: 10 * time.Millisecond}, zap.NewNop())
	require.NoError(t, d.Start())

	assert.Eventually(t, func() bool {
		pending, err := repo.PendingOutbound(ctx, 10)
		return err == nil && len(pending) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}

// recordingBackend is an in-process SMTP relay
type recordingBackend struct {
	mu       sync.Mutex
	from     string
	to       []string
	messages [][]byte
}

func (b *recordingBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &recordingSession{backend: b}, nil
}

type recordingSession struct {
	backend *recordingBackend
}

func (s *recordingSession) Reset()        {}
func (s *recordingSession) Logout() error { return nil }

func (s *recordingSession) Mail(from string, _ *smtp.MailOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.from = from
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.to = append(s.backend.to, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, data)
	return nil
}

func TestSMTPSenderDelivers(t *testing.T) {
	backend := &recordingBackend{}
	server := smtp.NewServer(backend)
	server.Domain = "localhost"

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(l) }()
	t.Cleanup(func() { server.Close() })

	sender := NewSMTPSender(SMTPSenderOptions{
		Address: l.Addr().String(),
		From:    "me@example.org",
		Timeout: 5 * time.Second,
	}, zap.NewNop())

	require.NoError(t, sender.Send(context.Background(), queued("m1")))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, "me@example.org", backend.from)
	assert.Equal(t, []string{"alice@example.com"}, backend.to)
	require.Len(t, backend.messages, 1)
	assert.Contains(t, string(backend.messages[0]), "Subject: Re: Project timeline")
	assert.Contains(t, string(backend.messages[0]), "Attached, thanks!")
}

func TestSMTPSenderConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	sender := NewSMTPSender(SMTPSenderOptions{Address: addr, From: "me@example.org", Timeout: time.Second}, zap.NewNop())
	assert.Error(t, sender.Send(context.Background(), queued("m1")))
}
