package sms

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/medidesk/medidesk/internal/patients"
	"github.com/medidesk/medidesk/internal/shared"
	_ "github.com/medidesk/medidesk/testing"
)

type memoryOutbox struct {
	mu     sync.Mutex
	msgs   map[int64]Message
	nextID int64
}

func newMemoryOutbox() *memoryOutbox {
	return &memoryOutbox{msgs: make(map[int64]Message)}
}

func (r *memoryOutbox) Insert(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	msg.ID = r.nextID
	r.msgs[msg.ID] = *msg
	return nil
}

func (r *memoryOutbox) Get(_ context.Context, id int64) (Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (r *memoryOutbox) List(_ context.Context, filter ListFilter) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, msg := range r.msgs {
		if filter.Status != "" && msg.Status != filter.Status {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memoryOutbox) MarkSent(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := r.msgs[id]
	if msg.Status == StatusPending {
		msg.Status = StatusSent
		msg.SentAt = &at
		msg.Error = ""
		r.msgs[id] = msg
	}
	return nil
}

func (r *memoryOutbox) MarkDelivered(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.msgs[id]
	if !ok || msg.Status != StatusSent {
		return false, nil
	}
	msg.Status = StatusDelivered
	r.msgs[id] = msg
	return true, nil
}

func (r *memoryOutbox) RecordFailure(_ context.Context, id int64, reason string, final bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := r.msgs[id]
	if msg.Status != StatusPending {
		return nil
	}
	msg.Error = reason
	if final {
		msg.Status = StatusFailed
	}
	r.msgs[id] = msg
	return nil
}

type stubContacts map[int64]patients.Contact

func (s stubContacts) Contacts(_ context.Context, ids []int64) (map[int64]patients.Contact, error) {
	out := make(map[int64]patients.Contact)
	for _, id := range ids {
		if c, ok := s[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

type recordingDispatcher struct {
	ids []int64
	err error
}

func (d *recordingDispatcher) EnqueueSMS(_ context.Context, id int64) error {
	if d.err != nil {
		return d.err
	}
	d.ids = append(d.ids, id)
	return nil
}

type flakySender struct {
	failures int
	sent     []string
	senderID string
}

func (s *flakySender) Send(_ context.Context, senderID, phone, _ string) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("carrier timeout")
	}
	s.senderID = senderID
	s.sent = append(s.sent, phone)
	return nil
}

type staticProfile struct{ currency, sender string }

func (p staticProfile) Currency(context.Context) (string, error) { return p.currency, nil }
func (p staticProfile) SenderID(context.Context) (string, error) { return p.sender, nil }

type smsEnv struct {
	svc        *Service
	repo       *memoryOutbox
	dispatcher *recordingDispatcher
	sender     *flakySender
}

func newSMSEnv(t *testing.T) smsEnv {
	t.Helper()
	repo := newMemoryOutbox()
	dispatcher := &recordingDispatcher{}
	sender := &flakySender{}
	contacts := stubContacts{
		1: {ID: 1, Name: "Ana Ruiz", Phone: "+15550001"},
		2: {ID: 2, Name: "Ben Ode"},
		3: {ID: 3, Name: "Cy Tran", Phone: "+15550003"},
	}
	svc := NewService(repo, contacts, dispatcher, sender, "USD", nil)
	svc.WithNow(func() time.Time { return time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC) })
	return smsEnv{svc: svc, repo: repo, dispatcher: dispatcher, sender: sender}
}

func TestSegments(t *testing.T) {
	require.Equal(t, 0, Segments(""))
	require.Equal(t, 1, Segments(strings.Repeat("a", 160)))
	require.Equal(t, 2, Segments(strings.Repeat("a", 161)))
	require.Equal(t, 1, Segments(strings.Repeat("é", 160)), "segments count characters, not bytes")
	require.Equal(t, 5, Segments(strings.Repeat("a", 800)))

	require.ErrorIs(t, CheckBody(""), ErrEmptyBody)
	require.NoError(t, CheckBody(strings.Repeat("a", 800)))
	require.ErrorIs(t, CheckBody(strings.Repeat("a", 801)), shared.ErrValidation)
}

func TestRenderTemplates(t *testing.T) {
	r := NewRenderer("USD")
	body, err := r.Render(TemplatePaymentDue, Vars{
		PatientName: "Ana Ruiz",
		Amount:      decimal.RequireFromString("109.75"),
		DueDate:     time.Date(2024, 4, 14, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Contains(t, body, "Hello Ana Ruiz")
	require.Contains(t, body, "109.75")
	require.Contains(t, body, "$")
	require.Contains(t, body, "Apr 14, 2024")
	require.NotContains(t, body, "{")

	body, err = r.Render(TemplateAppointmentReminder, Vars{PatientName: "Ben", AppointmentAt: time.Date(2024, 3, 16, 14, 30, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Contains(t, body, "Mar 16, 2024 at 2:30 PM")

	_, err = r.Render("birthday", Vars{})
	require.ErrorIs(t, err, ErrUnknownTemplate)

	require.Len(t, Templates(), 5)
	for _, tpl := range Templates() {
		require.NoError(t, CheckBody(tpl.Content), tpl.Key)
	}
}

func TestRendererFallsBackToUSD(t *testing.T) {
	require.Equal(t, NewRenderer("USD").FormatAmount(decimal.NewFromInt(5)), NewRenderer("nope").FormatAmount(decimal.NewFromInt(5)))
}

func TestSendResolvesPatientAndQueues(t *testing.T) {
	env := newSMSEnv(t)
	msg, err := env.svc.Send(context.Background(), SendInput{PatientID: 1, Template: TemplatePrescriptionReady})
	require.NoError(t, err)
	require.Equal(t, StatusPending, msg.Status)
	require.Equal(t, "+15550001", msg.Phone)
	require.Equal(t, int64(1), *msg.PatientID)
	require.True(t, strings.HasPrefix(msg.Body, "Hello Ana Ruiz,"))
	require.Equal(t, 1, msg.Segments)
	require.Equal(t, []int64{msg.ID}, env.dispatcher.ids)
}

func TestSendRejections(t *testing.T) {
	env := newSMSEnv(t)
	ctx := context.Background()

	_, err := env.svc.Send(ctx, SendInput{PatientID: 2, Body: "hi"})
	require.ErrorIs(t, err, ErrNoRecipient)

	_, err = env.svc.Send(ctx, SendInput{PatientID: 42, Body: "hi"})
	require.ErrorIs(t, err, patients.ErrPatientNotFound)

	_, err = env.svc.Send(ctx, SendInput{Phone: "+1555", Body: strings.Repeat("x", 801)})
	require.ErrorIs(t, err, ErrBodyTooLong)

	_, err = env.svc.Send(ctx, SendInput{Phone: "+1555", Body: "   "})
	require.ErrorIs(t, err, ErrEmptyBody)

	require.Empty(t, env.dispatcher.ids)
}

func TestSendMarksFailedWhenQueueUnavailable(t *testing.T) {
	env := newSMSEnv(t)
	env.dispatcher.err = errors.New("redis down")
	_, err := env.svc.Send(context.Background(), SendInput{Phone: "+1555", Body: "hello"})
	require.Error(t, err)
	stored, err := env.repo.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.Contains(t, stored.Error, "redis down")
}

func TestBroadcastSkipsPatientsWithoutPhone(t *testing.T) {
	env := newSMSEnv(t)
	result, err := env.svc.Broadcast(context.Background(), BroadcastInput{
		PatientIDs: []int64{1, 2, 3, 3, 9},
		Template:   TemplateFollowUp,
	})
	require.NoError(t, err)
	require.Len(t, result.Queued, 2)
	require.Equal(t, []int64{2, 9}, result.Skipped)
	require.Contains(t, result.Queued[0].Body, "Ana Ruiz")
	require.Contains(t, result.Queued[1].Body, "Cy Tran")

	_, err = env.svc.Broadcast(context.Background(), BroadcastInput{PatientIDs: []int64{1}, Template: "nope"})
	require.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestBroadcastExpandsFreeText(t *testing.T) {
	env := newSMSEnv(t)
	result, err := env.svc.Broadcast(context.Background(), BroadcastInput{
		PatientIDs: []int64{3},
		Body:       "Hi {patient_name}, the clinic is closed Monday.",
	})
	require.NoError(t, err)
	require.Equal(t, "Hi Cy Tran, the clinic is closed Monday.", result.Queued[0].Body)
}

func TestQueuePaymentReminderUsesProfileCurrency(t *testing.T) {
	env := newSMSEnv(t)
	env.svc.SetProfile(staticProfile{currency: "EUR", sender: "CLINIC"})
	err := env.svc.QueuePaymentReminder(context.Background(), 1, decimal.RequireFromString("40.5"), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	msg, err := env.repo.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, TemplatePaymentDue, msg.Template)
	require.Contains(t, msg.Body, "€")
	require.Contains(t, msg.Body, "40.50")
	require.Contains(t, msg.Body, "Apr 1, 2024")

	require.NoError(t, env.svc.Deliver(context.Background(), msg.ID, false))
	require.Equal(t, "CLINIC", env.sender.senderID)
}

func TestQueueAppointmentConfirmation(t *testing.T) {
	env := newSMSEnv(t)
	err := env.svc.QueueAppointmentConfirmation(context.Background(), 3, time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	msg, err := env.repo.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Contains(t, msg.Body, "confirmed for Mar 18, 2024 at 9:00 AM")
}

func TestDeliverRetriesThenFails(t *testing.T) {
	env := newSMSEnv(t)
	ctx := context.Background()
	msg, err := env.svc.Send(ctx, SendInput{Phone: "+1555", Body: "hello"})
	require.NoError(t, err)

	env.sender.failures = 2
	require.Error(t, env.svc.Deliver(ctx, msg.ID, false))
	stored, _ := env.repo.Get(ctx, msg.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, "carrier timeout", stored.Error)

	require.Error(t, env.svc.Deliver(ctx, msg.ID, true))
	stored, _ = env.repo.Get(ctx, msg.ID)
	require.Equal(t, StatusFailed, stored.Status)

	require.NoError(t, env.svc.Deliver(ctx, msg.ID, false), "non-pending messages are skipped")
	require.Empty(t, env.sender.sent)
}

func TestDeliverAndReceipt(t *testing.T) {
	env := newSMSEnv(t)
	ctx := context.Background()
	msg, err := env.svc.Send(ctx, SendInput{Phone: "+1555", Body: "hello"})
	require.NoError(t, err)

	_, err = env.svc.MarkDelivered(ctx, msg.ID)
	require.ErrorIs(t, err, ErrNotSent)

	require.NoError(t, env.svc.Deliver(ctx, msg.ID, false))
	require.NoError(t, env.svc.Deliver(ctx, msg.ID, false))
	require.Equal(t, []string{"+1555"}, env.sender.sent)

	delivered, err := env.svc.MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, delivered.Status)
	require.NotNil(t, delivered.SentAt)

	_, err = env.svc.MarkDelivered(ctx, 99)
	require.ErrorIs(t, err, ErrMessageNotFound)

	sent, err := env.svc.List(ctx, ListFilter{Status: StatusDelivered})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	_, err = env.svc.List(ctx, ListFilter{Status: "Lost"})
	require.ErrorIs(t, err, shared.ErrValidation)
}
