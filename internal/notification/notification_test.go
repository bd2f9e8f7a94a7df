package notification

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"milabs-booking/internal/config"
	"milabs-booking/internal/logger"

	"github.com/go-gomail/gomail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent  []*gomail.Message
	err   error
	delay time.Duration
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	time.Sleep(f.delay)
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func TestRenderConfirmation(t *testing.T) {
	expires := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	msg, err := RenderConfirmation(ConfirmationData{
		PatientName: "Asha",
		OrderID:     "order-1",
		LabName:     "MiLabs Indiranagar",
		BookingDate: time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC),
		Amount:      1499,
		Currency:    "INR",
		ExpiresAt:   expires,
		HasVoucher:  true,
	})
	require.NoError(t, err)

	assert.Contains(t, msg.Subject, "order-1")
	assert.Contains(t, msg.HTML, "INR 1499.00")
	assert.Contains(t, msg.HTML, "cid:voucher.png")
	assert.Contains(t, msg.HTML, "valid for 30 days")
	assert.Contains(t, msg.HTML, "01 Jul 2025")
}

func TestRenderConfirmation_EscapesInput(t *testing.T) {
	msg, err := RenderConfirmation(ConfirmationData{PatientName: "<script>x</script>", OrderID: "o"})
	require.NoError(t, err)
	assert.NotContains(t, msg.HTML, "<script>")
	assert.NotContains(t, msg.HTML, "cid:")
}

func TestRenderReminder(t *testing.T) {
	msg, err := RenderReminder(ReminderData{
		PatientName: "Asha",
		OrderID:     "order-1",
		Threshold:   28,
		DaysLeft:    2,
		ExpiresAt:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Contains(t, msg.Subject, "Day 28")
	assert.Contains(t, msg.Subject, "order-1")
	assert.Contains(t, msg.HTML, "28 days")
	assert.Contains(t, msg.HTML, "expire 30 days after")
	assert.Contains(t, msg.HTML, "2 days from now")
}

func TestSMTPNotifier_Send(t *testing.T) {
	sender := &fakeSender{}
	n := &SMTPNotifier{sender: sender, from: "bookings@milabs.in", logger: logger.New(&bytes.Buffer{})}

	err := n.Send(context.Background(), Message{
		To:      "asha@example.in",
		Subject: "hello",
		HTML:    "<p>hi</p>",
		Inline:  []Attachment{{Name: VoucherCID, ContentType: "image/png", Data: []byte{0x89, 'P', 'N', 'G'}}},
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"asha@example.in"}, sender.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"bookings@milabs.in"}, sender.sent[0].GetHeader("From"))
}

func TestSMTPNotifier_Failures(t *testing.T) {
	log := logger.New(&bytes.Buffer{})

	n := &SMTPNotifier{sender: &fakeSender{err: errors.New("535 auth failed")}, from: "f", logger: log}
	assert.ErrorContains(t, n.Send(context.Background(), Message{To: "a@b.in"}), "535")

	assert.Error(t, n.Send(context.Background(), Message{}))

	slow := &SMTPNotifier{sender: &fakeSender{delay: 200 * time.Millisecond}, from: "f", logger: log}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, slow.Send(ctx, Message{To: "a@b.in"}), context.DeadlineExceeded)
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, LogNotifier{Logger: logger.New(&buf)}.Send(context.Background(), Message{To: "a@b.in", Subject: "s"}))
	assert.Contains(t, buf.String(), "a@b.in")
}

func TestFromConfig(t *testing.T) {
	log := logger.New(nil)

	_, isLog := FromConfig(config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 587}, log).(LogNotifier)
	assert.True(t, isLog)
	_, isLog = FromConfig(config.EmailConfig{SMTPUsername: "u", Disabled: true}, log).(LogNotifier)
	assert.True(t, isLog)

	_, isSMTP := FromConfig(config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUsername: "u", SMTPPassword: "p"}, log).(*SMTPNotifier)
	assert.True(t, isSMTP)
}
