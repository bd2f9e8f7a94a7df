package notification

import (
	"bytes"
	"fmt"
	"html/template"
	"time"
)

const VoucherCID = "voucher.png"

type ConfirmationData struct {
	PatientName string
	OrderID     string
	LabName     string
	BookingDate time.Time
	SlotTime    string
	Amount      float64
	Currency    string
	ExpiresAt   time.Time
	// HasVoucher is false when the voucher could not be attached yet.
	HasVoucher bool
}

type ReminderData struct {
	PatientName string
	OrderID     string
	Threshold   int
	DaysLeft    int
	ExpiresAt   time.Time
}

var funcs = template.FuncMap{
	"date":  func(t time.Time) string { return t.Format("02 Jan 2006") },
	"money": func(v float64) string { return fmt.Sprintf("%.2f", v) },
}

var confirmationTmpl = template.Must(template.New("confirmation").Funcs(funcs).Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <h2>Your MiLabs booking is confirmed</h2>
  <p>Hi {{if .PatientName}}{{.PatientName}}{{else}}there{{end}},</p>
  <p>We received your payment of {{.Currency}} {{money .Amount}} for order <strong>{{.OrderID}}</strong>.</p>
  <p>Lab: {{.LabName}}<br>Date: {{date .BookingDate}}{{if .SlotTime}} at {{.SlotTime}}{{end}}</p>
  {{if .HasVoucher}}
  <p>Show this QR voucher at the lab reception:</p>
  <p><img src="cid:{{.VoucherCID}}" alt="MiLabs voucher" width="256" height="256"></p>
  <p>Your voucher is valid for 30 days and expires on <strong>{{date .ExpiresAt}}</strong>. It can be redeemed once.</p>
  {{else}}
  <p>Your QR voucher is being generated and will be available in your bookings shortly. Vouchers are valid for 30 days from issue.</p>
  {{end}}
  <p>Team MiLabs</p>
</body>
</html>`))

var reminderTmpl = template.Must(template.New("reminder").Funcs(funcs).Parse(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #222;">
  <h2>Reminder: your MiLabs voucher is waiting</h2>
  <p>Hi {{if .PatientName}}{{.PatientName}}{{else}}there{{end}},</p>
  <p>It has been {{.Threshold}} days since you booked order <strong>{{.OrderID}}</strong> and your voucher has not been used yet.</p>
  <p>Vouchers expire 30 days after they are issued. Yours expires on <strong>{{date .ExpiresAt}}</strong>{{if gt .DaysLeft 0}}, {{.DaysLeft}} day{{if ne .DaysLeft 1}}s{{end}} from now{{end}}.</p>
  <p>Visit the lab with your QR voucher before then to get your tests done.</p>
  <p>Team MiLabs</p>
</body>
</html>`))

func RenderConfirmation(d ConfirmationData) (Message, error) {
	var buf bytes.Buffer
	data := struct {
		ConfirmationData
		VoucherCID string
	}{d, VoucherCID}
	if err := confirmationTmpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render confirmation for order %s: %w", d.OrderID, err)
	}
	return Message{
		Subject: fmt.Sprintf("Booking confirmed: order %s", d.OrderID),
		HTML:    buf.String(),
	}, nil
}

func RenderReminder(d ReminderData) (Message, error) {
	var buf bytes.Buffer
	if err := reminderTmpl.Execute(&buf, d); err != nil {
		return Message{}, fmt.Errorf("render reminder for order %s: %w", d.OrderID, err)
	}
	return Message{
		Subject: fmt.Sprintf("Day %d reminder: use your MiLabs voucher for order %s", d.Threshold, d.OrderID),
		HTML:    buf.String(),
	}, nil
}
