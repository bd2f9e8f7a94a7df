package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDueReminder_PicksHighestUnsentThreshold(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	cases := []struct {
		name    string
		elapsed time.Duration
		last    int
		want    int
	}{
		{"too early", 19 * day, 0, 0},
		{"day 20", 20 * day, 0, 20},
		{"day 20 already sent", 21 * day, 20, 0},
		{"day 25 after 20", 25 * day, 20, 25},
		{"long unrun job jumps to 28", 28 * day, 0, 28},
		{"day 29 with 25 sent", 29 * day, 25, 28},
		{"everything sent", 29 * day, 28, 0},
		{"just under a day boundary", 25*day - time.Second, 20, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := Order{CreatedAt: now.Add(-tc.elapsed), LastReminderSent: tc.last}
			assert.Equal(t, tc.want, o.DueReminder(now))
		})
	}
}

func TestReminderEligible_ExpiryIsExclusive(t *testing.T) {
	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	expires := now

	o := Order{
		Status:        OrderConfirmed,
		PaymentStatus: PaymentPaid,
		QRExpiresAt:   &expires,
	}
	assert.False(t, o.ReminderEligible(now))

	later := now.Add(time.Second)
	o.QRExpiresAt = &later
	assert.True(t, o.ReminderEligible(now))

	o.QRRedeemed = true
	assert.False(t, o.ReminderEligible(now))
}

func TestElapsedDays_FutureCreatedAt(t *testing.T) {
	now := time.Now()
	o := Order{CreatedAt: now.Add(time.Hour)}
	assert.Equal(t, 0, o.ElapsedDays(now))
}
