package models

import (
	"time"

	"github.com/uptrace/bun"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderConfirmed OrderStatus = "confirmed"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// VoucherValidity is how long a voucher stays redeemable after issue.
const VoucherValidity = 30 * 24 * time.Hour

// Reminder thresholds in elapsed days since the order was created, highest first.
var ReminderThresholds = []int{28, 25, 20}

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID               string        `bun:"id,pk" json:"id"`
	UserID           string        `bun:"user_id,notnull" json:"userId"`
	LabID            string        `bun:"lab_id,notnull" json:"labId"`
	TotalAmount      float64       `bun:"total_amount,notnull" json:"totalAmount"`
	Status           OrderStatus   `bun:"status,notnull" json:"status"`
	PaymentStatus    PaymentStatus `bun:"payment_status,notnull" json:"paymentStatus"`
	PaymentMethod    string        `bun:"payment_method,notnull" json:"paymentMethod"`
	GatewayRef       *string       `bun:"gateway_ref" json:"-"`
	PaymentID        *string       `bun:"payment_id" json:"paymentId"`
	BookingDate      time.Time     `bun:"booking_date,notnull" json:"bookingDate"`
	SlotTime         *string       `bun:"slot_time" json:"slotTime"`
	QRCode           *string       `bun:"qr_code" json:"qrCode"`
	QRPayload        *string       `bun:"qr_payload" json:"-"`
	QRExpiresAt      *time.Time    `bun:"qr_expires_at" json:"qrExpiresAt"`
	QRRedeemed       bool          `bun:"qr_redeemed,notnull,default:false" json:"qrRedeemed"`
	LastReminderSent int           `bun:"last_reminder_sent,notnull,default:0" json:"lastReminderSent"`
	CreatedAt        time.Time     `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt        time.Time     `bun:"updated_at,notnull" json:"updatedAt"`

	Items []*OrderItem `bun:"rel:has-many,join:id=order_id" json:"items"`
}

// OrderItem is immutable once the order is placed; Price is the catalog price
// at booking time.
type OrderItem struct {
	bun.BaseModel `bun:"table:order_items"`

	ID        string  `bun:"id,pk" json:"id"`
	OrderID   string  `bun:"order_id,notnull" json:"orderId"`
	TestID    *string `bun:"test_id" json:"testId"`
	PackageID *string `bun:"package_id" json:"packageId"`
	Quantity  int     `bun:"quantity,notnull" json:"quantity"`
	Price     float64 `bun:"price,notnull" json:"price"`
}

// HasVoucher reports whether a voucher has been attached.
func (o *Order) HasVoucher() bool {
	return o.QRCode != nil && *o.QRCode != ""
}

// ElapsedDays is the number of whole days between CreatedAt and now.
func (o *Order) ElapsedDays(now time.Time) int {
	if now.Before(o.CreatedAt) {
		return 0
	}
	return int(now.Sub(o.CreatedAt) / (24 * time.Hour))
}

// DueReminder picks the single highest threshold that has been reached but not yet sent.
// Returns 0 when nothing is due.
func (o *Order) DueReminder(now time.Time) int {
	elapsed := o.ElapsedDays(now)
	for _, threshold := range ReminderThresholds {
		if elapsed >= threshold && o.LastReminderSent < threshold {
			return threshold
		}
	}
	return 0
}

// ReminderEligible: paid, confirmed, not redeemed and the voucher has not expired (strict).
func (o *Order) ReminderEligible(now time.Time) bool {
	return o.PaymentStatus == PaymentPaid &&
		o.Status == OrderConfirmed &&
		!o.QRRedeemed &&
		o.QRExpiresAt != nil &&
		o.QRExpiresAt.After(now)
}

type OrderFilter struct {
	UserID        string
	LabID         string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	Limit         int
	Offset        int
}
