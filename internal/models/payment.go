package models

import "time"

// PaymentSession is the gateway handle returned by InitiatePayment. Exactly one of
// RedirectURL (checkout-session gateways) or ClientParams (order-style gateways) is set.
type PaymentSession struct {
	OrderID      string            `json:"orderId"`
	Gateway      string            `json:"gateway"`
	Handle       string            `json:"handle"`
	RedirectURL  string            `json:"redirectUrl,omitempty"`
	ClientParams map[string]any    `json:"clientParams,omitempty"`
	AmountMinor  int64             `json:"amountMinor"`
	Currency     string            `json:"currency"`
	Metadata     map[string]string `json:"-"`
}

// PaymentVerification is what the client (or a webhook) hands back after paying.
type PaymentVerification struct {
	GatewayOrderID   string `json:"gatewayOrderId"`
	GatewayPaymentID string `json:"gatewayPaymentId"`
	Signature        string `json:"signature"`
	SessionID        string `json:"sessionId"`
}

// BookingEvent is published on Kafka for downstream consumers (lab apps, analytics).
type BookingEvent struct {
	Type      string    `json:"type"`
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	LabID     string    `json:"lab_id"`
	Status    string    `json:"status"`
	Amount    float64   `json:"amount"`
	Threshold int       `json:"threshold,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VoucherScanEvent is consumed from lab scanning apps.
type VoucherScanEvent struct {
	Payload   string    `json:"payload"`
	LabID     string    `json:"lab_id"`
	ScannedBy string    `json:"scanned_by"`
	ScannedAt time.Time `json:"scanned_at"`
}

type ReminderFired struct {
	OrderID   string `json:"orderId"`
	Threshold int    `json:"threshold"`
}
