package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"milabs-booking/internal/apperr"

	"github.com/razorpay/razorpay-go"
)

// RazorpayOrders is the subset of the razorpay-go order resource we call.
type RazorpayOrders interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type Razorpay struct {
	orders  RazorpayOrders
	keyID   string
	secret  string
	timeout time.Duration
}

func NewRazorpay(keyID, keySecret string, timeout time.Duration) *Razorpay {
	client := razorpay.NewClient(keyID, keySecret)
	return NewRazorpayWithOrders(client.Order, keyID, keySecret, timeout)
}

func NewRazorpayWithOrders(orders RazorpayOrders, keyID, keySecret string, timeout time.Duration) *Razorpay {
	return &Razorpay{orders: orders, keyID: keyID, secret: keySecret, timeout: timeout}
}

func (r *Razorpay) Name() string { return GatewayRazorpay }

func (r *Razorpay) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	data := map[string]interface{}{
		"amount":   req.AmountMinor,
		"currency": req.Currency,
		"receipt":  req.OrderID,
		"notes": map[string]interface{}{
			"order_id": req.OrderID,
		},
	}

	body, err := withTimeout(ctx, r.timeout, GatewayRazorpay, func(context.Context) (map[string]interface{}, error) {
		return r.orders.Create(data, nil)
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindGateway {
			return nil, err
		}
		return nil, apperr.Gateway(GatewayRazorpay, fmt.Errorf("failed to create razorpay order: %w", err))
	}

	id, ok := body["id"].(string)
	if !ok || id == "" {
		return nil, apperr.Gateway(GatewayRazorpay, fmt.Errorf("razorpay order response has no id"))
	}

	return &Session{
		Handle: id,
		ClientParams: map[string]any{
			"key":      r.keyID,
			"order_id": id,
			"amount":   req.AmountMinor,
			"currency": req.Currency,
			"name":     "MiLabs",
			"prefill":  map[string]string{"email": req.CustomerEmail},
		},
	}, nil
}

// Verify checks the checkout signature and that it was produced for the gateway
// order recorded against this booking.
func (r *Razorpay) Verify(_ context.Context, v Verification) (*VerifiedPayment, error) {
	if v.GatewayOrderID == "" || v.GatewayPaymentID == "" || v.Signature == "" {
		return nil, apperr.Validation("razorpay order id, payment id and signature are required")
	}
	if v.ExpectedRef == "" || v.GatewayOrderID != v.ExpectedRef {
		return nil, apperr.SignatureMismatch(fmt.Errorf("razorpay order %s does not match recorded ref %q for order %s", v.GatewayOrderID, v.ExpectedRef, v.OrderID))
	}
	if !VerifySignature(v.GatewayOrderID, v.GatewayPaymentID, v.Signature, r.secret) {
		return nil, apperr.SignatureMismatch(fmt.Errorf("razorpay signature mismatch for order %s payment %s", v.OrderID, v.GatewayPaymentID))
	}
	return &VerifiedPayment{PaymentID: v.GatewayPaymentID, GatewayRef: v.GatewayOrderID}, nil
}

// Sign returns hex(HMAC-SHA256(secret, orderID + "|" + paymentID)).
func Sign(orderID, paymentID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(orderID, paymentID, signature, secret string) bool {
	expected := Sign(orderID, paymentID, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
