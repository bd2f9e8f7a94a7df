package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/utils"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// CheckoutSessions is the subset of the stripe-go checkout session client we call.
type CheckoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type StripeOptions struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration
}

type Stripe struct {
	sessions CheckoutSessions
	opts     StripeOptions
}

func NewStripe(opts StripeOptions) *Stripe {
	backends := &stripe.Backends{
		API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient: &http.Client{Timeout: opts.Timeout},
		}),
	}
	sc := client.New(opts.SecretKey, backends)
	return NewStripeWithSessions(sc.CheckoutSessions, opts)
}

func NewStripeWithSessions(sessions CheckoutSessions, opts StripeOptions) *Stripe {
	return &Stripe{sessions: sessions, opts: opts}
}

func (s *Stripe) Name() string { return GatewayStripe }

func (s *Stripe) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	desc := req.Description
	if desc == "" {
		desc = "MiLabs diagnostics booking " + req.OrderID
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.OrderID),
		SuccessURL:        stripe.String(s.opts.SuccessURL),
		CancelURL:         stripe.String(s.opts.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(strings.ToLower(req.Currency)),
					UnitAmount: stripe.Int64(req.AmountMinor),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(desc),
					},
				},
			},
		},
	}
	params.AddMetadata("order_id", req.OrderID)
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	cs, err := withTimeout(ctx, s.opts.Timeout, GatewayStripe, func(ctx context.Context) (*stripe.CheckoutSession, error) {
		params.Context = ctx
		return s.sessions.New(params)
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindGateway {
			return nil, err
		}
		return nil, apperr.Gateway(GatewayStripe, fmt.Errorf("failed to create checkout session: %w", err))
	}

	return &Session{Handle: cs.ID, RedirectURL: cs.URL}, nil
}

// Verify retrieves the checkout session from Stripe. A client-side "paid" flag is
// never trusted.
func (s *Stripe) Verify(ctx context.Context, v Verification) (*VerifiedPayment, error) {
	sessionID := v.SessionID
	if sessionID == "" {
		sessionID = v.ExpectedRef
	}
	if sessionID == "" {
		return nil, apperr.Validation("stripe session id is required")
	}

	cs, err := withTimeout(ctx, s.opts.Timeout, GatewayStripe, func(ctx context.Context) (*stripe.CheckoutSession, error) {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		return s.sessions.Get(sessionID, params)
	})
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return nil, apperr.SignatureMismatch(fmt.Errorf("stripe session %s not found: %w", sessionID, err))
		}
		if apperr.KindOf(err) == apperr.KindGateway {
			return nil, err
		}
		return nil, apperr.Gateway(GatewayStripe, fmt.Errorf("failed to retrieve checkout session %s: %w", sessionID, err))
	}

	if sessionOrderID(cs) != v.OrderID {
		return nil, apperr.SignatureMismatch(fmt.Errorf("stripe session %s belongs to order %q, not %s", cs.ID, sessionOrderID(cs), v.OrderID))
	}
	if cs.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, apperr.SignatureMismatch(fmt.Errorf("stripe session %s payment status is %q", cs.ID, cs.PaymentStatus))
	}
	if v.AmountMinor > 0 && cs.AmountTotal != v.AmountMinor {
		return nil, apperr.SignatureMismatch(fmt.Errorf("stripe session %s amount %.2f does not match order amount %.2f", cs.ID, FromMinorUnits(cs.AmountTotal), FromMinorUnits(v.AmountMinor)))
	}

	paymentID := cs.ID
	if cs.PaymentIntent != nil && cs.PaymentIntent.ID != "" {
		paymentID = cs.PaymentIntent.ID
	}
	return &VerifiedPayment{PaymentID: paymentID, GatewayRef: cs.ID}, nil
}

func sessionOrderID(cs *stripe.CheckoutSession) string {
	if cs.ClientReferenceID != "" {
		return cs.ClientReferenceID
	}
	return cs.Metadata["order_id"]
}

type WebhookEvent struct {
	ID        string
	Type      string
	SessionID string
	OrderID   string
	Paid      bool
	Created   time.Time
}

const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
)

// ParseWebhook checks the Stripe-Signature header and decodes checkout session events.
// Other event types are returned with only ID and Type set.
func (s *Stripe) ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error) {
	if s.opts.WebhookSecret == "" {
		return nil, apperr.Internal(fmt.Errorf("stripe webhook secret is not configured"))
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.opts.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, apperr.SignatureMismatch(fmt.Errorf("stripe webhook signature: %w", err))
	}

	out := &WebhookEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: utils.UnixTimeToTime(event.Created),
	}
	if !strings.HasPrefix(out.Type, "checkout.session.") {
		return out, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		return nil, apperr.Validation("malformed checkout session in webhook event %s", event.ID)
	}
	out.SessionID = cs.ID
	out.OrderID = sessionOrderID(&cs)
	out.Paid = cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid
	return out, nil
}
