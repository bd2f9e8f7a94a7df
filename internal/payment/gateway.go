// Package payment adapts external payment gateways to a single session/verify contract.
package payment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"milabs-booking/internal/apperr"
)

const (
	GatewayRazorpay = "razorpay"
	GatewayStripe   = "stripe"
)

type SessionRequest struct {
	OrderID       string
	AmountMinor   int64
	Currency      string
	CustomerEmail string
	Description   string
}

// Session is the gateway-side handle for a pending payment. Checkout style gateways
// set RedirectURL, order style gateways set ClientParams for the client SDK.
type Session struct {
	Handle       string
	RedirectURL  string
	ClientParams map[string]any
}

// Verification is what the client hands back after paying, plus what the order
// store knows about the order.
type Verification struct {
	OrderID     string
	ExpectedRef string
	AmountMinor int64

	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	SessionID        string
}

type VerifiedPayment struct {
	PaymentID  string
	GatewayRef string
}

type Gateway interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	Verify(ctx context.Context, v Verification) (*VerifiedPayment, error)
}

type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, apperr.Validation("unsupported payment method %q", name)
	}
	return g, nil
}

func (r *Registry) Has(name string) bool {
	_, ok := r.gateways[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for n := range r.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type result[T any] struct {
	val T
	err error
}

// withTimeout bounds an SDK call that does not honour contexts itself. The call keeps
// running in the background after a timeout; its result is discarded.
func withTimeout[T any](ctx context.Context, timeout time.Duration, gateway string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, apperr.Gateway(gateway, fmt.Errorf("%s call did not complete: %w", gateway, ctx.Err()))
	}
}
