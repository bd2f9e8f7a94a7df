// Package booking owns the booking lifecycle: order creation, payment reconciliation,
// voucher issue and redemption.
package booking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"milabs-booking/internal/auth"
	"milabs-booking/internal/logger"
	"milabs-booking/internal/models"
	"milabs-booking/internal/notification"
	"milabs-booking/internal/payment"
	"milabs-booking/internal/voucher"
)

type OrderStore interface {
	CreateOrderWithItems(ctx context.Context, order *models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error)
	SetGatewayRef(ctx context.Context, id, method, ref string, now time.Time) error
	ConfirmPayment(ctx context.Context, id, paymentID, gatewayRef string, now time.Time) error
	AttachVoucher(ctx context.Context, id, image, payload string, expiresAt, now time.Time) error
	MarkRedeemed(ctx context.Context, id, payload string, now time.Time) error
	CancelOrder(ctx context.Context, id string, now time.Time) error

	LabExists(ctx context.Context, labID string) (bool, error)
	GetLab(ctx context.Context, id string) (*models.Lab, error)
	GetTests(ctx context.Context, ids []string) ([]*models.LabTest, error)
	GetPackages(ctx context.Context, ids []string) ([]*models.Package, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type VoucherIssuer interface {
	Generate(orderID string, issuedAt time.Time) (*voucher.Voucher, error)
}

type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, topic string, event models.BookingEvent) error
}

// OrderLocker serialises confirmation attempts per order. The returned func releases the lock.
type OrderLocker interface {
	LockOrder(ctx context.Context, orderID string) (func(), error)
}

// LiveFeed pushes events to connected lab dashboards. Emit must not block.
type LiveFeed interface {
	Emit(event models.BookingEvent)
}

type WebhookParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (*payment.WebhookEvent, error)
}

type Config struct {
	Currency string
	// NotifyTimeout bounds each background email and event publish.
	NotifyTimeout time.Duration
	// RepairAfter is how long a paid order without a voucher must sit untouched before
	// a caller that could not take the distributed lock re-issues the voucher.
	RepairAfter time.Duration
}

type Deps struct {
	Store    OrderStore
	Gateways *payment.Registry
	Vouchers VoucherIssuer
	Notifier notification.Notifier
	Events   EventPublisher
	// Locks, Webhooks and Feed are optional.
	Locks    OrderLocker
	Webhooks WebhookParser
	Feed     LiveFeed
	Logger   *logger.Logger
}

type Service struct {
	store    OrderStore
	gateways *payment.Registry
	vouchers VoucherIssuer
	notifier notification.Notifier
	events   EventPublisher
	locks    OrderLocker
	webhooks WebhookParser
	feed     LiveFeed
	logger   *logger.Logger
	cfg      Config

	nowFunc func() time.Time
	wg      sync.WaitGroup
	// confirming serialises confirmations of one order inside this process.
	confirming keyedMutex
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	if cfg.RepairAfter <= 0 {
		cfg.RepairAfter = time.Minute
	}
	return &Service{
		store:    deps.Store,
		gateways: deps.Gateways,
		vouchers: deps.Vouchers,
		notifier: deps.Notifier,
		events:   deps.Events,
		locks:    deps.Locks,
		webhooks: deps.Webhooks,
		feed:     deps.Feed,
		logger:   deps.Logger,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// lockOrder serialises confirmation work on one order. exclusive is false when the
// distributed lock is configured but could not be taken, so another instance may be
// working on the same order.
func (s *Service) lockOrder(ctx context.Context, orderID string) (unlock func(), exclusive bool) {
	release := s.confirming.Lock(orderID)
	if s.locks == nil {
		return release, true
	}

	unlockRemote, err := s.locks.LockOrder(ctx, orderID)
	if err != nil {
		// the guarded UPDATEs still decide the winner
		s.logger.Warn("PAYMENT", fmt.Sprintf("Confirmation lock for order %s not taken: %v", orderID, err))
		return release, false
	}
	return func() {
		unlockRemote()
		release()
	}, true
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		if m.refs--; m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (s *Service) now() time.Time {
	return s.nowFunc().UTC()
}

// Wait blocks until background notifications and event publishes have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// goAsync runs fn detached from the request context, bounded by NotifyTimeout.
func (s *Service) goAsync(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Warn("ASYNC", fmt.Sprintf("%s failed: %v", name, err))
		}
	}()
}

func (s *Service) publish(topic string, order *models.Order, threshold int) {
	event := models.BookingEvent{
		Type:      topic,
		OrderID:   order.ID,
		UserID:    order.UserID,
		LabID:     order.LabID,
		Status:    string(order.Status),
		Amount:    order.TotalAmount,
		Threshold: threshold,
		Timestamp: s.now(),
	}
	if s.feed != nil {
		s.feed.Emit(event)
	}
	if s.events == nil {
		return
	}
	s.goAsync("publish "+topic, func(ctx context.Context) error {
		return s.events.PublishBookingEvent(ctx, topic, event)
	})
}

func isOwner(id *auth.Identity, order *models.Order) bool {
	return id.UserID == order.UserID
}

// canView: owner, global viewers, managers, and lab admins for their own lab.
func canView(id *auth.Identity, order *models.Order) bool {
	switch {
	case isOwner(id, order):
		return true
	case id.Can(auth.CapViewAllBookings), id.Can(auth.CapManageBookings):
		return true
	case id.Can(auth.CapViewLabBookings):
		return id.LabID != "" && id.LabID == order.LabID
	}
	return false
}

func canManage(id *auth.Identity, order *models.Order) bool {
	return isOwner(id, order) || id.Can(auth.CapManageBookings)
}
