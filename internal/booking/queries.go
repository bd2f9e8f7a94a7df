package booking

import (
	"context"
	"errors"
	"fmt"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/kafka"
	"milabs-booking/internal/models"
	"milabs-booking/internal/order/db"
	"milabs-booking/internal/voucher"
)

// GetOrders lists bookings visible to the caller. Patients always see only their own,
// lab administrators only their lab's.
func (s *Service) GetOrders(ctx context.Context, id *auth.Identity, filter models.OrderFilter) ([]*models.Order, error) {
	if id == nil {
		return nil, apperr.Unauthenticated()
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, apperr.Validation("limit and offset must not be negative")
	}

	switch {
	case id.Can(auth.CapViewAllBookings), id.Can(auth.CapManageBookings):
	case id.Can(auth.CapViewLabBookings):
		if id.LabID == "" {
			return nil, apperr.Unauthorized("lab administrator has no lab assigned")
		}
		if filter.LabID != "" && filter.LabID != id.LabID {
			return nil, apperr.Unauthorized("cannot view bookings of lab %s", filter.LabID)
		}
		filter.LabID = id.LabID
	default:
		filter.UserID = id.UserID
	}

	orders, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return orders, nil
}

func (s *Service) GetOrder(ctx context.Context, id *auth.Identity, orderID string) (*models.Order, error) {
	if id == nil {
		return nil, apperr.Unauthenticated()
	}
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canView(id, order) {
		// do not reveal that someone else's order exists
		return nil, apperr.OrderNotFound(orderID, nil)
	}
	return order, nil
}

// CancelOrder withdraws an unpaid booking.
func (s *Service) CancelOrder(ctx context.Context, id *auth.Identity, orderID string) (*models.Order, error) {
	if id == nil {
		return nil, apperr.Unauthenticated()
	}
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canManage(id, order) {
		return nil, apperr.Unauthorized("not allowed to cancel order %s", orderID)
	}
	if err := db.CanTransition(order.Status, order.PaymentStatus, models.OrderCancelled, models.PaymentPending); err != nil {
		return nil, err
	}

	if err := s.store.CancelOrder(ctx, orderID, s.now()); err != nil {
		if errors.Is(err, db.ErrConditionFailed) {
			return nil, apperr.InvalidTransition("order %s changed state and can no longer be cancelled", orderID)
		}
		return nil, apperr.Internal(fmt.Errorf("cancel order: %w", err))
	}
	s.logger.LogOrder("CANCEL", orderID, "cancelled by "+id.UserID)
	cancelled, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.publish(kafka.TopicOrderCancelled, cancelled, 0)
	return cancelled, nil
}

// RedeemVoucher completes a booking when the lab scans its voucher.
func (s *Service) RedeemVoucher(ctx context.Context, id *auth.Identity, payload string) (*models.Order, error) {
	if id == nil {
		return nil, apperr.Unauthenticated()
	}
	if !id.Can(auth.CapRedeemVoucher) {
		return nil, apperr.Unauthorized("role %q cannot redeem vouchers", id.Role)
	}

	orderID, _, err := voucher.ParsePayload(payload)
	if err != nil {
		return nil, err
	}
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if id.Role == auth.RoleLabAdmin && order.LabID != id.LabID {
		s.logger.LogSecurity("FOREIGN_VOUCHER_SCAN", fmt.Sprintf("lab=%s scanned voucher of order %s booked at lab %s", id.LabID, orderID, order.LabID))
		return nil, apperr.Unauthorized("voucher belongs to another lab")
	}

	now := s.now()
	switch {
	case order.QRRedeemed:
		return nil, apperr.InvalidTransition("voucher for order %s was already redeemed", orderID)
	case !order.HasVoucher() || order.QRPayload == nil:
		return nil, apperr.InvalidTransition("order %s has no voucher", orderID)
	case *order.QRPayload != payload:
		return nil, apperr.Validation("voucher has been superseded")
	case order.QRExpiresAt == nil || !order.QRExpiresAt.After(now):
		return nil, apperr.InvalidTransition("voucher for order %s has expired", orderID)
	}
	if err := db.CanTransition(order.Status, order.PaymentStatus, models.OrderCompleted, models.PaymentPaid); err != nil {
		return nil, err
	}

	if err := s.store.MarkRedeemed(ctx, orderID, payload, now); err != nil {
		if errors.Is(err, db.ErrConditionFailed) {
			return nil, apperr.InvalidTransition("voucher for order %s is no longer redeemable", orderID)
		}
		return nil, apperr.Internal(fmt.Errorf("redeem voucher: %w", err))
	}
	s.logger.LogOrder("REDEEM", orderID, "voucher redeemed by "+id.UserID)
	completed, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.publish(kafka.TopicOrderCompleted, completed, 0)
	return completed, nil
}

// HandleVoucherScan redeems a voucher reported by a lab scanning app over Kafka.
func (s *Service) HandleVoucherScan(ctx context.Context, event models.VoucherScanEvent) error {
	scanner := &auth.Identity{UserID: event.ScannedBy, Role: auth.RoleLabAdmin, LabID: event.LabID}
	if scanner.UserID == "" {
		scanner.UserID = "scanner:" + event.LabID
	}
	_, err := s.RedeemVoucher(ctx, scanner, event.Payload)
	return err
}
