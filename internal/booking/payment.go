package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/kafka"
	"milabs-booking/internal/models"
	"milabs-booking/internal/notification"
	"milabs-booking/internal/order/db"
	"milabs-booking/internal/payment"
	"milabs-booking/internal/voucher"
)

// InitiatePayment opens a gateway session for the stored order total. Calling it again
// for a still-pending order opens a fresh session and replaces the recorded ref.
func (s *Service) InitiatePayment(ctx context.Context, id *auth.Identity, orderID, gatewayName string) (*models.PaymentSession, error) {
	if id == nil {
		return nil, apperr.Unauthenticated()
	}
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canManage(id, order) {
		return nil, apperr.Unauthorized("not allowed to pay for order %s", orderID)
	}
	if order.Status != models.OrderPending || order.PaymentStatus != models.PaymentPending {
		return nil, apperr.InvalidTransition("order %s is %s/%s and cannot be paid", orderID, order.Status, order.PaymentStatus)
	}

	if gatewayName == "" {
		gatewayName = order.PaymentMethod
	}
	gw, err := s.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	email := ""
	if user, err := s.store.GetUser(ctx, order.UserID); err == nil {
		email = user.Email
	} else if isOwner(id, order) {
		email = id.Email
	}

	amountMinor := payment.ToMinorUnits(order.TotalAmount)
	sess, err := gw.CreateSession(ctx, payment.SessionRequest{
		OrderID:       order.ID,
		AmountMinor:   amountMinor,
		Currency:      s.cfg.Currency,
		CustomerEmail: email,
	})
	if err != nil {
		s.logger.LogPayment(gw.Name(), order.ID, fmt.Sprintf("session creation failed: %v", err))
		return nil, err
	}

	if err := s.store.SetGatewayRef(ctx, order.ID, gw.Name(), sess.Handle, s.now()); err != nil {
		if errors.Is(err, db.ErrConditionFailed) {
			return nil, apperr.InvalidTransition("order %s changed state while opening payment", orderID)
		}
		return nil, apperr.Internal(fmt.Errorf("record gateway ref: %w", err))
	}

	s.logger.LogPayment(gw.Name(), order.ID, fmt.Sprintf("session %s opened for %d minor units", sess.Handle, amountMinor))
	return &models.PaymentSession{
		OrderID:      order.ID,
		Gateway:      gw.Name(),
		Handle:       sess.Handle,
		RedirectURL:  sess.RedirectURL,
		ClientParams: sess.ClientParams,
		AmountMinor:  amountMinor,
		Currency:     s.cfg.Currency,
	}, nil
}

// VerifyAndConfirm checks the gateway proof and confirms the order. Repeating a
// successful call returns the same order without side effects.
func (s *Service) VerifyAndConfirm(ctx context.Context, id *auth.Identity, orderID, gatewayName string, proof models.PaymentVerification) (*models.Order, error) {
	if id == nil {
		return nil, apperr.Unauthenticated()
	}
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canManage(id, order) {
		return nil, apperr.Unauthorized("not allowed to confirm order %s", orderID)
	}
	return s.confirm(ctx, id, order, gatewayName, proof)
}

func (s *Service) confirm(ctx context.Context, actor *auth.Identity, order *models.Order, gatewayName string, proof models.PaymentVerification) (*models.Order, error) {
	var gw payment.Gateway
	if order.PaymentStatus != models.PaymentPaid {
		if err := db.CanTransition(order.Status, order.PaymentStatus, models.OrderConfirmed, models.PaymentPaid); err != nil {
			return nil, err
		}
		if gatewayName == "" {
			gatewayName = order.PaymentMethod
		}
		var err error
		if gw, err = s.gateways.Get(gatewayName); err != nil {
			return nil, err
		}
	}

	unlock, exclusive := s.lockOrder(ctx, order.ID)
	defer unlock()

	// a concurrent caller may have finished while we waited
	order, err := s.store.GetOrderByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if order.PaymentStatus == models.PaymentPaid {
		return s.repairVoucher(ctx, order, exclusive)
	}
	if gw == nil {
		return nil, apperr.InvalidTransition("order %s is %s/%s and cannot be confirmed", order.ID, order.Status, order.PaymentStatus)
	}

	expectedRef := ""
	if order.GatewayRef != nil {
		expectedRef = *order.GatewayRef
	}
	verified, err := gw.Verify(ctx, payment.Verification{
		OrderID:          order.ID,
		ExpectedRef:      expectedRef,
		AmountMinor:      payment.ToMinorUnits(order.TotalAmount),
		GatewayOrderID:   proof.GatewayOrderID,
		GatewayPaymentID: proof.GatewayPaymentID,
		Signature:        proof.Signature,
		SessionID:        proof.SessionID,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrSignatureMismatch) {
			s.logger.LogSecurity("PAYMENT_VERIFICATION_FAILED", fmt.Sprintf("order=%s user=%s gateway=%s: %v", order.ID, order.UserID, gw.Name(), err))
		}
		return nil, err
	}

	now := s.now()
	if err := s.store.ConfirmPayment(ctx, order.ID, verified.PaymentID, verified.GatewayRef, now); err != nil {
		if !errors.Is(err, db.ErrConditionFailed) {
			return nil, apperr.Internal(fmt.Errorf("confirm payment: %w", err))
		}
		current, gerr := s.store.GetOrderByID(ctx, order.ID)
		if gerr != nil {
			return nil, gerr
		}
		if current.PaymentStatus == models.PaymentPaid {
			s.logger.LogPayment(gw.Name(), order.ID, "already confirmed by a concurrent request")
			return current, nil
		}
		return nil, apperr.InvalidTransition("order %s is %s/%s and cannot be confirmed", order.ID, current.Status, current.PaymentStatus)
	}
	s.logger.LogPayment(gw.Name(), order.ID, fmt.Sprintf("payment %s confirmed by %s", verified.PaymentID, actor.UserID))

	v, err := s.attachVoucher(ctx, order.ID, now)
	if err != nil {
		// payment stays confirmed; the next verify call retries the voucher
		s.logger.Error("VOUCHER", fmt.Sprintf("Order %s paid but voucher not attached: %v", order.ID, err))
		return nil, err
	}

	confirmed, err := s.store.GetOrderByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		// lost the attach to a repair on another instance; mail the stored voucher
		v = storedVoucher(confirmed)
	}
	s.sendConfirmation(confirmed, v)
	s.publish(kafka.TopicOrderConfirmed, confirmed, 0)
	return confirmed, nil
}

// repairVoucher handles a paid order seen again. If an earlier call crashed between
// confirming and attaching, only the voucher attach is redone. Without exclusive
// access the order must have been idle for RepairAfter, so an in-flight confirm on
// another instance is not raced.
func (s *Service) repairVoucher(ctx context.Context, order *models.Order, exclusive bool) (*models.Order, error) {
	if order.HasVoucher() || order.Status != models.OrderConfirmed {
		return order, nil
	}
	if !exclusive && s.now().Sub(order.UpdatedAt) < s.cfg.RepairAfter {
		s.logger.LogOrder("REPAIR", order.ID, "voucher may still be in flight, not re-issuing")
		return order, nil
	}

	s.logger.LogOrder("REPAIR", order.ID, "paid order has no voucher, issuing one")
	if _, err := s.attachVoucher(ctx, order.ID, s.now()); err != nil {
		return nil, err
	}
	return s.store.GetOrderByID(ctx, order.ID)
}

// attachVoucher returns nil, nil when another request attached a voucher first.
func (s *Service) attachVoucher(ctx context.Context, orderID string, issuedAt time.Time) (*voucher.Voucher, error) {
	v, err := s.vouchers.Generate(orderID, issuedAt)
	if err != nil {
		return nil, err
	}
	err = s.store.AttachVoucher(ctx, orderID, v.Image, v.Payload, v.ExpiresAt, issuedAt)
	if errors.Is(err, db.ErrConditionFailed) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("attach voucher: %w", err))
	}
	s.logger.LogOrder("VOUCHER", orderID, fmt.Sprintf("issued, expires %s", v.ExpiresAt.Format(time.RFC3339)))
	return v, nil
}

func storedVoucher(order *models.Order) *voucher.Voucher {
	if order.QRCode == nil || order.QRPayload == nil || order.QRExpiresAt == nil {
		return nil
	}
	return &voucher.Voucher{Payload: *order.QRPayload, Image: *order.QRCode, ExpiresAt: *order.QRExpiresAt}
}

// sendConfirmation emails the patient in the background. Failures are only logged:
// a lost email must never undo a paid booking.
func (s *Service) sendConfirmation(order *models.Order, v *voucher.Voucher) {
	if s.notifier == nil {
		return
	}
	s.goAsync("confirmation email for "+order.ID, func(ctx context.Context) error {
		user, err := s.store.GetUser(ctx, order.UserID)
		if err != nil {
			return fmt.Errorf("load user %s: %w", order.UserID, err)
		}

		data := notification.ConfirmationData{
			PatientName: user.FullName,
			OrderID:     order.ID,
			LabName:     order.LabID,
			BookingDate: order.BookingDate,
			Amount:      order.TotalAmount,
			Currency:    s.cfg.Currency,
		}
		if order.SlotTime != nil {
			data.SlotTime = *order.SlotTime
		}
		if lab, err := s.store.GetLab(ctx, order.LabID); err == nil {
			data.LabName = lab.Name
		}

		var inline []notification.Attachment
		if v != nil {
			png, err := v.PNG()
			if err != nil {
				return err
			}
			data.HasVoucher = true
			data.ExpiresAt = v.ExpiresAt
			inline = append(inline, notification.Attachment{Name: notification.VoucherCID, ContentType: "image/png", Data: png})
		}

		msg, err := notification.RenderConfirmation(data)
		if err != nil {
			return err
		}
		msg.To = user.Email
		msg.Inline = inline
		return s.notifier.Send(ctx, msg)
	})
}

// HandleStripeWebhook applies signed Stripe events. Completed checkouts go through the
// same confirmation path as client verification, so replays are harmless.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if s.webhooks == nil {
		return apperr.Internal(errors.New("stripe webhooks are not configured"))
	}

	event, err := s.webhooks.ParseWebhook(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, apperr.ErrSignatureMismatch) {
			s.logger.LogSecurity("WEBHOOK_SIGNATURE", err.Error())
		}
		return err
	}

	switch event.Type {
	case payment.EventCheckoutCompleted:
		if event.OrderID == "" {
			s.logger.Warn("WEBHOOK", fmt.Sprintf("Event %s has no order reference, ignoring", event.ID))
			return nil
		}
		if !event.Paid {
			s.logger.LogPayment(payment.GatewayStripe, event.OrderID, "checkout completed but payment not settled yet")
			return nil
		}

		order, err := s.store.GetOrderByID(ctx, event.OrderID)
		if errors.Is(err, apperr.ErrOrderNotFound) {
			s.logger.Warn("WEBHOOK", fmt.Sprintf("Event %s references unknown order %s", event.ID, event.OrderID))
			return nil
		}
		if err != nil {
			return err
		}
		if order.Status == models.OrderCancelled {
			s.logger.LogSecurity("PAID_CANCELLED_ORDER", fmt.Sprintf("stripe session %s paid for cancelled order %s, needs refund", event.SessionID, order.ID))
			return nil
		}

		_, err = s.confirm(ctx, auth.SystemIdentity(payment.GatewayStripe), order, payment.GatewayStripe, models.PaymentVerification{SessionID: event.SessionID})
		return err

	case payment.EventCheckoutExpired:
		// the order stays pending so the patient can start a new checkout
		s.logger.LogPayment(payment.GatewayStripe, event.OrderID, fmt.Sprintf("checkout session %s expired", event.SessionID))
		return nil

	default:
		s.logger.Debug("WEBHOOK", fmt.Sprintf("Ignoring event %s of type %s", event.ID, event.Type))
		return nil
	}
}
