package db

import (
	"errors"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/models"
)

// ErrConditionFailed is returned when a guarded UPDATE matched no rows because the
// order is no longer in the expected state.
var ErrConditionFailed = errors.New("order state changed concurrently")

type orderState struct {
	status  models.OrderStatus
	payment models.PaymentStatus
}

var transitions = map[orderState][]orderState{
	{models.OrderPending, models.PaymentPending}: {
		{models.OrderConfirmed, models.PaymentPaid},
		{models.OrderCancelled, models.PaymentPending},
	},
	{models.OrderConfirmed, models.PaymentPaid}: {
		{models.OrderCompleted, models.PaymentPaid},
	},
}

// CanTransition reports whether an order may move between the two (status, payment_status) pairs.
func CanTransition(fromStatus models.OrderStatus, fromPayment models.PaymentStatus, toStatus models.OrderStatus, toPayment models.PaymentStatus) error {
	for _, next := range transitions[orderState{fromStatus, fromPayment}] {
		if next.status == toStatus && next.payment == toPayment {
			return nil
		}
	}
	return apperr.InvalidTransition("order cannot move from (%s, %s) to (%s, %s)", fromStatus, fromPayment, toStatus, toPayment)
}
