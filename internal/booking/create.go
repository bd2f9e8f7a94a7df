package booking

import (
	"context"
	"fmt"
	"time"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/kafka"
	"milabs-booking/internal/models"
	"milabs-booking/internal/utils"
	"milabs-booking/internal/validation"

	"github.com/shopspring/decimal"
)

// totalTolerance is the largest accepted gap between the client's total and ours.
var totalTolerance = decimal.NewFromFloat(0.01)

type CreateOrderItem struct {
	TestID    string  `json:"testId" validate:"required_without=PackageID,excluded_with=PackageID"`
	PackageID string  `json:"packageId"`
	Quantity  int     `json:"quantity" validate:"min=1"`
	Price     float64 `json:"price" validate:"gte=0"`
}

type CreateOrderInput struct {
	// UserID is only honoured for staff booking on behalf of a patient.
	UserID        string            `json:"userId"`
	LabID         string            `json:"labId" validate:"required"`
	Items         []CreateOrderItem `json:"items" validate:"required,min=1,dive"`
	TotalAmount   float64           `json:"totalAmount" validate:"gte=0"`
	BookingDate   time.Time         `json:"bookingDate" validate:"required"`
	SlotTime      string            `json:"slotTime" validate:"omitempty,max=32"`
	PaymentMethod string            `json:"paymentMethod" validate:"required"`
}

// CreateOrder persists a pending order priced from the catalog. Client prices are
// never trusted: the client total only has to agree with ours.
func (s *Service) CreateOrder(ctx context.Context, id *auth.Identity, in CreateOrderInput) (*models.Order, error) {
	if id == nil {
		return nil, apperr.Unauthenticated()
	}
	if !id.Can(auth.CapBookOrder) {
		return nil, apperr.Unauthorized("role %q cannot book orders", id.Role)
	}
	if err := validation.Check(in); err != nil {
		return nil, err
	}
	if !s.gateways.Has(in.PaymentMethod) {
		return nil, apperr.ValidationFields(map[string]string{
			"paymentMethod": fmt.Sprintf("paymentMethod must be one of %v", s.gateways.Names()),
		})
	}

	userID := id.UserID
	if in.UserID != "" && in.UserID != id.UserID {
		if !id.Can(auth.CapBookOnBehalf) {
			return nil, apperr.Unauthorized("cannot book on behalf of another user")
		}
		if _, err := s.store.GetUser(ctx, in.UserID); err != nil {
			return nil, err
		}
		userID = in.UserID
	}

	now := s.now()
	if utils.StartOfDay(in.BookingDate.UTC()).Before(utils.StartOfDay(now)) {
		return nil, apperr.ValidationFields(map[string]string{"bookingDate": "bookingDate cannot be in the past"})
	}

	ok, err := s.store.LabExists(ctx, in.LabID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !ok {
		return nil, apperr.NotFound("lab %s not found", in.LabID)
	}

	items, total, err := s.priceItems(ctx, in)
	if err != nil {
		return nil, err
	}

	if total.Sub(decimal.NewFromFloat(in.TotalAmount)).Abs().GreaterThan(totalTolerance) {
		return nil, apperr.ValidationFields(map[string]string{
			"totalAmount": fmt.Sprintf("totalAmount %.2f does not match the catalog total %s", in.TotalAmount, total.StringFixed(2)),
		})
	}

	var slot *string
	if in.SlotTime != "" {
		slot = &in.SlotTime
	}
	order := &models.Order{
		ID:            utils.GenerateID(),
		UserID:        userID,
		LabID:         in.LabID,
		TotalAmount:   total.InexactFloat64(),
		Status:        models.OrderPending,
		PaymentStatus: models.PaymentPending,
		PaymentMethod: in.PaymentMethod,
		BookingDate:   in.BookingDate.UTC(),
		SlotTime:      slot,
		CreatedAt:     now,
		UpdatedAt:     now,
		Items:         items,
	}

	if err := s.store.CreateOrderWithItems(ctx, order); err != nil {
		return nil, apperr.Internal(fmt.Errorf("create order: %w", err))
	}

	s.logger.LogOrder("CREATE", order.ID, fmt.Sprintf("user=%s lab=%s items=%d total=%.2f", userID, order.LabID, len(items), order.TotalAmount))
	s.publish(kafka.TopicOrderCreated, order, 0)
	return order, nil
}

// priceItems snapshots catalog prices. Every test or package must exist, be active and
// belong to the order's lab.
func (s *Service) priceItems(ctx context.Context, in CreateOrderInput) ([]*models.OrderItem, decimal.Decimal, error) {
	var testIDs, packageIDs []string
	for _, it := range in.Items {
		if it.TestID != "" {
			testIDs = append(testIDs, it.TestID)
		} else {
			packageIDs = append(packageIDs, it.PackageID)
		}
	}

	tests, err := s.store.GetTests(ctx, testIDs)
	if err != nil {
		return nil, decimal.Zero, apperr.Internal(err)
	}
	packages, err := s.store.GetPackages(ctx, packageIDs)
	if err != nil {
		return nil, decimal.Zero, apperr.Internal(err)
	}

	testsByID := make(map[string]*models.LabTest, len(tests))
	for _, t := range tests {
		testsByID[t.ID] = t
	}
	packagesByID := make(map[string]*models.Package, len(packages))
	for _, p := range packages {
		packagesByID[p.ID] = p
	}

	total := decimal.Zero
	items := make([]*models.OrderItem, 0, len(in.Items))
	for _, it := range in.Items {
		item := &models.OrderItem{ID: utils.GenerateID(), Quantity: it.Quantity}

		if it.TestID != "" {
			t, ok := testsByID[it.TestID]
			if !ok || t.LabID != in.LabID {
				return nil, decimal.Zero, apperr.NotFound("test %s is not offered by lab %s", it.TestID, in.LabID)
			}
			testID := t.ID
			item.TestID = &testID
			item.Price = t.Price
		} else {
			p, ok := packagesByID[it.PackageID]
			if !ok || p.LabID != in.LabID {
				return nil, decimal.Zero, apperr.NotFound("package %s is not offered by lab %s", it.PackageID, in.LabID)
			}
			packageID := p.ID
			item.PackageID = &packageID
			item.Price = p.Price
		}

		total = total.Add(decimal.NewFromFloat(item.Price).Mul(decimal.NewFromInt(int64(it.Quantity))))
		items = append(items, item)
	}
	return items, total, nil
}
