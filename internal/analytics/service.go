package analytics

import (
	"context"
	"fmt"
	"time"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultWindow applies when the caller gives no range.
const DefaultWindow = 30 * 24 * time.Hour

// maxWindow bounds a single query.
const maxWindow = 366 * 24 * time.Hour

type Store interface {
	GetStatusCounts(ctx context.Context, labID string, from, to time.Time) ([]StatusCountData, error)
	GetDailyBookings(ctx context.Context, labID string, from, to time.Time) ([]DailyBookingData, error)
	GetVoucherStats(ctx context.Context, labID string, from, to, now time.Time) (VoucherData, error)
}

type Service struct {
	db      Store
	nowFunc func() time.Time
}

func NewService(db Store) *Service {
	return &Service{db: db, nowFunc: time.Now}
}

// LabAnalytics is the dashboard summary for one lab over a window.
type LabAnalytics struct {
	LabID         string            `json:"labId"`
	From          time.Time         `json:"from"`
	To            time.Time         `json:"to"`
	TotalBookings int               `json:"totalBookings"`
	PaidBookings  int               `json:"paidBookings"`
	Revenue       float64           `json:"revenue"`
	ByStatus      []StatusBreakdown `json:"byStatus"`
	Daily         []DailyBookings   `json:"daily"`
	Vouchers      VoucherRedemption `json:"vouchers"`
}

type StatusBreakdown struct {
	Status        models.OrderStatus   `json:"status"`
	PaymentStatus models.PaymentStatus `json:"paymentStatus"`
	Orders        int                  `json:"orders"`
	Amount        float64              `json:"amount"`
}

type DailyBookings struct {
	Date     string  `json:"date"`
	Bookings int     `json:"bookings"`
	Paid     int     `json:"paid"`
	Revenue  float64 `json:"revenue"`
}

type VoucherRedemption struct {
	Issued      int     `json:"issued"`
	Redeemed    int     `json:"redeemed"`
	Expired     int     `json:"expired"`
	Outstanding int     `json:"outstanding"`
	Rate        float64 `json:"redemptionRate"`
}

// GetLabAnalytics summarises bookings of labID created in [from, to). Zero
// bounds default to the last DefaultWindow ending now.
func (s *Service) GetLabAnalytics(ctx context.Context, id *auth.Identity, labID string, from, to time.Time) (*LabAnalytics, error) {
	if id == nil {
		return nil, apperr.Unauthenticated()
	}
	if !id.Can(auth.CapViewAllBookings) && !(id.Can(auth.CapViewLabBookings) && id.LabID == labID) {
		return nil, apperr.Unauthorized("cannot view analytics of lab %s", labID)
	}
	if labID == "" {
		return nil, apperr.Validation("lab id is required")
	}

	now := s.nowFunc().UTC()
	if to.IsZero() {
		to = now
	}
	if from.IsZero() {
		from = to.Add(-DefaultWindow)
	}
	from, to = from.UTC(), to.UTC()
	if !from.Before(to) {
		return nil, apperr.Validation("from must be before to")
	}
	if to.Sub(from) > maxWindow {
		return nil, apperr.Validation("range cannot exceed %d days", int(maxWindow.Hours()/24))
	}

	counts, err := s.db.GetStatusCounts(ctx, labID, from, to)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("status counts for lab %s: %w", labID, err))
	}
	daily, err := s.db.GetDailyBookings(ctx, labID, from, to)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("daily bookings for lab %s: %w", labID, err))
	}
	vouchers, err := s.db.GetVoucherStats(ctx, labID, from, to, now)
	if err != nil {
		return nil, apperr.Internal(fmt.Errorf("voucher stats for lab %s: %w", labID, err))
	}

	result := &LabAnalytics{
		LabID:    labID,
		From:     from,
		To:       to,
		ByStatus: make([]StatusBreakdown, 0, len(counts)),
		Daily:    make([]DailyBookings, 0, len(daily)),
	}

	revenue := decimal.Zero
	for _, c := range counts {
		result.TotalBookings += c.Orders
		if models.PaymentStatus(c.PaymentStatus) == models.PaymentPaid {
			result.PaidBookings += c.Orders
			revenue = revenue.Add(decimal.NewFromFloat(c.Amount))
		}
		result.ByStatus = append(result.ByStatus, StatusBreakdown{
			Status:        models.OrderStatus(c.Status),
			PaymentStatus: models.PaymentStatus(c.PaymentStatus),
			Orders:        c.Orders,
			Amount:        round2(c.Amount),
		})
	}
	result.Revenue = revenue.Round(2).InexactFloat64()

	for _, d := range daily {
		result.Daily = append(result.Daily, DailyBookings{
			Date:     d.Day,
			Bookings: d.Bookings,
			Paid:     d.Paid,
			Revenue:  round2(d.Revenue),
		})
	}

	result.Vouchers = VoucherRedemption{
		Issued:      vouchers.Issued,
		Redeemed:    vouchers.Redeemed,
		Expired:     vouchers.Expired,
		Outstanding: vouchers.Issued - vouchers.Redeemed - vouchers.Expired,
	}
	if vouchers.Issued > 0 {
		result.Vouchers.Rate = decimal.NewFromInt(int64(vouchers.Redeemed)).
			Div(decimal.NewFromInt(int64(vouchers.Issued))).
			Round(4).InexactFloat64()
	}

	return result, nil
}

func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
