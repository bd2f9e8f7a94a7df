package analytics

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// DB runs the aggregate queries behind lab analytics. Every query is scoped to
// one lab and a half-open [from, to) window on created_at.
type DB struct {
	bun *bun.DB
}

func NewDB(db *bun.DB) *DB {
	return &DB{bun: db}
}

// StatusCountData is one (status, payment_status) bucket.
type StatusCountData struct {
	Status        string  `bun:"status"`
	PaymentStatus string  `bun:"payment_status"`
	Orders        int     `bun:"orders"`
	Amount        float64 `bun:"amount"`
}

func (db *DB) GetStatusCounts(ctx context.Context, labID string, from, to time.Time) ([]StatusCountData, error) {
	var rows []StatusCountData
	err := db.bun.NewSelect().
		TableExpr("orders").
		ColumnExpr("status").
		ColumnExpr("payment_status").
		ColumnExpr("COUNT(*) AS orders").
		ColumnExpr("COALESCE(SUM(total_amount), 0) AS amount").
		Where("lab_id = ?", labID).
		Where("created_at >= ? AND created_at < ?", from, to).
		GroupExpr("status, payment_status").
		OrderExpr("status, payment_status").
		Scan(ctx, &rows)
	return rows, err
}

// DailyBookingData is one calendar day (UTC) of bookings.
type DailyBookingData struct {
	Day      string  `bun:"day"`
	Bookings int     `bun:"bookings"`
	Paid     int     `bun:"paid"`
	Revenue  float64 `bun:"revenue"`
}

func (db *DB) GetDailyBookings(ctx context.Context, labID string, from, to time.Time) ([]DailyBookingData, error) {
	var rows []DailyBookingData
	err := db.bun.NewRaw(`
		SELECT
			CAST(DATE(created_at) AS TEXT) AS day,
			COUNT(*) AS bookings,
			SUM(CASE WHEN payment_status = 'paid' THEN 1 ELSE 0 END) AS paid,
			COALESCE(SUM(CASE WHEN payment_status = 'paid' THEN total_amount ELSE 0 END), 0) AS revenue
		FROM
			orders
		WHERE
			lab_id = ? AND created_at >= ? AND created_at < ?
		GROUP BY
			DATE(created_at)
		ORDER BY
			DATE(created_at)
	`, labID, from, to).Scan(ctx, &rows)
	return rows, err
}

// VoucherData counts vouchers issued in the window by outcome as of now.
type VoucherData struct {
	Issued   int `bun:"issued"`
	Redeemed int `bun:"redeemed"`
	Expired  int `bun:"expired"`
}

func (db *DB) GetVoucherStats(ctx context.Context, labID string, from, to, now time.Time) (VoucherData, error) {
	var v VoucherData
	err := db.bun.NewRaw(`
		SELECT
			COUNT(*) AS issued,
			COALESCE(SUM(CASE WHEN qr_redeemed THEN 1 ELSE 0 END), 0) AS redeemed,
			COALESCE(SUM(CASE WHEN NOT qr_redeemed AND qr_expires_at <= ? THEN 1 ELSE 0 END), 0) AS expired
		FROM
			orders
		WHERE
			lab_id = ? AND created_at >= ? AND created_at < ? AND qr_expires_at IS NOT NULL
	`, now, labID, from, to).Scan(ctx, &v)
	return v, err
}
