package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/models"

	"github.com/uptrace/bun"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// DB is the only writer of order status, payment status, voucher and reminder columns.
// Every state change is a guarded UPDATE so concurrent callers cannot both win.
type DB struct {
	Bun *bun.DB
}

func New(bunDB *bun.DB) *DB {
	return &DB{Bun: bunDB}
}

// ---------------- ORDERS ----------------

// CreateOrderWithItems inserts the order and its items in one transaction.
func (d *DB) CreateOrderWithItems(ctx context.Context, order *models.Order) error {
	return d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(order).Exec(ctx); err != nil {
			return fmt.Errorf("insert order %s: %w", order.ID, err)
		}
		if len(order.Items) == 0 {
			return nil
		}
		for _, item := range order.Items {
			item.OrderID = order.ID
		}
		if _, err := tx.NewInsert().Model(&order.Items).Exec(ctx); err != nil {
			return fmt.Errorf("insert items for order %s: %w", order.ID, err)
		}
		return nil
	})
}

// GetOrderByID → fetch one order with its items
func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Relation("Items").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.OrderNotFound(id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return &order, nil
}

// ListOrders → newest first, filtered
func (d *DB) ListOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	orders := make([]*models.Order, 0)
	q := d.Bun.NewSelect().
		Model(&orders).
		Relation("Items").
		OrderExpr("?TableAlias.created_at DESC").
		Limit(limit).
		Offset(filter.Offset)

	if filter.UserID != "" {
		q = q.Where("?TableAlias.user_id = ?", filter.UserID)
	}
	if filter.LabID != "" {
		q = q.Where("?TableAlias.lab_id = ?", filter.LabID)
	}
	if filter.Status != "" {
		q = q.Where("?TableAlias.status = ?", filter.Status)
	}
	if filter.PaymentStatus != "" {
		q = q.Where("?TableAlias.payment_status = ?", filter.PaymentStatus)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// ---------------- GUARDED UPDATES ----------------

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConditionFailed
	}
	return nil
}

// SetGatewayRef records the gateway session handle. Only touches unpaid, pending orders.
func (d *DB) SetGatewayRef(ctx context.Context, id, method, ref string, now time.Time) error {
	return checkAffected(d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("gateway_ref = ?", ref).
		Set("payment_method = ?", method).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("payment_status = ?", models.PaymentPending).
		Where("status = ?", models.OrderPending).
		Exec(ctx))
}

// ConfirmPayment moves (pending, pending) → (confirmed, paid). ErrConditionFailed means
// another caller already moved the order.
func (d *DB) ConfirmPayment(ctx context.Context, id, paymentID, gatewayRef string, now time.Time) error {
	return checkAffected(d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", models.OrderConfirmed).
		Set("payment_status = ?", models.PaymentPaid).
		Set("payment_id = ?", paymentID).
		Set("gateway_ref = ?", gatewayRef).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("payment_status = ?", models.PaymentPending).
		Where("status = ?", models.OrderPending).
		Exec(ctx))
}

// AttachVoucher sets the voucher once. A second attach for the same order fails the guard.
func (d *DB) AttachVoucher(ctx context.Context, id, image, payload string, expiresAt, now time.Time) error {
	return checkAffected(d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("qr_code = ?", image).
		Set("qr_payload = ?", payload).
		Set("qr_expires_at = ?", expiresAt).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("payment_status = ?", models.PaymentPaid).
		Where("status = ?", models.OrderConfirmed).
		Where("qr_code IS NULL").
		Exec(ctx))
}

// MarkRedeemed moves (confirmed, paid) → (completed, paid) for the current, unexpired voucher.
func (d *DB) MarkRedeemed(ctx context.Context, id, payload string, now time.Time) error {
	return checkAffected(d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", models.OrderCompleted).
		Set("qr_redeemed = ?", true).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("payment_status = ?", models.PaymentPaid).
		Where("status = ?", models.OrderConfirmed).
		Where("qr_redeemed = ?", false).
		Where("qr_payload = ?", payload).
		Where("qr_expires_at > ?", now).
		Exec(ctx))
}

// CancelOrder moves (pending, pending) → (cancelled, pending).
func (d *DB) CancelOrder(ctx context.Context, id string, now time.Time) error {
	return checkAffected(d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("status = ?", models.OrderCancelled).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("payment_status = ?", models.PaymentPending).
		Where("status = ?", models.OrderPending).
		Exec(ctx))
}

// ---------------- REMINDERS ----------------

// ListReminderCandidates returns paid, confirmed, unredeemed orders whose voucher is
// still valid at now and that have not yet had the final reminder.
func (d *DB) ListReminderCandidates(ctx context.Context, now time.Time) ([]*models.Order, error) {
	orders := make([]*models.Order, 0)
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("payment_status = ?", models.PaymentPaid).
		Where("status = ?", models.OrderConfirmed).
		Where("qr_redeemed = ?", false).
		Where("qr_expires_at > ?", now).
		Where("last_reminder_sent < ?", models.ReminderThresholds[0]).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	return orders, nil
}

// AdvanceReminder raises last_reminder_sent to threshold. Returns false when another
// sweep already recorded this or a later threshold.
func (d *DB) AdvanceReminder(ctx context.Context, id string, threshold int, now time.Time) (bool, error) {
	err := checkAffected(d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("last_reminder_sent = ?", threshold).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("last_reminder_sent < ?", threshold).
		Exec(ctx))
	if errors.Is(err, ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("advance reminder for order %s: %w", id, err)
	}
	return true, nil
}

// ReleaseReminder undoes a claimed threshold whose reminder could not be sent. It only
// applies while the order still records exactly that threshold.
func (d *DB) ReleaseReminder(ctx context.Context, id string, threshold, previous int, now time.Time) error {
	err := checkAffected(d.Bun.NewUpdate().
		Model((*models.Order)(nil)).
		Set("last_reminder_sent = ?", previous).
		Set("updated_at = ?", now).
		Where("id = ?", id).
		Where("last_reminder_sent = ?", threshold).
		Exec(ctx))
	if err != nil && !errors.Is(err, ErrConditionFailed) {
		return fmt.Errorf("release reminder for order %s: %w", id, err)
	}
	return err
}

// ---------------- CATALOG / USERS ----------------

func (d *DB) GetLab(ctx context.Context, id string) (*models.Lab, error) {
	var lab models.Lab
	err := d.Bun.NewSelect().Model(&lab).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("lab %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get lab %s: %w", id, err)
	}
	return &lab, nil
}

func (d *DB) LabExists(ctx context.Context, labID string) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.Lab)(nil)).
		Where("id = ?", labID).
		Where("active = ?", true).
		Exists(ctx)
}

// GetTests returns the active tests among ids. Missing ids are simply absent.
func (d *DB) GetTests(ctx context.Context, ids []string) ([]*models.LabTest, error) {
	tests := make([]*models.LabTest, 0, len(ids))
	if len(ids) == 0 {
		return tests, nil
	}
	err := d.Bun.NewSelect().
		Model(&tests).
		Where("id IN (?)", bun.In(ids)).
		Where("active = ?", true).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get tests: %w", err)
	}
	return tests, nil
}

func (d *DB) GetPackages(ctx context.Context, ids []string) ([]*models.Package, error) {
	pkgs := make([]*models.Package, 0, len(ids))
	if len(ids) == 0 {
		return pkgs, nil
	}
	err := d.Bun.NewSelect().
		Model(&pkgs).
		Where("id IN (?)", bun.In(ids)).
		Where("active = ?", true).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get packages: %w", err)
	}
	return pkgs, nil
}

func (d *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := d.Bun.NewSelect().Model(&user).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &user, nil
}

func (d *DB) Ping(ctx context.Context) error {
	return d.Bun.PingContext(ctx)
}
