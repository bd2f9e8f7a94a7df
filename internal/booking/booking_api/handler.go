package booking_api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/booking"
	"milabs-booking/internal/logger"
	"milabs-booking/internal/models"
	"milabs-booking/internal/utils"

	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request and webhook bodies.
const maxBodyBytes = 1 << 16

type BookingService interface {
	CreateOrder(ctx context.Context, id *auth.Identity, in booking.CreateOrderInput) (*models.Order, error)
	GetOrders(ctx context.Context, id *auth.Identity, filter models.OrderFilter) ([]*models.Order, error)
	GetOrder(ctx context.Context, id *auth.Identity, orderID string) (*models.Order, error)
	InitiatePayment(ctx context.Context, id *auth.Identity, orderID, gateway string) (*models.PaymentSession, error)
	VerifyAndConfirm(ctx context.Context, id *auth.Identity, orderID, gateway string, proof models.PaymentVerification) (*models.Order, error)
	CancelOrder(ctx context.Context, id *auth.Identity, orderID string) (*models.Order, error)
	RedeemVoucher(ctx context.Context, id *auth.Identity, payload string) (*models.Order, error)
	HandleStripeWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

type ReminderSweeper interface {
	RunReminderSweep(ctx context.Context) ([]models.ReminderFired, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Bookings  BookingService
	Reminders ReminderSweeper
	Health    Pinger
	Feed      LabSubscriber
	CronToken string
	Logger    *logger.Logger
}

type paymentRequest struct {
	Gateway string `json:"gateway"`
}

type verifyRequest struct {
	Gateway string `json:"gateway"`
	models.PaymentVerification
}

type redeemRequest struct {
	Payload string `json:"payload"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateOrderInput
	if !h.decode(w, r, &in) {
		return
	}

	order, err := h.Bookings.CreateOrder(r.Context(), auth.FromContext(r.Context()), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusCreated, "Booking created", order)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.OrderFilter{
		UserID:        q.Get("userId"),
		LabID:         q.Get("labId"),
		Status:        models.OrderStatus(q.Get("status")),
		PaymentStatus: models.PaymentStatus(q.Get("paymentStatus")),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.writeError(w, r, apperr.ValidationFields(map[string]string{"limit": "limit must be a number"}))
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.writeError(w, r, apperr.ValidationFields(map[string]string{"offset": "offset must be a number"}))
		return
	}

	orders, err := h.Bookings.GetOrders(r.Context(), auth.FromContext(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, fmt.Sprintf("%d bookings", len(orders)), orders)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Bookings.GetOrder(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Booking found", order)
}

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	sess, err := h.Bookings.InitiatePayment(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "orderId"), req.Gateway)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Payment session created", sess)
}

func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.Bookings.VerifyAndConfirm(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "orderId"), req.Gateway, req.PaymentVerification)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Payment confirmed", order)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Bookings.CancelOrder(r.Context(), auth.FromContext(r.Context()), chi.URLParam(r, "orderId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Booking cancelled", order)
}

func (h *Handler) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Payload == "" {
		h.writeError(w, r, apperr.ValidationFields(map[string]string{"payload": "payload is required"}))
		return
	}

	order, err := h.Bookings.RedeemVoucher(r.Context(), auth.FromContext(r.Context()), req.Payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Voucher redeemed", order)
}

func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, r, apperr.Validation("webhook body too large or unreadable"))
		return
	}

	if err := h.Bookings.HandleStripeWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Event processed", nil)
}

func (h *Handler) RunReminderSweep(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Cron-Token")
	if h.CronToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.CronToken)) != 1 {
		h.Logger.LogSecurity("INVALID_CRON_TOKEN", fmt.Sprintf("reminder sweep requested from %s", r.RemoteAddr))
		h.writeError(w, r, apperr.Unauthenticated())
		return
	}

	fired, err := h.Reminders.RunReminderSweep(r.Context())
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	utils.WriteSuccess(w, http.StatusOK, fmt.Sprintf("%d reminders sent", len(fired)), fired)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			h.Logger.Error("HEALTH", fmt.Sprintf("Database ping failed: %v", err))
			utils.WriteError(w, http.StatusServiceUnavailable, "Service unavailable", "database unreachable", nil)
			return
		}
	}
	utils.WriteSuccess(w, http.StatusOK, "ok", nil)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.Logger.Debug("API", fmt.Sprintf("%s %s: bad request body: %v", r.Method, r.URL.Path, err))
		h.writeError(w, r, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

// writeError maps the error kind to a status. Internal causes are logged, never returned.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	} else {
		h.Logger.Debug("API", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	}

	errText := string(apperr.KindOf(err))
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		errText = string(apperr.KindInternal)
	}
	utils.WriteError(w, status, apperr.PublicMessage(err), errText, apperr.FieldErrors(err))
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
