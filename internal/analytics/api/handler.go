package analytics_api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"milabs-booking/internal/analytics"
	"milabs-booking/internal/apperr"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/logger"
	"milabs-booking/internal/utils"

	"github.com/go-chi/chi/v5"
)

type LabAnalyticsService interface {
	GetLabAnalytics(ctx context.Context, id *auth.Identity, labID string, from, to time.Time) (*analytics.LabAnalytics, error)
}

// Handler serves lab dashboard analytics. Routes expect auth.Middleware upstream.
type Handler struct {
	Service LabAnalyticsService
	Logger  *logger.Logger
}

func NewHandler(service LabAnalyticsService, logger *logger.Logger) *Handler {
	return &Handler{Service: service, Logger: logger}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/labs/{labId}/analytics", h.GetLabAnalytics)
}

// GetLabAnalytics accepts from and to as YYYY-MM-DD or RFC 3339. A date-only
// "to" includes that whole day.
func (h *Handler) GetLabAnalytics(w http.ResponseWriter, r *http.Request) {
	labID := chi.URLParam(r, "labId")
	q := r.URL.Query()

	from, err := parseBound(q.Get("from"), false)
	if err != nil {
		h.writeError(w, r, apperr.ValidationFields(map[string]string{"from": err.Error()}))
		return
	}
	to, err := parseBound(q.Get("to"), true)
	if err != nil {
		h.writeError(w, r, apperr.ValidationFields(map[string]string{"to": err.Error()}))
		return
	}

	result, err := h.Service.GetLabAnalytics(r.Context(), auth.FromContext(r.Context()), labID, from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	utils.WriteSuccess(w, http.StatusOK, "Lab analytics retrieved", result)
}

func parseBound(v string, endOfDay bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		if endOfDay {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("ANALYTICS", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
	}

	errText := string(apperr.KindOf(err))
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		errText = string(apperr.KindInternal)
	}
	utils.WriteError(w, status, apperr.PublicMessage(err), errText, apperr.FieldErrors(err))
}
