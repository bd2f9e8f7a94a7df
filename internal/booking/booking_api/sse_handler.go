package booking_api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"milabs-booking/internal/apperr"
	"milabs-booking/internal/auth"
	"milabs-booking/internal/models"

	"github.com/go-chi/chi/v5"
)

type LabSubscriber interface {
	SubscribeToLab(ctx context.Context, labID string) <-chan models.BookingEvent
}

var heartbeatInterval = 25 * time.Second

// StreamLabBookings pushes booking lifecycle events for one lab to a dashboard.
func (h *Handler) StreamLabBookings(w http.ResponseWriter, r *http.Request) {
	labID := chi.URLParam(r, "labId")
	id := auth.FromContext(r.Context())

	allowed := id.Can(auth.CapViewAllBookings) || (id.Can(auth.CapViewLabBookings) && id.LabID == labID)
	if !allowed {
		h.writeError(w, r, apperr.Unauthorized("cannot view bookings of lab %s", labID))
		return
	}
	if h.Feed == nil {
		h.writeError(w, r, apperr.NotFound("live booking feed is disabled"))
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout would otherwise cut long-lived streams
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	events := h.Feed.SubscribeToLab(ctx, labID)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"labId\":%q}\n\n", labID)
	if err := rc.Flush(); err != nil {
		h.Logger.Error("SSE", fmt.Sprintf("Streaming not supported: %v", err))
		return
	}
	h.Logger.Info("SSE", fmt.Sprintf("Dashboard %s connected to lab %s", id.UserID, labID))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize booking event: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			if err := rc.Flush(); err != nil {
				return
			}

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			if err := rc.Flush(); err != nil {
				return
			}

		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("Dashboard %s disconnected from lab %s", id.UserID, labID))
			return
		}
	}
}
