// Package reminder nudges patients who have paid but not yet visited the lab.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"milabs-booking/internal/kafka"
	"milabs-booking/internal/logger"
	"milabs-booking/internal/models"
	"milabs-booking/internal/notification"
	orderredis "milabs-booking/internal/order/redis"
)

type Store interface {
	ListReminderCandidates(ctx context.Context, now time.Time) ([]*models.Order, error)
	AdvanceReminder(ctx context.Context, id string, threshold int, now time.Time) (bool, error)
	ReleaseReminder(ctx context.Context, id string, threshold, previous int, now time.Time) error
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type SweepLocker interface {
	LockSweep(ctx context.Context) (func(), error)
}

type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, topic string, event models.BookingEvent) error
}

type Scheduler struct {
	store    Store
	notifier notification.Notifier
	events   EventPublisher
	locks    SweepLocker
	logger   *logger.Logger

	nowFunc func() time.Time
}

// NewScheduler wires the sweep. events and locks may be nil.
func NewScheduler(store Store, notifier notification.Notifier, events EventPublisher, locks SweepLocker, log *logger.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		notifier: notifier,
		events:   events,
		locks:    locks,
		logger:   log,
		nowFunc:  time.Now,
	}
}

// RunReminderSweep sends at most one reminder per eligible order: the highest threshold
// reached that was not sent before. Failures are per order; the batch always continues.
func (s *Scheduler) RunReminderSweep(ctx context.Context) ([]models.ReminderFired, error) {
	fired := make([]models.ReminderFired, 0)

	if s.locks != nil {
		unlock, err := s.locks.LockSweep(ctx)
		switch {
		case errors.Is(err, orderredis.ErrNotAcquired):
			s.logger.Info("REMINDER", "Another sweep is running, skipping")
			return fired, nil
		case err != nil:
			// the conditional advance still prevents duplicate reminders
			s.logger.Warn("REMINDER", fmt.Sprintf("Sweep lock unavailable, continuing without it: %v", err))
		default:
			defer unlock()
		}
	}

	now := s.nowFunc().UTC()
	candidates, err := s.store.ListReminderCandidates(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	s.logger.Debug("REMINDER", fmt.Sprintf("Sweep at %s: %d candidate orders", now.Format(time.RFC3339), len(candidates)))

	for _, order := range candidates {
		if ctx.Err() != nil {
			break
		}
		if !order.ReminderEligible(now) {
			continue
		}
		threshold := order.DueReminder(now)
		if threshold == 0 {
			continue
		}

		// claim the threshold before sending so overlapping sweeps never both send
		claimed, err := s.store.AdvanceReminder(ctx, order.ID, threshold, now)
		if err != nil {
			s.logger.Error("REMINDER", err.Error())
			continue
		}
		if !claimed {
			s.logger.LogReminder(order.ID, threshold, "already claimed by another sweep")
			continue
		}

		if err := s.remind(ctx, order, threshold, now); err != nil {
			s.logger.Error("REMINDER", fmt.Sprintf("Order %s day %d reminder failed: %v", order.ID, threshold, err))
			if rerr := s.store.ReleaseReminder(ctx, order.ID, threshold, order.LastReminderSent, now); rerr != nil {
				s.logger.Error("REMINDER", fmt.Sprintf("Order %s day %d claim not released, reminder skipped: %v", order.ID, threshold, rerr))
			}
			continue
		}

		s.logger.LogReminder(order.ID, threshold, "sent")
		fired = append(fired, models.ReminderFired{OrderID: order.ID, Threshold: threshold})
		s.publish(ctx, order, threshold, now)
	}

	s.logger.Info("REMINDER", fmt.Sprintf("Sweep finished: %d reminders sent out of %d candidates", len(fired), len(candidates)))
	return fired, nil
}

func (s *Scheduler) remind(ctx context.Context, order *models.Order, threshold int, now time.Time) error {
	user, err := s.store.GetUser(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("load user %s: %w", order.UserID, err)
	}

	expiresAt := *order.QRExpiresAt
	msg, err := notification.RenderReminder(notification.ReminderData{
		PatientName: user.FullName,
		OrderID:     order.ID,
		Threshold:   threshold,
		DaysLeft:    int(expiresAt.Sub(now) / (24 * time.Hour)),
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return err
	}
	msg.To = user.Email
	return s.notifier.Send(ctx, msg)
}

func (s *Scheduler) publish(ctx context.Context, order *models.Order, threshold int, now time.Time) {
	if s.events == nil {
		return
	}
	err := s.events.PublishBookingEvent(ctx, kafka.TopicReminderSent, models.BookingEvent{
		Type:      kafka.TopicReminderSent,
		OrderID:   order.ID,
		UserID:    order.UserID,
		LabID:     order.LabID,
		Status:    string(order.Status),
		Amount:    order.TotalAmount,
		Threshold: threshold,
		Timestamp: now,
	})
	if err != nil {
		s.logger.Warn("REMINDER", fmt.Sprintf("Reminder event for order %s not published: %v", order.ID, err))
	}
}
