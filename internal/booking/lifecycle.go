package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telaclinic/booking-service/internal/config"
	"github.com/telaclinic/booking-service/internal/metrics"
	redisclient "github.com/telaclinic/booking-service/internal/redis"
)

const (
	RefundFull    = "full_refund"
	RefundPartial = "partial_refund"
)

// Lifecycle performs post-confirmation transitions: cancellation,
// rescheduling and administrative status updates.
type Lifecycle struct {
	repo     Repository
	locker   redisclient.Locker
	notifier Notifier
	metrics  *metrics.BookingMetrics
	cfg      config.Config
	log      *zap.Logger
	now      func() time.Time
}

func NewLifecycle(repo Repository, locker redisclient.Locker, notifier Notifier, m *metrics.BookingMetrics, cfg config.Config, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Cancel moves a confirmed appointment to canceled and releases its slot in
// one transaction. Patient-initiated cancellation is rejected inside the
// notice window; admin-initiated cancellation always succeeds and records the
// refund-policy outcome instead.
func (l *Lifecycle) Cancel(ctx context.Context, appointmentID uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	detail, err := l.repo.GetAppointmentDetail(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	if detail.Status != StatusConfirmed {
		return nil, ErrInvalidStatusTransition
	}
	if err := l.checkActor(actor, detail); err != nil {
		return nil, err
	}

	notice := detail.Slot.StartTime.Sub(l.now())
	if actor.Kind == ActorPatient && notice < l.cfg.CancelNotice {
		return nil, fmt.Errorf("%w: cancellation requires %s notice", ErrNoticeWindowClosed, l.cfg.CancelNotice)
	}

	refund := RefundPartial
	if notice >= l.cfg.RefundFullNotice {
		refund = RefundFull
	}
	if reason == "" {
		reason = "canceled by " + string(actor.Kind)
	}

	var updated *Appointment
	err = l.repo.InTx(ctx, func(tx Repository) error {
		appt, err := tx.UpdateAppointmentStatus(ctx, appointmentID, StatusConfirmed, StatusCanceled)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				// Lost a race with another lifecycle operation.
				return ErrInvalidStatusTransition
			}
			return fmt.Errorf("cancel appointment: %w", err)
		}

		if err := tx.MergeAppointmentMetadata(ctx, appointmentID, map[string]any{
			"canceledAt":    l.now().Format(time.RFC3339),
			"cancelReason":  reason,
			"canceledBy":    string(actor.Kind),
			"refundPolicy":  refund,
			"noticeMinutes": int(notice.Minutes()),
		}); err != nil {
			return fmt.Errorf("record cancellation metadata: %w", err)
		}

		if _, err := tx.ReleaseSlot(ctx, appt.SlotID); err != nil {
			return fmt.Errorf("release slot: %w", err)
		}

		l.logEvent(ctx, tx, appointmentID, EventBookingCanceled, map[string]any{
			"reason": reason,
			"actor":  string(actor.Kind),
			"refund": refund,
		})

		updated = appt
		updated.Status = StatusCanceled
		return nil
	})
	if err != nil {
		l.countLifecycle("cancel", "error")
		return nil, err
	}

	l.countLifecycle("cancel", "ok")
	l.notify(EventBookingCanceled, map[string]any{
		"appointment_id": appointmentID.String(),
		"slot_id":        updated.SlotID.String(),
		"refund":         refund,
	})
	return updated, nil
}

// Reschedule claims the new slot, swaps the appointment's slot reference and
// releases the old slot as one transaction. A failed claim leaves the
// appointment and the old slot untouched.
func (l *Lifecycle) Reschedule(ctx context.Context, appointmentID, newSlotID uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	detail, err := l.repo.GetAppointmentDetail(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	if detail.Status != StatusConfirmed {
		return nil, ErrInvalidStatusTransition
	}
	if err := l.checkActor(actor, detail); err != nil {
		return nil, err
	}

	notice := detail.Slot.StartTime.Sub(l.now())
	if notice < l.cfg.CancelNotice {
		return nil, fmt.Errorf("%w: rescheduling requires %s notice", ErrNoticeWindowClosed, l.cfg.CancelNotice)
	}

	oldSlotID := detail.SlotID
	var updated *Appointment
	err = l.withSlotLock(ctx, newSlotID, func(lockCtx context.Context) error {
		return l.repo.InTx(lockCtx, func(tx Repository) error {
			// Claim first: if the new slot is gone the transaction aborts
			// before anything else changed.
			if _, err := tx.ClaimSlot(lockCtx, newSlotID); err != nil {
				return err
			}

			appt, err := tx.UpdateAppointmentSlot(lockCtx, appointmentID, oldSlotID, newSlotID)
			if err != nil {
				if errors.Is(err, ErrAppointmentNotFound) {
					return ErrInvalidStatusTransition
				}
				return fmt.Errorf("move appointment: %w", err)
			}

			if _, err := tx.ReleaseSlot(lockCtx, oldSlotID); err != nil {
				return fmt.Errorf("release previous slot: %w", err)
			}

			if err := tx.MergeAppointmentMetadata(lockCtx, appointmentID, map[string]any{
				"rescheduledAt":    l.now().Format(time.RFC3339),
				"previousSlotId":   oldSlotID.String(),
				"rescheduleReason": reason,
				"rescheduledBy":    string(actor.Kind),
			}); err != nil {
				return fmt.Errorf("record reschedule metadata: %w", err)
			}

			l.logEvent(lockCtx, tx, appointmentID, EventBookingRescheduled, map[string]any{
				"from_slot": oldSlotID.String(),
				"to_slot":   newSlotID.String(),
				"actor":     string(actor.Kind),
			})

			updated = appt
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			l.countLifecycle("reschedule", "conflict")
			return nil, ErrSlotBeingBooked
		}
		if errors.Is(err, ErrSlotUnavailable) {
			l.countLifecycle("reschedule", "conflict")
		} else {
			l.countLifecycle("reschedule", "error")
		}
		return nil, err
	}

	l.countLifecycle("reschedule", "ok")
	l.notify(EventBookingRescheduled, map[string]any{
		"appointment_id": appointmentID.String(),
		"from_slot":      oldSlotID.String(),
		"to_slot":        newSlotID.String(),
	})
	return updated, nil
}

// UpdateStatus is the administrative transition among confirmed, canceled and
// no_show. It never touches slot occupancy; use Cancel to free capacity.
// Terminal states are final.
func (l *Lifecycle) UpdateStatus(ctx context.Context, appointmentID uuid.UUID, to AppointmentStatus, actor Actor) (*Appointment, error) {
	appt, err := l.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	if appt.Status == to {
		return appt, nil
	}
	if appt.Status.Terminal() {
		return nil, ErrInvalidStatusTransition
	}

	updated, err := l.repo.UpdateAppointmentStatus(ctx, appointmentID, appt.Status, to)
	if err != nil {
		l.countLifecycle("status_update", "error")
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrInvalidStatusTransition
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}

	l.countLifecycle("status_update", "ok")
	l.logEvent(ctx, l.repo, appointmentID, EventStatusUpdated, map[string]any{
		"from":  string(appt.Status),
		"to":    string(to),
		"actor": string(actor.Kind),
	})
	return updated, nil
}

func (l *Lifecycle) checkActor(actor Actor, detail *AppointmentDetail) error {
	if actor.Kind != ActorPatient {
		return nil
	}
	if detail.Patient == nil || !strings.EqualFold(actor.Email, detail.Patient.Email) {
		return ErrForbidden
	}
	return nil
}

func (l *Lifecycle) withSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	if l.locker == nil {
		return fn(ctx)
	}
	return l.locker.WithSlotLock(ctx, slotID, fn)
}

func (l *Lifecycle) countLifecycle(operation, outcome string) {
	if l.metrics != nil {
		l.metrics.ObserveLifecycle(operation, outcome)
	}
}

func (l *Lifecycle) notify(event string, payload map[string]any) {
	if l.notifier != nil {
		l.notifier.Notify(event, payload)
	}
}

func (l *Lifecycle) logEvent(ctx context.Context, repo Repository, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	logAuditEvent(ctx, repo, l.log, appointmentID, eventType, payload)
}
