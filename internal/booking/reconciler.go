package booking

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reconciler is the operational safeguard against orphaned holds: booked
// slots with no live confirmed appointment (a crash between claim and
// appointment persistence) and held slots whose hold TTL has lapsed are
// returned to the available pool. Intended to run periodically from the
// reconciler worker.
type Reconciler struct {
	repo    Repository
	grace   time.Duration
	holdTTL time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// NewReconciler builds a reconciler. grace keeps freshly claimed slots out of
// the orphan scan so an in-flight booking is never raced; holdTTL bounds how
// long a held slot stays reserved.
func NewReconciler(repo Repository, grace, holdTTL time.Duration, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		repo:    repo,
		grace:   grace,
		holdTTL: holdTTL,
		log:     log,
		now:     time.Now,
	}
}

// Run executes one reconciliation pass and returns the number of slots
// released.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	now := r.now()
	released := 0

	orphans, err := r.repo.FindOrphanedBookedSlots(ctx, now.Add(-r.grace))
	if err != nil {
		return 0, fmt.Errorf("find orphaned booked slots: %w", err)
	}
	for _, slot := range orphans {
		ok, err := r.release(ctx, slot, "orphaned_booking")
		if err != nil {
			r.log.Warn("release orphaned slot failed", zap.String("slot_id", slot.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}

	expired, err := r.repo.FindExpiredHeldSlots(ctx, now.Add(-r.holdTTL))
	if err != nil {
		return released, fmt.Errorf("find expired held slots: %w", err)
	}
	for _, slot := range expired {
		ok, err := r.release(ctx, slot, "hold_expired")
		if err != nil {
			r.log.Warn("release held slot failed", zap.String("slot_id", slot.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}

	if released > 0 {
		r.log.Info("reconciliation released slots", zap.Int("released", released))
	}
	return released, nil
}

func (r *Reconciler) release(ctx context.Context, slot Slot, reason string) (bool, error) {
	released := false
	err := r.repo.InTx(ctx, func(tx Repository) error {
		// Re-check inside the transaction: a booking may have landed on this
		// slot since the scan.
		if _, err := tx.GetConfirmedAppointmentForSlot(ctx, slot.ID); err == nil {
			return nil
		}

		if _, err := tx.ReleaseSlot(ctx, slot.ID); err != nil {
			return err
		}
		released = true

		ev := AuditEvent{
			EventType: EventSlotReconciled,
			Payload:   []byte(fmt.Sprintf(`{"slot_id":%q,"reason":%q}`, slot.ID, reason)),
			CreatedAt: r.now(),
		}
		if err := tx.InsertEvent(ctx, ev); err != nil {
			r.log.Warn("insert reconcile event failed", zap.String("slot_id", slot.ID.String()), zap.Error(err))
		}
		return nil
	})
	return released, err
}
