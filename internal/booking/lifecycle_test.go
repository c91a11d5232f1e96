package booking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telaclinic/booking-service/internal/config"
)

var lifecycleCfg = config.Config{
	CancelNotice:     24 * time.Hour,
	RefundFullNotice: 48 * time.Hour,
}

func newTestLifecycle(repo Repository, notifier Notifier) *Lifecycle {
	return NewLifecycle(repo, nil, notifier, nil, lifecycleCfg, nil)
}

// bookForTest creates a confirmed appointment on a fresh slot starting at the
// given instant and returns the appointment and its slot ID.
func bookForTest(t *testing.T, repo *MemoryRepository, start time.Time, email string) (*Appointment, uuid.UUID) {
	t.Helper()

	slotID := seedSlotWithStatus(t, repo, start, SlotAvailable)
	svc := NewService(ServiceDeps{Repo: repo})
	res, err := svc.CreateBooking(context.Background(), validBooking(slotID, email))
	require.NoError(t, err)
	return res.Appointment, slotID
}

func TestCancelReleasesSlotForRebooking(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	notifier := &captureNotifier{}
	appt, slotID := bookForTest(t, repo, time.Now().Add(72*time.Hour), "aiko@example.com")

	lc := newTestLifecycle(repo, notifier)
	updated, err := lc.Cancel(ctx, appt.ID, Actor{Kind: ActorPatient, Email: "aiko@example.com"}, "feeling better")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, updated.Status)

	slot, err := repo.GetSlotByID(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status)

	stored, err := repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, stored.Status)
	assert.Equal(t, "feeling better", stored.Metadata["cancelReason"])
	assert.Equal(t, RefundFull, stored.Metadata["refundPolicy"])

	assert.Contains(t, notifier.Events(), EventBookingCanceled)

	// The freed slot is immediately bookable by someone else.
	svc := NewService(ServiceDeps{Repo: repo})
	_, err = svc.CreateBooking(ctx, validBooking(slotID, "ken@example.com"))
	require.NoError(t, err)
}

func TestCancelPatientInsideNoticeWindow(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	appt, slotID := bookForTest(t, repo, time.Now().Add(2*time.Hour), "aiko@example.com")

	lc := newTestLifecycle(repo, nil)
	_, err := lc.Cancel(ctx, appt.ID, Actor{Kind: ActorPatient, Email: "aiko@example.com"}, "")
	assert.ErrorIs(t, err, ErrNoticeWindowClosed)

	// Nothing changed.
	slot, err := repo.GetSlotByID(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, slot.Status)

	stored, err := repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, stored.Status)
}

func TestCancelAdminOverridesNoticeWindow(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	appt, slotID := bookForTest(t, repo, time.Now().Add(2*time.Hour), "aiko@example.com")

	lc := newTestLifecycle(repo, nil)
	updated, err := lc.Cancel(ctx, appt.ID, Actor{Kind: ActorAdmin, Email: "admin@clinic.example"}, "clinician unavailable")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, updated.Status)

	// Inside the full-refund window the outcome is partial, recorded rather
	// than enforced.
	stored, err := repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, RefundPartial, stored.Metadata["refundPolicy"])
	assert.Equal(t, string(ActorAdmin), stored.Metadata["canceledBy"])

	slot, err := repo.GetSlotByID(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status)
}

func TestCancelWrongPatientForbidden(t *testing.T) {
	repo := NewMemoryRepository()
	appt, _ := bookForTest(t, repo, time.Now().Add(72*time.Hour), "aiko@example.com")

	lc := newTestLifecycle(repo, nil)
	_, err := lc.Cancel(context.Background(), appt.ID, Actor{Kind: ActorPatient, Email: "mallory@example.com"}, "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCancelTwiceRejected(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	appt, _ := bookForTest(t, repo, time.Now().Add(72*time.Hour), "aiko@example.com")
	actor := Actor{Kind: ActorPatient, Email: "aiko@example.com"}

	lc := newTestLifecycle(repo, nil)
	_, err := lc.Cancel(ctx, appt.ID, actor, "")
	require.NoError(t, err)

	_, err = lc.Cancel(ctx, appt.ID, actor, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestCancelUnknownAppointment(t *testing.T) {
	lc := newTestLifecycle(NewMemoryRepository(), nil)

	_, err := lc.Cancel(context.Background(), uuid.New(), Actor{Kind: ActorAdmin}, "")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestRescheduleSwapsSlots(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	notifier := &captureNotifier{}
	appt, oldSlot := bookForTest(t, repo, time.Now().Add(72*time.Hour), "aiko@example.com")
	newSlot := seedSlotWithStatus(t, repo, time.Now().Add(96*time.Hour), SlotAvailable)

	lc := newTestLifecycle(repo, notifier)
	updated, err := lc.Reschedule(ctx, appt.ID, newSlot, Actor{Kind: ActorPatient, Email: "aiko@example.com"}, "conflict at work")
	require.NoError(t, err)
	assert.Equal(t, newSlot, updated.SlotID)
	assert.Equal(t, StatusConfirmed, updated.Status)

	old, err := repo.GetSlotByID(ctx, oldSlot)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, old.Status)

	claimed, err := repo.GetSlotByID(ctx, newSlot)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, claimed.Status)

	stored, err := repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, oldSlot.String(), stored.Metadata["previousSlotId"])

	assert.Contains(t, notifier.Events(), EventBookingRescheduled)
}

func TestRescheduleTargetTakenLeavesBookingIntact(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	appt, oldSlot := bookForTest(t, repo, time.Now().Add(72*time.Hour), "aiko@example.com")

	// Someone else owns the target slot.
	_, takenSlot := bookForTest(t, repo, time.Now().Add(96*time.Hour), "ken@example.com")

	lc := newTestLifecycle(repo, nil)
	_, err := lc.Reschedule(ctx, appt.ID, takenSlot, Actor{Kind: ActorPatient, Email: "aiko@example.com"}, "")
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	// The failed claim aborted the whole move.
	old, err := repo.GetSlotByID(ctx, oldSlot)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, old.Status)

	stored, err := repo.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, oldSlot, stored.SlotID)
	assert.Equal(t, StatusConfirmed, stored.Status)
}

func TestRescheduleInsideNoticeWindow(t *testing.T) {
	repo := NewMemoryRepository()
	appt, _ := bookForTest(t, repo, time.Now().Add(2*time.Hour), "aiko@example.com")
	newSlot := seedSlotWithStatus(t, repo, time.Now().Add(96*time.Hour), SlotAvailable)

	lc := newTestLifecycle(repo, nil)
	_, err := lc.Reschedule(context.Background(), appt.ID, newSlot, Actor{Kind: ActorPatient, Email: "aiko@example.com"}, "")
	assert.ErrorIs(t, err, ErrNoticeWindowClosed)
}

func TestRescheduleCanceledAppointment(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	appt, _ := bookForTest(t, repo, time.Now().Add(72*time.Hour), "aiko@example.com")
	newSlot := seedSlotWithStatus(t, repo, time.Now().Add(96*time.Hour), SlotAvailable)
	actor := Actor{Kind: ActorPatient, Email: "aiko@example.com"}

	lc := newTestLifecycle(repo, nil)
	_, err := lc.Cancel(ctx, appt.ID, actor, "")
	require.NoError(t, err)

	_, err = lc.Reschedule(ctx, appt.ID, newSlot, actor, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestUpdateStatusTransitions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	appt, slotID := bookForTest(t, repo, time.Now().Add(72*time.Hour), "aiko@example.com")
	admin := Actor{Kind: ActorAdmin, Email: "admin@clinic.example"}

	lc := newTestLifecycle(repo, nil)

	// Same-status update is a no-op.
	same, err := lc.UpdateStatus(ctx, appt.ID, StatusConfirmed, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, same.Status)

	updated, err := lc.UpdateStatus(ctx, appt.ID, StatusNoShow, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, updated.Status)

	// No-show is terminal.
	_, err = lc.UpdateStatus(ctx, appt.ID, StatusConfirmed, admin)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	// UpdateStatus never touches slot occupancy.
	slot, err := repo.GetSlotByID(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, slot.Status)
}
