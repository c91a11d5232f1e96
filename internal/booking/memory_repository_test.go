package booking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryInTxRollsBack(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(24*time.Hour), SlotAvailable)

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(tx Repository) error {
		if _, err := tx.ClaimSlot(ctx, slotID); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	slot, err := repo.GetSlotByID(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status, "failed transaction must not leak the claim")
}

func TestMemoryInTxNested(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(24*time.Hour), SlotAvailable)

	err := repo.InTx(ctx, func(tx Repository) error {
		return tx.InTx(ctx, func(inner Repository) error {
			_, err := inner.ClaimSlot(ctx, slotID)
			return err
		})
	})
	require.NoError(t, err)

	slot, err := repo.GetSlotByID(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, slot.Status)
}

func TestMemoryListSlotsFilters(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	base := time.Date(2026, 9, 2, 9, 0, 0, 0, time.UTC)
	var slots []Slot
	for i := 0; i < 4; i++ {
		start := base.Add(time.Duration(i) * SlotDuration)
		slots = append(slots, Slot{StartTime: start, EndTime: start.Add(SlotDuration)})
	}
	_, err := repo.InsertSlots(ctx, slots)
	require.NoError(t, err)

	all, err := repo.ListSlots(ctx, SlotFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)

	_, err = repo.ClaimSlot(ctx, all[0].ID)
	require.NoError(t, err)

	avail := SlotAvailable
	open, err := repo.ListSlots(ctx, SlotFilter{Status: &avail})
	require.NoError(t, err)
	assert.Len(t, open, 3)

	from := base.Add(SlotDuration)
	to := base.Add(3 * SlotDuration)
	window, err := repo.ListSlots(ctx, SlotFilter{From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, from, window[0].StartTime)
}

func TestMemoryUpdateAppointmentSlotConditional(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	patient, err := repo.CreatePatient(ctx, Patient{Name: "Aiko Tanaka", Email: "aiko@example.com"})
	require.NoError(t, err)
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(24*time.Hour), SlotBooked)
	other := seedSlotWithStatus(t, repo, time.Now().Add(48*time.Hour), SlotAvailable)

	appt, err := repo.CreateAppointment(ctx, Appointment{
		PatientID: patient.ID,
		SlotID:    slotID,
		VisitType: VisitFirst,
		Status:    StatusConfirmed,
	})
	require.NoError(t, err)

	// Stale fromSlot misses.
	_, err = repo.UpdateAppointmentSlot(ctx, appt.ID, other, slotID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	updated, err := repo.UpdateAppointmentSlot(ctx, appt.ID, slotID, other)
	require.NoError(t, err)
	assert.Equal(t, other, updated.SlotID)
}
