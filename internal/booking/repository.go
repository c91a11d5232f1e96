package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotUnavailable     = errors.New("slot is not available")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// SlotFilter narrows ListSlots. Nil fields are ignored.
type SlotFilter struct {
	Status *SlotStatus
	From   *time.Time
	To     *time.Time
}

// Repository contains all storage interactions needed by the catalog, the
// transaction manager and the lifecycle operations. InTx runs fn against a
// transaction-scoped view of the same repository; every mutation inside fn
// commits or rolls back as a unit.
type Repository interface {
	// Slots
	InsertSlots(ctx context.Context, slots []Slot) (int, error)
	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error)
	// ClaimSlot is the single atomic available->booked transition. It fails
	// with ErrSlotUnavailable when the slot exists but is held or booked.
	ClaimSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	// ReleaseSlot moves a booked or held slot back to available.
	ReleaseSlot(ctx context.Context, id uuid.UUID) (*Slot, error)

	// Patients
	GetPatientByEmail(ctx context.Context, email string) (*Patient, error)
	CreatePatient(ctx context.Context, p Patient) (*Patient, error)

	// Appointments
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	GetConfirmedAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, limit, offset int) ([]AppointmentDetail, error)
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	// UpdateAppointmentStatus transitions from->to conditionally; a miss on
	// the current status surfaces as ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error)
	// UpdateAppointmentSlot swaps the slot reference of a confirmed
	// appointment, conditional on the current slot still being fromSlot.
	UpdateAppointmentSlot(ctx context.Context, id, fromSlot, toSlot uuid.UUID) (*Appointment, error)
	MergeAppointmentMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error
	SetAppointmentVideoURL(ctx context.Context, id uuid.UUID, url string) error

	// Consents
	InsertConsents(ctx context.Context, consents []Consent) error

	// Reconciliation
	FindOrphanedBookedSlots(ctx context.Context, updatedBefore time.Time) ([]Slot, error)
	FindExpiredHeldSlots(ctx context.Context, heldBefore time.Time) ([]Slot, error)

	// Audit trail
	InsertEvent(ctx context.Context, ev AuditEvent) error

	InTx(ctx context.Context, fn func(Repository) error) error
}
