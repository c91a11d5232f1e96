package booking

import (
	"time"

	"github.com/google/uuid"
)

// SlotDuration is the fixed length of every bookable slot.
const SlotDuration = 30 * time.Minute

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotHeld      SlotStatus = "held"
	SlotBooked    SlotStatus = "booked"
)

type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCanceled  AppointmentStatus = "canceled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// Terminal reports whether no further status transition is permitted.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusNoShow
}

type VisitType string

const (
	VisitFirst    VisitType = "first"
	VisitFollowUp VisitType = "follow"
)

type ConsentType string

const (
	ConsentPrivacy      ConsentType = "privacy"
	ConsentTerms        ConsentType = "terms"
	ConsentTelemedicine ConsentType = "telemedicine"
)

// MandatoryConsents must all be granted before an appointment is confirmed.
var MandatoryConsents = []ConsentType{ConsentPrivacy, ConsentTelemedicine}

type Slot struct {
	ID        uuid.UUID
	StartTime time.Time
	EndTime   time.Time
	Status    SlotStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID          uuid.UUID
	Name        string
	Kana        *string
	Email       string
	Phone       *string
	DateOfBirth *time.Time
	IsFamily    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	SlotID    uuid.UUID
	VisitType VisitType
	Status    AppointmentStatus
	VideoURL  *string
	Notes     string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Consent struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	AppointmentID uuid.UUID
	Type          ConsentType
	Version       string
	GrantedAt     time.Time
}

type AuditEvent struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// AppointmentDetail is an appointment hydrated with its slot and patient.
type AppointmentDetail struct {
	Appointment
	Slot    *Slot
	Patient *Patient
}

type ActorKind string

const (
	ActorPatient ActorKind = "patient"
	ActorAdmin   ActorKind = "admin"
)

// Actor identifies who requested a lifecycle operation. Patient actors are
// verified against the appointment's patient email.
type Actor struct {
	Kind  ActorKind
	Email string
}
