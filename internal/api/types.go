package api

import (
	"time"

	"github.com/telaclinic/booking-service/internal/booking"
)

// Public status vocabulary: internal "confirmed" is exposed as "booked".
func publicStatus(s booking.AppointmentStatus) string {
	if s == booking.StatusConfirmed {
		return "booked"
	}
	return string(s)
}

func internalStatus(s string) (booking.AppointmentStatus, bool) {
	switch s {
	case "booked":
		return booking.StatusConfirmed, true
	case "canceled":
		return booking.StatusCanceled, true
	case "no_show":
		return booking.StatusNoShow, true
	}
	return "", false
}

// Public visit-type labels map to the internal tags.
func internalVisitType(s string) (booking.VisitType, bool) {
	switch s {
	case "first-visit":
		return booking.VisitFirst, true
	case "follow-up":
		return booking.VisitFollowUp, true
	}
	return "", false
}

func publicVisitType(v booking.VisitType) string {
	switch v {
	case booking.VisitFirst:
		return "first-visit"
	case booking.VisitFollowUp:
		return "follow-up"
	}
	return string(v)
}

type slotResponse struct {
	ID     string    `json:"id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status"`
}

type bookingPatientRequest struct {
	Name     string  `json:"name" validate:"required"`
	Kana     *string `json:"kana,omitempty"`
	Email    string  `json:"email" validate:"required,email"`
	Phone    *string `json:"phone,omitempty"`
	DOB      *string `json:"dob,omitempty"` // YYYY-MM-DD
	IsFamily bool    `json:"isFamily"`
}

type consentRequest struct {
	Type    string `json:"type" validate:"required,oneof=privacy terms telemedicine"`
	Version string `json:"version" validate:"required"`
}

type createBookingRequest struct {
	Patient  bookingPatientRequest `json:"patient" validate:"required"`
	SlotID   string                `json:"slotId" validate:"required,uuid"`
	Type     string                `json:"type" validate:"required,oneof=first-visit follow-up"`
	Consents []consentRequest      `json:"consents" validate:"required,min=1,dive"`
}

type bookingResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	SlotID    string    `json:"slotId"`
	PatientID string    `json:"patientId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	VideoURL  *string   `json:"videoUrl"`
}

type cancelRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Reason string `json:"reason,omitempty"`
}

type cancelResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	RefundPolicy string `json:"refundPolicy,omitempty"`
}

type rescheduleRequest struct {
	NewSlotID string `json:"newSlotId" validate:"required,uuid"`
	Email     string `json:"email" validate:"required,email"`
	Reason    string `json:"reason,omitempty"`
}

type appointmentResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	VisitType string    `json:"visitType"`
	SlotID    string    `json:"slotId"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Patient   string    `json:"patient,omitempty"`
	VideoURL  *string   `json:"videoUrl,omitempty"`
}

type screeningRequest struct {
	Score int `json:"score" validate:"min=0,max=21"`
}

type screeningResponse struct {
	Score int    `json:"score"`
	Tier  string `json:"tier"`
}

type generateSlotsRequest struct {
	StartDate string            `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate   string            `json:"endDate" validate:"required,datetime=2006-01-02"`
	Template  []intervalRequest `json:"template,omitempty" validate:"omitempty,dive"`
}

type intervalRequest struct {
	Start string `json:"start" validate:"required"`
	End   string `json:"end" validate:"required"`
}

type generateSlotsResponse struct {
	Created int `json:"created"`
}

type statusUpdateRequest struct {
	Status string `json:"status" validate:"required,oneof=booked canceled no_show"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details any    `json:"details,omitempty"`
}
