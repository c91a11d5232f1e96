package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telaclinic/booking-service/internal/booking"
	"github.com/telaclinic/booking-service/internal/screening"
)

type Handlers struct {
	catalog   *booking.Catalog
	bookings  *booking.Service
	lifecycle *booking.Lifecycle
	validate  *validator.Validate
	log       *zap.Logger
}

func NewHandlers(catalog *booking.Catalog, bookings *booking.Service, lifecycle *booking.Lifecycle, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{
		catalog:   catalog,
		bookings:  bookings,
		lifecycle: lifecycle,
		validate:  validator.New(),
		log:       log,
	}
}

// decode parses and validates a JSON request body. It writes the error
// response itself and reports whether the caller may proceed.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "could not parse JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeErrorDetails(w, http.StatusBadRequest, codeValidation, "invalid request", err.Error())
		return false
	}
	return true
}

// GET /api/slots
func (h *Handlers) ListSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := booking.SlotStatus(q.Get("status"))
	if status == "" {
		status = booking.SlotAvailable
	}
	switch status {
	case booking.SlotAvailable, booking.SlotHeld, booking.SlotBooked:
	default:
		writeError(w, http.StatusBadRequest, codeValidation, "status must be available, held or booked")
		return
	}

	filter := booking.SlotFilter{Status: &status}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "from must be an RFC3339 timestamp")
			return
		}
		filter.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "to must be an RFC3339 timestamp")
			return
		}
		filter.To = &t
	}

	slots, err := h.catalog.QuerySlots(r.Context(), filter)
	if err != nil {
		h.log.Error("query slots failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not load slots")
		return
	}

	resp := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		resp = append(resp, slotResponse{
			ID:     s.ID.String(),
			Start:  s.StartTime,
			End:    s.EndTime,
			Status: string(s.Status),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/appointments
func (h *Handlers) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if !h.decode(w, r, &req) {
		return
	}

	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "slotId must be a valid UUID")
		return
	}
	visit, ok := internalVisitType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, codeValidation, "type must be first-visit or follow-up")
		return
	}

	var dob *time.Time
	if req.Patient.DOB != nil {
		t, err := time.Parse("2006-01-02", *req.Patient.DOB)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeValidation, "dob must be YYYY-MM-DD")
			return
		}
		dob = &t
	}

	consents := make([]booking.ConsentGrant, 0, len(req.Consents))
	for _, c := range req.Consents {
		consents = append(consents, booking.ConsentGrant{
			Type:    booking.ConsentType(c.Type),
			Version: c.Version,
		})
	}

	result, err := h.bookings.CreateBooking(r.Context(), booking.BookingRequest{
		Patient: booking.PatientDetails{
			Name:        req.Patient.Name,
			Kana:        req.Patient.Kana,
			Email:       req.Patient.Email,
			Phone:       req.Patient.Phone,
			DateOfBirth: dob,
			IsFamily:    req.Patient.IsFamily,
		},
		SlotID:    slotID,
		Visit:     visit,
		Consents:  consents,
		ClientKey: clientIP(r),
	})
	if err != nil {
		h.handleBookingError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, bookingResponse{
		ID:        result.Appointment.ID.String(),
		Status:    publicStatus(result.Appointment.Status),
		SlotID:    result.Slot.ID.String(),
		PatientID: result.Patient.ID.String(),
		Start:     result.Slot.StartTime,
		End:       result.Slot.EndTime,
		VideoURL:  result.Appointment.VideoURL,
	})
}

func (h *Handlers) handleBookingError(w http.ResponseWriter, err error) {
	var rateErr *booking.RateLimitedError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", formatSeconds(rateErr.RetryAfter))
		writeErrorDetails(w, http.StatusTooManyRequests, codeRateLimited,
			"another booking was submitted too recently",
			map[string]any{"retryAfterMs": rateErr.RetryAfter.Milliseconds()})
	case errors.Is(err, booking.ErrInvalidBooking), errors.Is(err, booking.ErrConsentRequired):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "slot not found")
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeError(w, http.StatusConflict, codeConflict, "slot is no longer available")
	case errors.Is(err, booking.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, codeConflict, "slot is currently being booked, please retry shortly")
	default:
		h.log.Error("create booking failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "booking could not be completed")
	}
}

// GET /api/appointments/{id}
func (h *Handlers) GetAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	detail, err := h.bookings.GetAppointment(r.Context(), id)
	if err != nil {
		if errors.Is(err, booking.ErrAppointmentNotFound) {
			writeError(w, http.StatusNotFound, codeNotFound, "appointment not found")
			return
		}
		h.log.Error("get appointment failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not load appointment")
		return
	}

	writeJSON(w, http.StatusOK, appointmentResponse{
		ID:        detail.ID.String(),
		Status:    publicStatus(detail.Status),
		VisitType: publicVisitType(detail.VisitType),
		SlotID:    detail.SlotID.String(),
		Start:     detail.Slot.StartTime,
		End:       detail.Slot.EndTime,
		VideoURL:  detail.VideoURL,
	})
}

// POST /api/appointments/{id}/cancel
func (h *Handlers) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if !h.decode(w, r, &req) {
		return
	}

	actor := booking.Actor{Kind: booking.ActorPatient, Email: req.Email}
	appt, err := h.lifecycle.Cancel(r.Context(), id, actor, req.Reason)
	if err != nil {
		h.handleLifecycleError(w, err)
		return
	}

	refund, _ := appt.Metadata["refundPolicy"].(string)
	writeJSON(w, http.StatusOK, cancelResponse{
		ID:           appt.ID.String(),
		Status:       publicStatus(appt.Status),
		RefundPolicy: refund,
	})
}

// POST /api/appointments/{id}/reschedule
func (h *Handlers) RescheduleBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	var req rescheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	newSlotID, err := uuid.Parse(req.NewSlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "newSlotId must be a valid UUID")
		return
	}

	actor := booking.Actor{Kind: booking.ActorPatient, Email: req.Email}
	appt, err := h.lifecycle.Reschedule(r.Context(), id, newSlotID, actor, req.Reason)
	if err != nil {
		h.handleLifecycleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, appointmentResponse{
		ID:        appt.ID.String(),
		Status:    publicStatus(appt.Status),
		VisitType: publicVisitType(appt.VisitType),
		SlotID:    appt.SlotID.String(),
	})
}

func (h *Handlers) handleLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, booking.ErrAppointmentNotFound),
		// A patient probing someone else's appointment learns nothing.
		errors.Is(err, booking.ErrForbidden):
		writeError(w, http.StatusNotFound, codeNotFound, "appointment not found")
	case errors.Is(err, booking.ErrNoticeWindowClosed):
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
	case errors.Is(err, booking.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, codeConflict, "appointment is not in a modifiable state")
	case errors.Is(err, booking.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "slot not found")
	case errors.Is(err, booking.ErrSlotUnavailable), errors.Is(err, booking.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, codeConflict, "the requested slot is no longer available")
	default:
		h.log.Error("lifecycle operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "operation failed")
	}
}

// POST /api/screenings
func (h *Handlers) CreateScreening(w http.ResponseWriter, r *http.Request) {
	var req screeningRequest
	if !h.decode(w, r, &req) {
		return
	}

	tier, err := screening.Bucket(req.Score)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, screeningResponse{Score: req.Score, Tier: string(tier)})
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func formatSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
