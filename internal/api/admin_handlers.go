package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/telaclinic/booking-service/internal/booking"
)

// AdminHandlers serves the operator surface: login, slot generation,
// appointment listing and administrative lifecycle transitions.
type AdminHandlers struct {
	*Handlers
	issuer        *TokenIssuer
	adminEmail    string
	adminPassword string
}

func NewAdminHandlers(h *Handlers, issuer *TokenIssuer, adminEmail, adminPassword string) *AdminHandlers {
	return &AdminHandlers{
		Handlers:      h,
		issuer:        issuer,
		adminEmail:    adminEmail,
		adminPassword: adminPassword,
	}
}

// POST /api/admin/login
func (h *AdminHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}

	if !CheckCredentials(req.Email, req.Password, h.adminEmail, h.adminPassword) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.issuer.Issue(req.Email)
	if err != nil {
		h.log.Error("issue admin token failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not create session")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

// POST /api/admin/slots/generate
func (h *AdminHandlers) GenerateSlots(w http.ResponseWriter, r *http.Request) {
	var req generateSlotsRequest
	if !h.decode(w, r, &req) {
		return
	}

	template := make([]booking.Interval, 0, len(req.Template))
	for _, iv := range req.Template {
		template = append(template, booking.Interval{Start: iv.Start, End: iv.End})
	}

	created, err := h.catalog.GenerateSlots(r.Context(), booking.GenerateRequest{
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
		Template:  template,
	})
	if err != nil {
		if errors.Is(err, booking.ErrInvalidDateRange) || errors.Is(err, booking.ErrInvalidTemplate) {
			writeError(w, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
		h.log.Error("generate slots failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "slot generation failed")
		return
	}

	writeJSON(w, http.StatusOK, generateSlotsResponse{Created: created})
}

// GET /api/admin/appointments
func (h *AdminHandlers) ListAppointments(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	details, err := h.bookings.ListAppointments(r.Context(), limit, offset)
	if err != nil {
		h.log.Error("list appointments failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, codeInternal, "could not load appointments")
		return
	}

	resp := make([]appointmentResponse, 0, len(details))
	for _, d := range details {
		item := appointmentResponse{
			ID:        d.ID.String(),
			Status:    publicStatus(d.Status),
			VisitType: publicVisitType(d.VisitType),
			SlotID:    d.SlotID.String(),
			Start:     d.Slot.StartTime,
			End:       d.Slot.EndTime,
			VideoURL:  d.VideoURL,
		}
		if d.Patient != nil {
			item.Patient = d.Patient.Name
		}
		resp = append(resp, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// PATCH /api/admin/appointments/{id}
func (h *AdminHandlers) UpdateAppointmentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}
	var req statusUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	status, ok := internalStatus(req.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, codeValidation, "status must be booked, canceled or no_show")
		return
	}

	actor := booking.Actor{Kind: booking.ActorAdmin, Email: AdminEmail(r.Context())}
	appt, err := h.lifecycle.UpdateStatus(r.Context(), id, status, actor)
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

// DELETE /api/admin/appointments/{id} cancels on the patient's behalf and
// releases the slot. Admin cancellation bypasses the notice window.
func (h *AdminHandlers) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	actor := booking.Actor{Kind: booking.ActorAdmin, Email: AdminEmail(r.Context())}
	if _, err := h.lifecycle.Cancel(r.Context(), id, actor, r.URL.Query().Get("reason")); err != nil {
		h.handleLifecycleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
