package booking

import (
	"context"
	"encoding/json"
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
	EventBookingCreated     = "booking.created"
	EventBookingCanceled    = "appointment.canceled"
	EventBookingRescheduled = "appointment.rescheduled"
	EventStatusUpdated      = "appointment.status_updated"
	EventSlotReconciled     = "slot.reconciled"
)

var (
	ErrSlotBeingBooked         = errors.New("slot is currently being booked, please retry")
	ErrConsentRequired         = errors.New("mandatory consent missing")
	ErrInvalidBooking          = errors.New("invalid booking request")
	ErrForbidden               = errors.New("actor may not modify this appointment")
	ErrNoticeWindowClosed      = errors.New("inside the minimum notice window")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

// RateLimitedError carries the remaining cooldown so the caller can surface a
// retry-after to the client.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry in %s", e.RetryAfter)
}

// Notifier delivers best-effort events. Implementations must never block the
// booking path for long and must swallow their own failures.
type Notifier interface {
	Notify(event string, payload map[string]any)
}

// VideoLinker issues a video-conference URL for a confirmed appointment.
type VideoLinker interface {
	IssueLink(ctx context.Context, appointmentID uuid.UUID) (string, error)
}

type PatientDetails struct {
	Name        string
	Kana        *string
	Email       string
	Phone       *string
	DateOfBirth *time.Time
	IsFamily    bool
}

type ConsentGrant struct {
	Type    ConsentType
	Version string
}

type BookingRequest struct {
	Patient  PatientDetails
	SlotID   uuid.UUID
	Visit    VisitType
	Consents []ConsentGrant
	// ClientKey identifies the caller for the cooldown guard, typically the
	// client IP. Empty disables the guard for this request.
	ClientKey string
}

type BookingResult struct {
	Appointment *Appointment
	Patient     *Patient
	Slot        *Slot
}

type ServiceDeps struct {
	Repo     Repository
	Locker   redisclient.Locker
	Limiter  *CooldownLimiter
	Notifier Notifier
	Videos   VideoLinker
	Metrics  *metrics.BookingMetrics
	Config   config.Config
	Logger   *zap.Logger
}

// Service is the booking transaction manager: it turns a validated request
// into a confirmed appointment with the slot claim, appointment creation and
// consent records committing as one unit. Notification and video-link
// issuance run after commit and never roll the booking back.
type Service struct {
	repo     Repository
	locker   redisclient.Locker
	limiter  *CooldownLimiter
	notifier Notifier
	videos   VideoLinker
	metrics  *metrics.BookingMetrics
	cfg      config.Config
	log      *zap.Logger
}

func NewService(d ServiceDeps) *Service {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:     d.Repo,
		locker:   d.Locker,
		limiter:  d.Limiter,
		notifier: d.Notifier,
		videos:   d.Videos,
		metrics:  d.Metrics,
		cfg:      d.Config,
		log:      log,
	}
}

func (s *Service) CreateBooking(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	if s.limiter != nil && req.ClientKey != "" {
		if ok, wait := s.limiter.Allow("booking:" + req.ClientKey); !ok {
			s.countBooking("rate_limited")
			return nil, &RateLimitedError{RetryAfter: wait}
		}
	}

	if err := req.validate(); err != nil {
		s.countBooking("invalid")
		return nil, err
	}

	var result BookingResult
	err := s.withSlotLock(ctx, req.SlotID, func(lockCtx context.Context) error {
		return s.repo.InTx(lockCtx, func(tx Repository) error {
			patient, err := s.resolvePatient(lockCtx, tx, req.Patient)
			if err != nil {
				return fmt.Errorf("resolve patient: %w", err)
			}

			slot, err := tx.ClaimSlot(lockCtx, req.SlotID)
			if err != nil {
				return err
			}

			appt, err := tx.CreateAppointment(lockCtx, Appointment{
				PatientID: patient.ID,
				SlotID:    slot.ID,
				VisitType: req.Visit,
				Status:    StatusConfirmed,
			})
			if err != nil {
				return fmt.Errorf("create appointment: %w", err)
			}

			consents := make([]Consent, 0, len(req.Consents))
			for _, g := range req.Consents {
				consents = append(consents, Consent{
					PatientID:     patient.ID,
					AppointmentID: appt.ID,
					Type:          g.Type,
					Version:       g.Version,
				})
			}
			if err := tx.InsertConsents(lockCtx, consents); err != nil {
				return fmt.Errorf("record consents: %w", err)
			}

			s.logEvent(lockCtx, tx, appt.ID, EventBookingCreated, map[string]any{
				"slot_id":    slot.ID.String(),
				"patient_id": patient.ID.String(),
				"visit_type": string(req.Visit),
			})

			result = BookingResult{Appointment: appt, Patient: patient, Slot: slot}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			s.countBooking("conflict")
			return nil, ErrSlotBeingBooked
		}
		if errors.Is(err, ErrSlotUnavailable) {
			s.countBooking("conflict")
		} else if errors.Is(err, ErrSlotNotFound) {
			s.countBooking("not_found")
		} else {
			s.countBooking("error")
		}
		return nil, err
	}

	s.countBooking("confirmed")
	s.afterBooking(ctx, &result)
	return &result, nil
}

func (r BookingRequest) validate() error {
	if strings.TrimSpace(r.Patient.Name) == "" {
		return fmt.Errorf("%w: patient name is required", ErrInvalidBooking)
	}
	if !strings.Contains(r.Patient.Email, "@") {
		return fmt.Errorf("%w: patient email is required", ErrInvalidBooking)
	}
	if r.Visit != VisitFirst && r.Visit != VisitFollowUp {
		return fmt.Errorf("%w: unknown visit type %q", ErrInvalidBooking, r.Visit)
	}

	granted := make(map[ConsentType]bool, len(r.Consents))
	for _, g := range r.Consents {
		if g.Version == "" {
			return fmt.Errorf("%w: consent %s has no version", ErrInvalidBooking, g.Type)
		}
		granted[g.Type] = true
	}
	for _, t := range MandatoryConsents {
		if !granted[t] {
			return fmt.Errorf("%w: %s", ErrConsentRequired, t)
		}
	}
	return nil
}

func (s *Service) resolvePatient(ctx context.Context, tx Repository, details PatientDetails) (*Patient, error) {
	if s.cfg.PatientUpsert {
		existing, err := tx.GetPatientByEmail(ctx, details.Email)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
	}

	return tx.CreatePatient(ctx, Patient{
		Name:        details.Name,
		Kana:        details.Kana,
		Email:       details.Email,
		Phone:       details.Phone,
		DateOfBirth: details.DateOfBirth,
		IsFamily:    details.IsFamily,
	})
}

// afterBooking runs the best-effort side effects. The booking has already
// committed; nothing here may surface as a failure to the caller.
func (s *Service) afterBooking(ctx context.Context, res *BookingResult) {
	if s.notifier != nil {
		s.notifier.Notify(EventBookingCreated, map[string]any{
			"appointment_id": res.Appointment.ID.String(),
			"patient":        res.Patient.Name,
			"slot_id":        res.Slot.ID.String(),
			"start_time":     res.Slot.StartTime,
		})
	}

	if s.videos == nil {
		return
	}

	linkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	url, err := s.videos.IssueLink(linkCtx, res.Appointment.ID)
	if err != nil {
		s.log.Warn("video link issuance failed, will be back-filled later",
			zap.String("appointment_id", res.Appointment.ID.String()),
			zap.Error(err),
		)
		return
	}
	if err := s.repo.SetAppointmentVideoURL(linkCtx, res.Appointment.ID, url); err != nil {
		s.log.Warn("video url back-fill failed",
			zap.String("appointment_id", res.Appointment.ID.String()),
			zap.Error(err),
		)
		return
	}
	res.Appointment.VideoURL = &url
}

func (s *Service) withSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	return s.locker.WithSlotLock(ctx, slotID, fn)
}

func (s *Service) countBooking(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveBooking(outcome)
	}
}

func (s *Service) logEvent(ctx context.Context, repo Repository, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	logAuditEvent(ctx, repo, s.log, appointmentID, eventType, payload)
}

// logAuditEvent writes an audit event inside the current transaction scope.
// Failures are logged, never propagated.
func logAuditEvent(ctx context.Context, repo Repository, log *zap.Logger, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn("marshal event payload failed", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID
	ev := AuditEvent{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		log.Warn("insert event log failed",
			zap.String("event", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}

// GetAppointment retrieves a fully hydrated appointment by ID.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// ListAppointments retrieves appointments ordered by slot start time.
func (s *Service) ListAppointments(ctx context.Context, limit, offset int) ([]AppointmentDetail, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	appointments, err := s.repo.ListAppointments(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}
