package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telaclinic/booking-service/internal/config"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []string
}

func (c *captureNotifier) Notify(event string, payload map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureNotifier) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

type stubVideos struct {
	url string
	err error
}

func (s stubVideos) IssueLink(ctx context.Context, appointmentID uuid.UUID) (string, error) {
	return s.url, s.err
}

func validBooking(slotID uuid.UUID, email string) BookingRequest {
	return BookingRequest{
		Patient: PatientDetails{Name: "Aiko Tanaka", Email: email},
		SlotID:  slotID,
		Visit:   VisitFirst,
		Consents: []ConsentGrant{
			{Type: ConsentPrivacy, Version: "2025-01"},
			{Type: ConsentTelemedicine, Version: "2025-01"},
		},
	}
}

func TestCreateBookingConfirms(t *testing.T) {
	repo := NewMemoryRepository()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	notifier := &captureNotifier{}
	svc := NewService(ServiceDeps{Repo: repo, Notifier: notifier})

	res, err := svc.CreateBooking(context.Background(), validBooking(slotID, "aiko@example.com"))
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, res.Appointment.Status)
	assert.Equal(t, slotID, res.Appointment.SlotID)
	assert.Equal(t, SlotBooked, res.Slot.Status)
	assert.Equal(t, "aiko@example.com", res.Patient.Email)

	consents := repo.ConsentsForAppointment(res.Appointment.ID)
	assert.Len(t, consents, 2)

	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventBookingCreated, events[0].EventType)

	assert.Contains(t, notifier.Events(), EventBookingCreated)
}

func TestCreateBookingExclusivity(t *testing.T) {
	repo := NewMemoryRepository()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	svc := NewService(ServiceDeps{Repo: repo})

	const callers = 50
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = svc.CreateBooking(context.Background(), validBooking(slotID, "racer@example.com"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, ErrSlotUnavailable, "losers must observe a conflict, not corruption")
	}
	assert.Equal(t, 1, wins, "exactly one caller may claim the slot")

	slot, err := repo.GetSlotByID(context.Background(), slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotBooked, slot.Status)
}

func TestCreateBookingMissingMandatoryConsent(t *testing.T) {
	repo := NewMemoryRepository()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	svc := NewService(ServiceDeps{Repo: repo})

	req := validBooking(slotID, "aiko@example.com")
	req.Consents = []ConsentGrant{{Type: ConsentPrivacy, Version: "2025-01"}}

	_, err := svc.CreateBooking(context.Background(), req)
	assert.ErrorIs(t, err, ErrConsentRequired)

	slot, err := repo.GetSlotByID(context.Background(), slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status, "a rejected booking must not consume the slot")
}

func TestCreateBookingValidation(t *testing.T) {
	repo := NewMemoryRepository()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	svc := NewService(ServiceDeps{Repo: repo})
	ctx := context.Background()

	req := validBooking(slotID, "aiko@example.com")
	req.Patient.Name = "  "
	_, err := svc.CreateBooking(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidBooking)

	req = validBooking(slotID, "not-an-email")
	_, err = svc.CreateBooking(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidBooking)

	req = validBooking(slotID, "aiko@example.com")
	req.Visit = "walk-in"
	_, err = svc.CreateBooking(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidBooking)

	req = validBooking(slotID, "aiko@example.com")
	req.Consents[0].Version = ""
	_, err = svc.CreateBooking(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidBooking)
}

func TestCreateBookingSlotNotFound(t *testing.T) {
	svc := NewService(ServiceDeps{Repo: NewMemoryRepository()})

	_, err := svc.CreateBooking(context.Background(), validBooking(uuid.New(), "aiko@example.com"))
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestCreateBookingRateLimited(t *testing.T) {
	repo := NewMemoryRepository()
	first := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	second := seedSlotWithStatus(t, repo, time.Now().Add(96*time.Hour), SlotAvailable)

	svc := NewService(ServiceDeps{
		Repo:    repo,
		Limiter: NewCooldownLimiter(1, time.Minute),
	})
	ctx := context.Background()

	req := validBooking(first, "aiko@example.com")
	req.ClientKey = "203.0.113.7"
	_, err := svc.CreateBooking(ctx, req)
	require.NoError(t, err)

	req = validBooking(second, "aiko@example.com")
	req.ClientKey = "203.0.113.7"
	_, err = svc.CreateBooking(ctx, req)

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Greater(t, rl.RetryAfter, time.Duration(0))

	// Another caller is unaffected.
	req = validBooking(second, "ken@example.com")
	req.ClientKey = "198.51.100.9"
	_, err = svc.CreateBooking(ctx, req)
	assert.NoError(t, err)
}

func TestCreateBookingVideoLinkBackfill(t *testing.T) {
	repo := NewMemoryRepository()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	svc := NewService(ServiceDeps{
		Repo:   repo,
		Videos: stubVideos{url: "https://meet.example/abc-defg-hij"},
	})

	res, err := svc.CreateBooking(context.Background(), validBooking(slotID, "aiko@example.com"))
	require.NoError(t, err)

	require.NotNil(t, res.Appointment.VideoURL)
	assert.Equal(t, "https://meet.example/abc-defg-hij", *res.Appointment.VideoURL)

	stored, err := repo.GetAppointmentByID(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.VideoURL)
}

func TestCreateBookingSurvivesVideoFailure(t *testing.T) {
	repo := NewMemoryRepository()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	svc := NewService(ServiceDeps{
		Repo:   repo,
		Videos: stubVideos{err: errors.New("conferencing provider down")},
	})

	res, err := svc.CreateBooking(context.Background(), validBooking(slotID, "aiko@example.com"))
	require.NoError(t, err, "video issuance is best-effort and must not fail the booking")
	assert.Nil(t, res.Appointment.VideoURL)
	assert.Equal(t, StatusConfirmed, res.Appointment.Status)
}

func TestCreateBookingPatientUpsert(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	first := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	second := seedSlotWithStatus(t, repo, time.Now().Add(96*time.Hour), SlotAvailable)

	svc := NewService(ServiceDeps{
		Repo:   repo,
		Config: config.Config{PatientUpsert: true},
	})

	res1, err := svc.CreateBooking(ctx, validBooking(first, "aiko@example.com"))
	require.NoError(t, err)
	res2, err := svc.CreateBooking(ctx, validBooking(second, "AIKO@example.com"))
	require.NoError(t, err)

	assert.Equal(t, res1.Patient.ID, res2.Patient.ID, "matching email must reuse the patient record")
}

func TestCreateBookingNewPatientPerBookingByDefault(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	first := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	second := seedSlotWithStatus(t, repo, time.Now().Add(96*time.Hour), SlotAvailable)

	svc := NewService(ServiceDeps{Repo: repo})

	res1, err := svc.CreateBooking(ctx, validBooking(first, "aiko@example.com"))
	require.NoError(t, err)
	res2, err := svc.CreateBooking(ctx, validBooking(second, "aiko@example.com"))
	require.NoError(t, err)

	assert.NotEqual(t, res1.Patient.ID, res2.Patient.ID)
}

// failingConsents wraps a repository so consent persistence fails inside the
// booking transaction, exercising the all-or-nothing guarantee.
type failingConsents struct {
	Repository
}

func (f failingConsents) InsertConsents(ctx context.Context, consents []Consent) error {
	return errors.New("consent store unavailable")
}

func (f failingConsents) InTx(ctx context.Context, fn func(Repository) error) error {
	return f.Repository.InTx(ctx, func(tx Repository) error {
		return fn(failingConsents{tx})
	})
}

func TestCreateBookingRollsBackAsAUnit(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)

	svc := NewService(ServiceDeps{Repo: failingConsents{repo}})

	_, err := svc.CreateBooking(ctx, validBooking(slotID, "aiko@example.com"))
	require.Error(t, err)

	slot, err := repo.GetSlotByID(ctx, slotID)
	require.NoError(t, err)
	assert.Equal(t, SlotAvailable, slot.Status, "failed transaction must leave the slot claimable")

	appts, err := repo.ListAppointments(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, appts, "no partial appointment may survive the rollback")
}

func TestGetAppointment(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	slotID := seedSlotWithStatus(t, repo, time.Now().Add(72*time.Hour), SlotAvailable)
	svc := NewService(ServiceDeps{Repo: repo})

	res, err := svc.CreateBooking(ctx, validBooking(slotID, "aiko@example.com"))
	require.NoError(t, err)

	detail, err := svc.GetAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Appointment.ID, detail.ID)
	assert.Equal(t, slotID, detail.Slot.ID)
	assert.Equal(t, "aiko@example.com", detail.Patient.Email)

	_, err = svc.GetAppointment(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestListAppointmentsPagination(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	svc := NewService(ServiceDeps{Repo: repo})

	base := time.Now().Add(72 * time.Hour)
	for i := 0; i < 3; i++ {
		slotID := seedSlotWithStatus(t, repo, base.Add(time.Duration(i)*time.Hour), SlotAvailable)
		_, err := svc.CreateBooking(ctx, validBooking(slotID, "aiko@example.com"))
		require.NoError(t, err)
	}

	page, err := svc.ListAppointments(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	rest, err := svc.ListAppointments(ctx, 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	// Ordered by slot start time.
	assert.True(t, page[0].Slot.StartTime.Before(page[1].Slot.StartTime))
}
