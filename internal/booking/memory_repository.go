package booking

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository used by tests and local demos.
// InTx clones the whole store, runs fn against the clone and swaps it in on
// success, so a failing fn leaves no partial state behind. A single mutex
// serializes transactions, which is enough to back the same atomicity
// contract the Postgres implementation gets from row-level CAS updates.
type MemoryRepository struct {
	mu   sync.Mutex
	data *memoryData
	inTx bool
}

type memoryData struct {
	slots        map[uuid.UUID]*Slot
	slotsByStart map[int64]uuid.UUID
	patients     map[uuid.UUID]*Patient
	appointments map[uuid.UUID]*Appointment
	consents     []Consent
	events       []AuditEvent
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		data: &memoryData{
			slots:        make(map[uuid.UUID]*Slot),
			slotsByStart: make(map[int64]uuid.UUID),
			patients:     make(map[uuid.UUID]*Patient),
			appointments: make(map[uuid.UUID]*Appointment),
		},
	}
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		slots:        make(map[uuid.UUID]*Slot, len(d.slots)),
		slotsByStart: make(map[int64]uuid.UUID, len(d.slotsByStart)),
		patients:     make(map[uuid.UUID]*Patient, len(d.patients)),
		appointments: make(map[uuid.UUID]*Appointment, len(d.appointments)),
		consents:     append([]Consent(nil), d.consents...),
		events:       append([]AuditEvent(nil), d.events...),
	}
	for id, s := range d.slots {
		cp := *s
		c.slots[id] = &cp
	}
	for k, v := range d.slotsByStart {
		c.slotsByStart[k] = v
	}
	for id, p := range d.patients {
		cp := *p
		c.patients[id] = &cp
	}
	for id, a := range d.appointments {
		cp := *a
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
		c.appointments[id] = &cp
	}
	return c
}

func (m *MemoryRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	if m.inTx {
		return fn(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := m.data.clone()
	if err := fn(&MemoryRepository{data: clone, inTx: true}); err != nil {
		return err
	}
	m.data = clone
	return nil
}

func (m *MemoryRepository) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

// Slots

func (m *MemoryRepository) InsertSlots(ctx context.Context, slots []Slot) (int, error) {
	defer m.lock()()

	now := time.Now()
	created := 0
	for _, s := range slots {
		key := s.StartTime.UnixNano()
		if _, exists := m.data.slotsByStart[key]; exists {
			continue
		}
		cp := s
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		cp.Status = SlotAvailable
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.data.slots[cp.ID] = &cp
		m.data.slotsByStart[key] = cp.ID
		created++
	}
	return created, nil
}

func (m *MemoryRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	defer m.lock()()

	s, ok := m.data.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error) {
	defer m.lock()()

	var result []Slot
	for _, s := range m.data.slots {
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		if f.From != nil && s.StartTime.Before(*f.From) {
			continue
		}
		if f.To != nil && !s.StartTime.Before(*f.To) {
			continue
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result, nil
}

func (m *MemoryRepository) ClaimSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	defer m.lock()()

	s, ok := m.data.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != SlotAvailable {
		return nil, ErrSlotUnavailable
	}
	s.Status = SlotBooked
	s.UpdatedAt = time.Now()
	cp := *s
	return &cp, nil
}

func (m *MemoryRepository) ReleaseSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	defer m.lock()()

	s, ok := m.data.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	if s.Status != SlotAvailable {
		s.Status = SlotAvailable
		s.UpdatedAt = time.Now()
	}
	cp := *s
	return &cp, nil
}

// Patients

func (m *MemoryRepository) GetPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	defer m.lock()()

	var found *Patient
	for _, p := range m.data.patients {
		if strings.EqualFold(p.Email, email) {
			if found == nil || p.CreatedAt.Before(found.CreatedAt) {
				found = p
			}
		}
	}
	if found == nil {
		return nil, ErrPatientNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryRepository) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	defer m.lock()()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := p
	m.data.patients[p.ID] = &cp
	out := p
	return &out, nil
}

// Appointments

func (m *MemoryRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	defer m.lock()()
	return m.appointmentCopy(id)
}

func (m *MemoryRepository) appointmentCopy(id uuid.UUID) (*Appointment, error) {
	a, ok := m.data.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	cp.Metadata = make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		cp.Metadata[k] = v
	}
	return &cp, nil
}

func (m *MemoryRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	defer m.lock()()

	a, err := m.appointmentCopy(id)
	if err != nil {
		return nil, err
	}
	slot, ok := m.data.slots[a.SlotID]
	if !ok {
		return nil, ErrSlotNotFound
	}
	patient, ok := m.data.patients[a.PatientID]
	if !ok {
		return nil, ErrPatientNotFound
	}
	slotCp := *slot
	patientCp := *patient
	return &AppointmentDetail{Appointment: *a, Slot: &slotCp, Patient: &patientCp}, nil
}

func (m *MemoryRepository) GetConfirmedAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	defer m.lock()()

	for id, a := range m.data.appointments {
		if a.SlotID == slotID && a.Status == StatusConfirmed {
			return m.appointmentCopy(id)
		}
	}
	return nil, ErrAppointmentNotFound
}

func (m *MemoryRepository) ListAppointments(ctx context.Context, limit, offset int) ([]AppointmentDetail, error) {
	defer m.lock()()

	var details []AppointmentDetail
	for id, a := range m.data.appointments {
		slot, ok := m.data.slots[a.SlotID]
		if !ok {
			continue
		}
		cp, _ := m.appointmentCopy(id)
		slotCp := *slot
		var patientCp *Patient
		if p, ok := m.data.patients[a.PatientID]; ok {
			v := *p
			patientCp = &v
		}
		details = append(details, AppointmentDetail{Appointment: *cp, Slot: &slotCp, Patient: patientCp})
	}
	sort.Slice(details, func(i, j int) bool {
		return details[i].Slot.StartTime.Before(details[j].Slot.StartTime)
	})

	if offset >= len(details) {
		return nil, nil
	}
	details = details[offset:]
	if limit > 0 && limit < len(details) {
		details = details[:limit]
	}
	return details, nil
}

func (m *MemoryRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	defer m.lock()()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	cp := a
	m.data.appointments[a.ID] = &cp
	return m.appointmentCopy(a.ID)
}

func (m *MemoryRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	defer m.lock()()

	a, ok := m.data.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	return m.appointmentCopy(id)
}

func (m *MemoryRepository) UpdateAppointmentSlot(ctx context.Context, id, fromSlot, toSlot uuid.UUID) (*Appointment, error) {
	defer m.lock()()

	a, ok := m.data.appointments[id]
	if !ok || a.SlotID != fromSlot || a.Status != StatusConfirmed {
		return nil, ErrAppointmentNotFound
	}
	a.SlotID = toSlot
	a.UpdatedAt = time.Now()
	return m.appointmentCopy(id)
}

func (m *MemoryRepository) MergeAppointmentMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	defer m.lock()()

	a, ok := m.data.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	for k, v := range patch {
		a.Metadata[k] = v
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) SetAppointmentVideoURL(ctx context.Context, id uuid.UUID, url string) error {
	defer m.lock()()

	a, ok := m.data.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.VideoURL = &url
	a.UpdatedAt = time.Now()
	return nil
}

// Consents

func (m *MemoryRepository) InsertConsents(ctx context.Context, consents []Consent) error {
	defer m.lock()()

	now := time.Now()
	for _, c := range consents {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.GrantedAt.IsZero() {
			c.GrantedAt = now
		}
		m.data.consents = append(m.data.consents, c)
	}
	return nil
}

// ConsentsForAppointment is a test helper.
func (m *MemoryRepository) ConsentsForAppointment(appointmentID uuid.UUID) []Consent {
	defer m.lock()()

	var result []Consent
	for _, c := range m.data.consents {
		if c.AppointmentID == appointmentID {
			result = append(result, c)
		}
	}
	return result
}

// Reconciliation

func (m *MemoryRepository) FindOrphanedBookedSlots(ctx context.Context, updatedBefore time.Time) ([]Slot, error) {
	defer m.lock()()

	live := make(map[uuid.UUID]bool)
	for _, a := range m.data.appointments {
		if a.Status == StatusConfirmed {
			live[a.SlotID] = true
		}
	}

	var result []Slot
	for _, s := range m.data.slots {
		if s.Status == SlotBooked && !live[s.ID] && s.UpdatedAt.Before(updatedBefore) {
			result = append(result, *s)
		}
	}
	return result, nil
}

func (m *MemoryRepository) FindExpiredHeldSlots(ctx context.Context, heldBefore time.Time) ([]Slot, error) {
	defer m.lock()()

	var result []Slot
	for _, s := range m.data.slots {
		if s.Status == SlotHeld && s.UpdatedAt.Before(heldBefore) {
			result = append(result, *s)
		}
	}
	return result, nil
}

// Audit trail

func (m *MemoryRepository) InsertEvent(ctx context.Context, ev AuditEvent) error {
	defer m.lock()()

	ev.ID = int64(len(m.data.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.data.events = append(m.data.events, ev)
	return nil
}

// Events is a test helper returning the recorded audit trail.
func (m *MemoryRepository) Events() []AuditEvent {
	defer m.lock()()
	return append([]AuditEvent(nil), m.data.events...)
}
