package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxDB is the subset of pgxpool.Pool used by the repository. pgx.Tx and
// pgxmock pools satisfy it too, which is how transaction scoping and tests
// reuse the same code paths.
type pgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	db   pgxDB
	inTx bool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{db: pool}
}

func newPgRepositoryWithDB(db pgxDB) *PgRepository {
	return &PgRepository{db: db}
}

// InTx runs fn against a transaction-bound repository. Nested calls reuse the
// surrounding transaction.
func (r *PgRepository) InTx(ctx context.Context, fn func(Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&PgRepository{db: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Helpers

const slotColumns = `id, start_time, end_time, status, created_at, updated_at`

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot

	err := row.Scan(
		&s.ID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}

	return &s, nil
}

const patientColumns = `id, name, kana, email, phone, date_of_birth, is_family, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Kana,
		&p.Email,
		&p.Phone,
		&p.DateOfBirth,
		&p.IsFamily,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

const appointmentColumns = `id, patient_id, slot_id, visit_type, status, video_url, notes, metadata, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var metadata []byte

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.SlotID,
		&a.VisitType,
		&a.Status,
		&a.VideoURL,
		&a.Notes,
		&metadata,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode appointment metadata: %w", err)
		}
	}

	return &a, nil
}

// Slots

func (r *PgRepository) InsertSlots(ctx context.Context, slots []Slot) (int, error) {
	created := 0
	for _, s := range slots {
		tag, err := r.db.Exec(ctx, `
			INSERT INTO slots (id, start_time, end_time, status, created_at, updated_at)
			VALUES ($1, $2, $3, 'available', now(), now())
			ON CONFLICT (start_time) DO NOTHING
		`, s.ID, s.StartTime, s.EndTime)
		if err != nil {
			return created, fmt.Errorf("insert slot at %s: %w", s.StartTime, err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlots(ctx context.Context, f SlotFilter) ([]Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots`
	var args []any
	var conds []string

	if f.Status != nil {
		args = append(args, *f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.From != nil {
		args = append(args, *f.From)
		conds = append(conds, fmt.Sprintf("start_time >= $%d", len(args)))
	}
	if f.To != nil {
		args = append(args, *f.To)
		conds = append(conds, fmt.Sprintf("start_time < $%d", len(args)))
	}

	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY start_time ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	return result, rows.Err()
}

// ClaimSlot is a single conditional UPDATE: the row flips available->booked or
// the statement affects nothing. Concurrent claimants race on the row, one
// wins, the rest observe ErrSlotUnavailable.
func (r *PgRepository) ClaimSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE slots
		SET status = 'booked',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'available'
		RETURNING `+slotColumns+`
	`, id)

	s, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		// Distinguish a missing slot from a contended one.
		if _, getErr := r.GetSlotByID(ctx, id); getErr == nil {
			return nil, ErrSlotUnavailable
		}
		return nil, ErrSlotNotFound
	}
	return s, err
}

func (r *PgRepository) ReleaseSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE slots
		SET status = 'available',
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('booked', 'held')
		RETURNING `+slotColumns+`
	`, id)

	s, err := scanSlot(row)
	if errors.Is(err, ErrSlotNotFound) {
		// Already available counts as released.
		return r.GetSlotByID(ctx, id)
	}
	return s, err
}

// Patients

func (r *PgRepository) GetPatientByEmail(ctx context.Context, email string) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE lower(email) = lower($1)
		ORDER BY created_at ASC
		LIMIT 1
	`, email)
	return scanPatient(row)
}

func (r *PgRepository) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, name, kana, email, phone, date_of_birth, is_family, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+patientColumns+`
	`, p.ID, p.Name, p.Kana, p.Email, p.Phone, p.DateOfBirth, p.IsFamily)

	return scanPatient(row)
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetConfirmedAppointmentForSlot(ctx context.Context, slotID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE slot_id = $1 AND status = 'confirmed'
	`, slotID)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}

	slot, err := r.GetSlotByID(ctx, appt.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot for appointment %s: %w", id, err)
	}

	row := r.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE id = $1
	`, appt.PatientID)
	patient, err := scanPatient(row)
	if err != nil {
		return nil, fmt.Errorf("load patient for appointment %s: %w", id, err)
	}

	return &AppointmentDetail{Appointment: *appt, Slot: slot, Patient: patient}, nil
}

func (r *PgRepository) ListAppointments(ctx context.Context, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.patient_id, a.slot_id, a.visit_type, a.status, a.video_url, a.notes, a.metadata, a.created_at, a.updated_at,
		       s.id, s.start_time, s.end_time, s.status, s.created_at, s.updated_at,
		       p.id, p.name, p.kana, p.email, p.phone, p.date_of_birth, p.is_family, p.created_at, p.updated_at
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		JOIN patients p ON p.id = a.patient_id
		ORDER BY s.start_time ASC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		var a Appointment
		var metadata []byte
		var s Slot
		var p Patient

		err := rows.Scan(
			&a.ID, &a.PatientID, &a.SlotID, &a.VisitType, &a.Status, &a.VideoURL, &a.Notes, &metadata, &a.CreatedAt, &a.UpdatedAt,
			&s.ID, &s.StartTime, &s.EndTime, &s.Status, &s.CreatedAt, &s.UpdatedAt,
			&p.ID, &p.Name, &p.Kana, &p.Email, &p.Phone, &p.DateOfBirth, &p.IsFamily, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode appointment metadata: %w", err)
			}
		}

		result = append(result, AppointmentDetail{Appointment: a, Slot: &s, Patient: &p})
	}

	return result, rows.Err()
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	metadata, err := json.Marshal(orEmpty(a.Metadata))
	if err != nil {
		return nil, fmt.Errorf("encode appointment metadata: %w", err)
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, slot_id, visit_type, status, video_url, notes, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING `+appointmentColumns+`
	`, a.ID, a.PatientID, a.SlotID, a.VisitType, a.Status, a.VideoURL, a.Notes, metadata)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointmentSlot(ctx context.Context, id, fromSlot, toSlot uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET slot_id = $3,
		    updated_at = now()
		WHERE id = $1
		  AND slot_id = $2
		  AND status = 'confirmed'
		RETURNING `+appointmentColumns+`
	`, id, fromSlot, toSlot)

	return scanAppointment(row)
}

func (r *PgRepository) MergeAppointmentMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	data, err := json.Marshal(orEmpty(patch))
	if err != nil {
		return fmt.Errorf("encode metadata patch: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET metadata = metadata || $2::jsonb,
		    updated_at = now()
		WHERE id = $1
	`, id, data)
	if err != nil {
		return fmt.Errorf("merge appointment metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) SetAppointmentVideoURL(ctx context.Context, id uuid.UUID, url string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments
		SET video_url = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, url)
	if err != nil {
		return fmt.Errorf("set appointment video url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// Consents

func (r *PgRepository) InsertConsents(ctx context.Context, consents []Consent) error {
	for _, c := range consents {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		_, err := r.db.Exec(ctx, `
			INSERT INTO consents (id, patient_id, appointment_id, consent_type, version, granted_at)
			VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		`, c.ID, c.PatientID, c.AppointmentID, c.Type, c.Version, nullableTime(c.GrantedAt))
		if err != nil {
			return fmt.Errorf("insert consent %s: %w", c.Type, err)
		}
	}
	return nil
}

// Reconciliation

func (r *PgRepository) FindOrphanedBookedSlots(ctx context.Context, updatedBefore time.Time) ([]Slot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots s
		WHERE s.status = 'booked'
		  AND s.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM appointments a
			WHERE a.slot_id = s.id AND a.status = 'confirmed'
		  )
	`, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	return result, rows.Err()
}

func (r *PgRepository) FindExpiredHeldSlots(ctx context.Context, heldBefore time.Time) ([]Slot, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+slotColumns+`
		FROM slots
		WHERE status = 'held'
		  AND updated_at < $1
	`, heldBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}

	return result, rows.Err()
}

// Audit trail

func (r *PgRepository) InsertEvent(ctx context.Context, ev AuditEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
