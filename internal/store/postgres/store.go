package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/queue"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dayLayout = "2006-01-02"

type Store struct {
	pool            *pgxpool.Pool
	estimator       queue.RateEstimator
	rateStrategy    string
	rateSampleSize  int
	defaultRate     int
	ticketIDRetries int
}

type Options struct {
	DefaultRateMinutes int
	RateFloor          int
	RateCeiling        int
	RateStrategy       string
	RateSampleSize     int
	TicketIDRetries    int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	defaultRate := options.DefaultRateMinutes
	if defaultRate <= 0 {
		defaultRate = queue.DefaultRateMinutes
	}
	sampleSize := options.RateSampleSize
	if sampleSize <= 0 {
		sampleSize = queue.DefaultSampleSize
	}
	retries := options.TicketIDRetries
	if retries <= 0 {
		retries = 5
	}
	return &Store{
		pool:            pool,
		estimator:       queue.NewEstimator(options.RateStrategy, options.RateFloor, options.RateCeiling),
		rateStrategy:    options.RateStrategy,
		rateSampleSize:  sampleSize,
		defaultRate:     defaultRate,
		ticketIDRetries: retries,
	}
}

func (s *Store) CheckIn(ctx context.Context, input store.CheckInInput) (models.Appointment, bool, error) {
	if input.PatientName == "" || input.DoctorID == "" {
		return models.Appointment{}, false, store.ErrValidation
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		var existing models.Appointment
		var found bool
		existing, found, err = findAppointmentByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return models.Appointment{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Appointment{}, false, err
			}
			return existing, false, nil
		}
	}

	doctor, err := lockDoctor(ctx, tx, input.DoctorID)
	if err != nil {
		return models.Appointment{}, false, err
	}

	bookedAt := input.BookedAt
	if bookedAt.IsZero() {
		bookedAt = time.Now().UTC()
	}
	day := bookedAt.UTC().Format(dayLayout)

	seq, err := nextTokenNumber(ctx, tx, input.DoctorID, day)
	if err != nil {
		return models.Appointment{}, false, err
	}

	ticketID, err := s.drawTicketID(ctx, tx, bookedAt)
	if err != nil {
		return models.Appointment{}, false, err
	}

	estimatedStart := queue.InitialStartTime(bookedAt, int(seq)-1, doctor.ServiceRateMinutes)

	var appointment models.Appointment
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (
			appointment_id, request_id, ticket_id, token_number, doctor_id,
			patient_name, patient_phone, patient_email, status, booked_at, booked_day, estimated_start_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+appointmentColumns,
		uuid.NewString(), nullIfEmpty(input.RequestID), ticketID, seq, input.DoctorID,
		input.PatientName, nullIfEmpty(input.PatientPhone), nullIfEmpty(input.PatientEmail),
		models.StatusWaiting, bookedAt, day, estimatedStart)
	appointment, err = scanAppointment(row)
	if err != nil {
		// Two racing check-ins with the same request_id can both miss the
		// lookup above; the loser lands on the unique constraint and must
		// still see the winner's appointment, not an error.
		if input.RequestID != "" && isRequestIDConflict(err) {
			_ = tx.Rollback(ctx)
			existing, found, findErr := findAppointmentByRequestID(ctx, s.pool, input.RequestID)
			if findErr == nil && found {
				err = nil
				return existing, false, nil
			}
		}
		return models.Appointment{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "appointment.checked_in", checkedInPayload(appointment, doctor)); err != nil {
		return models.Appointment{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, false, err
	}
	return appointment, true, nil
}

// drawTicketID re-draws on collision against already-issued ids; the
// identifier space makes exhaustion effectively unreachable, but it must be a
// detectable failure rather than a duplicate.
func (s *Store) drawTicketID(ctx context.Context, tx pgx.Tx, bookedAt time.Time) (string, error) {
	for attempt := 0; attempt < s.ticketIDRetries; attempt++ {
		candidate := queue.NewTicketID(bookedAt.UTC())
		var exists bool
		row := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM appointments WHERE ticket_id = $1)
		`, candidate)
		if err := row.Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", store.ErrTicketIDExhausted
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE appointment_id = $1
	`, appointmentID)
	appointment, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	return appointment, nil
}

func (s *Store) GetLiveStatus(ctx context.Context, appointmentID string) (store.LiveStatus, error) {
	return s.liveStatus(ctx, "a.appointment_id = $1", appointmentID)
}

// GetLiveStatusByTicketID resolves the patient-portal lookup. Malformed and
// unknown ids both surface as ErrAppointmentNotFound so the response does not
// reveal which case occurred.
func (s *Store) GetLiveStatusByTicketID(ctx context.Context, ticketID string) (store.LiveStatus, error) {
	return s.liveStatus(ctx, "a.ticket_id = $1", ticketID)
}

func (s *Store) liveStatus(ctx context.Context, filter, arg string) (store.LiveStatus, error) {
	var status store.LiveStatus
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumnsPrefixed("a")+`, d.full_name, d.service_rate_minutes, dep.name
		FROM appointments a
		JOIN doctors d ON d.doctor_id = a.doctor_id
		JOIN departments dep ON dep.department_id = d.department_id
		WHERE `+filter, arg)
	appointment, extra, err := scanAppointmentWith(row, 3)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.LiveStatus{}, store.ErrAppointmentNotFound
		}
		return store.LiveStatus{}, err
	}
	status.Appointment = appointment
	status.DoctorName = extra[0].(string)
	status.RateMinutes = int(extra[1].(int32))
	status.DepartmentName = extra[2].(string)

	row = s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE doctor_id = $1 AND booked_day = $2 AND status = $3 AND token_number < $4
	`, appointment.DoctorID, appointment.BookedAt.UTC().Format(dayLayout), models.StatusWaiting, appointment.TokenNumber)
	if err := row.Scan(&status.PeopleAhead); err != nil {
		return store.LiveStatus{}, err
	}
	status.WaitMinutes = queue.WaitMinutes(status.PeopleAhead, status.RateMinutes)
	return status, nil
}

func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (store.CallNextResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CallNextResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	doctor, err := lockDoctor(ctx, tx, input.DoctorID)
	if err != nil {
		return store.CallNextResult{}, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	// Finish the doctor's current patient first so the rate reflects only
	// completed visits and no two rows are ever in_consultation together.
	finished, doctor, err := s.finishCurrent(ctx, tx, doctor, calledAt)
	if err != nil {
		return store.CallNextResult{}, err
	}

	target, err := getAppointmentForUpdate(ctx, tx, input.AppointmentID)
	if err != nil {
		return store.CallNextResult{}, err
	}
	if target.DoctorID != input.DoctorID || !store.ValidTransition("call", target.Status) {
		return store.CallNextResult{}, store.ErrInvalidTransition
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $1, actual_start_at = $2
		WHERE appointment_id = $3
		RETURNING `+appointmentColumns,
		models.StatusInConsultation, calledAt, input.AppointmentID)
	current, err := scanAppointment(row)
	if err != nil {
		return store.CallNextResult{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "appointment.called", calledPayload(current, doctor)); err != nil {
		return store.CallNextResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.CallNextResult{}, err
	}

	return store.CallNextResult{Current: current, Finished: finished, Doctor: doctor}, nil
}

func (s *Store) Complete(ctx context.Context, input store.CompleteInput) (store.CompleteResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.CompleteResult{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	appointment, err := s.GetAppointment(ctx, input.AppointmentID)
	if err != nil {
		return store.CompleteResult{}, err
	}

	// Doctor row first, then the appointment row, same order as CallNext.
	doctor, err := lockDoctor(ctx, tx, appointment.DoctorID)
	if err != nil {
		return store.CompleteResult{}, err
	}

	appointment, err = getAppointmentForUpdate(ctx, tx, input.AppointmentID)
	if err != nil {
		return store.CompleteResult{}, err
	}
	if !store.ValidTransition("complete", appointment.Status) {
		return store.CompleteResult{}, store.ErrInvalidTransition
	}

	completedAt := input.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	completed, doctor, err := s.finishAppointment(ctx, tx, appointment, doctor, completedAt)
	if err != nil {
		return store.CompleteResult{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "appointment.completed", completedPayload(completed, doctor)); err != nil {
		return store.CompleteResult{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.CompleteResult{}, err
	}
	return store.CompleteResult{Appointment: completed, Doctor: doctor}, nil
}

// finishCurrent completes whatever appointment the doctor currently has in
// consultation. No current patient is not an error; the estimator is simply
// not updated.
func (s *Store) finishCurrent(ctx context.Context, tx pgx.Tx, doctor models.Doctor, now time.Time) (*models.Appointment, models.Doctor, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND status = $2
		FOR UPDATE
	`, doctor.DoctorID, models.StatusInConsultation)
	current, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, doctor, nil
		}
		return nil, doctor, err
	}

	finished, doctor, err := s.finishAppointment(ctx, tx, current, doctor, now)
	if err != nil {
		return nil, doctor, err
	}
	if err := insertOutboxEvent(ctx, tx, "appointment.completed", completedPayload(finished, doctor)); err != nil {
		return nil, doctor, err
	}
	return &finished, doctor, nil
}

// finishAppointment moves one in_consultation row to completed. A missing
// actual_start_at is a data-integrity gap from an earlier write: it is
// backfilled with the end time so the record stays queryable, and no duration
// is credited to the estimator.
func (s *Store) finishAppointment(ctx context.Context, tx pgx.Tx, appointment models.Appointment, doctor models.Doctor, now time.Time) (models.Appointment, models.Doctor, error) {
	startAt := appointment.ActualStartAt
	hadStart := startAt != nil

	var effectiveStart time.Time
	if hadStart {
		effectiveStart = *startAt
	} else {
		effectiveStart = now
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $1, actual_start_at = $2, actual_end_at = $3
		WHERE appointment_id = $4
		RETURNING `+appointmentColumns,
		models.StatusCompleted, effectiveStart, now, appointment.AppointmentID)
	finished, err := scanAppointment(row)
	if err != nil {
		return models.Appointment{}, doctor, err
	}

	if !hadStart {
		return finished, doctor, nil
	}

	doctor, err = s.relearnRate(ctx, tx, doctor, now.Sub(effectiveStart))
	if err != nil {
		return models.Appointment{}, doctor, err
	}
	return finished, doctor, nil
}

func (s *Store) relearnRate(ctx context.Context, tx pgx.Tx, doctor models.Doctor, duration time.Duration) (models.Doctor, error) {
	var recent []time.Duration
	if s.rateStrategy == queue.StrategyAverage {
		var err error
		recent, err = recentDurations(ctx, tx, doctor.DoctorID, s.rateSampleSize)
		if err != nil {
			return doctor, err
		}
	}

	newRate := s.estimator.Update(doctor.ServiceRateMinutes, duration, recent)
	if newRate == doctor.ServiceRateMinutes {
		return doctor, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE doctors SET service_rate_minutes = $1 WHERE doctor_id = $2
	`, newRate, doctor.DoctorID); err != nil {
		return doctor, err
	}
	doctor.ServiceRateMinutes = newRate
	return doctor, nil
}

func (s *Store) Cancel(ctx context.Context, appointmentID string, occurredAt time.Time) (models.Appointment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $1
		WHERE appointment_id = $2 AND status = $3
		RETURNING `+appointmentColumns,
		models.StatusCancelled, appointmentID, models.StatusWaiting)
	appointment, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			existsRow := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM appointments WHERE appointment_id = $1)
			`, appointmentID)
			if err = existsRow.Scan(&exists); err != nil {
				return models.Appointment{}, err
			}
			if !exists {
				err = store.ErrAppointmentNotFound
				return models.Appointment{}, err
			}
			err = store.ErrInvalidTransition
			return models.Appointment{}, err
		}
		return models.Appointment{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "appointment.cancelled", map[string]interface{}{
		"appointment_id": appointment.AppointmentID,
		"doctor_id":      appointment.DoctorID,
		"token_number":   appointment.TokenNumber,
		"status":         appointment.Status,
		"occurred_at":    occurredAt,
	}); err != nil {
		return models.Appointment{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, err
	}
	return appointment, nil
}

// ToggleDuty is deliberately lenient: an unknown doctor yields found=false
// with no error, and repeated calls just keep flipping the flag.
func (s *Store) ToggleDuty(ctx context.Context, doctorID string) (models.Doctor, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Doctor{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var doctor models.Doctor
	row := tx.QueryRow(ctx, `
		UPDATE doctors
		SET on_duty = NOT on_duty
		WHERE doctor_id = $1
		RETURNING doctor_id, department_id, full_name, service_rate_minutes, on_duty
	`, doctorID)
	if err = row.Scan(&doctor.DoctorID, &doctor.DepartmentID, &doctor.FullName, &doctor.ServiceRateMinutes, &doctor.OnDuty); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.Commit(ctx)
			return models.Doctor{}, false, err
		}
		return models.Doctor{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "doctor.duty", map[string]interface{}{
		"doctor_id": doctor.DoctorID,
		"on_duty":   doctor.OnDuty,
	}); err != nil {
		return models.Doctor{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Doctor{}, false, err
	}
	return doctor, true, nil
}

func (s *Store) GetQueueSnapshot(ctx context.Context, doctorID string) (store.QueueSnapshot, error) {
	var snapshot store.QueueSnapshot
	row := s.pool.QueryRow(ctx, `
		SELECT d.doctor_id, d.department_id, d.full_name, d.service_rate_minutes, d.on_duty, dep.name
		FROM doctors d
		JOIN departments dep ON dep.department_id = d.department_id
		WHERE d.doctor_id = $1
	`, doctorID)
	if err := row.Scan(&snapshot.Doctor.DoctorID, &snapshot.Doctor.DepartmentID, &snapshot.Doctor.FullName,
		&snapshot.Doctor.ServiceRateMinutes, &snapshot.Doctor.OnDuty, &snapshot.Doctor.DepartmentName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.QueueSnapshot{}, store.ErrDoctorNotFound
		}
		return store.QueueSnapshot{}, err
	}

	current, err := s.currentAppointment(ctx, doctorID)
	if err != nil {
		return store.QueueSnapshot{}, err
	}
	snapshot.Current = current

	waiting, err := s.waitingList(ctx, doctorID, 0)
	if err != nil {
		return store.QueueSnapshot{}, err
	}
	snapshot.Waiting = waiting
	return snapshot, nil
}

func (s *Store) DisplayBoard(ctx context.Context) ([]store.DisplayRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.doctor_id, d.department_id, d.full_name, d.service_rate_minutes, d.on_duty, dep.name
		FROM doctors d
		JOIN departments dep ON dep.department_id = d.department_id
		WHERE d.on_duty = TRUE
		ORDER BY dep.name ASC, d.full_name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var board []store.DisplayRow
	for rows.Next() {
		var entry store.DisplayRow
		if err := rows.Scan(&entry.Doctor.DoctorID, &entry.Doctor.DepartmentID, &entry.Doctor.FullName,
			&entry.Doctor.ServiceRateMinutes, &entry.Doctor.OnDuty, &entry.Doctor.DepartmentName); err != nil {
			return nil, err
		}
		board = append(board, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range board {
		current, err := s.currentAppointment(ctx, board[i].Doctor.DoctorID)
		if err != nil {
			return nil, err
		}
		if current != nil {
			board[i].CurrentToken = current.TokenNumber
			board[i].CurrentPatient = current.PatientName
		}
		waiting, err := s.waitingList(ctx, board[i].Doctor.DoctorID, 3)
		if err != nil {
			return nil, err
		}
		board[i].Waiting = waiting
	}
	return board, nil
}

func (s *Store) ListDepartments(ctx context.Context) ([]models.Department, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT department_id, name FROM departments ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var departments []models.Department
	for rows.Next() {
		var dep models.Department
		if err := rows.Scan(&dep.DepartmentID, &dep.Name); err != nil {
			return nil, err
		}
		departments = append(departments, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return departments, nil
}

func (s *Store) ListDoctors(ctx context.Context, departmentID string, onDutyOnly bool) ([]models.Doctor, error) {
	query := `
		SELECT d.doctor_id, d.department_id, d.full_name, d.service_rate_minutes, d.on_duty, dep.name
		FROM doctors d
		JOIN departments dep ON dep.department_id = d.department_id
	`
	var args []interface{}
	var filters []string
	if departmentID != "" {
		args = append(args, departmentID)
		filters = append(filters, fmt.Sprintf("d.department_id = $%d", len(args)))
	}
	if onDutyOnly {
		filters = append(filters, "d.on_duty = TRUE")
	}
	for i, filter := range filters {
		if i == 0 {
			query += " WHERE " + filter
		} else {
			query += " AND " + filter
		}
	}
	query += " ORDER BY d.full_name ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var doctors []models.Doctor
	for rows.Next() {
		var doctor models.Doctor
		if err := rows.Scan(&doctor.DoctorID, &doctor.DepartmentID, &doctor.FullName,
			&doctor.ServiceRateMinutes, &doctor.OnDuty, &doctor.DepartmentName); err != nil {
			return nil, err
		}
		doctors = append(doctors, doctor)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return doctors, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
	`
	var args []interface{}
	if !after.IsZero() {
		query += " WHERE created_at > $1 ORDER BY created_at ASC LIMIT $2"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) currentAppointment(ctx context.Context, doctorID string) (*models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1 AND status = $2
		LIMIT 1
	`, doctorID, models.StatusInConsultation)
	appointment, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &appointment, nil
}

func (s *Store) waitingList(ctx context.Context, doctorID string, limit int) ([]models.Appointment, error) {
	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE doctor_id = $1 AND status = $2
		ORDER BY booked_day ASC, token_number ASC
	`
	args := []interface{}{doctorID, models.StatusWaiting}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waiting []models.Appointment
	for rows.Next() {
		appointment, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		waiting = append(waiting, appointment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return waiting, nil
}

func lockDoctor(ctx context.Context, tx pgx.Tx, doctorID string) (models.Doctor, error) {
	var doctor models.Doctor
	row := tx.QueryRow(ctx, `
		SELECT doctor_id, department_id, full_name, service_rate_minutes, on_duty
		FROM doctors
		WHERE doctor_id = $1
		FOR UPDATE
	`, doctorID)
	if err := row.Scan(&doctor.DoctorID, &doctor.DepartmentID, &doctor.FullName,
		&doctor.ServiceRateMinutes, &doctor.OnDuty); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, store.ErrDoctorNotFound
		}
		return models.Doctor{}, err
	}
	return doctor, nil
}

func getAppointmentForUpdate(ctx context.Context, tx pgx.Tx, appointmentID string) (models.Appointment, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE appointment_id = $1
		FOR UPDATE
	`, appointmentID)
	appointment, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	return appointment, nil
}

func nextTokenNumber(ctx context.Context, tx pgx.Tx, doctorID, day string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (doctor_id, day, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (doctor_id, day)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, doctorID, day)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func recentDurations(ctx context.Context, tx pgx.Tx, doctorID string, limit int) ([]time.Duration, error) {
	rows, err := tx.Query(ctx, `
		SELECT actual_start_at, actual_end_at
		FROM appointments
		WHERE doctor_id = $1 AND status = $2
			AND actual_start_at IS NOT NULL AND actual_end_at IS NOT NULL
		ORDER BY actual_end_at DESC
		LIMIT $3
	`, doctorID, models.StatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var durations []time.Duration
	for rows.Next() {
		var start, end time.Time
		if err := rows.Scan(&start, &end); err != nil {
			return nil, err
		}
		durations = append(durations, end.Sub(start))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return durations, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isRequestIDConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "appointments_request_id_key"
}

func findAppointmentByRequestID(ctx context.Context, q rowQuerier, requestID string) (models.Appointment, bool, error) {
	row := q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE request_id = $1
	`, requestID)
	appointment, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, false, nil
		}
		return models.Appointment{}, false, err
	}
	return appointment, true, nil
}

const appointmentColumns = `appointment_id, ticket_id, token_number, doctor_id, patient_name,
		patient_phone, patient_email, status, request_id, booked_at, estimated_start_at,
		actual_start_at, actual_end_at`

func appointmentColumnsPrefixed(alias string) string {
	return alias + `.appointment_id, ` + alias + `.ticket_id, ` + alias + `.token_number, ` +
		alias + `.doctor_id, ` + alias + `.patient_name, ` + alias + `.patient_phone, ` +
		alias + `.patient_email, ` + alias + `.status, ` + alias + `.request_id, ` +
		alias + `.booked_at, ` + alias + `.estimated_start_at, ` + alias + `.actual_start_at, ` +
		alias + `.actual_end_at`
}

func scanAppointment(row pgx.Row) (models.Appointment, error) {
	appointment, _, err := scanAppointmentWith(row, 0)
	return appointment, err
}

func scanAppointmentWith(row pgx.Row, extraColumns int) (models.Appointment, []interface{}, error) {
	var appointment models.Appointment
	var phoneNull, emailNull, requestIDNull sql.NullString
	var estimatedNull, startNull, endNull sql.NullTime

	targets := []interface{}{
		&appointment.AppointmentID, &appointment.TicketID, &appointment.TokenNumber,
		&appointment.DoctorID, &appointment.PatientName, &phoneNull, &emailNull,
		&appointment.Status, &requestIDNull, &appointment.BookedAt, &estimatedNull,
		&startNull, &endNull,
	}
	extras := make([]interface{}, extraColumns)
	for i := range extras {
		switch i {
		case 1:
			extras[i] = new(int32)
		default:
			extras[i] = new(string)
		}
		targets = append(targets, extras[i])
	}

	if err := row.Scan(targets...); err != nil {
		return models.Appointment{}, nil, err
	}

	if phoneNull.Valid {
		appointment.PatientPhone = phoneNull.String
	}
	if emailNull.Valid {
		appointment.PatientEmail = emailNull.String
	}
	if requestIDNull.Valid {
		appointment.RequestID = requestIDNull.String
	}
	appointment.EstimatedStartAt = nullTimePtr(estimatedNull)
	appointment.ActualStartAt = nullTimePtr(startNull)
	appointment.ActualEndAt = nullTimePtr(endNull)

	values := make([]interface{}, extraColumns)
	for i, target := range extras {
		switch v := target.(type) {
		case *string:
			values[i] = *v
		case *int32:
			values[i] = *v
		}
	}
	return appointment, values, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

func checkedInPayload(appointment models.Appointment, doctor models.Doctor) map[string]interface{} {
	return map[string]interface{}{
		"appointment_id":     appointment.AppointmentID,
		"ticket_id":          appointment.TicketID,
		"token_number":       appointment.TokenNumber,
		"doctor_id":          doctor.DoctorID,
		"doctor_name":        doctor.FullName,
		"status":             appointment.Status,
		"booked_at":          appointment.BookedAt,
		"estimated_start_at": appointment.EstimatedStartAt,
	}
}

func calledPayload(appointment models.Appointment, doctor models.Doctor) map[string]interface{} {
	return map[string]interface{}{
		"appointment_id":  appointment.AppointmentID,
		"token_number":    appointment.TokenNumber,
		"doctor_id":       doctor.DoctorID,
		"doctor_name":     doctor.FullName,
		"status":          appointment.Status,
		"actual_start_at": appointment.ActualStartAt,
	}
}

func completedPayload(appointment models.Appointment, doctor models.Doctor) map[string]interface{} {
	return map[string]interface{}{
		"appointment_id":       appointment.AppointmentID,
		"token_number":         appointment.TokenNumber,
		"doctor_id":            doctor.DoctorID,
		"status":               appointment.Status,
		"actual_end_at":        appointment.ActualEndAt,
		"service_rate_minutes": doctor.ServiceRateMinutes,
	}
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
