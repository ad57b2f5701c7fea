package store

import (
	"context"
	"encoding/json"
	"time"

	"clinicq/internal/models"
)

type CheckInInput struct {
	RequestID    string
	DoctorID     string
	PatientName  string
	PatientPhone string
	PatientEmail string
	BookedAt     time.Time
}

type CallNextInput struct {
	DoctorID      string
	AppointmentID string
	CalledAt      time.Time
}

type CompleteInput struct {
	AppointmentID string
	CompletedAt   time.Time
}

// CallNextResult carries the appointment that went in_consultation plus the
// one finished as a side effect, when there was one.
type CallNextResult struct {
	Current  models.Appointment
	Finished *models.Appointment
	Doctor   models.Doctor
}

type CompleteResult struct {
	Appointment models.Appointment
	Doctor      models.Doctor
}

// LiveStatus is the patient-facing view of one appointment: the stored record
// plus the wait estimate recomputed from the queue at read time.
type LiveStatus struct {
	Appointment    models.Appointment `json:"appointment"`
	PeopleAhead    int                `json:"people_ahead"`
	WaitMinutes    int                `json:"wait_minutes"`
	DoctorName     string             `json:"doctor_name"`
	DepartmentName string             `json:"department_name"`
	RateMinutes    int                `json:"rate_minutes"`
}

// QueueSnapshot is the doctor-dashboard view: current patient, if any, and
// the waiting list in token order.
type QueueSnapshot struct {
	Doctor  models.Doctor        `json:"doctor"`
	Current *models.Appointment  `json:"current,omitempty"`
	Waiting []models.Appointment `json:"waiting"`
}

// DisplayRow is one on-duty doctor on the waiting-room board.
type DisplayRow struct {
	Doctor         models.Doctor        `json:"doctor"`
	CurrentToken   int                  `json:"current_token"`
	CurrentPatient string               `json:"current_patient,omitempty"`
	Waiting        []models.Appointment `json:"waiting"`
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type AppointmentStore interface {
	CheckIn(ctx context.Context, input CheckInInput) (models.Appointment, bool, error)
	GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error)
	GetLiveStatus(ctx context.Context, appointmentID string) (LiveStatus, error)
	GetLiveStatusByTicketID(ctx context.Context, ticketID string) (LiveStatus, error)
	CallNext(ctx context.Context, input CallNextInput) (CallNextResult, error)
	Complete(ctx context.Context, input CompleteInput) (CompleteResult, error)
	Cancel(ctx context.Context, appointmentID string, occurredAt time.Time) (models.Appointment, error)
	ToggleDuty(ctx context.Context, doctorID string) (models.Doctor, bool, error)
	GetQueueSnapshot(ctx context.Context, doctorID string) (QueueSnapshot, error)
	DisplayBoard(ctx context.Context) ([]DisplayRow, error)
	ListDepartments(ctx context.Context) ([]models.Department, error)
	ListDoctors(ctx context.Context, departmentID string, onDutyOnly bool) ([]models.Doctor, error)
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]OutboxEvent, error)
}
