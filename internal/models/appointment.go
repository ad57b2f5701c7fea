package models

import "time"

type Appointment struct {
	AppointmentID    string     `json:"appointment_id"`
	TicketID         string     `json:"ticket_id"`
	TokenNumber      int        `json:"token_number"`
	DoctorID         string     `json:"doctor_id"`
	PatientName      string     `json:"patient_name"`
	PatientPhone     string     `json:"patient_phone,omitempty"`
	PatientEmail     string     `json:"patient_email,omitempty"`
	Status           string     `json:"status"`
	RequestID        string     `json:"request_id,omitempty"`
	BookedAt         time.Time  `json:"booked_at"`
	EstimatedStartAt *time.Time `json:"estimated_start_at,omitempty"`
	ActualStartAt    *time.Time `json:"actual_start_at,omitempty"`
	ActualEndAt      *time.Time `json:"actual_end_at,omitempty"`
}

const (
	StatusWaiting        = "waiting"
	StatusInConsultation = "in_consultation"
	StatusCompleted      = "completed"
	StatusCancelled      = "cancelled"
)
