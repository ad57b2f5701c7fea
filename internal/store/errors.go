package store

import "errors"

var (
	ErrValidation          = errors.New("invalid check-in input")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidTransition   = errors.New("invalid appointment state")
	ErrTicketIDExhausted   = errors.New("ticket id retries exhausted")
)
