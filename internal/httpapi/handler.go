package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicq/internal/mirror"
	"clinicq/internal/store"

	"github.com/google/uuid"
)

// maxEventsLimit bounds one /api/events page so a single request cannot drag
// the whole outbox through one query.
const maxEventsLimit = 1000

type Handler struct {
	store    store.AppointmentStore
	notifier mirror.Notifier
}

type checkInRequest struct {
	RequestID    string `json:"request_id"`
	DoctorID     string `json:"doctor_id"`
	PatientName  string `json:"patient_name"`
	PatientPhone string `json:"patient_phone"`
	PatientEmail string `json:"patient_email"`
}

type callNextRequest struct {
	AppointmentID string `json:"appointment_id"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.AppointmentStore, notifier mirror.Notifier) *Handler {
	return &Handler{store: store, notifier: notifier}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/appointments", h.handleCheckIn)
	mux.HandleFunc("/api/appointments/", h.handleAppointmentSubtree)
	mux.HandleFunc("/api/tickets/", h.handleTicketLookup)
	mux.HandleFunc("/api/doctors", h.handleListDoctors)
	mux.HandleFunc("/api/doctors/", h.handleDoctorSubtree)
	mux.HandleFunc("/api/departments", h.handleListDepartments)
	mux.HandleFunc("/api/display", h.handleDisplayBoard)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req checkInRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PatientPhone = strings.TrimSpace(req.PatientPhone)
	req.PatientEmail = strings.TrimSpace(req.PatientEmail)

	if req.DoctorID == "" || req.PatientName == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "doctor_id and patient_name are required")
		return
	}
	if !isValidUUID(req.DoctorID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}
	if req.RequestID != "" && !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID when provided")
		return
	}
	if req.PatientPhone != "" && !isValidPhone(req.PatientPhone) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_phone must be 8-16 digits")
		return
	}
	if req.PatientEmail != "" && !strings.Contains(req.PatientEmail, "@") {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_email must be an email address")
		return
	}

	appointment, created, err := h.store.CheckIn(r.Context(), store.CheckInInput{
		RequestID:    req.RequestID,
		DoctorID:     req.DoctorID,
		PatientName:  req.PatientName,
		PatientPhone: req.PatientPhone,
		PatientEmail: req.PatientEmail,
		BookedAt:     time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	if created {
		writeJSON(w, http.StatusCreated, appointment)
		return
	}
	writeJSON(w, http.StatusOK, appointment)
}

func (h *Handler) handleAppointmentSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/appointments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1:
		h.handleGetAppointment(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "wait":
		h.handleLiveStatus(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleAppointmentAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetAppointment(w http.ResponseWriter, r *http.Request, appointmentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(appointmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID")
		return
	}

	appointment, err := h.store.GetAppointment(r.Context(), appointmentID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, appointment)
}

func (h *Handler) handleLiveStatus(w http.ResponseWriter, r *http.Request, appointmentID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(appointmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID")
		return
	}

	status, err := h.store.GetLiveStatus(r.Context(), appointmentID)
	if err != nil {
		httpStatus, code, msg := mapError(err)
		writeError(w, "", httpStatus, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleTicketLookup serves the public ticket portal. Whether the id is
// malformed or simply unknown, the answer is the same 404 so the endpoint
// leaks nothing about issued ids.
func (h *Handler) handleTicketLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticketID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tickets/"), "/")
	if ticketID == "" || strings.Contains(ticketID, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	status, err := h.store.GetLiveStatusByTicketID(r.Context(), ticketID)
	if err != nil {
		httpStatus, code, msg := mapError(err)
		writeError(w, "", httpStatus, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleAppointmentAction(w http.ResponseWriter, r *http.Request, appointmentID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(appointmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID")
		return
	}

	switch action {
	case "complete":
		h.handleComplete(w, r, appointmentID)
	case "cancel":
		h.handleCancel(w, r, appointmentID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request, appointmentID string) {
	result, err := h.store.Complete(r.Context(), store.CompleteInput{
		AppointmentID: appointmentID,
		CompletedAt:   time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	// Token zero tells the display no one is with the doctor now.
	h.publishMirror(mirror.Update{
		DoctorID:     result.Doctor.DoctorID,
		DoctorName:   result.Doctor.FullName,
		CurrentToken: 0,
		Status:       result.Appointment.Status,
	})
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, appointmentID string) {
	appointment, err := h.store.Cancel(r.Context(), appointmentID, time.Now().UTC())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, appointment)
}

func (h *Handler) handleListDoctors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	departmentID := strings.TrimSpace(r.URL.Query().Get("department_id"))
	if departmentID != "" && !isValidUUID(departmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "department_id must be a UUID when provided")
		return
	}
	onDutyOnly := r.URL.Query().Get("on_duty") == "true"

	doctors, err := h.store.ListDoctors(r.Context(), departmentID, onDutyOnly)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, doctors)
}

func (h *Handler) handleDoctorSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/doctors/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 2 && parts[1] == "queue":
		h.handleQueueSnapshot(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions":
		h.handleDoctorAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleQueueSnapshot(w http.ResponseWriter, r *http.Request, doctorID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(doctorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}

	snapshot, err := h.store.GetQueueSnapshot(r.Context(), doctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleDoctorAction(w http.ResponseWriter, r *http.Request, doctorID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isValidUUID(doctorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}

	switch action {
	case "call-next":
		h.handleCallNext(w, r, doctorID)
	case "toggle-duty":
		h.handleToggleDuty(w, r, doctorID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, doctorID string) {
	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "appointment_id is required")
		return
	}
	if !isValidUUID(req.AppointmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID")
		return
	}

	result, err := h.store.CallNext(r.Context(), store.CallNextInput{
		DoctorID:      doctorID,
		AppointmentID: req.AppointmentID,
		CalledAt:      time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	h.publishMirror(mirror.Update{
		DoctorID:     result.Doctor.DoctorID,
		DoctorName:   result.Doctor.FullName,
		CurrentToken: result.Current.TokenNumber,
		Status:       result.Current.Status,
	})
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleToggleDuty(w http.ResponseWriter, r *http.Request, doctorID string) {
	doctor, found, err := h.store.ToggleDuty(r.Context(), doctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, map[string]bool{"updated": false})
		return
	}

	dutyStatus := "off_duty"
	if doctor.OnDuty {
		dutyStatus = "on_duty"
	}
	h.publishMirror(mirror.Update{
		DoctorID:   doctor.DoctorID,
		DoctorName: doctor.FullName,
		Status:     dutyStatus,
	})
	writeJSON(w, http.StatusOK, doctor)
}

func (h *Handler) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	departments, err := h.store.ListDepartments(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, departments)
}

func (h *Handler) handleDisplayBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	board, err := h.store.DisplayBoard(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var after time.Time
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if parsed > maxEventsLimit {
			parsed = maxEventsLimit
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// publishMirror pushes a doctor update to the realtime mirror after the
// transaction committed. Mirror failures are logged and dropped; the queue
// state is already durable and must not be rolled back for a display.
func (h *Handler) publishMirror(update mirror.Update) {
	if update.LastUpdated.IsZero() {
		update.LastUpdated = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.notifier.Publish(ctx, update); err != nil {
			log.Printf("mirror update failed doctor=%s: %v", update.DoctorID, err)
		}
	}()
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", "doctor_id and patient_name are required"
	case errors.Is(err, store.ErrDoctorNotFound):
		return http.StatusNotFound, "doctor_not_found", "doctor not found"
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", "appointment state does not allow this action"
	case errors.Is(err, store.ErrTicketIDExhausted):
		return http.StatusServiceUnavailable, "ticket_id_exhausted", "could not issue a ticket id, retry the check-in"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
