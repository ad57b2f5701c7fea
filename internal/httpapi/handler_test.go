package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinicq/internal/mirror"
	"clinicq/internal/models"
	"clinicq/internal/store"
)

type fakeStore struct {
	checkInFn      func(ctx context.Context, input store.CheckInInput) (models.Appointment, bool, error)
	getFn          func(ctx context.Context, appointmentID string) (models.Appointment, error)
	liveFn         func(ctx context.Context, appointmentID string) (store.LiveStatus, error)
	liveByTicketFn func(ctx context.Context, ticketID string) (store.LiveStatus, error)
	callNextFn     func(ctx context.Context, input store.CallNextInput) (store.CallNextResult, error)
	completeFn     func(ctx context.Context, input store.CompleteInput) (store.CompleteResult, error)
	cancelFn       func(ctx context.Context, appointmentID string, occurredAt time.Time) (models.Appointment, error)
	toggleFn       func(ctx context.Context, doctorID string) (models.Doctor, bool, error)
	snapshotFn     func(ctx context.Context, doctorID string) (store.QueueSnapshot, error)
	displayFn      func(ctx context.Context) ([]store.DisplayRow, error)
	departmentsFn  func(ctx context.Context) ([]models.Department, error)
	doctorsFn      func(ctx context.Context, departmentID string, onDutyOnly bool) ([]models.Doctor, error)
	outboxFn       func(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
}

func (f fakeStore) CheckIn(ctx context.Context, input store.CheckInInput) (models.Appointment, bool, error) {
	if f.checkInFn == nil {
		return models.Appointment{}, false, nil
	}
	return f.checkInFn(ctx, input)
}

func (f fakeStore) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	if f.getFn == nil {
		return models.Appointment{}, nil
	}
	return f.getFn(ctx, appointmentID)
}

func (f fakeStore) GetLiveStatus(ctx context.Context, appointmentID string) (store.LiveStatus, error) {
	if f.liveFn == nil {
		return store.LiveStatus{}, nil
	}
	return f.liveFn(ctx, appointmentID)
}

func (f fakeStore) GetLiveStatusByTicketID(ctx context.Context, ticketID string) (store.LiveStatus, error) {
	if f.liveByTicketFn == nil {
		return store.LiveStatus{}, nil
	}
	return f.liveByTicketFn(ctx, ticketID)
}

func (f fakeStore) CallNext(ctx context.Context, input store.CallNextInput) (store.CallNextResult, error) {
	if f.callNextFn == nil {
		return store.CallNextResult{}, nil
	}
	return f.callNextFn(ctx, input)
}

func (f fakeStore) Complete(ctx context.Context, input store.CompleteInput) (store.CompleteResult, error) {
	if f.completeFn == nil {
		return store.CompleteResult{}, nil
	}
	return f.completeFn(ctx, input)
}

func (f fakeStore) Cancel(ctx context.Context, appointmentID string, occurredAt time.Time) (models.Appointment, error) {
	if f.cancelFn == nil {
		return models.Appointment{}, nil
	}
	return f.cancelFn(ctx, appointmentID, occurredAt)
}

func (f fakeStore) ToggleDuty(ctx context.Context, doctorID string) (models.Doctor, bool, error) {
	if f.toggleFn == nil {
		return models.Doctor{}, false, nil
	}
	return f.toggleFn(ctx, doctorID)
}

func (f fakeStore) GetQueueSnapshot(ctx context.Context, doctorID string) (store.QueueSnapshot, error) {
	if f.snapshotFn == nil {
		return store.QueueSnapshot{}, nil
	}
	return f.snapshotFn(ctx, doctorID)
}

func (f fakeStore) DisplayBoard(ctx context.Context) ([]store.DisplayRow, error) {
	if f.displayFn == nil {
		return nil, nil
	}
	return f.displayFn(ctx)
}

func (f fakeStore) ListDepartments(ctx context.Context) ([]models.Department, error) {
	if f.departmentsFn == nil {
		return nil, nil
	}
	return f.departmentsFn(ctx)
}

func (f fakeStore) ListDoctors(ctx context.Context, departmentID string, onDutyOnly bool) ([]models.Doctor, error) {
	if f.doctorsFn == nil {
		return nil, nil
	}
	return f.doctorsFn(ctx, departmentID, onDutyOnly)
}

func (f fakeStore) ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if f.outboxFn == nil {
		return nil, nil
	}
	return f.outboxFn(ctx, after, limit)
}

type fakeNotifier struct {
	updates chan mirror.Update
	err     error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{updates: make(chan mirror.Update, 4)}
}

func (n *fakeNotifier) Publish(ctx context.Context, update mirror.Update) error {
	n.updates <- update
	return n.err
}

const (
	doctorID      = "22222222-2222-2222-2222-222222222222"
	appointmentID = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
)

func TestCheckInSuccess(t *testing.T) {
	st := fakeStore{
		checkInFn: func(ctx context.Context, input store.CheckInInput) (models.Appointment, bool, error) {
			return models.Appointment{
				AppointmentID: appointmentID,
				TicketID:      "20260901-AB12",
				TokenNumber:   4,
				DoctorID:      input.DoctorID,
				PatientName:   input.PatientName,
				Status:        models.StatusWaiting,
			}, true, nil
		},
	}
	h := NewHandler(st, newFakeNotifier())

	payload := map[string]string{
		"doctor_id":    doctorID,
		"patient_name": "Siti Rahma",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/appointments", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", resp.Code)
	}

	var appointment models.Appointment
	if err := json.NewDecoder(resp.Body).Decode(&appointment); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if appointment.TicketID == "" || appointment.TokenNumber != 4 || appointment.Status != models.StatusWaiting {
		t.Fatalf("unexpected appointment response: %+v", appointment)
	}
}

func TestCheckInReplayReturnsExisting(t *testing.T) {
	st := fakeStore{
		checkInFn: func(ctx context.Context, input store.CheckInInput) (models.Appointment, bool, error) {
			return models.Appointment{AppointmentID: appointmentID, TokenNumber: 4}, false, nil
		},
	}
	h := NewHandler(st, newFakeNotifier())

	payload := map[string]string{
		"request_id":   "11111111-1111-1111-1111-111111111111",
		"doctor_id":    doctorID,
		"patient_name": "Siti Rahma",
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/api/appointments", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 on replay, got %d", resp.Code)
	}
}

func TestCheckInMissingFields(t *testing.T) {
	h := NewHandler(fakeStore{}, newFakeNotifier())

	body, _ := json.Marshal(map[string]string{"doctor_id": doctorID})
	req := httptest.NewRequest(http.MethodPost, "/api/appointments", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestCheckInBadPhone(t *testing.T) {
	h := NewHandler(fakeStore{}, newFakeNotifier())

	body, _ := json.Marshal(map[string]string{
		"doctor_id":     doctorID,
		"patient_name":  "Siti Rahma",
		"patient_phone": "abc",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/appointments", bytes.NewReader(body))
	resp := httptest.NewRecorder()

	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestTicketLookupOpacity(t *testing.T) {
	st := fakeStore{
		liveByTicketFn: func(ctx context.Context, ticketID string) (store.LiveStatus, error) {
			return store.LiveStatus{}, store.ErrAppointmentNotFound
		},
	}
	h := NewHandler(st, newFakeNotifier())

	for _, id := range []string{"20260901-ZZZZ", "not-a-ticket-id"} {
		req := httptest.NewRequest(http.MethodGet, "/api/tickets/"+id, nil)
		resp := httptest.NewRecorder()
		h.Routes().ServeHTTP(resp, req)

		if resp.Code != http.StatusNotFound {
			t.Fatalf("ticket %q: expected status 404, got %d", id, resp.Code)
		}
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			t.Fatalf("decode error response: %v", err)
		}
		if errResp.Error.Code != "appointment_not_found" {
			t.Fatalf("ticket %q: expected same error code for malformed and unknown ids, got %q", id, errResp.Error.Code)
		}
	}
}

func TestTicketLookupSuccess(t *testing.T) {
	st := fakeStore{
		liveByTicketFn: func(ctx context.Context, ticketID string) (store.LiveStatus, error) {
			return store.LiveStatus{
				Appointment: models.Appointment{TicketID: ticketID, TokenNumber: 7, Status: models.StatusWaiting},
				PeopleAhead: 2,
				WaitMinutes: 30,
			}, nil
		},
	}
	h := NewHandler(st, newFakeNotifier())

	req := httptest.NewRequest(http.MethodGet, "/api/tickets/20260901-AB12", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var status store.LiveStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if status.WaitMinutes != 30 || status.PeopleAhead != 2 {
		t.Fatalf("unexpected live status: %+v", status)
	}
}

func TestCallNextSuccess(t *testing.T) {
	notifier := newFakeNotifier()
	st := fakeStore{
		callNextFn: func(ctx context.Context, input store.CallNextInput) (store.CallNextResult, error) {
			if input.DoctorID != doctorID || input.AppointmentID != appointmentID {
				t.Errorf("unexpected call-next input: %+v", input)
			}
			return store.CallNextResult{
				Current: models.Appointment{AppointmentID: input.AppointmentID, TokenNumber: 9, Status: models.StatusInConsultation},
				Doctor:  models.Doctor{DoctorID: input.DoctorID, FullName: "Dr. Ayu"},
			}, nil
		},
	}
	h := NewHandler(st, notifier)

	body, _ := json.Marshal(map[string]string{"appointment_id": appointmentID})
	req := httptest.NewRequest(http.MethodPost, "/api/doctors/"+doctorID+"/actions/call-next", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}

	select {
	case update := <-notifier.updates:
		if update.DoctorID != doctorID || update.CurrentToken != 9 || update.Status != models.StatusInConsultation {
			t.Fatalf("unexpected mirror update: %+v", update)
		}
		if update.LastUpdated.IsZero() {
			t.Fatal("mirror update missing last_updated")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("mirror update never published")
	}
}

func TestCallNextInvalidState(t *testing.T) {
	st := fakeStore{
		callNextFn: func(ctx context.Context, input store.CallNextInput) (store.CallNextResult, error) {
			return store.CallNextResult{}, store.ErrInvalidTransition
		},
	}
	h := NewHandler(st, newFakeNotifier())

	body, _ := json.Marshal(map[string]string{"appointment_id": appointmentID})
	req := httptest.NewRequest(http.MethodPost, "/api/doctors/"+doctorID+"/actions/call-next", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestCompleteMirrorFailureIsolated(t *testing.T) {
	notifier := newFakeNotifier()
	notifier.err = errors.New("mirror down")
	st := fakeStore{
		completeFn: func(ctx context.Context, input store.CompleteInput) (store.CompleteResult, error) {
			return store.CompleteResult{
				Appointment: models.Appointment{AppointmentID: input.AppointmentID, TokenNumber: 3, Status: models.StatusCompleted},
				Doctor:      models.Doctor{DoctorID: doctorID, ServiceRateMinutes: 17},
			}, nil
		},
	}
	h := NewHandler(st, notifier)

	req := httptest.NewRequest(http.MethodPost, "/api/appointments/"+appointmentID+"/actions/complete", bytes.NewReader([]byte("{}")))
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("mirror failure leaked into response: %d", resp.Code)
	}
	<-notifier.updates
}

func TestToggleDutyUnknownDoctor(t *testing.T) {
	st := fakeStore{
		toggleFn: func(ctx context.Context, id string) (models.Doctor, bool, error) {
			return models.Doctor{}, false, nil
		},
	}
	h := NewHandler(st, newFakeNotifier())

	req := httptest.NewRequest(http.MethodPost, "/api/doctors/"+doctorID+"/actions/toggle-duty", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200 for unknown doctor, got %d", resp.Code)
	}
	var payload map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["updated"] {
		t.Fatalf("expected updated=false, got %v", payload)
	}
}

func TestCancelInvalidState(t *testing.T) {
	st := fakeStore{
		cancelFn: func(ctx context.Context, id string, occurredAt time.Time) (models.Appointment, error) {
			return models.Appointment{}, store.ErrInvalidTransition
		},
	}
	h := NewHandler(st, newFakeNotifier())

	req := httptest.NewRequest(http.MethodPost, "/api/appointments/"+appointmentID+"/actions/cancel", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", resp.Code)
	}
}

func TestEventsBadAfter(t *testing.T) {
	h := NewHandler(fakeStore{}, newFakeNotifier())

	req := httptest.NewRequest(http.MethodGet, "/api/events?after=yesterday", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
}

func TestEventsLimitCapped(t *testing.T) {
	var gotLimit int
	st := fakeStore{
		outboxFn: func(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	h := NewHandler(st, newFakeNotifier())

	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=100000", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	if gotLimit != maxEventsLimit {
		t.Fatalf("limit=%d, want cap %d", gotLimit, maxEventsLimit)
	}
}

func TestQueueSnapshotDoctorNotFound(t *testing.T) {
	st := fakeStore{
		snapshotFn: func(ctx context.Context, id string) (store.QueueSnapshot, error) {
			return store.QueueSnapshot{}, store.ErrDoctorNotFound
		},
	}
	h := NewHandler(st, newFakeNotifier())

	req := httptest.NewRequest(http.MethodGet, "/api/doctors/"+doctorID+"/queue", nil)
	resp := httptest.NewRecorder()
	h.Routes().ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.Code)
	}
}
