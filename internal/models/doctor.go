package models

type Department struct {
	DepartmentID string `json:"department_id"`
	Name         string `json:"name"`
}

type Doctor struct {
	DoctorID           string `json:"doctor_id"`
	DepartmentID       string `json:"department_id"`
	DepartmentName     string `json:"department_name,omitempty"`
	FullName           string `json:"full_name"`
	ServiceRateMinutes int    `json:"service_rate_minutes"`
	OnDuty             bool   `json:"on_duty"`
}
