package visit

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a visit.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

func (s Status) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Visit is one clinical encounter.
type Visit struct {
	ID              int64      `json:"visit_id"`
	PatientID       int64      `json:"patient_id"`
	HospitalID      int64      `json:"hospital_id"`
	BranchID        *int64     `json:"branch_id"`
	Status          Status     `json:"visit_status"`
	AdmissionStatus string     `json:"admission_status"`
	Reason          *string    `json:"reason"`
	AttendingID     *int64     `json:"attending_id"`
	IsActive        bool       `json:"is_active"`
	DeletedAt       *time.Time `json:"deleted_at"`
	OpenedAt        time.Time  `json:"opened_at"`
	ClosedAt        *time.Time `json:"closed_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RecordKind names a clinical sub-record table attached to a visit.
type RecordKind string

const (
	KindVitals        RecordKind = "vitals"
	KindDiagnoses     RecordKind = "diagnoses"
	KindTreatments    RecordKind = "treatments"
	KindPrescriptions RecordKind = "prescriptions"
	KindLabTests      RecordKind = "lab_tests"
	KindImaging       RecordKind = "imaging"
)

var recordKinds = map[RecordKind]bool{
	KindVitals: true, KindDiagnoses: true, KindTreatments: true,
	KindPrescriptions: true, KindLabTests: true, KindImaging: true,
}

func (k RecordKind) Valid() bool { return recordKinds[k] }

// ChildRecord is a clinical sub-record. Payload is stored verbatim.
type ChildRecord struct {
	ID         int64           `json:"record_id"`
	VisitID    int64           `json:"visit_id"`
	Kind       RecordKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	RecordedBy *int64          `json:"recorded_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

type CreateRequest struct {
	PatientID       int64   `json:"patient_id"`
	AdmissionStatus string  `json:"admission_status"`
	Reason          *string `json:"reason"`
	AttendingID     *int64  `json:"attending_id"`
}

// UpdateRequest changes only the fields that are set.
type UpdateRequest struct {
	AdmissionStatus *string `json:"admission_status"`
	Reason          *string `json:"reason"`
	AttendingID     *int64  `json:"attending_id"`
}

// PatientScope is the ownership of the patient a visit is registered for.
type PatientScope struct {
	HospitalID int64
	BranchID   *int64
	Active     bool
}
