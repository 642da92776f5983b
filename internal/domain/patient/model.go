package patient

import "time"

// Patient holds demographics. Dates are ISO "YYYY-MM-DD" strings.
type Patient struct {
	ID          int64      `json:"patient_id"`
	HospitalID  int64      `json:"hospital_id"`
	BranchID    *int64     `json:"branch_id"`
	NationalID  string     `json:"national_id"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *string    `json:"date_of_birth"`
	Sex         *string    `json:"sex"`
	Phone       *string    `json:"phone"`
	Email       *string    `json:"email"`
	IsActive    bool       `json:"is_active"`
	DeletedAt   *time.Time `json:"deleted_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Allergy struct {
	ID        int64   `json:"allergy_id"`
	PatientID int64   `json:"patient_id"`
	Allergen  string  `json:"allergen"`
	Reaction  *string `json:"reaction"`
	Severity  *string `json:"severity"`
}

type Medication struct {
	ID        int64   `json:"medication_id"`
	PatientID int64   `json:"patient_id"`
	Name      string  `json:"name"`
	Dosage    *string `json:"dosage"`
	Frequency *string `json:"frequency"`
}

type Condition struct {
	ID          int64   `json:"condition_id"`
	PatientID   int64   `json:"patient_id"`
	Name        string  `json:"name"`
	DiagnosedOn *string `json:"diagnosed_on"`
	Notes       *string `json:"notes"`
}

type FamilyHistory struct {
	ID        int64  `json:"family_history_id"`
	PatientID int64  `json:"patient_id"`
	Relation  string `json:"relation"`
	Condition string `json:"condition"`
}

type SocialHistory struct {
	ID            int64   `json:"social_history_id"`
	PatientID     int64   `json:"patient_id"`
	SmokingStatus *string `json:"smoking_status"`
	AlcoholUse    *string `json:"alcohol_use"`
	Occupation    *string `json:"occupation"`
}

// Chart is a patient with every child record.
type Chart struct {
	*Patient
	Allergies     []*Allergy       `json:"allergies"`
	Medications   []*Medication    `json:"medications"`
	Conditions    []*Condition     `json:"conditions"`
	FamilyHistory []*FamilyHistory `json:"family_history"`
	SocialHistory *SocialHistory   `json:"social_history"`
}

// RegisterRequest creates a patient and its child records in one mutation.
// HospitalID is only honored for callers that span hospitals.
type RegisterRequest struct {
	HospitalID    *int64           `json:"hospital_id"`
	BranchID      *int64           `json:"branch_id"`
	NationalID    string           `json:"national_id"`
	FirstName     string           `json:"first_name"`
	LastName      string           `json:"last_name"`
	DateOfBirth   *string          `json:"date_of_birth"`
	Sex           *string          `json:"sex"`
	Phone         *string          `json:"phone"`
	Email         *string          `json:"email"`
	Allergies     []*Allergy       `json:"allergies"`
	Medications   []*Medication    `json:"medications"`
	Conditions    []*Condition     `json:"conditions"`
	FamilyHistory []*FamilyHistory `json:"family_history"`
	SocialHistory *SocialHistory   `json:"social_history"`
}

// UpdateRequest changes only the demographics that are set.
type UpdateRequest struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	DateOfBirth *string `json:"date_of_birth"`
	Sex         *string `json:"sex"`
	Phone       *string `json:"phone"`
	Email       *string `json:"email"`
	BranchID    *int64  `json:"branch_id"`
}

// Child tables removed before the patient on hard delete, in order.
const (
	TableVisitRecords  = "visit_records"
	TableVisits        = "visits"
	TableAllergies     = "allergies"
	TableMedications   = "patient_medications"
	TableConditions    = "conditions"
	TableFamilyHistory = "family_history"
	TableSocialHistory = "social_history"
)

var ChildTables = []string{
	TableVisitRecords,
	TableVisits,
	TableAllergies,
	TableMedications,
	TableConditions,
	TableFamilyHistory,
	TableSocialHistory,
}
