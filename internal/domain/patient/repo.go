package patient

import (
	"context"
	"encoding/json"
	"time"
)

type Repository interface {
	NationalIDExists(ctx context.Context, nationalID string) (bool, error)
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id int64) (*Patient, error)
	GetForUpdate(ctx context.Context, id int64) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	SoftDelete(ctx context.Context, id int64, at time.Time) (*Patient, error)
	Delete(ctx context.Context, id int64) error

	AddAllergy(ctx context.Context, a *Allergy) error
	AddMedication(ctx context.Context, m *Medication) error
	AddCondition(ctx context.Context, c *Condition) error
	AddFamilyHistory(ctx context.Context, f *FamilyHistory) error
	SetSocialHistory(ctx context.Context, s *SocialHistory) error

	LoadChart(ctx context.Context, id int64) (*Chart, error)
	// DeleteChildren removes the patient's rows from one of ChildTables and
	// returns them as JSON objects.
	DeleteChildren(ctx context.Context, table string, patientID int64) ([]json.RawMessage, error)
}
