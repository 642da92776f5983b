package visit

import (
	"context"
	"encoding/json"
	"time"
)

type Repository interface {
	PatientScope(ctx context.Context, patientID int64) (*PatientScope, error)
	Create(ctx context.Context, v *Visit) error
	GetByID(ctx context.Context, id int64) (*Visit, error)
	// GetForUpdate reads the visit and locks it until the enclosing
	// transaction ends.
	GetForUpdate(ctx context.Context, id int64) (*Visit, error)
	Update(ctx context.Context, v *Visit) error
	SetStatus(ctx context.Context, id int64, status Status, at time.Time) (*Visit, error)
	SoftDelete(ctx context.Context, id int64, at time.Time) (*Visit, error)
	AddRecord(ctx context.Context, r *ChildRecord) error
	ListRecords(ctx context.Context, visitID int64) ([]*ChildRecord, error)
}

// payloadOrEmpty normalizes an absent payload to an empty object.
func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}
