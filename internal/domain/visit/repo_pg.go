package visit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/records/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const visitCols = `visit_id, patient_id, hospital_id, branch_id, visit_status,
	admission_status, reason, attending_id, is_active, deleted_at,
	opened_at, closed_at, created_at, updated_at`

const recordCols = `record_id, visit_id, kind, payload, recorded_by, created_at`

func (r *repoPG) scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	var status string
	err := row.Scan(&v.ID, &v.PatientID, &v.HospitalID, &v.BranchID, &status,
		&v.AdmissionStatus, &v.Reason, &v.AttendingID, &v.IsActive, &v.DeletedAt,
		&v.OpenedAt, &v.ClosedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.Status = Status(status)
	return &v, nil
}

func (r *repoPG) PatientScope(ctx context.Context, patientID int64) (*PatientScope, error) {
	var s PatientScope
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT hospital_id, branch_id, is_active FROM patients WHERE patient_id = $1`, patientID).
		Scan(&s.HospitalID, &s.BranchID, &s.Active)
	if err != nil {
		return nil, db.Classify(err, "select patient")
	}
	return &s, nil
}

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	created, err := r.scanVisit(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visits (patient_id, hospital_id, branch_id, admission_status, reason, attending_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+visitCols,
		v.PatientID, v.HospitalID, v.BranchID, v.AdmissionStatus, v.Reason, v.AttendingID))
	if err != nil {
		return db.Classify(err, "insert visit")
	}
	*v = *created
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Visit, error) {
	v, err := r.scanVisit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM visits WHERE visit_id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "select visit")
	}
	return v, nil
}

func (r *repoPG) GetForUpdate(ctx context.Context, id int64) (*Visit, error) {
	v, err := r.scanVisit(r.conn(ctx).QueryRow(ctx,
		`SELECT `+visitCols+` FROM visits WHERE visit_id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, db.Classify(err, "lock visit")
	}
	return v, nil
}

func (r *repoPG) Update(ctx context.Context, v *Visit) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE visits SET admission_status = $2, reason = $3, attending_id = $4, updated_at = NOW()
		WHERE visit_id = $1
		RETURNING updated_at`,
		v.ID, v.AdmissionStatus, v.Reason, v.AttendingID,
	).Scan(&v.UpdatedAt)
	return db.Classify(err, "update visit")
}

func (r *repoPG) SetStatus(ctx context.Context, id int64, status Status, at time.Time) (*Visit, error) {
	var closedAt *time.Time
	if status == StatusClosed {
		closedAt = &at
	}
	v, err := r.scanVisit(r.conn(ctx).QueryRow(ctx, `
		UPDATE visits SET visit_status = $2, closed_at = $3, updated_at = $4
		WHERE visit_id = $1
		RETURNING `+visitCols,
		id, string(status), closedAt, at))
	if err != nil {
		return nil, db.Classify(err, "update visit status")
	}
	return v, nil
}

func (r *repoPG) SoftDelete(ctx context.Context, id int64, at time.Time) (*Visit, error) {
	v, err := r.scanVisit(r.conn(ctx).QueryRow(ctx, `
		UPDATE visits SET is_active = FALSE, deleted_at = $2, updated_at = $2
		WHERE visit_id = $1
		RETURNING `+visitCols,
		id, at))
	if err != nil {
		return nil, db.Classify(err, "soft delete visit")
	}
	return v, nil
}

func (r *repoPG) AddRecord(ctx context.Context, rec *ChildRecord) error {
	rec.Payload = payloadOrEmpty(rec.Payload)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_records (visit_id, kind, payload, recorded_by)
		VALUES ($1, $2, $3::json, $4)
		RETURNING record_id, created_at`,
		rec.VisitID, string(rec.Kind), string(rec.Payload), rec.RecordedBy,
	).Scan(&rec.ID, &rec.CreatedAt)
	return db.Classify(err, "insert visit record")
}

func (r *repoPG) ListRecords(ctx context.Context, visitID int64) ([]*ChildRecord, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM visit_records WHERE visit_id = $1 ORDER BY record_id`, visitID)
	if err != nil {
		return nil, db.Classify(err, "list visit records")
	}
	defer rows.Close()

	var out []*ChildRecord
	for rows.Next() {
		var rec ChildRecord
		var kind string
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.VisitID, &kind, &payload, &rec.RecordedBy, &rec.CreatedAt); err != nil {
			return nil, db.Classify(err, "scan visit record")
		}
		rec.Kind = RecordKind(kind)
		rec.Payload = payload
		out = append(out, &rec)
	}
	return out, db.Classify(rows.Err(), "list visit records")
}
