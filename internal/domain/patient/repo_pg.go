package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

const patientCols = `patient_id, hospital_id, branch_id, national_id, first_name, last_name,
	date_of_birth::text, sex, phone, email, is_active, deleted_at, created_at, updated_at`

// deleteChildSQL is the allow-list of child deletes. Each returns the
// removed rows as JSON.
var deleteChildSQL = map[string]string{
	TableVisitRecords: `DELETE FROM visit_records r USING visits v
		WHERE r.visit_id = v.visit_id AND v.patient_id = $1 RETURNING row_to_json(r)`,
	TableVisits:        `DELETE FROM visits t WHERE t.patient_id = $1 RETURNING row_to_json(t)`,
	TableAllergies:     `DELETE FROM allergies t WHERE t.patient_id = $1 RETURNING row_to_json(t)`,
	TableMedications:   `DELETE FROM patient_medications t WHERE t.patient_id = $1 RETURNING row_to_json(t)`,
	TableConditions:    `DELETE FROM conditions t WHERE t.patient_id = $1 RETURNING row_to_json(t)`,
	TableFamilyHistory: `DELETE FROM family_history t WHERE t.patient_id = $1 RETURNING row_to_json(t)`,
	TableSocialHistory: `DELETE FROM social_history t WHERE t.patient_id = $1 RETURNING row_to_json(t)`,
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.HospitalID, &p.BranchID, &p.NationalID, &p.FirstName, &p.LastName,
		&p.DateOfBirth, &p.Sex, &p.Phone, &p.Email, &p.IsActive, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) NationalIDExists(ctx context.Context, nationalID string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patients WHERE national_id = $1)`, nationalID).Scan(&exists)
	return exists, db.Classify(err, "check national id")
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	created, err := scanPatient(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (hospital_id, branch_id, national_id, first_name, last_name,
			date_of_birth, sex, phone, email)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9)
		RETURNING `+patientCols,
		p.HospitalID, p.BranchID, p.NationalID, p.FirstName, p.LastName,
		p.DateOfBirth, p.Sex, p.Phone, p.Email))
	if err != nil {
		return db.Classify(err, "insert patient")
	}
	*p = *created
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE patient_id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "select patient")
	}
	return p, nil
}

func (r *repoPG) GetForUpdate(ctx context.Context, id int64) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE patient_id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, db.Classify(err, "lock patient")
	}
	return p, nil
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET first_name = $2, last_name = $3, date_of_birth = $4::date,
			sex = $5, phone = $6, email = $7, branch_id = $8, updated_at = NOW()
		WHERE patient_id = $1
		RETURNING updated_at`,
		p.ID, p.FirstName, p.LastName, p.DateOfBirth, p.Sex, p.Phone, p.Email, p.BranchID,
	).Scan(&p.UpdatedAt)
	return db.Classify(err, "update patient")
}

func (r *repoPG) SoftDelete(ctx context.Context, id int64, at time.Time) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET is_active = FALSE, deleted_at = $2, updated_at = $2
		WHERE patient_id = $1
		RETURNING `+patientCols, id, at))
	if err != nil {
		return nil, db.Classify(err, "soft delete patient")
	}
	return p, nil
}

func (r *repoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE patient_id = $1`, id)
	if err != nil {
		return db.Classify(err, "delete patient")
	}
	if tag.RowsAffected() == 0 {
		return db.Classify(pgx.ErrNoRows, "delete patient")
	}
	return nil
}

func (r *repoPG) AddAllergy(ctx context.Context, a *Allergy) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO allergies (patient_id, allergen, reaction, severity)
		VALUES ($1, $2, $3, $4) RETURNING allergy_id`,
		a.PatientID, a.Allergen, a.Reaction, a.Severity).Scan(&a.ID)
	return db.Classify(err, "insert allergy")
}

func (r *repoPG) AddMedication(ctx context.Context, m *Medication) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_medications (patient_id, name, dosage, frequency)
		VALUES ($1, $2, $3, $4) RETURNING medication_id`,
		m.PatientID, m.Name, m.Dosage, m.Frequency).Scan(&m.ID)
	return db.Classify(err, "insert medication")
}

func (r *repoPG) AddCondition(ctx context.Context, c *Condition) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO conditions (patient_id, name, diagnosed_on, notes)
		VALUES ($1, $2, $3::date, $4) RETURNING condition_id`,
		c.PatientID, c.Name, c.DiagnosedOn, c.Notes).Scan(&c.ID)
	return db.Classify(err, "insert condition")
}

func (r *repoPG) AddFamilyHistory(ctx context.Context, f *FamilyHistory) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO family_history (patient_id, relation, condition)
		VALUES ($1, $2, $3) RETURNING family_history_id`,
		f.PatientID, f.Relation, f.Condition).Scan(&f.ID)
	return db.Classify(err, "insert family history")
}

func (r *repoPG) SetSocialHistory(ctx context.Context, s *SocialHistory) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO social_history (patient_id, smoking_status, alcohol_use, occupation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id) DO UPDATE SET smoking_status = EXCLUDED.smoking_status,
			alcohol_use = EXCLUDED.alcohol_use, occupation = EXCLUDED.occupation
		RETURNING social_history_id`,
		s.PatientID, s.SmokingStatus, s.AlcoholUse, s.Occupation).Scan(&s.ID)
	return db.Classify(err, "upsert social history")
}

func (r *repoPG) LoadChart(ctx context.Context, id int64) (*Chart, error) {
	p, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c := &Chart{Patient: p}
	q := r.conn(ctx)

	rows, err := q.Query(ctx, `SELECT allergy_id, patient_id, allergen, reaction, severity
		FROM allergies WHERE patient_id = $1 ORDER BY allergy_id`, id)
	if err != nil {
		return nil, db.Classify(err, "list allergies")
	}
	c.Allergies, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Allergy, error) {
		var a Allergy
		return &a, row.Scan(&a.ID, &a.PatientID, &a.Allergen, &a.Reaction, &a.Severity)
	})
	if err != nil {
		return nil, db.Classify(err, "scan allergies")
	}

	rows, err = q.Query(ctx, `SELECT medication_id, patient_id, name, dosage, frequency
		FROM patient_medications WHERE patient_id = $1 ORDER BY medication_id`, id)
	if err != nil {
		return nil, db.Classify(err, "list medications")
	}
	c.Medications, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Medication, error) {
		var m Medication
		return &m, row.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dosage, &m.Frequency)
	})
	if err != nil {
		return nil, db.Classify(err, "scan medications")
	}

	rows, err = q.Query(ctx, `SELECT condition_id, patient_id, name, diagnosed_on::text, notes
		FROM conditions WHERE patient_id = $1 ORDER BY condition_id`, id)
	if err != nil {
		return nil, db.Classify(err, "list conditions")
	}
	c.Conditions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Condition, error) {
		var cd Condition
		return &cd, row.Scan(&cd.ID, &cd.PatientID, &cd.Name, &cd.DiagnosedOn, &cd.Notes)
	})
	if err != nil {
		return nil, db.Classify(err, "scan conditions")
	}

	rows, err = q.Query(ctx, `SELECT family_history_id, patient_id, relation, condition
		FROM family_history WHERE patient_id = $1 ORDER BY family_history_id`, id)
	if err != nil {
		return nil, db.Classify(err, "list family history")
	}
	c.FamilyHistory, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (*FamilyHistory, error) {
		var f FamilyHistory
		return &f, row.Scan(&f.ID, &f.PatientID, &f.Relation, &f.Condition)
	})
	if err != nil {
		return nil, db.Classify(err, "scan family history")
	}

	var s SocialHistory
	err = q.QueryRow(ctx, `SELECT social_history_id, patient_id, smoking_status, alcohol_use, occupation
		FROM social_history WHERE patient_id = $1`, id).
		Scan(&s.ID, &s.PatientID, &s.SmokingStatus, &s.AlcoholUse, &s.Occupation)
	switch {
	case err == nil:
		c.SocialHistory = &s
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, db.Classify(err, "select social history")
	}
	return c, nil
}

func (r *repoPG) DeleteChildren(ctx context.Context, table string, patientID int64) ([]json.RawMessage, error) {
	sql, ok := deleteChildSQL[table]
	if !ok {
		return nil, fmt.Errorf("delete children: unknown table %q", table)
	}
	rows, err := r.conn(ctx).Query(ctx, sql, patientID)
	if err != nil {
		return nil, db.Classify(err, "delete "+table)
	}
	removed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var b []byte
		err := row.Scan(&b)
		return json.RawMessage(b), err
	})
	if err != nil {
		return nil, db.Classify(err, "delete "+table)
	}
	return removed, nil
}
