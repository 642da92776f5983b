package patient

import (
	"context"
	"strings"
	"time"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/audit"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/internal/platform/mutation"
)

const tablePatients = "patients"

type Service struct {
	repo     Repository
	coord    *mutation.Coordinator
	recorder *audit.Recorder
	now      func() time.Time
}

func NewService(repo Repository, coord *mutation.Coordinator, recorder *audit.Recorder) *Service {
	return &Service{repo: repo, coord: coord, recorder: recorder, now: time.Now}
}

func visible(actor auth.Actor, p *Patient) bool {
	return p.IsActive && (actor.Role.SpansHospitals() || actor.HospitalID == p.HospitalID)
}

// result attributes a write on table to patient p.
func (p *Patient) result(table, action string, event audit.EventType, recordID int64, old, new any) *mutation.Result {
	patientID, hospitalID := p.ID, p.HospitalID
	return &mutation.Result{
		Table:      table,
		Action:     action,
		Event:      event,
		RecordID:   recordID,
		PatientID:  &patientID,
		HospitalID: &hospitalID,
		BranchID:   p.BranchID,
		Old:        old,
		New:        new,
	}
}

func validateRegister(req RegisterRequest) error {
	var missing []string
	if strings.TrimSpace(req.NationalID) == "" {
		missing = append(missing, "national_id")
	}
	if strings.TrimSpace(req.FirstName) == "" {
		missing = append(missing, "first_name")
	}
	if strings.TrimSpace(req.LastName) == "" {
		missing = append(missing, "last_name")
	}
	for _, a := range req.Allergies {
		if strings.TrimSpace(a.Allergen) == "" {
			missing = append(missing, "allergies[].allergen")
			break
		}
	}
	for _, m := range req.Medications {
		if strings.TrimSpace(m.Name) == "" {
			missing = append(missing, "medications[].name")
			break
		}
	}
	for _, c := range req.Conditions {
		if strings.TrimSpace(c.Name) == "" {
			missing = append(missing, "conditions[].name")
			break
		}
	}
	for _, f := range req.FamilyHistory {
		if strings.TrimSpace(f.Relation) == "" || strings.TrimSpace(f.Condition) == "" {
			missing = append(missing, "family_history[].relation/condition")
			break
		}
	}
	if len(missing) > 0 {
		return apperr.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// targetHospital resolves the hospital a new patient belongs to.
func targetHospital(actor auth.Actor, requested *int64) (int64, error) {
	if actor.Role.SpansHospitals() {
		if requested == nil || *requested <= 0 {
			return 0, apperr.Validation("hospital_id is required")
		}
		return *requested, nil
	}
	if actor.HospitalID == 0 {
		return 0, apperr.Validation("actor is not assigned to a hospital")
	}
	if requested != nil && *requested != actor.HospitalID {
		return 0, apperr.Denied("cannot register patients for another hospital")
	}
	return actor.HospitalID, nil
}

// Register creates the patient and every child record in one mutation. A
// taken national id fails the whole registration with nothing written.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Chart, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	if !auth.CapRegisterPatient.Allow(mctx.Actor) {
		return nil, apperr.Denied("role not permitted to register patients")
	}
	if err := validateRegister(req); err != nil {
		return nil, err
	}
	hospitalID, err := targetHospital(mctx.Actor, req.HospitalID)
	if err != nil {
		return nil, err
	}

	p := &Patient{
		HospitalID:  hospitalID,
		BranchID:    req.BranchID,
		NationalID:  strings.TrimSpace(req.NationalID),
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: req.DateOfBirth,
		Sex:         req.Sex,
		Phone:       req.Phone,
		Email:       req.Email,
	}
	if p.BranchID == nil && hospitalID == mctx.Actor.HospitalID {
		p.BranchID = mctx.Actor.BranchRef()
	}
	chart := &Chart{
		Patient:       p,
		Allergies:     req.Allergies,
		Medications:   req.Medications,
		Conditions:    req.Conditions,
		FamilyHistory: req.FamilyHistory,
		SocialHistory: req.SocialHistory,
	}

	steps := []mutation.WriteStep{
		mutation.Check("check national id", func(ctx context.Context) error {
			exists, err := s.repo.NationalIDExists(ctx, p.NationalID)
			if err != nil {
				return err
			}
			if exists {
				return apperr.Conflict("national_id %s is already registered", p.NationalID)
			}
			return nil
		}),
		{
			Name: "insert patient",
			Write: func(ctx context.Context) (*mutation.Result, error) {
				if err := s.repo.Create(ctx, p); err != nil {
					return nil, err
				}
				return p.result(tablePatients, "INSERT", audit.EventCreate, p.ID, nil, p), nil
			},
		},
	}
	steps = append(steps, childSteps(s.repo, chart)...)

	if _, err := s.coord.Execute(ctx, mctx, steps...); err != nil {
		return nil, err
	}
	return chart, nil
}

// childSteps inserts each child record of c after the patient row exists.
func childSteps(repo Repository, c *Chart) []mutation.WriteStep {
	p := c.Patient
	var steps []mutation.WriteStep
	for _, a := range c.Allergies {
		steps = append(steps, mutation.WriteStep{Name: "insert allergy", Write: func(ctx context.Context) (*mutation.Result, error) {
			a.PatientID = p.ID
			if err := repo.AddAllergy(ctx, a); err != nil {
				return nil, err
			}
			return p.result(TableAllergies, "INSERT", audit.EventCreate, a.ID, nil, a), nil
		}})
	}
	for _, m := range c.Medications {
		steps = append(steps, mutation.WriteStep{Name: "insert medication", Write: func(ctx context.Context) (*mutation.Result, error) {
			m.PatientID = p.ID
			if err := repo.AddMedication(ctx, m); err != nil {
				return nil, err
			}
			return p.result(TableMedications, "INSERT", audit.EventCreate, m.ID, nil, m), nil
		}})
	}
	for _, cd := range c.Conditions {
		steps = append(steps, mutation.WriteStep{Name: "insert condition", Write: func(ctx context.Context) (*mutation.Result, error) {
			cd.PatientID = p.ID
			if err := repo.AddCondition(ctx, cd); err != nil {
				return nil, err
			}
			return p.result(TableConditions, "INSERT", audit.EventCreate, cd.ID, nil, cd), nil
		}})
	}
	for _, f := range c.FamilyHistory {
		steps = append(steps, mutation.WriteStep{Name: "insert family history", Write: func(ctx context.Context) (*mutation.Result, error) {
			f.PatientID = p.ID
			if err := repo.AddFamilyHistory(ctx, f); err != nil {
				return nil, err
			}
			return p.result(TableFamilyHistory, "INSERT", audit.EventCreate, f.ID, nil, f), nil
		}})
	}
	if sh := c.SocialHistory; sh != nil {
		steps = append(steps, mutation.WriteStep{Name: "insert social history", Write: func(ctx context.Context) (*mutation.Result, error) {
			sh.PatientID = p.ID
			if err := repo.SetSocialHistory(ctx, sh); err != nil {
				return nil, err
			}
			return p.result(TableSocialHistory, "INSERT", audit.EventCreate, sh.ID, nil, sh), nil
		}})
	}
	return steps
}

// Get returns the full chart and records a detached Read.
func (s *Service) Get(ctx context.Context, id int64) (*Chart, error) {
	actor, err := auth.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.repo.LoadChart(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visible(actor, c.Patient) {
		return nil, apperr.NotFound("patient %d not found", id)
	}

	d := audit.NewDraft(actor, audit.ProvenanceFromContext(ctx), tablePatients, "view_patient", audit.EventRead)
	d.PatientID = &c.ID
	d.HospitalID = &c.HospitalID
	d.BranchID = c.BranchID
	s.recorder.RecordDetached(ctx, d)
	return c, nil
}

func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (*Patient, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	if !auth.CapRegisterPatient.Allow(mctx.Actor) {
		return nil, apperr.Denied("role not permitted to update patients")
	}
	if (req.FirstName != nil && strings.TrimSpace(*req.FirstName) == "") ||
		(req.LastName != nil && strings.TrimSpace(*req.LastName) == "") {
		return nil, apperr.Validation("names must not be empty")
	}

	var updated *Patient
	_, err = s.coord.Execute(ctx, mctx, mutation.WriteStep{
		Name: "update patient",
		Write: func(ctx context.Context) (*mutation.Result, error) {
			p, err := s.lock(ctx, mctx.Actor, id)
			if err != nil {
				return nil, err
			}
			old := *p
			applyUpdate(p, req)
			if err := s.repo.Update(ctx, p); err != nil {
				return nil, err
			}
			updated = p
			return p.result(tablePatients, "UPDATE", audit.EventUpdate, p.ID, &old, p), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyUpdate(p *Patient, req UpdateRequest) {
	if req.FirstName != nil {
		p.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		p.LastName = *req.LastName
	}
	if req.DateOfBirth != nil {
		p.DateOfBirth = req.DateOfBirth
	}
	if req.Sex != nil {
		p.Sex = req.Sex
	}
	if req.Phone != nil {
		p.Phone = req.Phone
	}
	if req.Email != nil {
		p.Email = req.Email
	}
	if req.BranchID != nil {
		p.BranchID = req.BranchID
	}
}

func (s *Service) lock(ctx context.Context, actor auth.Actor, id int64) (*Patient, error) {
	p, err := s.repo.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visible(actor, p) {
		return nil, apperr.NotFound("patient %d not found", id)
	}
	return p, nil
}

// Delete soft-deletes the patient, or with hard set removes it and every
// child row. Audit history survives a hard delete with patient_id nulled.
func (s *Service) Delete(ctx context.Context, id int64, hard bool) error {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return err
	}
	if hard {
		if !auth.CapHardDelete.Allow(mctx.Actor) {
			return apperr.Denied("only admin may hard delete patients")
		}
		_, err = s.coord.Execute(ctx, mctx, mutation.HardDelete(s.hardTarget(mctx.Actor, id))...)
		return err
	}
	if !auth.CapDeactivate.Allow(mctx.Actor) {
		return apperr.Denied("role not permitted to delete patients")
	}
	target := mutation.DeleteTarget{
		Table: tablePatients,
		Load: func(ctx context.Context) (*mutation.Record, error) {
			p, err := s.lock(ctx, mctx.Actor, id)
			if err != nil {
				return nil, err
			}
			patientID, hospitalID := p.ID, p.HospitalID
			return &mutation.Record{ID: p.ID, PatientID: &patientID, HospitalID: &hospitalID, BranchID: p.BranchID, Snapshot: p}, nil
		},
		Flag: func(ctx context.Context) (any, error) {
			return s.repo.SoftDelete(ctx, id, s.now().UTC())
		},
	}
	_, err = s.coord.Execute(ctx, mctx, mutation.SoftDelete(target)...)
	return err
}

// hardTarget removes the chart. Entries carry no patient_id because the
// patient row does not outlive the transaction.
func (s *Service) hardTarget(actor auth.Actor, id int64) mutation.DeleteTarget {
	t := mutation.DeleteTarget{
		Table: tablePatients,
		Load: func(ctx context.Context) (*mutation.Record, error) {
			if _, err := s.lock(ctx, actor, id); err != nil {
				return nil, err
			}
			c, err := s.repo.LoadChart(ctx, id)
			if err != nil {
				return nil, err
			}
			hospitalID := c.HospitalID
			return &mutation.Record{ID: c.ID, HospitalID: &hospitalID, BranchID: c.BranchID, Snapshot: c}, nil
		},
		Remove: func(ctx context.Context) error {
			return s.repo.Delete(ctx, id)
		},
	}
	for _, table := range ChildTables {
		t.Children = append(t.Children, mutation.Child{
			Table: table,
			Remove: func(ctx context.Context) (any, int64, error) {
				removed, err := s.repo.DeleteChildren(ctx, table, id)
				if err != nil {
					return nil, 0, err
				}
				return removed, int64(len(removed)), nil
			},
		})
	}
	return t
}
