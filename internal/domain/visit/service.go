package visit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/audit"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/internal/platform/mutation"
)

const (
	tableVisits  = "visits"
	tableRecords = "visit_records"

	defaultAdmissionStatus = "outpatient"
)

type Service struct {
	repo     Repository
	coord    *mutation.Coordinator
	recorder *audit.Recorder
	now      func() time.Time
}

func NewService(repo Repository, coord *mutation.Coordinator, recorder *audit.Recorder) *Service {
	return &Service{repo: repo, coord: coord, recorder: recorder, now: time.Now}
}

// visible reports whether actor may see records of hospitalID.
func visible(actor auth.Actor, hospitalID int64) bool {
	return actor.Role.SpansHospitals() || actor.HospitalID == hospitalID
}

// lock reads the visit for update inside the transaction and applies the
// lifecycle gate for op against its persisted status.
func (s *Service) lock(ctx context.Context, actor auth.Actor, id int64, op Operation) (*Visit, error) {
	v, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if d := Decide(actor.Role, v.Status, op); !d.Allowed {
		return nil, apperr.Denied(d.Reason)
	}
	return v, nil
}

// load reads the visit for update inside the transaction without applying
// any gate.
func (s *Service) load(ctx context.Context, actor auth.Actor, id int64) (*Visit, error) {
	v, err := s.repo.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.IsActive || !visible(actor, v.HospitalID) {
		return nil, apperr.NotFound("visit %d not found", id)
	}
	return v, nil
}

// source is the state a transition to target starts from.
func source(target Status) Status {
	if target == StatusClosed {
		return StatusOpen
	}
	return StatusClosed
}

func (v *Visit) result(action string, event audit.EventType, old, new any) *mutation.Result {
	patientID, hospitalID := v.PatientID, v.HospitalID
	return &mutation.Result{
		Table:      tableVisits,
		Action:     action,
		Event:      event,
		RecordID:   v.ID,
		PatientID:  &patientID,
		HospitalID: &hospitalID,
		BranchID:   v.BranchID,
		Old:        old,
		New:        new,
	}
}

func (s *Service) Register(ctx context.Context, req CreateRequest) (*Visit, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	if req.PatientID <= 0 {
		return nil, apperr.Validation("patient_id is required")
	}
	if !auth.CapRegisterPatient.Allow(mctx.Actor) {
		return nil, apperr.Denied("role not permitted to register visits")
	}
	v := &Visit{
		PatientID:       req.PatientID,
		AdmissionStatus: req.AdmissionStatus,
		Reason:          req.Reason,
		AttendingID:     req.AttendingID,
	}
	if v.AdmissionStatus == "" {
		v.AdmissionStatus = defaultAdmissionStatus
	}

	_, err = s.coord.Execute(ctx, mctx, mutation.WriteStep{
		Name: "insert visit",
		Write: func(ctx context.Context) (*mutation.Result, error) {
			scope, err := s.repo.PatientScope(ctx, req.PatientID)
			if err != nil {
				return nil, err
			}
			if !scope.Active || !visible(mctx.Actor, scope.HospitalID) {
				return nil, apperr.NotFound("patient %d not found", req.PatientID)
			}
			v.HospitalID, v.BranchID = scope.HospitalID, scope.BranchID
			if err := s.repo.Create(ctx, v); err != nil {
				return nil, err
			}
			return v.result("INSERT", audit.EventCreate, nil, v), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns the visit with its child records and records a detached Read.
func (s *Service) Get(ctx context.Context, id int64) (*Visit, []*ChildRecord, error) {
	actor, err := auth.MustActor(ctx)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !v.IsActive || !visible(actor, v.HospitalID) {
		return nil, nil, apperr.NotFound("visit %d not found", id)
	}
	records, err := s.repo.ListRecords(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	d := audit.NewDraft(actor, audit.ProvenanceFromContext(ctx), tableVisits, "view_visit", audit.EventRead)
	d.PatientID = &v.PatientID
	d.HospitalID = &v.HospitalID
	d.BranchID = v.BranchID
	s.recorder.RecordDetached(ctx, d)
	return v, records, nil
}

// Actions returns the caller's decision for every lifecycle operation.
func (s *Service) Actions(ctx context.Context, id int64) ([]Decision, error) {
	actor, err := auth.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.IsActive || !visible(actor, v.HospitalID) {
		return nil, apperr.NotFound("visit %d not found", id)
	}
	return Available(actor.Role, v.Status), nil
}

func (s *Service) Update(ctx context.Context, id int64, req UpdateRequest) (*Visit, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	var updated *Visit
	_, err = s.coord.Execute(ctx, mctx, mutation.WriteStep{
		Name: "update visit",
		Write: func(ctx context.Context) (*mutation.Result, error) {
			v, err := s.lock(ctx, mctx.Actor, id, OpEdit)
			if err != nil {
				return nil, err
			}
			old := *v
			if req.AdmissionStatus != nil {
				v.AdmissionStatus = *req.AdmissionStatus
			}
			if req.Reason != nil {
				v.Reason = req.Reason
			}
			if req.AttendingID != nil {
				v.AttendingID = req.AttendingID
			}
			if err := s.repo.Update(ctx, v); err != nil {
				return nil, err
			}
			updated = v
			return v.result("UPDATE", audit.EventUpdate, &old, v), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) Close(ctx context.Context, id int64) (*Visit, error) {
	return s.transition(ctx, id, OpClose, StatusClosed, "close_visit")
}

func (s *Service) Reopen(ctx context.Context, id int64) (*Visit, error) {
	return s.transition(ctx, id, OpReopen, StatusOpen, "reopen_visit")
}

// transition moves the visit to target. Moving to the state it already has
// is a conflict for every caller the policy admits from the source state;
// callers whose role may never perform op are denied.
func (s *Service) transition(ctx context.Context, id int64, op Operation, target Status, action string) (*Visit, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	var updated *Visit
	_, err = s.coord.Execute(ctx, mctx, mutation.WriteStep{
		Name: string(op) + " visit",
		Write: func(ctx context.Context) (*mutation.Result, error) {
			v, err := s.load(ctx, mctx.Actor, id)
			if err != nil {
				return nil, err
			}
			if v.Status == target {
				if !Decide(mctx.Actor.Role, source(target), op).Allowed {
					return nil, apperr.Denied(Decide(mctx.Actor.Role, v.Status, op).Reason)
				}
				return nil, apperr.Conflict("visit %d is already %s", id, target)
			}
			if d := Decide(mctx.Actor.Role, v.Status, op); !d.Allowed {
				return nil, apperr.Denied(d.Reason)
			}
			after, err := s.repo.SetStatus(ctx, id, target, s.now().UTC())
			if err != nil {
				return nil, err
			}
			updated = after
			return after.result(action, audit.EventUpdate, v, after), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddRecord attaches a clinical sub-record of kind to the visit.
func (s *Service) AddRecord(ctx context.Context, id int64, kind RecordKind, payload json.RawMessage) (*ChildRecord, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, apperr.Validation("unknown record kind %q", kind)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, apperr.Validation("record payload is not valid JSON")
	}
	rec := &ChildRecord{VisitID: id, Kind: kind, Payload: payloadOrEmpty(payload), RecordedBy: mctx.Actor.ActorRef()}

	_, err = s.coord.Execute(ctx, mctx, mutation.WriteStep{
		Name: "insert " + string(kind),
		Write: func(ctx context.Context) (*mutation.Result, error) {
			v, err := s.lock(ctx, mctx.Actor, id, OpAddChildRecord)
			if err != nil {
				return nil, err
			}
			if err := s.repo.AddRecord(ctx, rec); err != nil {
				return nil, err
			}
			res := v.result("add_"+string(kind), audit.EventCreate, nil, rec)
			res.Table = tableRecords
			res.RecordID = rec.ID
			return res, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete soft-deletes the visit. It is gated like an edit.
func (s *Service) Delete(ctx context.Context, id int64) error {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return err
	}
	target := mutation.DeleteTarget{
		Table: tableVisits,
		Load: func(ctx context.Context) (*mutation.Record, error) {
			v, err := s.lock(ctx, mctx.Actor, id, OpEdit)
			if err != nil {
				return nil, err
			}
			patientID, hospitalID := v.PatientID, v.HospitalID
			return &mutation.Record{ID: v.ID, PatientID: &patientID, HospitalID: &hospitalID, BranchID: v.BranchID, Snapshot: v}, nil
		},
		Flag: func(ctx context.Context) (any, error) {
			return s.repo.SoftDelete(ctx, id, s.now().UTC())
		},
	}
	_, err = s.coord.Execute(ctx, mctx, mutation.SoftDelete(target)...)
	return err
}
