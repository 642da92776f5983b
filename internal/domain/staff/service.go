package staff

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/audit"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/internal/platform/mutation"
)

const (
	tableHospitals = "hospitals"
	tableBranches  = "branches"
	tableUsers     = "staff_users"
)

type Service struct {
	hospitals HospitalRepository
	users     UserRepository
	coord     *mutation.Coordinator
}

func NewService(hospitals HospitalRepository, users UserRepository, coord *mutation.Coordinator) *Service {
	return &Service{hospitals: hospitals, users: users, coord: coord}
}

// HospitalOf returns the hospital the actor's account belongs to, or 0 when
// it has none or no longer exists.
func (s *Service) HospitalOf(ctx context.Context, actorID int64) (int64, error) {
	u, err := s.users.GetByID(ctx, actorID)
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !u.IsActive || u.HospitalID == nil {
		return 0, nil
	}
	return *u.HospitalID, nil
}

// manages reports whether actor administers hospitalID.
func manages(actor auth.Actor, hospitalID *int64) bool {
	if actor.Role.SpansHospitals() {
		return true
	}
	return actor.Role == auth.RoleHospitalAdmin && hospitalID != nil && *hospitalID == actor.HospitalID
}

func (s *Service) CreateHospital(ctx context.Context, req CreateHospitalRequest) (*Hospital, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	if !mctx.Actor.Role.SpansHospitals() {
		return nil, apperr.Denied("only system admin may create hospitals")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("hospital name is required")
	}
	h := &Hospital{Name: name}
	_, err = s.coord.Execute(ctx, mctx, mutation.WriteStep{
		Name: "insert hospital",
		Write: func(ctx context.Context) (*mutation.Result, error) {
			if err := s.hospitals.CreateHospital(ctx, h); err != nil {
				return nil, err
			}
			id := h.ID
			return &mutation.Result{Table: tableHospitals, Action: "INSERT", Event: audit.EventCreate,
				RecordID: h.ID, HospitalID: &id, New: h}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (s *Service) CreateBranch(ctx context.Context, hospitalID int64, req CreateBranchRequest) (*Branch, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	if !manages(mctx.Actor, &hospitalID) {
		return nil, apperr.Denied("cannot manage branches of another hospital")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("branch name is required")
	}
	b := &Branch{HospitalID: hospitalID, Name: name}
	_, err = s.coord.Execute(ctx, mctx, mutation.WriteStep{
		Name: "insert branch",
		Write: func(ctx context.Context) (*mutation.Result, error) {
			if _, err := s.hospitals.GetHospital(ctx, hospitalID); err != nil {
				return nil, err
			}
			if err := s.hospitals.CreateBranch(ctx, b); err != nil {
				return nil, err
			}
			hid, bid := b.HospitalID, b.ID
			return &mutation.Result{Table: tableBranches, Action: "INSERT", Event: audit.EventCreate,
				RecordID: b.ID, HospitalID: &hid, BranchID: &bid, New: b}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// grantable rejects roles actor may not assign.
func grantable(actor auth.Actor, role auth.Role) error {
	if !role.Valid() {
		return apperr.Validation("unknown role")
	}
	if role.PrivilegeLevel() < actor.Role.PrivilegeLevel() {
		return apperr.Denied("cannot grant a role above your own")
	}
	return nil
}

func (u *User) result(action string, event audit.EventType, old, new any) *mutation.Result {
	return &mutation.Result{
		Table:      tableUsers,
		Action:     action,
		Event:      event,
		RecordID:   u.ID,
		HospitalID: u.HospitalID,
		BranchID:   u.BranchID,
		Old:        old,
		New:        new,
	}
}

// checkBranch verifies branchID belongs to hospitalID.
func (s *Service) checkBranch(ctx context.Context, hospitalID, branchID *int64) error {
	if branchID == nil {
		return nil
	}
	b, err := s.hospitals.GetBranch(ctx, *branchID)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.Validation("branch %d does not exist", *branchID)
	}
	if err != nil {
		return err
	}
	if hospitalID == nil || b.HospitalID != *hospitalID {
		return apperr.Validation("branch %d does not belong to the user's hospital", *branchID)
	}
	return nil
}

func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*User, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	email := strings.TrimSpace(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.Validation("invalid email %q", req.Email)
	}
	if strings.TrimSpace(req.FullName) == "" {
		return nil, apperr.Validation("full_name is required")
	}
	u := &User{
		Email:      email,
		FullName:   strings.TrimSpace(req.FullName),
		Role:       auth.ParseRole(req.Role),
		HospitalID: req.HospitalID,
		BranchID:   req.BranchID,
	}
	if err := grantable(mctx.Actor, u.Role); err != nil {
		return nil, err
	}
	if u.HospitalID == nil && !mctx.Actor.Role.SpansHospitals() {
		u.HospitalID = mctx.Actor.HospitalRef()
	}
	if u.Role != auth.RoleSystemAdmin && u.HospitalID == nil {
		return nil, apperr.Validation("hospital_id is required for role %s", u.Role)
	}
	if u.HospitalID != nil && !manages(mctx.Actor, u.HospitalID) {
		return nil, apperr.Denied("cannot create staff for another hospital")
	}

	_, err = s.coord.Execute(ctx, mctx,
		mutation.Check("check email", func(ctx context.Context) error {
			exists, err := s.users.EmailExists(ctx, u.Email)
			if err != nil {
				return err
			}
			if exists {
				return apperr.Conflict("email %s is already in use", u.Email)
			}
			return s.checkBranch(ctx, u.HospitalID, u.BranchID)
		}),
		mutation.WriteStep{
			Name: "insert staff user",
			Write: func(ctx context.Context) (*mutation.Result, error) {
				if err := s.users.Create(ctx, u); err != nil {
					return nil, err
				}
				return u.result("INSERT", audit.EventCreate, nil, u), nil
			},
		},
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) GetUser(ctx context.Context, id int64) (*User, error) {
	actor, err := auth.MustActor(ctx)
	if err != nil {
		return nil, err
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !manages(actor, u.HospitalID) && actor.ID != u.ID {
		return nil, apperr.NotFound("staff user %d not found", id)
	}
	return u, nil
}

func (s *Service) lock(ctx context.Context, actor auth.Actor, id int64) (*User, error) {
	u, err := s.users.GetForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !manages(actor, u.HospitalID) {
		return nil, apperr.NotFound("staff user %d not found", id)
	}
	if u.Role.PrivilegeLevel() < actor.Role.PrivilegeLevel() {
		return nil, apperr.Denied("cannot modify a user above your own role")
	}
	return u, nil
}

func (s *Service) UpdateUser(ctx context.Context, id int64, req UpdateUserRequest) (*User, error) {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return nil, err
	}
	if req.FullName != nil && strings.TrimSpace(*req.FullName) == "" {
		return nil, apperr.Validation("full_name must not be empty")
	}
	var updated *User
	_, err = s.coord.Execute(ctx, mctx, mutation.WriteStep{
		Name: "update staff user",
		Write: func(ctx context.Context) (*mutation.Result, error) {
			u, err := s.lock(ctx, mctx.Actor, id)
			if err != nil {
				return nil, err
			}
			old := *u
			if req.FullName != nil {
				u.FullName = strings.TrimSpace(*req.FullName)
			}
			if req.Role != nil {
				u.Role = auth.ParseRole(*req.Role)
				if err := grantable(mctx.Actor, u.Role); err != nil {
					return nil, err
				}
			}
			if req.BranchID != nil {
				if err := s.checkBranch(ctx, u.HospitalID, req.BranchID); err != nil {
					return nil, err
				}
				u.BranchID = req.BranchID
			}
			if req.IsActive != nil {
				u.IsActive = *req.IsActive
			}
			if err := s.users.Update(ctx, u); err != nil {
				return nil, err
			}
			updated = u
			return u.result("UPDATE", audit.EventUpdate, &old, u), nil
		},
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteUser hard-deletes the account. Audit entries it authored remain,
// with actor_id nulled by the schema.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	mctx, err := mutation.FromRequest(ctx)
	if err != nil {
		return err
	}
	if id == mctx.Actor.ID {
		return apperr.Validation("cannot delete your own account")
	}
	target := mutation.DeleteTarget{
		Table: tableUsers,
		Load: func(ctx context.Context) (*mutation.Record, error) {
			u, err := s.lock(ctx, mctx.Actor, id)
			if err != nil {
				return nil, err
			}
			return &mutation.Record{ID: u.ID, HospitalID: u.HospitalID, BranchID: u.BranchID, Snapshot: u}, nil
		},
		Remove: func(ctx context.Context) error {
			return s.users.Delete(ctx, id)
		},
	}
	_, err = s.coord.Execute(ctx, mctx, mutation.HardDelete(target)...)
	return err
}
