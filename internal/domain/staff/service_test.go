package staff

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/audit"
	"github.com/ehr/records/internal/platform/audit/audittest"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/internal/platform/db/dbtest"
	"github.com/ehr/records/internal/platform/mutation"
)

// -- Mock Repositories --

type mockHospitalRepo struct {
	hospitals map[int64]Hospital
	branches  map[int64]Branch
	nextID    int64
}

func newMockHospitalRepo() *mockHospitalRepo {
	return &mockHospitalRepo{hospitals: map[int64]Hospital{}, branches: map[int64]Branch{}, nextID: 100}
}

func (m *mockHospitalRepo) Checkpoint() func() {
	hospitals := make(map[int64]Hospital, len(m.hospitals))
	for k, v := range m.hospitals {
		hospitals[k] = v
	}
	branches := make(map[int64]Branch, len(m.branches))
	for k, v := range m.branches {
		branches[k] = v
	}
	next := m.nextID
	return func() { m.hospitals, m.branches, m.nextID = hospitals, branches, next }
}

func (m *mockHospitalRepo) CreateHospital(_ context.Context, h *Hospital) error {
	for _, existing := range m.hospitals {
		if existing.Name == h.Name {
			return apperr.Conflict("insert hospital: duplicate value violates hospitals_name_key")
		}
	}
	h.ID = m.nextID
	m.nextID++
	h.IsActive = true
	m.hospitals[h.ID] = *h
	return nil
}

func (m *mockHospitalRepo) GetHospital(_ context.Context, id int64) (*Hospital, error) {
	h, ok := m.hospitals[id]
	if !ok {
		return nil, apperr.NotFound("select hospital")
	}
	return &h, nil
}

func (m *mockHospitalRepo) CreateBranch(_ context.Context, b *Branch) error {
	b.ID = m.nextID
	m.nextID++
	b.IsActive = true
	m.branches[b.ID] = *b
	return nil
}

func (m *mockHospitalRepo) GetBranch(_ context.Context, id int64) (*Branch, error) {
	b, ok := m.branches[id]
	if !ok {
		return nil, apperr.NotFound("select branch")
	}
	return &b, nil
}

type mockUserRepo struct {
	users  map[int64]User
	nextID int64
	// log emulates audit_log.actor_id ON DELETE SET NULL.
	log *audittest.MemoryStore
}

func newMockUserRepo(log *audittest.MemoryStore) *mockUserRepo {
	return &mockUserRepo{users: map[int64]User{}, nextID: 500, log: log}
}

func (m *mockUserRepo) Checkpoint() func() {
	users := make(map[int64]User, len(m.users))
	for k, v := range m.users {
		users[k] = v
	}
	next := m.nextID
	return func() { m.users, m.nextID = users, next }
}

func (m *mockUserRepo) EmailExists(_ context.Context, email string) (bool, error) {
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockUserRepo) Create(_ context.Context, u *User) error {
	u.ID = m.nextID
	m.nextID++
	u.IsActive = true
	u.CreatedAt, u.UpdatedAt = time.Now(), time.Now()
	m.users[u.ID] = *u
	return nil
}

func (m *mockUserRepo) GetByID(_ context.Context, id int64) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.NotFound("select staff user")
	}
	return &u, nil
}

func (m *mockUserRepo) GetForUpdate(ctx context.Context, id int64) (*User, error) {
	return m.GetByID(ctx, id)
}

func (m *mockUserRepo) Update(_ context.Context, u *User) error {
	u.UpdatedAt = time.Now()
	m.users[u.ID] = *u
	return nil
}

func (m *mockUserRepo) Delete(_ context.Context, id int64) error {
	if _, ok := m.users[id]; !ok {
		return apperr.NotFound("delete staff user")
	}
	delete(m.users, id)
	m.log.NullActor(id)
	return nil
}

// -- Fixture --

type fixture struct {
	hospitals *mockHospitalRepo
	users     *mockUserRepo
	log       *audittest.MemoryStore
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{hospitals: newMockHospitalRepo(), log: audittest.NewMemoryStore()}
	f.users = newMockUserRepo(f.log)
	f.hospitals.hospitals[7] = Hospital{ID: 7, Name: "St. Mary", IsActive: true}
	f.hospitals.hospitals[8] = Hospital{ID: 8, Name: "Riverside", IsActive: true}
	f.hospitals.branches[71] = Branch{ID: 71, HospitalID: 7, Name: "North", IsActive: true}
	f.hospitals.branches[81] = Branch{ID: 81, HospitalID: 8, Name: "East", IsActive: true}

	tx := dbtest.NewMemTransactor(f.hospitals, f.users, f.log)
	recorder := audit.NewRecorder(f.log, zerolog.Nop())
	coord := mutation.NewCoordinator(tx, recorder, time.Second, zerolog.Nop())
	f.svc = NewService(f.hospitals, f.users, coord)
	return f
}

func (f *fixture) entries(t *testing.T) []*audit.Entry {
	t.Helper()
	rows, err := f.log.Scan(context.Background(), audit.Filter{}, 0)
	if err != nil {
		t.Fatalf("scan audit log: %v", err)
	}
	return rows
}

func i64(v int64) *int64 { return &v }

var (
	sysAdmin  = auth.Actor{ID: 1, Role: auth.RoleSystemAdmin}
	hospAdmin = auth.Actor{ID: 2, Role: auth.RoleHospitalAdmin, HospitalID: 7}
)

func as(a auth.Actor) context.Context {
	ctx := auth.WithActor(context.Background(), a)
	return audit.WithProvenance(ctx, audit.Provenance{Method: "POST", Endpoint: "/api/v1/staff", IP: "10.9.9.9"})
}

// -- Tests --

func TestHospitalOf(t *testing.T) {
	f := newFixture(t)
	f.users.users[10] = User{ID: 10, Role: auth.RoleHospitalAdmin, HospitalID: i64(7), IsActive: true}
	f.users.users[11] = User{ID: 11, Role: auth.RoleSystemAdmin, IsActive: true}
	f.users.users[12] = User{ID: 12, Role: auth.RoleHospitalAdmin, HospitalID: i64(8), IsActive: false}

	tests := []struct {
		actor int64
		want  int64
	}{
		{10, 7},
		{11, 0},
		{12, 0},
		{99, 0},
	}
	for _, tt := range tests {
		got, err := f.svc.HospitalOf(context.Background(), tt.actor)
		if err != nil {
			t.Fatalf("actor %d: %v", tt.actor, err)
		}
		if got != tt.want {
			t.Errorf("actor %d: expected hospital %d, got %d", tt.actor, tt.want, got)
		}
	}
}

func TestHospitalOf_PinsAuditScope(t *testing.T) {
	f := newFixture(t)
	f.users.users[hospAdmin.ID] = User{ID: hospAdmin.ID, Role: auth.RoleHospitalAdmin, HospitalID: i64(7), IsActive: true}

	engine := audit.NewEngine(f.log, f.svc, zerolog.Nop())
	scoped, err := engine.Scope(context.Background(), hospAdmin, audit.Filter{HospitalID: i64(8)})
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if scoped.HospitalID == nil || *scoped.HospitalID != 7 {
		t.Errorf("expected hospital pinned to 7, got %v", scoped.HospitalID)
	}
}

func TestCreateHospital(t *testing.T) {
	f := newFixture(t)

	h, err := f.svc.CreateHospital(as(sysAdmin), CreateHospitalRequest{Name: " Lakeside "})
	if err != nil {
		t.Fatalf("create hospital: %v", err)
	}
	if h.Name != "Lakeside" || h.ID == 0 {
		t.Errorf("unexpected hospital %+v", h)
	}
	e := f.entries(t)[0]
	if e.TableName != "hospitals" || e.EventType != audit.EventCreate {
		t.Errorf("unexpected entry %s/%s", e.TableName, e.EventType)
	}
	if e.HospitalID == nil || *e.HospitalID != h.ID {
		t.Errorf("expected entry attributed to new hospital, got %v", e.HospitalID)
	}

	if _, err := f.svc.CreateHospital(as(hospAdmin), CreateHospitalRequest{Name: "Other"}); !errors.Is(err, apperr.ErrAuthorizationDenied) {
		t.Errorf("hospital admin: expected denied, got %v", err)
	}
	if _, err := f.svc.CreateHospital(as(sysAdmin), CreateHospitalRequest{Name: "St. Mary"}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate name: expected conflict, got %v", err)
	}
	if _, err := f.svc.CreateHospital(as(sysAdmin), CreateHospitalRequest{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("empty name: expected validation, got %v", err)
	}
}

func TestCreateBranch(t *testing.T) {
	f := newFixture(t)

	b, err := f.svc.CreateBranch(as(hospAdmin), 7, CreateBranchRequest{Name: "South"})
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if b.HospitalID != 7 {
		t.Errorf("expected hospital 7, got %d", b.HospitalID)
	}
	if e := f.entries(t)[0]; e.BranchID == nil || *e.BranchID != b.ID {
		t.Errorf("expected entry attributed to branch %d, got %v", b.ID, e.BranchID)
	}

	if _, err := f.svc.CreateBranch(as(hospAdmin), 8, CreateBranchRequest{Name: "West"}); !errors.Is(err, apperr.ErrAuthorizationDenied) {
		t.Errorf("other hospital: expected denied, got %v", err)
	}
	if _, err := f.svc.CreateBranch(as(sysAdmin), 404, CreateBranchRequest{Name: "West"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing hospital: expected not found, got %v", err)
	}
}

func TestCreateUser(t *testing.T) {
	f := newFixture(t)

	u, err := f.svc.CreateUser(as(hospAdmin), CreateUserRequest{
		Email: "dr.lee@stmary.example", FullName: "Dr. Lee", Role: "practitioner", BranchID: i64(71),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.HospitalID == nil || *u.HospitalID != 7 {
		t.Errorf("expected admin's hospital, got %v", u.HospitalID)
	}
	if u.Role != auth.RolePractitioner {
		t.Errorf("expected practitioner, got %s", u.Role)
	}
	e := f.entries(t)[0]
	if e.TableName != "staff_users" || e.ActionType != "INSERT" || e.EventType != audit.EventCreate {
		t.Errorf("unexpected entry %s/%s/%s", e.TableName, e.ActionType, e.EventType)
	}
}

func TestCreateUser_Rejected(t *testing.T) {
	f := newFixture(t)
	f.users.users[600] = User{ID: 600, Email: "taken@stmary.example", HospitalID: i64(7), IsActive: true}

	tests := []struct {
		name  string
		actor auth.Actor
		req   CreateUserRequest
		kind  error
	}{
		{"duplicate email", hospAdmin, CreateUserRequest{Email: "TAKEN@stmary.example", FullName: "X", Role: "front_desk"}, apperr.ErrConflict},
		{"invalid email", hospAdmin, CreateUserRequest{Email: "not-an-email", FullName: "X", Role: "front_desk"}, apperr.ErrValidation},
		{"unknown role", hospAdmin, CreateUserRequest{Email: "a@b.example", FullName: "X", Role: "janitor"}, apperr.ErrValidation},
		{"escalation", hospAdmin, CreateUserRequest{Email: "a@b.example", FullName: "X", Role: "system_admin"}, apperr.ErrAuthorizationDenied},
		{"other hospital", hospAdmin, CreateUserRequest{Email: "a@b.example", FullName: "X", Role: "front_desk", HospitalID: i64(8)}, apperr.ErrAuthorizationDenied},
		{"foreign branch", hospAdmin, CreateUserRequest{Email: "a@b.example", FullName: "X", Role: "front_desk", BranchID: i64(81)}, apperr.ErrValidation},
		{"missing hospital", sysAdmin, CreateUserRequest{Email: "a@b.example", FullName: "X", Role: "practitioner"}, apperr.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateUser(as(tt.actor), tt.req)
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
	if len(f.users.users) != 1 || len(f.entries(t)) != 0 {
		t.Errorf("expected nothing written, got %d users %d entries", len(f.users.users), len(f.entries(t)))
	}
}

func TestUpdateUser(t *testing.T) {
	f := newFixture(t)
	f.users.users[600] = User{ID: 600, Email: "n@stmary.example", FullName: "Nurse N", Role: auth.RoleClinicalStaff, HospitalID: i64(7), IsActive: true}
	f.users.users[700] = User{ID: 700, Email: "r@riverside.example", Role: auth.RoleFrontDesk, HospitalID: i64(8), IsActive: true}

	role := "practitioner"
	u, err := f.svc.UpdateUser(as(hospAdmin), 600, UpdateUserRequest{Role: &role})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if u.Role != auth.RolePractitioner {
		t.Errorf("expected practitioner, got %s", u.Role)
	}
	e := f.entries(t)[0]
	change, err := audit.Diff(e.OldValues, e.NewValues)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(change.Changed) == 0 || change.Changed[0].Field != "role" {
		t.Errorf("expected role change, got %+v", change.Changed)
	}

	if _, err := f.svc.UpdateUser(as(hospAdmin), 700, UpdateUserRequest{Role: &role}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("other hospital: expected not found, got %v", err)
	}
	up := "hospital_admin"
	if _, err := f.svc.UpdateUser(as(hospAdmin), 600, UpdateUserRequest{Role: &up}); err != nil {
		t.Errorf("grant own level: %v", err)
	}
	sys := "system_admin"
	if _, err := f.svc.UpdateUser(as(hospAdmin), 600, UpdateUserRequest{Role: &sys}); !errors.Is(err, apperr.ErrAuthorizationDenied) {
		t.Errorf("escalation: expected denied, got %v", err)
	}
	if got := f.users.users[600].Role; got != auth.RoleHospitalAdmin {
		t.Errorf("expected denied update rolled back, got role %s", got)
	}
}

func TestDeleteUser_PreservesAuditHistory(t *testing.T) {
	f := newFixture(t)
	f.users.users[600] = User{ID: 600, Email: "n@stmary.example", Role: auth.RoleClinicalStaff, HospitalID: i64(7), IsActive: true}
	for i := 0; i < 3; i++ {
		f.log.Insert(audit.Entry{ActorID: i64(600), TableName: "visits", ActionType: "UPDATE", EventType: audit.EventUpdate, HospitalID: i64(7)})
	}

	if err := f.svc.DeleteUser(as(hospAdmin), 600); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := f.users.users[600]; ok {
		t.Error("expected user removed")
	}

	entries := f.entries(t)
	if len(entries) != 4 {
		t.Fatalf("expected 3 historical entries plus the delete, got %d", len(entries))
	}
	del := entries[0]
	if del.EventType != audit.EventHardDelete || del.ActionType != "DELETE" || del.TableName != "staff_users" {
		t.Errorf("unexpected delete entry %s/%s/%s", del.TableName, del.ActionType, del.EventType)
	}
	if del.ActorID == nil || *del.ActorID != hospAdmin.ID {
		t.Errorf("expected delete attributed to admin, got %v", del.ActorID)
	}
	if del.OldValues == nil {
		t.Error("expected pre-delete snapshot")
	}
	for _, e := range entries[1:] {
		if e.ActorID != nil {
			t.Errorf("entry %d: expected actor_id nulled, got %d", e.LogID, *e.ActorID)
		}
	}
}

func TestDeleteUser_Rejected(t *testing.T) {
	f := newFixture(t)
	f.users.users[700] = User{ID: 700, Role: auth.RoleFrontDesk, HospitalID: i64(8), IsActive: true}
	f.users.users[1] = User{ID: 1, Role: auth.RoleSystemAdmin, IsActive: true}

	if err := f.svc.DeleteUser(as(hospAdmin), hospAdmin.ID); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("self delete: expected validation, got %v", err)
	}
	if err := f.svc.DeleteUser(as(hospAdmin), 700); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("other hospital: expected not found, got %v", err)
	}
	if err := f.svc.DeleteUser(as(hospAdmin), 1); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("system admin account: expected not found, got %v", err)
	}
	if len(f.users.users) != 2 {
		t.Errorf("expected no deletes, got %d users", len(f.users.users))
	}
}
