package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

// -- Mock Repository --

type row = map[string]any

type mockRepo struct {
	patients     map[int64]Patient
	allergies    []Allergy
	medications  []Medication
	conditions   []Condition
	family       []FamilyHistory
	social       map[int64]SocialHistory
	visits       []row
	visitRecords []row
	nextID       int64

	failAllergen string
	failDelete   string
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		patients: map[int64]Patient{},
		social:   map[int64]SocialHistory{},
		nextID:   1,
	}
}

func (m *mockRepo) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func (m *mockRepo) Checkpoint() func() {
	patients := make(map[int64]Patient, len(m.patients))
	for k, v := range m.patients {
		patients[k] = v
	}
	social := make(map[int64]SocialHistory, len(m.social))
	for k, v := range m.social {
		social[k] = v
	}
	allergies := append([]Allergy(nil), m.allergies...)
	medications := append([]Medication(nil), m.medications...)
	conditions := append([]Condition(nil), m.conditions...)
	family := append([]FamilyHistory(nil), m.family...)
	visits := append([]row(nil), m.visits...)
	visitRecords := append([]row(nil), m.visitRecords...)
	next := m.nextID
	return func() {
		m.patients, m.social = patients, social
		m.allergies, m.medications, m.conditions, m.family = allergies, medications, conditions, family
		m.visits, m.visitRecords = visits, visitRecords
		m.nextID = next
	}
}

func (m *mockRepo) NationalIDExists(_ context.Context, nationalID string) (bool, error) {
	for _, p := range m.patients {
		if p.NationalID == nationalID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) Create(_ context.Context, p *Patient) error {
	p.ID = m.id()
	p.IsActive = true
	p.CreatedAt, p.UpdatedAt = time.Now(), time.Now()
	m.patients[p.ID] = *p
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id int64) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, apperr.NotFound("select patient")
	}
	return &p, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id int64) (*Patient, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) Update(_ context.Context, p *Patient) error {
	p.UpdatedAt = time.Now()
	m.patients[p.ID] = *p
	return nil
}

func (m *mockRepo) SoftDelete(_ context.Context, id int64, at time.Time) (*Patient, error) {
	p := m.patients[id]
	p.IsActive = false
	p.DeletedAt = &at
	m.patients[id] = p
	return &p, nil
}

func (m *mockRepo) Delete(_ context.Context, id int64) error {
	if m.failDelete == tablePatients {
		return errors.New("delete patient: lock timeout")
	}
	if _, ok := m.patients[id]; !ok {
		return apperr.NotFound("delete patient")
	}
	delete(m.patients, id)
	return nil
}

func (m *mockRepo) AddAllergy(_ context.Context, a *Allergy) error {
	if a.Allergen == m.failAllergen {
		return errors.New("insert allergy: connection reset")
	}
	a.ID = m.id()
	m.allergies = append(m.allergies, *a)
	return nil
}

func (m *mockRepo) AddMedication(_ context.Context, md *Medication) error {
	md.ID = m.id()
	m.medications = append(m.medications, *md)
	return nil
}

func (m *mockRepo) AddCondition(_ context.Context, c *Condition) error {
	c.ID = m.id()
	m.conditions = append(m.conditions, *c)
	return nil
}

func (m *mockRepo) AddFamilyHistory(_ context.Context, f *FamilyHistory) error {
	f.ID = m.id()
	m.family = append(m.family, *f)
	return nil
}

func (m *mockRepo) SetSocialHistory(_ context.Context, s *SocialHistory) error {
	s.ID = m.id()
	m.social[s.PatientID] = *s
	return nil
}

func (m *mockRepo) LoadChart(ctx context.Context, id int64) (*Chart, error) {
	p, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c := &Chart{Patient: p}
	for i := range m.allergies {
		if a := m.allergies[i]; a.PatientID == id {
			c.Allergies = append(c.Allergies, &a)
		}
	}
	for i := range m.medications {
		if md := m.medications[i]; md.PatientID == id {
			c.Medications = append(c.Medications, &md)
		}
	}
	for i := range m.conditions {
		if cd := m.conditions[i]; cd.PatientID == id {
			c.Conditions = append(c.Conditions, &cd)
		}
	}
	for i := range m.family {
		if f := m.family[i]; f.PatientID == id {
			c.FamilyHistory = append(c.FamilyHistory, &f)
		}
	}
	if s, ok := m.social[id]; ok {
		c.SocialHistory = &s
	}
	return c, nil
}

// partition drops the rows matching match and returns them encoded.
func partition[T any](rows []T, match func(T) bool) ([]T, []json.RawMessage) {
	var kept []T
	var removed []json.RawMessage
	for _, r := range rows {
		if match(r) {
			b, _ := json.Marshal(r)
			removed = append(removed, b)
			continue
		}
		kept = append(kept, r)
	}
	return kept, removed
}

func (m *mockRepo) DeleteChildren(_ context.Context, table string, patientID int64) ([]json.RawMessage, error) {
	if table == m.failDelete {
		return nil, fmt.Errorf("delete %s: lock timeout", table)
	}
	var removed []json.RawMessage
	switch table {
	case TableVisitRecords:
		visitIDs := map[any]bool{}
		for _, v := range m.visits {
			if v["patient_id"] == patientID {
				visitIDs[v["visit_id"]] = true
			}
		}
		m.visitRecords, removed = partition(m.visitRecords, func(r row) bool { return visitIDs[r["visit_id"]] })
	case TableVisits:
		m.visits, removed = partition(m.visits, func(r row) bool { return r["patient_id"] == patientID })
	case TableAllergies:
		m.allergies, removed = partition(m.allergies, func(a Allergy) bool { return a.PatientID == patientID })
	case TableMedications:
		m.medications, removed = partition(m.medications, func(md Medication) bool { return md.PatientID == patientID })
	case TableConditions:
		m.conditions, removed = partition(m.conditions, func(c Condition) bool { return c.PatientID == patientID })
	case TableFamilyHistory:
		m.family, removed = partition(m.family, func(f FamilyHistory) bool { return f.PatientID == patientID })
	case TableSocialHistory:
		if s, ok := m.social[patientID]; ok {
			b, _ := json.Marshal(s)
			removed = append(removed, b)
			delete(m.social, patientID)
		}
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	return removed, nil
}

// -- Fixture --

type fixture struct {
	repo *mockRepo
	log  *audittest.MemoryStore
	tx   *dbtest.MemTransactor
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{repo: newMockRepo(), log: audittest.NewMemoryStore()}
	f.tx = dbtest.NewMemTransactor(f.repo, f.log)
	recorder := audit.NewRecorder(f.log, zerolog.Nop())
	coord := mutation.NewCoordinator(f.tx, recorder, time.Second, zerolog.Nop())
	f.svc = NewService(f.repo, coord, recorder)
	return f
}

// entries returns the audit log oldest first.
func (f *fixture) entries(t *testing.T) []*audit.Entry {
	t.Helper()
	rows, err := f.log.Scan(context.Background(), audit.Filter{}, 0)
	if err != nil {
		t.Fatalf("scan audit log: %v", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}

var (
	frontDesk    = auth.Actor{ID: 50, Role: auth.RoleFrontDesk, HospitalID: 7, BranchID: 3}
	practitioner = auth.Actor{ID: 51, Role: auth.RolePractitioner, HospitalID: 7}
	hospAdmin    = auth.Actor{ID: 52, Role: auth.RoleHospitalAdmin, HospitalID: 7}
	sysAdmin     = auth.Actor{ID: 1, Role: auth.RoleSystemAdmin}
	outsider     = auth.Actor{ID: 60, Role: auth.RoleFrontDesk, HospitalID: 8}
)

func as(a auth.Actor) context.Context {
	ctx := auth.WithActor(context.Background(), a)
	return audit.WithProvenance(ctx, audit.Provenance{Method: "POST", Endpoint: "/api/v1/patients", IP: "192.168.4.20"})
}

func str(s string) *string { return &s }

func fullRequest(nationalID string) RegisterRequest {
	return RegisterRequest{
		NationalID:  nationalID,
		FirstName:   "Amara",
		LastName:    "Okafor",
		DateOfBirth: str("1988-03-14"),
		Allergies: []*Allergy{
			{Allergen: "penicillin", Severity: str("severe")},
			{Allergen: "latex"},
		},
		Medications:   []*Medication{{Name: "metformin", Dosage: str("500mg")}},
		Conditions:    []*Condition{{Name: "type 2 diabetes", DiagnosedOn: str("2019-06-01")}},
		FamilyHistory: []*FamilyHistory{{Relation: "mother", Condition: "hypertension"}},
		SocialHistory: &SocialHistory{SmokingStatus: str("never")},
	}
}

// -- Tests --

func TestRegister_WithChildRecords(t *testing.T) {
	f := newFixture(t)

	chart, err := f.svc.Register(as(frontDesk), fullRequest("NID-001"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if chart.ID == 0 || chart.HospitalID != 7 {
		t.Fatalf("unexpected patient %+v", chart.Patient)
	}
	if chart.BranchID == nil || *chart.BranchID != 3 {
		t.Errorf("expected actor branch, got %v", chart.BranchID)
	}
	for _, a := range chart.Allergies {
		if a.PatientID != chart.ID || a.ID == 0 {
			t.Errorf("allergy not linked: %+v", a)
		}
	}

	entries := f.entries(t)
	wantTables := []string{"patients", "allergies", "allergies", "patient_medications", "conditions", "family_history", "social_history"}
	if len(entries) != len(wantTables) {
		t.Fatalf("expected %d entries, got %d", len(wantTables), len(entries))
	}
	for i, e := range entries {
		if e.TableName != wantTables[i] {
			t.Errorf("entry %d: expected table %s, got %s", i, wantTables[i], e.TableName)
		}
		if e.EventType != audit.EventCreate || e.ActionType != "INSERT" {
			t.Errorf("entry %d: unexpected %s/%s", i, e.ActionType, e.EventType)
		}
		if e.PatientID == nil || *e.PatientID != chart.ID {
			t.Errorf("entry %d: expected patient %d, got %v", i, chart.ID, e.PatientID)
		}
		if e.ActorID == nil || *e.ActorID != frontDesk.ID {
			t.Errorf("entry %d: expected actor %d, got %v", i, frontDesk.ID, e.ActorID)
		}
	}
}

func TestRegister_DuplicateNationalID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Register(as(frontDesk), RegisterRequest{NationalID: "NID-7", FirstName: "A", LastName: "B"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	patientsBefore, entriesBefore := len(f.repo.patients), len(f.entries(t))

	_, err := f.svc.Register(as(frontDesk), fullRequest("NID-7"))
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.repo.patients) != patientsBefore || len(f.repo.allergies) != 0 {
		t.Errorf("expected no rows written, got %d patients %d allergies", len(f.repo.patients), len(f.repo.allergies))
	}
	if got := len(f.entries(t)); got != entriesBefore {
		t.Errorf("expected no audit entries, got %d new", got-entriesBefore)
	}
}

func TestRegister_ChildFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.repo.failAllergen = "latex"

	_, err := f.svc.Register(as(frontDesk), fullRequest("NID-900"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "insert allergy") {
		t.Errorf("expected failing step in error, got %v", err)
	}
	if len(f.repo.patients) != 0 || len(f.repo.allergies) != 0 {
		t.Errorf("expected rollback, got %d patients %d allergies", len(f.repo.patients), len(f.repo.allergies))
	}
	if got := len(f.entries(t)); got != 0 {
		t.Errorf("expected no audit entries, got %d", got)
	}
}

func TestRegister_Rejected(t *testing.T) {
	f := newFixture(t)
	other := int64(8)
	seven := int64(7)

	tests := []struct {
		name  string
		actor auth.Actor
		req   RegisterRequest
		kind  error
	}{
		{"missing names", frontDesk, RegisterRequest{NationalID: "X"}, apperr.ErrValidation},
		{"missing allergen", frontDesk, RegisterRequest{NationalID: "X", FirstName: "A", LastName: "B", Allergies: []*Allergy{{}}}, apperr.ErrValidation},
		{"system admin without hospital", sysAdmin, RegisterRequest{NationalID: "X", FirstName: "A", LastName: "B"}, apperr.ErrValidation},
		{"other hospital", hospAdmin, RegisterRequest{NationalID: "X", FirstName: "A", LastName: "B", HospitalID: &other}, apperr.ErrAuthorizationDenied},
		{"unknown role", auth.Actor{ID: 9, HospitalID: 7}, RegisterRequest{NationalID: "X", FirstName: "A", LastName: "B", HospitalID: &seven}, apperr.ErrAuthorizationDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Register(as(tt.actor), tt.req)
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
	if len(f.repo.patients) != 0 {
		t.Errorf("expected no patients, got %d", len(f.repo.patients))
	}
}

func TestRegister_SystemAdminChoosesHospital(t *testing.T) {
	f := newFixture(t)
	h := int64(12)
	req := fullRequest("NID-SYS")
	req.HospitalID = &h

	chart, err := f.svc.Register(as(sysAdmin), req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if chart.HospitalID != 12 || chart.BranchID != nil {
		t.Errorf("expected hospital 12 without branch, got %d %v", chart.HospitalID, chart.BranchID)
	}
	e := f.entries(t)[0]
	if e.HospitalID == nil || *e.HospitalID != 12 {
		t.Errorf("expected entry attributed to hospital 12, got %v", e.HospitalID)
	}
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	chart, err := f.svc.Register(as(frontDesk), fullRequest("NID-GET"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	before := len(f.entries(t))

	got, err := f.svc.Get(as(practitioner), chart.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Allergies) != 2 || got.SocialHistory == nil {
		t.Errorf("expected full chart, got %+v", got)
	}
	entries := f.entries(t)
	if len(entries) != before+1 {
		t.Fatalf("expected one read entry, got %d", len(entries)-before)
	}
	if e := entries[len(entries)-1]; e.EventType != audit.EventRead || e.ActionType != "view_patient" {
		t.Errorf("unexpected entry %s/%s", e.ActionType, e.EventType)
	}

	if _, err := f.svc.Get(as(outsider), chart.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("outsider: expected not found, got %v", err)
	}
	if len(f.entries(t)) != before+1 {
		t.Error("expected no read entry for hidden patient")
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	chart, err := f.svc.Register(as(frontDesk), RegisterRequest{NationalID: "NID-U", FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	p, err := f.svc.Update(as(frontDesk), chart.ID, UpdateRequest{Phone: str("+15550100")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Phone == nil || *p.Phone != "+15550100" {
		t.Errorf("expected phone updated, got %v", p.Phone)
	}

	entries := f.entries(t)
	e := entries[len(entries)-1]
	if e.EventType != audit.EventUpdate {
		t.Fatalf("expected update entry, got %s", e.EventType)
	}
	change, err := audit.Diff(e.OldValues, e.NewValues)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	fields := map[string]bool{}
	for _, c := range change.Changed {
		fields[c.Field] = true
	}
	if !fields["phone"] {
		t.Errorf("expected phone in changes, got %+v", change.Changed)
	}

	if _, err := f.svc.Update(as(frontDesk), chart.ID, UpdateRequest{FirstName: str(" ")}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("blank name: expected validation, got %v", err)
	}
	if _, err := f.svc.Update(as(outsider), chart.ID, UpdateRequest{Phone: str("1")}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("outsider: expected not found, got %v", err)
	}
}

func TestDelete_Soft(t *testing.T) {
	f := newFixture(t)
	chart, err := f.svc.Register(as(frontDesk), RegisterRequest{NationalID: "NID-S", FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.svc.Delete(as(practitioner), chart.ID, false); !errors.Is(err, apperr.ErrAuthorizationDenied) {
		t.Errorf("practitioner: expected denied, got %v", err)
	}
	if err := f.svc.Delete(as(frontDesk), chart.ID, false); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if p := f.repo.patients[chart.ID]; p.IsActive || p.DeletedAt == nil {
		t.Errorf("expected inactive patient, got %+v", p)
	}

	entries := f.entries(t)
	e := entries[len(entries)-1]
	if e.ActionType != "UPDATE" || e.EventType != audit.EventSoftDelete {
		t.Errorf("unexpected entry %s/%s", e.ActionType, e.EventType)
	}
	if _, err := f.svc.Get(as(frontDesk), chart.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected soft-deleted patient hidden, got %v", err)
	}
}

func (f *fixture) seedVisits(patientID int64) {
	f.repo.visits = append(f.repo.visits,
		row{"visit_id": int64(900), "patient_id": patientID},
		row{"visit_id": int64(901), "patient_id": int64(4242)},
	)
	f.repo.visitRecords = append(f.repo.visitRecords,
		row{"record_id": int64(1), "visit_id": int64(900), "kind": "vitals"},
		row{"record_id": int64(2), "visit_id": int64(900), "kind": "imaging"},
		row{"record_id": int64(3), "visit_id": int64(901), "kind": "vitals"},
	)
}

func TestDelete_HardCascade(t *testing.T) {
	f := newFixture(t)
	req := RegisterRequest{
		NationalID:    "NID-H",
		FirstName:     "A",
		LastName:      "B",
		Allergies:     []*Allergy{{Allergen: "peanuts"}},
		SocialHistory: &SocialHistory{Occupation: str("electrician")},
	}
	chart, err := f.svc.Register(as(frontDesk), req)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.seedVisits(chart.ID)
	before := len(f.entries(t))

	if err := f.svc.Delete(as(frontDesk), chart.ID, true); !errors.Is(err, apperr.ErrAuthorizationDenied) {
		t.Fatalf("front desk hard delete: expected denied, got %v", err)
	}
	if err := f.svc.Delete(as(hospAdmin), chart.ID, true); err != nil {
		t.Fatalf("hard delete: %v", err)
	}

	if _, ok := f.repo.patients[chart.ID]; ok {
		t.Error("expected patient removed")
	}
	if len(f.repo.allergies) != 0 || len(f.repo.social) != 0 {
		t.Error("expected children removed")
	}
	if len(f.repo.visits) != 1 || len(f.repo.visitRecords) != 1 {
		t.Errorf("expected other patient's visit kept, got %d visits %d records", len(f.repo.visits), len(f.repo.visitRecords))
	}

	entries := f.entries(t)[before:]
	wantTables := []string{"visit_records", "visits", "allergies", "social_history", "patients"}
	if len(entries) != len(wantTables) {
		t.Fatalf("expected %d entries, got %d", len(wantTables), len(entries))
	}
	for i, e := range entries {
		if e.TableName != wantTables[i] {
			t.Errorf("entry %d: expected %s, got %s", i, wantTables[i], e.TableName)
		}
		if e.ActionType != "DELETE" || e.EventType != audit.EventHardDelete {
			t.Errorf("entry %d: unexpected %s/%s", i, e.ActionType, e.EventType)
		}
		if e.PatientID != nil {
			t.Errorf("entry %d: expected null patient_id, got %d", i, *e.PatientID)
		}
		if e.NewValues != nil {
			t.Errorf("entry %d: expected no new_values", i)
		}
	}

	var records []map[string]any
	if err := json.Unmarshal(entries[0].OldValues, &records); err != nil || len(records) != 2 {
		t.Errorf("expected 2 removed visit records in snapshot, got %s (%v)", entries[0].OldValues, err)
	}
	var parent map[string]json.RawMessage
	if err := json.Unmarshal(entries[4].OldValues, &parent); err != nil {
		t.Fatalf("decode parent snapshot: %v", err)
	}
	for _, key := range []string{"national_id", "allergies", "social_history"} {
		if _, ok := parent[key]; !ok {
			t.Errorf("parent snapshot missing %s", key)
		}
	}
}

func TestDelete_HardCascadeFailureRestores(t *testing.T) {
	f := newFixture(t)
	chart, err := f.svc.Register(as(frontDesk), fullRequest("NID-F"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	f.seedVisits(chart.ID)
	before := len(f.entries(t))
	f.repo.failDelete = TableConditions

	err = f.svc.Delete(as(hospAdmin), chart.ID, true)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := f.repo.patients[chart.ID]; !ok {
		t.Error("expected patient restored")
	}
	if len(f.repo.visitRecords) != 3 || len(f.repo.allergies) != 2 {
		t.Errorf("expected children restored, got %d records %d allergies", len(f.repo.visitRecords), len(f.repo.allergies))
	}
	if got := len(f.entries(t)); got != before {
		t.Errorf("expected no new entries, got %d", got-before)
	}
}

func TestDelete_HardMissing(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Delete(as(sysAdmin), 404, true); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
