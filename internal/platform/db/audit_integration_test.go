//go:build integration

package db_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/records/internal/domain/patient"
	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/audit"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/pkg/pagination"
)

// systemScope resolves no hospital; system-wide reads never consult it.
type systemScope struct{}

func (systemScope) HospitalOf(context.Context, int64) (int64, error) { return 0, nil }

func newPGEngine() *audit.Engine {
	return audit.NewEngine(audit.NewPGStore(testPool), systemScope{}, zerolog.Nop())
}

func i64(v int64) *int64 { return &v }

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// seedHospitals appends n entries for each of hospitals 7 and 8, alternating,
// under table and returns the log ids in write order.
func seedHospitals(t *testing.T, table string, n int) []int64 {
	t.Helper()
	store := audit.NewPGStore(testPool)
	events := []audit.EventType{audit.EventCreate, audit.EventRead, audit.EventUpdate, audit.EventSoftDelete}
	var ids []int64
	for i := 0; i < 2*n; i++ {
		hospital := int64(7 + i%2)
		actor := int64(1)
		e, err := store.Append(context.Background(), audit.Draft{
			ActorID:    &actor,
			HospitalID: &hospital,
			TableName:  table,
			ActionType: "INSERT",
			EventType:  events[i%len(events)],
			IPAddress:  audit.StrPtr([]string{"10.0.0.1", "10.0.0.2"}[i%2]),
		})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		ids = append(ids, e.LogID)
	}
	return ids
}

func TestPGStore_ListHospitalFilter(t *testing.T) {
	ctx := context.Background()
	store := audit.NewPGStore(testPool)
	seven, eight := int64(7), int64(8)

	_, before, err := store.List(ctx, audit.Filter{HospitalID: &seven}, pagination.New(1, 1))
	if err != nil {
		t.Fatalf("list before seed: %v", err)
	}
	table := uniqueName("hospital_filter")
	seedHospitals(t, table, 6)

	rows, total, err := store.List(ctx, audit.Filter{HospitalID: &seven}, pagination.New(1, pagination.MaxPageSize))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != before+6 {
		t.Errorf("total = %d, want %d", total, before+6)
	}
	for _, row := range rows {
		if row.HospitalID == nil || *row.HospitalID != 7 {
			t.Errorf("row %d belongs to hospital %v", row.LogID, row.HospitalID)
		}
	}

	rows, total, err = store.List(ctx, audit.Filter{HospitalID: &eight, TableName: table}, pagination.New(1, 50))
	if err != nil {
		t.Fatalf("list hospital 8: %v", err)
	}
	if total != 6 || len(rows) != 6 {
		t.Errorf("hospital 8 in %s: total=%d rows=%d, want 6", table, total, len(rows))
	}
}

func TestPGEngine_PagingCoversEveryRow(t *testing.T) {
	ctx := context.Background()
	seedHospitals(t, uniqueName("paging"), 8)
	engine := newPGEngine()

	first, err := engine.List(ctx, audit.Filter{}, pagination.New(1, 7))
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if first.Pagination.TotalRecords < 16 {
		t.Fatalf("expected at least the 16 seeded rows, got %d", first.Pagination.TotalRecords)
	}

	seen := 0
	var prev *audit.Entry
	for i := 1; i <= first.Pagination.TotalPages; i++ {
		page, err := engine.List(ctx, audit.Filter{}, pagination.New(i, 7))
		if err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
		if page.Pagination.TotalRecords != first.Pagination.TotalRecords {
			t.Fatalf("page %d: total changed to %d", i, page.Pagination.TotalRecords)
		}
		for _, row := range page.Rows {
			if prev != nil {
				if row.Timestamp.After(prev.Timestamp) {
					t.Errorf("row %d (%v) is newer than row %d (%v)", row.LogID, row.Timestamp, prev.LogID, prev.Timestamp)
				}
				if row.Timestamp.Equal(prev.Timestamp) && row.LogID > prev.LogID {
					t.Errorf("row %d breaks the log id tie-break after %d", row.LogID, prev.LogID)
				}
			}
			prev = row
		}
		seen += len(page.Rows)
	}
	if seen != first.Pagination.TotalRecords {
		t.Errorf("rows across pages = %d, want total_records %d", seen, first.Pagination.TotalRecords)
	}

	beyond, err := engine.List(ctx, audit.Filter{}, pagination.New(first.Pagination.TotalPages+1, 7))
	if err != nil {
		t.Fatalf("page past the end: %v", err)
	}
	if len(beyond.Rows) != 0 || beyond.Pagination.HasNext {
		t.Errorf("expected an empty last page, got %d rows", len(beyond.Rows))
	}
}

func TestPGStore_ListReturnsSnapshotBytes(t *testing.T) {
	ctx := context.Background()
	store := audit.NewPGStore(testPool)
	action := uniqueName("roundtrip")

	oldValues := json.RawMessage(`{"first_name": "Ada",  "allergies": [ ], "weight": 61.50}`)
	newValues := json.RawMessage(`{"first_name":"Ada","last_name":"Lovelace","note":"Zoë"}`)
	written, err := store.Append(ctx, audit.Draft{
		ActorID:       i64(1),
		TableName:     "patients",
		ActionType:    action,
		EventType:     audit.EventUpdate,
		OldValues:     oldValues,
		NewValues:     newValues,
		IPAddress:     audit.StrPtr("10.1.2.3"),
		HospitalID:    i64(7),
		RequestMethod: audit.StrPtr("PUT"),
		Endpoint:      audit.StrPtr("/api/v1/patients/42"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, total, err := store.List(ctx, audit.Filter{
		ActionType: action,
		TableName:  "patients",
		EventType:  audit.EventUpdate,
		IPAddress:  "10.1.2.3",
	}, pagination.New(1, 10))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("expected exactly the appended row, got total=%d rows=%d", total, len(rows))
	}
	got := rows[0]
	if got.LogID != written.LogID {
		t.Errorf("log_id = %d, want %d", got.LogID, written.LogID)
	}
	if string(got.OldValues) != string(oldValues) {
		t.Errorf("old_values = %s, want %s", got.OldValues, oldValues)
	}
	if string(got.NewValues) != string(newValues) {
		t.Errorf("new_values = %s, want %s", got.NewValues, newValues)
	}
	if got.IPAddress == nil || *got.IPAddress != "10.1.2.3" || got.Endpoint == nil || *got.Endpoint != "/api/v1/patients/42" {
		t.Errorf("unexpected provenance %+v", got)
	}
}

func TestPGStore_StatisticsMatchesAggregate(t *testing.T) {
	ctx := context.Background()
	store := audit.NewPGStore(testPool)
	table := uniqueName("stats")
	seedHospitals(t, table, 5)

	f := audit.Filter{TableName: table}
	since := audit.DailySince(time.Now())
	stats, err := store.Statistics(ctx, f, since)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}

	if stats.TotalEntries != 10 || stats.UniqueActors != 1 || stats.UniquePatients != 0 || stats.UniqueIPs != 2 {
		t.Errorf("unexpected totals %+v", stats)
	}
	want := audit.EventCounts{Create: 3, Read: 3, Update: 2, Delete: 2}
	if stats.EventCounts != want {
		t.Errorf("event counts = %+v, want %+v", stats.EventCounts, want)
	}
	if stats.ByEventType["SoftDelete"] != 2 {
		t.Errorf("expected raw SoftDelete count kept, got %v", stats.ByEventType)
	}
	if len(stats.TableActivity) != 1 || stats.TableActivity[0].TableName != table || stats.TableActivity[0].Count != 10 {
		t.Errorf("unexpected table activity %+v", stats.TableActivity)
	}
	if len(stats.TopActors) != 1 || stats.TopActors[0].ActorID != 1 || stats.TopActors[0].Count != 10 {
		t.Errorf("unexpected top actors %+v", stats.TopActors)
	}
	daily := 0
	for _, d := range stats.DailyActivity {
		daily += d.Count
	}
	if daily != 10 {
		t.Errorf("daily activity sums to %d, want 10", daily)
	}

	rows, err := store.Scan(ctx, f, 0)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	inMemory := audit.Aggregate(rows, since)
	if inMemory.TotalEntries != stats.TotalEntries || inMemory.EventCounts != stats.EventCounts ||
		inMemory.UniqueIPs != stats.UniqueIPs || len(inMemory.DailyActivity) != len(stats.DailyActivity) {
		t.Errorf("database and in-memory aggregation disagree: %+v vs %+v", stats, inMemory)
	}
}

func TestPatientRegister_DuplicateNationalIDWritesNothing(t *testing.T) {
	var hospitalID int64
	err := testPool.QueryRow(context.Background(),
		"INSERT INTO hospitals (name) VALUES ($1) RETURNING hospital_id", uniqueName("Registry")).Scan(&hospitalID)
	if err != nil {
		t.Fatalf("insert hospital: %v", err)
	}

	svc := patient.NewService(patient.NewRepo(testPool), coordinator(),
		audit.NewRecorder(audit.NewPGStore(testPool), zerolog.Nop()))
	ctx := auth.WithActor(context.Background(), auth.Actor{ID: 1, Role: auth.RoleSystemAdmin})
	ctx = audit.WithProvenance(ctx, audit.Provenance{Method: "POST", Endpoint: "/api/v1/patients", IP: "127.0.0.1"})

	nationalID := uniqueName("NID")
	register := func(allergens ...string) error {
		req := patient.RegisterRequest{
			HospitalID: &hospitalID,
			NationalID: nationalID,
			FirstName:  "Grace",
			LastName:   "Hopper",
		}
		for _, a := range allergens {
			req.Allergies = append(req.Allergies, &patient.Allergy{Allergen: a})
		}
		_, err := svc.Register(ctx, req)
		return err
	}

	if err := register("penicillin"); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	patients, allergies, entries := count(t, "patients"), count(t, "allergies"), count(t, "audit_log")

	err = register("latex", "peanuts")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict for taken national id, got %v", err)
	}

	if got := count(t, "patients"); got != patients {
		t.Errorf("patients: %d rows, want %d", got, patients)
	}
	if got := count(t, "allergies"); got != allergies {
		t.Errorf("allergies: %d rows, want %d", got, allergies)
	}
	if got := count(t, "audit_log"); got != entries {
		t.Errorf("audit_log: %d rows, want %d", got, entries)
	}
}
