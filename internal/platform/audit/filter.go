package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/records/internal/platform/apperr"
)

// Filter selects audit entries. Every set field is ANDed.
type Filter struct {
	ActorID    *int64
	PatientID  *int64
	HospitalID *int64
	BranchID   *int64
	ActionType string
	EventType  EventType
	TableName  string
	IPAddress  string
	From       *time.Time
	To         *time.Time
	// Search matches case-insensitively against event_type, table_name,
	// endpoint and the textual ip_address.
	Search string
}

// Query parameter names. The *_filter names are accepted as aliases.
var idParams = map[string][]string{
	"actor_id":    {"actor_id", "user_filter"},
	"patient_id":  {"patient_id", "patient_filter"},
	"hospital_id": {"hospital_id", "hospital_filter"},
	"branch_id":   {"branch_id", "branch_filter"},
}

const dateOnly = "2006-01-02"

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// ParseFilter reads a Filter from query parameters. Unusable id, event type
// and ip values are dropped; unparseable timestamps are a validation error.
func ParseFilter(q url.Values) (Filter, error) {
	var f Filter
	f.ActorID = firstID(q, idParams["actor_id"])
	f.PatientID = firstID(q, idParams["patient_id"])
	f.HospitalID = firstID(q, idParams["hospital_id"])
	f.BranchID = firstID(q, idParams["branch_id"])

	f.ActionType = strings.TrimSpace(q.Get("action_type"))
	f.TableName = strings.TrimSpace(q.Get("table_name"))
	f.Search = strings.TrimSpace(q.Get("search"))
	if et, ok := ParseEventType(q.Get("event_type")); ok {
		f.EventType = et
	}
	if ip := strings.TrimSpace(q.Get("ip_address")); ip != "" && net.ParseIP(ip) != nil {
		f.IPAddress = ip
	}

	var err error
	if f.From, err = parseBound(q.Get("start_date"), false); err != nil {
		return Filter{}, apperr.Validation("invalid start_date: %v", err)
	}
	if f.To, err = parseBound(q.Get("end_date"), true); err != nil {
		return Filter{}, apperr.Validation("invalid end_date: %v", err)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return Filter{}, apperr.Validation("end_date is before start_date")
	}
	return f, nil
}

func firstID(q url.Values, names []string) *int64 {
	for _, name := range names {
		raw := strings.TrimSpace(q.Get(name))
		if raw == "" {
			continue
		}
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return &id
		}
		return nil
	}
	return nil
}

// parseBound accepts RFC 3339 or a plain date. A plain upper bound covers
// the whole day.
func parseBound(raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(dateOnly, raw); err == nil {
		if upper {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return &t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%q is not a date or RFC 3339 timestamp", raw)
}

// Match reports whether e satisfies every set field of f.
func (f Filter) Match(e *Entry) bool {
	if !eqID(f.ActorID, e.ActorID) || !eqID(f.PatientID, e.PatientID) ||
		!eqID(f.HospitalID, e.HospitalID) || !eqID(f.BranchID, e.BranchID) {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.TableName != "" && e.TableName != f.TableName {
		return false
	}
	if f.IPAddress != "" && deref(e.IPAddress) != f.IPAddress {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		hay := []string{string(e.EventType), e.TableName, deref(e.Endpoint), deref(e.IPAddress)}
		found := false
		for _, h := range hay {
			if strings.Contains(strings.ToLower(h), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func eqID(want, got *int64) bool {
	if want == nil {
		return true
	}
	return got != nil && *got == *want
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Key returns a stable hash of the normalized filter, used as a cache key.
func (f Filter) Key() string {
	var b strings.Builder
	writeID := func(name string, v *int64) {
		if v != nil {
			fmt.Fprintf(&b, "%s=%d;", name, *v)
		}
	}
	writeTime := func(name string, v *time.Time) {
		if v != nil {
			fmt.Fprintf(&b, "%s=%s;", name, v.UTC().Format(time.RFC3339Nano))
		}
	}
	writeID("actor", f.ActorID)
	writeID("patient", f.PatientID)
	writeID("hospital", f.HospitalID)
	writeID("branch", f.BranchID)
	fmt.Fprintf(&b, "action=%s;event=%s;table=%s;ip=%s;search=%s;",
		f.ActionType, f.EventType, f.TableName, f.IPAddress, strings.ToLower(f.Search))
	writeTime("from", f.From)
	writeTime("to", f.To)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
