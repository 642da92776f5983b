// Package audit implements the append-only compliance trail: recording
// entries inside or outside a mutation's transaction, and the filtered,
// paginated and aggregated reads served to compliance screens.
package audit

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ehr/records/internal/platform/apperr"
)

// EventType is the coarse classification of an audited operation.
type EventType string

const (
	EventCreate     EventType = "Create"
	EventRead       EventType = "Read"
	EventUpdate     EventType = "Update"
	EventDelete     EventType = "Delete"
	EventSoftDelete EventType = "SoftDelete"
	EventHardDelete EventType = "HardDelete"
)

var eventTypes = []EventType{EventCreate, EventRead, EventUpdate, EventDelete, EventSoftDelete, EventHardDelete}

func (t EventType) Valid() bool {
	for _, et := range eventTypes {
		if t == et {
			return true
		}
	}
	return false
}

// IsDelete reports whether t removes or retires a record.
func (t EventType) IsDelete() bool {
	return t == EventDelete || t == EventSoftDelete || t == EventHardDelete
}

// ParseEventType matches s case-insensitively against the known types.
func ParseEventType(s string) (EventType, bool) {
	s = strings.TrimSpace(s)
	for _, et := range eventTypes {
		if strings.EqualFold(s, string(et)) {
			return et, true
		}
	}
	return "", false
}

// Entry is one persisted audit_log row. Entries are never updated.
type Entry struct {
	LogID         int64           `json:"log_id"`
	ActorID       *int64          `json:"actor_id"`
	PatientID     *int64          `json:"patient_id"`
	TableName     string          `json:"table_name"`
	ActionType    string          `json:"action_type"`
	OldValues     json.RawMessage `json:"old_values"`
	NewValues     json.RawMessage `json:"new_values"`
	IPAddress     *string         `json:"ip_address"`
	EventType     EventType       `json:"event_type"`
	BranchID      *int64          `json:"branch_id"`
	HospitalID    *int64          `json:"hospital_id"`
	RequestMethod *string         `json:"request_method"`
	Endpoint      *string         `json:"endpoint"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Draft is an entry before the store assigns its id and timestamp.
// TableName and EventType are mandatory.
type Draft struct {
	ActorID       *int64
	PatientID     *int64
	TableName     string
	ActionType    string
	OldValues     json.RawMessage
	NewValues     json.RawMessage
	IPAddress     *string
	EventType     EventType
	BranchID      *int64
	HospitalID    *int64
	RequestMethod *string
	Endpoint      *string
}

// Validate checks the mandatory fields and that snapshots are valid JSON.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.TableName) == "" {
		return apperr.Validation("audit entry requires table_name")
	}
	if !d.EventType.Valid() {
		return apperr.Validation("audit entry has unknown event_type %q", d.EventType)
	}
	if d.OldValues != nil && !json.Valid(d.OldValues) {
		return apperr.Validation("audit old_values is not valid JSON")
	}
	if d.NewValues != nil && !json.Valid(d.NewValues) {
		return apperr.Validation("audit new_values is not valid JSON")
	}
	return nil
}

// Snapshot serializes v for old_values/new_values. A nil v yields a nil
// snapshot, stored as SQL NULL.
func Snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// StrPtr returns nil for an empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
