package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

var csvHeader = []string{
	"log_id", "timestamp", "actor_id", "patient_id", "table_name", "action_type", "event_type",
	"hospital_id", "branch_id", "ip_address", "request_method", "endpoint", "old_values", "new_values",
}

// WriteCSV writes entries as CSV with a header row.
func WriteCSV(w io.Writer, entries []*Entry) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}
	for _, e := range entries {
		record := []string{
			strconv.FormatInt(e.LogID, 10),
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			idString(e.ActorID),
			idString(e.PatientID),
			e.TableName,
			e.ActionType,
			string(e.EventType),
			idString(e.HospitalID),
			idString(e.BranchID),
			deref(e.IPAddress),
			deref(e.RequestMethod),
			deref(e.Endpoint),
			string(e.OldValues),
			string(e.NewValues),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes entries as a JSON array.
func WriteJSON(w io.Writer, entries []*Entry) error {
	if entries == nil {
		entries = []*Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("audit export json: %w", err)
	}
	return nil
}

func idString(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
