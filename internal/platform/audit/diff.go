package audit

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/ehr/records/internal/platform/apperr"
)

// FieldChange is one key whose value differs between two snapshots.
type FieldChange struct {
	Field string          `json:"field"`
	Old   json.RawMessage `json:"old"`
	New   json.RawMessage `json:"new"`
}

// Change is the set-difference of two object snapshots.
type Change struct {
	Added   []FieldChange `json:"added"`
	Removed []FieldChange `json:"removed"`
	Changed []FieldChange `json:"changed"`
}

// Diff compares the top-level keys of two JSON object snapshots. A nil or
// null snapshot is treated as an empty object.
func Diff(oldValues, newValues json.RawMessage) (*Change, error) {
	before, err := decodeObject(oldValues)
	if err != nil {
		return nil, apperr.Validation("old_values: %v", err)
	}
	after, err := decodeObject(newValues)
	if err != nil {
		return nil, apperr.Validation("new_values: %v", err)
	}

	c := &Change{Added: []FieldChange{}, Removed: []FieldChange{}, Changed: []FieldChange{}}
	for _, k := range sortedKeys(before, after) {
		o, inOld := before[k]
		n, inNew := after[k]
		switch {
		case !inOld:
			c.Added = append(c.Added, FieldChange{Field: k, New: n})
		case !inNew:
			c.Removed = append(c.Removed, FieldChange{Field: k, Old: o})
		case !sameJSON(o, n):
			c.Changed = append(c.Changed, FieldChange{Field: k, Old: o, New: n})
		}
	}
	return c, nil
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func sortedKeys(maps ...map[string]json.RawMessage) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, m := range maps {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

func sameJSON(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(av, bv)
}
