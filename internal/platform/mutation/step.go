// Package mutation runs a caller's ordered writes and their audit entries as
// one all-or-nothing transaction.
package mutation

import (
	"context"

	"github.com/ehr/records/internal/platform/audit"
)

// Result describes what a write did. It becomes exactly one audit entry.
type Result struct {
	Table     string
	Action    string
	Event     audit.EventType
	RecordID  int64
	PatientID *int64
	// HospitalID and BranchID override the actor's own when the target
	// record belongs elsewhere.
	HospitalID *int64
	BranchID   *int64
	Old        any
	New        any
}

// WriteStep is one business write. A nil Result means nothing was written
// and no entry is recorded.
type WriteStep struct {
	Name  string
	Write func(ctx context.Context) (*Result, error)
}

// Check is a step that only reads or validates inside the transaction, such
// as a duplicate lookup or a lifecycle gate.
func Check(name string, fn func(ctx context.Context) error) WriteStep {
	return WriteStep{
		Name: name,
		Write: func(ctx context.Context) (*Result, error) {
			return nil, fn(ctx)
		},
	}
}

// Record is the state of a delete target read inside the transaction.
type Record struct {
	ID         int64
	PatientID  *int64
	HospitalID *int64
	BranchID   *int64
	Snapshot   any
}

// Child is a dependent table cleared before its parent on hard delete.
// Remove returns the removed rows and how many there were.
type Child struct {
	Table  string
	Remove func(ctx context.Context) (removed any, n int64, err error)
}

// DeleteTarget describes a parent row for SoftDelete and HardDelete.
type DeleteTarget struct {
	Table string
	// Load reads the current row, locking it for the rest of the transaction.
	Load func(ctx context.Context) (*Record, error)
	// Flag marks the row inactive and returns its new state.
	Flag func(ctx context.Context) (any, error)
	// Remove deletes the row.
	Remove func(ctx context.Context) error
	// Children are removed in order before the parent.
	Children []Child
}

const (
	actionUpdate = "UPDATE"
	actionDelete = "DELETE"
)

// SoftDelete flags the target inactive and records an UPDATE/SoftDelete
// entry with the before and after state.
func SoftDelete(t DeleteTarget) []WriteStep {
	return []WriteStep{{
		Name: "soft delete " + t.Table,
		Write: func(ctx context.Context) (*Result, error) {
			rec, err := t.Load(ctx)
			if err != nil {
				return nil, err
			}
			after, err := t.Flag(ctx)
			if err != nil {
				return nil, err
			}
			return rec.result(t.Table, actionUpdate, audit.EventSoftDelete, rec.Snapshot, after), nil
		},
	}}
}

// HardDelete removes each child set and then the parent, recording a
// DELETE/HardDelete entry per removed set. The parent entry carries the full
// pre-delete snapshot.
func HardDelete(t DeleteTarget) []WriteStep {
	var rec *Record
	steps := []WriteStep{Check("load "+t.Table, func(ctx context.Context) error {
		var err error
		rec, err = t.Load(ctx)
		return err
	})}

	for _, child := range t.Children {
		steps = append(steps, WriteStep{
			Name: "delete " + child.Table,
			Write: func(ctx context.Context) (*Result, error) {
				removed, n, err := child.Remove(ctx)
				if err != nil || n == 0 {
					return nil, err
				}
				return rec.result(child.Table, actionDelete, audit.EventHardDelete, removed, nil), nil
			},
		})
	}

	steps = append(steps, WriteStep{
		Name: "delete " + t.Table,
		Write: func(ctx context.Context) (*Result, error) {
			if err := t.Remove(ctx); err != nil {
				return nil, err
			}
			return rec.result(t.Table, actionDelete, audit.EventHardDelete, rec.Snapshot, nil), nil
		},
	})
	return steps
}

func (r *Record) result(table, action string, event audit.EventType, old, new any) *Result {
	return &Result{
		Table:      table,
		Action:     action,
		Event:      event,
		RecordID:   r.ID,
		PatientID:  r.PatientID,
		HospitalID: r.HospitalID,
		BranchID:   r.BranchID,
		Old:        old,
		New:        new,
	}
}
