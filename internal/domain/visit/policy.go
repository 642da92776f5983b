package visit

import (
	"fmt"

	"github.com/ehr/records/internal/platform/auth"
)

// Operation is an action gated by the visit lifecycle.
type Operation string

const (
	OpEdit           Operation = "edit"
	OpClose          Operation = "close"
	OpReopen         Operation = "reopen"
	OpAddChildRecord Operation = "add_child_record"
)

// Operations lists every gated operation in display order.
var Operations = []Operation{OpEdit, OpAddChildRecord, OpClose, OpReopen}

// Decision is the outcome of a policy check. Reason is always set.
type Decision struct {
	Operation Operation `json:"operation"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
}

// Decide evaluates op for role against the persisted visit status. It is
// pure and never fails: anything unrecognized is denied with a reason.
func Decide(role auth.Role, status Status, op Operation) Decision {
	d := Decision{Operation: op}
	switch {
	case !role.Valid():
		d.Reason = "unknown role"
		return d
	case !status.Valid():
		d.Reason = fmt.Sprintf("unknown visit state %q", status)
		return d
	}

	switch op {
	case OpEdit, OpAddChildRecord:
		return decideEdit(d, role, status)
	case OpClose:
		return decideClose(d, role, status)
	case OpReopen:
		if role.IsAdmin() {
			return allow(d, "admin may reopen for corrections")
		}
		d.Reason = "only admin may reopen"
		return d
	default:
		d.Reason = fmt.Sprintf("unknown operation %q", op)
		return d
	}
}

func decideEdit(d Decision, role auth.Role, status Status) Decision {
	switch {
	case role.IsAdmin():
		return allow(d, "admin may edit in any state")
	case role.IsClinical() && status == StatusOpen:
		return allow(d, "visit is open")
	case role.IsClinical():
		d.Reason = "cannot edit/add to closed visit"
	default:
		d.Reason = "role not permitted to edit visits"
	}
	return d
}

func decideClose(d Decision, role auth.Role, status Status) Decision {
	switch {
	case role.IsAdmin():
		return allow(d, "admin may close in any state")
	case role.IsFrontDesk() && status == StatusOpen:
		return allow(d, "front desk may close an open visit")
	case role.IsFrontDesk():
		d.Reason = "already closed"
	default:
		d.Reason = "only front-desk or admin may close"
	}
	return d
}

func allow(d Decision, reason string) Decision {
	d.Allowed = true
	d.Reason = reason
	return d
}

// Available returns the decision for every operation, for rendering which
// actions a caller may take.
func Available(role auth.Role, status Status) []Decision {
	out := make([]Decision, 0, len(Operations))
	for _, op := range Operations {
		out = append(out, Decide(role, status, op))
	}
	return out
}
