package auth

import (
	"context"
	"strings"
)

// Role is the closed set of caller roles. The numeric value is the privilege
// level: lower numbers are more privileged.
type Role int

const (
	RoleUnknown Role = iota
	RoleSystemAdmin
	RoleHospitalAdmin
	RolePractitioner
	RoleClinicalStaff
	RoleFrontDesk
)

// adminPrivilegeCeiling is the highest privilege level that bypasses the
// fine-grained lifecycle gates.
const adminPrivilegeCeiling = 2

var roleNames = map[Role]string{
	RoleSystemAdmin:   "system_admin",
	RoleHospitalAdmin: "hospital_admin",
	RolePractitioner:  "practitioner",
	RoleClinicalStaff: "clinical_staff",
	RoleFrontDesk:     "front_desk",
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return "unknown"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	*r = ParseRole(string(b))
	return nil
}

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// PrivilegeLevel returns the rank of the role; 0 for an unknown role.
func (r Role) PrivilegeLevel() int {
	if !r.Valid() {
		return 0
	}
	return int(r)
}

// IsAdmin reports whether the role bypasses state gates (system or hospital admin).
func (r Role) IsAdmin() bool {
	return r.Valid() && r.PrivilegeLevel() <= adminPrivilegeCeiling
}

// IsClinical reports whether the role authors clinical content.
func (r Role) IsClinical() bool {
	return r == RolePractitioner || r == RoleClinicalStaff
}

func (r Role) IsFrontDesk() bool { return r == RoleFrontDesk }

// SpansHospitals reports whether the role may read records of any hospital.
func (r Role) SpansHospitals() bool { return r == RoleSystemAdmin }

// ParseRole resolves a role name, accepting the legacy numeric ids "1".."5".
func ParseRole(s string) Role {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, n := range roleNames {
		if n == s {
			return r
		}
	}
	switch s {
	case "1":
		return RoleSystemAdmin
	case "2":
		return RoleHospitalAdmin
	case "3":
		return RolePractitioner
	case "4":
		return RoleClinicalStaff
	case "5":
		return RoleFrontDesk
	}
	return RoleUnknown
}

// Actor is the authenticated caller of one request.
type Actor struct {
	ID         int64 `json:"actor_id"`
	Role       Role  `json:"role"`
	HospitalID int64 `json:"hospital_id,omitempty"`
	BranchID   int64 `json:"branch_id,omitempty"`
}

// HospitalRef returns the hospital id as a nullable reference.
func (a Actor) HospitalRef() *int64 {
	if a.HospitalID == 0 {
		return nil
	}
	id := a.HospitalID
	return &id
}

// BranchRef returns the branch id as a nullable reference.
func (a Actor) BranchRef() *int64 {
	if a.BranchID == 0 {
		return nil
	}
	id := a.BranchID
	return &id
}

// ActorRef returns the actor id as a nullable reference.
func (a Actor) ActorRef() *int64 {
	if a.ID == 0 {
		return nil
	}
	id := a.ID
	return &id
}

const ActorKey contextKey = "actor"

// WithActor stores the resolved actor on ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ActorKey, a)
}

// ActorFromContext returns the actor resolved by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ActorKey).(Actor)
	return a, ok
}
