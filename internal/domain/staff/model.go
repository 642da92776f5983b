package staff

import (
	"time"

	"github.com/ehr/records/internal/platform/auth"
)

// Hospital is a tenant.
type Hospital struct {
	ID        int64     `json:"hospital_id"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Branch is a site within a hospital.
type Branch struct {
	ID         int64     `json:"branch_id"`
	HospitalID int64     `json:"hospital_id"`
	Name       string    `json:"name"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is a staff account. Its user_id is the actor id in tokens and audit
// entries.
type User struct {
	ID         int64     `json:"user_id"`
	Email      string    `json:"email"`
	FullName   string    `json:"full_name"`
	Role       auth.Role `json:"role"`
	HospitalID *int64    `json:"hospital_id"`
	BranchID   *int64    `json:"branch_id"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type CreateUserRequest struct {
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
	Role       string `json:"role"`
	HospitalID *int64 `json:"hospital_id"`
	BranchID   *int64 `json:"branch_id"`
}

// UpdateUserRequest changes only the fields that are set.
type UpdateUserRequest struct {
	FullName *string `json:"full_name"`
	Role     *string `json:"role"`
	BranchID *int64  `json:"branch_id"`
	IsActive *bool   `json:"is_active"`
}

type CreateHospitalRequest struct {
	Name string `json:"name"`
}

type CreateBranchRequest struct {
	Name string `json:"name"`
}
