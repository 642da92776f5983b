package staff

import "context"

// HospitalRepository persists hospitals and their branches.
type HospitalRepository interface {
	CreateHospital(ctx context.Context, h *Hospital) error
	GetHospital(ctx context.Context, id int64) (*Hospital, error)
	CreateBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, id int64) (*Branch, error)
}

// UserRepository persists staff accounts.
type UserRepository interface {
	EmailExists(ctx context.Context, email string) (bool, error)
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetForUpdate(ctx context.Context, id int64) (*User, error)
	Update(ctx context.Context, u *User) error
	// Delete removes the account. The schema nulls references to it,
	// including audit_log.actor_id.
	Delete(ctx context.Context, id int64) error
}
