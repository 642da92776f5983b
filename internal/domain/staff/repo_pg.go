package staff

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/internal/platform/db"
)

type hospitalRepoPG struct {
	pool *pgxpool.Pool
}

func NewHospitalRepo(pool *pgxpool.Pool) HospitalRepository {
	return &hospitalRepoPG{pool: pool}
}

func (r *hospitalRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func (r *hospitalRepoPG) CreateHospital(ctx context.Context, h *Hospital) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO hospitals (name) VALUES ($1)
		RETURNING hospital_id, is_active, created_at, updated_at`, h.Name).
		Scan(&h.ID, &h.IsActive, &h.CreatedAt, &h.UpdatedAt)
	return db.Classify(err, "insert hospital")
}

func (r *hospitalRepoPG) GetHospital(ctx context.Context, id int64) (*Hospital, error) {
	var h Hospital
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT hospital_id, name, is_active, created_at, updated_at
		FROM hospitals WHERE hospital_id = $1`, id).
		Scan(&h.ID, &h.Name, &h.IsActive, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, db.Classify(err, "select hospital")
	}
	return &h, nil
}

func (r *hospitalRepoPG) CreateBranch(ctx context.Context, b *Branch) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO branches (hospital_id, name) VALUES ($1, $2)
		RETURNING branch_id, is_active, created_at`, b.HospitalID, b.Name).
		Scan(&b.ID, &b.IsActive, &b.CreatedAt)
	return db.Classify(err, "insert branch")
}

func (r *hospitalRepoPG) GetBranch(ctx context.Context, id int64) (*Branch, error) {
	var b Branch
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT branch_id, hospital_id, name, is_active, created_at
		FROM branches WHERE branch_id = $1`, id).
		Scan(&b.ID, &b.HospitalID, &b.Name, &b.IsActive, &b.CreatedAt)
	if err != nil {
		return nil, db.Classify(err, "select branch")
	}
	return &b, nil
}

type userRepoPG struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) UserRepository {
	return &userRepoPG{pool: pool}
}

func (r *userRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const userCols = `user_id, email, full_name, role, hospital_id, branch_id, is_active, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var role string
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &role, &u.HospitalID, &u.BranchID,
		&u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.Role = auth.ParseRole(role)
	return &u, nil
}

func (r *userRepoPG) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM staff_users WHERE lower(email) = lower($1))`, email).Scan(&exists)
	return exists, db.Classify(err, "check staff email")
}

func (r *userRepoPG) Create(ctx context.Context, u *User) error {
	created, err := scanUser(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO staff_users (email, full_name, role, hospital_id, branch_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+userCols,
		u.Email, u.FullName, u.Role.String(), u.HospitalID, u.BranchID))
	if err != nil {
		return db.Classify(err, "insert staff user")
	}
	*u = *created
	return nil
}

func (r *userRepoPG) GetByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM staff_users WHERE user_id = $1`, id))
	if err != nil {
		return nil, db.Classify(err, "select staff user")
	}
	return u, nil
}

func (r *userRepoPG) GetForUpdate(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(r.conn(ctx).QueryRow(ctx,
		`SELECT `+userCols+` FROM staff_users WHERE user_id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, db.Classify(err, "lock staff user")
	}
	return u, nil
}

func (r *userRepoPG) Update(ctx context.Context, u *User) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE staff_users SET full_name = $2, role = $3, branch_id = $4, is_active = $5, updated_at = NOW()
		WHERE user_id = $1
		RETURNING updated_at`,
		u.ID, u.FullName, u.Role.String(), u.BranchID, u.IsActive,
	).Scan(&u.UpdatedAt)
	return db.Classify(err, "update staff user")
}

func (r *userRepoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM staff_users WHERE user_id = $1`, id)
	if err != nil {
		return db.Classify(err, "delete staff user")
	}
	if tag.RowsAffected() == 0 {
		return db.Classify(pgx.ErrNoRows, "delete staff user")
	}
	return nil
}
