package models

import "time"

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User is the tenant record. The admin capability is always re-verified
// against this row, never taken from caller-supplied state.
type User struct {
	ID         int64     `db:"id"`
	Username   string    `db:"username"`
	Role       UserRole  `db:"role"`
	JobsPaused bool      `db:"jobs_paused"`
	CreatedAt  time.Time `db:"created_at"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
