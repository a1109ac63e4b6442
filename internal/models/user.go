package models

import "time"

// User is the minimal account record the auth core needs: identity,
// credential hash and the capability set gating routes. The full profile
// aggregate lives in another service.
type User struct {
	UserID       string     `db:"user_id"`
	Username     string     `db:"username"`
	Email        string     `db:"email"`
	PasswordHash string     `db:"password_hash"`
	Permissions  []string   `db:"permissions"`
	CreatedAt    time.Time  `db:"created_at"`
	LastLogin    *time.Time `db:"last_login"`
}
