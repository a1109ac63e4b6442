package models

import "time"

// Session is one active login. Exactly one row exists per ExternalID; a
// session idle past the configured timeout is invalid and gets deleted on
// the next access.
type Session struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	ExternalID   string    `db:"external_id"`
	StartedAt    time.Time `db:"started_at"`
	LastActiveAt time.Time `db:"last_active"`
}
