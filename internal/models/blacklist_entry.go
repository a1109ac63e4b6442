package models

import "time"

// BlacklistEntry is an append-only abuse signal. Entries are summed over a
// trailing window to decide blocking and purged after the retention period.
type BlacklistEntry struct {
	ID        string    `db:"entry_id"`
	IP        string    `db:"ip"`
	UserID    string    `db:"user_id"` // empty when the actor is anonymous
	Severity  int       `db:"severity"`
	Reason    string    `db:"reason"`
	Timestamp time.Time `db:"ts"`
}
