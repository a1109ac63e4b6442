package models

import "time"

// SecurityEvent is the diagnostics record fanned out to the alerting topic
// and the analytics sinks. Detail strings never reach end users.
type SecurityEvent struct {
	EventBucket int       `db:"event_bucket" json:"event_bucket"`
	EventTime   time.Time `db:"event_time" json:"event_time"`
	Kind        string    `db:"kind" json:"kind"`
	IP          string    `db:"ip" json:"ip"`
	UserID      string    `db:"user_id" json:"user_id,omitempty"`
	Severity    int       `db:"severity" json:"severity"`
	Detail      string    `db:"detail" json:"detail,omitempty"`
}
