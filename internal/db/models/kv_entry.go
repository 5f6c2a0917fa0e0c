package models

import "time"

// KVEntry is one row of the versioned key-value store. Version increases by
// exactly one on every accepted write, which is what the optimistic
// concurrency control in the rotation scheduler relies on.
type KVEntry struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	Version   int64
	ExpiresAt *time.Time
	UpdatedAt time.Time
}
