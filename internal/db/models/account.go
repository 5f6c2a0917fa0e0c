package models

import "time"

// Account stores one Business Gemini identity and its cookie credentials.
type Account struct {
	ID                string `gorm:"primaryKey"` // UUID
	TeamID            string
	SecureCSes        string // __Secure-C_SES cookie value
	HostCOses         string // __Host-C_OSES cookie value
	Csesidx           string
	UserAgent         string // optional per-account override
	Available         bool   `gorm:"default:true"`
	UnavailableReason string
	UnavailableTime   *time.Time
	LastUsedAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
