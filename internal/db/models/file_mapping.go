package models

import "time"

// FileMapping links an OpenAI-style file id to the upstream context file it
// was uploaded as, together with the session that owns it.
type FileMapping struct {
	ID             string `gorm:"primaryKey"` // file-<hex>
	UpstreamFileID string
	SessionName    string
	AccountID      string `gorm:"index"`
	Filename       string
	MimeType       string
	Size           int64
	CreatedAt      time.Time
}
