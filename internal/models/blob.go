package models

import "time"

// BlobHealth reports whether locally stored bytes still match their digest.
type BlobHealth string

const (
	BlobHealthy  BlobHealth = "healthy"
	BlobMissing  BlobHealth = "missing"
	BlobModified BlobHealth = "modified"
)

// Blob is immutable content metadata keyed by its SHA-256 digest.
type Blob struct {
	SHA256    string     `json:"sha256"`
	SizeBytes int64      `json:"size_bytes"`
	MimeType  string     `json:"mime_type,omitempty"`
	PageCount *int       `json:"page_count,omitempty"`
	Filename  string     `json:"filename,omitempty"`
	Health    BlobHealth `json:"health,omitempty"`
	OwnerID   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
}

// Presence records that a device holds verified bytes for a digest.
type Presence struct {
	SHA256     string    `json:"sha256"`
	DeviceID   string    `json:"device_id"`
	Path       string    `json:"path,omitempty"`
	OwnerID    string    `json:"-"`
	VerifiedAt time.Time `json:"verified_at"`
}
