package model

import "time"

// ExportStatus represents the state of an export artifact.
type ExportStatus string

const (
	ExportReady ExportStatus = "ready"
)

// ExportArtifact is a signed, versioned, expiring mesh export.
type ExportArtifact struct {
	ID               string       `json:"id" yaml:"id"`
	ReconstructionID string       `json:"reconstruction_id" yaml:"reconstruction_id"`
	Format           string       `json:"format" yaml:"format"`
	FileKey          string       `json:"file_key" yaml:"file_key"`
	ChecksumSHA256   string       `json:"checksum_sha256" yaml:"checksum_sha256"`
	Signature        string       `json:"signature" yaml:"signature"`
	Version          int          `json:"version" yaml:"version"`
	Status           ExportStatus `json:"status" yaml:"status"`
	ExpiresAt        time.Time    `json:"expires_at" yaml:"expires_at"`
	CreatedAt        time.Time    `json:"created_at" yaml:"created_at"`
	DeletedAt        *time.Time   `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// Expired reports whether the artifact is past its expiry at now.
func (a *ExportArtifact) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
