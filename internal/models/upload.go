package models

import "time"

// UploadedFile is the transient per-request upload. The declared name is only
// used for display and manifests, never for building paths.
type UploadedFile struct {
	Data         []byte
	DeclaredMIME string
	OriginalName string
	DeclaredSize int64
	DestDir      string
	Tenant       string
}

// AcceptedFile is what the acceptance collaborator persists.
type AcceptedFile struct {
	Path         string     `json:"path"`
	OriginalName string     `json:"originalName"`
	Size         int64      `json:"size"`
	MIMEType     string     `json:"mimetype"`
	Filename     string     `json:"filename"`
	SHA256       string     `json:"sha256"`
	ScanStatus   ScanStatus `json:"scanStatus"`
	ScanDetail   string     `json:"scanDetail,omitempty"`
	Tenant       string     `json:"tenant,omitempty"`
	UploadedBy   string     `json:"uploadedBy,omitempty"`
}

// FileRecord is an accepted file as stored by the repository.
type FileRecord struct {
	ID string `json:"id"`
	AcceptedFile
	CreatedAt time.Time `json:"createdAt"`
}

// QuarantineManifest is the JSON sidecar written next to a quarantined file.
type QuarantineManifest struct {
	OriginalName string         `json:"originalName"`
	MovedAt      time.Time      `json:"movedAt"`
	Reason       string         `json:"reason"`
	Metadata     map[string]any `json:"metadata"`
}

// QuarantineRecord pairs a quarantined file with its manifest.
type QuarantineRecord struct {
	Path     string             `json:"path"`
	Size     int64              `json:"size"`
	Manifest QuarantineManifest `json:"manifest"`
}
