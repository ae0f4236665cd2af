package models

import "time"

// ScanStatus is the classification of a scanned file.
type ScanStatus string

const (
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanError    ScanStatus = "error"
	ScanSkipped  ScanStatus = "skipped"
	ScanHashed   ScanStatus = "hashed"
	ScanIgnored  ScanStatus = "ignored"
)

// ScanResult is produced exactly once per uploaded file.
type ScanResult struct {
	Status      ScanStatus    `json:"status"`
	ThreatName  string        `json:"threatName,omitempty"`
	ErrorDetail string        `json:"errorDetail,omitempty"`
	ContentHash string        `json:"contentHash"`
	Engine      string        `json:"engine"`
	Duration    time.Duration `json:"-"`
}

// Rejected reports whether the file must be quarantined. Scan errors are
// treated like infections.
func (r *ScanResult) Rejected() bool {
	return r.Status == ScanInfected || r.Status == ScanError
}

// Accepted reports whether the file may be handed to the acceptance store.
func (r *ScanResult) Accepted() bool {
	switch r.Status {
	case ScanClean, ScanHashed, ScanSkipped, ScanIgnored:
		return true
	default:
		return false
	}
}

// Detail returns the threat name or error detail, whichever applies.
func (r *ScanResult) Detail() string {
	switch r.Status {
	case ScanInfected:
		return r.ThreatName
	case ScanError:
		return r.ErrorDetail
	default:
		return ""
	}
}

// AsMetadata flattens the result for quarantine manifests.
func (r *ScanResult) AsMetadata() map[string]any {
	m := map[string]any{
		"status":      string(r.Status),
		"contentHash": r.ContentHash,
		"engine":      r.Engine,
	}
	if r.ThreatName != "" {
		m["threatName"] = r.ThreatName
	}
	if r.ErrorDetail != "" {
		m["errorDetail"] = r.ErrorDetail
	}
	return m
}
