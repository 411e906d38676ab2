package models

import "time"

// ProcessingJob is the unit of background work for one packet run.
type ProcessingJob struct {
	PatientID    string    `json:"patient_id"`
	RunID        string    `json:"run_id"`
	StorageKey   string    `json:"storage_key"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Mode         Mode      `json:"mode"`
	DocumentType string    `json:"document_type,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
