package models

import (
	"time"
)

// FileType groups content types by the OCR path they take.
type FileType string

const (
	PDF   FileType = "pdf"
	Image FileType = "image"
	Text  FileType = "text"
)

// Page is the recognized text of one page of the upload.
type Page struct {
	Number     int     `json:"number"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// OCRResult is what an OCR engine returns for a whole file.
type OCRResult struct {
	Text       string   `json:"text"`
	Pages      []Page   `json:"pages"`
	Engine     string   `json:"engine"`
	Confidence float64  `json:"confidence"`
	Warnings   []string `json:"warnings,omitempty"`
}

const DocumentStatusProcessed = "processed"

// ProcessedDocument is one typed document derived from a section of a packet.
type ProcessedDocument struct {
	DocumentID    string `json:"document_id"`
	DocumentType  string `json:"document_type"`
	Filename      string `json:"filename"`
	Status        string `json:"status"`
	EntitiesCount int    `json:"entities_count"`
}

// Entities maps an extracted field name to its value.
type Entities map[string]any

// DocumentArtifact is the JSON persisted to blob storage for each processed document.
type DocumentArtifact struct {
	DocumentID   string    `json:"document_id"`
	PatientID    string    `json:"patient_id"`
	RunID        string    `json:"run_id"`
	DocumentType string    `json:"document_type"`
	SourceFile   string    `json:"source_file"`
	Text         string    `json:"text"`
	Entities     Entities  `json:"entities"`
	Extractor    string    `json:"extractor"`
	ProcessedAt  time.Time `json:"processed_at"`
}
