package models

import (
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusOCRStart            Status = "ocr_start"
	StatusSegmenting          Status = "segmenting"
	StatusProcessingSections  Status = "processing_sections"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// AckStatus is what the upload endpoint reports for an accepted packet.
const AckStatus = "processing_as_packet"

type Mode string

const (
	ModePacket Mode = "packet"
	ModeSingle Mode = "single"
)

var transitions = map[Status][]Status{
	StatusOCRStart:           {StatusSegmenting, StatusFailed},
	StatusSegmenting:         {StatusProcessingSections, StatusFailed},
	StatusProcessingSections: {StatusCompleted, StatusCompletedWithErrors, StatusFailed},
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one status to another.
// Staying in a non-terminal status is allowed so progress can advance.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	return slices.Contains(transitions[from], to)
}

// Metadata is captured once at upload time.
type Metadata struct {
	OriginalFilename string    `json:"original_filename"`
	UploadDate       time.Time `json:"upload_date"`
	ContentType      string    `json:"content_type"`
}

// PacketRecord is the processing state of one patient's upload.
type PacketRecord struct {
	PatientID        string              `json:"patient_id"`
	RunID            string              `json:"run_id"`
	Filename         string              `json:"filename"`
	Mode             Mode                `json:"mode"`
	DocumentType     string              `json:"document_type,omitempty"`
	Status           Status              `json:"status"`
	Progress         int                 `json:"progress"`
	Message          string              `json:"message"`
	OCRText          *string             `json:"ocr_text,omitempty"`
	Metadata         Metadata            `json:"metadata"`
	SectionsFound    []string            `json:"sections_found"`
	SectionsMissing  []string            `json:"sections_missing"`
	DocumentsCreated []ProcessedDocument `json:"documents_created"`
	Errors           []string            `json:"errors"`
	StageErrors      int                 `json:"stage_errors"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// NewPacketRecord returns the record written when an upload is accepted.
func NewPacketRecord(patientID, runID, filename string, mode Mode, documentType string, meta Metadata, now time.Time) *PacketRecord {
	return &PacketRecord{
		PatientID:        patientID,
		RunID:            runID,
		Filename:         filename,
		Mode:             mode,
		DocumentType:     documentType,
		Status:           StatusOCRStart,
		Progress:         ProgressOCRStart,
		Message:          "Upload accepted, running OCR",
		Metadata:         meta,
		SectionsFound:    []string{},
		SectionsMissing:  []string{},
		DocumentsCreated: []ProcessedDocument{},
		Errors:           []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (r *PacketRecord) Clone() *PacketRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.OCRText != nil {
		text := *r.OCRText
		c.OCRText = &text
	}
	c.SectionsFound = slices.Clone(r.SectionsFound)
	c.SectionsMissing = slices.Clone(r.SectionsMissing)
	c.DocumentsCreated = slices.Clone(r.DocumentsCreated)
	c.Errors = slices.Clone(r.Errors)
	return &c
}

// SectionErrors counts the errors that belong to individual sections.
func (r *PacketRecord) SectionErrors() int {
	return len(r.Errors) - r.StageErrors
}

// AddStageError records a failure that is not tied to one section.
func (r *PacketRecord) AddStageError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.StageErrors++
}

// SetProgress never moves progress backwards.
func (r *PacketRecord) SetProgress(p int) {
	if p > 100 {
		p = 100
	}
	if p > r.Progress {
		r.Progress = p
	}
}

// ValidateUpdate checks that next is a legal successor of prev.
func ValidateUpdate(prev, next *PacketRecord) error {
	if prev.Status.IsTerminal() {
		return fmt.Errorf("%w: record is terminal (%s)", ErrInvalidTransition, prev.Status)
	}
	if !CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.PatientID != prev.PatientID || next.RunID != prev.RunID || next.Filename != prev.Filename ||
		next.Mode != prev.Mode || next.DocumentType != prev.DocumentType {
		return fmt.Errorf("%w: identity fields are immutable", ErrInvalidTransition)
	}
	if !next.Metadata.UploadDate.Equal(prev.Metadata.UploadDate) ||
		next.Metadata.OriginalFilename != prev.Metadata.OriginalFilename ||
		next.Metadata.ContentType != prev.Metadata.ContentType {
		return fmt.Errorf("%w: metadata is immutable", ErrInvalidTransition)
	}
	if next.Progress < prev.Progress || next.Progress > 100 {
		return fmt.Errorf("%w: progress %d -> %d", ErrInvalidTransition, prev.Progress, next.Progress)
	}
	if prev.OCRText != nil && (next.OCRText == nil || *next.OCRText != *prev.OCRText) {
		return fmt.Errorf("%w: ocr_text is set once", ErrInvalidTransition)
	}
	if prev.Status == StatusProcessingSections &&
		(!slices.Equal(prev.SectionsFound, next.SectionsFound) || !slices.Equal(prev.SectionsMissing, next.SectionsMissing)) {
		return fmt.Errorf("%w: sections are set once", ErrInvalidTransition)
	}
	if len(next.DocumentsCreated) < len(prev.DocumentsCreated) ||
		!slices.Equal(prev.DocumentsCreated, next.DocumentsCreated[:len(prev.DocumentsCreated)]) {
		return fmt.Errorf("%w: documents_created is append-only", ErrInvalidTransition)
	}
	if len(next.Errors) < len(prev.Errors) || !slices.Equal(prev.Errors, next.Errors[:len(prev.Errors)]) ||
		next.StageErrors < prev.StageErrors {
		return fmt.Errorf("%w: errors are append-only", ErrInvalidTransition)
	}
	if next.Status.IsTerminal() && next.Status != StatusFailed {
		if len(next.DocumentsCreated)+next.SectionErrors() != len(next.SectionsFound) {
			return fmt.Errorf("%w: %d documents + %d section errors != %d sections found",
				ErrInvalidTransition, len(next.DocumentsCreated), next.SectionErrors(), len(next.SectionsFound))
		}
	}
	return nil
}
