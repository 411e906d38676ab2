package models

import "slices"

// Progress schedule.
const (
	ProgressOCRStart    = 10
	ProgressSegmenting  = 30
	ProgressSections    = 40
	ProgressSectionSpan = 55
	ProgressDone        = 100
)

// SectionProgress is the progress after done of total sections have completed.
func SectionProgress(done, total int) int {
	if total <= 0 {
		return ProgressSections
	}
	return ProgressSections + ProgressSectionSpan*done/total
}

// StatusView is the projection returned to polling clients.
type StatusView struct {
	PatientID        string              `json:"patient_id"`
	Status           Status              `json:"status"`
	Progress         int                 `json:"progress"`
	Message          string              `json:"message"`
	Filename         string              `json:"filename"`
	SectionsFound    []string            `json:"sections_found"`
	SectionsMissing  []string            `json:"sections_missing"`
	DocumentsCreated []ProcessedDocument `json:"documents_created"`
	Errors           []string            `json:"errors"`
}

func (r *PacketRecord) StatusView() StatusView {
	return StatusView{
		PatientID:        r.PatientID,
		Status:           r.Status,
		Progress:         r.Progress,
		Message:          r.Message,
		Filename:         r.Filename,
		SectionsFound:    nonNil(r.SectionsFound),
		SectionsMissing:  nonNil(r.SectionsMissing),
		DocumentsCreated: nonNilDocs(r.DocumentsCreated),
		Errors:           nonNil(r.Errors),
	}
}

// OCRTextView is returned once OCR has completed.
type OCRTextView struct {
	PatientID string   `json:"patient_id"`
	Filename  string   `json:"filename"`
	OCRText   string   `json:"ocr_text"`
	Metadata  Metadata `json:"metadata"`
}

// UploadAck acknowledges an accepted upload; it never carries results.
type UploadAck struct {
	Filename  string `json:"filename"`
	PatientID string `json:"patient_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Progress  int    `json:"progress"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

func nonNilDocs(d []ProcessedDocument) []ProcessedDocument {
	if d == nil {
		return []ProcessedDocument{}
	}
	return slices.Clone(d)
}
