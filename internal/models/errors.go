package models

import "errors"

var (
	// ErrUploadRejected covers bad input and a duplicate in-flight run for the same patient.
	ErrUploadRejected = errors.New("upload rejected")
	// ErrOCRFailure is fatal to the run.
	ErrOCRFailure = errors.New("ocr failure")
	// ErrSegmentationDegenerate means no known section was found in the text.
	ErrSegmentationDegenerate = errors.New("no known sections found")
	// ErrSectionFailure is isolated to one section.
	ErrSectionFailure = errors.New("section failure")
	ErrNotReady       = errors.New("not ready")
	ErrNotFound       = errors.New("not found")
	// ErrInvalidTransition is returned by the store when a mutation breaks record invariants.
	ErrInvalidTransition = errors.New("invalid record transition")
)
