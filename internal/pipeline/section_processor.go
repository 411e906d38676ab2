package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/packet-processor/internal/agent/extractor"
	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/converters"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/storage"
)

// SectionTask is the joined text of one section type found in a packet.
type SectionTask struct {
	Type  string
	Label string
	Text  string
	Keys  []string
	Spans int
}

// SectionError is the isolated failure of one section. Its message is the
// entry appended to the record's errors.
type SectionError struct {
	Type string
	Err  error
}

func (e *SectionError) Error() string { return e.Type + ": " + e.Err.Error() }
func (e *SectionError) Unwrap() error { return e.Err }
func (e *SectionError) Is(target error) bool {
	return target == models.ErrSectionFailure
}

// SectionRunner turns one section task into a processed document.
type SectionRunner interface {
	Process(ctx context.Context, job models.ProcessingJob, task SectionTask) (models.ProcessedDocument, error)
}

type SectionProcessor struct {
	extractor extractor.Extractor
	validator *extractor.Validator
	converter converters.DocumentConverter
	storage   storage.Storage
	timeout   time.Duration
	attempts  int
	logger    logger.Logger
	now       func() time.Time
}

func NewSectionProcessor(ex extractor.Extractor, validator *extractor.Validator, conv converters.DocumentConverter,
	store storage.Storage, timeout time.Duration, attempts int, log logger.Logger) *SectionProcessor {
	return &SectionProcessor{
		extractor: ex,
		validator: validator,
		converter: conv,
		storage:   store,
		timeout:   timeout,
		attempts:  attempts,
		logger:    log.Named("section"),
		now:       time.Now,
	}
}

// DocumentID is stable for a run and type, so re-attempts overwrite the
// same artifact instead of creating a second one.
func DocumentID(runID, documentType string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("packet-processor:"+runID+"/"+documentType)).String()
}

func DocumentFilename(patientID, documentType string) string {
	return fmt.Sprintf("%s_%s.json", patientID, documentType)
}

func DocumentKey(patientID, filename string) string {
	return path.Join("documents", patientID, filename)
}

func (p *SectionProcessor) Process(ctx context.Context, job models.ProcessingJob, task SectionTask) (models.ProcessedDocument, error) {
	log := logger.FromContext(ctx, p.logger).With(logger.String("documentType", task.Type))
	doc := models.ProcessedDocument{
		DocumentID:   DocumentID(job.RunID, task.Type),
		DocumentType: task.Type,
		Filename:     DocumentFilename(job.PatientID, task.Type),
		Status:       models.DocumentStatusProcessed,
	}

	start := time.Now()
	err := withAttempts(ctx, p.attempts, p.timeout, func(ctx context.Context) error {
		entities, err := p.extractor.Extract(ctx, extractor.Section{
			Type:  task.Type,
			Label: task.Label,
			Text:  task.Text,
			Keys:  task.Keys,
		})
		if err != nil {
			return fmt.Errorf("extraction failed: %w", err)
		}
		if err := p.validator.Validate(entities); err != nil {
			return err
		}

		data, err := p.converter.Convert(&models.DocumentArtifact{
			DocumentID:   doc.DocumentID,
			PatientID:    job.PatientID,
			RunID:        job.RunID,
			DocumentType: task.Type,
			SourceFile:   job.Filename,
			Text:         task.Text,
			Entities:     entities,
			Extractor:    p.extractor.Name(),
			ProcessedAt:  p.now().UTC(),
		})
		if err != nil {
			return err
		}
		if _, err := p.storage.Store(ctx, bytes.NewReader(data), DocumentKey(job.PatientID, doc.Filename)); err != nil {
			return err
		}
		doc.EntitiesCount = countEntities(entities)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return models.ProcessedDocument{}, err
		}
		log.Warn("Section failed", logger.Error(err))
		return models.ProcessedDocument{}, &SectionError{Type: task.Type, Err: err}
	}

	log.Info("Section processed",
		logger.Int("entities", doc.EntitiesCount),
		logger.Int("spans", task.Spans),
		logger.Duration("elapsed", time.Since(start)),
	)
	return doc, nil
}

// countEntities ignores keys the extractor reported as absent.
func countEntities(e models.Entities) int {
	n := 0
	for _, v := range e {
		if v != nil {
			n++
		}
	}
	return n
}
