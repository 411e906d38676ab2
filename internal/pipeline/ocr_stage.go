package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/feichai0017/packet-processor/internal/agent/document"
	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/storage"
)

// ProcessorProvider selects an OCR engine by content type.
type ProcessorProvider interface {
	GetProcessor(contentType string) (document.Processor, error)
}

// Recognizer turns the uploaded file of a job into text.
type Recognizer interface {
	Recognize(ctx context.Context, job models.ProcessingJob) (*models.OCRResult, error)
}

type OCRStage struct {
	storage    storage.Storage
	processors ProcessorProvider
	timeout    time.Duration
	attempts   int
	logger     logger.Logger
}

func NewOCRStage(store storage.Storage, processors ProcessorProvider, timeout time.Duration, attempts int, log logger.Logger) *OCRStage {
	return &OCRStage{
		storage:    store,
		processors: processors,
		timeout:    timeout,
		attempts:   attempts,
		logger:     log.Named("ocr"),
	}
}

// Recognize reads the upload fresh on every attempt, so a retry sees the
// same bytes and produces the same text. Failures wrap models.ErrOCRFailure.
func (s *OCRStage) Recognize(ctx context.Context, job models.ProcessingJob) (*models.OCRResult, error) {
	log := logger.FromContext(ctx, s.logger)

	processor, err := s.processors.GetProcessor(job.ContentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrOCRFailure, err)
	}

	start := time.Now()
	var result *models.OCRResult
	attempt := 0
	err = withAttempts(ctx, s.attempts, s.timeout, func(ctx context.Context) error {
		attempt++
		rc, err := s.storage.Get(ctx, job.StorageKey)
		if err != nil {
			return err
		}
		defer rc.Close()

		res, err := processor.Process(ctx, rc)
		if err != nil {
			log.Warn("OCR attempt failed",
				logger.Int("attempt", attempt),
				logger.String("engine", processor.Name()),
				logger.Error(err),
			)
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrOCRFailure, err)
	}

	log.Info("OCR completed",
		logger.String("engine", result.Engine),
		logger.Int("pages", len(result.Pages)),
		logger.Int("chars", len(result.Text)),
		logger.Float64("confidence", result.Confidence),
		logger.Duration("elapsed", time.Since(start)),
	)
	for _, w := range result.Warnings {
		log.Warn("OCR warning", logger.String("warning", w))
	}
	return result, nil
}
