package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/internal/store"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

const degenerateError = "segmentation: no known sections found"

// errSuperseded stops a run whose record now belongs to a newer upload.
var errSuperseded = errors.New("record superseded by a newer run")

type Orchestrator struct {
	store    store.Store
	ocr      Recognizer
	segments *SegmentStage
	sections SectionRunner
	workers  int
	logger   logger.Logger
}

func NewOrchestrator(st store.Store, ocr Recognizer, segments *SegmentStage, sections SectionRunner, workers int, log logger.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		store:    st,
		ocr:      ocr,
		segments: segments,
		sections: sections,
		workers:  workers,
		logger:   log.Named("pipeline"),
	}
}

type sectionResult struct {
	task SectionTask
	doc  models.ProcessedDocument
	err  error
}

// Run drives one packet from ocr_start to a terminal status. The record is
// written only from this goroutine. Store writes use a context detached from
// ctx so that a cancelled run can still record its failure. A panic in any
// stage fails the run instead of leaving the record in flight.
func (o *Orchestrator) Run(ctx context.Context, job models.ProcessingJob) (err error) {
	ctx = logger.WithRunID(logger.WithPatientID(ctx, job.PatientID), job.RunID)
	log := logger.FromContext(ctx, o.logger)
	writeCtx := context.WithoutCancel(ctx)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = o.fail(writeCtx, job, "pipeline", fmt.Errorf("panic: %v", p))
		}
	}()

	log.Info("Packet run started",
		logger.String("filename", job.Filename),
		logger.String("mode", string(job.Mode)),
	)

	ocr, err := o.ocr.Recognize(ctx, job)
	if err != nil {
		return o.fail(writeCtx, job, "ocr", err)
	}

	text := ocr.Text
	if _, err := o.update(writeCtx, job, func(rec *models.PacketRecord) error {
		rec.Status = models.StatusSegmenting
		rec.OCRText = &text
		rec.SetProgress(models.ProgressSegmenting)
		rec.Message = "OCR completed, segmenting document"
		return nil
	}); err != nil {
		return o.abort(writeCtx, job, err)
	}

	seg := o.segments.Run(job, text)
	tasks := o.segments.Tasks(seg)
	log.Info("Segmentation completed",
		logger.Strings("found", seg.Found),
		logger.Int("missing", len(seg.Missing)),
	)

	if _, err := o.update(writeCtx, job, func(rec *models.PacketRecord) error {
		rec.Status = models.StatusProcessingSections
		rec.SectionsFound = append([]string{}, seg.Found...)
		rec.SectionsMissing = append([]string{}, seg.Missing...)
		rec.SetProgress(models.ProgressSections)
		rec.Message = fmt.Sprintf("Processing %d sections", len(tasks))
		return nil
	}); err != nil {
		return o.abort(writeCtx, job, err)
	}

	if err := o.processSections(ctx, writeCtx, job, tasks); err != nil {
		return err
	}

	rec, err := o.update(writeCtx, job, func(rec *models.PacketRecord) error {
		if seg.Degenerate() {
			rec.AddStageError(degenerateError)
		}
		if len(rec.Errors) == 0 {
			rec.Status = models.StatusCompleted
		} else {
			rec.Status = models.StatusCompletedWithErrors
		}
		rec.SetProgress(models.ProgressDone)
		rec.Message = completionMessage(rec)
		return nil
	})
	if err != nil {
		return o.abort(writeCtx, job, err)
	}

	log.Info("Packet run finished",
		logger.String("status", string(rec.Status)),
		logger.Int("documents", len(rec.DocumentsCreated)),
		logger.Int("errors", len(rec.Errors)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// processSections fans the tasks out to at most o.workers goroutines and
// records each result as it arrives.
func (o *Orchestrator) processSections(ctx, writeCtx context.Context, job models.ProcessingJob, tasks []SectionTask) error {
	if len(tasks) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan sectionResult)
	go func() {
		g := new(errgroup.Group)
		g.SetLimit(o.workers)
		for _, task := range tasks {
			g.Go(func() error {
				results <- o.processSection(runCtx, job, task)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	var writeErr error
	done := 0
	for r := range results {
		if writeErr != nil || ctx.Err() != nil {
			continue
		}
		done++
		_, writeErr = o.update(writeCtx, job, func(rec *models.PacketRecord) error {
			if r.err != nil {
				rec.Errors = append(rec.Errors, sectionErrorMessage(r.task.Type, r.err))
			} else {
				rec.DocumentsCreated = append(rec.DocumentsCreated, r.doc)
			}
			rec.SetProgress(models.SectionProgress(done, len(tasks)))
			rec.Message = fmt.Sprintf("Processed %d of %d sections", done, len(tasks))
			return nil
		})
		if writeErr != nil {
			cancel()
		}
	}

	if writeErr != nil {
		return o.abort(writeCtx, job, writeErr)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(writeCtx, job, "pipeline", fmt.Errorf("run cancelled: %w", err))
	}
	return nil
}

// processSection turns a panic in one section into that section's error.
func (o *Orchestrator) processSection(ctx context.Context, job models.ProcessingJob, task SectionTask) (res sectionResult) {
	res.task = task
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx, o.logger).Error("Section processing panicked",
				logger.String("documentType", task.Type),
				logger.Any("panic", p),
			)
			res.doc = models.ProcessedDocument{}
			res.err = &SectionError{Type: task.Type, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	res.doc, res.err = o.sections.Process(ctx, job, task)
	return res
}

func sectionErrorMessage(docType string, err error) string {
	var se *SectionError
	if errors.As(err, &se) {
		return se.Error()
	}
	return docType + ": " + err.Error()
}

func completionMessage(rec *models.PacketRecord) string {
	if rec.Status == models.StatusCompleted {
		return fmt.Sprintf("Packet processed: %d documents created", len(rec.DocumentsCreated))
	}
	if len(rec.SectionsFound) == 0 {
		return "Packet processed: no known sections found"
	}
	return fmt.Sprintf("Packet processed with errors: %d documents created, %d sections failed",
		len(rec.DocumentsCreated), rec.SectionErrors())
}

// update applies fn only while the record still belongs to this run.
func (o *Orchestrator) update(ctx context.Context, job models.ProcessingJob, fn store.Mutation) (*models.PacketRecord, error) {
	return o.store.Update(ctx, job.PatientID, func(rec *models.PacketRecord) error {
		if rec.RunID != job.RunID {
			return errSuperseded
		}
		return fn(rec)
	})
}

// fail moves the record to failed. Progress stays where the run left it.
func (o *Orchestrator) fail(ctx context.Context, job models.ProcessingJob, stage string, cause error) error {
	log := logger.FromContext(ctx, o.logger)
	log.Error("Packet run failed", logger.String("stage", stage), logger.Error(cause))

	_, err := o.update(ctx, job, func(rec *models.PacketRecord) error {
		rec.Status = models.StatusFailed
		rec.Message = fmt.Sprintf("%s failed: %v", stage, cause)
		rec.AddStageError(fmt.Sprintf("%s: %v", stage, cause))
		return nil
	})
	if err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		log.Error("Failed to record packet failure", logger.Error(err))
		return fmt.Errorf("%w (recording failure: %v)", cause, err)
	}
	return cause
}

// abort handles a store error in the middle of a run.
func (o *Orchestrator) abort(ctx context.Context, job models.ProcessingJob, err error) error {
	if errors.Is(err, errSuperseded) {
		logger.FromContext(ctx, o.logger).Warn("Run abandoned, record superseded")
		return nil
	}
	if errors.Is(err, models.ErrNotFound) {
		logger.FromContext(ctx, o.logger).Error("Record disappeared during run", logger.Error(err))
		return err
	}
	return o.fail(ctx, job, "store", err)
}
