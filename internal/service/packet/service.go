package packet

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/packet-processor/internal/export"
	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/internal/pipeline"
	"github.com/feichai0017/packet-processor/internal/segment"
	"github.com/feichai0017/packet-processor/internal/store"
	"github.com/feichai0017/packet-processor/internal/utils/validator"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/storage"
)

// ErrInvalidInput is a malformed request, as opposed to a conflict with an
// in-flight run.
var ErrInvalidInput = fmt.Errorf("%w: invalid input", models.ErrUploadRejected)

// AckStatusSingle is reported for uploads processed as one typed document.
const AckStatusSingle = "processing_as_document"

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// PacketService is the surface the HTTP layer talks to.
type PacketService interface {
	Upload(ctx context.Context, req UploadRequest) (*models.UploadAck, error)
	GetStatus(ctx context.Context, patientID string) (*models.StatusView, error)
	GetOCRText(ctx context.Context, patientID string) (*models.OCRTextView, error)
	ExportXLSX(ctx context.Context, patientID string) ([]byte, error)
}

type UploadRequest struct {
	File            multipart.File
	Header          *multipart.FileHeader
	PatientID       string
	ProcessAsPacket bool
	DocumentType    string
}

// TypeSupport reports whether some OCR engine accepts a content type.
type TypeSupport interface {
	Supports(contentType string) bool
}

type Service struct {
	store      store.Store
	storage    storage.Storage
	dispatcher pipeline.Dispatcher
	validator  *validator.UploadValidator
	catalog    *segment.Catalog
	engines    TypeSupport
	exporter   *export.Service
	logger     logger.Logger
	now        func() time.Time
	newID      func() string
}

type Deps struct {
	Store      store.Store
	Storage    storage.Storage
	Dispatcher pipeline.Dispatcher
	Validator  *validator.UploadValidator
	Catalog    *segment.Catalog
	Engines    TypeSupport
	Exporter   *export.Service
}

func NewService(d Deps, log logger.Logger) *Service {
	return &Service{
		store:      d.Store,
		storage:    d.Storage,
		dispatcher: d.Dispatcher,
		validator:  d.Validator,
		catalog:    d.Catalog,
		engines:    d.Engines,
		exporter:   d.Exporter,
		logger:     log.Named("packet"),
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
}

// UploadKey is where the raw upload of a run is kept.
func UploadKey(patientID, runID, filename string) string {
	return path.Join("uploads", patientID, runID, filename)
}

// Upload validates and stores the file, creates the record and hands the run
// to the dispatcher. It returns as soon as the job is queued.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.UploadAck, error) {
	if req.File == nil || req.Header == nil {
		return nil, fmt.Errorf("%w: no file provided", ErrInvalidInput)
	}

	info, err := s.validator.Validate(req.File, req.Header)
	if err != nil {
		s.logger.Warn("Upload rejected",
			logger.String("filename", req.Header.Filename),
			logger.Error(err),
		)
		return nil, err
	}
	if s.engines != nil && !s.engines.Supports(info.ContentType) {
		return nil, fmt.Errorf("%w: no OCR engine for %s", validator.ErrUnsupportedType, info.ContentType)
	}

	mode := models.ModePacket
	if !req.ProcessAsPacket {
		mode = models.ModeSingle
	}

	patientID := strings.TrimSpace(req.PatientID)
	switch {
	case patientID == "" && mode == models.ModeSingle:
		return nil, fmt.Errorf("%w: patient_id is required for single documents", ErrInvalidInput)
	case patientID == "":
		patientID = "pending-" + s.newID()
	case !patientIDPattern.MatchString(patientID):
		return nil, fmt.Errorf("%w: malformed patient_id %q", ErrInvalidInput, patientID)
	}

	docType, err := s.resolveType(mode, req.DocumentType, info.Filename)
	if err != nil {
		return nil, err
	}

	runID := s.newID()
	ctx = logger.WithRunID(logger.WithPatientID(ctx, patientID), runID)
	log := logger.FromContext(ctx, s.logger)

	key := UploadKey(patientID, runID, info.Filename)
	if _, err := s.storage.Store(ctx, req.File, key); err != nil {
		log.Error("Failed to store upload", logger.Error(err))
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	now := s.now().UTC()
	rec := models.NewPacketRecord(patientID, runID, info.Filename, mode, docType, models.Metadata{
		OriginalFilename: info.Filename,
		UploadDate:       now,
		ContentType:      info.ContentType,
	}, now)
	if _, err := s.store.Create(ctx, rec); err != nil {
		s.discard(ctx, key)
		if errors.Is(err, models.ErrUploadRejected) {
			log.Warn("Upload rejected, run already in flight", logger.Error(err))
		}
		return nil, err
	}

	job := models.ProcessingJob{
		PatientID:    patientID,
		RunID:        runID,
		StorageKey:   key,
		Filename:     info.Filename,
		ContentType:  info.ContentType,
		Mode:         mode,
		DocumentType: docType,
		CreatedAt:    now,
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		log.Error("Failed to dispatch run", logger.Error(err))
		s.markUndispatched(ctx, job, err)
		return nil, fmt.Errorf("failed to dispatch run: %w", err)
	}

	log.Info("Upload accepted",
		logger.String("filename", info.Filename),
		logger.String("contentType", info.ContentType),
		logger.String("mode", string(mode)),
		logger.Int64("size", info.Size),
		logger.String("sha256", info.Hash),
	)

	ack := &models.UploadAck{
		Filename:  info.Filename,
		PatientID: patientID,
		Status:    models.AckStatus,
		Message:   "Packet accepted, processing in background",
		Progress:  rec.Progress,
	}
	if mode == models.ModeSingle {
		ack.Status = AckStatusSingle
		ack.Message = fmt.Sprintf("Document accepted as %s, processing in background", docType)
	}
	return ack, nil
}

func (s *Service) resolveType(mode models.Mode, requested, filename string) (string, error) {
	if mode == models.ModePacket {
		return "", nil
	}
	if strings.TrimSpace(requested) == "" {
		detected, ok := s.catalog.DetectFromFilename(filename)
		if !ok {
			return "", fmt.Errorf("%w: document_type is required, none detected from %q", ErrInvalidInput, filename)
		}
		requested = detected
	}
	st, ok := s.catalog.Lookup(requested)
	if !ok {
		return "", fmt.Errorf("%w: unknown document_type %q", ErrInvalidInput, requested)
	}
	return st.Name, nil
}

// markUndispatched fails a record whose run never started, so the patient is
// not locked out until the record expires.
func (s *Service) markUndispatched(ctx context.Context, job models.ProcessingJob, cause error) {
	writeCtx := context.WithoutCancel(ctx)
	_, err := s.store.Update(writeCtx, job.PatientID, func(rec *models.PacketRecord) error {
		if rec.RunID != job.RunID {
			return nil
		}
		rec.Status = models.StatusFailed
		rec.Message = "dispatch failed: " + cause.Error()
		rec.AddStageError("dispatch: " + cause.Error())
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to mark undispatched run", logger.Error(err))
	}
	s.discard(writeCtx, job.StorageKey)
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.storage.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("Failed to delete upload", logger.String("key", key), logger.Error(err))
	}
}

func (s *Service) record(ctx context.Context, patientID string) (*models.PacketRecord, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	return s.store.Get(ctx, patientID)
}

func (s *Service) GetStatus(ctx context.Context, patientID string) (*models.StatusView, error) {
	rec, err := s.record(ctx, patientID)
	if err != nil {
		return nil, err
	}
	view := rec.StatusView()
	return &view, nil
}

// GetOCRText returns models.ErrNotReady until OCR has produced text, which
// includes runs that failed during OCR.
func (s *Service) GetOCRText(ctx context.Context, patientID string) (*models.OCRTextView, error) {
	rec, err := s.record(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if rec.OCRText == nil {
		return nil, fmt.Errorf("%w: OCR text for %s is not available (status %s)", models.ErrNotReady, rec.PatientID, rec.Status)
	}
	return &models.OCRTextView{
		PatientID: rec.PatientID,
		Filename:  rec.Filename,
		OCRText:   *rec.OCRText,
		Metadata:  rec.Metadata,
	}, nil
}

// ExportXLSX is available once the run is terminal.
func (s *Service) ExportXLSX(ctx context.Context, patientID string) ([]byte, error) {
	rec, err := s.record(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if !rec.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: packet %s is still %s", models.ErrNotReady, rec.PatientID, rec.Status)
	}
	return s.exporter.ExportPacketXLSX(ctx, rec)
}
