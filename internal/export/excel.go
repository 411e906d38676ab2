package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/internal/pipeline"
	"github.com/feichai0017/packet-processor/pkg/converters"
	"github.com/feichai0017/packet-processor/pkg/logger"
	"github.com/feichai0017/packet-processor/pkg/storage"
)

// maxSheetName is the Excel limit on sheet title length.
const maxSheetName = 31

var fixedColumns = []string{"patient_id", "document_id", "processed_at"}

var keyReplacer = strings.NewReplacer("/", "_", " ", "_", "(", "", ")", "", "-", "_")

// NormalizeKey turns an entity name into a column header.
func NormalizeKey(key string) string {
	return strings.ToLower(keyReplacer.Replace(strings.TrimSpace(key)))
}

// Service builds XLSX workbooks from the document artifacts of a packet.
type Service struct {
	storage   storage.Storage
	converter converters.DocumentConverter
	logger    logger.Logger
}

func NewService(store storage.Storage, conv converters.DocumentConverter, log logger.Logger) *Service {
	return &Service{storage: store, converter: conv, logger: log.Named("export")}
}

// ExportPacketXLSX loads every document created for rec and returns the
// workbook bytes. Documents missing from storage are skipped.
func (s *Service) ExportPacketXLSX(ctx context.Context, rec *models.PacketRecord) ([]byte, error) {
	start := time.Now()
	docs := make([]*models.DocumentArtifact, 0, len(rec.DocumentsCreated))
	for _, d := range rec.DocumentsCreated {
		doc, err := s.load(ctx, pipeline.DocumentKey(rec.PatientID, d.Filename))
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("Document missing from storage, skipping",
				logger.String("patientId", rec.PatientID),
				logger.String("filename", d.Filename),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	data, err := Workbook(docs)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Export built",
		logger.String("patientId", rec.PatientID),
		logger.Int("documents", len(docs)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return data, nil
}

func (s *Service) load(ctx context.Context, key string) (*models.DocumentArtifact, error) {
	rc, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return s.converter.Parse(data)
}

// Workbook lays docs out one sheet per document type. Columns are the fixed
// identity columns followed by the sorted union of normalized entity names;
// each document is one row.
func Workbook(docs []*models.DocumentArtifact) ([]byte, error) {
	byType := map[string][]*models.DocumentArtifact{}
	var types []string
	for _, d := range docs {
		if _, ok := byType[d.DocumentType]; !ok {
			types = append(types, d.DocumentType)
		}
		byType[d.DocumentType] = append(byType[d.DocumentType], d)
	}
	slices.Sort(types)

	f := excelize.NewFile()
	defer f.Close()

	const defaultSheet = "Sheet1"
	if len(types) == 0 {
		if err := writeRow(f, defaultSheet, 1, fixedColumns); err != nil {
			return nil, err
		}
	}

	for _, t := range types {
		sheet := sheetName(t)
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, fmt.Errorf("failed to create sheet %s: %w", sheet, err)
		}
		if err := writeSheet(f, sheet, byType[t]); err != nil {
			return nil, err
		}
	}

	if len(types) > 0 {
		if err := f.DeleteSheet(defaultSheet); err != nil {
			return nil, fmt.Errorf("failed to drop default sheet: %w", err)
		}
		idx, _ := f.GetSheetIndex(sheetName(types[0]))
		f.SetActiveSheet(idx)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, docs []*models.DocumentArtifact) error {
	rows := make([]map[string]any, len(docs))
	seen := map[string]bool{}
	var keys []string
	for i, d := range docs {
		rows[i] = make(map[string]any, len(d.Entities))
		for k, v := range d.Entities {
			col := NormalizeKey(k)
			rows[i][col] = v
			if !seen[col] {
				seen[col] = true
				keys = append(keys, col)
			}
		}
	}
	slices.Sort(keys)

	header := append(slices.Clone(fixedColumns), keys...)
	if err := writeRow(f, sheet, 1, header); err != nil {
		return err
	}

	for i, d := range docs {
		values := []any{d.PatientID, d.DocumentID, d.ProcessedAt.UTC().Format(time.RFC3339)}
		for _, k := range keys {
			values = append(values, cellValue(rows[i][k]))
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d of %s: %w", i+2, sheet, err)
		}
	}

	last, _ := excelize.ColumnNumberToName(len(header))
	_ = f.SetColWidth(sheet, "A", "B", 38)
	_ = f.SetColWidth(sheet, "C", "C", 22)
	if len(header) > len(fixedColumns) {
		_ = f.SetColWidth(sheet, "D", last, 24)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, header []string) error {
	cell, _ := excelize.CoordinatesToCellName(1, row)
	if err := f.SetSheetRow(sheet, cell, &header); err != nil {
		return fmt.Errorf("failed to write header of %s: %w", sheet, err)
	}
	return nil
}

// cellValue flattens entity values that a cell cannot hold directly.
func cellValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case string, bool, float64, int, int64:
		return x
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(bytes.TrimSpace(b))
	}
}

func sheetName(docType string) string {
	if len(docType) > maxSheetName {
		return docType[:maxSheetName]
	}
	return docType
}
