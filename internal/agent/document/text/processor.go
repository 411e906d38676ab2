package text

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/feichai0017/packet-processor/internal/models"
)

// Processor accepts files that are already text, such as OCR exports.
type Processor struct{}

func NewProcessor() *Processor {
	return &Processor{}
}

func (p *Processor) Name() string { return "text" }

func (p *Processor) CanProcess(mimeType string) bool {
	return mimeType == "text/plain"
}

func (p *Processor) Process(ctx context.Context, reader io.Reader) (*models.OCRResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("file is not valid UTF-8 text")
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	pages := strings.Split(content, "\f")
	result := &models.OCRResult{Engine: p.Name(), Confidence: 100}
	for i, page := range pages {
		result.Pages = append(result.Pages, models.Page{Number: i + 1, Text: page, Confidence: 100})
	}
	result.Text = strings.Join(pages, "\n\n")
	return result, nil
}

func (p *Processor) Close() error { return nil }
