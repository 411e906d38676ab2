package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/packet-processor/internal/agent/document"
	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

// Processor reads the embedded text layer of a PDF. Scanned PDFs without a
// text layer are handed to the fallback engine when one is configured.
type Processor struct {
	logger     logger.Logger
	fallback   document.Processor
	maxWorkers int
}

type Option func(*Processor)

// WithFallback sets the engine used for PDFs without a text layer.
func WithFallback(p document.Processor) Option {
	return func(pr *Processor) { pr.fallback = p }
}

func WithMaxWorkers(n int) Option {
	return func(pr *Processor) {
		if n > 0 {
			pr.maxWorkers = n
		}
	}
}

func NewProcessor(log logger.Logger, opts ...Option) *Processor {
	p := &Processor{logger: log, maxWorkers: 4}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Name() string { return "pdf-text" }

func (p *Processor) CanProcess(mimeType string) bool {
	return mimeType == "application/pdf"
}

func (p *Processor) Process(ctx context.Context, file io.Reader) (*models.OCRResult, error) {
	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	pages, err := p.extractPages(ctx, content)
	if err != nil {
		return nil, err
	}

	text := joinPages(pages)
	if strings.TrimSpace(text) != "" {
		return &models.OCRResult{Text: text, Pages: pages, Engine: p.Name(), Confidence: 100}, nil
	}

	if p.fallback == nil {
		return nil, fmt.Errorf("pdf has no text layer and no OCR engine is configured for scanned pages")
	}
	p.logger.Info("PDF has no text layer, using fallback engine",
		logger.String("engine", p.fallback.Name()),
		logger.Int("pages", len(pages)),
	)
	if len(pages) > 1 {
		multi, ok := p.fallback.(document.MultiPageProcessor)
		if !ok {
			return nil, fmt.Errorf("scanned pdf has %d pages and %s only accepts single-page documents", len(pages), p.fallback.Name())
		}
		return multi.ProcessPages(ctx, content)
	}
	return p.fallback.Process(ctx, bytes.NewReader(content))
}

func (p *Processor) extractPages(ctx context.Context, content []byte) (pages []models.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	pages = make([]models.Page, numPages)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)
	for i := 1; i <= numPages; i++ {
		pageNum := i
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("malformed page %d: %v", pageNum, r)
				}
			}()
			if err := ctx.Err(); err != nil {
				return err
			}

			pages[pageNum-1] = models.Page{Number: pageNum}
			page := pdfReader.Page(pageNum)
			if page.V.IsNull() {
				return nil
			}
			text, err := page.GetPlainText(nil)
			if err != nil {
				return fmt.Errorf("failed to get text from page %d: %w", pageNum, err)
			}
			pages[pageNum-1].Text = cleanText(text)
			pages[pageNum-1].Confidence = 100
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

func (p *Processor) Close() error {
	if p.fallback != nil {
		return p.fallback.Close()
	}
	return nil
}

var (
	trailingSpace = regexp.MustCompile(`[ \t]+\n`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
)

func cleanText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = trailingSpace.ReplaceAllString(text, "\n")
	return blankRuns.ReplaceAllString(text, "\n\n")
}

func joinPages(pages []models.Page) string {
	parts := make([]string, 0, len(pages))
	for _, pg := range pages {
		if t := strings.TrimSpace(pg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}
