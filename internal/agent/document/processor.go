package document

import (
	"context"
	"io"

	"github.com/feichai0017/packet-processor/internal/models"
)

// Processor turns an uploaded file into recognized text.
type Processor interface {
	// Name identifies the engine in logs and results.
	Name() string

	// CanProcess reports whether the processor accepts mimeType.
	CanProcess(mimeType string) bool

	// Process recognizes the whole file. Implementations must honor ctx.
	Process(ctx context.Context, reader io.Reader) (*models.OCRResult, error)

	Close() error
}

// MultiPageProcessor is implemented by engines that need a separate path for
// documents with more than one page.
type MultiPageProcessor interface {
	ProcessPages(ctx context.Context, content []byte) (*models.OCRResult, error)
}
