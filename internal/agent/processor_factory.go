package agent

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	cfg "github.com/feichai0017/packet-processor/config"
	"github.com/feichai0017/packet-processor/internal/agent/document"
	"github.com/feichai0017/packet-processor/internal/agent/document/image"
	"github.com/feichai0017/packet-processor/internal/agent/document/pdf"
	"github.com/feichai0017/packet-processor/internal/agent/document/text"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

var extToMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
}

var mimeAliases = map[string]string{
	"image/jpg":   "image/jpeg",
	"image/pjpeg": "image/jpeg",
	"image/x-png": "image/png",
}

// MIMEFromExtension maps a filename to the MIME type of its extension, or ""
// when the extension is not supported.
func MIMEFromExtension(filename string) string {
	return extToMIME[strings.ToLower(filepath.Ext(filename))]
}

// NormalizeMIME strips parameters and folds known aliases.
func NormalizeMIME(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	mediaType = strings.ToLower(mediaType)
	if alias, ok := mimeAliases[mediaType]; ok {
		return alias
	}
	return mediaType
}

type ProcessorFactory struct {
	processors map[string]document.Processor
	logger     logger.Logger
}

// NewFactory returns a factory with no processors registered.
func NewFactory(log logger.Logger) *ProcessorFactory {
	return &ProcessorFactory{
		processors: make(map[string]document.Processor),
		logger:     log,
	}
}

// NewProcessorFactory wires the OCR engines from configuration. Images go to
// Textract when it is enabled and to local tesseract otherwise.
func NewProcessorFactory(ctx context.Context, log logger.Logger) (*ProcessorFactory, error) {
	factory := NewFactory(log)
	textractCfg := cfg.GetTextractConfig()

	var imageProcessor document.Processor
	var pdfOpts []pdf.Option
	if textractCfg.Enabled {
		tp, err := image.NewTextractProcessor(ctx, &image.TextractConfig{
			Region:        textractCfg.Region,
			AccessKey:     textractCfg.AccessKey,
			SecretKey:     textractCfg.SecretKey,
			MinConfidence: float32(textractCfg.MinConfidence),
			StagingBucket: textractCfg.StagingBucket,
			StagingPrefix: textractCfg.StagingPrefix,
			PollInterval:  textractCfg.PollInterval,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create textract processor: %w", err)
		}
		imageProcessor = tp
		pdfOpts = append(pdfOpts, pdf.WithFallback(tp))
	} else {
		opts := image.DefaultProcessOptions()
		opts.Languages = strings.Split(textractCfg.Languages, "+")
		tp, err := image.NewProcessor(log, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create image processor: %w", err)
		}
		imageProcessor = tp
	}

	factory.Register(pdf.NewProcessor(log, pdfOpts...), "application/pdf")
	factory.Register(imageProcessor, "image/jpeg", "image/png", "image/tiff", "image/bmp")
	factory.Register(text.NewProcessor(), "text/plain")

	log.Info("OCR engines registered",
		logger.String("images", imageProcessor.Name()),
		logger.Strings("types", factory.SupportedTypes()),
	)
	return factory, nil
}

// Register maps each MIME type to p. Types p cannot process are skipped so
// that Supports rejects them at upload time.
func (f *ProcessorFactory) Register(p document.Processor, mimeTypes ...string) {
	for _, mt := range mimeTypes {
		mt = NormalizeMIME(mt)
		if !p.CanProcess(mt) {
			f.logger.Debug("Processor skipped for mime type",
				logger.String("processor", p.Name()),
				logger.String("mimeType", mt),
			)
			continue
		}
		f.processors[mt] = p
	}
}

func (f *ProcessorFactory) GetProcessor(contentType string) (document.Processor, error) {
	mimeType := NormalizeMIME(contentType)
	processor, ok := f.processors[mimeType]
	if !ok {
		return nil, fmt.Errorf("no processor found for mime type: %q", mimeType)
	}
	return processor, nil
}

func (f *ProcessorFactory) Supports(contentType string) bool {
	_, ok := f.processors[NormalizeMIME(contentType)]
	return ok
}

func (f *ProcessorFactory) SupportedTypes() []string {
	types := make([]string, 0, len(f.processors))
	for mt := range f.processors {
		types = append(types, mt)
	}
	sort.Strings(types)
	return types
}

func (f *ProcessorFactory) Close() error {
	seen := make(map[document.Processor]bool)
	var errs []error
	for _, p := range f.processors {
		if seen[p] {
			continue
		}
		seen[p] = true
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
