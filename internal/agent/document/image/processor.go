package image

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

// Processor runs local tesseract OCR on scanned pages.
type Processor struct {
	logger        logger.Logger
	preprocessors []Preprocessor
	config        *ProcessOptions
}

type ProcessOptions struct {
	Languages     []string
	PageSegMode   gosseract.PageSegMode
	MinConfidence float64
	Preprocess    PreprocessConfig
}

func DefaultProcessOptions() *ProcessOptions {
	return &ProcessOptions{
		Languages:     []string{"ita", "eng"},
		PageSegMode:   gosseract.PSM_AUTO,
		MinConfidence: 40,
		Preprocess:    DefaultPreprocessConfig(),
	}
}

func NewProcessor(log logger.Logger, opts *ProcessOptions) (*Processor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts == nil {
		opts = DefaultProcessOptions()
	}
	if len(opts.Languages) == 0 {
		return nil, fmt.Errorf("at least one tesseract language is required")
	}
	return &Processor{
		logger:        log,
		preprocessors: Pipeline(opts.Preprocess),
		config:        opts,
	}, nil
}

func (p *Processor) Name() string { return "tesseract" }

func (p *Processor) CanProcess(mimeType string) bool {
	switch mimeType {
	case "image/jpeg", "image/png", "image/tiff", "image/bmp":
		return true
	default:
		return false
	}
}

type ocrOutcome struct {
	text       string
	confidence float64
	err        error
}

func (p *Processor) Process(ctx context.Context, file io.Reader) (*models.OCRResult, error) {
	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	processed, err := p.applyPreprocessing(img)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, processed, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	// tesseract cannot be interrupted, so the call runs detached and the
	// caller stops waiting when ctx ends.
	done := make(chan ocrOutcome, 1)
	go func() {
		text, conf, err := p.recognize(buf.Bytes())
		done <- ocrOutcome{text: text, confidence: conf, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		text := strings.TrimSpace(out.text)
		result := &models.OCRResult{
			Text:       text,
			Pages:      []models.Page{{Number: 1, Text: text, Confidence: out.confidence}},
			Engine:     p.Name(),
			Confidence: out.confidence,
		}
		if out.confidence > 0 && out.confidence < p.config.MinConfidence {
			result.Warnings = append(result.Warnings, fmt.Sprintf("low OCR confidence %.1f", out.confidence))
		}
		return result, nil
	}
}

func (p *Processor) applyPreprocessing(img image.Image) (image.Image, error) {
	result := img
	for _, step := range p.preprocessors {
		var err error
		result, err = step.Process(result)
		if err != nil {
			return nil, fmt.Errorf("preprocessing failed: %w", err)
		}
		if result == nil {
			return nil, fmt.Errorf("preprocessor returned nil image")
		}
	}
	return result, nil
}

func (p *Processor) recognize(data []byte) (string, float64, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(p.config.Languages...); err != nil {
		return "", 0, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetPageSegMode(p.config.PageSegMode); err != nil {
		return "", 0, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return "", 0, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("failed to get text: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		p.logger.Warn("Failed to get bounding boxes", logger.Error(err))
		return text, 0, nil
	}
	return text, meanConfidence(boxes), nil
}

func meanConfidence(boxes []gosseract.BoundingBox) float64 {
	if len(boxes) == 0 {
		return 0
	}
	var total float64
	for _, b := range boxes {
		total += b.Confidence
	}
	return total / float64(len(boxes))
}

func (p *Processor) Close() error { return nil }
