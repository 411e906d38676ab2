package image

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/google/uuid"

	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

// textractAPI is the subset of the Textract client used here.
type textractAPI interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
	StartDocumentTextDetection(ctx context.Context, params *textract.StartDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, params *textract.GetDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

// stagingAPI is the subset of the S3 client used to hand multi-page
// documents to asynchronous Textract jobs.
type stagingAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// TextractProcessor sends scans to AWS Textract. It also serves as the
// fallback for PDFs that have no text layer. Single images and single-page
// PDFs go through DetectDocumentText; multi-page PDFs are staged in S3 and
// recognized by an asynchronous text detection job.
type TextractProcessor struct {
	client  textractAPI
	staging stagingAPI
	logger  logger.Logger
	config  *TextractConfig
}

type TextractConfig struct {
	Region        string
	AccessKey     string
	SecretKey     string
	MinConfidence float32

	// StagingBucket receives multi-page documents for the duration of a job.
	// Multi-page PDFs are rejected when it is empty.
	StagingBucket string
	StagingPrefix string
	PollInterval  time.Duration
}

func NewTextractProcessor(ctx context.Context, cfg *TextractConfig, log logger.Logger) (*TextractProcessor, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	var staging stagingAPI
	if cfg.StagingBucket != "" {
		staging = s3.NewFromConfig(awsCfg)
	}
	return newTextractProcessor(textract.NewFromConfig(awsCfg), staging, cfg, log), nil
}

func newTextractProcessor(client textractAPI, staging stagingAPI, cfg *TextractConfig, log logger.Logger) *TextractProcessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &TextractProcessor{client: client, staging: staging, logger: log, config: cfg}
}

func (p *TextractProcessor) Name() string { return "textract" }

func (p *TextractProcessor) CanProcess(mimeType string) bool {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/png", "image/tiff", "application/pdf":
		return true
	default:
		return false
	}
}

func (p *TextractProcessor) Process(ctx context.Context, reader io.Reader) (*models.OCRResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	out, err := p.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: data},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to detect document text: %w", err)
	}

	result := p.collectLines(out.Blocks)
	p.logger.Debug("Textract finished",
		logger.Int("pages", len(result.Pages)),
		logger.Float64("confidence", result.Confidence),
	)
	return result, nil
}

// ProcessPages runs an asynchronous text detection job over a multi-page
// document. The staged object is removed once the job is done.
func (p *TextractProcessor) ProcessPages(ctx context.Context, content []byte) (*models.OCRResult, error) {
	if p.staging == nil || p.config.StagingBucket == "" {
		return nil, fmt.Errorf("multi-page documents need a textract staging bucket")
	}

	bucket := p.config.StagingBucket
	key := path.Join(p.config.StagingPrefix, uuid.NewString()+".pdf")
	if _, err := p.staging.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/pdf"),
	}); err != nil {
		return nil, fmt.Errorf("failed to stage document for textract: %w", err)
	}
	defer func() {
		if _, err := p.staging.DeleteObject(context.WithoutCancel(ctx), &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			p.logger.Warn("Failed to remove staged document", logger.String("key", key), logger.Error(err))
		}
	}()

	start, err := p.client.StartDocumentTextDetection(ctx, &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{Bucket: aws.String(bucket), Name: aws.String(key)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start text detection: %w", err)
	}

	jobID := aws.ToString(start.JobId)
	blocks, err := p.waitForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	result := p.collectLines(blocks)
	p.logger.Debug("Textract job finished",
		logger.String("jobId", jobID),
		logger.Int("pages", len(result.Pages)),
		logger.Float64("confidence", result.Confidence),
	)
	return result, nil
}

// waitForJob polls until the job leaves IN_PROGRESS, then pages through
// every block of the result.
func (p *TextractProcessor) waitForJob(ctx context.Context, jobID string) ([]types.Block, error) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		out, err := p.client.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{JobId: aws.String(jobID)})
		if err != nil {
			return nil, fmt.Errorf("failed to get text detection job %s: %w", jobID, err)
		}

		switch out.JobStatus {
		case types.JobStatusSucceeded, types.JobStatusPartialSuccess:
			blocks := append([]types.Block{}, out.Blocks...)
			for out.NextToken != nil {
				out, err = p.client.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{
					JobId:     aws.String(jobID),
					NextToken: out.NextToken,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to read text detection job %s: %w", jobID, err)
				}
				blocks = append(blocks, out.Blocks...)
			}
			return blocks, nil
		case types.JobStatusFailed:
			return nil, fmt.Errorf("text detection job %s failed: %s", jobID, aws.ToString(out.StatusMessage))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// collectLines keeps LINE blocks above the confidence floor, grouped by page
// in the order Textract returns them.
func (p *TextractProcessor) collectLines(blocks []types.Block) *models.OCRResult {
	lines := make(map[int][]string)
	confSum := make(map[int]float64)
	dropped := 0
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeLine || block.Text == nil {
			continue
		}
		conf := aws.ToFloat32(block.Confidence)
		if conf < p.config.MinConfidence {
			dropped++
			continue
		}
		page := int(aws.ToInt32(block.Page))
		if page == 0 {
			page = 1
		}
		lines[page] = append(lines[page], *block.Text)
		confSum[page] += float64(conf)
	}

	numbers := make([]int, 0, len(lines))
	for n := range lines {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	result := &models.OCRResult{Engine: p.Name()}
	texts := make([]string, 0, len(numbers))
	var total float64
	var count int
	for _, n := range numbers {
		text := strings.Join(lines[n], "\n")
		conf := confSum[n] / float64(len(lines[n]))
		result.Pages = append(result.Pages, models.Page{Number: n, Text: text, Confidence: conf})
		texts = append(texts, text)
		total += confSum[n]
		count += len(lines[n])
	}
	result.Text = strings.Join(texts, "\n\n")
	if count > 0 {
		result.Confidence = total / float64(count)
	}
	if dropped > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d lines below confidence %.0f dropped", dropped, p.config.MinConfidence))
	}
	return result
}

func (p *TextractProcessor) Close() error {
	return nil
}
