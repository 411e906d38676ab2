package image

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/packet-processor/pkg/logger"
)

type fakeTextract struct {
	blocks []types.Block
	err    error
	got    []byte

	// asynchronous job: pending polls before the result, then one page of
	// blocks per entry in jobPages
	pending   int
	jobStatus types.JobStatus
	jobPages  [][]types.Block
	started   *types.S3Object
	polls     int
	tokens    []string
}

func (f *fakeTextract) DetectDocumentText(_ context.Context, in *textract.DetectDocumentTextInput, _ ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error) {
	f.got = in.Document.Bytes
	if f.err != nil {
		return nil, f.err
	}
	return &textract.DetectDocumentTextOutput{Blocks: f.blocks}, nil
}

func (f *fakeTextract) StartDocumentTextDetection(_ context.Context, in *textract.StartDocumentTextDetectionInput, _ ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error) {
	f.started = in.DocumentLocation.S3Object
	return &textract.StartDocumentTextDetectionOutput{JobId: aws.String("job-1")}, nil
}

func (f *fakeTextract) GetDocumentTextDetection(_ context.Context, in *textract.GetDocumentTextDetectionInput, _ ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error) {
	f.polls++
	if f.pending > 0 {
		f.pending--
		return &textract.GetDocumentTextDetectionOutput{JobStatus: types.JobStatusInProgress}, nil
	}
	if f.jobStatus == types.JobStatusFailed {
		return &textract.GetDocumentTextDetectionOutput{JobStatus: types.JobStatusFailed, StatusMessage: aws.String("unsupported document")}, nil
	}

	page := 0
	if in.NextToken != nil {
		f.tokens = append(f.tokens, *in.NextToken)
		fmt.Sscanf(*in.NextToken, "page-%d", &page)
	}
	out := &textract.GetDocumentTextDetectionOutput{JobStatus: types.JobStatusSucceeded, Blocks: f.jobPages[page]}
	if page+1 < len(f.jobPages) {
		out.NextToken = aws.String(fmt.Sprintf("page-%d", page+1))
	}
	return out, nil
}

type fakeStaging struct {
	objects map[string][]byte
	deleted []string
}

func (f *fakeStaging) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStaging) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func line(page int32, conf float32, text string) types.Block {
	return types.Block{
		BlockType:  types.BlockTypeLine,
		Page:       aws.Int32(page),
		Confidence: aws.Float32(conf),
		Text:       aws.String(text),
	}
}

func TestTextract_GroupsLinesByPage(t *testing.T) {
	fake := &fakeTextract{blocks: []types.Block{
		{BlockType: types.BlockTypePage, Page: aws.Int32(1)},
		line(2, 95, "INTERVENTO"),
		line(1, 99, "ANAMNESI"),
		line(1, 91, "Paziente iperteso"),
		line(1, 30, "~~ rumore ~~"),
		{BlockType: types.BlockTypeWord, Text: aws.String("ANAMNESI"), Confidence: aws.Float32(99)},
	}}
	p := newTextractProcessor(fake, nil, &TextractConfig{MinConfidence: 80}, logger.NewNop())

	res, err := p.Process(context.Background(), strings.NewReader("scan-bytes"))
	require.NoError(t, err)

	assert.Equal(t, []byte("scan-bytes"), fake.got)
	assert.Equal(t, "textract", res.Engine)
	require.Len(t, res.Pages, 2)
	assert.Equal(t, "ANAMNESI\nPaziente iperteso", res.Pages[0].Text)
	assert.Equal(t, 2, res.Pages[1].Number)
	assert.Equal(t, "ANAMNESI\nPaziente iperteso\n\nINTERVENTO", res.Text)
	assert.InDelta(t, 95.0, res.Confidence, 0.01)
	assert.Len(t, res.Warnings, 1)
}

func TestTextract_PropagatesError(t *testing.T) {
	fake := &fakeTextract{err: errors.New("throttled")}
	p := newTextractProcessor(fake, nil, &TextractConfig{MinConfidence: 80}, logger.NewNop())

	_, err := p.Process(context.Background(), strings.NewReader("x"))
	assert.ErrorContains(t, err, "throttled")
}

func TestTextract_MultiPageUsesAsyncJob(t *testing.T) {
	fake := &fakeTextract{
		pending: 2,
		jobPages: [][]types.Block{
			{line(1, 99, "ANAMNESI"), line(1, 97, "Paziente iperteso")},
			{line(2, 95, "INTERVENTO CARDIOCHIRURGICO")},
			{line(3, 93, "ECOCARDIOGRAMMA")},
		},
	}
	staging := &fakeStaging{objects: map[string][]byte{}}
	p := newTextractProcessor(fake, staging, &TextractConfig{
		MinConfidence: 80,
		StagingBucket: "ocr-staging",
		StagingPrefix: "textract",
		PollInterval:  time.Millisecond,
	}, logger.NewNop())

	res, err := p.ProcessPages(context.Background(), []byte("%PDF-1.4 scanned"))
	require.NoError(t, err)

	require.NotNil(t, fake.started)
	assert.Equal(t, "ocr-staging", aws.ToString(fake.started.Bucket))
	key := aws.ToString(fake.started.Name)
	assert.True(t, strings.HasPrefix(key, "textract/"))
	assert.Equal(t, []byte("%PDF-1.4 scanned"), staging.objects["ocr-staging/"+key])
	assert.Equal(t, []string{"ocr-staging/" + key}, staging.deleted)

	assert.Equal(t, 5, fake.polls)
	assert.Equal(t, []string{"page-1", "page-2"}, fake.tokens)
	require.Len(t, res.Pages, 3)
	assert.Equal(t, "ANAMNESI\nPaziente iperteso\n\nINTERVENTO CARDIOCHIRURGICO\n\nECOCARDIOGRAMMA", res.Text)
	assert.Equal(t, "textract", res.Engine)
}

func TestTextract_MultiPageJobFailure(t *testing.T) {
	fake := &fakeTextract{jobStatus: types.JobStatusFailed}
	staging := &fakeStaging{objects: map[string][]byte{}}
	p := newTextractProcessor(fake, staging, &TextractConfig{StagingBucket: "ocr-staging"}, logger.NewNop())

	_, err := p.ProcessPages(context.Background(), []byte("%PDF"))
	assert.ErrorContains(t, err, "unsupported document")
	assert.Len(t, staging.deleted, 1)
}

func TestTextract_MultiPageNeedsStagingBucket(t *testing.T) {
	p := newTextractProcessor(&fakeTextract{}, nil, &TextractConfig{}, logger.NewNop())

	_, err := p.ProcessPages(context.Background(), []byte("%PDF"))
	assert.ErrorContains(t, err, "staging bucket")
}

func TestTextract_MultiPageHonorsContext(t *testing.T) {
	fake := &fakeTextract{pending: 1 << 30}
	staging := &fakeStaging{objects: map[string][]byte{}}
	p := newTextractProcessor(fake, staging, &TextractConfig{StagingBucket: "b", PollInterval: time.Millisecond}, logger.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.ProcessPages(ctx, []byte("%PDF"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, staging.deleted, 1)
}

func TestAdaptiveThreshold_Binarizes(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			src.SetGray(x, y, color.Gray{Y: 230})
		}
	}
	for x := 5; x < 15; x++ {
		src.SetGray(x, 10, color.Gray{Y: 20})
	}

	out, err := adaptiveThreshold{blockSize: 7, constant: 8}.Process(src)
	require.NoError(t, err)

	g := out.(*image.Gray)
	assert.Equal(t, uint8(0), g.GrayAt(10, 10).Y)
	assert.Equal(t, uint8(255), g.GrayAt(10, 2).Y)
}

func TestPipeline_SkipsDisabledSteps(t *testing.T) {
	steps := Pipeline(PreprocessConfig{})
	require.Len(t, steps, 1)
	assert.IsType(t, grayscale{}, steps[0])

	assert.Len(t, Pipeline(DefaultPreprocessConfig()), 6)
}
