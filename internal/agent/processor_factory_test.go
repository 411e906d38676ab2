package agent

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/packet-processor/internal/agent/document/text"
	"github.com/feichai0017/packet-processor/internal/models"
	"github.com/feichai0017/packet-processor/pkg/logger"
)

func TestNormalizeMIME(t *testing.T) {
	assert.Equal(t, "text/plain", NormalizeMIME("text/plain; charset=utf-8"))
	assert.Equal(t, "image/jpeg", NormalizeMIME("IMAGE/JPG"))
	assert.Equal(t, "application/pdf", NormalizeMIME(" application/pdf "))
}

func TestMIMEFromExtension(t *testing.T) {
	assert.Equal(t, "application/pdf", MIMEFromExtension("cartella.PDF"))
	assert.Equal(t, "image/tiff", MIMEFromExtension("scan.tif"))
	assert.Equal(t, "", MIMEFromExtension("notes.docx"))
}

func TestFactory_GetProcessor(t *testing.T) {
	f := NewFactory(logger.NewNop())
	f.Register(text.NewProcessor(), "text/plain")

	p, err := f.GetProcessor("text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "text", p.Name())
	assert.True(t, f.Supports("text/plain"))
	assert.Equal(t, []string{"text/plain"}, f.SupportedTypes())

	_, err = f.GetProcessor("application/msword")
	assert.Error(t, err)
	assert.NoError(t, f.Close())
}

func TestTextProcessor_SplitsFormFeeds(t *testing.T) {
	p := text.NewProcessor()
	res, err := p.Process(context.Background(), strings.NewReader("pagina uno\r\n\fpagina due"))
	require.NoError(t, err)

	require.Len(t, res.Pages, 2)
	assert.Equal(t, "pagina uno\n", res.Pages[0].Text)
	assert.Equal(t, 2, res.Pages[1].Number)
	assert.Equal(t, "pagina uno\n\n\npagina due", res.Text)
	assert.Equal(t, "text", res.Engine)
}

func TestTextProcessor_RejectsBinary(t *testing.T) {
	_, err := text.NewProcessor().Process(context.Background(), strings.NewReader("\xff\xfe\x00"))
	assert.Error(t, err)
}

type pickyProcessor struct{ types []string }

func (p *pickyProcessor) Name() string { return "picky" }
func (p *pickyProcessor) CanProcess(mimeType string) bool {
	for _, t := range p.types {
		if t == mimeType {
			return true
		}
	}
	return false
}
func (p *pickyProcessor) Process(context.Context, io.Reader) (*models.OCRResult, error) {
	return &models.OCRResult{}, nil
}
func (p *pickyProcessor) Close() error { return nil }

func TestFactory_RegisterSkipsTypesTheProcessorRejects(t *testing.T) {
	f := NewFactory(logger.NewNop())
	f.Register(&pickyProcessor{types: []string{"image/jpeg", "image/png", "image/tiff"}},
		"image/jpeg", "image/png", "image/tiff", "image/bmp")

	assert.True(t, f.Supports("image/png"))
	assert.False(t, f.Supports("image/bmp"))
	assert.Equal(t, []string{"image/jpeg", "image/png", "image/tiff"}, f.SupportedTypes())

	_, err := f.GetProcessor("image/bmp")
	assert.Error(t, err)
}
