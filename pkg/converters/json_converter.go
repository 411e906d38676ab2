package converters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/feichai0017/packet-processor/internal/models"
)

// DocumentConverter turns a processed document into the bytes persisted to
// blob storage, and back.
type DocumentConverter interface {
	Convert(doc *models.DocumentArtifact) ([]byte, error)
	Parse(data []byte) (*models.DocumentArtifact, error)
	ContentType() string
}

type JSONConverter struct {
	now func() time.Time
}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{now: time.Now}
}

func (c *JSONConverter) ContentType() string { return "application/json" }

func (c *JSONConverter) Convert(doc *models.DocumentArtifact) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("no document to convert")
	}
	if doc.DocumentID == "" || doc.DocumentType == "" {
		return nil, fmt.Errorf("document id and type are required")
	}

	out := *doc
	if out.Entities == nil {
		out.Entities = models.Entities{}
	}
	if out.ProcessedAt.IsZero() {
		out.ProcessedAt = c.now().UTC()
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&out); err != nil {
		return nil, fmt.Errorf("failed to encode document %s: %w", doc.DocumentID, err)
	}
	return buf.Bytes(), nil
}

func (c *JSONConverter) Parse(data []byte) (*models.DocumentArtifact, error) {
	var doc models.DocumentArtifact
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if doc.Entities == nil {
		doc.Entities = models.Entities{}
	}
	return &doc, nil
}
