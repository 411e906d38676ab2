package extractor

import (
	"context"

	"github.com/feichai0017/packet-processor/internal/models"
)

// Section is the input to an extraction: the joined text of one section type
// and the entity keys the catalog declares for it.
type Section struct {
	Type  string
	Label string
	Text  string
	Keys  []string
}

type Extractor interface {
	Name() string
	Extract(ctx context.Context, section Section) (models.Entities, error)
}
